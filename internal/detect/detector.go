package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgauge/meter-quality-worker/internal/db"
	"github.com/fleetgauge/meter-quality-worker/internal/rules"
)

// Error types a detection can raise.
const (
	TypeOdometerRollback   = "odometer_rollback"
	TypeOdometerSkip       = "odometer_skip"
	TypeOdometerStagnant   = "odometer_stagnant"
	TypeExcessiveDailyRate = "excessive_daily_miles"
	TypeHourMeterRollback  = "hour_meter_rollback"
	TypeHourMeterSkip      = "hour_meter_skip"
	TypeInvalidRange       = "invalid_range"
	TypeStatisticalAnomaly = "statistical_anomaly"
	TypeInconsistentData   = "inconsistent_data"
	TypeMissingReading     = "missing_reading"
	TypeDuplicateReading   = "duplicate_reading"
)

const (
	secondsPerDay = 86400.0

	// minElapsedDays floors the rate denominator to one hour so two
	// readings minutes apart do not explode into an absurd daily rate.
	minElapsedDays = 1.0 / 24.0

	defaultSkipWindowDays       = 7
	defaultStagnationWindowDays = 30
)

// Candidate is one detected anomaly. The detector only describes; the
// ingestion gate decides persistence and blocking.
type Candidate struct {
	RuleID              uuid.UUID
	Type                string
	Severity            rules.Severity
	Explanation         string
	Variance            float64
	ComparisonReadingID *uuid.UUID
	Block               bool
	RequireCorrection   bool
}

// SkippedRule reports a rule whose evaluation failed internally. The gate
// logs these; one misconfigured rule must not blind the whole detector.
type SkippedRule struct {
	RuleID uuid.UUID
	Name   string
	Reason string
}

// Detector evaluates a candidate reading against the vehicle's most
// recent prior reading under the active ruleset. It is a pure function of
// its inputs and holds no mutable state, which is what makes it
// independently testable.
type Detector struct {
	minDataPointsForStatistical int
}

// NewDetector creates a detector. minDataPointsForStatistical is the
// number of historical daily rates required before the statistical check
// may fire.
func NewDetector(minDataPointsForStatistical int) *Detector {
	return &Detector{minDataPointsForStatistical: minDataPointsForStatistical}
}

// Detect evaluates every active rule against the candidate reading.
// recentRates carries the vehicle's recent observed daily rates for the
// statistical check. A nil prior vacuously skips every relative rule:
// the first reading for a vehicle is never a rollback or a skip.
func (d *Detector) Detect(candidate, prior *db.MeterReading, recentRates []float64, active []rules.Rule) ([]Candidate, []SkippedRule) {
	var out []Candidate
	var skipped []SkippedRule

	for _, rule := range active {
		cands, err := d.evalRule(rule, candidate, prior, recentRates)
		if err != nil {
			skipped = append(skipped, SkippedRule{RuleID: rule.ID, Name: rule.Name, Reason: err.Error()})
			continue
		}
		out = append(out, cands...)
	}
	return out, skipped
}

// evalRule runs one rule, converting any internal panic into an error so
// the remaining rules still evaluate.
func (d *Detector) evalRule(rule rules.Rule, candidate, prior *db.MeterReading, recentRates []float64) (cands []Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			cands = nil
			err = fmt.Errorf("rule evaluation panicked: %v", r)
		}
	}()

	value, priorValue, ok := pickValues(rule.Category, candidate, prior)
	if !ok {
		// The candidate carries no value for this rule's meter.
		return nil, nil
	}

	// Absolute range checks need no history and always apply.
	if rule.Method == rules.MethodRange {
		if c := checkRange(rule, candidate, value); c != nil {
			return []Candidate{*c}, nil
		}
		return nil, nil
	}

	// Everything below compares against the prior reading.
	if prior == nil || priorValue == nil {
		return nil, nil
	}

	delta := value - *priorValue
	elapsed := candidate.ReadingTimestamp.Sub(prior.ReadingTimestamp)

	// Out-of-order or duplicate timestamps are classified instead of
	// dividing by a non-positive interval.
	if elapsed <= 0 {
		if rule.Method != rules.MethodComparison {
			return nil, nil
		}
		return []Candidate{timestampAnomaly(rule, candidate, prior, delta, elapsed)}, nil
	}

	daysElapsed := elapsed.Seconds() / secondsPerDay
	dailyRate := math.Abs(delta) / math.Max(daysElapsed, minElapsedDays)

	switch rule.Method {
	case rules.MethodComparison:
		if delta < 0 {
			return []Candidate{rollback(rule, candidate, prior, value, *priorValue, delta, daysElapsed)}, nil
		}

	case rules.MethodRateOfChange:
		if rule.MaxDailyChange == nil {
			return nil, fmt.Errorf("rate_of_change rule %q has no max_daily_change", rule.Name)
		}
		// Rate rules bound how fast a meter may plausibly increase; a
		// decrease is the rollback rule's signal, not a rate violation.
		if delta > 0 && dailyRate > *rule.MaxDailyChange {
			return []Candidate{{
				RuleID:   rule.ID,
				Type:     TypeExcessiveDailyRate,
				Severity: rule.Severity,
				Explanation: fmt.Sprintf("daily rate %.1f/day exceeds limit %.1f/day (from %.1f to %.1f over %.1f days)",
					dailyRate, *rule.MaxDailyChange, *priorValue, value, daysElapsed),
				Variance:            delta,
				ComparisonReadingID: &prior.ID,
				Block:               rule.BlockTransaction,
				RequireCorrection:   rule.RequireCorrection,
			}}, nil
		}

	case rules.MethodThreshold:
		if rule.Threshold == nil {
			return nil, fmt.Errorf("threshold rule %q has no threshold", rule.Name)
		}
		window := float64(windowDays(rule, defaultSkipWindowDays))
		if delta > *rule.Threshold && daysElapsed < window {
			return []Candidate{{
				RuleID:   rule.ID,
				Type:     skipType(rule.Category),
				Severity: rule.Severity,
				Explanation: fmt.Sprintf("jump of %.1f exceeds threshold %.1f within %.1f days (from %.1f to %.1f)",
					delta, *rule.Threshold, daysElapsed, *priorValue, value),
				Variance:            delta,
				ComparisonReadingID: &prior.ID,
				Block:               rule.BlockTransaction,
				RequireCorrection:   rule.RequireCorrection,
			}}, nil
		}

	case rules.MethodPattern:
		window := float64(windowDays(rule, defaultStagnationWindowDays))
		if delta == 0 && daysElapsed > window {
			return []Candidate{{
				RuleID:   rule.ID,
				Type:     TypeOdometerStagnant,
				Severity: rule.Severity,
				Explanation: fmt.Sprintf("meter unchanged at %.1f for %.1f days (stagnation window %.0f days)",
					value, daysElapsed, window),
				Variance:            0,
				ComparisonReadingID: &prior.ID,
				Block:               rule.BlockTransaction,
				RequireCorrection:   rule.RequireCorrection,
			}}, nil
		}

	case rules.MethodStatistical:
		if rule.DeviationFactor == nil {
			return nil, fmt.Errorf("statistical rule %q has no deviation_factor", rule.Name)
		}
		if len(recentRates) < d.minDataPointsForStatistical {
			return nil, nil
		}
		sum := 0.0
		for _, v := range recentRates {
			sum += v
		}
		average := sum / float64(len(recentRates))
		if delta > 0 && average > 0 && dailyRate > *rule.DeviationFactor*average {
			return []Candidate{{
				RuleID:   rule.ID,
				Type:     TypeStatisticalAnomaly,
				Severity: rule.Severity,
				Explanation: fmt.Sprintf("daily rate %.1f/day exceeds %.1fx rolling average %.1f/day",
					dailyRate, *rule.DeviationFactor, average),
				Variance:            delta,
				ComparisonReadingID: &prior.ID,
				Block:               rule.BlockTransaction,
				RequireCorrection:   rule.RequireCorrection,
			}}, nil
		}
	}

	return nil, nil
}

func rollback(rule rules.Rule, candidate, prior *db.MeterReading, value, priorValue, delta, daysElapsed float64) Candidate {
	return Candidate{
		RuleID:   rule.ID,
		Type:     rollbackType(rule.Category),
		Severity: rule.Severity,
		Explanation: fmt.Sprintf("meter decreased from %.1f to %.1f (variance %.1f) over %.1f days",
			priorValue, value, delta, daysElapsed),
		Variance:            delta,
		ComparisonReadingID: &prior.ID,
		Block:               rule.BlockTransaction,
		RequireCorrection:   rule.RequireCorrection,
	}
}

func timestampAnomaly(rule rules.Rule, candidate, prior *db.MeterReading, delta float64, elapsed time.Duration) Candidate {
	anomalyType := TypeInconsistentData
	explanation := fmt.Sprintf("reading timestamp %s precedes prior reading %s",
		candidate.ReadingTimestamp.Format(time.RFC3339), prior.ReadingTimestamp.Format(time.RFC3339))
	if elapsed == 0 {
		anomalyType = TypeDuplicateReading
		explanation = fmt.Sprintf("reading shares timestamp %s with prior reading",
			candidate.ReadingTimestamp.Format(time.RFC3339))
	}
	return Candidate{
		RuleID:              rule.ID,
		Type:                anomalyType,
		Severity:            rules.SeverityWarning,
		Explanation:         explanation,
		Variance:            delta,
		ComparisonReadingID: &prior.ID,
		Block:               rule.BlockTransaction,
		RequireCorrection:   rule.RequireCorrection,
	}
}

func checkRange(rule rules.Rule, candidate *db.MeterReading, value float64) *Candidate {
	var explanation string
	switch {
	case rule.MinValue != nil && value < *rule.MinValue:
		explanation = fmt.Sprintf("value %.1f below minimum %.1f", value, *rule.MinValue)
	case rule.MaxValue != nil && value > *rule.MaxValue:
		explanation = fmt.Sprintf("value %.1f above maximum %.1f", value, *rule.MaxValue)
	default:
		return nil
	}
	return &Candidate{
		RuleID:            rule.ID,
		Type:              TypeInvalidRange,
		Severity:          rule.Severity,
		Explanation:       explanation,
		Variance:          0,
		Block:             rule.BlockTransaction,
		RequireCorrection: rule.RequireCorrection,
	}
}

// pickValues resolves the candidate and prior values for a rule's meter
// category, honoring applied corrections on the prior reading.
func pickValues(category rules.Category, candidate, prior *db.MeterReading) (float64, *float64, bool) {
	switch category {
	case rules.CategoryOdometer:
		if candidate.Odometer == nil {
			return 0, nil, false
		}
		if prior == nil {
			return *candidate.Odometer, nil, true
		}
		return *candidate.Odometer, prior.EffectiveOdometer(), true
	case rules.CategoryHourMeter:
		if candidate.HourMeter == nil {
			return 0, nil, false
		}
		if prior == nil {
			return *candidate.HourMeter, nil, true
		}
		return *candidate.HourMeter, prior.EffectiveHourMeter(), true
	}
	return 0, nil, false
}

func rollbackType(category rules.Category) string {
	if category == rules.CategoryHourMeter {
		return TypeHourMeterRollback
	}
	return TypeOdometerRollback
}

func skipType(category rules.Category) string {
	if category == rules.CategoryHourMeter {
		return TypeHourMeterSkip
	}
	return TypeOdometerSkip
}

func windowDays(rule rules.Rule, fallback int) int {
	if rule.WindowDays != nil {
		return *rule.WindowDays
	}
	return fallback
}

