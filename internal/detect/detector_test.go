package detect_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgauge/meter-quality-worker/internal/db"
	"github.com/fleetgauge/meter-quality-worker/internal/detect"
	"github.com/fleetgauge/meter-quality-worker/internal/rules"
)

const testStatisticalMinPoints = 3

var testPolicy = rules.DefaultPolicy{
	MaxDailyChange:  500,
	SkipThreshold:   1000,
	SkipWindowDays:  7,
	StagnationDays:  30,
	DeviationFactor: 3.0,
	OdometerMax:     2000000,
	HourMeterMax:    200000,
}

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func odometerRules(t *testing.T) (uuid.UUID, []rules.Rule) {
	t.Helper()
	tenantID := uuid.New()
	var out []rules.Rule
	for _, r := range rules.DefaultRules(tenantID, testPolicy) {
		if r.Category == rules.CategoryOdometer {
			out = append(out, r)
		}
	}
	return tenantID, out
}

func reading(vehicleID uuid.UUID, odometer float64, at time.Time) *db.MeterReading {
	return &db.MeterReading{
		ID:               uuid.New(),
		VehicleID:        vehicleID,
		ReadingTimestamp: at,
		Odometer:         &odometer,
		Source:           db.SourceManual,
	}
}

func typesOf(candidates []detect.Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Type)
	}
	return out
}

func TestDetect_Rollback(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 50000, t0)
	candidate := reading(vehicleID, 45000, t0.Add(24*time.Hour))

	candidates, skipped := detector.Detect(candidate, prior, nil, active)
	if len(skipped) != 0 {
		t.Fatalf("expected no skipped rules, got %d", len(skipped))
	}
	if len(candidates) != 1 {
		t.Fatalf("expected exactly one anomaly, got %v", typesOf(candidates))
	}

	c := candidates[0]
	if c.Type != detect.TypeOdometerRollback {
		t.Errorf("expected %s, got %s", detect.TypeOdometerRollback, c.Type)
	}
	if c.Severity != rules.SeverityCritical {
		t.Errorf("expected critical severity, got %s", c.Severity)
	}
	if c.Variance != -5000 {
		t.Errorf("expected variance -5000, got %.1f", c.Variance)
	}
	if c.ComparisonReadingID == nil || *c.ComparisonReadingID != prior.ID {
		t.Error("expected comparison reading to reference the prior reading")
	}
}

func TestDetect_RollbackIgnoresElapsedTime(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 50000, t0)
	candidate := reading(vehicleID, 45000, t0.Add(400*24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	if len(candidates) != 1 || candidates[0].Type != detect.TypeOdometerRollback {
		t.Fatalf("expected a single rollback after 400 days, got %v", typesOf(candidates))
	}
}

func TestDetect_ExcessiveDailyRate(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 10000, t0)
	candidate := reading(vehicleID, 10600, t0.Add(24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	if len(candidates) != 1 {
		t.Fatalf("expected exactly one anomaly, got %v", typesOf(candidates))
	}
	c := candidates[0]
	if c.Type != detect.TypeExcessiveDailyRate {
		t.Errorf("expected %s, got %s", detect.TypeExcessiveDailyRate, c.Type)
	}
	if c.Severity != rules.SeverityWarning {
		t.Errorf("expected warning severity, got %s", c.Severity)
	}
}

func TestDetect_SkipWithoutRateViolation(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	// 1500 over 3 days: jump threshold breached, but 500/day does not
	// exceed the 500/day rate limit.
	prior := reading(vehicleID, 10000, t0)
	candidate := reading(vehicleID, 11500, t0.Add(3*24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	if len(candidates) != 1 {
		t.Fatalf("expected exactly one anomaly, got %v", typesOf(candidates))
	}
	if candidates[0].Type != detect.TypeOdometerSkip {
		t.Errorf("expected %s, got %s", detect.TypeOdometerSkip, candidates[0].Type)
	}
	if candidates[0].Severity != rules.SeverityError {
		t.Errorf("expected error severity, got %s", candidates[0].Severity)
	}
}

func TestDetect_SkipAndRateCoFire(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	// 1200 over 1 day breaches both the jump threshold and the daily
	// rate limit; both rules fire independently.
	prior := reading(vehicleID, 10000, t0)
	candidate := reading(vehicleID, 11200, t0.Add(24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	got := map[string]bool{}
	for _, c := range candidates {
		got[c.Type] = true
	}
	if !got[detect.TypeOdometerSkip] || !got[detect.TypeExcessiveDailyRate] {
		t.Errorf("expected skip and excessive rate to co-fire, got %v", typesOf(candidates))
	}
}

func TestDetect_Stagnation(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 20000, t0)
	candidate := reading(vehicleID, 20000, t0.Add(35*24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	if len(candidates) != 1 {
		t.Fatalf("expected exactly one anomaly, got %v", typesOf(candidates))
	}
	if candidates[0].Type != detect.TypeOdometerStagnant {
		t.Errorf("expected %s, got %s", detect.TypeOdometerStagnant, candidates[0].Type)
	}
	if candidates[0].Severity != rules.SeverityInfo {
		t.Errorf("expected info severity, got %s", candidates[0].Severity)
	}
}

func TestDetect_UnchangedWithinWindowIsClean(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 20000, t0)
	candidate := reading(vehicleID, 20000, t0.Add(10*24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	if len(candidates) != 0 {
		t.Errorf("expected no anomalies for an unchanged meter within the window, got %v", typesOf(candidates))
	}
}

func TestDetect_FirstReadingVacuity(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	candidate := reading(vehicleID, 120000, t0)

	candidates, _ := detector.Detect(candidate, nil, nil, active)
	if len(candidates) != 0 {
		t.Errorf("first reading must never raise relative anomalies, got %v", typesOf(candidates))
	}
}

func TestDetect_FirstReadingRangeViolation(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	candidate := reading(vehicleID, -50, t0)

	candidates, _ := detector.Detect(candidate, nil, nil, active)
	if len(candidates) != 1 {
		t.Fatalf("expected one range violation, got %v", typesOf(candidates))
	}
	if candidates[0].Type != detect.TypeInvalidRange {
		t.Errorf("expected %s, got %s", detect.TypeInvalidRange, candidates[0].Type)
	}
}

func TestDetect_DuplicateTimestamp(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 10000, t0)
	candidate := reading(vehicleID, 10200, t0)

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	if len(candidates) != 1 {
		t.Fatalf("expected one anomaly, got %v", typesOf(candidates))
	}
	if candidates[0].Type != detect.TypeDuplicateReading {
		t.Errorf("expected %s, got %s", detect.TypeDuplicateReading, candidates[0].Type)
	}
}

func TestDetect_OutOfOrderTimestamp(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 10000, t0)
	candidate := reading(vehicleID, 9000, t0.Add(-24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	if len(candidates) != 1 {
		t.Fatalf("expected one anomaly, got %v", typesOf(candidates))
	}
	if candidates[0].Type != detect.TypeInconsistentData {
		t.Errorf("expected %s, got %s", detect.TypeInconsistentData, candidates[0].Type)
	}
}

func TestDetect_StatisticalSpike(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	// 400/day against a ~50/day rolling average exceeds the 3x factor
	// without breaching the absolute 500/day limit.
	prior := reading(vehicleID, 10000, t0)
	candidate := reading(vehicleID, 10400, t0.Add(24*time.Hour))
	recentRates := []float64{48, 52, 50, 49}

	candidates, _ := detector.Detect(candidate, prior, recentRates, active)
	if len(candidates) != 1 {
		t.Fatalf("expected one anomaly, got %v", typesOf(candidates))
	}
	if candidates[0].Type != detect.TypeStatisticalAnomaly {
		t.Errorf("expected %s, got %s", detect.TypeStatisticalAnomaly, candidates[0].Type)
	}
}

func TestDetect_StatisticalInsufficientHistory(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 10000, t0)
	candidate := reading(vehicleID, 10400, t0.Add(24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, []float64{50, 49}, active)
	if len(candidates) != 0 {
		t.Errorf("expected no anomalies with insufficient history, got %v", typesOf(candidates))
	}
}

func TestDetect_UsesCorrectedPriorValue(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 50000, t0)
	corrected := 44000.0
	prior.CorrectedOdometer = &corrected

	// 45000 would be a rollback against the raw 50000 but not against
	// the corrected 44000.
	candidate := reading(vehicleID, 45000, t0.Add(2*24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	for _, c := range candidates {
		if c.Type == detect.TypeOdometerRollback {
			t.Error("rollback fired against the raw value instead of the corrected value")
		}
	}
}

func TestDetect_Purity(t *testing.T) {
	_, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 10000, t0)
	candidate := reading(vehicleID, 11200, t0.Add(24*time.Hour))

	first, _ := detector.Detect(candidate, prior, nil, active)
	second, _ := detector.Detect(candidate, prior, nil, active)

	if len(first) != len(second) {
		t.Fatalf("detector is not pure: %d vs %d candidates", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("candidate %d differs across identical invocations", i)
		}
	}
}

func TestDetect_MisconfiguredRuleIsSkipped(t *testing.T) {
	tenantID, active := odometerRules(t)
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	broken := rules.Rule{
		ID:       uuid.New(),
		TenantID: tenantID,
		Name:     "broken rate rule",
		Category: rules.CategoryOdometer,
		Severity: rules.SeverityWarning,
		Method:   rules.MethodRateOfChange,
		Priority: 5,
		IsActive: true,
		// MaxDailyChange deliberately missing
	}
	active = append([]rules.Rule{broken}, active...)

	prior := reading(vehicleID, 50000, t0)
	candidate := reading(vehicleID, 45000, t0.Add(24*time.Hour))

	candidates, skipped := detector.Detect(candidate, prior, nil, active)
	if len(skipped) != 1 {
		t.Fatalf("expected one skipped rule, got %d", len(skipped))
	}
	if skipped[0].RuleID != broken.ID {
		t.Error("wrong rule reported as skipped")
	}
	// The rollback must still be found.
	if len(candidates) != 1 || candidates[0].Type != detect.TypeOdometerRollback {
		t.Errorf("misconfigured rule blinded the detector, got %v", typesOf(candidates))
	}
}

func TestDetect_HourMeterRollback(t *testing.T) {
	tenantID := uuid.New()
	var active []rules.Rule
	for _, r := range rules.DefaultRules(tenantID, testPolicy) {
		if r.Category == rules.CategoryHourMeter {
			active = append(active, r)
		}
	}

	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	priorHours := 1800.0
	candidateHours := 1500.0
	prior := &db.MeterReading{ID: uuid.New(), VehicleID: vehicleID, ReadingTimestamp: t0, HourMeter: &priorHours}
	candidate := &db.MeterReading{ID: uuid.New(), VehicleID: vehicleID, ReadingTimestamp: t0.Add(48 * time.Hour), HourMeter: &candidateHours}

	candidates, _ := detector.Detect(candidate, prior, nil, active)
	if len(candidates) != 1 {
		t.Fatalf("expected one anomaly, got %v", typesOf(candidates))
	}
	if candidates[0].Type != detect.TypeHourMeterRollback {
		t.Errorf("expected %s, got %s", detect.TypeHourMeterRollback, candidates[0].Type)
	}
}

func TestDetect_NoActiveRules(t *testing.T) {
	detector := detect.NewDetector(testStatisticalMinPoints)
	vehicleID := uuid.New()

	prior := reading(vehicleID, 50000, t0)
	candidate := reading(vehicleID, 45000, t0.Add(24*time.Hour))

	candidates, _ := detector.Detect(candidate, prior, nil, nil)
	if len(candidates) != 0 {
		t.Errorf("expected nothing to flag with no active rules, got %v", typesOf(candidates))
	}
}
