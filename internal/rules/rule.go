package rules

import (
	"time"

	"github.com/google/uuid"
)

// Category identifies which meter a rule applies to.
type Category string

const (
	CategoryOdometer  Category = "odometer"
	CategoryHourMeter Category = "hour_meter"
	CategoryFuel      Category = "fuel"
	CategoryGeneral   Category = "general"
)

// Severity is the reporting level a rule assigns to anomalies it raises.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so the ingestion gate can pick the highest one
// for a reading that tripped several rules.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// IsValid returns true if the severity is a recognized value.
func (s Severity) IsValid() bool {
	return s.Rank() >= 0
}

// Method selects the detection algorithm a rule parameterizes.
type Method string

const (
	MethodThreshold    Method = "threshold"
	MethodRange        Method = "range"
	MethodRateOfChange Method = "rate_of_change"
	MethodPattern      Method = "pattern"
	MethodStatistical  Method = "statistical"
	MethodComparison   Method = "comparison"
)

// Rule is a tenant-scoped detection policy. Once a rule has fired it is
// immutable except for activation toggling; edits create a new version.
type Rule struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
	Category Category
	Severity Severity
	Method   Method

	// Lower priority values are evaluated first; ties break on creation
	// order so a specific rollback check is never masked by a generic
	// range check.
	Priority int

	Threshold       *float64
	MinValue        *float64
	MaxValue        *float64
	MaxDailyChange  *float64
	DeviationFactor *float64
	WindowDays      *int

	AutoFlag          bool
	RequireCorrection bool
	BlockTransaction  bool

	IsActive  bool
	Version   int
	CreatedAt time.Time

	// Seq is the registry-assigned creation sequence used for tie-breaks.
	Seq int64
}

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

// DefaultPolicy holds the configurable knobs the default ruleset is built
// from. The values mirror the platform-wide defaults but every tenant can
// override them by editing its own rules.
type DefaultPolicy struct {
	MaxDailyChange  float64
	SkipThreshold   float64
	SkipWindowDays  int
	StagnationDays  int
	DeviationFactor float64
	OdometerMax     float64
	HourMeterMax    float64
}

// DefaultRules builds the stock ruleset for a tenant that has not
// configured its own policies yet.
func DefaultRules(tenantID uuid.UUID, p DefaultPolicy) []Rule {
	now := time.Now()
	mk := func(name string, cat Category, sev Severity, method Method, prio int) Rule {
		return Rule{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Name:      name,
			Category:  cat,
			Severity:  sev,
			Method:    method,
			Priority:  prio,
			AutoFlag:  true,
			IsActive:  true,
			Version:   1,
			CreatedAt: now,
		}
	}

	rollback := mk("odometer rollback", CategoryOdometer, SeverityCritical, MethodComparison, 10)

	rate := mk("excessive daily miles", CategoryOdometer, SeverityWarning, MethodRateOfChange, 20)
	rate.MaxDailyChange = f64(p.MaxDailyChange)

	skip := mk("odometer skip", CategoryOdometer, SeverityError, MethodThreshold, 30)
	skip.Threshold = f64(p.SkipThreshold)
	skip.WindowDays = iptr(p.SkipWindowDays)

	stagnant := mk("odometer stagnant", CategoryOdometer, SeverityInfo, MethodPattern, 40)
	stagnant.WindowDays = iptr(p.StagnationDays)

	stat := mk("odometer statistical outlier", CategoryOdometer, SeverityWarning, MethodStatistical, 50)
	stat.DeviationFactor = f64(p.DeviationFactor)

	odoRange := mk("odometer range", CategoryOdometer, SeverityError, MethodRange, 60)
	odoRange.MinValue = f64(0)
	odoRange.MaxValue = f64(p.OdometerMax)

	hourRollback := mk("hour meter rollback", CategoryHourMeter, SeverityCritical, MethodComparison, 10)

	hourRate := mk("excessive daily hours", CategoryHourMeter, SeverityWarning, MethodRateOfChange, 20)
	hourRate.MaxDailyChange = f64(24)

	hourRange := mk("hour meter range", CategoryHourMeter, SeverityError, MethodRange, 60)
	hourRange.MinValue = f64(0)
	hourRange.MaxValue = f64(p.HourMeterMax)

	return []Rule{rollback, rate, skip, stagnant, stat, odoRange, hourRollback, hourRate, hourRange}
}
