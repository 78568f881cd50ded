package db

import (
	"time"

	"github.com/google/uuid"
)

// ReadingSource identifies the workflow a meter value arrived from.
type ReadingSource string

const (
	SourceWorkOrder       ReadingSource = "work_order"
	SourceFuelTransaction ReadingSource = "fuel_transaction"
	SourceInspection      ReadingSource = "inspection"
	SourceManual          ReadingSource = "manual"
	SourceTelematics      ReadingSource = "telematics"
	SourceServiceRecord   ReadingSource = "service_record"
)

// IsValid returns true if the source is a recognized value.
func (s ReadingSource) IsValid() bool {
	switch s {
	case SourceWorkOrder, SourceFuelTransaction, SourceInspection,
		SourceManual, SourceTelematics, SourceServiceRecord:
		return true
	}
	return false
}

// MeterReading is one meter observation for a vehicle. The raw values are
// immutable after insert; a later correction is layered on top via the
// Corrected* fields so the original stays auditable.
type MeterReading struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	VehicleID        uuid.UUID
	ReadingTimestamp time.Time
	Odometer         *float64
	HourMeter        *float64
	Source           ReadingSource
	EntryMethod      string

	HasError        bool
	ErrorSeverity   *string
	ConfidenceScore float64

	CorrectedOdometer  *float64
	CorrectedHourMeter *float64
	CorrectionReason   *string
	CorrectedBy        *string
	CorrectedAt        *time.Time

	// Seq is the insertion sequence, the tie-break for readings sharing a
	// timestamp.
	Seq       int64
	CreatedAt time.Time
}

// EffectiveOdometer returns the corrected odometer value when a correction
// has been applied, the original otherwise.
func (r *MeterReading) EffectiveOdometer() *float64 {
	if r.CorrectedOdometer != nil {
		return r.CorrectedOdometer
	}
	return r.Odometer
}

// EffectiveHourMeter returns the corrected hour-meter value when present,
// the original otherwise.
func (r *MeterReading) EffectiveHourMeter() *float64 {
	if r.CorrectedHourMeter != nil {
		return r.CorrectedHourMeter
	}
	return r.HourMeter
}

// MeterError is a detected anomaly on a reading. At most one row exists
// per (reading, rule) pair; retried ingestion reuses the existing row.
type MeterError struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	VehicleID           uuid.UUID
	ReadingID           uuid.UUID
	ComparisonReadingID *uuid.UUID
	RuleID              uuid.UUID
	ErrorType           string
	Severity            string
	Status              string
	Variance            float64
	Explanation         string

	ResolutionType  *string
	ResolutionNotes *string
	ResolvedBy      *string
	ResolvedAt      *time.Time

	DetectedAt time.Time
	UpdatedAt  time.Time
}

// MeterErrorAudit records one lifecycle transition. Every transition
// writes a row; the audit trail is the compliance artifact this subsystem
// exists for.
type MeterErrorAudit struct {
	ID         uuid.UUID
	ErrorID    uuid.UUID
	Actor      string
	FromStatus string
	ToStatus   string
	Note       string
	CreatedAt  time.Time
}

// DataQualityMetric is the per-vehicle, per-period quality rollup. It is
// recomputed, never hand-edited; the previous score is retained for trend
// classification.
type DataQualityMetric struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	VehicleID         uuid.UUID
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TotalReadings     int
	ValidReadings     int
	FlaggedReadings   int
	CorrectedReadings int
	QualityScore      float64
	PreviousScore     *float64
	Trend             string
	ComputedAt        time.Time
}
