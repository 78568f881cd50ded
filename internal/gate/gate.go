package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgauge/meter-quality-worker/internal/db"
	"github.com/fleetgauge/meter-quality-worker/internal/detect"
	"github.com/fleetgauge/meter-quality-worker/internal/errs"
	"github.com/fleetgauge/meter-quality-worker/internal/lifecycle"
	"github.com/fleetgauge/meter-quality-worker/internal/rules"
	"github.com/fleetgauge/meter-quality-worker/tools/timeparser"
)

// recentRateSamples is how many historical daily rates feed the
// statistical check.
const recentRateSamples = 10

// futureDatedSlack tolerates clock skew between submitting systems and
// this worker before a timestamp counts as future-dated.
const futureDatedSlack = 5 * time.Minute

// Store is the persistence surface the gate requires. The repository
// implements it against Postgres.
type Store interface {
	LatestReading(ctx context.Context, tenantID, vehicleID uuid.UUID) (*db.MeterReading, error)
	RecentDailyRates(ctx context.Context, tenantID, vehicleID uuid.UUID, limit int) ([]float64, error)

	// PersistIngest writes the reading and its error records as one
	// transaction and returns the errors actually inserted; records
	// already present under the (reading, rule) idempotency key are
	// skipped.
	PersistIngest(ctx context.Context, reading *db.MeterReading, errors []*db.MeterError) ([]db.MeterError, error)
	ListErrors(ctx context.Context, tenantID uuid.UUID, filter ErrorFilter) ([]db.MeterError, error)
	QualityDashboard(ctx context.Context, tenantID uuid.UUID) ([]DashboardRow, error)
}

// Recomputer triggers the post-commit quality score update.
type Recomputer interface {
	RecomputeForVehicle(ctx context.Context, tenantID, vehicleID uuid.UUID, at time.Time)
}

// ErrorFilter narrows ListErrors for dashboard reads.
type ErrorFilter struct {
	VehicleID *uuid.UUID
	Status    string
	Severity  string
}

// DashboardRow is one vehicle's line on the quality dashboard.
type DashboardRow struct {
	VehicleID      uuid.UUID
	QualityScore   float64
	Trend          string
	PendingErrors  int
	CriticalErrors int
}

// ReadingInput is a candidate meter observation submitted by a work
// order, fuel transaction, inspection, or manual form.
type ReadingInput struct {
	VehicleID   uuid.UUID
	Timestamp   time.Time
	Odometer    *float64
	HourMeter   *float64
	Source      db.ReadingSource
	EntryMethod string
}

// BlockReason tells the calling workflow which rule refused the reading,
// machine-readably.
type BlockReason struct {
	RuleID      uuid.UUID
	Type        string
	Explanation string
}

// Result is the outcome of an ingestion. Blocked results carry no
// persisted reading; the caller decides how to proceed.
type Result struct {
	Reading      *db.MeterReading
	ErrorsRaised []db.MeterError
	Blocked      bool
	BlockedBy    []BlockReason
}

// Gate is the single entry point for new readings. It serializes
// fetch-prior, detect and persist per vehicle, creates error records
// idempotently, and triggers the quality recompute after commit.
type Gate struct {
	store     Store
	registry  *rules.Registry
	detector  *detect.Detector
	locks     *VehicleLocks
	recompute Recomputer
	logger    *zap.Logger
}

// NewGate creates an ingestion gate.
func NewGate(store Store, registry *rules.Registry, detector *detect.Detector, locks *VehicleLocks, recompute Recomputer, logger *zap.Logger) *Gate {
	return &Gate{
		store:     store,
		registry:  registry,
		detector:  detector,
		locks:     locks,
		recompute: recompute,
		logger:    logger,
	}
}

// Locks exposes the per-vehicle critical section so the lifecycle manager
// routes corrections through the same serialization boundary.
func (g *Gate) Locks() *VehicleLocks {
	return g.locks
}

// Ingest accepts a new reading for a vehicle. The fetch-prior, detect and
// persist steps run as one unit inside the vehicle's critical section;
// ingestion for different vehicles is fully parallel.
func (g *Gate) Ingest(ctx context.Context, tenantID uuid.UUID, in ReadingInput) (*Result, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	var result *Result
	err := g.locks.WithVehicleLock(ctx, in.VehicleID, func(ctx context.Context) error {
		var err error
		result, err = g.ingestLocked(ctx, tenantID, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !result.Blocked {
		// Score recompute never blocks the ingestion response.
		go g.recompute.RecomputeForVehicle(context.WithoutCancel(ctx), tenantID, in.VehicleID, in.Timestamp)
	}
	return result, nil
}

func (g *Gate) ingestLocked(ctx context.Context, tenantID uuid.UUID, in ReadingInput) (*Result, error) {
	prior, err := g.store.LatestReading(ctx, tenantID, in.VehicleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prior reading: %w", err)
	}

	var recentRates []float64
	if prior != nil {
		recentRates, err = g.store.RecentDailyRates(ctx, tenantID, in.VehicleID, recentRateSamples)
		if err != nil {
			g.logger.Warn("failed to load recent daily rates, statistical check skipped",
				zap.Error(err),
				zap.String("vehicle_id", in.VehicleID.String()),
			)
			recentRates = nil
		}
	}

	reading := &db.MeterReading{
		ID:               uuid.New(),
		TenantID:         tenantID,
		VehicleID:        in.VehicleID,
		ReadingTimestamp: in.Timestamp,
		Odometer:         in.Odometer,
		HourMeter:        in.HourMeter,
		Source:           in.Source,
		EntryMethod:      in.EntryMethod,
		ConfidenceScore:  1.0,
		CreatedAt:        time.Now(),
	}

	active := append(
		g.registry.ActiveRules(tenantID, rules.CategoryOdometer),
		g.registry.ActiveRules(tenantID, rules.CategoryHourMeter)...,
	)

	candidates, skippedRules := g.detector.Detect(reading, prior, recentRates, active)
	for _, s := range skippedRules {
		g.logger.Warn("detection rule skipped due to internal failure",
			zap.String("rule_id", s.RuleID.String()),
			zap.String("rule_name", s.Name),
			zap.String("reason", s.Reason),
		)
	}

	// A fired block_transaction rule refuses the reading outright; the
	// calling workflow decides what to do with the blocked meter update.
	var blocked []BlockReason
	for _, c := range candidates {
		if c.Block {
			blocked = append(blocked, BlockReason{RuleID: c.RuleID, Type: c.Type, Explanation: c.Explanation})
		}
	}
	if len(blocked) > 0 {
		g.logger.Info("reading blocked by rule",
			zap.String("vehicle_id", in.VehicleID.String()),
			zap.Int("blocking_rules", len(blocked)),
		)
		return &Result{Blocked: true, BlockedBy: blocked}, nil
	}

	if len(candidates) > 0 {
		reading.HasError = true
		top := highestSeverity(candidates)
		sev := string(top)
		reading.ErrorSeverity = &sev
		reading.ConfidenceScore = confidenceFor(candidates)
	}

	now := time.Now()
	toInsert := make([]*db.MeterError, 0, len(candidates))
	for _, c := range candidates {
		toInsert = append(toInsert, &db.MeterError{
			ID:                  uuid.New(),
			TenantID:            tenantID,
			VehicleID:           in.VehicleID,
			ReadingID:           reading.ID,
			ComparisonReadingID: c.ComparisonReadingID,
			RuleID:              c.RuleID,
			ErrorType:           c.Type,
			Severity:            string(c.Severity),
			Status:              lifecycle.StatusPending,
			Variance:            c.Variance,
			Explanation:         c.Explanation,
			DetectedAt:          now,
			UpdatedAt:           now,
		})
	}

	raised, err := g.store.PersistIngest(ctx, reading, toInsert)
	if err != nil {
		return nil, fmt.Errorf("failed to persist reading: %w", err)
	}

	if len(raised) > 0 {
		g.logger.Info("anomalies detected on reading",
			zap.String("vehicle_id", in.VehicleID.String()),
			zap.String("reading_id", reading.ID.String()),
			zap.Int("errors", len(raised)),
			zap.Stringp("severity", reading.ErrorSeverity),
		)
	}

	return &Result{Reading: reading, ErrorsRaised: raised}, nil
}

// ListErrors is the dashboard read path.
func (g *Gate) ListErrors(ctx context.Context, tenantID uuid.UUID, filter ErrorFilter) ([]db.MeterError, error) {
	return g.store.ListErrors(ctx, tenantID, filter)
}

// QualityDashboard returns per-vehicle score and open error counts from
// the stored rollups. It never recomputes at read time.
func (g *Gate) QualityDashboard(ctx context.Context, tenantID uuid.UUID) ([]DashboardRow, error) {
	return g.store.QualityDashboard(ctx, tenantID)
}

func validateInput(in ReadingInput) error {
	if in.VehicleID == uuid.Nil {
		return errs.Validation("vehicle id is required")
	}
	if in.Timestamp.IsZero() {
		return errs.Validation("reading timestamp is required")
	}
	if timeparser.IsFutureDated(in.Timestamp, time.Now(), futureDatedSlack) {
		return errs.Validation("reading timestamp %s is future-dated", in.Timestamp.Format(time.RFC3339))
	}
	if in.Odometer == nil && in.HourMeter == nil {
		return errs.Validation("reading needs an odometer or hour meter value")
	}
	if !in.Source.IsValid() {
		return errs.Validation("unknown reading source %q", in.Source)
	}
	return nil
}

func highestSeverity(candidates []detect.Candidate) rules.Severity {
	top := candidates[0].Severity
	for _, c := range candidates[1:] {
		if c.Severity.Rank() > top.Rank() {
			top = c.Severity
		}
	}
	return top
}

// confidenceFor grades how certain the flag is: rollbacks are the highest
// confidence tamper signal, informational findings barely dent it.
func confidenceFor(candidates []detect.Candidate) float64 {
	confidence := 1.0
	for _, c := range candidates {
		switch c.Severity {
		case rules.SeverityCritical:
			confidence -= 0.5
		case rules.SeverityError:
			confidence -= 0.3
		case rules.SeverityWarning:
			confidence -= 0.15
		case rules.SeverityInfo:
			confidence -= 0.05
		}
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}
