package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgauge/meter-quality-worker/internal/db"
	"github.com/fleetgauge/meter-quality-worker/internal/mq"
)

// Trend classifications against the previous period's score.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// trendEpsilon is the score movement below which a change counts as
// stable noise rather than a trend.
const trendEpsilon = 0.5

// Period is a half-open [Start, End) reporting window.
type Period struct {
	Start time.Time
	End   time.Time
}

// MonthOf returns the calendar-month period containing t, in UTC.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Previous returns the same-length period immediately before p.
func (p Period) Previous() Period {
	return Period{Start: p.Start.Add(-p.End.Sub(p.Start)), End: p.Start}
}

// Counts are the reading tallies a score is derived from. Flagged counts
// readings with at least one open (not resolved, false_positive or
// ignored) error; readings whose only errors were dismissed or resolved
// count as valid again.
type Counts struct {
	Total     int
	Flagged   int
	Corrected int
}

// Store is the persistence the calculator needs.
type Store interface {
	CountReadings(ctx context.Context, tenantID, vehicleID uuid.UUID, p Period) (Counts, error)
	LatestScore(ctx context.Context, tenantID, vehicleID uuid.UUID, p Period) (*float64, error)
	UpsertMetric(ctx context.Context, metric *db.DataQualityMetric) error
}

// EventPublisher emits quality-updated events once a rollup is stored.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event interface{}) error
}

// Score computes the quality percentage for a set of counts. A period
// with no readings yields emptyPeriodScore; whether "no data" should read
// as perfect is a policy knob, not a constant.
func Score(c Counts, emptyPeriodScore float64) float64 {
	if c.Total == 0 {
		return emptyPeriodScore
	}
	valid := c.Total - c.Flagged
	return 100 * float64(valid) / float64(c.Total)
}

// Classify compares a score to the previous period's.
func Classify(score float64, previous *float64) string {
	if previous == nil {
		return TrendStable
	}
	switch {
	case score > *previous+trendEpsilon:
		return TrendImproving
	case score < *previous-trendEpsilon:
		return TrendDeclining
	}
	return TrendStable
}

// Calculator derives and stores per-vehicle quality metrics. Recompute is
// triggered by ingestion, error resolution, and period close; reporting
// reads the stored rollup and never recomputes lazily.
type Calculator struct {
	store            Store
	emptyPeriodScore float64
	publisher        EventPublisher
	qualityKey       string
	logger           *zap.Logger
}

// NewCalculator creates a calculator. emptyPeriodScore is the score
// assigned to a vehicle with no readings in the period. publisher may be
// nil for callers that do not emit events.
func NewCalculator(store Store, emptyPeriodScore float64, publisher EventPublisher, qualityKey string, logger *zap.Logger) *Calculator {
	return &Calculator{
		store:            store,
		emptyPeriodScore: emptyPeriodScore,
		publisher:        publisher,
		qualityKey:       qualityKey,
		logger:           logger,
	}
}

// Recompute rebuilds the metric row for a vehicle and period.
func (c *Calculator) Recompute(ctx context.Context, tenantID, vehicleID uuid.UUID, p Period) (*db.DataQualityMetric, error) {
	counts, err := c.store.CountReadings(ctx, tenantID, vehicleID, p)
	if err != nil {
		return nil, fmt.Errorf("failed to count readings: %w", err)
	}

	previous, err := c.store.LatestScore(ctx, tenantID, vehicleID, p.Previous())
	if err != nil {
		return nil, fmt.Errorf("failed to load previous score: %w", err)
	}

	score := Score(counts, c.emptyPeriodScore)
	metric := &db.DataQualityMetric{
		ID:                uuid.New(),
		TenantID:          tenantID,
		VehicleID:         vehicleID,
		PeriodStart:       p.Start,
		PeriodEnd:         p.End,
		TotalReadings:     counts.Total,
		ValidReadings:     counts.Total - counts.Flagged,
		FlaggedReadings:   counts.Flagged,
		CorrectedReadings: counts.Corrected,
		QualityScore:      score,
		PreviousScore:     previous,
		Trend:             Classify(score, previous),
		ComputedAt:        time.Now(),
	}

	if err := c.store.UpsertMetric(ctx, metric); err != nil {
		return nil, fmt.Errorf("failed to store quality metric: %w", err)
	}
	return metric, nil
}

// RecomputeForVehicle recomputes the period containing at, logging
// failures instead of propagating them. Recompute runs after commit and
// must never fail an ingestion or resolution that already succeeded.
func (c *Calculator) RecomputeForVehicle(ctx context.Context, tenantID, vehicleID uuid.UUID, at time.Time) {
	metric, err := c.Recompute(ctx, tenantID, vehicleID, MonthOf(at))
	if err != nil {
		c.logger.Error("quality score recompute failed",
			zap.Error(err),
			zap.String("vehicle_id", vehicleID.String()),
		)
		return
	}
	c.logger.Debug("quality score recomputed",
		zap.String("vehicle_id", vehicleID.String()),
		zap.Float64("score", metric.QualityScore),
		zap.String("trend", metric.Trend),
	)

	if c.publisher == nil {
		return
	}
	event := mq.QualityUpdatedEvent{
		TenantID:      tenantID.String(),
		VehicleID:     vehicleID.String(),
		PeriodStart:   metric.PeriodStart.Format(time.RFC3339),
		PeriodEnd:     metric.PeriodEnd.Format(time.RFC3339),
		QualityScore:  metric.QualityScore,
		PreviousScore: metric.PreviousScore,
		Trend:         metric.Trend,
	}
	if err := c.publisher.Publish(ctx, c.qualityKey, event); err != nil {
		c.logger.Error("failed to publish quality updated event",
			zap.Error(err),
			zap.String("vehicle_id", vehicleID.String()),
		)
	}
}
