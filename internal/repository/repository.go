package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetgauge/meter-quality-worker/internal/db"
	"github.com/fleetgauge/meter-quality-worker/internal/errs"
	"github.com/fleetgauge/meter-quality-worker/internal/gate"
	"github.com/fleetgauge/meter-quality-worker/internal/lifecycle"
	"github.com/fleetgauge/meter-quality-worker/internal/quality"
	"github.com/fleetgauge/meter-quality-worker/internal/rules"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// closedStatuses are the statuses under which an error no longer counts
// against a reading: resolved or administratively dismissed.
const closedStatuses = "('resolved', 'false_positive', 'ignored')"

// Repository handles database operations. It implements the store
// interfaces of the gate, lifecycle manager and quality calculator.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const readingColumns = `
	id, tenant_id, vehicle_id, reading_timestamp, odometer, hour_meter,
	source, entry_method, has_error, error_severity, confidence_score,
	corrected_odometer, corrected_hour_meter, correction_reason,
	corrected_by, corrected_at, seq, created_at
`

func scanReading(row pgx.Row) (*db.MeterReading, error) {
	var r db.MeterReading
	err := row.Scan(
		&r.ID, &r.TenantID, &r.VehicleID, &r.ReadingTimestamp, &r.Odometer, &r.HourMeter,
		&r.Source, &r.EntryMethod, &r.HasError, &r.ErrorSeverity, &r.ConfidenceScore,
		&r.CorrectedOdometer, &r.CorrectedHourMeter, &r.CorrectionReason,
		&r.CorrectedBy, &r.CorrectedAt, &r.Seq, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestReading returns the vehicle's most recent reading in the total
// order (timestamp, then insertion sequence), or nil if none exists.
func (r *Repository) LatestReading(ctx context.Context, tenantID, vehicleID uuid.UUID) (*db.MeterReading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE tenant_id = $1 AND vehicle_id = $2
		ORDER BY reading_timestamp DESC, seq DESC
		LIMIT 1
	`

	reading, err := scanReading(r.pool.QueryRow(ctx, query, tenantID, vehicleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}
	return reading, nil
}

// RecentDailyRates returns the vehicle's most recent observed odometer
// daily rates, newest first, for the statistical check.
func (r *Repository) RecentDailyRates(ctx context.Context, tenantID, vehicleID uuid.UUID, limit int) ([]float64, error) {
	query := `
		SELECT ABS(COALESCE(corrected_odometer, odometer) - prev_value) /
		       GREATEST(EXTRACT(EPOCH FROM (reading_timestamp - prev_ts)) / 86400.0, 1.0 / 24.0)
		FROM (
			SELECT reading_timestamp, seq,
			       COALESCE(corrected_odometer, odometer) AS value,
			       corrected_odometer, odometer,
			       LAG(COALESCE(corrected_odometer, odometer)) OVER w AS prev_value,
			       LAG(reading_timestamp) OVER w AS prev_ts
			FROM meter_readings
			WHERE tenant_id = $1 AND vehicle_id = $2 AND odometer IS NOT NULL
			WINDOW w AS (ORDER BY reading_timestamp, seq)
		) deltas
		WHERE prev_value IS NOT NULL AND reading_timestamp > prev_ts
		ORDER BY reading_timestamp DESC, seq DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, tenantID, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent daily rates: %w", err)
	}
	defer rows.Close()

	var rates []float64
	for rows.Next() {
		var rate float64
		if err := rows.Scan(&rate); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return rates, nil
}

// PersistIngest writes the reading and its error records in one
// transaction. Error rows hitting the (reading_id, rule_id) uniqueness
// are skipped, which makes retried ingestion idempotent.
func (r *Repository) PersistIngest(ctx context.Context, reading *db.MeterReading, meterErrors []*db.MeterError) ([]db.MeterError, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertReading := `
		INSERT INTO meter_readings (
			id, tenant_id, vehicle_id, reading_timestamp, odometer, hour_meter,
			source, entry_method, has_error, error_severity, confidence_score, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq
	`

	err = tx.QueryRow(ctx, insertReading,
		reading.ID, reading.TenantID, reading.VehicleID, reading.ReadingTimestamp,
		reading.Odometer, reading.HourMeter, reading.Source, reading.EntryMethod,
		reading.HasError, reading.ErrorSeverity, reading.ConfidenceScore, reading.CreatedAt,
	).Scan(&reading.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reading: %w", err)
	}

	insertError := `
		INSERT INTO meter_errors (
			id, tenant_id, vehicle_id, reading_id, comparison_reading_id, rule_id,
			error_type, severity, status, variance, explanation, detected_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (reading_id, rule_id) DO NOTHING
	`

	var raised []db.MeterError
	for _, e := range meterErrors {
		tag, err := tx.Exec(ctx, insertError,
			e.ID, e.TenantID, e.VehicleID, e.ReadingID, e.ComparisonReadingID, e.RuleID,
			e.ErrorType, e.Severity, e.Status, e.Variance, e.Explanation, e.DetectedAt, e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert meter error: %w", err)
		}
		if tag.RowsAffected() > 0 {
			raised = append(raised, *e)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return raised, nil
}

const errorColumns = `
	id, tenant_id, vehicle_id, reading_id, comparison_reading_id, rule_id,
	error_type, severity, status, variance, explanation,
	resolution_type, resolution_notes, resolved_by, resolved_at,
	detected_at, updated_at
`

func scanError(row pgx.Row) (*db.MeterError, error) {
	var e db.MeterError
	err := row.Scan(
		&e.ID, &e.TenantID, &e.VehicleID, &e.ReadingID, &e.ComparisonReadingID, &e.RuleID,
		&e.ErrorType, &e.Severity, &e.Status, &e.Variance, &e.Explanation,
		&e.ResolutionType, &e.ResolutionNotes, &e.ResolvedBy, &e.ResolvedAt,
		&e.DetectedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetError loads one meter error scoped to a tenant.
func (r *Repository) GetError(ctx context.Context, tenantID, errorID uuid.UUID) (*db.MeterError, error) {
	query := `
		SELECT ` + errorColumns + `
		FROM meter_errors
		WHERE tenant_id = $1 AND id = $2
	`

	e, err := scanError(r.pool.QueryRow(ctx, query, tenantID, errorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("meter error", errorID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query meter error: %w", err)
	}
	return e, nil
}

// UpdateErrorStatus persists a lifecycle transition on an error record.
func (r *Repository) UpdateErrorStatus(ctx context.Context, e *db.MeterError) error {
	query := `
		UPDATE meter_errors
		SET status = $1, resolution_type = $2, resolution_notes = $3,
		    resolved_by = $4, resolved_at = $5, updated_at = $6
		WHERE tenant_id = $7 AND id = $8
	`

	tag, err := r.pool.Exec(ctx, query,
		e.Status, e.ResolutionType, e.ResolutionNotes,
		e.ResolvedBy, e.ResolvedAt, e.UpdatedAt,
		e.TenantID, e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update meter error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("meter error", e.ID.String())
	}
	return nil
}

// AppendAudit writes one lifecycle audit entry.
func (r *Repository) AppendAudit(ctx context.Context, entry *db.MeterErrorAudit) error {
	query := `
		INSERT INTO meter_error_audits (id, error_id, actor, from_status, to_status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.ErrorID, entry.Actor, entry.FromStatus, entry.ToStatus, entry.Note, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ApplyCorrection layers corrected values onto a reading. The original
// odometer and hour_meter columns are never touched.
func (r *Repository) ApplyCorrection(ctx context.Context, tenantID, readingID uuid.UUID, c lifecycle.Correction, actor string, at time.Time) error {
	query := `
		UPDATE meter_readings
		SET corrected_odometer = COALESCE($1, corrected_odometer),
		    corrected_hour_meter = COALESCE($2, corrected_hour_meter),
		    correction_reason = $3,
		    corrected_by = $4,
		    corrected_at = $5
		WHERE tenant_id = $6 AND id = $7
	`

	tag, err := r.pool.Exec(ctx, query, c.Odometer, c.HourMeter, c.Reason, actor, at, tenantID, readingID)
	if err != nil {
		return fmt.Errorf("failed to apply correction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("meter reading", readingID.String())
	}
	return nil
}

// ReconcileReadingFlag recomputes a reading's has_error flag from its
// error records: flagged while at least one non-dismissed error remains.
func (r *Repository) ReconcileReadingFlag(ctx context.Context, tenantID, readingID uuid.UUID) error {
	query := `
		UPDATE meter_readings
		SET has_error = EXISTS (
			SELECT 1 FROM meter_errors
			WHERE reading_id = $2 AND status NOT IN ('false_positive', 'ignored')
		)
		WHERE tenant_id = $1 AND id = $2
	`

	if _, err := r.pool.Exec(ctx, query, tenantID, readingID); err != nil {
		return fmt.Errorf("failed to reconcile reading flag: %w", err)
	}
	return nil
}

// ListErrors returns errors for dashboards, newest first.
func (r *Repository) ListErrors(ctx context.Context, tenantID uuid.UUID, filter gate.ErrorFilter) ([]db.MeterError, error) {
	query := `
		SELECT ` + errorColumns + `
		FROM meter_errors
		WHERE tenant_id = $1
		  AND ($2::uuid IS NULL OR vehicle_id = $2)
		  AND ($3::text IS NULL OR status = $3)
		  AND ($4::text IS NULL OR severity = $4)
		ORDER BY detected_at DESC
	`

	var status, severity *string
	if filter.Status != "" {
		status = &filter.Status
	}
	if filter.Severity != "" {
		severity = &filter.Severity
	}

	rows, err := r.pool.Query(ctx, query, tenantID, filter.VehicleID, status, severity)
	if err != nil {
		return nil, fmt.Errorf("failed to query meter errors: %w", err)
	}
	defer rows.Close()

	var out []db.MeterError
	for rows.Next() {
		e, err := scanError(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meter error: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// CountReadings tallies a vehicle's readings for a period. Flagged means
// at least one open error; a reading whose errors were all resolved or
// dismissed counts as valid.
func (r *Repository) CountReadings(ctx context.Context, tenantID, vehicleID uuid.UUID, p quality.Period) (quality.Counts, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE EXISTS (
		           SELECT 1 FROM meter_errors e
		           WHERE e.reading_id = meter_readings.id
		             AND e.status NOT IN ` + closedStatuses + `
		       )),
		       COUNT(*) FILTER (WHERE corrected_at IS NOT NULL)
		FROM meter_readings
		WHERE tenant_id = $1 AND vehicle_id = $2
		  AND reading_timestamp >= $3 AND reading_timestamp < $4
	`

	var c quality.Counts
	err := r.pool.QueryRow(ctx, query, tenantID, vehicleID, p.Start, p.End).Scan(&c.Total, &c.Flagged, &c.Corrected)
	if err != nil {
		return quality.Counts{}, fmt.Errorf("failed to count readings: %w", err)
	}
	return c, nil
}

// LatestScore returns the stored score for a period, or nil if never
// computed.
func (r *Repository) LatestScore(ctx context.Context, tenantID, vehicleID uuid.UUID, p quality.Period) (*float64, error) {
	query := `
		SELECT quality_score
		FROM data_quality_metrics
		WHERE tenant_id = $1 AND vehicle_id = $2 AND period_start = $3
	`

	var score float64
	err := r.pool.QueryRow(ctx, query, tenantID, vehicleID, p.Start).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quality score: %w", err)
	}
	return &score, nil
}

// UpsertMetric stores a recomputed quality rollup, replacing any earlier
// computation for the same vehicle and period.
func (r *Repository) UpsertMetric(ctx context.Context, m *db.DataQualityMetric) error {
	query := `
		INSERT INTO data_quality_metrics (
			id, tenant_id, vehicle_id, period_start, period_end,
			total_readings, valid_readings, flagged_readings, corrected_readings,
			quality_score, previous_score, trend, computed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, vehicle_id, period_start) DO UPDATE SET
			period_end = EXCLUDED.period_end,
			total_readings = EXCLUDED.total_readings,
			valid_readings = EXCLUDED.valid_readings,
			flagged_readings = EXCLUDED.flagged_readings,
			corrected_readings = EXCLUDED.corrected_readings,
			quality_score = EXCLUDED.quality_score,
			previous_score = EXCLUDED.previous_score,
			trend = EXCLUDED.trend,
			computed_at = EXCLUDED.computed_at
	`

	_, err := r.pool.Exec(ctx, query,
		m.ID, m.TenantID, m.VehicleID, m.PeriodStart, m.PeriodEnd,
		m.TotalReadings, m.ValidReadings, m.FlaggedReadings, m.CorrectedReadings,
		m.QualityScore, m.PreviousScore, m.Trend, m.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert quality metric: %w", err)
	}
	return nil
}

// QualityDashboard returns each vehicle's latest stored score with its
// open error counts.
func (r *Repository) QualityDashboard(ctx context.Context, tenantID uuid.UUID) ([]gate.DashboardRow, error) {
	query := `
		SELECT m.vehicle_id, m.quality_score, m.trend,
		       COUNT(e.id) FILTER (WHERE e.status = 'pending'),
		       COUNT(e.id) FILTER (WHERE e.severity = 'critical' AND e.status NOT IN ` + closedStatuses + `)
		FROM (
			SELECT DISTINCT ON (vehicle_id) vehicle_id, quality_score, trend
			FROM data_quality_metrics
			WHERE tenant_id = $1
			ORDER BY vehicle_id, period_start DESC
		) m
		LEFT JOIN meter_errors e ON e.tenant_id = $1 AND e.vehicle_id = m.vehicle_id
		GROUP BY m.vehicle_id, m.quality_score, m.trend
		ORDER BY m.quality_score ASC
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality dashboard: %w", err)
	}
	defer rows.Close()

	var out []gate.DashboardRow
	for rows.Next() {
		var row gate.DashboardRow
		if err := rows.Scan(&row.VehicleID, &row.QualityScore, &row.Trend, &row.PendingErrors, &row.CriticalErrors); err != nil {
			return nil, fmt.Errorf("failed to scan dashboard row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

const ruleColumns = `
	id, tenant_id, name, category, severity, method, priority,
	threshold, min_value, max_value, max_daily_change, deviation_factor, window_days,
	auto_flag, require_correction, block_transaction,
	is_active, version, created_at, seq
`

// LoadRules returns every rule for a tenant in creation order, for
// hydrating the in-memory registry at startup.
func (r *Repository) LoadRules(ctx context.Context, tenantID uuid.UUID) ([]rules.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM meter_error_rules
		WHERE tenant_id = $1
		ORDER BY seq
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var rule rules.Rule
		err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &rule.Category, &rule.Severity, &rule.Method, &rule.Priority,
			&rule.Threshold, &rule.MinValue, &rule.MaxValue, &rule.MaxDailyChange, &rule.DeviationFactor, &rule.WindowDays,
			&rule.AutoFlag, &rule.RequireCorrection, &rule.BlockTransaction,
			&rule.IsActive, &rule.Version, &rule.CreatedAt, &rule.Seq,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// SaveRule inserts a rule. Rules are immutable once referenced by a fired
// error; edits insert a new version and deactivate the old one.
func (r *Repository) SaveRule(ctx context.Context, rule *rules.Rule) error {
	query := `
		INSERT INTO meter_error_rules (
			id, tenant_id, name, category, severity, method, priority,
			threshold, min_value, max_value, max_daily_change, deviation_factor, window_days,
			auto_flag, require_correction, block_transaction,
			is_active, version, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING seq
	`

	err := r.pool.QueryRow(ctx, query,
		rule.ID, rule.TenantID, rule.Name, rule.Category, rule.Severity, rule.Method, rule.Priority,
		rule.Threshold, rule.MinValue, rule.MaxValue, rule.MaxDailyChange, rule.DeviationFactor, rule.WindowDays,
		rule.AutoFlag, rule.RequireCorrection, rule.BlockTransaction,
		rule.IsActive, rule.Version, rule.CreatedAt,
	).Scan(&rule.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// SetRuleActive toggles a rule's activation flag.
func (r *Repository) SetRuleActive(ctx context.Context, tenantID, ruleID uuid.UUID, active bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE meter_error_rules SET is_active = $1 WHERE tenant_id = $2 AND id = $3`,
		active, tenantID, ruleID,
	)
	if err != nil {
		return fmt.Errorf("failed to toggle rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("rule", ruleID.String())
	}
	return nil
}

// TenantIDs lists every tenant that has rules configured, for registry
// hydration at startup.
func (r *Repository) TenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM meter_error_rules`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}
