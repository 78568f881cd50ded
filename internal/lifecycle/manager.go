package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgauge/meter-quality-worker/internal/db"
	"github.com/fleetgauge/meter-quality-worker/internal/errs"
)

// Status values for a meter error.
const (
	StatusPending       = "pending"
	StatusAcknowledged  = "acknowledged"
	StatusInvestigating = "investigating"
	StatusResolved      = "resolved"
	StatusFalsePositive = "false_positive"
	StatusIgnored       = "ignored"
)

// Resolution types accepted by Resolve.
const (
	ResolutionCorrected       = "corrected"
	ResolutionAcceptedAsValid = "accepted_as_valid"
	ResolutionDataUpdated     = "data_updated"
	ResolutionVehicleReplaced = "vehicle_replaced"
	ResolutionOdometerReset   = "odometer_reset"
	ResolutionFalseAlarm      = "false_alarm"
)

var resolutionTypes = map[string]bool{
	ResolutionCorrected:       true,
	ResolutionAcceptedAsValid: true,
	ResolutionDataUpdated:     true,
	ResolutionVehicleReplaced: true,
	ResolutionOdometerReset:   true,
	ResolutionFalseAlarm:      true,
}

// transitions enumerates the legal state machine edges. Terminal states
// have no outgoing edges except the explicit reopen handled separately.
var transitions = map[string]map[string]bool{
	StatusPending: {
		StatusAcknowledged:  true,
		StatusInvestigating: true,
		StatusResolved:      true,
		StatusFalsePositive: true,
		StatusIgnored:       true,
	},
	StatusAcknowledged: {
		StatusInvestigating: true,
		StatusResolved:      true,
		StatusFalsePositive: true,
		StatusIgnored:       true,
	},
	// Investigation implies committed work; it closes through resolved,
	// never through an administrative dismissal.
	StatusInvestigating: {
		StatusResolved: true,
	},
	StatusResolved:      {},
	StatusFalsePositive: {},
	StatusIgnored:       {},
}

// IsTerminal reports whether a status permits no further transition short
// of an explicit reopen.
func IsTerminal(status string) bool {
	return status == StatusResolved || status == StatusFalsePositive || status == StatusIgnored
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

// Correction carries the corrected meter values applied when an error is
// resolved with resolution type "corrected".
type Correction struct {
	Odometer  *float64
	HourMeter *float64
	Reason    string
}

// Store is the persistence the manager needs. The repository implements
// it against Postgres; tests use an in-memory double.
type Store interface {
	GetError(ctx context.Context, tenantID, errorID uuid.UUID) (*db.MeterError, error)
	UpdateErrorStatus(ctx context.Context, e *db.MeterError) error
	AppendAudit(ctx context.Context, entry *db.MeterErrorAudit) error
	ApplyCorrection(ctx context.Context, tenantID, readingID uuid.UUID, c Correction, actor string, at time.Time) error
	ReconcileReadingFlag(ctx context.Context, tenantID, readingID uuid.UUID) error
}

// VehicleLocker serializes work against a vehicle's reading history. A
// correction competes with fresh ingestion for the same vehicle and must
// go through the same critical section.
type VehicleLocker interface {
	WithVehicleLock(ctx context.Context, vehicleID uuid.UUID, fn func(ctx context.Context) error) error
}

// Recomputer triggers a quality score recompute for a vehicle after a
// resolution changes its flagged-reading counts.
type Recomputer interface {
	RecomputeForVehicle(ctx context.Context, tenantID, vehicleID uuid.UUID, at time.Time)
}

// Manager enforces the meter error state machine and writes the audit
// trail for every transition.
type Manager struct {
	store     Store
	locks     VehicleLocker
	recompute Recomputer
	logger    *zap.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(store Store, locks VehicleLocker, recompute Recomputer, logger *zap.Logger) *Manager {
	return &Manager{store: store, locks: locks, recompute: recompute, logger: logger}
}

// Acknowledge marks a pending error as seen by a reviewer.
func (m *Manager) Acknowledge(ctx context.Context, tenantID, errorID uuid.UUID, actor string) error {
	return m.transition(ctx, tenantID, errorID, actor, StatusAcknowledged, "")
}

// StartInvestigation moves an error into active root-cause work.
func (m *Manager) StartInvestigation(ctx context.Context, tenantID, errorID uuid.UUID, actor string) error {
	return m.transition(ctx, tenantID, errorID, actor, StatusInvestigating, "")
}

// Dismiss closes an error administratively as false_positive or ignored,
// then reconciles the reading's error flag: a reading whose remaining
// errors are all dismissed is no longer flagged.
func (m *Manager) Dismiss(ctx context.Context, tenantID, errorID uuid.UUID, actor, toStatus string) error {
	if toStatus != StatusFalsePositive && toStatus != StatusIgnored {
		return errs.Validation("dismiss status must be %s or %s, got %q", StatusFalsePositive, StatusIgnored, toStatus)
	}

	e, err := m.store.GetError(ctx, tenantID, errorID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, tenantID, errorID, actor, toStatus, ""); err != nil {
		return err
	}
	if err := m.store.ReconcileReadingFlag(ctx, tenantID, e.ReadingID); err != nil {
		return fmt.Errorf("failed to reconcile reading flag: %w", err)
	}
	m.recompute.RecomputeForVehicle(ctx, tenantID, e.VehicleID, time.Now())
	return nil
}

// Resolve closes an error through the full resolution workflow. It is the
// only transition permitted to touch the underlying reading: a
// "corrected" resolution layers the corrected value onto the reading
// under the vehicle's critical section and triggers a score recompute.
// The original value is never mutated.
func (m *Manager) Resolve(ctx context.Context, tenantID, errorID uuid.UUID, actor, resolutionType, notes string, correction *Correction) error {
	if !resolutionTypes[resolutionType] {
		return errs.Validation("unknown resolution type %q", resolutionType)
	}
	if notes == "" {
		return errs.Validation("resolution notes are required")
	}
	if resolutionType == ResolutionCorrected && (correction == nil || (correction.Odometer == nil && correction.HourMeter == nil)) {
		return errs.Validation("corrected resolution requires a corrected meter value")
	}

	e, err := m.store.GetError(ctx, tenantID, errorID)
	if err != nil {
		return err
	}
	if !CanTransition(e.Status, StatusResolved) {
		return errs.InvalidTransition(e.Status, StatusResolved)
	}

	now := time.Now()
	apply := func(ctx context.Context) error {
		// Re-read under the lock. A concurrent resolve can commit
		// between the first check and lock acquisition, and a second
		// resolution would double-write the status and audit trail.
		cur, err := m.store.GetError(ctx, tenantID, errorID)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, StatusResolved) {
			return errs.InvalidTransition(cur.Status, StatusResolved)
		}
		e = cur

		if resolutionType == ResolutionCorrected {
			if err := m.store.ApplyCorrection(ctx, tenantID, e.ReadingID, *correction, actor, now); err != nil {
				return fmt.Errorf("failed to apply correction: %w", err)
			}
		}

		from := e.Status
		e.Status = StatusResolved
		e.ResolutionType = &resolutionType
		e.ResolutionNotes = &notes
		e.ResolvedBy = &actor
		e.ResolvedAt = &now
		e.UpdatedAt = now
		if err := m.store.UpdateErrorStatus(ctx, e); err != nil {
			return fmt.Errorf("failed to update error status: %w", err)
		}
		if err := m.store.ReconcileReadingFlag(ctx, tenantID, e.ReadingID); err != nil {
			return fmt.Errorf("failed to reconcile reading flag: %w", err)
		}
		return m.audit(ctx, e.ID, actor, from, StatusResolved, notes)
	}

	if err := m.locks.WithVehicleLock(ctx, e.VehicleID, apply); err != nil {
		return err
	}

	m.recompute.RecomputeForVehicle(ctx, tenantID, e.VehicleID, now)

	m.logger.Info("meter error resolved",
		zap.String("error_id", errorID.String()),
		zap.String("resolution_type", resolutionType),
		zap.String("actor", actor),
	)
	return nil
}

// Reopen moves a terminal error back to investigating. This is the single
// sanctioned exit from a terminal state and it is always audited.
func (m *Manager) Reopen(ctx context.Context, tenantID, errorID uuid.UUID, actor, reason string) error {
	if reason == "" {
		return errs.Validation("reopen reason is required")
	}

	e, err := m.store.GetError(ctx, tenantID, errorID)
	if err != nil {
		return err
	}
	if !IsTerminal(e.Status) {
		return errs.InvalidTransition(e.Status, StatusInvestigating)
	}

	from := e.Status
	now := time.Now()
	e.Status = StatusInvestigating
	e.ResolutionType = nil
	e.ResolutionNotes = nil
	e.ResolvedBy = nil
	e.ResolvedAt = nil
	e.UpdatedAt = now
	if err := m.store.UpdateErrorStatus(ctx, e); err != nil {
		return fmt.Errorf("failed to update error status: %w", err)
	}
	if err := m.store.ReconcileReadingFlag(ctx, tenantID, e.ReadingID); err != nil {
		return fmt.Errorf("failed to reconcile reading flag: %w", err)
	}
	if err := m.audit(ctx, e.ID, actor, from, StatusInvestigating, "reopened: "+reason); err != nil {
		return err
	}
	m.recompute.RecomputeForVehicle(ctx, tenantID, e.VehicleID, now)
	return nil
}

func (m *Manager) transition(ctx context.Context, tenantID, errorID uuid.UUID, actor, to, note string) error {
	e, err := m.store.GetError(ctx, tenantID, errorID)
	if err != nil {
		return err
	}
	if !CanTransition(e.Status, to) {
		return errs.InvalidTransition(e.Status, to)
	}

	from := e.Status
	e.Status = to
	e.UpdatedAt = time.Now()
	if err := m.store.UpdateErrorStatus(ctx, e); err != nil {
		return fmt.Errorf("failed to update error status: %w", err)
	}
	return m.audit(ctx, e.ID, actor, from, to, note)
}

func (m *Manager) audit(ctx context.Context, errorID uuid.UUID, actor, from, to, note string) error {
	entry := &db.MeterErrorAudit{
		ID:         uuid.New(),
		ErrorID:    errorID,
		Actor:      actor,
		FromStatus: from,
		ToStatus:   to,
		Note:       note,
		CreatedAt:  time.Now(),
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
