package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgauge/meter-quality-worker/internal/db"
	"github.com/fleetgauge/meter-quality-worker/internal/errs"
)

// memStore is an in-memory Store double tracking what the manager did.
type memStore struct {
	errors      map[uuid.UUID]*db.MeterError
	audits      []*db.MeterErrorAudit
	corrections []Correction
	reconciled  []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{errors: make(map[uuid.UUID]*db.MeterError)}
}

func (s *memStore) GetError(_ context.Context, _, errorID uuid.UUID) (*db.MeterError, error) {
	e, ok := s.errors[errorID]
	if !ok {
		return nil, errs.NotFound("meter error", errorID.String())
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) UpdateErrorStatus(_ context.Context, e *db.MeterError) error {
	cp := *e
	s.errors[e.ID] = &cp
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, entry *db.MeterErrorAudit) error {
	s.audits = append(s.audits, entry)
	return nil
}

func (s *memStore) ApplyCorrection(_ context.Context, _, _ uuid.UUID, c Correction, _ string, _ time.Time) error {
	s.corrections = append(s.corrections, c)
	return nil
}

func (s *memStore) ReconcileReadingFlag(_ context.Context, _, readingID uuid.UUID) error {
	s.reconciled = append(s.reconciled, readingID)
	return nil
}

// passLocker runs the critical section inline.
type passLocker struct{ calls int }

func (l *passLocker) WithVehicleLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	l.calls++
	return fn(ctx)
}

type countingRecomputer struct{ calls int }

func (r *countingRecomputer) RecomputeForVehicle(context.Context, uuid.UUID, uuid.UUID, time.Time) {
	r.calls++
}

func seedError(s *memStore, status string) *db.MeterError {
	e := &db.MeterError{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		VehicleID:  uuid.New(),
		ReadingID:  uuid.New(),
		RuleID:     uuid.New(),
		ErrorType:  "odometer_rollback",
		Severity:   "critical",
		Status:     status,
		Variance:   -5000,
		DetectedAt: time.Now(),
		UpdatedAt:  time.Now(),
	}
	s.errors[e.ID] = e
	return e
}

func newTestManager(s *memStore) (*Manager, *passLocker, *countingRecomputer) {
	locker := &passLocker{}
	recompute := &countingRecomputer{}
	return NewManager(s, locker, recompute, zap.NewNop()), locker, recompute
}

func TestAcknowledge(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusPending)

	if err := mgr.Acknowledge(context.Background(), e.TenantID, e.ID, "reviewer"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if store.errors[e.ID].Status != StatusAcknowledged {
		t.Errorf("status = %s, want %s", store.errors[e.ID].Status, StatusAcknowledged)
	}
	if len(store.audits) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(store.audits))
	}
	a := store.audits[0]
	if a.FromStatus != StatusPending || a.ToStatus != StatusAcknowledged || a.Actor != "reviewer" {
		t.Errorf("audit entry %+v does not record the transition", a)
	}
}

func TestResolve_WithCorrection(t *testing.T) {
	store := newMemStore()
	mgr, locker, recompute := newTestManager(store)
	e := seedError(store, StatusAcknowledged)

	corrected := 48500.0
	err := mgr.Resolve(context.Background(), e.TenantID, e.ID, "reviewer",
		ResolutionCorrected, "odometer misread during inspection",
		&Correction{Odometer: &corrected, Reason: "transposed digits"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	got := store.errors[e.ID]
	if got.Status != StatusResolved {
		t.Errorf("status = %s, want %s", got.Status, StatusResolved)
	}
	if got.ResolutionType == nil || *got.ResolutionType != ResolutionCorrected {
		t.Error("resolution type not recorded")
	}
	if got.ResolvedBy == nil || *got.ResolvedBy != "reviewer" {
		t.Error("resolver not recorded")
	}
	if len(store.corrections) != 1 || *store.corrections[0].Odometer != corrected {
		t.Error("correction not applied to the reading")
	}
	if len(store.reconciled) != 1 || store.reconciled[0] != e.ReadingID {
		t.Error("reading flag not reconciled")
	}
	if locker.calls != 1 {
		t.Errorf("expected the correction under the vehicle lock, lock calls = %d", locker.calls)
	}
	if recompute.calls != 1 {
		t.Errorf("expected one quality recompute, got %d", recompute.calls)
	}
	if len(store.audits) != 1 {
		t.Errorf("expected 1 audit entry, got %d", len(store.audits))
	}
}

func TestResolve_CorrectedRequiresValue(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusPending)

	err := mgr.Resolve(context.Background(), e.TenantID, e.ID, "reviewer",
		ResolutionCorrected, "notes", nil)
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.errors[e.ID].Status != StatusPending {
		t.Error("failed resolve must not change status")
	}
}

func TestResolve_RequiresNotes(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusPending)

	err := mgr.Resolve(context.Background(), e.TenantID, e.ID, "reviewer",
		ResolutionAcceptedAsValid, "", nil)
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolve_UnknownResolutionType(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusPending)

	err := mgr.Resolve(context.Background(), e.TenantID, e.ID, "reviewer",
		"wished_away", "notes", nil)
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// racingLocker resolves the record before handing over the critical
// section, the way a concurrent resolve that won the lock first would.
type racingLocker struct {
	store *memStore
	id    uuid.UUID
}

func (l *racingLocker) WithVehicleLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	e := l.store.errors[l.id]
	e.Status = StatusResolved
	now := time.Now()
	actor := "first-reviewer"
	e.ResolvedBy = &actor
	e.ResolvedAt = &now
	return fn(ctx)
}

func TestResolve_LostRaceRejectedUnderLock(t *testing.T) {
	store := newMemStore()
	recompute := &countingRecomputer{}
	e := seedError(store, StatusAcknowledged)
	mgr := NewManager(store, &racingLocker{store: store, id: e.ID}, recompute, zap.NewNop())

	err := mgr.Resolve(context.Background(), e.TenantID, e.ID, "second-reviewer",
		ResolutionDataUpdated, "late to the party", nil)
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for already-resolved error, got %v", err)
	}
	if len(store.audits) != 0 {
		t.Errorf("losing resolve wrote %d audit entries", len(store.audits))
	}
	if got := store.errors[e.ID]; got.ResolvedBy == nil || *got.ResolvedBy != "first-reviewer" {
		t.Errorf("winning resolution overwritten: %+v", got)
	}
	if recompute.calls != 0 {
		t.Errorf("losing resolve triggered %d recomputes", recompute.calls)
	}
}

func TestDismiss_FromPending(t *testing.T) {
	store := newMemStore()
	mgr, _, recompute := newTestManager(store)
	e := seedError(store, StatusPending)

	if err := mgr.Dismiss(context.Background(), e.TenantID, e.ID, "reviewer", StatusFalsePositive); err != nil {
		t.Fatalf("dismiss failed: %v", err)
	}
	if store.errors[e.ID].Status != StatusFalsePositive {
		t.Errorf("status = %s, want %s", store.errors[e.ID].Status, StatusFalsePositive)
	}
	if len(store.reconciled) != 1 {
		t.Error("dismiss must reconcile the reading flag")
	}
	if recompute.calls != 1 {
		t.Errorf("expected one recompute after dismissal, got %d", recompute.calls)
	}
}

func TestDismiss_RejectedFromInvestigating(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusInvestigating)

	err := mgr.Dismiss(context.Background(), e.TenantID, e.ID, "reviewer", StatusIgnored)
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if store.errors[e.ID].Status != StatusInvestigating {
		t.Error("failed dismissal must not change status")
	}
}

func TestDismiss_RejectsOtherTargets(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusPending)

	err := mgr.Dismiss(context.Background(), e.TenantID, e.ID, "reviewer", StatusResolved)
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	for _, terminal := range []string{StatusResolved, StatusFalsePositive, StatusIgnored} {
		t.Run(terminal, func(t *testing.T) {
			store := newMemStore()
			mgr, _, _ := newTestManager(store)
			e := seedError(store, terminal)

			if err := mgr.Acknowledge(context.Background(), e.TenantID, e.ID, "reviewer"); !errors.Is(err, errs.ErrInvalidTransition) {
				t.Errorf("acknowledge from %s: got %v, want invalid transition", terminal, err)
			}
			if err := mgr.Resolve(context.Background(), e.TenantID, e.ID, "reviewer",
				ResolutionAcceptedAsValid, "notes", nil); !errors.Is(err, errs.ErrInvalidTransition) {
				t.Errorf("resolve from %s: got %v, want invalid transition", terminal, err)
			}
		})
	}
}

func TestReopen(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusResolved)
	rt := ResolutionCorrected
	notes := "was fine"
	store.errors[e.ID].ResolutionType = &rt
	store.errors[e.ID].ResolutionNotes = &notes

	if err := mgr.Reopen(context.Background(), e.TenantID, e.ID, "auditor", "correction applied to wrong reading"); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	got := store.errors[e.ID]
	if got.Status != StatusInvestigating {
		t.Errorf("status = %s, want %s", got.Status, StatusInvestigating)
	}
	if got.ResolutionType != nil || got.ResolutionNotes != nil || got.ResolvedBy != nil || got.ResolvedAt != nil {
		t.Error("reopen must clear the resolution fields")
	}
	if len(store.audits) != 1 || store.audits[0].Note != "reopened: correction applied to wrong reading" {
		t.Error("reopen must be audited with its reason")
	}
}

func TestReopen_RequiresTerminalState(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusPending)

	err := mgr.Reopen(context.Background(), e.TenantID, e.ID, "auditor", "reason")
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestReopen_RequiresReason(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusResolved)

	err := mgr.Reopen(context.Background(), e.TenantID, e.ID, "auditor", "")
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUnknownErrorID(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)

	err := mgr.Acknowledge(context.Background(), uuid.New(), uuid.New(), "reviewer")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	store := newMemStore()
	mgr, _, _ := newTestManager(store)
	e := seedError(store, StatusPending)
	ctx := context.Background()

	if err := mgr.Acknowledge(ctx, e.TenantID, e.ID, "reviewer"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := mgr.StartInvestigation(ctx, e.TenantID, e.ID, "reviewer"); err != nil {
		t.Fatalf("investigate: %v", err)
	}
	// Investigating closes only through resolved.
	if err := mgr.Dismiss(ctx, e.TenantID, e.ID, "reviewer", StatusIgnored); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("dismiss from investigating: got %v, want invalid transition", err)
	}
	if err := mgr.Resolve(ctx, e.TenantID, e.ID, "reviewer", ResolutionAcceptedAsValid, "vehicle serviced off-fleet", nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(store.audits) != 3 {
		t.Errorf("expected 3 audit entries for 3 transitions, got %d", len(store.audits))
	}
}
