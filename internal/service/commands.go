package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgauge/meter-quality-worker/internal/lifecycle"
	"github.com/fleetgauge/meter-quality-worker/internal/logging"
)

// Lifecycle command actions accepted from reviewer-facing workflows.
const (
	ActionAcknowledge = "acknowledge"
	ActionInvestigate = "investigate"
	ActionResolve     = "resolve"
	ActionDismiss     = "dismiss"
	ActionReopen      = "reopen"
)

// LifecycleCommand is a reviewer action on a meter error, posted by the
// dashboard workflows.
type LifecycleCommand struct {
	RequestID      string    `json:"request_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	ErrorID        uuid.UUID `json:"error_id"`
	Actor          string    `json:"actor"`
	Action         string    `json:"action"`
	DismissStatus  string    `json:"dismiss_status,omitempty"`
	ResolutionType string    `json:"resolution_type,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	Reason         string    `json:"reason,omitempty"`

	CorrectedOdometer  *float64 `json:"corrected_odometer,omitempty"`
	CorrectedHourMeter *float64 `json:"corrected_hour_meter,omitempty"`
}

// LifecycleService consumes reviewer commands and applies them through
// the lifecycle manager.
type LifecycleService struct {
	manager *lifecycle.Manager
	logger  *zap.Logger
}

// NewLifecycleService creates a lifecycle command processor.
func NewLifecycleService(manager *lifecycle.Manager, logger *zap.Logger) *LifecycleService {
	return &LifecycleService{manager: manager, logger: logger}
}

// ProcessCommand applies one reviewer action. Validation and transition
// failures are final: retrying an illegal transition cannot succeed, so
// the message is rejected rather than requeued.
func (s *LifecycleService) ProcessCommand(ctx context.Context, body []byte) error {
	var cmd LifecycleCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal lifecycle command: %w", err)
	}
	if cmd.TenantID == uuid.Nil || cmd.ErrorID == uuid.Nil {
		return fmt.Errorf("lifecycle command missing tenant_id or error_id")
	}

	reqLogger := logging.WithRequestID(s.logger, cmd.RequestID)

	var err error
	switch cmd.Action {
	case ActionAcknowledge:
		err = s.manager.Acknowledge(ctx, cmd.TenantID, cmd.ErrorID, cmd.Actor)
	case ActionInvestigate:
		err = s.manager.StartInvestigation(ctx, cmd.TenantID, cmd.ErrorID, cmd.Actor)
	case ActionResolve:
		var correction *lifecycle.Correction
		if cmd.CorrectedOdometer != nil || cmd.CorrectedHourMeter != nil {
			correction = &lifecycle.Correction{
				Odometer:  cmd.CorrectedOdometer,
				HourMeter: cmd.CorrectedHourMeter,
				Reason:    cmd.Notes,
			}
		}
		err = s.manager.Resolve(ctx, cmd.TenantID, cmd.ErrorID, cmd.Actor, cmd.ResolutionType, cmd.Notes, correction)
	case ActionDismiss:
		err = s.manager.Dismiss(ctx, cmd.TenantID, cmd.ErrorID, cmd.Actor, cmd.DismissStatus)
	case ActionReopen:
		err = s.manager.Reopen(ctx, cmd.TenantID, cmd.ErrorID, cmd.Actor, cmd.Reason)
	default:
		err = fmt.Errorf("unknown lifecycle action %q", cmd.Action)
	}

	if err != nil {
		reqLogger.Error("lifecycle command failed",
			zap.Error(err),
			zap.String("action", cmd.Action),
			zap.String("error_id", cmd.ErrorID.String()),
		)
		return err
	}

	reqLogger.Info("lifecycle command applied",
		zap.String("action", cmd.Action),
		zap.String("error_id", cmd.ErrorID.String()),
		zap.String("actor", cmd.Actor),
	)
	return nil
}
