package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgauge/meter-quality-worker/internal/config"
	"github.com/fleetgauge/meter-quality-worker/internal/db"
	"github.com/fleetgauge/meter-quality-worker/internal/errs"
	"github.com/fleetgauge/meter-quality-worker/internal/gate"
	"github.com/fleetgauge/meter-quality-worker/internal/logging"
	"github.com/fleetgauge/meter-quality-worker/internal/mq"
	"github.com/fleetgauge/meter-quality-worker/internal/rules"
	"github.com/fleetgauge/meter-quality-worker/tools/timeparser"
)

// IngestMessage is a batch of meter readings submitted by a work-order,
// fuel-transaction, inspection or manual-entry workflow.
type IngestMessage struct {
	RequestID  string           `json:"request_id"`
	TenantID   uuid.UUID        `json:"tenant_id"`
	Source     string           `json:"source"`
	Actor      string           `json:"actor"`
	ReceivedAt time.Time        `json:"received_at"`
	Readings   []ReadingPayload `json:"readings"`
}

// ReadingPayload is a single submitted meter observation. Timestamp
// formats vary by source; see tools/timeparser.
type ReadingPayload struct {
	VehicleID   uuid.UUID `json:"vehicle_id"`
	Timestamp   string    `json:"timestamp"`
	Odometer    *float64  `json:"odometer,omitempty"`
	HourMeter   *float64  `json:"hour_meter,omitempty"`
	EntryMethod string    `json:"entry_method"`
}

// RuleStore persists rules seeded for tenants that have none configured.
type RuleStore interface {
	SaveRule(ctx context.Context, rule *rules.Rule) error
}

// EventPublisher emits outcome events to the worker exchange.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event interface{}) error
}

// ProcessorService bridges the ingest queue to the ingestion gate and
// publishes the outcome events.
type ProcessorService struct {
	gate      *gate.Gate
	registry  *rules.Registry
	ruleStore RuleStore
	publisher EventPublisher
	cfg       *config.Config
	logger    *zap.Logger
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	g *gate.Gate,
	registry *rules.Registry,
	ruleStore RuleStore,
	publisher EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		gate:      g,
		registry:  registry,
		ruleStore: ruleStore,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// ensureRuleset seeds the stock ruleset for a tenant submitting readings
// before an administrator has configured any rules.
func (s *ProcessorService) ensureRuleset(ctx context.Context, tenantID uuid.UUID) error {
	if len(s.registry.AllRules(tenantID)) > 0 {
		return nil
	}

	defaults := rules.DefaultRules(tenantID, rules.DefaultPolicy{
		MaxDailyChange:  s.cfg.Detection.MaxDailyChange,
		SkipThreshold:   s.cfg.Detection.SkipThreshold,
		SkipWindowDays:  s.cfg.Detection.SkipWindowDays,
		StagnationDays:  s.cfg.Detection.StagnationWindowDays,
		DeviationFactor: s.cfg.Detection.DeviationFactor,
		OdometerMax:     s.cfg.Detection.OdometerMax,
		HourMeterMax:    s.cfg.Detection.HourMeterMax,
	})
	for i := range defaults {
		if err := s.ruleStore.SaveRule(ctx, &defaults[i]); err != nil {
			return fmt.Errorf("failed to seed default rules: %w", err)
		}
	}
	s.registry.Load(tenantID, defaults)

	s.logger.Info("seeded default ruleset for tenant",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("rules", len(defaults)),
	)
	return nil
}

// ProcessMessage processes one ingest message. Readings are independent:
// a validation failure or block on one does not abort the rest.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.TenantID == uuid.Nil {
		return fmt.Errorf("ingest message missing tenant_id")
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)
	reqLogger.Info("processing ingest message",
		zap.String("source", msg.Source),
		zap.Int("readings", len(msg.Readings)),
	)

	if err := s.ensureRuleset(ctx, msg.TenantID); err != nil {
		return err
	}

	source := db.ReadingSource(msg.Source)
	accepted := 0
	for _, payload := range msg.Readings {
		if err := s.processSingleReading(ctx, msg, source, payload, reqLogger); err != nil {
			// Structurally invalid input is this message's fault and a
			// retry cannot fix it; reject the whole batch to the DLQ.
			if errors.Is(err, errs.ErrValidation) {
				return err
			}
			return fmt.Errorf("failed to process reading for vehicle %s: %w", payload.VehicleID, err)
		}
		accepted++
	}

	reqLogger.Info("ingest message processed",
		zap.Int("readings_processed", accepted),
	)
	return nil
}

func (s *ProcessorService) processSingleReading(
	ctx context.Context,
	msg IngestMessage,
	source db.ReadingSource,
	payload ReadingPayload,
	logger *zap.Logger,
) error {
	logger = logging.WithVehicle(logger, payload.VehicleID.String())

	readingTime, err := timeparser.ParseReadingTimestamp(payload.Timestamp)
	if err != nil {
		return errs.Validation("unparseable reading timestamp %q: %v", payload.Timestamp, err)
	}

	result, err := s.gate.Ingest(ctx, msg.TenantID, gate.ReadingInput{
		VehicleID:   payload.VehicleID,
		Timestamp:   readingTime,
		Odometer:    payload.Odometer,
		HourMeter:   payload.HourMeter,
		Source:      source,
		EntryMethod: payload.EntryMethod,
	})
	if err != nil {
		return err
	}

	if result.Blocked {
		blocked := make([]mq.BlockedRule, 0, len(result.BlockedBy))
		for _, b := range result.BlockedBy {
			blocked = append(blocked, mq.BlockedRule{
				RuleID:      b.RuleID.String(),
				ErrorType:   b.Type,
				Explanation: b.Explanation,
			})
		}
		event := mq.ReadingBlockedEvent{
			TenantID:  msg.TenantID.String(),
			VehicleID: payload.VehicleID.String(),
			RequestID: msg.RequestID,
			BlockedBy: blocked,
		}
		if err := s.publisher.Publish(ctx, s.cfg.RabbitMQ.BlockedKey, event); err != nil {
			logger.Error("failed to publish blocked event", zap.Error(err))
		}
		logger.Warn("reading blocked by detection rule",
			zap.Int("blocking_rules", len(blocked)),
		)
		return nil
	}

	reading := result.Reading
	acceptedEvent := mq.ReadingAcceptedEvent{
		TenantID:         msg.TenantID.String(),
		VehicleID:        payload.VehicleID.String(),
		ReadingID:        reading.ID.String(),
		ReadingTimestamp: reading.ReadingTimestamp.Format(time.RFC3339),
		Source:           string(reading.Source),
		HasError:         reading.HasError,
		ConfidenceScore:  reading.ConfidenceScore,
	}
	if reading.ErrorSeverity != nil {
		acceptedEvent.ErrorSeverity = *reading.ErrorSeverity
	}
	// Events follow a successful commit; publish failures are logged, not
	// propagated, so they never fail an already-committed reading.
	if err := s.publisher.Publish(ctx, s.cfg.RabbitMQ.AcceptedKey, acceptedEvent); err != nil {
		logger.Error("failed to publish accepted event",
			zap.Error(err),
			zap.String("reading_id", reading.ID.String()),
		)
	}

	for _, e := range result.ErrorsRaised {
		event := mq.AnomalyDetectedEvent{
			TenantID:    msg.TenantID.String(),
			VehicleID:   payload.VehicleID.String(),
			ReadingID:   e.ReadingID.String(),
			ErrorID:     e.ID.String(),
			RuleID:      e.RuleID.String(),
			ErrorType:   e.ErrorType,
			Severity:    e.Severity,
			Variance:    e.Variance,
			Explanation: e.Explanation,
		}
		if err := s.publisher.Publish(ctx, s.cfg.RabbitMQ.AnomalyKey, event); err != nil {
			logger.Error("failed to publish anomaly event",
				zap.Error(err),
				zap.String("error_id", e.ID.String()),
			)
		}
	}

	return nil
}
