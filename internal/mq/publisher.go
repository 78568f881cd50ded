package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// ReadingAcceptedEvent is published after a reading commits.
type ReadingAcceptedEvent struct {
	TenantID         string  `json:"tenant_id"`
	VehicleID        string  `json:"vehicle_id"`
	ReadingID        string  `json:"reading_id"`
	ReadingTimestamp string  `json:"reading_timestamp"`
	Source           string  `json:"source"`
	HasError         bool    `json:"has_error"`
	ErrorSeverity    string  `json:"error_severity,omitempty"`
	ConfidenceScore  float64 `json:"confidence_score"`
}

// AnomalyDetectedEvent is published once per error record raised on a
// committed reading.
type AnomalyDetectedEvent struct {
	TenantID    string  `json:"tenant_id"`
	VehicleID   string  `json:"vehicle_id"`
	ReadingID   string  `json:"reading_id"`
	ErrorID     string  `json:"error_id"`
	RuleID      string  `json:"rule_id"`
	ErrorType   string  `json:"error_type"`
	Severity    string  `json:"severity"`
	Variance    float64 `json:"variance"`
	Explanation string  `json:"explanation"`
}

// ReadingBlockedEvent tells the submitting workflow which rule refused
// the meter update so it can present an actionable message.
type ReadingBlockedEvent struct {
	TenantID  string        `json:"tenant_id"`
	VehicleID string        `json:"vehicle_id"`
	RequestID string        `json:"request_id"`
	BlockedBy []BlockedRule `json:"blocked_by"`
}

// BlockedRule is the machine-readable reason inside a blocked event.
type BlockedRule struct {
	RuleID      string `json:"rule_id"`
	ErrorType   string `json:"error_type"`
	Explanation string `json:"explanation"`
}

// QualityUpdatedEvent is published after a vehicle's quality rollup for a
// period has been recomputed and stored.
type QualityUpdatedEvent struct {
	TenantID      string   `json:"tenant_id"`
	VehicleID     string   `json:"vehicle_id"`
	PeriodStart   string   `json:"period_start"`
	PeriodEnd     string   `json:"period_end"`
	QualityScore  float64  `json:"quality_score"`
	PreviousScore *float64 `json:"previous_score,omitempty"`
	Trend         string   `json:"trend"`
}

// Publish sends one JSON event to the worker exchange.
func (p *Publisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
