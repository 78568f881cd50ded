package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps the shared RabbitMQ connection. The ingest and
// lifecycle consumers and the event publisher each open their own
// channel on it.
type Connection struct {
	conn   *amqp.Connection
	logger *zap.Logger
}

// NewConnection dials RabbitMQ and registers close handling with the fx
// lifecycle. An unexpected broker-side close is logged loudly; the
// process relies on its supervisor to restart it.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	logger.Info("attempting to connect to RabbitMQ...")

	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ. Please check: 1) RabbitMQ is running, 2) RABBITMQ_URL is correct, 3) Credentials are valid. Error: %w", err)
	}

	mqConn := &Connection{conn: conn, logger: logger}

	closed := make(chan *amqp.Error, 1)
	conn.NotifyClose(closed)
	go func() {
		if amqpErr := <-closed; amqpErr != nil {
			logger.Error("rabbitmq connection lost",
				zap.Int("code", amqpErr.Code),
				zap.String("reason", amqpErr.Reason),
			)
		}
	}()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if conn.IsClosed() {
				return nil
			}
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel opens a new channel on the shared connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	if c.conn.IsClosed() {
		return nil, fmt.Errorf("rabbitmq connection is closed")
	}
	return c.conn.Channel()
}
