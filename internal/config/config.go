package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Detection   DetectionConfig
	Quality     QualityConfig
	Ingest      IngestConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	WorkerExchange   string
	AcceptedKey      string
	AnomalyKey       string
	BlockedKey       string
	QualityKey       string
	LifecycleQueue   string
	LifecycleKey     string
	DLQQueue         string
	PrefetchCount    int
}

// DetectionConfig holds the default detection rule parameters. These seed
// a tenant's stock ruleset; tenants override them by editing their rules.
type DetectionConfig struct {
	MaxDailyChange       float64
	SkipThreshold        float64
	SkipWindowDays       int
	StagnationWindowDays int
	DeviationFactor      float64
	StatisticalMinPoints int
	OdometerMax          float64
	HourMeterMax         float64
}

// QualityConfig holds quality score policy settings. EmptyPeriodScore is
// the score for a vehicle with no readings in a period; whether "no data"
// reads as perfect is a policy knob, defaulting to 100.
type QualityConfig struct {
	EmptyPeriodScore float64
}

// IngestConfig holds ingestion gate settings
type IngestConfig struct {
	LockWaitMillis int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "meter-quality-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8082),
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvAsInt("DATABASE_MAX_CONNS", 0),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "fleet-meter.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "fleet-meter.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "meter.reading.submitted"),
			WorkerExchange:   getEnv("RABBITMQ_WORKER_EXCHANGE", "fleet-meter.quality.events.exchange"),
			AcceptedKey:      getEnv("RABBITMQ_ACCEPTED_ROUTING_KEY", "meter.reading.accepted"),
			AnomalyKey:       getEnv("RABBITMQ_ANOMALY_ROUTING_KEY", "meter.anomaly.detected"),
			BlockedKey:       getEnv("RABBITMQ_BLOCKED_ROUTING_KEY", "meter.reading.blocked"),
			QualityKey:       getEnv("RABBITMQ_QUALITY_ROUTING_KEY", "meter.quality.updated"),
			LifecycleQueue:   getEnv("RABBITMQ_LIFECYCLE_QUEUE", "fleet-meter.lifecycle.queue"),
			LifecycleKey:     getEnv("RABBITMQ_LIFECYCLE_ROUTING_KEY", "meter.error.command"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "fleet-meter.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Detection: DetectionConfig{
			MaxDailyChange:       getEnvAsFloat("DETECTION_MAX_DAILY_CHANGE", 500),
			SkipThreshold:        getEnvAsFloat("DETECTION_SKIP_THRESHOLD", 1000),
			SkipWindowDays:       getEnvAsInt("DETECTION_SKIP_WINDOW_DAYS", 7),
			StagnationWindowDays: getEnvAsInt("DETECTION_STAGNATION_WINDOW_DAYS", 30),
			DeviationFactor:      getEnvAsFloat("DETECTION_DEVIATION_FACTOR", 3.0),
			StatisticalMinPoints: getEnvAsInt("DETECTION_STATISTICAL_MIN_POINTS", 3),
			OdometerMax:          getEnvAsFloat("DETECTION_ODOMETER_MAX", 2000000),
			HourMeterMax:         getEnvAsFloat("DETECTION_HOUR_METER_MAX", 200000),
		},
		Quality: QualityConfig{
			EmptyPeriodScore: getEnvAsFloat("QUALITY_EMPTY_PERIOD_SCORE", 100),
		},
		Ingest: IngestConfig{
			LockWaitMillis: getEnvAsInt("INGEST_LOCK_WAIT_MS", 5000),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Quality.EmptyPeriodScore < 0 || cfg.Quality.EmptyPeriodScore > 100 {
		return nil, fmt.Errorf("QUALITY_EMPTY_PERIOD_SCORE must be within [0, 100]")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
