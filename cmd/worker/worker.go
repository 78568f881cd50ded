package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fleetgauge/meter-quality-worker/internal/config"
	"github.com/fleetgauge/meter-quality-worker/internal/db"
	"github.com/fleetgauge/meter-quality-worker/internal/detect"
	"github.com/fleetgauge/meter-quality-worker/internal/gate"
	"github.com/fleetgauge/meter-quality-worker/internal/lifecycle"
	"github.com/fleetgauge/meter-quality-worker/internal/mq"
	"github.com/fleetgauge/meter-quality-worker/internal/quality"
	"github.com/fleetgauge/meter-quality-worker/internal/repository"
	"github.com/fleetgauge/meter-quality-worker/internal/rules"
	"github.com/fleetgauge/meter-quality-worker/internal/service"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
	lifecycleSvc *service.LifecycleService,
) error {
	// Context for consumers, cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	ingestConsumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lifecycleConsumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.LifecycleQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.LifecycleKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: lifecycleSvc.ProcessCommand,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker consumers",
				zap.String("ingest_queue", cfg.RabbitMQ.IngestQueue),
				zap.String("lifecycle_queue", cfg.RabbitMQ.LifecycleQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			if err := ingestConsumer.Start(ctx); err != nil {
				return err
			}
			return lifecycleConsumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := ingestConsumer.Close(); err != nil {
				logger.Error("failed to close ingest consumer", zap.Error(err))
				return err
			}
			if err := lifecycleConsumer.Close(); err != nil {
				logger.Error("failed to close lifecycle consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return nil
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideRegistry creates the rule registry and hydrates it from the
// database on startup.
func ProvideRegistry(lc fx.Lifecycle, repo *repository.Repository, logger *zap.Logger) *rules.Registry {
	registry := rules.NewRegistry()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			tenants, err := repo.TenantIDs(ctx)
			if err != nil {
				return err
			}
			total := 0
			for _, tenantID := range tenants {
				set, err := repo.LoadRules(ctx, tenantID)
				if err != nil {
					return err
				}
				registry.Load(tenantID, set)
				total += len(set)
			}
			logger.Info("rule registry hydrated",
				zap.Int("tenants", len(tenants)),
				zap.Int("rules", total))
			return nil
		},
	})

	return registry
}

// ProvideDetector creates the anomaly detector
func ProvideDetector(cfg *config.Config) *detect.Detector {
	return detect.NewDetector(cfg.Detection.StatisticalMinPoints)
}

// ProvideVehicleLocks creates the per-vehicle critical section table
func ProvideVehicleLocks(cfg *config.Config) *gate.VehicleLocks {
	return gate.NewVehicleLocks(time.Duration(cfg.Ingest.LockWaitMillis) * time.Millisecond)
}

// ProvideCalculator creates the quality score calculator
func ProvideCalculator(repo *repository.Repository, cfg *config.Config, publisher *mq.Publisher, logger *zap.Logger) *quality.Calculator {
	return quality.NewCalculator(repo, cfg.Quality.EmptyPeriodScore, publisher, cfg.RabbitMQ.QualityKey, logger)
}

// ProvideGate creates the ingestion gate
func ProvideGate(
	repo *repository.Repository,
	registry *rules.Registry,
	detector *detect.Detector,
	locks *gate.VehicleLocks,
	calculator *quality.Calculator,
	logger *zap.Logger,
) *gate.Gate {
	return gate.NewGate(repo, registry, detector, locks, calculator, logger)
}

// ProvideLifecycleManager creates the error lifecycle manager. It shares
// the gate's per-vehicle locks so corrections serialize with ingestion.
func ProvideLifecycleManager(
	repo *repository.Repository,
	g *gate.Gate,
	calculator *quality.Calculator,
	logger *zap.Logger,
) *lifecycle.Manager {
	return lifecycle.NewManager(repo, g.Locks(), calculator, logger)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.WorkerExchange, logger)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	g *gate.Gate,
	registry *rules.Registry,
	repo *repository.Repository,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(g, registry, repo, publisher, cfg, logger)
}

// ProvideLifecycleService creates the lifecycle command processor
func ProvideLifecycleService(manager *lifecycle.Manager, logger *zap.Logger) *service.LifecycleService {
	return service.NewLifecycleService(manager, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL, cfg.Database.MaxConns)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}
