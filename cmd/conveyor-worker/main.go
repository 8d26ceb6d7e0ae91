// Conveyor Worker — reference-поллер dataplane.
//
// Worker:
//   - Забирает workloads своей группы из очереди (polling + подсказки из RabbitMQ)
//   - Проводит их через claim → launch → running → heartbeat
//   - Выполняет локальную команду, настроенную для типа workload
//   - Завершает workload и подтверждает элемент очереди
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Conveyor/internal/blob"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
	"github.com/shaiso/Conveyor/internal/workload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger("conveyor-worker", cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting conveyor-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conveyor-worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("conveyor-worker stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	stores, err := repo.Open(ctx, cfg.DBDriver, cfg.DBURL, cfg.DBMaxConns,
		repo.WithAckRetention(cfg.Queue.AckRetention),
	)
	if err != nil {
		return err
	}
	defer stores.Close()
	logger.Info("database connected", "driver", stores.Driver)

	if stores.Driver == repo.DriverSQLite {
		if err := stores.Migrate(ctx, logger); err != nil {
			return err
		}
	}

	registry, err := worker.NewRegistryFromConfig(cfg.Worker.Commands, cfg.Worker.DelayTypes, cfg.Worker.Delay)
	if err != nil {
		return err
	}

	var blobs workload.BlobStore
	if cfg.Worker.BlobDir != "" {
		dir, err := blob.NewDirStore(cfg.Worker.BlobDir)
		if err != nil {
			return err
		}
		blobs = dir
	}

	dataplaneID := cfg.Worker.DataplaneID
	if dataplaneID == "" {
		host, _ := os.Hostname()
		dataplaneID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	// RabbitMQ (опционально)
	var mqConn *mq.Connection
	var notifier workload.Notifier
	if cfg.RabbitMQURL != "" {
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL, "conveyor-worker-"+dataplaneID, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			notifier = mq.NewPublisher(mqConn, logger)
		}
	}

	svc := workload.New(workload.Config{
		Workloads:     stores.Workloads,
		Queue:         stores.Queue,
		Notifier:      notifier,
		LeaseDuration: cfg.Queue.LeaseDuration,
		Logger:        logger,
	})

	w := worker.New(worker.Config{
		Service:           svc,
		Registry:          registry,
		BlobStore:         blobs,
		Conn:              mqConn,
		DataplaneID:       dataplaneID,
		DataplaneGroup:    cfg.Worker.DataplaneGroup,
		Priority:          cfg.Worker.Priority,
		BatchSize:         cfg.Worker.BatchSize,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ClaimTimeout:      cfg.Worker.ClaimTimeout,
		HeartbeatTimeout:  cfg.Worker.HeartbeatTimeout,
		Logger:            logger,
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	// HTTP: /healthz + /metrics до сигнала завершения
	return telemetry.Serve(ctx, cfg.MetricsPort, telemetry.NewMux(stores.Ping), logger)
}
