// Conveyor Reaper — поиск просроченных workloads и очистка очереди.
//
// На Postgres несколько экземпляров делят работу через pg_try_advisory_lock:
// задачи выполняет только лидер.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/reaper"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/workload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger("conveyor-reaper", cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting conveyor-reaper")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conveyor-reaper failed", "error", err)
		os.Exit(1)
	}
	logger.Info("conveyor-reaper stopped")
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

	var leader reaper.Leader = reaper.AlwaysLeader{}
	if stores.Pool != nil {
		leader = reaper.NewAdvisoryLock(stores.Pool, cfg.Reaper.LeaderLockKey, cfg.Reaper.LeaderRetryEvery)
	}

	// RabbitMQ нужен для notify; для fail достаточно БД.
	var notifier reaper.Notifier
	var terminal workload.Notifier
	if cfg.RabbitMQURL != "" {
		conn, err := mq.NewConnection(cfg.RabbitMQURL, "conveyor-reaper", logger)
		if err != nil {
			if cfg.Reaper.Action == config.ReaperActionNotify {
				return fmt.Errorf("rabbitmq is required for REAPER_ACTION=notify: %w", err)
			}
			logger.Warn("RabbitMQ not available, terminal signals disabled", "error", err)
		} else {
			defer conn.Close()
			if err := mq.SetupTopology(ctx, conn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			publisher := mq.NewPublisher(conn, logger)
			notifier = publisher
			terminal = publisher
		}
	}

	svc := workload.New(workload.Config{
		Workloads:     stores.Workloads,
		Queue:         stores.Queue,
		Notifier:      terminal,
		LeaseDuration: cfg.Queue.LeaseDuration,
		Logger:        logger,
	})

	r, err := reaper.New(reaper.Config{
		Service:         svc,
		Notifier:        notifier,
		Leader:          leader,
		Action:          cfg.Reaper.Action,
		ExpiredSchedule: cfg.Reaper.ExpiredSchedule,
		GCSchedule:      cfg.Reaper.GCSchedule,
		GCDeletionLimit: cfg.Reaper.GCDeletionLimit,
		GCMaxBatches:    cfg.Reaper.GCMaxBatches,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	return telemetry.Serve(ctx, cfg.MetricsPort, telemetry.NewMux(stores.Ping), logger)
}
