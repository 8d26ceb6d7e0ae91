package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/workload"
)

// App — зависимости команд: хранилище, сервис и (опционально) RabbitMQ.
// CLI работает с хранилищем напрямую, без промежуточного API.
type App struct {
	Config  config.Config
	Stores  *repo.Stores
	Service *workload.Service
	Conn    *mq.Connection

	logger *slog.Logger
}

// OpenApp открывает хранилище и собирает сервис. Если RabbitMQ недоступен,
// события не публикуются, а команда продолжает работу.
func OpenApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stores, err := repo.Open(ctx, cfg.DBDriver, cfg.DBURL, cfg.DBMaxConns,
		repo.WithAckRetention(cfg.Queue.AckRetention),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	app := &App{Config: cfg, Stores: stores, logger: logger}

	var notifier workload.Notifier
	if cfg.RabbitMQURL != "" {
		conn, err := mq.NewConnection(cfg.RabbitMQURL, "conveyor-cli", logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, events will not be published", "error", err)
		} else {
			app.Conn = conn
			notifier = mq.NewPublisher(conn, logger)
		}
	}

	app.Service = workload.New(workload.Config{
		Workloads:     stores.Workloads,
		Queue:         stores.Queue,
		Notifier:      notifier,
		LeaseDuration: cfg.Queue.LeaseDuration,
		Logger:        logger,
	})
	return app, nil
}

// RequireMQ возвращает соединение с RabbitMQ или ошибку, если его нет.
func (a *App) RequireMQ() (*mq.Connection, error) {
	if a.Conn == nil {
		return nil, errors.New("rabbitmq is not configured or unreachable (RABBITMQ_URL)")
	}
	return a.Conn, nil
}

// Close закрывает соединения.
func (a *App) Close() error {
	var errs []error
	if a.Conn != nil {
		errs = append(errs, a.Conn.Close())
	}
	if a.Stores != nil {
		a.Stores.Close()
	}
	return errors.Join(errs...)
}
