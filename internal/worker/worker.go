package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/workload"
)

// Default configuration values.
const (
	defaultPollInterval      = 5 * time.Second
	defaultBatchSize         = 4
	defaultHeartbeatInterval = 30 * time.Second
	defaultClaimTimeout      = 2 * time.Minute
	defaultHeartbeatTimeout  = 2 * time.Minute
)

// Service — операции workload-сервиса, которые нужны воркеру.
// *workload.Service удовлетворяет интерфейсу.
type Service interface {
	Poll(ctx context.Context, req workload.PollRequest) ([]domain.Workload, error)
	Get(ctx context.Context, id string) (*domain.Workload, error)
	Claim(ctx context.Context, id, dataplaneID string, deadline time.Time) (*domain.Workload, bool, error)
	Launch(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error)
	Running(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error)
	Heartbeat(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error)
	Succeed(ctx context.Context, id string) (*domain.Workload, bool, error)
	Fail(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error)
	Ack(ctx context.Context, id string) error
	Now() time.Time
}

// Worker — reference-поллер dataplane.
//
// Забирает workloads своей группы из очереди, закрепляет их за собой
// и выполняет через executor, зарегистрированный для типа workload.
// Очередь опрашивается по таймеру; сообщение workload.enqueued из RabbitMQ
// лишь будит цикл раньше срока.
type Worker struct {
	svc      Service
	registry *Registry
	blobs    workload.BlobStore
	conn     *mq.Connection

	dataplaneID    string
	dataplaneGroup string
	priority       *int

	batchSize         int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	claimTimeout      time.Duration
	heartbeatTimeout  time.Duration

	wake     chan struct{}
	consumer *mq.Consumer

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Service Service

	// Registry — executor'ы по типу workload (обязателен).
	Registry *Registry

	// BlobStore опционален: без него вывод процессов не сохраняется.
	BlobStore workload.BlobStore

	// Conn опционален: без него воркер работает только по таймеру.
	Conn *mq.Connection

	DataplaneID    string
	DataplaneGroup string

	// Priority — если задан, воркер берёт только этот приоритет.
	Priority *int

	BatchSize         int           // workloads за один poll и предел параллелизма (default: 4)
	PollInterval      time.Duration // интервал polling (default: 5s)
	HeartbeatInterval time.Duration // (default: 30s)
	ClaimTimeout      time.Duration // deadline после claim (default: 2m)
	HeartbeatTimeout  time.Duration // deadline после launch/running/heartbeat (default: 2m)

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	group := cfg.DataplaneGroup
	if group == "" {
		group = "default"
	}

	return &Worker{
		svc:               cfg.Service,
		registry:          registry,
		blobs:             cfg.BlobStore,
		conn:              cfg.Conn,
		dataplaneID:       cfg.DataplaneID,
		dataplaneGroup:    group,
		priority:          cfg.Priority,
		batchSize:         orDefault(cfg.BatchSize, defaultBatchSize),
		pollInterval:      orDefault(cfg.PollInterval, defaultPollInterval),
		heartbeatInterval: orDefault(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		claimTimeout:      orDefault(cfg.ClaimTimeout, defaultClaimTimeout),
		heartbeatTimeout:  orDefault(cfg.HeartbeatTimeout, defaultHeartbeatTimeout),
		wake:              make(chan struct{}, 1),
		logger:            telemetry.WithDataplaneID(logger, cfg.DataplaneID).With("dataplane_group", group),
	}
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Start запускает Worker.
//
// Запускает:
//   - polling горутину
//   - consumer подсказок workload.enqueued (если есть соединение с RabbitMQ)
func (w *Worker) Start(ctx context.Context) error {
	if w.dataplaneID == "" {
		return errors.New("worker: empty dataplane id")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"types", w.registry.Types(),
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Declare:  mq.DeclareWakeupQueue(w.dataplaneGroup),
			Handler:  w.handleEnqueued,
			Prefetch: 1,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("wake-up consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения выполняемых workloads.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// Wake будит цикл polling раньше срока. Не блокирует.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) handleEnqueued(_ context.Context, _ *mq.Delivery) error {
	w.Wake()
	return nil
}

// pollLoop — основной цикл.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте
	w.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
		w.PollOnce(ctx)
	}
}
