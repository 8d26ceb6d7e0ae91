package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/workload"
)

// Действия над просроченными workloads.
const (
	ActionNotify = "notify"
	ActionFail   = "fail"
)

// Default configuration values.
const (
	defaultExpiredSchedule = "@every 1m"
	defaultGCSchedule      = "@every 10m"
	defaultDeletionLimit   = 1000
	defaultMaxBatches      = 10
)

// Service — операции workload-сервиса, которые нужны reaper'у.
type Service interface {
	SearchForExpired(ctx context.Context, dataplaneIDs []string, statuses []domain.WorkloadStatus, deadline time.Time) ([]domain.Workload, error)
	Fail(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error)
	Ack(ctx context.Context, id string) error
	CleanUpAckedEntries(ctx context.Context, deletionLimit int) (int, error)
	QueueStats(ctx context.Context) ([]domain.QueueStats, error)
	Now() time.Time
}

// Notifier публикует уведомление о просроченном workload (mq.Publisher).
type Notifier interface {
	PublishWorkloadExpired(ctx context.Context, w *domain.Workload) error
}

// Reaper периодически ищет workloads с истёкшим deadline и чистит
// подтверждённые элементы очереди.
type Reaper struct {
	svc      Service
	notifier Notifier
	leader   Leader
	action   string

	expiredSchedule string
	gcSchedule      string
	deletionLimit   int
	maxBatches      int

	cron   *cron.Cron
	mu     sync.Mutex
	logger *slog.Logger
}

// Config — конфигурация Reaper.
type Config struct {
	Service Service

	// Notifier обязателен для ActionNotify.
	Notifier Notifier

	// Leader — выбор лидера между экземплярами (default: AlwaysLeader).
	Leader Leader

	Action          string // notify | fail (default: notify)
	ExpiredSchedule string // cron-выражение (default: @every 1m)
	GCSchedule      string // cron-выражение (default: @every 10m)
	GCDeletionLimit int    // строк за один DELETE (default: 1000)
	GCMaxBatches    int    // DELETE за один тик (default: 10)

	Logger *slog.Logger
}

// New создаёт новый Reaper.
func New(cfg Config) (*Reaper, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reaper{
		svc:             cfg.Service,
		notifier:        cfg.Notifier,
		leader:          cfg.Leader,
		action:          cfg.Action,
		expiredSchedule: cfg.ExpiredSchedule,
		gcSchedule:      cfg.GCSchedule,
		deletionLimit:   cfg.GCDeletionLimit,
		maxBatches:      cfg.GCMaxBatches,
		logger:          logger,
	}
	if r.leader == nil {
		r.leader = AlwaysLeader{}
	}
	if r.action == "" {
		r.action = ActionNotify
	}
	if r.expiredSchedule == "" {
		r.expiredSchedule = defaultExpiredSchedule
	}
	if r.gcSchedule == "" {
		r.gcSchedule = defaultGCSchedule
	}
	if r.deletionLimit <= 0 {
		r.deletionLimit = defaultDeletionLimit
	}
	if r.maxBatches <= 0 {
		r.maxBatches = defaultMaxBatches
	}

	switch r.action {
	case ActionNotify:
		if r.notifier == nil {
			return nil, errors.New("reaper: notify action requires a notifier")
		}
	case ActionFail:
	default:
		return nil, fmt.Errorf("reaper: unknown action %q", r.action)
	}
	if err := ValidateSchedule(r.expiredSchedule); err != nil {
		return nil, err
	}
	if err := ValidateSchedule(r.gcSchedule); err != nil {
		return nil, err
	}
	return r, nil
}

// Start регистрирует задачи в cron и запускает его.
//
// Задачи выполняет только лидер; остальные экземпляры пропускают тик.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.logger})),
		cron.WithLogger(cronLogger{r.logger}),
	)

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{"check_expired", r.expiredSchedule, r.checkExpiredTick},
		{"collect_garbage", r.gcSchedule, r.collectGarbageTick},
	}
	for _, job := range jobs {
		if _, err := c.AddFunc(job.schedule, r.leaderOnly(ctx, job.name, job.run)); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	r.cron = c
	c.Start()

	r.logger.Info("reaper started",
		"action", r.action,
		"expired_schedule", r.expiredSchedule,
		"gc_schedule", r.gcSchedule,
	)
	return nil
}

// Stop останавливает cron, ждёт текущие задачи и отдаёт лидерство.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	r.leader.Release(context.Background())
	r.logger.Info("reaper stopped")
}

func (r *Reaper) leaderOnly(ctx context.Context, name string, run func(ctx context.Context) error) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		ok, err := r.leader.IsLeader(ctx)
		if err != nil {
			r.logger.Warn("leader check failed", "job", name, "error", err)
			return
		}
		if !ok {
			r.logger.Debug("not a leader, skipping", "job", name)
			return
		}
		if err := run(ctx); err != nil {
			r.logger.Error("reaper job failed", "job", name, "error", err)
		}
	}
}

func (r *Reaper) checkExpiredTick(ctx context.Context) error {
	if _, err := r.CheckExpired(ctx); err != nil {
		return err
	}
	return r.RefreshQueueDepth(ctx)
}

func (r *Reaper) collectGarbageTick(ctx context.Context) error {
	_, err := r.CollectGarbage(ctx)
	return err
}

// CheckExpired обрабатывает нетерминальные workloads с deadline в прошлом.
// Возвращает число обработанных workloads.
//
// notify: публикует workload.expired для внешнего контроллера.
// fail: переводит workload в failure (source workload-monitor) и подтверждает
// элемент очереди.
func (r *Reaper) CheckExpired(ctx context.Context) (int, error) {
	expired, err := r.svc.SearchForExpired(ctx, nil, domain.ActiveStatuses, r.svc.Now())
	if err != nil {
		return 0, fmt.Errorf("search expired workloads: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var handled int
	var errs []error
	for i := range expired {
		w := &expired[i]
		logger := telemetry.WithWorkloadID(r.logger, w.ID)

		switch r.action {
		case ActionFail:
			reason := fmt.Sprintf("%s workload exceeded its deadline", w.Status)
			_, ok, err := r.svc.Fail(ctx, w.ID, reason, workload.SourceWorkloadMonitor)
			if err != nil {
				errs = append(errs, fmt.Errorf("fail %s: %w", w.ID, err))
				continue
			}
			if !ok {
				// Воркер успел завершить или продлить workload.
				continue
			}
			if err := r.svc.Ack(ctx, w.ID); err != nil {
				errs = append(errs, fmt.Errorf("ack %s: %w", w.ID, err))
				continue
			}
			logger.Warn("expired workload failed", "status", w.Status, "dataplane_id", w.DataplaneID)
		default:
			if err := r.notifier.PublishWorkloadExpired(ctx, w); err != nil {
				errs = append(errs, fmt.Errorf("notify %s: %w", w.ID, err))
				continue
			}
			logger.Info("expired workload reported", "status", w.Status, "dataplane_id", w.DataplaneID)
		}

		telemetry.ExpiredWorkloads.WithLabelValues(r.action).Inc()
		handled++
	}

	r.logger.Info("expired workloads check completed", "found", len(expired), "handled", handled)
	return handled, errors.Join(errs...)
}

// CollectGarbage удаляет подтверждённые элементы очереди старше retention.
// Выполняет до GCMaxBatches удалений и останавливается раньше,
// если очередная пачка оказалась неполной.
func (r *Reaper) CollectGarbage(ctx context.Context) (int, error) {
	var total int
	for i := 0; i < r.maxBatches; i++ {
		n, err := r.svc.CleanUpAckedEntries(ctx, r.deletionLimit)
		if err != nil {
			return total, fmt.Errorf("clean up acked entries: %w", err)
		}
		total += n
		if n < r.deletionLimit {
			break
		}
	}

	if total > 0 {
		r.logger.Info("queue garbage collected", "deleted", total)
	}
	return total, nil
}

// RefreshQueueDepth обновляет gauge глубины очереди по партициям.
func (r *Reaper) RefreshQueueDepth(ctx context.Context) error {
	stats, err := r.svc.QueueStats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	telemetry.SetQueueDepth(stats)
	return nil
}
