package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/clock"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Источники завершения, которые проставляет сама система.
const (
	SourceWorkloadService = "workload-service"
	SourceWorkloadMonitor = "workload-monitor"
	SourceWorker          = "worker"
)

// Ограничения на входные данные.
const (
	MaxIDLength  = 255
	MaxPollBatch = 1000
)

// Service — точка входа для producer'ов, поллеров и reaper'а.
type Service struct {
	workloads repo.WorkloadStore
	queue     repo.QueueStore
	notifier  Notifier
	clock     clock.Clock

	leaseDuration time.Duration
	logger        *slog.Logger
}

// Config — конфигурация Service.
type Config struct {
	Workloads repo.WorkloadStore
	Queue     repo.QueueStore

	// Notifier опционален: без него события не рассылаются.
	Notifier Notifier

	// Clock — источник времени для дедлайнов (default: clock.System).
	Clock clock.Clock

	// LeaseDuration — аренда по умолчанию для Poll (default: 300s).
	LeaseDuration time.Duration

	Logger *slog.Logger
}

// New создаёт новый Service.
func New(cfg Config) *Service {
	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = repo.DefaultLeaseDuration
	}

	c := cfg.Clock
	if c == nil {
		c = clock.System{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		workloads:     cfg.Workloads,
		queue:         cfg.Queue,
		notifier:      cfg.Notifier,
		clock:         c,
		leaseDuration: leaseDuration,
		logger:        logger,
	}
}

// CreateRequest — параметры создания workload.
type CreateRequest struct {
	ID             string
	Type           domain.WorkloadType
	DataplaneGroup string
	Priority       int
	MutexKey       string
	Labels         []domain.Label
	InputPayload   string
	LogPath        string
	SignalInput    string
	WorkspaceID    *uuid.UUID
	OrganizationID *uuid.UUID

	// Deadline — необязательный срок для pending workload: если его никто
	// не заберёт, reaper увидит его как просроченный.
	Deadline *time.Time
}

func (r CreateRequest) validate() error {
	if err := validateID(r.ID); err != nil {
		return err
	}
	if _, err := domain.ParseWorkloadType(string(r.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !domain.ValidPriority(r.Priority) {
		return fmt.Errorf("%w: priority %d", ErrInvalidArgument, r.Priority)
	}
	seen := make(map[string]struct{}, len(r.Labels))
	for _, l := range r.Labels {
		if l.Key == "" {
			return fmt.Errorf("%w: empty label key", ErrInvalidArgument)
		}
		if _, dup := seen[l.Key]; dup {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalidArgument, l.Key)
		}
		seen[l.Key] = struct{}{}
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty workload id", ErrInvalidArgument)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: workload id longer than %d", ErrInvalidArgument, MaxIDLength)
	}
	return nil
}

// Create создаёт workload и ставит его в очередь одной транзакцией.
// Ошибка хранилища не оставляет следов, и вызов можно повторить.
//
// Если задан MutexKey, после вставки все другие активные workloads с тем же
// ключом переводятся в failure.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Workload, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	logger := telemetry.WithWorkloadID(s.logger, req.ID)

	labels := append([]domain.Label(nil), req.Labels...)
	domain.SortLabels(labels)

	w := &domain.Workload{
		ID:             req.ID,
		Type:           req.Type,
		Status:         domain.StatusPending,
		DataplaneGroup: req.DataplaneGroup,
		Priority:       req.Priority,
		MutexKey:       req.MutexKey,
		Labels:         labels,
		InputPayload:   req.InputPayload,
		LogPath:        req.LogPath,
		SignalInput:    req.SignalInput,
		WorkspaceID:    req.WorkspaceID,
		OrganizationID: req.OrganizationID,
		Deadline:       req.Deadline,
	}
	if _, err := s.workloads.CreateEnqueued(ctx, w); err != nil {
		return nil, err
	}

	telemetry.WorkloadsCreated.WithLabelValues(string(w.Type)).Inc()
	logger.Info("workload created",
		"type", w.Type,
		"dataplane_group", w.DataplaneGroup,
		"priority", w.Priority,
	)

	if w.MutexKey != "" {
		s.supersede(ctx, w.ID, w.MutexKey)
	}

	if s.notifier != nil {
		if err := s.notifier.PublishWorkloadEnqueued(ctx, w); err != nil {
			logger.Warn("failed to publish enqueued hint", "error", err)
		}
	}
	return w, nil
}

// supersede переводит в failure активные workloads с тем же mutex key,
// кроме newID. Новый workload уже сохранён, поэтому ошибки только логируются.
func (s *Service) supersede(ctx context.Context, newID, mutexKey string) {
	logger := s.logger.With("mutex_key", mutexKey, "superseded_by", newID)

	active, err := s.workloads.SearchByMutexKeyAndStatusInList(ctx, mutexKey, domain.ActiveStatuses)
	if err != nil {
		logger.Error("failed to search workloads by mutex key", "error", err)
		return
	}

	reason := "superseded by " + newID
	for _, old := range active {
		if old.ID == newID {
			continue
		}
		if _, ok, err := s.Fail(ctx, old.ID, reason, SourceWorkloadService); err != nil {
			logger.Warn("failed to supersede workload", "workload_id", old.ID, "error", err)
		} else if ok {
			telemetry.WorkloadsSuperseded.Inc()
			logger.Info("workload superseded", "workload_id", old.ID)
		}
	}
}

// Get возвращает workload по id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Workload, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return s.workloads.GetByID(ctx, id)
}

// --- State machine ---

// Claim закрепляет workload за dataplane.
func (s *Service) Claim(ctx context.Context, id, dataplaneID string, deadline time.Time) (*domain.Workload, bool, error) {
	if dataplaneID == "" {
		return nil, false, fmt.Errorf("%w: empty dataplane id", ErrInvalidArgument)
	}
	return s.apply(ctx, domain.OpClaim, id, func() (*domain.Workload, bool, error) {
		return s.workloads.Claim(ctx, id, dataplaneID, deadline)
	})
}

// Launch отмечает, что процесс для workload запущен.
func (s *Service) Launch(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error) {
	return s.apply(ctx, domain.OpLaunch, id, func() (*domain.Workload, bool, error) {
		return s.workloads.Launch(ctx, id, deadline)
	})
}

// Running отмечает, что workload выполняется.
func (s *Service) Running(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error) {
	return s.apply(ctx, domain.OpRunning, id, func() (*domain.Workload, bool, error) {
		return s.workloads.Running(ctx, id, deadline)
	})
}

// Heartbeat продлевает deadline. ok == false означает, что workload
// отменён или завершён кем-то другим: исполнитель должен остановиться.
func (s *Service) Heartbeat(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error) {
	return s.apply(ctx, domain.OpHeartbeat, id, func() (*domain.Workload, bool, error) {
		return s.workloads.Heartbeat(ctx, id, deadline)
	})
}

// Succeed завершает workload успешно.
func (s *Service) Succeed(ctx context.Context, id string) (*domain.Workload, bool, error) {
	return s.apply(ctx, domain.OpSucceed, id, func() (*domain.Workload, bool, error) {
		return s.workloads.Succeed(ctx, id)
	})
}

// Fail завершает workload с ошибкой.
func (s *Service) Fail(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error) {
	return s.apply(ctx, domain.OpFail, id, func() (*domain.Workload, bool, error) {
		return s.workloads.Fail(ctx, id, reason, source)
	})
}

// Cancel отменяет workload. Работающий процесс не прерывается: он узнает
// об отмене по неудачному heartbeat.
func (s *Service) Cancel(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error) {
	return s.apply(ctx, domain.OpCancel, id, func() (*domain.Workload, bool, error) {
		return s.workloads.Cancel(ctx, id, reason, source)
	})
}

func (s *Service) apply(ctx context.Context, op domain.Op, id string, fn func() (*domain.Workload, bool, error)) (*domain.Workload, bool, error) {
	if err := validateID(id); err != nil {
		return nil, false, err
	}

	w, ok, err := fn()
	telemetry.RecordTransition(string(op), ok, err)

	logger := telemetry.WithWorkloadID(s.logger, id)
	switch {
	case err != nil:
		logger.Error("workload transition failed", "op", op, "error", err)
		return nil, false, err
	case !ok:
		logger.Debug("workload transition not applied", "op", op)
		return nil, false, nil
	}

	logger.Debug("workload transition applied", "op", op, "status", w.Status)
	if op.IsTerminalOp() && s.notifier != nil {
		if err := s.notifier.PublishWorkloadTerminal(ctx, w); err != nil {
			logger.Warn("failed to publish terminal signal", "error", err)
		}
	}
	return w, true, nil
}

// --- Search ---

// Search возвращает workloads по фильтру.
func (s *Service) Search(ctx context.Context, filter repo.SearchFilter) ([]domain.Workload, error) {
	return s.workloads.Search(ctx, filter)
}

// SearchForExpired возвращает нетерминальные workloads с истёкшим deadline.
func (s *Service) SearchForExpired(ctx context.Context, dataplaneIDs []string, statuses []domain.WorkloadStatus, deadline time.Time) ([]domain.Workload, error) {
	return s.workloads.SearchForExpired(ctx, dataplaneIDs, statuses, deadline)
}

// SearchByMutexKeyAndStatusInList возвращает workloads с заданным mutex key.
func (s *Service) SearchByMutexKeyAndStatusInList(ctx context.Context, mutexKey string, statuses []domain.WorkloadStatus) ([]domain.Workload, error) {
	if mutexKey == "" {
		return nil, fmt.Errorf("%w: empty mutex key", ErrInvalidArgument)
	}
	return s.workloads.SearchByMutexKeyAndStatusInList(ctx, mutexKey, statuses)
}

// SearchByTypeStatusAndCreatedBefore — выборка по типам и статусам среди
// созданных раньше createdBefore (например, зависшие в running sync).
func (s *Service) SearchByTypeStatusAndCreatedBefore(ctx context.Context, types []domain.WorkloadType, statuses []domain.WorkloadStatus, createdBefore time.Time) ([]domain.Workload, error) {
	return s.workloads.Search(ctx, repo.SearchFilter{
		Types:         types,
		Statuses:      statuses,
		CreatedBefore: &createdBefore,
	})
}

// --- Queue ---

// PollRequest — параметры Poll.
type PollRequest struct {
	DataplaneGroup *string
	Priority       *int
	Quantity       int

	// LeaseDuration — 0 означает значение из конфигурации.
	LeaseDuration time.Duration
}

// Poll выдаёт готовые workloads. Quantity приводится к [1, MaxPollBatch].
func (s *Service) Poll(ctx context.Context, req PollRequest) ([]domain.Workload, error) {
	quantity := min(max(req.Quantity, 1), MaxPollBatch)
	lease := req.LeaseDuration
	if lease <= 0 {
		lease = s.leaseDuration
	}
	if req.Priority != nil && !domain.ValidPriority(*req.Priority) {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidArgument, *req.Priority)
	}

	started := time.Now()
	workloads, err := s.queue.Poll(ctx, repo.PollParams{
		DataplaneGroup: req.DataplaneGroup,
		Priority:       req.Priority,
		Quantity:       quantity,
		LeaseDuration:  lease,
	})
	telemetry.QueuePollDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}

	for _, w := range workloads {
		telemetry.QueuePolled.WithLabelValues(w.DataplaneGroup).Inc()
	}
	return workloads, nil
}

// Ack подтверждает элемент очереди workload. Идемпотентен.
func (s *Service) Ack(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return s.queue.Ack(ctx, id)
}

// CountEnqueued — число доступных к выдаче элементов.
func (s *Service) CountEnqueued(ctx context.Context, dataplaneGroup *string, priority *int) (int, error) {
	return s.queue.CountEnqueued(ctx, dataplaneGroup, priority)
}

// QueueStats — число доступных элементов по партициям.
func (s *Service) QueueStats(ctx context.Context) ([]domain.QueueStats, error) {
	return s.queue.EnqueuedStatsByPartition(ctx)
}

// CleanUpAckedEntries удаляет старые подтверждённые элементы очереди.
func (s *Service) CleanUpAckedEntries(ctx context.Context, deletionLimit int) (int, error) {
	if deletionLimit <= 0 {
		return 0, fmt.Errorf("%w: deletion limit %d", ErrInvalidArgument, deletionLimit)
	}
	n, err := s.queue.CleanUpAckedEntries(ctx, deletionLimit)
	if err != nil {
		return 0, err
	}
	telemetry.QueueGCDeleted.Add(float64(n))
	return n, nil
}

// Now — текущее время по часам сервиса; воркеры считают дедлайны от него.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// IsNotFound сообщает, что workload отсутствует.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
