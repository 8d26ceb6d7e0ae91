package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/clock"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Значения по умолчанию для очереди.
const (
	DefaultLeaseDuration = 300 * time.Second
	DefaultAckRetention  = 7 * 24 * time.Hour
)

// WorkloadStore — хранилище workloads и state machine поверх него.
//
// Каждый переход — один атомарный UPDATE с guard'ом по текущему статусу.
// Результат (nil, false, nil) означает «guard не совпал»: кто-то уже
// перевёл workload, либо workload не существует. Ошибка возвращается
// только при проблемах с самим хранилищем.
type WorkloadStore interface {
	Create(ctx context.Context, w *domain.Workload) error
	// CreateEnqueued атомарно создаёт workload и его элемент очереди.
	CreateEnqueued(ctx context.Context, w *domain.Workload) (*domain.QueueItem, error)
	GetByID(ctx context.Context, id string) (*domain.Workload, error)
	Exists(ctx context.Context, id string) (bool, error)

	Search(ctx context.Context, filter SearchFilter) ([]domain.Workload, error)
	SearchForExpired(ctx context.Context, dataplaneIDs []string, statuses []domain.WorkloadStatus, deadline time.Time) ([]domain.Workload, error)
	SearchByMutexKeyAndStatusInList(ctx context.Context, mutexKey string, statuses []domain.WorkloadStatus) ([]domain.Workload, error)

	Claim(ctx context.Context, id, dataplaneID string, deadline time.Time) (*domain.Workload, bool, error)
	Launch(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error)
	Running(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error)
	Heartbeat(ctx context.Context, id string, deadline time.Time) (*domain.Workload, bool, error)
	Succeed(ctx context.Context, id string) (*domain.Workload, bool, error)
	Fail(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error)
	Cancel(ctx context.Context, id, reason, source string) (*domain.Workload, bool, error)
}

// QueueStore — очередь с арендой (lease) поверх QueueItem.
type QueueStore interface {
	Enqueue(ctx context.Context, workloadID, dataplaneGroup string, priority int) (*domain.QueueItem, error)
	Poll(ctx context.Context, params PollParams) ([]domain.Workload, error)
	Ack(ctx context.Context, workloadID string) error
	GetItem(ctx context.Context, workloadID string) (*domain.QueueItem, error)

	CountEnqueued(ctx context.Context, dataplaneGroup *string, priority *int) (int, error)
	EnqueuedStatsByPartition(ctx context.Context) ([]domain.QueueStats, error)

	CleanUpAckedEntries(ctx context.Context, deletionLimit int) (int, error)
}

// SearchFilter — фильтр для Search. Пустые поля не ограничивают выборку.
type SearchFilter struct {
	DataplaneIDs  []string
	Statuses      []domain.WorkloadStatus
	Types         []domain.WorkloadType
	UpdatedBefore *time.Time
	CreatedBefore *time.Time
}

// PollParams — параметры Poll.
type PollParams struct {
	DataplaneGroup *string
	Priority       *int
	Quantity       int           // default: 1
	LeaseDuration  time.Duration // default: DefaultLeaseDuration
}

func (p PollParams) withDefaults() PollParams {
	if p.Quantity <= 0 {
		p.Quantity = 1
	}
	if p.LeaseDuration <= 0 {
		p.LeaseDuration = DefaultLeaseDuration
	}
	return p
}

// Option настраивает репозитории.
type Option func(*options)

type options struct {
	clock        clock.Clock
	ackRetention time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		clock:        clock.System{},
		ackRetention: DefaultAckRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// now возвращает текущее время с точностью timestamptz.
func (o options) now() time.Time {
	return o.clock.Now().UTC().Truncate(time.Microsecond)
}

// WithClock подменяет источник времени.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithAckRetention задаёт, сколько хранить подтверждённые элементы очереди.
func WithAckRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ackRetention = d
		}
	}
}

// activeOnly оставляет только нетерминальные статусы; пустой вход — все активные.
func activeOnly(statuses []domain.WorkloadStatus) []domain.WorkloadStatus {
	if len(statuses) == 0 {
		return domain.ActiveStatuses
	}
	out := make([]domain.WorkloadStatus, 0, len(statuses))
	for _, s := range statuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// newQueueItem — новый элемент очереди, сразу видимый poll.
func newQueueItem(workloadID, dataplaneGroup string, priority int, now time.Time) *domain.QueueItem {
	return &domain.QueueItem{
		ID:             uuid.New(),
		WorkloadID:     workloadID,
		DataplaneGroup: dataplaneGroup,
		Priority:       priority,
		PollDeadline:   enqueuedPollDeadline(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// enqueuedPollDeadline — poll_deadline нового элемента: в прошлом, чтобы
// элемент сразу был виден poll.
func enqueuedPollDeadline(now time.Time) time.Time {
	return now.Add(-time.Second)
}
