package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueItem — конверт, через который workload раздаётся поллерам.
//
// Создаётся один раз на workload при enqueue. Пока now < PollDeadline,
// элемент невидим для новых poll (арендован). После ack больше не выдаётся
// и удаляется reaper'ом по истечении retention.
type QueueItem struct {
	ID             uuid.UUID  `json:"id"`
	WorkloadID     string     `json:"workload_id"`
	DataplaneGroup string     `json:"dataplane_group"`
	Priority       int        `json:"priority"`
	PollDeadline   time.Time  `json:"poll_deadline"`
	AckedAt        *time.Time `json:"acked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsAcked возвращает true, если элемент подтверждён.
func (q *QueueItem) IsAcked() bool {
	return q.AckedAt != nil
}

// IsLeased возвращает true, если аренда ещё не истекла.
func (q *QueueItem) IsLeased(now time.Time) bool {
	return !now.After(q.PollDeadline)
}

// QueueStats — количество доступных к выдаче элементов в логической очереди
// (dataplane group × priority).
type QueueStats struct {
	DataplaneGroup string `json:"dataplane_group"`
	Priority       int    `json:"priority"`
	EnqueuedCount  int    `json:"enqueued_count"`
}
