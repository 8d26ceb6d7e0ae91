package workload

import (
	"context"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Notifier рассылает события о workloads. Доставка best-effort:
// ошибка публикации логируется и не отменяет уже применённую операцию.
type Notifier interface {
	// PublishWorkloadEnqueued — подсказка поллерам группы, что появилась работа.
	PublishWorkloadEnqueued(ctx context.Context, w *domain.Workload) error

	// PublishWorkloadTerminal — сигнал о переходе в терминальный статус.
	PublishWorkloadTerminal(ctx context.Context, w *domain.Workload) error
}

// BlobStore — хранилище крупных данных (логи, состояние, вывод команд),
// адресуемых по ключу, производному от workload id. Очередь его не использует.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}
