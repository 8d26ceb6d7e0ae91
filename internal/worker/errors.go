package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownType — нет executor'а для типа workload.
	ErrUnknownType = errors.New("unknown workload type")

	// ErrCancelled — workload отменён или завершён извне (heartbeat не применился).
	ErrCancelled = errors.New("workload cancelled externally")

	// ErrEmptyCommand — для типа задана пустая команда.
	ErrEmptyCommand = errors.New("empty command")
)
