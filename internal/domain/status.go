package domain

import (
	"errors"
	"fmt"
)

// Ошибки разбора перечислений.
var (
	// ErrUnknownStatus — строка не соответствует ни одному WorkloadStatus.
	ErrUnknownStatus = errors.New("unknown workload status")

	// ErrUnknownType — строка не соответствует ни одному WorkloadType.
	ErrUnknownType = errors.New("unknown workload type")
)

// WorkloadStatus — статус workload.
//
// Жизненный цикл:
//
//	pending → claimed → launched → running → success
//	                                       ↘ failure
//	(из любого нетерминального) → cancelled | failure | success
type WorkloadStatus string

const (
	// StatusPending — workload создан и ждёт, пока его заберёт dataplane.
	StatusPending WorkloadStatus = "pending"

	// StatusClaimed — workload закреплён за конкретным dataplane.
	StatusClaimed WorkloadStatus = "claimed"

	// StatusLaunched — launcher запустил процесс для workload.
	StatusLaunched WorkloadStatus = "launched"

	// StatusRunning — процесс выполняется и присылает heartbeat.
	StatusRunning WorkloadStatus = "running"

	// StatusSuccess — workload успешно завершён.
	StatusSuccess WorkloadStatus = "success"

	// StatusFailure — workload завершился с ошибкой.
	StatusFailure WorkloadStatus = "failure"

	// StatusCancelled — workload отменён.
	StatusCancelled WorkloadStatus = "cancelled"
)

// AllStatuses — все статусы в порядке жизненного цикла.
var AllStatuses = []WorkloadStatus{
	StatusPending,
	StatusClaimed,
	StatusLaunched,
	StatusRunning,
	StatusSuccess,
	StatusFailure,
	StatusCancelled,
}

// ActiveStatuses — нетерминальные статусы.
var ActiveStatuses = []WorkloadStatus{
	StatusPending,
	StatusClaimed,
	StatusLaunched,
	StatusRunning,
}

// TerminalStatuses — финальные статусы, из которых переходов нет.
var TerminalStatuses = []WorkloadStatus{
	StatusSuccess,
	StatusFailure,
	StatusCancelled,
}

// IsTerminal возвращает true, если статус финальный.
func (s WorkloadStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление WorkloadStatus.
func (s WorkloadStatus) String() string {
	return string(s)
}

// ParseWorkloadStatus парсит строку в WorkloadStatus.
func ParseWorkloadStatus(s string) (WorkloadStatus, error) {
	for _, status := range AllStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// ParseWorkloadStatuses парсит список строк, останавливаясь на первой ошибке.
func ParseWorkloadStatuses(values []string) ([]WorkloadStatus, error) {
	if len(values) == 0 {
		return nil, nil
	}
	statuses := make([]WorkloadStatus, 0, len(values))
	for _, v := range values {
		status, err := ParseWorkloadStatus(v)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
