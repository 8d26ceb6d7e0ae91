package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Executor выполняет workload конкретного типа.
//
// ctx отменяется, когда heartbeat перестаёт применяться (workload отменён
// или просрочен) или воркер останавливается.
type Executor interface {
	Execute(ctx context.Context, w *domain.Workload) (*ExecutionResult, error)
}

// ExecutorFunc позволяет использовать функцию как Executor.
type ExecutorFunc func(ctx context.Context, w *domain.Workload) (*ExecutionResult, error)

// Execute вызывает f(ctx, w).
func (f ExecutorFunc) Execute(ctx context.Context, w *domain.Workload) (*ExecutionResult, error) {
	return f(ctx, w)
}

// ExecutionResult — результат выполнения workload.
type ExecutionResult struct {
	// Output — вывод процесса (сохраняется в BlobStore по LogPath, если он задан).
	Output []byte

	// Error — логическая ошибка выполнения (ненулевой exit code и т.п.).
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Registry — реестр executor'ов по типу workload.
type Registry struct {
	executors map[domain.WorkloadType]Executor
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.WorkloadType]Executor)}
}

// Register добавляет executor для типа workload.
func (r *Registry) Register(t domain.WorkloadType, executor Executor) {
	r.executors[t] = executor
}

// Get возвращает executor для типа workload.
func (r *Registry) Get(t domain.WorkloadType) (Executor, error) {
	executor, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return executor, nil
}

// Types возвращает зарегистрированные типы в отсортированном порядке.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, string(t))
	}
	sort.Strings(types)
	return types
}

// NewRegistryFromConfig собирает реестр из настроек воркера: ProcessExecutor
// для каждой пары тип=команда и DelayExecutor для delayTypes.
func NewRegistryFromConfig(commands map[string]string, delayTypes []string, delay time.Duration) (*Registry, error) {
	r := NewRegistry()
	for typ, command := range commands {
		t, err := domain.ParseWorkloadType(typ)
		if err != nil {
			return nil, err
		}
		r.Register(t, &ProcessExecutor{Command: command})
	}
	for _, typ := range delayTypes {
		t, err := domain.ParseWorkloadType(typ)
		if err != nil {
			return nil, err
		}
		if _, exists := r.executors[t]; exists {
			return nil, fmt.Errorf("type %s has both a command and a delay executor", t)
		}
		r.Register(t, &DelayExecutor{Duration: delay})
	}
	if len(r.executors) == 0 {
		return nil, errors.New("no executors configured (WORKER_COMMANDS, WORKER_DELAY_TYPES)")
	}
	return r, nil
}
