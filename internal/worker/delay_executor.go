package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// DelayExecutor ждёт Duration и завершается успешно. Нужен для dev-окружения
// и тестов, где настоящий процесс не нужен.
type DelayExecutor struct {
	Duration time.Duration
}

// Execute выполняет задержку. Отмена ctx прерывает ожидание.
func (e *DelayExecutor) Execute(ctx context.Context, w *domain.Workload) (*ExecutionResult, error) {
	d := e.Duration
	if d <= 0 {
		d = time.Second
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &ExecutionResult{
			Output: fmt.Appendf(nil, "workload %s delayed %s\n", w.ID, d),
		}, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
