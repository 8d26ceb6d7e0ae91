package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/workload"
)

// Исходы выполнения для метрики ExecutionDuration.
const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeCancelled   = "cancelled"
	outcomeInterrupted = "interrupted"
)

// PollOnce забирает до BatchSize workloads и обрабатывает их параллельно.
// Возвращает число полученных из очереди workloads.
func (w *Worker) PollOnce(ctx context.Context) int {
	workloads, err := w.svc.Poll(ctx, workload.PollRequest{
		DataplaneGroup: &w.dataplaneGroup,
		Priority:       w.priority,
		Quantity:       w.batchSize,
	})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to poll queue", "error", err)
		}
		return 0
	}
	if len(workloads) == 0 {
		return 0
	}

	w.logger.Debug("poll returned workloads", "count", len(workloads))

	var g errgroup.Group
	g.SetLimit(w.batchSize)
	for i := range workloads {
		wl := &workloads[i]
		g.Go(func() error {
			return w.process(ctx, wl)
		})
	}
	if err := g.Wait(); err != nil {
		w.logger.Error("failed to process workload batch", "error", err)
	}
	return len(workloads)
}

// process проводит workload через claim → launch → running → выполнение
// и подтверждает элемент очереди, когда workload оказался в терминальном статусе.
func (w *Worker) process(ctx context.Context, wl *domain.Workload) error {
	logger := telemetry.WithWorkload(w.logger, wl)
	ctx = telemetry.WithLogger(ctx, logger)

	claimed, ok, err := w.svc.Claim(ctx, wl.ID, w.dataplaneID, w.svc.Now().Add(w.claimTimeout))
	if err != nil {
		return fmt.Errorf("claim %s: %w", wl.ID, err)
	}
	if !ok {
		logger.Debug("workload not claimable", "status", wl.Status)
		return w.ackIfTerminal(ctx, wl.ID)
	}

	executor, err := w.registry.Get(claimed.Type)
	if err != nil {
		logger.Warn("no executor for workload type", "type", claimed.Type)
		if err := w.fail(ctx, logger, claimed.ID, err.Error()); err != nil {
			return err
		}
		return w.ackIfTerminal(ctx, claimed.ID)
	}

	if _, ok, err := w.svc.Launch(ctx, claimed.ID, w.svc.Now().Add(w.heartbeatTimeout)); err != nil {
		return fmt.Errorf("launch %s: %w", claimed.ID, err)
	} else if !ok {
		return w.ackIfTerminal(ctx, claimed.ID)
	}
	if _, ok, err := w.svc.Running(ctx, claimed.ID, w.svc.Now().Add(w.heartbeatTimeout)); err != nil {
		return fmt.Errorf("running %s: %w", claimed.ID, err)
	} else if !ok {
		return w.ackIfTerminal(ctx, claimed.ID)
	}

	logger.Info("workload started", "type", claimed.Type)

	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(execCtx, logger, claimed.ID, cancel)
	}()

	started := time.Now()
	result, execErr := executor.Execute(execCtx, claimed)
	cancel(nil)
	<-hbDone

	w.storeOutput(ctx, logger, claimed, result)

	outcome := outcomeSuccess
	switch {
	case ctx.Err() != nil:
		// Воркер останавливается: workload остаётся running, его подберёт reaper.
		outcome = outcomeInterrupted
		logger.Warn("worker stopped during execution")
	case errors.Is(context.Cause(execCtx), ErrCancelled):
		outcome = outcomeCancelled
		logger.Info("workload cancelled externally")
	case execErr != nil:
		outcome = outcomeFailure
		err = w.fail(ctx, logger, claimed.ID, execErr.Error())
	case result != nil && result.Error != "":
		outcome = outcomeFailure
		err = w.fail(ctx, logger, claimed.ID, result.Error)
	default:
		if _, ok, serr := w.svc.Succeed(ctx, claimed.ID); serr != nil {
			err = fmt.Errorf("succeed %s: %w", claimed.ID, serr)
		} else if ok {
			logger.Info("workload succeeded", "duration", time.Since(started))
		}
	}
	telemetry.ExecutionDuration.WithLabelValues(string(claimed.Type), outcome).Observe(time.Since(started).Seconds())

	if err != nil || outcome == outcomeInterrupted {
		return err
	}
	return w.ackIfTerminal(ctx, claimed.ID)
}

// heartbeat продлевает deadline, пока workload выполняется. Если heartbeat
// не применился, workload отменён извне: выполнение прерывается с ErrCancelled.
func (w *Worker) heartbeat(ctx context.Context, logger *slog.Logger, id string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, ok, err := w.svc.Heartbeat(ctx, id, w.svc.Now().Add(w.heartbeatTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("heartbeat failed", "error", err)
			continue
		}
		if !ok {
			cancel(ErrCancelled)
			return
		}
	}
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, id, reason string) error {
	_, ok, err := w.svc.Fail(ctx, id, reason, workload.SourceWorker)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	if ok {
		logger.Warn("workload failed", "reason", reason)
	}
	return nil
}

// ackIfTerminal подтверждает элемент очереди, если workload уже завершён.
// Нетерминальный workload остаётся в очереди и вернётся после истечения аренды.
func (w *Worker) ackIfTerminal(ctx context.Context, id string) error {
	current, err := w.svc.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get %s: %w", id, err)
	}
	if !current.IsFinished() {
		return nil
	}
	if err := w.svc.Ack(ctx, id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// storeOutput сохраняет вывод процесса в BlobStore по LogPath workload.
func (w *Worker) storeOutput(ctx context.Context, logger *slog.Logger, wl *domain.Workload, result *ExecutionResult) {
	if w.blobs == nil || wl.LogPath == "" || result == nil || len(result.Output) == 0 {
		return
	}
	if err := w.blobs.Put(ctx, wl.LogPath, result.Output); err != nil {
		logger.Warn("failed to store workload output", "log_path", wl.LogPath, "error", err)
	}
}
