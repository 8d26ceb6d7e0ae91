// Package worker — reference-реализация поллера dataplane.
//
// # Обзор
//
// Worker забирает workloads своей dataplane-группы из очереди и выполняет их.
// Несколько воркеров могут работать с одной группой одновременно: выдачу
// и переходы статусов координирует хранилище, локальных блокировок нет.
//
//	w := worker.New(worker.Config{
//	    Service:        svc,
//	    Registry:       registry,
//	    Conn:           mqConn,
//	    DataplaneID:    "dp-1",
//	    DataplaneGroup: "us",
//	    Logger:         logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Обработка workload
//
//  1. Poll — до BatchSize workloads с арендой элемента очереди
//  2. Claim — no-match означает, что workload уже забран или завершён
//  3. Поиск executor'а по типу; неизвестный тип → Fail
//  4. Launch → Running
//  5. Execute с горутиной heartbeat; heartbeat no-match отменяет выполнение
//  6. Succeed или Fail(reason, "worker")
//  7. Ack, если workload в терминальном статусе
//
// Нетерминальный workload не подтверждается: элемент очереди вернётся
// после истечения аренды, а зависший workload найдёт reaper по deadline.
//
// # Executor
//
//	type Executor interface {
//	    Execute(ctx context.Context, w *domain.Workload) (*ExecutionResult, error)
//	}
//
// Реализации:
//   - ProcessExecutor — локальная команда; inputPayload на stdin
//   - DelayExecutor — задержка (dev, тесты)
//
// Ошибки бывают двух уровней: инфраструктурные (error от
// Execute) и логические (ExecutionResult.Error). Обе приводят к Fail.
package worker
