// Package reaper следит за зависшими workloads и чистит очередь.
//
// Задачи:
//   - CheckExpired — нетерминальные workloads с deadline в прошлом:
//     уведомление workload.expired (notify) или перевод в failure (fail)
//   - CollectGarbage — удаление подтверждённых элементов очереди
//     старше retention, пачками
//   - RefreshQueueDepth — gauge conveyor_queue_depth по партициям
//
// Задачи запускаются по cron-расписанию. Если запущено несколько reaper'ов
// на одном Postgres, работает только держатель pg_try_advisory_lock
// (см. AdvisoryLock); остальные пропускают тики.
//
//	r, err := reaper.New(reaper.Config{
//	    Service:  svc,
//	    Notifier: publisher,
//	    Leader:   reaper.NewAdvisoryLock(pool, cfg.Reaper.LeaderLockKey, cfg.Reaper.LeaderRetryEvery),
//	    Logger:   logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := r.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Stop()
package reaper
