// Package telemetry — логирование и метрики Conveyor.
//
//   - logging.go: slog (JSON или text), логгер в context, атрибуты workload
//   - metrics.go: Prometheus метрики state machine, очереди, reaper и воркера
//   - http.go: /healthz и /metrics для бинарников
package telemetry
