package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ParseLevel переводит строку из LOG_LEVEL в slog.Level.
// Возможные значения: DEBUG, INFO, WARN, ERROR (регистр не важен).
// Всё остальное даёт INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger создаёт логгер, пишущий в out.
//
// format:
//   - "json" (по умолчанию) для production
//   - "text" для локального запуска
func NewLogger(out io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// SetupLogger создаёт логгер бинарника service в stdout и делает его глобальным.
func SetupLogger(service, level, format string) *slog.Logger {
	logger := NewLogger(os.Stdout, level, format).With("service", service)
	slog.SetDefault(logger)
	return logger
}

type ctxKey struct{}

// WithLogger кладёт логгер в контекст. Так executor'ы получают логгер
// с атрибутами текущего workload.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithWorkloadID возвращает логгер с добавленным workload_id.
func WithWorkloadID(logger *slog.Logger, workloadID string) *slog.Logger {
	return logger.With("workload_id", workloadID)
}

// WithWorkload добавляет id, тип и dataplane group workload.
func WithWorkload(logger *slog.Logger, w *domain.Workload) *slog.Logger {
	return logger.With(
		"workload_id", w.ID,
		"workload_type", w.Type,
		"dataplane_group", w.DataplaneGroup,
	)
}

// WithDataplaneID возвращает логгер с добавленным dataplane_id.
func WithDataplaneID(logger *slog.Logger, dataplaneID string) *slog.Logger {
	return logger.With("dataplane_id", dataplaneID)
}
