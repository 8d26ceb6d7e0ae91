package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Переменные окружения, которые получает процесс.
const (
	EnvWorkloadID      = "WORKLOAD_ID"
	EnvWorkloadLogPath = "WORKLOAD_LOG_PATH"
	EnvWorkloadType    = "WORKLOAD_TYPE"
)

// maxErrorOutput — сколько последних байт вывода попадает в причину отказа.
const maxErrorOutput = 512

// ProcessExecutor запускает локальную команду.
//
// inputPayload передаётся на stdin, id и путь к логу — через окружение.
// stdout и stderr собираются вместе и возвращаются как Output.
type ProcessExecutor struct {
	// Command — путь к программе и аргументы, разделённые пробелами.
	Command string

	// Env — дополнительные переменные окружения (KEY=VALUE).
	Env []string
}

// Execute запускает команду и ждёт её завершения.
func (e *ProcessExecutor) Execute(ctx context.Context, w *domain.Workload) (*ExecutionResult, error) {
	args := strings.Fields(e.Command)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w for type %s", ErrEmptyCommand, w.Type)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = strings.NewReader(w.InputPayload)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		EnvWorkloadID+"="+w.ID,
		EnvWorkloadLogPath+"="+w.LogPath,
		EnvWorkloadType+"="+string(w.Type),
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger := telemetry.FromContext(ctx).With("command", args[0])
	logger.Debug("starting process")

	err := cmd.Run()
	if ctx.Err() != nil {
		logger.Info("process interrupted", "cause", context.Cause(ctx))
		return &ExecutionResult{Output: out.Bytes()}, context.Cause(ctx)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		logger.Info("process exited with error", "exit_code", exitErr.ExitCode())
		return &ExecutionResult{
			Output: out.Bytes(),
			Error:  fmt.Sprintf("%s: %s", exitErr, tail(out.Bytes(), maxErrorOutput)),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", args[0], err)
	}
	return &ExecutionResult{Output: out.Bytes()}, nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
