package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Root — корневая команда conveyor и общие для подкоманд зависимости.
type Root struct {
	Cmd *cobra.Command

	loadConfig func() (config.Config, error)
	app        *App

	jsonOutput bool
	verbose    bool
	dbDriver   string
	dbURL      string

	out    io.Writer
	errOut io.Writer
}

// NewRoot собирает дерево команд. loadConfig обычно config.Load;
// флаги --db-driver и --db-url переопределяют значения из окружения.
func NewRoot(version string, loadConfig func() (config.Config, error)) *Root {
	r := &Root{
		loadConfig: loadConfig,
		out:        os.Stdout,
		errOut:     os.Stderr,
	}

	r.Cmd = &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor — workload dispatch admin tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := r.Cmd.PersistentFlags()
	flags.BoolVar(&r.jsonOutput, "json", false, "Output in JSON format")
	flags.BoolVarP(&r.verbose, "verbose", "v", false, "Log at LOG_LEVEL instead of WARN")
	flags.StringVar(&r.dbDriver, "db-driver", "", "Override DB_DRIVER (postgres, sqlite)")
	flags.StringVar(&r.dbURL, "db-url", "", "Override DB_URL")

	r.Cmd.AddCommand(
		NewWorkloadCmd(r.openApp, r.output),
		NewQueueCmd(r.openApp, r.output),
		NewMigrateCmd(r.openApp, r.output),
		NewTopologyCmd(r.openApp, r.output),
		NewWatchCmd(r.openApp, r.output),
	)

	return r
}

// SetOutput перенаправляет stdout/stderr команд (используется в тестах).
func (r *Root) SetOutput(out, errOut io.Writer) {
	r.out = out
	r.errOut = errOut
	r.Cmd.SetOut(out)
	r.Cmd.SetErr(errOut)
}

// Execute выполняет команду и закрывает открытые соединения.
func (r *Root) Execute(ctx context.Context, args []string) error {
	r.Cmd.SetArgs(args)
	defer func() {
		if r.app != nil {
			r.app.Close()
			r.app = nil
		}
	}()
	return r.Cmd.ExecuteContext(ctx)
}

func (r *Root) output() *Output {
	return &Output{jsonMode: r.jsonOutput, w: r.out, errW: r.errOut}
}

// logger пишет в stderr: WARN по умолчанию, LOG_LEVEL при --verbose.
func (r *Root) logger(cfg config.Config) *slog.Logger {
	level := "WARN"
	if r.verbose {
		level = cfg.LogLevel
	}
	return telemetry.NewLogger(r.errOut, level, "text")
}

func (r *Root) openApp(ctx context.Context) (*App, error) {
	if r.app != nil {
		return r.app, nil
	}

	cfg, err := r.loadConfig()
	if err != nil {
		return nil, err
	}
	if r.dbDriver != "" {
		cfg.DBDriver = r.dbDriver
	}
	if r.dbURL != "" {
		cfg.DBURL = r.dbURL
	}

	app, err := OpenApp(ctx, cfg, r.logger(cfg))
	if err != nil {
		return nil, err
	}
	r.app = app
	return app, nil
}
