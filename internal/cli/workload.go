package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/workload"
)

// SourceCLI — terminationSource для fail/cancel из CLI по умолчанию.
const SourceCLI = "cli"

// ErrNotApplied — переход не применился: workload не в допустимом статусе.
var ErrNotApplied = errors.New("transition not applied")

// AppFunc лениво открывает App (один раз на процесс).
type AppFunc func(ctx context.Context) (*App, error)

// NewWorkloadCmd создаёт группу команд для управления workloads.
func NewWorkloadCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workload",
		Aliases: []string{"wl"},
		Short:   "Manage workloads",
	}

	cmd.AddCommand(
		newWorkloadCreateCmd(appFn, outputFn),
		newWorkloadGetCmd(appFn, outputFn),
		newWorkloadListCmd(appFn, outputFn),
		newWorkloadExpiredCmd(appFn, outputFn),
		newWorkloadMutexCmd(appFn, outputFn),
		newWorkloadClaimCmd(appFn, outputFn),
		newDeadlineTransitionCmd(appFn, outputFn, "launch", "Mark a claimed workload as launched"),
		newDeadlineTransitionCmd(appFn, outputFn, "running", "Mark a launched workload as running"),
		newDeadlineTransitionCmd(appFn, outputFn, "heartbeat", "Extend the deadline of a running workload"),
		newWorkloadSucceedCmd(appFn, outputFn),
		newTerminateCmd(appFn, outputFn, "fail", "Fail a workload"),
		newTerminateCmd(appFn, outputFn, "cancel", "Cancel a workload"),
	)

	return cmd
}

func newWorkloadCreateCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	var (
		id, typ, group, mutexKey    string
		input, inputFile, logPath   string
		signalInput                 string
		workspaceID, organizationID string
		priority                    int
		deadlineIn                  time.Duration
		labels                      map[string]string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and enqueue a workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := appFn(ctx)
			if err != nil {
				return err
			}
			out := outputFn()

			wt, err := domain.ParseWorkloadType(typ)
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}
			if inputFile != "" {
				data, err := readInput(inputFile)
				if err != nil {
					return err
				}
				input = string(data)
			}

			req := workload.CreateRequest{
				ID:             id,
				Type:           wt,
				DataplaneGroup: group,
				Priority:       priority,
				MutexKey:       mutexKey,
				Labels:         labelsFromMap(labels),
				InputPayload:   input,
				LogPath:        logPath,
				SignalInput:    signalInput,
			}
			if req.WorkspaceID, err = parseOptionalUUID(workspaceID); err != nil {
				return fmt.Errorf("--workspace-id: %w", err)
			}
			if req.OrganizationID, err = parseOptionalUUID(organizationID); err != nil {
				return fmt.Errorf("--organization-id: %w", err)
			}
			if deadlineIn > 0 {
				d := app.Service.Now().Add(deadlineIn)
				req.Deadline = &d
			}

			w, err := app.Service.Create(ctx, req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workload created: %s", w.ID))
			out.Workload(w)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Workload ID (default: random UUID)")
	cmd.Flags().StringVar(&typ, "type", "", "Workload type: check, discover, spec, sync (required)")
	cmd.Flags().StringVar(&group, "group", "default", "Dataplane group")
	cmd.Flags().IntVar(&priority, "priority", domain.PriorityDefault, "Priority: 0 (default) or 1 (high)")
	cmd.Flags().StringVar(&mutexKey, "mutex-key", "", "Mutex key; active workloads with the same key are superseded")
	cmd.Flags().StringToStringVar(&labels, "label", nil, "Label key=value (repeatable)")
	cmd.Flags().StringVar(&input, "input", "", "Input payload")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "Read input payload from file (- for stdin)")
	cmd.Flags().StringVar(&logPath, "log-path", "", "Blob key for workload output")
	cmd.Flags().StringVar(&signalInput, "signal-input", "", "Payload forwarded with the terminal signal")
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "Workspace UUID")
	cmd.Flags().StringVar(&organizationID, "organization-id", "", "Organization UUID")
	cmd.Flags().DurationVar(&deadlineIn, "deadline", 0, "Pending deadline relative to now (e.g. 1h)")
	cmd.MarkFlagRequired("type")

	return cmd
}

func newWorkloadGetCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show workload details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			w, err := app.Service.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			outputFn().Workload(w)
			return nil
		},
	}
}

func newWorkloadListCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	var (
		statuses, types, dataplanes  []string
		createdBefore, updatedBefore string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Search workloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			filter := repo.SearchFilter{DataplaneIDs: dataplanes}
			if filter.Statuses, err = domain.ParseWorkloadStatuses(statuses); err != nil {
				return err
			}
			if filter.Types, err = parseTypes(types); err != nil {
				return err
			}
			if filter.CreatedBefore, err = parseOptionalTime(createdBefore); err != nil {
				return fmt.Errorf("--created-before: %w", err)
			}
			if filter.UpdatedBefore, err = parseOptionalTime(updatedBefore); err != nil {
				return fmt.Errorf("--updated-before: %w", err)
			}

			ws, err := app.Service.Search(cmd.Context(), filter)
			if err != nil {
				return err
			}
			outputFn().Workloads(ws)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Filter by type (repeatable)")
	cmd.Flags().StringSliceVar(&dataplanes, "dataplane", nil, "Filter by dataplane ID (repeatable)")
	cmd.Flags().StringVar(&createdBefore, "created-before", "", "RFC3339 timestamp")
	cmd.Flags().StringVar(&updatedBefore, "updated-before", "", "RFC3339 timestamp")

	return cmd
}

func newWorkloadExpiredCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	var statuses, dataplanes []string

	cmd := &cobra.Command{
		Use:   "expired",
		Short: "List non-terminal workloads whose deadline has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			sts := domain.ActiveStatuses
			if len(statuses) > 0 {
				if sts, err = domain.ParseWorkloadStatuses(statuses); err != nil {
					return err
				}
			}

			ws, err := app.Service.SearchForExpired(cmd.Context(), dataplanes, sts, app.Service.Now())
			if err != nil {
				return err
			}
			outputFn().Workloads(ws)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Statuses to check (default: all non-terminal)")
	cmd.Flags().StringSliceVar(&dataplanes, "dataplane", nil, "Filter by dataplane ID (repeatable)")

	return cmd
}

func newWorkloadMutexCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "mutex <key>",
		Short: "List workloads holding a mutex key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			sts := domain.ActiveStatuses
			if len(statuses) > 0 {
				if sts, err = domain.ParseWorkloadStatuses(statuses); err != nil {
					return err
				}
			}

			ws, err := app.Service.SearchByMutexKeyAndStatusInList(cmd.Context(), args[0], sts)
			if err != nil {
				return err
			}
			outputFn().Workloads(ws)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Statuses (default: all non-terminal)")
	return cmd
}

func newWorkloadClaimCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	var dataplaneID string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a pending workload for a dataplane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			w, ok, err := app.Service.Claim(cmd.Context(), args[0], dataplaneID, app.Service.Now().Add(timeout))
			return printTransition(outputFn(), "claim", args[0], w, ok, err)
		},
	}

	cmd.Flags().StringVar(&dataplaneID, "dataplane", "", "Dataplane ID (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Deadline relative to now")
	cmd.MarkFlagRequired("dataplane")
	return cmd
}

// newDeadlineTransitionCmd — launch, running и heartbeat: переход с новым deadline.
func newDeadlineTransitionCmd(appFn AppFunc, outputFn func() *Output, op, short string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   op + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			apply := app.Service.Heartbeat
			switch op {
			case "launch":
				apply = app.Service.Launch
			case "running":
				apply = app.Service.Running
			}

			w, ok, err := apply(cmd.Context(), args[0], app.Service.Now().Add(timeout))
			return printTransition(outputFn(), op, args[0], w, ok, err)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Deadline relative to now")
	return cmd
}

func newWorkloadSucceedCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "succeed <id>",
		Short: "Complete a running workload successfully",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			w, ok, err := app.Service.Succeed(cmd.Context(), args[0])
			return printTransition(outputFn(), "succeed", args[0], w, ok, err)
		},
	}
}

// newTerminateCmd — fail и cancel: терминальный переход с причиной и источником.
func newTerminateCmd(appFn AppFunc, outputFn func() *Output, op, short string) *cobra.Command {
	var reason, source string

	cmd := &cobra.Command{
		Use:   op + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			apply := app.Service.Fail
			if op == "cancel" {
				apply = app.Service.Cancel
			}

			w, ok, err := apply(cmd.Context(), args[0], reason, source)
			return printTransition(outputFn(), op, args[0], w, ok, err)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Termination reason")
	cmd.Flags().StringVar(&source, "source", SourceCLI, "Termination source")
	return cmd
}

func printTransition(out *Output, op, id string, w *domain.Workload, ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotApplied)
	}
	out.Success(fmt.Sprintf("Workload %s: %s applied, status %s", id, op, w.Status))
	out.Workload(w)
	return nil
}

// --- Flag parsing ---

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}

func labelsFromMap(m map[string]string) []domain.Label {
	if len(m) == 0 {
		return nil
	}
	labels := make([]domain.Label, 0, len(m))
	for k, v := range m {
		labels = append(labels, domain.Label{Key: k, Value: v})
	}
	domain.SortLabels(labels)
	return labels
}

func parseTypes(values []string) ([]domain.WorkloadType, error) {
	if len(values) == 0 {
		return nil, nil
	}
	types := make([]domain.WorkloadType, 0, len(values))
	for _, v := range values {
		t, err := domain.ParseWorkloadType(v)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func parseOptionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
