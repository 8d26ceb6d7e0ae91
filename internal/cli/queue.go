package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/workload"
)

// NewQueueCmd создаёт группу команд для работы с очередью.
func NewQueueCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate the lease queue",
	}

	cmd.AddCommand(
		newQueuePollCmd(appFn, outputFn),
		newQueueAckCmd(appFn, outputFn),
		newQueueCountCmd(appFn, outputFn),
		newQueueStatsCmd(appFn, outputFn),
		newQueueGCCmd(appFn, outputFn),
	)

	return cmd
}

// partitionFlags — необязательные group/priority; пустые значения означают «любой».
type partitionFlags struct {
	group    string
	priority int
}

func (p *partitionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.group, "group", "", "Dataplane group (default: any)")
	cmd.Flags().IntVar(&p.priority, "priority", -1, "Priority (default: any)")
}

func (p *partitionFlags) values() (*string, *int) {
	var group *string
	var priority *int
	if p.group != "" {
		group = &p.group
	}
	if p.priority >= 0 {
		priority = &p.priority
	}
	return group, priority
}

func newQueuePollCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	var part partitionFlags
	var quantity int
	var lease time.Duration

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Lease ready workloads (FIFO within a partition)",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			group, priority := part.values()
			ws, err := app.Service.Poll(cmd.Context(), workload.PollRequest{
				DataplaneGroup: group,
				Priority:       priority,
				Quantity:       quantity,
				LeaseDuration:  lease,
			})
			if err != nil {
				return err
			}
			outputFn().Workloads(ws)
			return nil
		},
	}

	part.register(cmd)
	cmd.Flags().IntVar(&quantity, "quantity", 1, "Maximum number of workloads")
	cmd.Flags().DurationVar(&lease, "lease", 0, "Lease duration (default: QUEUE_LEASE_DURATION)")
	return cmd
}

func newQueueAckCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <workload-id>",
		Short: "Acknowledge a queue item; it will never be redelivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Service.Ack(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Queue item acked: %s", args[0]))
			return nil
		},
	}
}

func newQueueCountCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	var part partitionFlags

	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count items available for polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			group, priority := part.values()
			n, err := app.Service.CountEnqueued(cmd.Context(), group, priority)
			if err != nil {
				return err
			}
			outputFn().Print([]string{"ENQUEUED"}, [][]string{{strconv.Itoa(n)}}, map[string]int{"enqueued": n})
			return nil
		},
	}

	part.register(cmd)
	return cmd
}

func newQueueStatsCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show available items per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			stats, err := app.Service.QueueStats(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, len(stats))
			for i, s := range stats {
				rows[i] = []string{s.DataplaneGroup, strconv.Itoa(s.Priority), strconv.Itoa(s.EnqueuedCount)}
			}
			outputFn().Print([]string{"GROUP", "PRIORITY", "ENQUEUED"}, rows, stats)
			return nil
		},
	}
}

func newQueueGCCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete acked items older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}

			n, err := app.Service.CleanUpAckedEntries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Deleted %d acked queue items", n))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 1000, "Maximum rows to delete")
	return cmd
}
