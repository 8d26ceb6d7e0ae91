package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/mq"
)

// NewMigrateCmd применяет миграции схемы для DB_DRIVER.
func NewMigrateCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Stores.Migrate(cmd.Context(), app.logger); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Migrations applied (%s)", app.Stores.Driver))
			return nil
		},
	}
}

// NewTopologyCmd объявляет exchanges и очереди RabbitMQ.
func NewTopologyCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Declare RabbitMQ exchanges and queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			conn, err := app.RequireMQ()
			if err != nil {
				return err
			}
			if err := mq.SetupTopology(cmd.Context(), conn); err != nil {
				return err
			}
			out := outputFn()
			out.Success("RabbitMQ topology declared")
			fmt.Fprintln(out.w, mq.TopologyInfo())
			return nil
		},
	}
}

// NewWatchCmd печатает сигналы о завершении и просрочке workloads,
// пока команду не прервут.
func NewWatchCmd(appFn AppFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream terminal and expired workload events",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd.Context())
			if err != nil {
				return err
			}
			conn, err := app.RequireMQ()
			if err != nil {
				return err
			}
			out := outputFn()

			consumer := mq.NewConsumer(conn, app.logger, mq.ConsumerConfig{
				Declare: mq.DeclareWatchQueue(),
				Handler: func(_ context.Context, d *mq.Delivery) error {
					return out.Event(&d.Message)
				},
				Prefetch: 16,
			})

			out.Success("Watching workload events (Ctrl+C to stop)...")
			err = consumer.Start(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// Event выводит событие RabbitMQ одной строкой (или как JSON).
func (o *Output) Event(msg *mq.Message) error {
	if o.jsonMode {
		o.JSON(msg)
		return nil
	}

	ts := formatTime(msg.Timestamp)
	switch msg.Type {
	case mq.MessageTypeWorkloadTerminal:
		p, err := mq.ParsePayload[mq.WorkloadTerminalPayload](msg)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s  %-8s  %s  %s", ts, "terminal", p.WorkloadID, p.Status)
		if p.TerminationReason != "" {
			line += fmt.Sprintf("  reason=%q source=%s", p.TerminationReason, p.TerminationSource)
		}
		fmt.Fprintln(o.w, line)
	case mq.MessageTypeWorkloadExpired:
		p, err := mq.ParsePayload[mq.WorkloadExpiredPayload](msg)
		if err != nil {
			return err
		}
		fmt.Fprintf(o.w, "%s  %-8s  %s  %s  dataplane=%s deadline=%s\n",
			ts, "expired", p.WorkloadID, p.Status, orDash(p.DataplaneID), formatTimePtr(p.Deadline))
	default:
		fmt.Fprintf(o.w, "%s  %-8s  %s\n", ts, "unknown", msg.Type)
	}
	return nil
}
