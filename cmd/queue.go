package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"wmsync/internal/app"
	"wmsync/internal/queue"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a warehouse action for later sync",
}

var enqueueScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Queue a pick scan",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		task, _ := f.GetString("task")
		line, _ := f.GetString("line")
		barcode, _ := f.GetString("barcode")
		qty, _ := f.GetInt("qty")
		return enqueue(cmd, queue.PickScan{
			TaskID:    task,
			LineID:    line,
			Barcode:   barcode,
			Quantity:  qty,
			ScannedAt: time.Now(),
		})
	},
}

var enqueueSetQtyCmd = &cobra.Command{
	Use:   "set-qty",
	Short: "Queue a quantity confirmation for a pick line",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		task, _ := f.GetString("task")
		line, _ := f.GetString("line")
		qty, _ := f.GetInt("qty")
		return enqueue(cmd, queue.PickSetQty{TaskID: task, LineID: line, Quantity: qty})
	},
}

var enqueueConfirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Queue the confirmation of several picked units",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		task, _ := f.GetString("task")
		line, _ := f.GetString("line")
		barcode, _ := f.GetString("barcode")
		units, _ := f.GetInt("units")
		before, _ := f.GetInt("picked-before")
		return enqueue(cmd, queue.PickConfirmItem{
			TaskID:       task,
			LineID:       line,
			Barcode:      barcode,
			Units:        units,
			PickedBefore: before,
		})
	},
}

var enqueueCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Queue the completion of a pick task",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		task, _ := f.GetString("task")
		reason, _ := f.GetString("reason")
		return enqueue(cmd, queue.PickCloseTask{TaskID: task, IncompleteReason: reason})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending and failed actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			counts, err := a.Queue().Counts()
			if err != nil {
				return err
			}
			list, err := a.Queue().ListForDisplay()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending=%d syncing=%d failed=%d done=%d\n",
				counts.Pending, counts.Syncing, counts.Failed, counts.Done)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tCREATED\tERROR")
			for _, group := range [][]*queue.Action{list.Pending, list.Failed} {
				for _, action := range group {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						action.ID, action.Kind, action.Status,
						action.CreatedAt.Local().Format(time.DateTime), action.Error)
				}
			}
			return w.Flush()
		})
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <id>...",
	Short: "Put failed actions back into the pending queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			for _, id := range args {
				if err := a.Queue().Requeue(id); err != nil {
					return fmt.Errorf("failed to requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove synced actions older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			n, err := a.Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d actions\n", n)
			return nil
		})
	},
}

func init() {
	enqueueScanCmd.Flags().String("task", "", "Task id")
	enqueueScanCmd.Flags().String("line", "", "Line id")
	enqueueScanCmd.Flags().String("barcode", "", "Scanned barcode")
	enqueueScanCmd.Flags().Int("qty", 1, "Scanned quantity")

	enqueueSetQtyCmd.Flags().String("task", "", "Task id")
	enqueueSetQtyCmd.Flags().String("line", "", "Line id")
	enqueueSetQtyCmd.Flags().Int("qty", 0, "Confirmed quantity")

	enqueueConfirmCmd.Flags().String("task", "", "Task id")
	enqueueConfirmCmd.Flags().String("line", "", "Line id")
	enqueueConfirmCmd.Flags().String("barcode", "", "Product barcode")
	enqueueConfirmCmd.Flags().Int("units", 1, "Units to confirm")
	enqueueConfirmCmd.Flags().Int("picked-before", 0, "Picked quantity shown when the user confirmed")

	enqueueCloseCmd.Flags().String("task", "", "Task id")
	enqueueCloseCmd.Flags().String("reason", "", "Incomplete reason code")

	enqueueCmd.AddCommand(enqueueScanCmd, enqueueSetQtyCmd, enqueueConfirmCmd, enqueueCloseCmd)
}

func enqueue(cmd *cobra.Command, payload queue.Payload) error {
	return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
		id, err := a.Queue().Enqueue(payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s %s, will sync\n", payload.Kind(), id)
		return nil
	})
}
