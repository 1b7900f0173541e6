package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"wmsync/internal/app"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the session token used for sync",
	Long:  `Stores a bearer token obtained from the warehouse login. The token is read from --token or, when absent, from the first line of stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read token from stdin: %w", err)
			}
			token = strings.TrimSpace(line)
		}

		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			if err := a.Session().Save(token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session stored")

			pending, err := a.Queue().PendingCount()
			if err == nil && pending > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d actions waiting, run 'wmsync sync'\n", pending)
			}
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			return a.Session().Clear()
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <task-id>...",
	Short: "Fetch tasks from the API and cache them for offline lookup",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			for _, id := range args {
				task, err := a.RefreshTask(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cached task %s (%d lines)\n", task.ID, len(task.Lines))
			}
			return nil
		})
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <barcode>",
	Short: "Resolve a barcode against cached tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			entry, err := a.LookupBarcode(args[0])
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("barcode %q not found in cached tasks", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task=%s line=%s product=%s\n%s\n",
				entry.TaskID, entry.LineID, entry.ProductID, entry.Line)
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().String("token", "", "Bearer token")
}
