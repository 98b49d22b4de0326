package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Transaction log maintenance",
}

var pruneOlderThan time.Duration

var pruneLogsCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete transaction log entries past the retention window",
	Long:  `Delete transaction log entries older than --older-than, or transaction_log.retention when the flag is unset. Entries are otherwise never removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		retention := pruneOlderThan
		if retention <= 0 {
			retention = cfg.TransactionLog.Retention
		}
		if retention <= 0 {
			return fmt.Errorf("no retention configured; pass --older-than")
		}

		app, err := newApplication(cfg)
		if err != nil {
			return err
		}
		defer app.Close(context.Background())

		cutoff := app.Clock.Now().Add(-retention)
		n, err := app.Logs.PurgeOlderThan(cmd.Context(), cutoff)
		if err != nil {
			return fmt.Errorf("prune transaction logs: %w", err)
		}

		app.Logger.Info("transaction logs pruned", "deleted", n, "cutoff", cutoff)
		return nil
	},
}

func init() {
	pruneLogsCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "delete entries older than this, e.g. 2160h")
	logsCmd.AddCommand(pruneLogsCmd)
}
