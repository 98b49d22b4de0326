package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers that run outside the HTTP server.`,
}

var supervisorWorkerCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Start the retry/timeout supervisor",
	Long:  `Periodically query the provider for transactions whose callback never arrived and expire them once retries run out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startSupervisorWorker()
	},
}

var (
	runOnce     bool
	metricsAddr string
	workerCount int
	maxRetries  int
)

func init() {
	supervisorWorkerCmd.Flags().BoolVar(&runOnce, "once", false, "process one batch and exit")
	supervisorWorkerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9102")
	supervisorWorkerCmd.Flags().IntVar(&workerCount, "workers", 0, "override supervisor.workers")
	supervisorWorkerCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "override supervisor.max_retries")

	workerCmd.AddCommand(supervisorWorkerCmd)
}

func startSupervisorWorker() error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Supervisor.Workers = getIntFlag(workerCount, cfg.Supervisor.Workers)
	cfg.Supervisor.MaxRetries = getIntFlag(maxRetries, cfg.Supervisor.MaxRetries)

	app, err := newApplication(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.Close(closeCtx)
	}()

	if runOnce {
		n, err := app.Supervisor.RunOnce(ctx)
		app.Logger.Info("supervisor batch finished", "picked", n, "error", err)
		return err
	}

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.Logger.Error("metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	app.Logger.Info("supervisor worker is running. Press Ctrl+C to stop.",
		"workers", cfg.Supervisor.Workers,
		"max_retries", cfg.Supervisor.MaxRetries)
	return app.Supervisor.Start(ctx)
}

// getIntFlag returns the flag value if set (> 0), otherwise the config value
func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}
