package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/starship/internal/observability"
	"github.com/3leaps/starship/internal/server"
	"github.com/3leaps/starship/internal/server/handlers"
	"github.com/3leaps/starship/pkg/coordinator"
	"github.com/3leaps/starship/pkg/jobspec"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job coordinator",
	Long: `Load a job list and hand its jobs to polling workers over HTTP.

Endpoints:
  GET  /next_video   poll for a job (worker_id, worker_status, worker_message)
  POST /next_video   report a job outcome
  GET  /status       progress counts and worker health
  GET  /jobs/{id}    one job record
  GET  /health       health probes
  GET  /version      build information

Examples:
  starship serve --input videos.json
  starship serve --input urls.txt --format file_list --port 9000 --timeout 5m`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("input", "i", "", "Job list file (json, yaml or one URL per line)")
	serveCmd.Flags().String("format", "", "Job list format: json, yaml, file_list (default: from extension)")
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().IntP("port", "p", 0, "Listen port (default from config)")
	serveCmd.Flags().Duration("timeout", 0, "Reclaim jobs assigned for longer than this (default from config)")
	serveCmd.Flags().Int("retries", -1, "Retries per job after explicit failures (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	logger := observability.CLILogger

	input := cfg.Coordinator.Input
	if v, _ := cmd.Flags().GetString("input"); v != "" {
		input = v
	}
	formatName := cfg.Coordinator.InputFormat
	if v, _ := cmd.Flags().GetString("format"); v != "" {
		formatName = v
	}
	format, err := jobspec.ParseFormat(formatName)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --format value", err)
	}

	host := cfg.Server.Host
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		host = v
	}
	port := cfg.Server.Port
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		port = v
	}

	coordCfg := coordinator.Config{
		JobTimeout:    cfg.Coordinator.JobTimeout,
		MaxRetries:    cfg.Coordinator.MaxRetries,
		SweepInterval: cfg.Coordinator.SweepInterval,
	}
	if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
		coordCfg.JobTimeout = v
	}
	if v, _ := cmd.Flags().GetInt("retries"); v >= 0 {
		coordCfg.MaxRetries = v
	}

	jobs, err := jobspec.Load(input, format)
	if err != nil {
		if errors.Is(err, jobspec.ErrValidationFailed) || errors.Is(err, jobspec.ErrEmpty) {
			return exitError(foundry.ExitInvalidArgument, "Invalid job list", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to load job list", err)
	}
	logger.Info("Loaded job list", zap.String("input", input), zap.Int("jobs", len(jobs)))

	coord := coordinator.New(jobs, coordCfg, coordinator.WithLogger(logger))
	sweeper := coord.Sweeper()

	ctx, stop := signalContext(cmd)
	defer stop()

	stopSweeper := sweeper.Start(ctx)
	defer stopSweeper()

	version := currentVersion()
	health := handlers.NewHealthManager(version.Version)
	health.RegisterChecker("reclaim_sweeper", sweeper)

	srv := server.New(host, port,
		server.WithCoordinator(coord),
		server.WithLogger(logger),
		server.WithHealthManager(health),
		server.WithVersion(version),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
	)
	if err := srv.Listen(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to bind listener", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("Coordinator started",
		zap.String("addr", srv.Addr()),
		zap.Duration("job_timeout", coordCfg.JobTimeout),
		zap.Int("max_retries", coordCfg.MaxRetries))

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Coordinator server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down coordinator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "Coordinator shutdown failed", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("coordinator server: %w", err)
	}

	st := coord.GetStatus()
	logger.Info("Coordinator stopped",
		zap.Int("total", st.Counts.Total),
		zap.Int("finished", st.Counts.Terminal()),
		zap.Int("failed", st.Counts.Failed),
		zap.Strings("unhealthy_workers", coord.UnhealthyWorkers()))
	return nil
}
