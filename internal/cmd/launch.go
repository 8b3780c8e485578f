package cmd

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/starship/internal/observability"
	"github.com/3leaps/starship/pkg/fleet"
	"github.com/3leaps/starship/pkg/jobspec"
	"github.com/3leaps/starship/pkg/provider/s3"
	"github.com/3leaps/starship/pkg/runregistry"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Run a job list on a fresh EC2 fleet",
	Long: `Provision a coordinator and workers on EC2, wait until every job is
finished and terminate every instance of the run.

The instances fetch the starship binary from the plan's binary_url: an
http(s) URL, or a key in the plan bucket (default bin/starship) that must
already exist.

The launcher refuses to start while any starship instance exists. Instances
are terminated on success, failure and interrupt. A run left behind by a
killed launcher can be removed with 'starship runs cleanup'.

Examples:
  starship launch --plan fleet.yaml --input videos.json
  starship launch --plan fleet.yaml --input urls.txt --format file_list`,
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)
	launchCmd.Flags().String("plan", "", "Fleet plan YAML (default from config)")
	launchCmd.Flags().StringP("input", "i", "", "Job list file (default from config)")
	launchCmd.Flags().String("format", "", "Job list format: json, yaml, file_list")
	launchCmd.Flags().String("run-id", "", "Run id (default: generated)")
	launchCmd.Flags().Duration("status-interval", 0, "Coordinator status poll interval (default from config)")
}

func runRegistry() *runregistry.Store {
	return runregistry.NewStore(filepath.Join(appConfig.DataDir, "runs"))
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	logger := observability.CLILogger

	planPath := cfg.Launch.Plan
	if v, _ := cmd.Flags().GetString("plan"); v != "" {
		planPath = v
	}
	if planPath == "" {
		return exitError(foundry.ExitInvalidArgument, "Fleet plan is required", errors.New("set --plan or launch.plan"))
	}
	plan, err := fleet.LoadPlan(planPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid fleet plan", err)
	}

	input := cfg.Coordinator.Input
	if v, _ := cmd.Flags().GetString("input"); v != "" {
		input = v
	}
	formatName, _ := cmd.Flags().GetString("format")
	format, err := jobspec.ParseFormat(formatName)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --format value", err)
	}
	jobs, err := jobspec.Load(input, format)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job list", err)
	}

	interval := cfg.Launch.StatusInterval
	if v, _ := cmd.Flags().GetDuration("status-interval"); v > 0 {
		interval = v
	}
	runID, _ := cmd.Flags().GetString("run-id")
	if runID == "" {
		runID = runregistry.NewRunID()
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	prov, err := fleet.NewEC2(ctx, fleet.EC2Config{Region: plan.Region, Profile: cfg.Storage.Profile})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to EC2", err)
	}
	store, err := s3.New(ctx, s3.Config{Bucket: plan.Bucket, Region: plan.Region, Profile: cfg.Storage.Profile})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to bucket", err)
	}
	defer func() { _ = store.Close() }()

	launcher := fleet.NewLauncher(prov, store,
		fleet.WithLauncherLogger(logger),
		fleet.WithRegistry(runRegistry()),
		fleet.WithStatusInterval(interval))

	logger.Info("Launching fleet",
		zap.String("run_id", runID),
		zap.String("region", plan.Region),
		zap.Int("workers", plan.Workers),
		zap.Int("jobs", len(jobs)))

	res, err := launcher.Run(ctx, fleet.LaunchRequest{RunID: runID, Plan: plan, PlanPath: planPath, Jobs: jobs})
	switch {
	case err == nil:
	case errors.Is(err, fleet.ErrFleetRunning):
		return exitError(foundry.ExitInvalidArgument, "Refusing to launch", err)
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Launch interrupted", err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Launch failed", err)
	}

	fields := []zap.Field{zap.String("run_id", res.RunID), zap.Int("terminated", res.Terminated)}
	if res.Final != nil {
		fields = append(fields,
			zap.Int("total", res.Final.Total),
			zap.Int("failed", res.Final.Failed),
			zap.Int("skipped", res.Final.Skipped))
	}
	logger.Info("Run complete", fields...)
	return nil
}
