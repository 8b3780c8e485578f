package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/starship/internal/observability"
	"github.com/3leaps/starship/pkg/fleet"
	"github.com/3leaps/starship/pkg/provider"
	"github.com/3leaps/starship/pkg/provider/s3"
	"github.com/3leaps/starship/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage launched runs",
	Long: `Inspect and clean up runs recorded by 'starship launch'.

Records live under <data_dir>/runs/<run_id>/run.json. A run whose launcher
process died while instances were up is reported as orphaned.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsCleanupCmd = &cobra.Command{
	Use:   "cleanup <run_id>",
	Short: "Terminate every instance of a run",
	Long: `Terminate every instance tagged with the run id.

With --purge the launch assets under runs/<run_id>/ are deleted from the
run's bucket and the local run record is removed.`,
	Args: cobra.ExactArgs(1),
	RunE:  runRunsCleanup,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsCleanupCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsShowCmd.Flags().Bool("json", false, "Output as JSON")
	runsCleanupCmd.Flags().String("region", "", "Region override (default: the run's region)")
	runsCleanupCmd.Flags().Bool("purge", false, "Also delete launch assets and the run record")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	registry := runRegistry()
	runs, err := registry.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run records", err)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "No runs found in %s\n", registry.RootDir())
		return nil
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tSTATE\tREGION\tJOBS\tWORKERS\tPROGRESS\tCREATED\tENDED")
	for _, r := range runs {
		progress := "-"
		if r.Progress != nil {
			progress = fmt.Sprintf("%d/%d", r.Progress.Finished, r.Progress.Total)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.RunID,
			r.State,
			dashIfEmpty(r.Region),
			r.Jobs,
			len(r.WorkerInstanceIDs),
			progress,
			r.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(r.EndedAt),
		)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	rec, err := runRegistry().Get(strings.TrimSpace(args[0]))
	if err != nil {
		if errors.Is(err, runregistry.ErrNotFound) {
			return exitError(foundry.ExitFileNotFound, "Run not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read run record", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	if rec.PlanPath != "" {
		_, _ = fmt.Fprintf(os.Stdout, "plan_path=%s\n", rec.PlanPath)
	}
	_, _ = fmt.Fprintf(os.Stdout, "region=%s\n", rec.Region)
	_, _ = fmt.Fprintf(os.Stdout, "bucket=%s\n", rec.Bucket)
	_, _ = fmt.Fprintf(os.Stdout, "jobs=%d\n", rec.Jobs)
	if rec.CoordinatorInstanceID != "" {
		_, _ = fmt.Fprintf(os.Stdout, "coordinator=%s %s\n", rec.CoordinatorInstanceID, rec.CoordinatorAddr)
	}
	_, _ = fmt.Fprintf(os.Stdout, "workers=%d\n", len(rec.WorkerInstanceIDs))
	if p := rec.Progress; p != nil {
		_, _ = fmt.Fprintf(os.Stdout, "progress=%d/%d failed=%d skipped=%d\n", p.Finished, p.Total, p.Failed, p.Skipped)
	}
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", formatOptionalTime(rec.EndedAt))
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(os.Stdout, "error=%s\n", rec.Error)
	}
	return nil
}

func runRunsCleanup(cmd *cobra.Command, args []string) error {
	registry := runRegistry()
	rec, err := registry.Get(strings.TrimSpace(args[0]))
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Run not found", err)
	}
	region := rec.Region
	if v, _ := cmd.Flags().GetString("region"); v != "" {
		region = v
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	prov, err := fleet.NewEC2(ctx, fleet.EC2Config{Region: region, Profile: appConfig.Storage.Profile})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to EC2", err)
	}
	launcher := fleet.NewLauncher(prov, nil, fleet.WithLauncherLogger(observability.CLILogger))
	n, err := launcher.Teardown(ctx, rec.RunID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cleanup failed", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Terminated %d instance(s) of %s\n", n, rec.RunID)

	if purge, _ := cmd.Flags().GetBool("purge"); purge {
		return purgeRun(ctx, registry, rec, region)
	}

	if _, err := registry.Update(rec.RunID, func(r *runregistry.RunRecord) {
		now := time.Now().UTC()
		r.State = runregistry.RunStateCleaned
		r.EndedAt = &now
	}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to update run record", err)
	}
	return nil
}

func purgeRun(ctx context.Context, registry *runregistry.Store, rec *runregistry.RunRecord, region string) error {
	if rec.Bucket != "" {
		store, err := s3.New(ctx, s3.Config{Bucket: rec.Bucket, Region: region, Profile: appConfig.Storage.Profile})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open run bucket", err)
		}
		defer func() { _ = store.Close() }()
		n, err := provider.DeletePrefix(ctx, store, provider.JoinKey(fleet.RunPrefix, rec.RunID))
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to delete launch assets", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "Deleted %d launch asset(s) from s3://%s\n", n, rec.Bucket)
	}
	if err := registry.Delete(rec.RunID); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to delete run record", err)
	}
	return nil
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
