package cmd

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/starship/internal/observability"
	"github.com/3leaps/starship/pkg/fetch"
	"github.com/3leaps/starship/pkg/protocol"
	"github.com/3leaps/starship/pkg/provider"
	"github.com/3leaps/starship/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Poll a coordinator and run download jobs",
	Long: `Poll a coordinator for jobs, download each with yt-dlp, run the optional
ffmpeg step and upload the results under <folder>/<output_path>/.

Jobs whose prefix already holds objects are reported as skipped. The worker
exits when the coordinator reports every job finished.

Examples:
  starship worker --server 10.0.0.2:8080 --bucket media-archive
  starship worker --server localhost:8080 --local-dir ./out
  starship worker --server localhost:8080 --dest s3://media-archive/clips
  starship worker --server localhost:8080 --no-upload`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringP("server", "s", "", "Coordinator address (host:port or URL)")
	workerCmd.Flags().String("id", "", "Worker id (default: EC2 instance id, then a random id)")
	workerCmd.Flags().String("folder", "", "Bucket prefix for jobs without a folder (default from config)")
	workerCmd.Flags().String("bucket", "", "Artifact bucket")
	workerCmd.Flags().String("region", "", "Bucket region")
	workerCmd.Flags().String("endpoint", "", "S3-compatible endpoint URL")
	workerCmd.Flags().String("local-dir", "", "Write artifacts to this directory instead of a bucket")
	workerCmd.Flags().String("dest", "", "Destination URI, e.g. s3://bucket/videos or file:///srv/media")
	workerCmd.Flags().String("work-dir", "", "Scratch directory for downloads")
	workerCmd.Flags().Bool("no-upload", false, "Log would-be uploads instead of writing them")
	workerCmd.Flags().StringSlice("include", nil, "Upload only files matching these globs")
	workerCmd.Flags().StringSlice("exclude", nil, "Never upload files matching these globs")
	workerCmd.Flags().Duration("backoff", 0, "Wait between polls when no job is available")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	logger := observability.CLILogger
	wc := cfg.Worker

	if v, _ := cmd.Flags().GetString("server"); v != "" {
		wc.Server = v
	}
	if v, _ := cmd.Flags().GetString("id"); v != "" {
		wc.ID = v
	}
	storage := storageFromFlags(cmd.Flags(), cfg.Storage)
	if v, _ := cmd.Flags().GetString("dest"); v != "" {
		dest, err := ParseDestURI(v)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --dest value", err)
		}
		storage, wc.Folder = dest.Apply(storage, wc.Folder)
	}
	if v, _ := cmd.Flags().GetString("folder"); v != "" {
		wc.Folder = v
	}
	if v, _ := cmd.Flags().GetString("work-dir"); v != "" {
		wc.WorkDir = v
	}
	if v, _ := cmd.Flags().GetBool("no-upload"); v {
		wc.NoUpload = true
	}
	if v, _ := cmd.Flags().GetStringSlice("include"); len(v) > 0 {
		wc.Include = v
	}
	if v, _ := cmd.Flags().GetStringSlice("exclude"); len(v) > 0 {
		wc.Exclude = v
	}
	if v, _ := cmd.Flags().GetDuration("backoff"); v > 0 {
		wc.Backoff = v
	}
	if wc.Server == "" {
		return exitError(foundry.ExitInvalidArgument, "Coordinator address is required", errors.New("set --server or STARSHIP_SERVER"))
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	if err := fetch.CheckDependencies(ctx, wc.YtDLPPath, wc.FFmpegPath); err != nil {
		return exitError(foundry.ExitFileNotFound, "Downloader not available", err)
	}

	var store provider.Provider
	if !wc.NoUpload {
		s, err := openStore(ctx, storage)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open artifact store", err)
		}
		defer func() { _ = s.Close() }()
		store = s
	}

	id := worker.ResolveID(ctx, wc.ID, imds.New(imds.Options{}))
	logger = logger.With(zap.String("worker_id", id))

	client, err := protocol.NewClient(protocol.ClientConfig{
		BaseURL:  wc.Server,
		WorkerID: id,
		PollRate: wc.PollRate,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid coordinator address", err)
	}

	fetcher := fetch.New(fetch.Config{
		YTDLPPath:  wc.YtDLPPath,
		FFmpegPath: wc.FFmpegPath,
		Timeout:    wc.FetchTimeout,
		Logger:     logger,
	})

	w, err := worker.New(worker.Config{
		Folder:   wc.Folder,
		WorkDir:  wc.WorkDir,
		Include:  wc.Include,
		Exclude:  wc.Exclude,
		Backoff:  wc.Backoff,
		NoUpload: wc.NoUpload,
	}, client, fetcher, store, worker.WithLogger(logger))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid worker configuration", err)
	}

	logger.Info("Worker started", zap.String("server", client.BaseURL()), zap.String("folder", wc.Folder))
	runErr := w.Run(ctx)
	st := w.Stats()
	logger.Info("Worker stopped",
		zap.Int("jobs", st.Jobs),
		zap.Int("ok", st.OK),
		zap.Int("skipped", st.Skipped),
		zap.Int("failed", st.Failed),
		zap.Int("uploaded", st.Uploaded))

	switch {
	case runErr == nil:
		return nil
	case ctx.Err() != nil:
		return exitError(foundry.ExitSignalInt, "Worker interrupted", ctx.Err())
	case errors.Is(runErr, worker.ErrUnhealthy):
		return exitError(foundry.ExitFileWriteError, "Worker finished unhealthy", runErr)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker stopped", runErr)
	}
}
