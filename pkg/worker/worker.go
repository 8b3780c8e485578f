// Package worker implements the polling loop that pulls jobs from a
// coordinator, fetches their media and uploads the results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/starship/pkg/fetch"
	"github.com/3leaps/starship/pkg/jobspec"
	"github.com/3leaps/starship/pkg/protocol"
	"github.com/3leaps/starship/pkg/provider"
)

// DefaultBackoff is the wait after a pending answer or an unreachable
// coordinator.
const DefaultBackoff = 5 * time.Second

// DefaultFolder is the bucket prefix used when a job names none.
const DefaultFolder = "videos"

const reportAttempts = 3

// ErrUnhealthy is returned by Run when the worker stopped after a local
// failure.
var ErrUnhealthy = errors.New("worker stopped unhealthy")

// Coordinator is the job source.
type Coordinator interface {
	NextJob(ctx context.Context, health, message string) (protocol.Poll, error)
	Report(ctx context.Context, req protocol.ReportRequest) error
}

// Fetcher produces the files for one job.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

// Config configures a Worker.
type Config struct {
	// Folder prefixes every artifact key unless the job sets "folder".
	Folder  string
	WorkDir string
	Include []string
	Exclude []string
	Backoff time.Duration
	// NoUpload logs would-be uploads instead of writing to the store.
	NoUpload bool
	// Options are the fetch options each job's ytdl_opts are merged onto.
	Options fetch.Options
}

// Stats counts what a worker did during Run.
type Stats struct {
	Polls    int
	Jobs     int
	OK       int
	Skipped  int
	Failed   int
	Uploaded int
}

// Worker runs jobs until the coordinator says it is finished.
type Worker struct {
	cfg     Config
	coord   Coordinator
	fetcher Fetcher
	store   provider.Provider
	filter  *fileFilter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	health  string
	message string
	stats   Stats
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

// New creates a Worker. store may be nil only when cfg.NoUpload is set.
func New(cfg Config, coord Coordinator, fetcher Fetcher, store provider.Provider, opts ...Option) (*Worker, error) {
	if coord == nil {
		return nil, errors.New("coordinator client is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if store == nil && !cfg.NoUpload {
		return nil, errors.New("artifact store is required unless uploads are disabled")
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Folder == "" {
		cfg.Folder = DefaultFolder
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "starship")
	}
	if cfg.Options == nil {
		cfg.Options = fetch.DefaultOptions()
	}
	filter, err := newFileFilter(cfg.Include, cfg.Exclude)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:     cfg,
		coord:   coord,
		fetcher: fetcher,
		store:   store,
		filter:  filter,
		logger:  zap.NewNop(),
		sleep:   sleepCtx,
		health:  protocol.HealthOK,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Stats returns the counters collected so far.
func (w *Worker) Stats() Stats {
	return w.stats
}

// Run polls until the coordinator answers finished or ctx is cancelled.
//
// A local failure (store or disk) marks the worker unhealthy; the next poll
// carries that health, the coordinator requeues the worker's jobs and
// answers finished, and Run returns ErrUnhealthy.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.stats.Polls++
		poll, err := w.coord.NextJob(ctx, w.health, w.message)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !protocol.IsUnavailable(err) {
				return fmt.Errorf("poll coordinator: %w", err)
			}
			w.logger.Warn("Coordinator unreachable; backing off", zap.Error(err), zap.Duration("backoff", w.cfg.Backoff))
			if err := w.sleep(ctx, w.cfg.Backoff); err != nil {
				return err
			}
			continue
		}

		switch {
		case poll.Finished:
			if w.health != protocol.HealthOK {
				return fmt.Errorf("%w: %s", ErrUnhealthy, w.message)
			}
			w.logger.Info("Coordinator reports no more work", zap.Int("jobs", w.stats.Jobs))
			return nil
		case poll.Pending:
			w.logger.Debug("Waiting for in-flight jobs to finish")
			if err := w.sleep(ctx, w.cfg.Backoff); err != nil {
				return err
			}
			continue
		}

		w.stats.Jobs++
		if err := w.handle(ctx, poll.Job); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("Job failed on this worker; marking worker unhealthy",
				zap.Int("job_id", poll.Job.ID), zap.Error(err))
			w.health = protocol.HealthError
			w.message = err.Error()
		}
	}
}

// handle runs one job. A returned error is a local failure; everything
// attributable to the job itself is reported to the coordinator instead.
func (w *Worker) handle(ctx context.Context, job *protocol.Assignment) error {
	remote := w.remotePrefix(job)
	log := w.logger.With(zap.Int("job_id", job.ID), zap.String("prefix", remote))

	if w.store != nil {
		exists, err := provider.PrefixExists(ctx, w.store, remote)
		if err != nil {
			return fmt.Errorf("check existing artifacts: %w", err)
		}
		if exists {
			log.Info("Artifacts already present; skipping")
			w.stats.Skipped++
			w.report(ctx, job.ID, protocol.OutcomeSkipped, "")
			return nil
		}
	}

	dir := filepath.Join(w.cfg.WorkDir, "job-"+strconv.Itoa(job.ID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	req := fetch.Request{
		URL:                  job.String(jobspec.KeyURL),
		Dir:                  dir,
		Options:              w.cfg.Options.Merge(ytdlOpts(job)),
		Postprocessing:       job.String(jobspec.KeyPostprocessing),
		PostprocessingInput:  job.String(jobspec.KeyPostprocessingInput),
		PostprocessingOutput: job.String(jobspec.KeyPostprocessingOutput),
	}
	log.Info("Fetching", zap.String("url", req.URL))
	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetch.IsSourceError(err) {
			log.Warn("Fetch failed", zap.Error(err))
			w.stats.Failed++
			w.report(ctx, job.ID, protocol.OutcomeError, err.Error())
			return nil
		}
		return err
	}

	for _, rel := range res.Files {
		if !w.filter.Match(rel) {
			log.Debug("Excluded from upload", zap.String("file", rel))
			continue
		}
		key := provider.JoinKey(remote, rel)
		if w.cfg.NoUpload || w.store == nil {
			log.Info("Would upload", zap.String("file", rel), zap.String("key", key))
			continue
		}
		if err := provider.UploadFile(ctx, w.store, key, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		w.stats.Uploaded++
	}

	log.Info("Job complete", zap.Int("files", len(res.Files)))
	w.stats.OK++
	w.report(ctx, job.ID, protocol.OutcomeOK, "")
	return nil
}

// report delivers an outcome, retrying while the coordinator is
// unreachable. An undelivered report is left to the coordinator's timeout
// reclamation.
func (w *Worker) report(ctx context.Context, id int, outcome, reason string) {
	req := protocol.ReportRequest{
		VideoID:       &id,
		Status:        outcome,
		WorkerStatus:  w.health,
		WorkerMessage: reason,
		Error:         reason,
	}
	for attempt := 1; attempt <= reportAttempts; attempt++ {
		err := w.coord.Report(ctx, req)
		if err == nil {
			return
		}
		w.logger.Warn("Failed to report outcome",
			zap.Int("job_id", id), zap.String("outcome", outcome), zap.Int("attempt", attempt), zap.Error(err))
		if !protocol.IsUnavailable(err) || attempt == reportAttempts {
			return
		}
		if w.sleep(ctx, w.cfg.Backoff) != nil {
			return
		}
	}
}

// remotePrefix is <folder>/<output_path>, with the job id standing in for a
// missing output_path.
func (w *Worker) remotePrefix(job *protocol.Assignment) string {
	folder := job.String(jobspec.KeyFolder)
	if folder == "" {
		folder = w.cfg.Folder
	}
	out := job.String(jobspec.KeyOutputPath)
	if out == "" {
		out = strconv.Itoa(job.ID)
	}
	return provider.JoinKey(folder, out)
}

func ytdlOpts(job *protocol.Assignment) map[string]any {
	opts, _ := job.Payload[jobspec.KeyYtdlOpts].(map[string]any)
	return opts
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
