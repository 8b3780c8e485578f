// Package coordinator implements the starship work-distribution protocol on
// top of a job ledger.
//
// Workers poll RequestWork for a job, later call ReportOutcome, and anyone
// may call GetStatus. A Sweeper running alongside returns jobs whose worker
// went silent back to the waiting pool.
package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/starship/pkg/ledger"
)

// Defaults for Config.
const (
	DefaultJobTimeout    = 60 * time.Second
	DefaultMaxRetries    = ledger.DefaultMaxRetries
	DefaultSweepInterval = 5 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	// JobTimeout is how long a job may stay assigned before it is reclaimed.
	JobTimeout time.Duration

	// MaxRetries bounds retries caused by explicit failure reports.
	MaxRetries int

	// SweepInterval is the period of the reclaim sweeper.
	SweepInterval time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		JobTimeout:    DefaultJobTimeout,
		MaxRetries:    DefaultMaxRetries,
		SweepInterval: DefaultSweepInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the clock used for job and worker timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// ErrInvalidReport indicates a malformed worker request.
var ErrInvalidReport = errors.New("invalid report")

// InvalidReportError names the field that made a request malformed.
type InvalidReportError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *InvalidReportError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("no %s provided", e.Field)
}

// Unwrap returns ErrInvalidReport for errors.Is support.
func (e *InvalidReportError) Unwrap() error {
	return ErrInvalidReport
}

// WorkKind is the kind of answer given to a polling worker.
type WorkKind int

const (
	// WorkJob carries a job to process.
	WorkJob WorkKind = iota
	// WorkPending means nothing is waiting but jobs are still in flight.
	WorkPending
	// WorkFinished tells the worker to stop.
	WorkFinished
)

// String returns a readable name for the kind.
func (k WorkKind) String() string {
	switch k {
	case WorkJob:
		return "job"
	case WorkPending:
		return "pending"
	case WorkFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Work is the answer to RequestWork. Job is only set for WorkJob.
type Work struct {
	Kind WorkKind
	Job  ledger.Job
}

// Report is a worker's outcome report for one job.
type Report struct {
	// JobID is required. A nil value is reported as a malformed request.
	JobID *int

	// Outcome is "ok", "skipped" or any other failure description.
	Outcome string

	// WorkerID is required.
	WorkerID string

	// WorkerHealth and WorkerMessage optionally refresh the registry entry.
	WorkerHealth  string
	WorkerMessage string

	// Error is an optional failure reason recorded as the job's last error.
	Error string
}

// Status is an aggregate view of the run.
type Status struct {
	Counts  ledger.Counts
	Workers map[string]ledger.Worker
	Done    bool
}

// Coordinator answers worker requests against a single ledger.
//
// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg     Config
	ledger  *ledger.Ledger
	workers *ledger.WorkerRegistry
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a coordinator seeded with one waiting job per payload.
func New(payloads []map[string]any, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ledger = ledger.New(payloads, ledger.Options{MaxRetries: c.cfg.MaxRetries, Now: c.now})
	c.workers = ledger.NewWorkerRegistry(c.now)
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// RequestWork records the worker's liveness and answers with a job, a
// pending signal, or a finished signal.
//
// A worker reporting itself unhealthy has its in-flight jobs returned to the
// waiting pool and is told to finish.
func (c *Coordinator) RequestWork(workerID, health, message string) (Work, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return Work{}, &InvalidReportError{Field: "worker_id"}
	}
	// An omitted health keeps whatever the worker last reported.
	w := c.workers.Touch(workerID, health, message)

	if !w.Healthy() {
		reason := w.Message
		if reason == "" {
			reason = "worker reported " + w.Health
		}
		moved := c.ledger.RedirectJobsOf(workerID, reason)
		c.logger.Warn("Worker reported unhealthy; redirecting its jobs",
			zap.String("worker_id", workerID),
			zap.String("worker_status", w.Health),
			zap.String("worker_message", w.Message),
			zap.Int("jobs_redirected", len(moved)))
		return Work{Kind: WorkFinished}, nil
	}

	job, ok, pending := c.ledger.Next(workerID)
	switch {
	case ok:
		c.logger.Debug("Assigned job",
			zap.Int("job_id", job.ID),
			zap.String("worker_id", workerID),
			zap.Int("retries", job.Retries))
		return Work{Kind: WorkJob, Job: job}, nil
	case pending:
		return Work{Kind: WorkPending}, nil
	default:
		return Work{Kind: WorkFinished}, nil
	}
}

// ReportOutcome validates and applies a worker's report.
//
// Malformed reports return an *InvalidReportError and unknown job ids return
// an error wrapping ledger.ErrUnknownJob; neither mutates any state. Reports
// for jobs that already reached a terminal status are accepted and ignored.
func (c *Coordinator) ReportOutcome(r Report) error {
	if r.JobID == nil {
		return &InvalidReportError{Field: "video_id"}
	}
	if strings.TrimSpace(r.Outcome) == "" {
		return &InvalidReportError{Field: "status"}
	}
	if strings.TrimSpace(r.WorkerID) == "" {
		return &InvalidReportError{Field: "worker_id"}
	}

	reason := firstNonEmpty(r.Error, r.WorkerMessage, r.Outcome)
	tr, err := c.ledger.MarkOutcome(*r.JobID, ledger.Outcome(r.Outcome), r.WorkerID, reason)
	switch {
	case errors.Is(err, ledger.ErrUnknownJob):
		return err
	case errors.Is(err, ledger.ErrInvalidOutcome):
		return &InvalidReportError{Field: "status", Reason: err.Error()}
	case errors.Is(err, ledger.ErrTerminal):
		c.logger.Info("Ignoring report for terminal job",
			zap.Int("job_id", *r.JobID),
			zap.String("status", string(tr.From)),
			zap.String("worker_id", r.WorkerID),
			zap.String("outcome", r.Outcome))
	case err != nil:
		return err
	default:
		fields := []zap.Field{
			zap.Int("job_id", tr.JobID),
			zap.String("worker_id", r.WorkerID),
			zap.String("outcome", r.Outcome),
			zap.String("status", string(tr.To)),
			zap.Int("retries", tr.Retries),
		}
		if tr.To == ledger.StatusFinished || tr.To == ledger.StatusSkipped {
			c.logger.Info("Job completed", fields...)
		} else {
			c.logger.Warn("Job failed", append(fields, zap.String("reason", tr.Reason))...)
		}
	}

	c.workers.Touch(r.WorkerID, r.WorkerHealth, r.WorkerMessage)
	return nil
}

// GetStatus returns job counts, the worker map and the completion flag.
func (c *Coordinator) GetStatus() Status {
	counts := c.ledger.SnapshotCounts()
	return Status{
		Counts:  counts,
		Workers: c.workers.All(),
		Done:    counts.Done(),
	}
}

// Done reports whether every job reached a terminal status.
func (c *Coordinator) Done() bool {
	return c.ledger.SnapshotCounts().Done()
}

// UnhealthyWorkers returns the ids of workers whose last report was not ok.
func (c *Coordinator) UnhealthyWorkers() []string {
	return c.workers.Unhealthy()
}

// Job returns a copy of a single job.
func (c *Coordinator) Job(id int) (ledger.Job, error) {
	return c.ledger.Get(id)
}

func (c *Coordinator) clock() func() time.Time {
	if c.now == nil {
		return time.Now
	}
	return c.now
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
