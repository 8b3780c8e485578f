package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultMaxRetries bounds retries caused by explicit failure reports.
const DefaultMaxRetries = 3

// Options configures a Ledger.
type Options struct {
	// MaxRetries bounds retryable failure reports per job.
	// Negative values are treated as zero. Timeout reclaims ignore it.
	MaxRetries int

	// Now overrides the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Ledger is the single owner of job records.
//
// Ledger is safe for concurrent use. Each method holds the ledger mutex for
// the whole scan-and-mutate, so a job is never handed to two callers and
// snapshots never see a half-applied transition.
type Ledger struct {
	mu         sync.Mutex
	jobs       []*Job
	maxRetries int
	now        func() time.Time
}

// New seeds a ledger with one waiting job per payload. Job ids are the
// payload indexes.
func New(payloads []map[string]any, opts Options) *Ledger {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	jobs := make([]*Job, len(payloads))
	for i, p := range payloads {
		if p == nil {
			p = map[string]any{}
		}
		jobs[i] = &Job{ID: i, Payload: p, Status: StatusWaiting}
	}

	return &Ledger{
		jobs:       jobs,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
	}
}

// Next assigns the lowest-id waiting job to workerID. When no job is
// waiting, pending reports whether any job is still assigned. Both answers
// come from one pass under the ledger lock, so a job requeued concurrently
// is either picked here or keeps pending true.
func (l *Ledger) Next(workerID string) (job Job, ok, pending bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pickLocked(workerID)
}

func (l *Ledger) pickLocked(workerID string) (Job, bool, bool) {
	pending := false
	for _, j := range l.jobs {
		switch j.Status {
		case StatusAssigned:
			pending = true
			continue
		case StatusWaiting:
		default:
			continue
		}
		now := l.now()
		j.Status = StatusAssigned
		j.AssignedWorker = workerID
		j.AssignedAt = &now
		j.CompletedAt = nil
		j.LastError = ""
		return j.snapshot(), true, true
	}
	return Job{}, false, pending
}

// MarkOutcome applies a worker's report to a job.
//
// OutcomeOK and OutcomeSkipped are terminal. Any other outcome is a
// retryable failure: the job returns to waiting while Retries is below the
// bound, and fails permanently once it is reached.
//
// Reports for jobs already in a terminal status return ErrTerminal and do not
// mutate the job.
func (l *Ledger) MarkOutcome(id int, outcome Outcome, workerID, reason string) (Transition, error) {
	outcome = Outcome(strings.TrimSpace(string(outcome)))
	if outcome == "" {
		return Transition{}, ErrInvalidOutcome
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	j, err := l.lookup(id)
	if err != nil {
		return Transition{}, err
	}
	if j.Status.Terminal() {
		return Transition{JobID: id, From: j.Status, To: j.Status, Retries: j.Retries, Worker: workerID},
			fmt.Errorf("%w: job %d is %s", ErrTerminal, id, j.Status)
	}

	now := l.now()
	tr := Transition{JobID: id, From: j.Status, Worker: workerID}

	switch outcome {
	case OutcomeOK:
		j.Status = StatusFinished
		j.LastError = ""
	case OutcomeSkipped:
		j.Status = StatusSkipped
		j.LastError = ""
	default:
		if reason == "" {
			reason = string(outcome)
		}
		if j.Retries < l.maxRetries {
			j.requeue(reason)
		} else {
			j.Status = StatusFailed
			j.LastError = reason
		}
		tr.Reason = reason
	}

	if j.Status != StatusWaiting {
		j.AssignedWorker = ""
		j.AssignedAt = nil
	}
	j.CompletedAt = &now

	tr.To = j.Status
	tr.Retries = j.Retries
	return tr, nil
}

// ReclaimExpired returns every assigned job whose assignment is older than
// timeout to waiting with one more retry and LastError set to ReasonTimeout.
//
// Timeout reclaims do not consult MaxRetries: a job held by a vanished worker
// is retried indefinitely. Only explicit failure reports are bounded.
func (l *Ledger) ReclaimExpired(timeout time.Duration) []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var out []Transition
	for _, j := range l.jobs {
		if j.Status != StatusAssigned || j.AssignedAt == nil {
			continue
		}
		if now.Sub(*j.AssignedAt) <= timeout {
			continue
		}
		worker := j.AssignedWorker
		j.requeue(ReasonTimeout)
		out = append(out, Transition{
			JobID:   j.ID,
			From:    StatusAssigned,
			To:      StatusWaiting,
			Retries: j.Retries,
			Worker:  worker,
			Reason:  ReasonTimeout,
		})
	}
	return out
}

// RedirectJobsOf returns every job currently assigned to workerID to
// waiting, counting a retry and recording reason as LastError.
func (l *Ledger) RedirectJobsOf(workerID, reason string) []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Transition
	for _, j := range l.jobs {
		if j.Status != StatusAssigned || j.AssignedWorker != workerID {
			continue
		}
		j.requeue(reason)
		out = append(out, Transition{
			JobID:   j.ID,
			From:    StatusAssigned,
			To:      StatusWaiting,
			Retries: j.Retries,
			Worker:  workerID,
			Reason:  reason,
		})
	}
	return out
}

// SnapshotCounts tallies statuses at a single point in time.
func (l *Ledger) SnapshotCounts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := Counts{Total: len(l.jobs)}
	for _, j := range l.jobs {
		switch j.Status {
		case StatusWaiting:
			c.Waiting++
			if j.Retries > 0 {
				c.Retrying++
			}
		case StatusAssigned:
			c.Assigned++
		case StatusFinished:
			c.Finished++
		case StatusSkipped:
			c.Skipped++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Get returns a copy of a single job.
func (l *Ledger) Get(id int) (Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	j, err := l.lookup(id)
	if err != nil {
		return Job{}, err
	}
	return j.snapshot(), nil
}

func (l *Ledger) lookup(id int) (*Job, error) {
	if id < 0 || id >= len(l.jobs) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownJob, id)
	}
	return l.jobs[id], nil
}
