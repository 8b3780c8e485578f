// Package ledger holds the authoritative in-memory state of a starship run:
// one record per download job and one entry per worker that has contacted
// the coordinator.
//
// Every job record is owned by a Ledger. All mutations go through Ledger
// methods, which serialize on a single mutex so that callers (HTTP handlers
// and the reclaim sweeper) never observe a job mid-transition.
package ledger

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are reported verbatim by the job inspection endpoint.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusAssigned Status = "assigned"
	StatusFinished Status = "finished"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusSkipped, StatusFailed:
		return true
	default:
		return false
	}
}

// Outcome is the result a worker reports for a job.
//
// Only OutcomeOK and OutcomeSkipped are terminal successes. Any other
// non-empty value is treated as a retryable failure.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// ReasonTimeout is recorded as LastError when the sweeper reclaims a job.
const ReasonTimeout = "timeout"

// Sentinel errors for ledger operations.
var (
	// ErrUnknownJob indicates the job id is outside the ledger.
	ErrUnknownJob = errors.New("unknown job id")

	// ErrInvalidOutcome indicates an empty outcome was reported.
	ErrInvalidOutcome = errors.New("invalid outcome")

	// ErrTerminal indicates the job already reached a terminal status.
	ErrTerminal = errors.New("job already terminal")
)

// Job is one unit of work.
//
// Payload is shared with the ledger and must be treated as read-only by
// callers. All other fields are copies.
type Job struct {
	ID             int            `json:"id"`
	Payload        map[string]any `json:"payload"`
	Status         Status         `json:"status"`
	Retries        int            `json:"retries"`
	AssignedWorker string         `json:"assigned_worker,omitempty"`
	AssignedAt     *time.Time     `json:"assigned_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}

func (j *Job) snapshot() Job {
	out := *j
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		out.AssignedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// requeue moves an assigned job back to waiting and counts a retry.
func (j *Job) requeue(reason string) {
	j.Status = StatusWaiting
	j.Retries++
	j.LastError = reason
	j.AssignedWorker = ""
	j.AssignedAt = nil
}

// Transition describes a status change applied by the ledger.
type Transition struct {
	JobID   int
	From    Status
	To      Status
	Retries int
	Worker  string
	Reason  string
}

// Counts is a point-in-time tally of job statuses.
type Counts struct {
	Total    int `json:"total"`
	Waiting  int `json:"waiting"`
	Assigned int `json:"assigned"`
	Finished int `json:"finished"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`

	// Retrying counts waiting jobs that have been retried at least once.
	Retrying int `json:"retrying"`
}

// Terminal returns the number of jobs in a terminal status.
func (c Counts) Terminal() int {
	return c.Finished + c.Skipped + c.Failed
}

// Done reports global completion: nothing is waiting and nothing is in flight.
func (c Counts) Done() bool {
	return c.Waiting == 0 && c.Assigned == 0
}
