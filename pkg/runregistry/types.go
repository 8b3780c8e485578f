// Package runregistry records launched runs on disk so they can be listed,
// inspected and torn down after the launcher exits.
package runregistry

import "time"

// RunState is the lifecycle state of a launched run.
//
// NOTE: These values are persisted in run.json.
type RunState string

const (
	RunStateLaunching   RunState = "launching"
	RunStateRunning     RunState = "running"
	RunStateTearingDown RunState = "tearing_down"
	RunStateComplete    RunState = "complete"
	RunStateFailed      RunState = "failed"
	RunStateInterrupted RunState = "interrupted"
	// RunStateOrphaned marks an active run whose launcher process is gone.
	// Its instances may still be running.
	RunStateOrphaned RunState = "orphaned"
	RunStateCleaned  RunState = "cleaned"
)

// Active reports whether instances of the run may still exist.
func (s RunState) Active() bool {
	switch s {
	case RunStateLaunching, RunStateRunning, RunStateTearingDown, RunStateOrphaned:
		return true
	}
	return false
}

// Progress is the last /status observed by the launcher.
type Progress struct {
	Total       int       `json:"total"`
	Finished    int       `json:"finished"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Downloading int       `json:"downloading"`
	Waiting     int       `json:"waiting"`
	ObservedAt  time.Time `json:"observed_at"`
}

// RunRecord is the persistent record written to run.json.
type RunRecord struct {
	RunID    string   `json:"run_id"`
	Name     string   `json:"name"`
	State    RunState `json:"state"`
	PlanPath string   `json:"plan_path,omitempty"`
	Region   string   `json:"region,omitempty"`
	Bucket   string   `json:"bucket,omitempty"`
	Folder   string   `json:"folder,omitempty"`
	PID      int      `json:"pid,omitempty"`

	CoordinatorInstanceID string   `json:"coordinator_instance_id,omitempty"`
	CoordinatorAddr       string   `json:"coordinator_addr,omitempty"`
	WorkerInstanceIDs     []string `json:"worker_instance_ids,omitempty"`
	Jobs                  int      `json:"jobs"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Progress  *Progress  `json:"progress,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// InstanceIDs returns every instance recorded for the run.
func (r *RunRecord) InstanceIDs() []string {
	ids := make([]string, 0, len(r.WorkerInstanceIDs)+1)
	if r.CoordinatorInstanceID != "" {
		ids = append(ids, r.CoordinatorInstanceID)
	}
	return append(ids, r.WorkerInstanceIDs...)
}
