// Package protocol defines the JSON wire format spoken between starship
// workers, the coordinator and the launcher, plus an HTTP client for it.
//
// The routes keep the names deployed workers already speak:
//
//	GET  /next_video?worker_id=&worker_status=&worker_message=
//	POST /next_video   {"video_id", "status", "worker_id", ...}
//	GET  /status
package protocol

import (
	"fmt"
	"math"

	"github.com/3leaps/starship/pkg/coordinator"
	"github.com/3leaps/starship/pkg/ledger"
)

// Routes served by the coordinator.
const (
	PathNextJob = "/next_video"
	PathStatus  = "/status"
	PathJob     = "/jobs/{id}"
)

// Query parameters of the poll request.
const (
	ParamWorkerID      = "worker_id"
	ParamWorkerStatus  = "worker_status"
	ParamWorkerMessage = "worker_message"
)

// Reserved key carrying the job id inside a job payload response.
const JobIDKey = "_id"

// Worker health values sent on the wire.
const (
	HealthOK    = ledger.HealthOK
	HealthError = "err"
)

// Outcome values sent on the wire.
const (
	OutcomeOK      = string(ledger.OutcomeOK)
	OutcomeSkipped = string(ledger.OutcomeSkipped)
	OutcomeError   = string(ledger.OutcomeError)
)

// FinishedResponse tells a worker to stop.
type FinishedResponse struct {
	Finished bool `json:"finished"`
}

// PendingResponse tells a worker to poll again later.
type PendingResponse struct {
	PendingFinish bool `json:"pending_finish"`
}

// ReportRequest is the body of POST /next_video.
type ReportRequest struct {
	VideoID       *int   `json:"video_id"`
	Status        string `json:"status"`
	WorkerID      string `json:"worker_id"`
	WorkerStatus  string `json:"worker_status,omitempty"`
	WorkerMessage string `json:"worker_message,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ToReport converts the wire request to a coordinator report.
func (r ReportRequest) ToReport() coordinator.Report {
	return coordinator.Report{
		JobID:         r.VideoID,
		Outcome:       r.Status,
		WorkerID:      r.WorkerID,
		WorkerHealth:  r.WorkerStatus,
		WorkerMessage: r.WorkerMessage,
		Error:         r.Error,
	}
}

// AckResponse acknowledges an accepted report.
type AckResponse struct {
	Status string `json:"status"`
}

// ErrorResponse carries a request error as a plain reason string.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WorkerStatus is one worker entry of StatusResponse.
type WorkerStatus struct {
	// LastSeen is in unix seconds.
	LastSeen float64 `json:"last_seen"`
	Status   string  `json:"status"`
	Message  string  `json:"message"`
}

// StatusResponse is the body of GET /status.
//
// Finished counts every job in a terminal status, including failed and
// skipped ones. Downloading counts assigned jobs.
type StatusResponse struct {
	Total       int                     `json:"total"`
	Finished    int                     `json:"finished"`
	Failed      int                     `json:"failed"`
	Waiting     int                     `json:"waiting"`
	Downloading int                     `json:"downloading"`
	Skipped     int                     `json:"skipped"`
	Retrying    int                     `json:"retrying"`
	Workers     map[string]WorkerStatus `json:"workers"`
	Done        bool                    `json:"done"`
}

// UnhealthyWorkers returns the workers whose last status is not ok.
func (s StatusResponse) UnhealthyWorkers() map[string]WorkerStatus {
	out := make(map[string]WorkerStatus)
	for id, w := range s.Workers {
		if !ledger.IsHealthy(w.Status) {
			out[id] = w
		}
	}
	return out
}

// NewStatusResponse renders a coordinator status for the wire.
func NewStatusResponse(st coordinator.Status) StatusResponse {
	workers := make(map[string]WorkerStatus, len(st.Workers))
	for id, w := range st.Workers {
		workers[id] = WorkerStatus{
			LastSeen: float64(w.LastSeen.UnixNano()) / 1e9,
			Status:   w.Health,
			Message:  w.Message,
		}
	}
	return StatusResponse{
		Total:       st.Counts.Total,
		Finished:    st.Counts.Terminal(),
		Failed:      st.Counts.Failed,
		Waiting:     st.Counts.Waiting,
		Downloading: st.Counts.Assigned,
		Skipped:     st.Counts.Skipped,
		Retrying:    st.Counts.Retrying,
		Workers:     workers,
		Done:        st.Done,
	}
}

// NewJobResponse renders an assigned job as its payload plus the _id key.
func NewJobResponse(job ledger.Job) map[string]any {
	out := make(map[string]any, len(job.Payload)+1)
	for k, v := range job.Payload {
		out[k] = v
	}
	out[JobIDKey] = job.ID
	return out
}

// Assignment is a job as received by a worker.
type Assignment struct {
	ID      int
	Payload map[string]any
}

// String returns the payload field s, or "" when absent or not a string.
func (a Assignment) String(key string) string {
	v, ok := a.Payload[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Poll is the decoded answer to a poll request.
type Poll struct {
	Finished bool
	Pending  bool
	Job      *Assignment
}

// DecodePoll interprets a decoded GET /next_video body.
func DecodePoll(body map[string]any) (Poll, error) {
	if v, ok := body["error"]; ok {
		return Poll{}, fmt.Errorf("coordinator error: %v", v)
	}
	if b, _ := body["pending_finish"].(bool); b {
		return Poll{Pending: true}, nil
	}
	if b, _ := body["finished"].(bool); b {
		return Poll{Finished: true}, nil
	}

	raw, ok := body[JobIDKey]
	if !ok {
		return Poll{}, fmt.Errorf("response has no %s, finished or pending_finish field", JobIDKey)
	}
	id, err := toJobID(raw)
	if err != nil {
		return Poll{}, err
	}

	payload := make(map[string]any, len(body))
	for k, v := range body {
		if k == JobIDKey {
			continue
		}
		payload[k] = v
	}
	return Poll{Job: &Assignment{ID: id, Payload: payload}}, nil
}

func toJobID(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, fmt.Errorf("invalid %s: %v", JobIDKey, n)
		}
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("invalid %s type %T", JobIDKey, v)
	}
}
