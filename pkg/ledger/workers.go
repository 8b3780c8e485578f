package ledger

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// HealthOK is the only health value that keeps a worker eligible for work.
const HealthOK = "ok"

// Worker is the last known state of a worker process.
type Worker struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
	Health   string    `json:"status"`
	Message  string    `json:"message"`
}

// Healthy reports whether the worker last described itself as ok.
func (w Worker) Healthy() bool {
	return IsHealthy(w.Health)
}

// IsHealthy reports whether a self-reported health value means ok.
func IsHealthy(health string) bool {
	return strings.EqualFold(strings.TrimSpace(health), HealthOK)
}

// WorkerRegistry tracks workers by id.
//
// The registry is observational: entries are created on first contact and
// are never removed during a run.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	now     func() time.Time
}

// NewWorkerRegistry creates an empty registry. A nil now uses time.Now in UTC.
func NewWorkerRegistry(now func() time.Time) *WorkerRegistry {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &WorkerRegistry{
		workers: make(map[string]*Worker),
		now:     now,
	}
}

// Touch creates or updates a worker entry with the current time.
//
// Health and message travel together: a non-empty health replaces both.
// With empty health the previous health is kept and the message is only
// replaced when non-empty. New entries default to HealthOK.
func (r *WorkerRegistry) Touch(id, health, message string) Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		w = &Worker{ID: id, Health: HealthOK}
		r.workers[id] = w
	}
	w.LastSeen = r.now()
	switch {
	case health != "":
		w.Health = health
		w.Message = message
	case message != "":
		w.Message = message
	}
	return *w
}

// All returns a copy of every worker entry keyed by id.
func (r *WorkerRegistry) All() map[string]Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Worker, len(r.workers))
	for id, w := range r.workers {
		out[id] = *w
	}
	return out
}

// Unhealthy returns ids of workers whose last report was not ok, sorted.
func (r *WorkerRegistry) Unhealthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, w := range r.workers {
		if !w.Healthy() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
