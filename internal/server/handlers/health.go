package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/starship/internal/errors"
)

// Check results.
const (
	checkHealthy   = "healthy"
	checkUnhealthy = "unhealthy"
	checkTimeout   = "timeout"
	statusDegraded = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

// HealthChecker is a named dependency probe.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version      string
	startedAt    time.Time
	checkTimeout time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:      version,
		startedAt:    time.Now(),
		checkTimeout: defaultCheckTimeout,
		checkers:     make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces a named checker.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// RunChecks runs every checker with a per-check timeout.
func (m *HealthManager) RunChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for k, v := range m.checkers {
		checkers[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		err := checkers[name].CheckHealth(cctx)
		switch {
		case err == nil:
			results[name] = checkHealthy
		case cctx.Err() == context.DeadlineExceeded:
			results[name] = checkTimeout
		default:
			results[name] = checkUnhealthy
		}
		cancel()
	}
	return results
}

func (m *HealthManager) determineOverallStatus(results map[string]string) string {
	status := checkHealthy
	for _, r := range results {
		switch r {
		case checkUnhealthy:
			return checkUnhealthy
		case checkTimeout:
			status = statusDegraded
		}
	}
	return status
}

// HealthHandler serves /health and /health/ready.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	results := m.RunChecks(r.Context())
	status := m.determineOverallStatus(results)

	if status == checkUnhealthy {
		details := make(map[string]any, len(results))
		for k, v := range results {
			details[k] = v
		}
		apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.ErrorBody{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "one or more health checks failed",
			Details: map[string]any{"checks": details},
		})
		return
	}

	m.write(w, status, results)
}

// LivenessHandler serves /health/live. It never runs checkers.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.write(w, "alive", nil)
}

// StartupHandler serves /health/startup.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.write(w, "started", nil)
}

func (m *HealthManager) write(w http.ResponseWriter, status string, checks map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Version:   m.version,
		Uptime:    time.Since(m.startedAt).Truncate(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide health manager.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withGlobal(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.ErrorBody{
				Code:    apperrors.CodeServiceUnavailable,
				Message: "health manager not initialized",
			})
			return
		}
		fn(m, w, r)
	}
}

// Global handlers backed by the process-wide manager.
var (
	HealthHandler    = withGlobal((*HealthManager).HealthHandler)
	LivenessHandler  = withGlobal((*HealthManager).LivenessHandler)
	ReadinessHandler = withGlobal((*HealthManager).HealthHandler)
	StartupHandler   = withGlobal((*HealthManager).StartupHandler)
)
