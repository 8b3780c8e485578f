package runregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates no record exists for a run id.
var ErrNotFound = errors.New("run not found")

// Store persists RunRecords under a directory.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/jobs.json
type Store struct {
	root string
}

// NewStore returns a store rooted at root. Nothing is created until the
// first Write.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

// NewRunID returns a short, DNS-safe run id.
func NewRunID() string {
	return "starship-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// Write stores record atomically.
func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run_id %q", record.RunID)
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.RunPath(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads a record. An active run whose launcher process has exited is
// reported, and persisted, as orphaned.
func (s *Store) Get(runID string) (*RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}
	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	if record.State.Active() && record.State != RunStateOrphaned && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = RunStateOrphaned
		_ = s.Write(&record)
	}
	return &record, nil
}

// List returns every readable record, newest first.
func (s *Store) List() ([]RunRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return runSortTime(out[i]).After(runSortTime(out[j]))
	})
	return out, nil
}

// Active returns records whose instances may still exist.
func (s *Store) Active() ([]RunRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []RunRecord
	for _, r := range all {
		if r.State.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Update loads, mutates and rewrites a record.
func (s *Store) Update(runID string, fn func(*RunRecord)) (*RunRecord, error) {
	r, err := s.Get(runID)
	if err != nil {
		return nil, err
	}
	fn(r)
	if err := s.Write(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Finish sets a terminal state and the end time.
func (s *Store) Finish(runID string, state RunState, runErr error) (*RunRecord, error) {
	return s.Update(runID, func(r *RunRecord) {
		now := time.Now().UTC()
		r.State = state
		r.EndedAt = &now
		if runErr != nil {
			r.Error = runErr.Error()
		}
	})
}

// Delete removes a run directory.
func (s *Store) Delete(runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("invalid run_id %q", runID)
	}
	return os.RemoveAll(s.RunDir(runID))
}

func runSortTime(r RunRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without sending a signal.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
