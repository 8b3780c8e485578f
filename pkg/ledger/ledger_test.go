package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func payloads(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"url": "https://example.com/v" + string(rune('a'+i))}
	}
	return out
}

func pick(l *Ledger, workerID string) (Job, bool) {
	j, ok, _ := l.Next(workerID)
	return j, ok
}

func TestNew_SeedsWaiting(t *testing.T) {
	l := New(payloads(3), Options{MaxRetries: 2})

	for i := 0; i < 3; i++ {
		j, err := l.Get(i)
		require.NoError(t, err)
		assert.Equal(t, i, j.ID)
		assert.Equal(t, StatusWaiting, j.Status)
		assert.Zero(t, j.Retries)
		assert.Nil(t, j.AssignedAt)
	}
	assert.Equal(t, Counts{Total: 3, Waiting: 3}, l.SnapshotCounts())
}

func TestNew_NegativeMaxRetriesClamped(t *testing.T) {
	l := New(payloads(1), Options{MaxRetries: -4})
	_, _ = pick(l, "w1")
	tr, err := l.MarkOutcome(0, "error", "w1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tr.To)
}

func TestNext_AssignsLowestID(t *testing.T) {
	clock := newFakeClock()
	l := New(payloads(2), Options{Now: clock.Now})

	j, ok := pick(l, "w1")
	require.True(t, ok)
	assert.Equal(t, 0, j.ID)
	assert.Equal(t, StatusAssigned, j.Status)
	assert.Equal(t, "w1", j.AssignedWorker)
	require.NotNil(t, j.AssignedAt)
	assert.Equal(t, clock.Now(), *j.AssignedAt)

	j, ok = pick(l, "w2")
	require.True(t, ok)
	assert.Equal(t, 1, j.ID)

	_, ok = pick(l, "w3")
	assert.False(t, ok)
}

func TestNext_ConcurrentCallersGetDistinctJobs(t *testing.T) {
	const n = 200
	l := New(payloads(n), Options{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]int)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok := pick(l, "w")
				if !ok {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %d handed out more than once", id)
	}
	assert.Equal(t, n, l.SnapshotCounts().Assigned)
}

func TestNext_PendingUntilAllTerminal(t *testing.T) {
	l := New(payloads(2), Options{MaxRetries: 5})

	j, ok, pending := l.Next("w1")
	require.True(t, ok)
	assert.True(t, pending)
	assert.Equal(t, 0, j.ID)

	j, ok, _ = l.Next("w2")
	require.True(t, ok)
	assert.Equal(t, 1, j.ID)

	_, ok, pending = l.Next("w3")
	assert.False(t, ok)
	assert.True(t, pending, "jobs still assigned")

	_, err := l.MarkOutcome(0, OutcomeOK, "w1", "")
	require.NoError(t, err)
	_, err = l.MarkOutcome(1, "error", "w2", "")
	require.NoError(t, err)

	j, ok, _ = l.Next("w3")
	require.True(t, ok, "requeued job is picked up")
	assert.Equal(t, 1, j.ID)
	_, err = l.MarkOutcome(1, OutcomeSkipped, "w3", "")
	require.NoError(t, err)

	_, ok, pending = l.Next("w3")
	assert.False(t, ok)
	assert.False(t, pending)
}

func TestMarkOutcome(t *testing.T) {
	tests := []struct {
		name        string
		retries     int
		maxRetries  int
		outcome     Outcome
		wantStatus  Status
		wantRetries int
		wantError   string
	}{
		{"ok finishes", 0, 3, OutcomeOK, StatusFinished, 0, ""},
		{"skipped skips", 0, 3, OutcomeSkipped, StatusSkipped, 0, ""},
		{"error below bound retries", 0, 3, OutcomeError, StatusWaiting, 1, "boom"},
		{"arbitrary status is retryable", 1, 3, Outcome("network down"), StatusWaiting, 2, "boom"},
		{"error at bound fails", 3, 3, OutcomeError, StatusFailed, 3, "boom"},
		{"zero retries fails immediately", 0, 0, OutcomeError, StatusFailed, 0, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			l := New(payloads(1), Options{MaxRetries: tt.maxRetries, Now: clock.Now})
			l.jobs[0].Retries = tt.retries

			_, ok := pick(l, "w1")
			require.True(t, ok)
			clock.Advance(time.Second)

			tr, err := l.MarkOutcome(0, tt.outcome, "w1", "boom")
			require.NoError(t, err)
			assert.Equal(t, StatusAssigned, tr.From)
			assert.Equal(t, tt.wantStatus, tr.To)

			j, err := l.Get(0)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, j.Status)
			assert.Equal(t, tt.wantRetries, j.Retries)
			assert.Equal(t, tt.wantError, j.LastError)
			require.NotNil(t, j.CompletedAt)
			assert.Equal(t, clock.Now(), *j.CompletedAt)
			assert.Empty(t, j.AssignedWorker)
			assert.Nil(t, j.AssignedAt)
		})
	}
}

func TestMarkOutcome_Errors(t *testing.T) {
	l := New(payloads(1), Options{})

	_, err := l.MarkOutcome(5, OutcomeOK, "w1", "")
	assert.ErrorIs(t, err, ErrUnknownJob)

	_, err = l.MarkOutcome(-1, OutcomeOK, "w1", "")
	assert.ErrorIs(t, err, ErrUnknownJob)

	_, err = l.MarkOutcome(0, "  ", "w1", "")
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	assert.Equal(t, Counts{Total: 1, Waiting: 1}, l.SnapshotCounts())
}

func TestMarkOutcome_ReasonDefaultsToOutcome(t *testing.T) {
	l := New(payloads(1), Options{MaxRetries: 1})
	_, _ = pick(l, "w1")

	_, err := l.MarkOutcome(0, Outcome("http 403"), "w1", "")
	require.NoError(t, err)

	j, _ := l.Get(0)
	assert.Equal(t, "http 403", j.LastError)
}

func TestMarkOutcome_TerminalNeverMutates(t *testing.T) {
	for _, outcome := range []Outcome{OutcomeOK, OutcomeSkipped, OutcomeError} {
		t.Run(string(outcome), func(t *testing.T) {
			l := New(payloads(1), Options{MaxRetries: 0})
			_, _ = pick(l, "w1")
			_, err := l.MarkOutcome(0, outcome, "w1", "x")
			require.NoError(t, err)
			before, _ := l.Get(0)
			require.True(t, before.Status.Terminal())

			_, err = l.MarkOutcome(0, OutcomeOK, "w2", "")
			assert.ErrorIs(t, err, ErrTerminal)
			_, err = l.MarkOutcome(0, OutcomeError, "w2", "again")
			assert.ErrorIs(t, err, ErrTerminal)

			l.ReclaimExpired(0)
			l.RedirectJobsOf("w1", "gone")
			_, ok := pick(l, "w3")
			assert.False(t, ok)

			after, _ := l.Get(0)
			assert.Equal(t, before, after)
		})
	}
}

func TestReclaimExpired(t *testing.T) {
	clock := newFakeClock()
	l := New(payloads(3), Options{MaxRetries: 1, Now: clock.Now})

	_, _ = pick(l, "w1") // job 0
	clock.Advance(30 * time.Second)
	_, _ = pick(l, "w2") // job 1
	clock.Advance(40 * time.Second)

	reclaimed := l.ReclaimExpired(60 * time.Second)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 0, reclaimed[0].JobID)
	assert.Equal(t, "w1", reclaimed[0].Worker)
	assert.Equal(t, ReasonTimeout, reclaimed[0].Reason)

	j0, _ := l.Get(0)
	assert.Equal(t, StatusWaiting, j0.Status)
	assert.Equal(t, 1, j0.Retries)
	assert.Equal(t, ReasonTimeout, j0.LastError)
	assert.Empty(t, j0.AssignedWorker)

	j1, _ := l.Get(1)
	assert.Equal(t, StatusAssigned, j1.Status)

	// Nothing else is past the deadline yet.
	assert.Empty(t, l.ReclaimExpired(60*time.Second))
}

// Timeout reclaims are deliberately not bounded by MaxRetries; only explicit
// failure reports are. This pins that asymmetry.
func TestReclaimExpired_IgnoresMaxRetries(t *testing.T) {
	clock := newFakeClock()
	l := New(payloads(1), Options{MaxRetries: 1, Now: clock.Now})

	for i := 1; i <= 5; i++ {
		j, ok := pick(l, "w1")
		require.True(t, ok)
		require.Equal(t, 0, j.ID)
		clock.Advance(2 * time.Minute)
		require.Len(t, l.ReclaimExpired(time.Minute), 1)

		got, _ := l.Get(0)
		assert.Equal(t, StatusWaiting, got.Status)
		assert.Equal(t, i, got.Retries)
	}

	// An explicit failure now fails the job because retries are past the bound.
	_, _ = pick(l, "w1")
	tr, err := l.MarkOutcome(0, OutcomeError, "w1", "boom")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tr.To)
}

func TestRedirectJobsOf(t *testing.T) {
	l := New(payloads(4), Options{})
	_, _ = pick(l, "bad")  // 0
	_, _ = pick(l, "good") // 1
	_, _ = pick(l, "bad")  // 2

	moved := l.RedirectJobsOf("bad", "disk full")
	require.Len(t, moved, 2)
	assert.Equal(t, 0, moved[0].JobID)
	assert.Equal(t, 2, moved[1].JobID)

	for _, id := range []int{0, 2} {
		j, _ := l.Get(id)
		assert.Equal(t, StatusWaiting, j.Status)
		assert.Equal(t, 1, j.Retries)
		assert.Equal(t, "disk full", j.LastError)
	}
	j1, _ := l.Get(1)
	assert.Equal(t, StatusAssigned, j1.Status)

	assert.Empty(t, l.RedirectJobsOf("nobody", "x"))
}

func TestSnapshotCounts(t *testing.T) {
	l := New(payloads(6), Options{MaxRetries: 2})
	_, _ = pick(l, "w") // 0
	_, _ = pick(l, "w") // 1
	_, _ = pick(l, "w") // 2
	_, _ = pick(l, "w") // 3
	_, _ = l.MarkOutcome(0, OutcomeOK, "w", "")
	_, _ = l.MarkOutcome(1, OutcomeSkipped, "w", "")
	_, _ = l.MarkOutcome(2, OutcomeError, "w", "boom")

	c := l.SnapshotCounts()
	assert.Equal(t, Counts{
		Total:    6,
		Waiting:  3,
		Assigned: 1,
		Finished: 1,
		Skipped:  1,
		Retrying: 1,
	}, c)
	assert.Equal(t, 2, c.Terminal())
	assert.False(t, c.Done())
}

func TestCountsDone(t *testing.T) {
	tests := []struct {
		name   string
		counts Counts
		want   bool
	}{
		{"empty ledger", Counts{}, true},
		{"all terminal", Counts{Total: 3, Finished: 1, Skipped: 1, Failed: 1}, true},
		{"waiting remains", Counts{Total: 2, Waiting: 1, Finished: 1}, false},
		{"in flight remains", Counts{Total: 2, Assigned: 1, Finished: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.counts.Done())
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusWaiting.Terminal())
	assert.False(t, StatusAssigned.Terminal())
	assert.True(t, StatusFinished.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestGet_ReturnsCopy(t *testing.T) {
	l := New(payloads(1), Options{})
	j, _ := pick(l, "w1")
	*j.AssignedAt = time.Time{}

	again, _ := l.Get(0)
	assert.False(t, again.AssignedAt.IsZero())
}
