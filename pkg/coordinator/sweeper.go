package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/starship/pkg/ledger"
)

// Sweeper periodically reclaims jobs whose assignment outlived the job
// timeout.
type Sweeper struct {
	ledger   *ledger.Ledger
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	lastPass atomic.Int64 // unix nanos of the last completed pass
}

// Sweeper returns a sweeper bound to this coordinator's ledger and config.
func (c *Coordinator) Sweeper() *Sweeper {
	return &Sweeper{
		ledger:   c.ledger,
		timeout:  c.cfg.JobTimeout,
		interval: c.cfg.SweepInterval,
		logger:   c.logger,
		now:      c.clock(),
	}
}

// Sweep runs a single reclaim pass and returns the jobs it moved.
//
// A panic inside the pass is logged and swallowed so one bad pass never
// stops the loop.
func (s *Sweeper) Sweep() (reclaimed []ledger.Transition) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Reclaim sweep failed", zap.Error(fmt.Errorf("panic: %v", r)))
			reclaimed = nil
		}
	}()

	defer func() { s.lastPass.Store(s.now().UnixNano()) }()

	reclaimed = s.ledger.ReclaimExpired(s.timeout)
	for _, tr := range reclaimed {
		s.logger.Warn("Reclaimed timed out job",
			zap.Int("job_id", tr.JobID),
			zap.String("worker_id", tr.Worker),
			zap.Int("retries", tr.Retries),
			zap.Duration("timeout", s.timeout))
	}
	return reclaimed
}

// Start runs Sweep every interval until ctx is cancelled or the returned
// stop function is called. Stop blocks until the loop has exited.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.lastPass.Store(s.now().UnixNano())
	t := time.NewTicker(s.interval)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()

	return func() {
		cancel()
		t.Stop()
		<-stopped
	}
}

// LastPass returns when the last sweep pass completed. Zero before Start or
// the first Sweep.
func (s *Sweeper) LastPass() time.Time {
	n := s.lastPass.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// CheckHealth fails when the sweep loop has not completed a pass for three
// intervals, which means reclamation has stalled.
func (s *Sweeper) CheckHealth(_ context.Context) error {
	last := s.LastPass()
	if last.IsZero() {
		return fmt.Errorf("reclaim sweeper not started")
	}
	if lag := s.now().Sub(last); lag > 3*s.interval {
		return fmt.Errorf("reclaim sweeper stalled: last pass %s ago", lag.Truncate(time.Millisecond))
	}
	return nil
}
