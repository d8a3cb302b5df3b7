package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// =============================================================================
// SEGMENT REFRESHER
// =============================================================================
// Periodically asks the evaluation coordinator to queue every active segment
// whose last evaluation is older than the staleness window. A distributed lock
// keeps a single replica scanning per interval; the evaluations themselves run
// on the coordinator's worker pool.

// DefaultRefreshInterval is how often stale segments are scanned.
const DefaultRefreshInterval = 5 * time.Minute

// StaleRefresher schedules re-evaluation of stale segments.
type StaleRefresher interface {
	RefreshStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// SegmentRefresher drives StaleRefresher on a ticker.
type SegmentRefresher struct {
	refresher  StaleRefresher
	lock       distlock.DistLock
	interval   time.Duration
	staleAfter time.Duration
	log        *logger.Logger

	// Stats
	passes    int64
	scheduled int64
	skipped   int64
	errors    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewSegmentRefresher creates a refresher. lock may be nil when only one
// replica runs.
func NewSegmentRefresher(refresher StaleRefresher, lock distlock.DistLock, interval, staleAfter time.Duration, log *logger.Logger) *SegmentRefresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &SegmentRefresher{
		refresher:  refresher,
		lock:       lock,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log.With("component", "segment_refresher"),
	}
}

// Start runs one pass immediately and then one per interval.
func (r *SegmentRefresher) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("segment refresher already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	r.log.Info("starting segment refresher", "interval", r.interval.String(), "stale_after", r.staleAfter.String())

	r.wg.Add(1)
	go r.refreshLoop()
	return nil
}

// Stop cancels the loop and waits for an in-progress pass to finish.
func (r *SegmentRefresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.log.Info("segment refresher stopped",
		"passes", atomic.LoadInt64(&r.passes), "scheduled", atomic.LoadInt64(&r.scheduled))
}

func (r *SegmentRefresher) refreshLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(r.ctx)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(r.ctx)
		}
	}
}

// RunOnce performs a single guarded pass and returns how many segments
// were queued.
func (r *SegmentRefresher) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	var n int
	pass := func(ctx context.Context) error {
		var err error
		n, err = r.refresher.RefreshStale(ctx, r.staleAfter)
		return err
	}

	var err error
	if r.lock != nil {
		err = distlock.WithLock(ctx, r.lock, pass)
	} else {
		err = pass(ctx)
	}

	switch {
	case errors.Is(err, distlock.ErrNotAcquired):
		atomic.AddInt64(&r.skipped, 1)
		r.log.Debug("refresh pass skipped, lock held by another replica")
		return 0
	case err != nil:
		atomic.AddInt64(&r.errors, 1)
		r.log.Error("refresh pass failed", "error", err)
		return 0
	}
	atomic.AddInt64(&r.passes, 1)
	atomic.AddInt64(&r.scheduled, int64(n))
	return n
}

// RefresherStats is a snapshot of the refresher counters.
type RefresherStats struct {
	Passes    int64 `json:"passes"`
	Scheduled int64 `json:"scheduled"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

// Stats returns the current counters.
func (r *SegmentRefresher) Stats() RefresherStats {
	return RefresherStats{
		Passes:    atomic.LoadInt64(&r.passes),
		Scheduled: atomic.LoadInt64(&r.scheduled),
		Skipped:   atomic.LoadInt64(&r.skipped),
		Errors:    atomic.LoadInt64(&r.errors),
	}
}
