package segmentation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// CoordinatorConfig controls evaluation concurrency and limits.
type CoordinatorConfig struct {
	Workers          int           // scheduled-evaluation goroutines
	QueueSize        int           // scheduled-evaluation queue capacity
	Timeout          time.Duration // upper bound for one shared evaluation; zero means none
	PreviewLimit     int           // default Preview limit
	BatchConcurrency int           // parallel evaluations in BatchEvaluate
	// MaterializeMembers stores the member list on every evaluation instead of
	// only when a caller asks for it.
	MaterializeMembers bool
}

// DefaultCoordinatorConfig returns the defaults used when a field is zero.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Workers:          4,
		QueueSize:        256,
		Timeout:          5 * time.Minute,
		PreviewLimit:     10,
		BatchConcurrency: 4,
	}
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	d := DefaultCoordinatorConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = d.PreviewLimit
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = d.BatchConcurrency
	}
	return c
}

// Observer receives evaluation telemetry.
type Observer interface {
	EvaluationFinished(segType domain.SegmentType, d time.Duration, err error)
	EvaluationShared()
	RefreshScheduled(n int)
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) EvaluationFinished(domain.SegmentType, time.Duration, error) {}
func (nopObserver) EvaluationShared()                                           {}
func (nopObserver) RefreshScheduled(int)                                        {}
func (nopObserver) QueueDepth(int)                                              {}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithSinks adds result sinks notified after each stored evaluation.
func WithSinks(sinks ...ResultSink) CoordinatorOption {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// WithObserver sets the telemetry observer.
func WithObserver(o Observer) CoordinatorOption {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// BatchResult splits a batch evaluation into successes and failures, each in
// request order.
type BatchResult struct {
	Succeeded []domain.EvaluationResult
	Failed    []BatchFailure
}

// BatchFailure is one segment that could not be evaluated in a batch.
type BatchFailure struct {
	SegmentID string
	Err       error
}

// Coordinator owns segment evaluation. Concurrent requests for the same
// segment share one resolution; the cached count and evaluation time are
// only written here.
type Coordinator struct {
	repo     Repository
	resolver *Resolver
	cfg      CoordinatorConfig
	sinks    []ResultSink
	observer Observer
	now      func() time.Time

	flights  singleflight.Group
	flightWG sync.WaitGroup
	waiting  atomic.Int64

	// stopFlights cancels detached flights when the coordinator stops.
	stopCtx     context.Context
	stopFlights context.CancelFunc

	jobs      chan string
	pendingMu sync.Mutex
	pending   map[string]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	stopped bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewCoordinator creates a coordinator. Call Start before scheduling work.
func NewCoordinator(repo Repository, resolver *Resolver, cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		repo:     repo,
		resolver: resolver,
		cfg:      cfg,
		observer: nopObserver{},
		now:      time.Now,
		jobs:     make(chan string, cfg.QueueSize),
		pending:  make(map[string]struct{}),
	}
	c.stopCtx, c.stopFlights = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// flightOutcome is what one shared evaluation hands to every waiter. It is
// read-only once the flight returns.
type flightOutcome struct {
	segment     *domain.Segment
	members     IDSet
	evaluatedAt time.Time
	duration    time.Duration

	// materialized is set when the member list was stored; superseded when
	// the segment changed before the result could be stored.
	materialized bool
	superseded   bool
}

func (o *flightOutcome) result() domain.EvaluationResult {
	return domain.EvaluationResult{
		SegmentID:   o.segment.ID,
		SegmentType: o.segment.Type,
		UserCount:   len(o.members),
		EvaluatedAt: o.evaluatedAt,
		DurationMs:  o.duration.Milliseconds(),
	}
}

// EvaluateNow resolves a segment, stores its count and evaluation time, and
// returns the result. The member list is returned and stored only when
// includeUserIDs is set.
func (c *Coordinator) EvaluateNow(ctx context.Context, segmentID string, includeUserIDs bool) (*domain.EvaluationResult, error) {
	out, err := c.evaluate(ctx, segmentID, nil, includeUserIDs)
	if err != nil {
		return nil, err
	}
	if includeUserIDs && !out.materialized && !out.superseded {
		// joined a count-only flight
		if _, err := c.store(ctx, out, true); err != nil {
			return nil, err
		}
	}
	res := out.result()
	if includeUserIDs {
		res.MatchedUserIDs = out.members.Sorted()
	}
	return &res, nil
}

// EvaluateSegment is EvaluateNow without the member list.
func (c *Coordinator) EvaluateSegment(ctx context.Context, segmentID string) (*domain.EvaluationResult, error) {
	return c.EvaluateNow(ctx, segmentID, false)
}

// Preview evaluates a segment and returns at most limit member ids alongside
// the full count. A non-positive limit uses the configured default.
func (c *Coordinator) Preview(ctx context.Context, segmentID string, limit int) (*domain.EvaluationResult, error) {
	if limit <= 0 {
		limit = c.cfg.PreviewLimit
	}
	out, err := c.evaluate(ctx, segmentID, nil, false)
	if err != nil {
		return nil, err
	}
	res := out.result()
	ids := out.members.Sorted()
	if len(ids) > limit {
		ids = ids[:limit]
		res.Truncated = true
	}
	res.MatchedUserIDs = ids
	return &res, nil
}

// PreviewSegment is an alias of Preview.
func (c *Coordinator) PreviewSegment(ctx context.Context, segmentID string, limit int) (*domain.EvaluationResult, error) {
	return c.Preview(ctx, segmentID, limit)
}

// BatchEvaluate evaluates every id and never stops at the first failure.
func (c *Coordinator) BatchEvaluate(ctx context.Context, segmentIDs []string) BatchResult {
	results := make([]*domain.EvaluationResult, len(segmentIDs))
	errs := make([]error, len(segmentIDs))

	var g errgroup.Group
	g.SetLimit(c.cfg.BatchConcurrency)
	for i, id := range segmentIDs {
		g.Go(func() error {
			results[i], errs[i] = c.EvaluateNow(ctx, id, false)
			return nil
		})
	}
	_ = g.Wait()

	var br BatchResult
	for i, id := range segmentIDs {
		if errs[i] != nil {
			br.Failed = append(br.Failed, BatchFailure{SegmentID: id, Err: errs[i]})
			continue
		}
		br.Succeeded = append(br.Succeeded, *results[i])
	}
	return br
}

// RefreshStale schedules every active segment whose count is missing or older
// than maxAge and returns how many were queued. It does not wait for the
// evaluations. Segments already queued, or that do not fit in the queue, are
// left for the next call.
func (c *Coordinator) RefreshStale(ctx context.Context, maxAge time.Duration) (int, error) {
	segments, err := c.repo.List(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list active segments: %w", err)
	}

	now := c.now()
	scheduled := 0
	for i := range segments {
		if !segments[i].IsStale(now, maxAge) {
			continue
		}
		if c.Schedule(segments[i].ID) {
			scheduled++
		}
	}
	c.observer.RefreshScheduled(scheduled)
	if scheduled > 0 {
		logger.Info("stale segments scheduled", "count", scheduled, "max_age", maxAge)
	}
	return scheduled, nil
}

// Schedule queues a segment for asynchronous evaluation without blocking.
// It returns false when the pool is stopped, the segment is already queued,
// or the queue is full.
func (c *Coordinator) Schedule(segmentID string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if !running {
		return false
	}
	if _, queued := c.pending[segmentID]; queued {
		return false
	}
	select {
	case c.jobs <- segmentID:
		c.pending[segmentID] = struct{}{}
		c.observer.QueueDepth(len(c.jobs))
		return true
	default:
		logger.Warn("evaluation queue full, segment skipped", "segment_id", segmentID, "queue_size", c.cfg.QueueSize)
		return false
	}
}

// Start launches the scheduled-evaluation workers. A stopped coordinator
// cannot be restarted.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrCoordinatorStopped
	}
	if c.running {
		return fmt.Errorf("coordinator already running")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	logger.Info("evaluation coordinator started", "workers", c.cfg.Workers, "queue_size", c.cfg.QueueSize)
	return nil
}

// Stop stops the workers, drops queued segments, cancels in-flight
// evaluations and waits for all of them to return. Queued segments stay
// stale for the next refresh. After Stop, evaluations fail with
// ErrCoordinatorStopped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	wasRunning := c.running
	c.running = false
	if wasRunning {
		c.cancel()
	}
	c.mu.Unlock()

	c.stopFlights()
	c.wg.Wait()
	dropped := c.drainQueue()
	c.flightWG.Wait()
	if wasRunning {
		logger.Info("evaluation coordinator stopped", "completed", c.completed.Load(), "failed", c.failed.Load(), "dropped", dropped)
	}
}

func (c *Coordinator) drainQueue() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	dropped := 0
	for {
		select {
		case <-c.jobs:
			dropped++
		default:
			clear(c.pending)
			c.observer.QueueDepth(0)
			return dropped
		}
	}
}

// enterFlight registers a flight so Stop can wait for it.
func (c *Coordinator) enterFlight() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return false
	}
	c.flightWG.Add(1)
	return true
}

// Stats returns counters for scheduled evaluations.
func (c *Coordinator) Stats() (completed, failed int64, queued int) {
	return c.completed.Load(), c.failed.Load(), len(c.jobs)
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case id := <-c.jobs:
			c.runScheduled(id)
		}
	}
}

func (c *Coordinator) runScheduled(segmentID string) {
	c.pendingMu.Lock()
	delete(c.pending, segmentID)
	c.pendingMu.Unlock()
	c.observer.QueueDepth(len(c.jobs))

	if _, err := c.evaluate(c.ctx, segmentID, nil, false); err != nil {
		if c.ctx.Err() != nil {
			logger.Debug("scheduled segment evaluation abandoned on shutdown", "segment_id", segmentID)
			return
		}
		c.failed.Add(1)
		logger.Warn("scheduled segment evaluation failed", "segment_id", segmentID, "error", err)
		return
	}
	c.completed.Add(1)
}

// evaluate joins or starts the single flight for the current version of
// segmentID. chain holds the composite ids already being resolved above this
// call. Flights are keyed by id and UpdatedAt, so a caller that reads the
// segment after an update never joins a flight started before it. The shared
// work runs detached from ctx, so cancelling ctx only abandons this caller's
// wait.
func (c *Coordinator) evaluate(ctx context.Context, segmentID string, chain []string, materialize bool) (*flightOutcome, error) {
	if slices.Contains(chain, segmentID) {
		return nil, &CyclicCompositeError{Chain: append(slices.Clone(chain), segmentID)}
	}

	seg, err := c.repo.Get(ctx, segmentID)
	if err != nil {
		c.observer.EvaluationFinished("", 0, err)
		return nil, err
	}

	ch := c.flights.DoChan(flightKey(seg), func() (interface{}, error) {
		if !c.enterFlight() {
			return nil, ErrCoordinatorStopped
		}
		defer c.flightWG.Done()

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		defer context.AfterFunc(c.stopCtx, cancel)()
		if c.cfg.Timeout > 0 {
			var cancelTimeout context.CancelFunc
			runCtx, cancelTimeout = context.WithTimeout(runCtx, c.cfg.Timeout)
			defer cancelTimeout()
		}
		return c.run(runCtx, seg, chain, materialize || c.cfg.MaterializeMembers)
	})
	// the flight is registered once DoChan returns
	c.waiting.Add(1)
	defer c.waiting.Add(-1)

	select {
	case res := <-ch:
		if res.Shared {
			c.observer.EvaluationShared()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*flightOutcome), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func flightKey(seg *domain.Segment) string {
	return seg.ID + "@" + strconv.FormatInt(seg.UpdatedAt.UnixNano(), 10)
}

func (c *Coordinator) run(ctx context.Context, seg *domain.Segment, chain []string, materialize bool) (*flightOutcome, error) {
	start := c.now()

	if seg.Type == domain.SegmentComposite {
		if err := checkAcyclic(ctx, c.repo, seg, chain); err != nil {
			c.observer.EvaluationFinished(seg.Type, c.now().Sub(start), err)
			return nil, err
		}
	}

	childChain := append(slices.Clone(chain), seg.ID)
	members, err := c.resolver.Resolve(ctx, seg, func(ctx context.Context, ids []string) ([]IDSet, error) {
		return c.resolveChildren(ctx, ids, childChain)
	})
	if err != nil {
		c.observer.EvaluationFinished(seg.Type, c.now().Sub(start), err)
		return nil, err
	}

	evaluatedAt := c.now()
	out := &flightOutcome{
		segment:     seg,
		members:     members,
		evaluatedAt: evaluatedAt,
		duration:    evaluatedAt.Sub(start),
	}
	stored, err := c.store(ctx, out, materialize)
	if err != nil {
		c.observer.EvaluationFinished(seg.Type, c.now().Sub(start), err)
		return nil, err
	}
	out.materialized = stored && materialize
	out.superseded = !stored
	c.observer.EvaluationFinished(seg.Type, out.duration, nil)

	logger.Debug("segment evaluated", "segment_id", seg.ID, "type", seg.Type, "user_count", len(members), "duration_ms", out.duration.Milliseconds())
	return out, nil
}

// store writes an outcome to the repository and notifies the sinks. It
// reports false without error when the segment changed after the outcome's
// snapshot was read; nothing is written then.
func (c *Coordinator) store(ctx context.Context, out *flightOutcome, materialize bool) (bool, error) {
	res := out.result()
	if materialize {
		res.MatchedUserIDs = out.members.Sorted()
	}
	err := c.repo.SetEvaluationResult(ctx, out.segment.ID, out.segment.UpdatedAt, res.UserCount, out.evaluatedAt, res.MatchedUserIDs)
	if errors.Is(err, ErrDefinitionChanged) {
		logger.Info("segment changed during evaluation, result discarded", "segment_id", out.segment.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.notifySinks(ctx, res)
	return true, nil
}

// resolveChildren evaluates composite children concurrently. Any failure fails
// the whole set.
func (c *Coordinator) resolveChildren(ctx context.Context, ids []string, chain []string) ([]IDSet, error) {
	sets := make([]IDSet, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, childID := range ids {
		g.Go(func() error {
			out, err := c.evaluate(gctx, childID, chain, false)
			if err != nil {
				return err
			}
			sets[i] = out.members
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sets, nil
}

func (c *Coordinator) notifySinks(ctx context.Context, res domain.EvaluationResult) {
	for _, sink := range c.sinks {
		if err := sink.EvaluationCompleted(ctx, res); err != nil {
			logger.Warn("evaluation result sink failed", "segment_id", res.SegmentID, "sink", fmt.Sprintf("%T", sink), "error", err)
		}
	}
}
