package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// Interval bounds and defaults.
const (
	MinInterval     = 1 * time.Minute
	MaxInterval     = 30 * time.Minute
	DefaultInterval = 1 * time.Minute
	DefaultTimeout  = 10 * time.Second
)

// State is the coordinator's fetch state.
type State string

const (
	StateIdle     State = "IDLE"
	StateFetching State = "FETCHING"
)

// Snapshot is the last successfully fetched fleet state. It is replaced as a
// whole on every successful refresh and never merged.
type Snapshot struct {
	Rigs       *nicehash.RigsResponse
	Account    *nicehash.AccountResponse
	RigsRaw    json.RawMessage
	AccountRaw json.RawMessage
	FetchedAt  time.Time
}

// Fetcher produces a complete snapshot or an error.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Snapshot, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// Update is passed to listeners after every completed refresh.
type Update struct {
	Success     bool
	Err         error
	Snapshot    Snapshot
	HasSnapshot bool
	At          time.Time
}

// Listener is called synchronously after every refresh, in registration
// order. Listeners must not block and must not call Refresh; RequestRefresh
// is safe.
type Listener func(Update)

type listenerEntry struct {
	fn      Listener
	removed atomic.Bool
}

// Coordinator owns the periodic refresh of one account's fleet state.
type Coordinator struct {
	fetcher     Fetcher
	log         zerolog.Logger
	timeout     time.Duration
	minInterval time.Duration
	maxInterval time.Duration
	now         func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	state       State
	interval    time.Duration
	snapshot    Snapshot
	hasSnapshot bool
	lastSuccess bool
	lastErr     error
	lastUpdated time.Time
	failures    int

	listenersMu sync.Mutex
	listeners   []*listenerEntry

	requests  chan struct{}
	completed chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = log
	}
}

// WithInterval sets the initial refresh interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = d
	}
}

// WithTimeout sets the per-fetch deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithIntervalBounds overrides the [1m, 30m] clamp. Used by tests.
func WithIntervalBounds(lo, hi time.Duration) Option {
	return func(c *Coordinator) {
		c.minInterval = lo
		c.maxInterval = hi
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a coordinator. Nothing is fetched until Refresh or Run.
func New(fetcher Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher:     fetcher,
		log:         zerolog.Nop(),
		timeout:     DefaultTimeout,
		minInterval: MinInterval,
		maxInterval: MaxInterval,
		now:         time.Now,
		state:       StateIdle,
		interval:    DefaultInterval,
		requests:    make(chan struct{}, 1),
		completed:   make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.interval = c.clamp(c.interval)
	return c
}

func (c *Coordinator) clamp(d time.Duration) time.Duration {
	if d < c.minInterval {
		return c.minInterval
	}
	if d > c.maxInterval {
		return c.maxInterval
	}
	return d
}

// Snapshot returns the cached snapshot and whether one exists.
func (c *Coordinator) Snapshot() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, c.hasSnapshot
}

// LastUpdateSuccess reports whether the most recent refresh succeeded.
// It is false before the first refresh.
func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// LastError returns the error of the most recent refresh, or nil.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LastUpdated returns when the snapshot was last replaced.
func (c *Coordinator) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// ConsecutiveFailures counts failed refreshes since the last success.
func (c *Coordinator) ConsecutiveFailures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failures
}

// State returns IDLE or FETCHING.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Interval returns the current refresh interval.
func (c *Coordinator) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// SetInterval changes the refresh interval, clamped to the allowed bounds,
// and returns the value applied. It takes effect when the timer is next
// armed; an in-flight fetch is not affected.
func (c *Coordinator) SetInterval(d time.Duration) time.Duration {
	d = c.clamp(d)
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
	return d
}

// Subscribe registers fn and returns a handle that removes it. The handle is
// idempotent and safe to call from inside a listener.
func (c *Coordinator) Subscribe(fn Listener) func() {
	e := &listenerEntry{fn: fn}

	c.listenersMu.Lock()
	c.listeners = append(c.listeners, e)
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.removed.Store(true)

			c.listenersMu.Lock()
			defer c.listenersMu.Unlock()
			for i, l := range c.listeners {
				if l == e {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// ListenerCount returns the number of registered listeners.
func (c *Coordinator) ListenerCount() int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.listeners)
}

func (c *Coordinator) notify(u Update) {
	c.listenersMu.Lock()
	current := make([]*listenerEntry, len(c.listeners))
	copy(current, c.listeners)
	c.listenersMu.Unlock()

	for _, e := range current {
		if e.removed.Load() {
			continue
		}
		e.fn(u)
	}
}

// Refresh fetches now. Concurrent callers share a single in-flight fetch and
// all receive its error. The fetch is not cancelled when a caller gives up.
func (c *Coordinator) Refresh(ctx context.Context) error {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return nil, c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRefresh asks the Run loop for a refresh without blocking. Requests
// made before the loop wakes collapse into one fetch.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

func (c *Coordinator) refresh(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateFetching
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	snap, err := c.fetcher.Fetch(fetchCtx)
	cancel()

	now := c.now()

	c.mu.Lock()
	c.state = StateIdle
	if err != nil {
		c.lastSuccess = false
		c.lastErr = err
		c.failures++
	} else {
		if snap.FetchedAt.IsZero() {
			snap.FetchedAt = now
		}
		c.snapshot = snap
		c.hasSnapshot = true
		c.lastSuccess = true
		c.lastErr = nil
		c.failures = 0
		c.lastUpdated = now
	}
	update := Update{
		Success:     err == nil,
		Err:         err,
		Snapshot:    c.snapshot,
		HasSnapshot: c.hasSnapshot,
		At:          now,
	}
	failures := c.failures
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("refresh failed, keeping last snapshot")
	} else {
		c.log.Debug().Time("fetched_at", update.Snapshot.FetchedAt).Msg("refresh complete")
	}

	c.notify(update)

	select {
	case c.completed <- struct{}{}:
	default:
	}

	return err
}

// Run refreshes immediately and then on every interval until ctx is done.
// Any completed refresh, including one triggered by RequestRefresh or a
// direct Refresh call, re-arms the timer with the current interval.
func (c *Coordinator) Run(ctx context.Context) error {
	c.refreshFromLoop(ctx)
	return c.Loop(ctx)
}

// Loop is Run without the immediate first refresh, for callers that already
// performed it.
func (c *Coordinator) Loop(ctx context.Context) error {
	timer := time.NewTimer(c.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			c.refreshFromLoop(ctx)
		case <-c.requests:
			c.refreshFromLoop(ctx)
		case <-c.completed:
		}

		timer.Reset(c.Interval())
	}
}

func (c *Coordinator) refreshFromLoop(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// errors are recorded on the coordinator and logged by refresh
	_ = c.Refresh(ctx)
}
