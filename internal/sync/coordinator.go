package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// ErrSyncInFlight is returned by SyncNow when a run is already active.
// Runs are never queued; the caller retries after the active run finishes.
var ErrSyncInFlight = errors.New("sync already in flight")

const (
	// DefaultDebounce is the quiet period after an offline→online
	// transition before a run starts, so connectivity flapping collapses
	// to one run.
	DefaultDebounce = 2 * time.Second
	// DefaultInterval is the periodic trigger cadence while online.
	DefaultInterval = 30 * time.Second
)

// Runner executes one sync run. Satisfied by *Engine.
type Runner interface {
	Run(ctx context.Context) (*RunSummary, error)
}

// Coordinator owns when sync runs happen and guarantees at most one run is in
// flight process-wide.
//
// Triggers:
//   - offline→online transition, debounced by the quiet period
//   - a periodic tick while online
//   - SyncNow, the explicit path that propagates run errors
//
// Background triggers log-and-swallow errors; going offline cancels a pending
// debounced run. A trigger that finds a run in flight silently no-ops.
type Coordinator struct {
	runner   Runner
	log      zerolog.Logger
	debounce time.Duration
	interval time.Duration

	inFlight atomic.Bool
	online   atomic.Bool

	mu      gosync.Mutex
	pending *time.Timer

	// onSummary, when set, receives the summary of every completed run.
	onSummary func(*RunSummary)
}

// NewCoordinator creates a Coordinator. Non-positive durations fall back to
// the package defaults.
func NewCoordinator(runner Runner, debounce, interval time.Duration, log zerolog.Logger) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coordinator{
		runner:   runner,
		log:      log,
		debounce: debounce,
		interval: interval,
	}
}

// OnSummary registers a callback invoked after every completed run, explicit
// or background. Must be called before Start.
func (c *Coordinator) OnSummary(fn func(*RunSummary)) {
	c.onSummary = fn
}

// Start launches the periodic trigger and consumes network transitions from
// events until ctx is cancelled. It blocks; run it in its own goroutine or
// errgroup.
func (c *Coordinator) Start(ctx context.Context, events <-chan bool) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(func() {
			if !c.online.Load() {
				return
			}
			c.tryRun(ctx, "periodic")
		}),
	)
	if err != nil {
		return err
	}
	scheduler.Start()

	for {
		select {
		case <-ctx.Done():
			c.cancelPending()
			return scheduler.Shutdown()
		case online, ok := <-events:
			if !ok {
				c.cancelPending()
				return scheduler.Shutdown()
			}
			c.SetOnline(ctx, online)
		}
	}
}

// SetOnline records a connectivity transition. Coming online schedules a
// debounced run; going offline cancels any pending one.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) {
	was := c.online.Swap(online)
	if online == was {
		return
	}

	if !online {
		c.log.Info().Msg("network offline")
		c.cancelPending()
		return
	}

	c.log.Info().Dur("debounce", c.debounce).Msg("network online, scheduling sync")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.pending.Stop()
	}
	c.pending = time.AfterFunc(c.debounce, func() {
		c.tryRun(ctx, "online-transition")
	})
}

// Online reports the last observed connectivity state.
func (c *Coordinator) Online() bool {
	return c.online.Load()
}

// InFlight reports whether a run is currently active.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load()
}

// SyncNow runs a sync immediately and propagates its error, for the explicit
// user action and the finalize flow. Returns ErrSyncInFlight when another run
// holds the guard.
func (c *Coordinator) SyncNow(ctx context.Context) (*RunSummary, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInFlight
	}
	defer c.inFlight.Store(false)

	summary, err := c.runner.Run(ctx)
	if summary != nil && c.onSummary != nil {
		c.onSummary(summary)
	}
	return summary, err
}

// tryRun is the background trigger path: no-op when the guard is held, and
// run errors are logged, never propagated.
func (c *Coordinator) tryRun(ctx context.Context, trigger string) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.log.Debug().Str("trigger", trigger).Msg("sync already in flight, skipping")
		return
	}
	defer c.inFlight.Store(false)

	summary, err := c.runner.Run(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("trigger", trigger).Msg("background sync finished with errors")
	}
	if summary != nil && c.onSummary != nil {
		c.onSummary(summary)
	}
}

func (c *Coordinator) cancelPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}
