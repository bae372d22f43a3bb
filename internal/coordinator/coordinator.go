// Package coordinator polls the Matomo API for one config entry on a
// fixed interval and publishes the result as an all-or-nothing metric
// snapshot.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/matomo-bridge/internal/config"
	"github.com/nugget/matomo-bridge/internal/events"
	"github.com/nugget/matomo-bridge/internal/matomo"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

// Fetcher is the subset of [matomo.Client] the coordinator calls.
type Fetcher interface {
	VisitSummary(ctx context.Context, siteID int, period matomo.Period) (matomo.Metrics, error)
	Actions(ctx context.Context, siteID int, period matomo.Period) (matomo.Metrics, error)
	LiveCounters(ctx context.Context, siteID, lastMinutes int) (matomo.Metrics, error)
	AllSitesSummary(ctx context.Context, period matomo.Period) (matomo.Metrics, error)
}

// PollObserver records poll outcomes. The metrics package implements it.
type PollObserver interface {
	ObservePoll(entryID string, err error, elapsed time.Duration)
}

// Listener receives every published snapshot.
type Listener func(Snapshot)

// Config configures a Coordinator.
type Config struct {
	EntryID          string
	SiteID           int
	IncludeAggregate bool

	// LiveLastMinutes is the lastMinutes window for Live.getCounters.
	LiveLastMinutes int

	// Interval between polls.
	Interval time.Duration

	// Timeout bounds each Matomo call. In-flight calls are not
	// cancelled when the coordinator stops, so this is the longest a
	// stopped coordinator can keep working.
	Timeout time.Duration

	Fetcher  Fetcher
	Bus      *events.Bus
	Observer PollObserver
	Logger   *slog.Logger
}

// Coordinator owns the snapshot of one config entry.
type Coordinator struct {
	cfg   Config
	descs []sensor.Description

	// refreshMu serializes poll cycles so they never overlap.
	refreshMu sync.Mutex
	snap      atomic.Pointer[Snapshot]
	stopped   atomic.Bool

	// notifyMu is held while a snapshot is stored and handed to
	// listeners, so Stop can wait out a delivery in progress.
	notifyMu sync.Mutex

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New creates a coordinator. It does not poll until Run or Refresh is
// called.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.LiveLastMinutes <= 0 {
		cfg.LiveLastMinutes = 30
	}
	c := &Coordinator{
		cfg:       cfg,
		descs:     sensor.For(cfg.IncludeAggregate),
		listeners: make(map[int]Listener),
	}
	c.snap.Store(&Snapshot{})
	return c
}

// EntryID returns the config entry the coordinator polls for.
func (c *Coordinator) EntryID() string { return c.cfg.EntryID }

// Sensors returns the descriptions this coordinator fills.
func (c *Coordinator) Sensors() []sensor.Description { return c.descs }

// Snapshot returns the most recently published snapshot. Before the
// first poll completes it is the zero Snapshot, which is unavailable.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snap.Load()
}

// AddListener registers l for future snapshots and returns a function
// that unregisters it.
func (c *Coordinator) AddListener(l Listener) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Stop marks the coordinator unloaded. A poll cycle already in flight
// runs to completion but its result is discarded and listeners are not
// notified. If listeners are being notified when Stop is called, Stop
// returns after they finish, so nothing reaches them afterwards.
func (c *Coordinator) Stop() {
	c.notifyMu.Lock()
	c.stopped.Store(true)
	c.notifyMu.Unlock()
}

// Run polls once immediately and then every Interval until ctx is
// cancelled. Cancelling ctx stops the coordinator. It blocks.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.Stop()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh runs one poll cycle and publishes the result. Concurrent
// calls wait for each other. The returned snapshot is the one now
// visible through Snapshot; after Stop it is the last published one.
func (c *Coordinator) Refresh(ctx context.Context) Snapshot {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.stopped.Load() {
		return c.Snapshot()
	}

	log := c.cfg.Logger.With("entry_id", c.cfg.EntryID, "site_id", c.cfg.SiteID)
	c.cfg.Bus.Publish(events.Event{
		Source: events.SourceCoordinator,
		Kind:   events.KindPollStart,
		Data:   map[string]any{"entry_id": c.cfg.EntryID},
	})

	// Unload must not abort calls mid-flight; the timeout still applies.
	start := time.Now()
	report, err := c.fetch(context.WithoutCancel(ctx))
	elapsed := time.Since(start)

	if c.stopped.Load() {
		log.Debug("discarding poll result for unloaded entry", "elapsed", elapsed)
		return c.Snapshot()
	}

	if c.cfg.Observer != nil {
		c.cfg.Observer.ObservePoll(c.cfg.EntryID, err, elapsed)
	}

	snap := Snapshot{UpdatedAt: time.Now()}
	if err != nil {
		snap.Err = err
		log.Warn("matomo poll failed", "error", err, "elapsed", elapsed)
		c.cfg.Bus.Publish(events.Event{
			Source: events.SourceCoordinator,
			Kind:   events.KindPollFailed,
			Data: map[string]any{
				"entry_id":    c.cfg.EntryID,
				"error":       err.Error(),
				"duration_ms": elapsed.Milliseconds(),
			},
		})
	} else {
		snap.Available = true
		snap.Values = report.Project(c.descs)
		log.Log(ctx, config.LevelTrace, "matomo poll complete", "values", len(snap.Values), "elapsed", elapsed)
		c.cfg.Bus.Publish(events.Event{
			Source: events.SourceCoordinator,
			Kind:   events.KindPollComplete,
			Data: map[string]any{
				"entry_id":    c.cfg.EntryID,
				"values":      len(snap.Values),
				"duration_ms": elapsed.Milliseconds(),
			},
		})
	}

	if !c.publish(snap) {
		log.Debug("discarding poll result for unloaded entry", "elapsed", elapsed)
	}
	return c.Snapshot()
}

// publish stores snap and notifies listeners unless the coordinator
// has been stopped. It reports whether snap was published.
func (c *Coordinator) publish(snap Snapshot) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	if c.stopped.Load() {
		return false
	}
	c.snap.Store(&snap)

	c.mu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, l := range ls {
		l(snap)
	}
	return true
}

// fetch makes the cycle's calls in a fixed order and stops at the
// first failure.
func (c *Coordinator) fetch(ctx context.Context) (Report, error) {
	report := Report{Site: make(map[matomo.Period]matomo.Metrics, len(matomo.Periods))}
	siteID := c.cfg.SiteID

	for _, p := range matomo.Periods {
		summary, err := call(ctx, c.cfg.Timeout, func(ctx context.Context) (matomo.Metrics, error) {
			return c.cfg.Fetcher.VisitSummary(ctx, siteID, p)
		})
		if err != nil {
			return Report{}, fmt.Errorf("visit summary (%s): %w", p, err)
		}
		actions, err := call(ctx, c.cfg.Timeout, func(ctx context.Context) (matomo.Metrics, error) {
			return c.cfg.Fetcher.Actions(ctx, siteID, p)
		})
		if err != nil {
			return Report{}, fmt.Errorf("actions (%s): %w", p, err)
		}
		merged := matomo.Metrics{}
		merged.Merge(summary)
		merged.Merge(actions)
		report.Site[p] = merged
	}

	live, err := call(ctx, c.cfg.Timeout, func(ctx context.Context) (matomo.Metrics, error) {
		return c.cfg.Fetcher.LiveCounters(ctx, siteID, c.cfg.LiveLastMinutes)
	})
	if err != nil {
		return Report{}, fmt.Errorf("live counters: %w", err)
	}
	report.Live = live

	if !c.cfg.IncludeAggregate {
		return report, nil
	}

	report.Aggregate = make(map[matomo.Period]matomo.Metrics, len(matomo.Periods))
	for _, p := range matomo.Periods {
		all, err := call(ctx, c.cfg.Timeout, func(ctx context.Context) (matomo.Metrics, error) {
			return c.cfg.Fetcher.AllSitesSummary(ctx, p)
		})
		if err != nil {
			return Report{}, fmt.Errorf("all sites summary (%s): %w", p, err)
		}
		report.Aggregate[p] = all
	}
	return report, nil
}

func call(ctx context.Context, timeout time.Duration, fn func(context.Context) (matomo.Metrics, error)) (matomo.Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
