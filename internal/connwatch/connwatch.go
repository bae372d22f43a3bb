// Package connwatch tracks whether the services the bridge talks to are
// reachable: the MQTT broker, each Matomo installation, and Home
// Assistant's REST API. It reports health for the dashboard and gates
// sinks that should not write to a service that is down.
//
// It never retries Matomo polls. A failed poll waits for the next
// coordinator tick; the watcher only tells operators why.
//
// Each Watcher probes one service. Until the first success it backs off
// exponentially (2s, 4s, 8s, ... capped at 60s) for a bounded number of
// attempts, then settles into a fixed probe interval.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take DefaultBackoff values.
type Backoff struct {
	Initial  time.Duration // first startup delay
	Max      time.Duration // ceiling for startup delays
	Factor   float64       // growth per attempt
	Attempts int           // startup attempts before settling into Interval
	Interval time.Duration // steady-state probe interval
	Timeout  time.Duration // per-probe timeout
}

// DefaultBackoff is 2s doubling to 60s over 10 attempts, then a probe
// every minute with a 10s timeout.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:  2 * time.Second,
		Max:      60 * time.Second,
		Factor:   2.0,
		Attempts: 10,
		Interval: 60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Factor <= 0 {
		b.Factor = d.Factor
	}
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Interval <= 0 {
		b.Interval = d.Interval
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Delay returns the wait after the given failed startup attempt
// (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Config configures one watcher.
type Config struct {
	// Name identifies the service, e.g. "mqtt" or "matomo stats.example.com".
	Name string

	Probe   ProbeFunc
	Backoff Backoff

	// OnChange is called in its own goroutine whenever readiness flips.
	OnChange func(ready bool, err error)

	Logger *slog.Logger
}

// Status is a watcher's health, as served by /healthz.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff

	for attempt := 1; attempt <= b.Attempts; attempt++ {
		if w.check(ctx) {
			break
		}
		if attempt == b.Attempts {
			w.cfg.Logger.Info("service unreachable at startup, probing every interval",
				"service", w.cfg.Name, "attempts", attempt, "interval", b.Interval)
			break
		}
		if !sleepCtx(ctx, b.Delay(attempt)) {
			return
		}
	}

	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the result and reports transitions.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.Timeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	failures := w.failures
	w.mu.Unlock()

	log := w.cfg.Logger.With("service", w.cfg.Name)
	switch {
	case err == nil && !was:
		log.Info("service reachable")
	case err != nil && was:
		log.Warn("service became unreachable", "error", err)
	case err != nil:
		log.Debug("service still unreachable", "error", err, "failures", failures)
	}
	if was != (err == nil) && w.cfg.OnChange != nil {
		go w.cfg.OnChange(err == nil, err)
	}
	return err == nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers keyed by name. Watchers registered with
// Retain are reference counted so several config entries on the same
// Matomo host share one watcher.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
	refs     map[string]int
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		watchers: make(map[string]*Watcher),
		refs:     make(map[string]int),
	}
}

// Watch starts a watcher, replacing any existing watcher of the same
// name. It runs until ctx is cancelled or it is stopped.
func (m *Manager) Watch(ctx context.Context, cfg Config) (*Watcher, error) {
	if cfg.Name == "" {
		return nil, errors.New("connwatch: name must not be empty")
	}
	if cfg.Probe == nil {
		return nil, errors.New("connwatch: probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w, nil
}

// Retain starts a watcher on first use of the name and counts further
// uses. Each Retain must be paired with a Release.
func (m *Manager) Retain(ctx context.Context, cfg Config) (*Watcher, error) {
	m.mu.Lock()
	if w, ok := m.watchers[cfg.Name]; ok {
		m.refs[cfg.Name]++
		m.mu.Unlock()
		return w, nil
	}
	m.mu.Unlock()

	w, err := m.Watch(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.refs[cfg.Name]++
	m.mu.Unlock()
	return w, nil
}

// Release drops one reference and stops the watcher when none remain.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	m.refs[name]--
	if m.refs[name] > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.refs, name)
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Get returns the named watcher.
func (m *Manager) Get(name string) (*Watcher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watchers[name]
	return w, ok
}

// Status returns every watcher's health, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.refs = make(map[string]int)
	m.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
}
