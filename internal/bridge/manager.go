// Package bridge ties config entries to running coordinators and to the
// sinks that expose their sensors. It owns the entry lifecycle: setup,
// unload, removal, and options changes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/matomo-bridge/internal/coordinator"
	"github.com/nugget/matomo-bridge/internal/entries"
	"github.com/nugget/matomo-bridge/internal/events"
	"github.com/nugget/matomo-bridge/internal/matomo"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

// ErrNotLoaded is returned for operations that need a running entry.
var ErrNotLoaded = errors.New("config entry not loaded")

// errUnloaded is the error on the snapshot published when an entry is
// unloaded.
var errUnloaded = errors.New("config entry unloaded")

// Store is the persistence the manager needs.
type Store interface {
	Get(id string) (entries.Entry, error)
	List() ([]entries.Entry, error)
	UpdateOptions(id string, includeAggregate bool) (entries.Entry, error)
	UpdateSiteName(id, name string) (entries.Entry, error)
	Delete(id string) error
}

// LoadedGauge records how many entries are running.
type LoadedGauge interface {
	SetEntriesLoaded(n int)
}

// Config configures a Manager.
type Config struct {
	Store Store

	// NewFetcher builds the Matomo client for an entry.
	NewFetcher func(e entries.Entry) coordinator.Fetcher

	// LookupSite fetches the entry's site from Matomo. When set, Start
	// uses it to pick up sites renamed since the entry was created.
	LookupSite func(ctx context.Context, e entries.Entry) (matomo.Site, error)

	Sinks Sinks

	PollInterval    time.Duration
	RequestTimeout  time.Duration
	LiveLastMinutes int

	Bus      *events.Bus
	Observer coordinator.PollObserver
	Gauge    LoadedGauge

	// OnLoad and OnUnload run, with the manager locked, as an entry
	// starts and stops. main uses them to watch each Matomo host.
	OnLoad   func(e entries.Entry)
	OnUnload func(e entries.Entry)

	Logger *slog.Logger
}

// Manager runs one coordinator per loaded entry.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	baseCtx context.Context
	loaded  map[string]*loadedEntry
	wg      sync.WaitGroup
}

type loadedEntry struct {
	entry    entries.Entry
	owner    sensor.Owner
	entities []sensor.Entity
	coord    *coordinator.Coordinator
	cancel   context.CancelFunc
	unlisten func()
}

// EntryStatus is a loaded or stored entry with its latest snapshot.
type EntryStatus struct {
	Entry    entries.Entry        `json:"entry"`
	Loaded   bool                 `json:"loaded"`
	Snapshot coordinator.Snapshot `json:"snapshot"`
	Entities []sensor.Entity      `json:"-"`
}

// NewManager creates a manager. Call Start to load stored entries.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		baseCtx: context.Background(),
		loaded:  make(map[string]*loadedEntry),
	}
}

// Start sets up every stored entry. Coordinators stop when ctx is
// cancelled. An entry that fails to set up is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	list, err := m.cfg.Store.List()
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	for _, e := range list {
		e = m.syncSiteName(ctx, e)
		if err := m.Setup(ctx, e); err != nil {
			m.cfg.Logger.Error("entry setup failed", "entry_id", e.ID, "error", err)
		}
	}
	return nil
}

// Setup registers the entry's entities with every sink and starts its
// coordinator. Setting up a loaded entry is a no-op.
func (m *Manager) Setup(ctx context.Context, e entries.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.loaded[e.ID]; ok {
		return nil
	}

	owner := ownerOf(e)
	le := &loadedEntry{
		entry:    e,
		owner:    owner,
		entities: sensor.Entities(owner, sensor.For(e.IncludeAggregate)),
	}
	if err := m.cfg.Sinks.AddEntities(ctx, le.entities); err != nil {
		// Sinks republish on reconnect, so a partial failure is not fatal.
		m.cfg.Logger.Warn("entity registration incomplete", "entry_id", e.ID, "error", err)
	}

	m.start(le)
	m.loaded[e.ID] = le
	m.setLoadedGauge()
	if m.cfg.OnLoad != nil {
		m.cfg.OnLoad(e)
	}

	m.cfg.Logger.Info("config entry loaded",
		"entry_id", e.ID, "site_id", e.SiteID, "entities", len(le.entities))
	m.cfg.Bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindEntryLoaded,
		Data:   map[string]any{"entry_id": e.ID, "entities": len(le.entities)},
	})
	return nil
}

// syncSiteName stores the site's current Matomo name when it differs
// from the stored one. Lookup failures keep the stored name; the poll
// loop reports an unreachable Matomo on its own.
func (m *Manager) syncSiteName(ctx context.Context, e entries.Entry) entries.Entry {
	if m.cfg.LookupSite == nil {
		return e
	}
	timeout := m.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	site, err := m.cfg.LookupSite(lctx, e)
	if err != nil {
		m.cfg.Logger.Debug("site lookup failed", "entry_id", e.ID, "site_id", e.SiteID, "error", err)
		return e
	}
	if site.Name == "" || site.Name == e.SiteName {
		return e
	}
	updated, err := m.cfg.Store.UpdateSiteName(e.ID, site.Name)
	if err != nil {
		m.cfg.Logger.Warn("site rename not stored", "entry_id", e.ID, "error", err)
		return e
	}
	m.cfg.Logger.Info("site renamed in matomo", "entry_id", e.ID, "old", e.SiteName, "new", site.Name)
	return updated
}

func ownerOf(e entries.Entry) sensor.Owner {
	return sensor.Owner{EntryID: e.ID, SiteID: e.SiteID, SiteName: e.SiteName, BaseURL: e.BaseURL}
}

// start creates and runs a coordinator for le. Caller holds m.mu.
func (m *Manager) start(le *loadedEntry) {
	coord := coordinator.New(coordinator.Config{
		EntryID:          le.entry.ID,
		SiteID:           le.entry.SiteID,
		IncludeAggregate: le.entry.IncludeAggregate,
		LiveLastMinutes:  m.cfg.LiveLastMinutes,
		Interval:         m.cfg.PollInterval,
		Timeout:          m.cfg.RequestTimeout,
		Fetcher:          m.cfg.NewFetcher(le.entry),
		Bus:              m.cfg.Bus,
		Observer:         m.cfg.Observer,
		Logger:           m.cfg.Logger,
	})

	ctx, cancel := context.WithCancel(m.baseCtx)
	owner, entities := le.owner, le.entities
	le.coord = coord
	le.cancel = cancel
	le.unlisten = coord.AddListener(func(snap coordinator.Snapshot) {
		if err := m.cfg.Sinks.PublishState(ctx, owner, entities, snap); err != nil {
			m.cfg.Logger.Warn("state publish failed", "entry_id", owner.EntryID, "error", err)
		}
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		coord.Run(ctx)
	}()
}

// stop halts le's coordinator. A poll in flight completes but is not
// published, and a state publish already under way finishes before stop
// returns. Caller holds m.mu.
func (m *Manager) stop(le *loadedEntry) {
	le.cancel()
	le.unlisten()
	le.coord.Stop()
}

func (m *Manager) setLoadedGauge() {
	if m.cfg.Gauge != nil {
		m.cfg.Gauge.SetEntriesLoaded(len(m.loaded))
	}
}

// Unload stops polling the entry and marks its entities unavailable.
// The entry stays stored.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(ctx, id)
}

func (m *Manager) unloadLocked(ctx context.Context, id string) error {
	le, ok := m.loaded[id]
	if !ok {
		return fmt.Errorf("entry %s: %w", id, ErrNotLoaded)
	}
	m.stop(le)
	delete(m.loaded, id)
	m.setLoadedGauge()
	if m.cfg.OnUnload != nil {
		m.cfg.OnUnload(le.entry)
	}

	unavailable := coordinator.Snapshot{Err: errUnloaded, UpdatedAt: time.Now()}
	if err := m.cfg.Sinks.PublishState(ctx, le.owner, le.entities, unavailable); err != nil {
		m.cfg.Logger.Warn("unavailable publish failed", "entry_id", id, "error", err)
	}

	m.cfg.Logger.Info("config entry unloaded", "entry_id", id)
	m.cfg.Bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindEntryUnloaded,
		Data:   map[string]any{"entry_id": id},
	})
	return nil
}

// Remove unloads the entry, deletes its entities from every sink, and
// deletes the stored entry.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.cfg.Store.Get(id)
	if err != nil {
		return err
	}

	entities := sensor.Entities(
		ownerOf(e),
		sensor.For(e.IncludeAggregate),
	)
	if le, ok := m.loaded[id]; ok {
		entities = le.entities
		if err := m.unloadLocked(ctx, id); err != nil {
			return err
		}
	}

	if err := m.cfg.Sinks.RemoveEntities(ctx, entities); err != nil {
		m.cfg.Logger.Warn("entity removal incomplete", "entry_id", id, "error", err)
	}
	m.cfg.Sinks.ForgetEntry(id)

	if err := m.cfg.Store.Delete(id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}

	m.cfg.Logger.Info("config entry removed", "entry_id", id)
	m.cfg.Bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindEntryRemoved,
		Data:   map[string]any{"entry_id": id},
	})
	return nil
}

// SetOptions persists include_aggregate and brings the entity set in
// line with it: exactly the aggregate entities are added or removed and
// the coordinator restarts with the new sensor table. Site entities are
// left alone.
func (m *Manager) SetOptions(ctx context.Context, id string, includeAggregate bool) (entries.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated, err := m.cfg.Store.UpdateOptions(id, includeAggregate)
	if err != nil {
		return entries.Entry{}, err
	}

	le, ok := m.loaded[id]
	if !ok {
		return updated, nil
	}

	next := sensor.Entities(le.owner, sensor.For(includeAggregate))
	added, removed := sensor.Diff(le.entities, next)

	m.stop(le)
	if err := m.cfg.Sinks.RemoveEntities(ctx, removed); err != nil {
		m.cfg.Logger.Warn("entity removal incomplete", "entry_id", id, "error", err)
	}
	if err := m.cfg.Sinks.AddEntities(ctx, added); err != nil {
		m.cfg.Logger.Warn("entity registration incomplete", "entry_id", id, "error", err)
	}

	le.entry = updated
	le.entities = next
	m.start(le)

	m.cfg.Logger.Info("config entry options updated",
		"entry_id", id, "include_aggregate", includeAggregate,
		"added", len(added), "removed", len(removed))
	m.cfg.Bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindOptionsUpdated,
		Data: map[string]any{
			"entry_id":          id,
			"include_aggregate": includeAggregate,
			"added":             len(added),
			"removed":           len(removed),
		},
	})
	return updated, nil
}

// Refresh polls the entry now and returns the new snapshot.
func (m *Manager) Refresh(ctx context.Context, id string) (coordinator.Snapshot, error) {
	m.mu.Lock()
	le, ok := m.loaded[id]
	m.mu.Unlock()
	if !ok {
		return coordinator.Snapshot{}, fmt.Errorf("entry %s: %w", id, ErrNotLoaded)
	}
	return le.coord.Refresh(ctx), nil
}

// Entities returns the registered entities of a loaded entry.
func (m *Manager) Entities(id string) []sensor.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if le, ok := m.loaded[id]; ok {
		return le.entities
	}
	return nil
}

// Status returns every stored entry joined with its running state.
func (m *Manager) Status() ([]EntryStatus, error) {
	list, err := m.cfg.Store.List()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EntryStatus, 0, len(list))
	for _, e := range list {
		st := EntryStatus{Entry: e}
		if le, ok := m.loaded[e.ID]; ok {
			st.Loaded = true
			st.Snapshot = le.coord.Snapshot()
			st.Entities = le.entities
		}
		out = append(out, st)
	}
	return out, nil
}

// Shutdown unloads every entry and waits for coordinators to exit or
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for id := range m.loaded {
		if err := m.unloadLocked(ctx, id); err != nil {
			m.cfg.Logger.Warn("unload failed", "entry_id", id, "error", err)
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
