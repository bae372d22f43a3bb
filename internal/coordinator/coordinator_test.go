package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/matomo-bridge/internal/events"
	"github.com/nugget/matomo-bridge/internal/matomo"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockFetcher returns canned metrics per call and records call order.
type mockFetcher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error // call name -> error

	summary   matomo.Metrics
	actions   matomo.Metrics
	live      matomo.Metrics
	aggregate matomo.Metrics

	entered chan struct{} // when non-nil, signalled as each call starts
	block   chan struct{} // when non-nil, every call waits on it
}

func (m *mockFetcher) record(name string) error {
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	return m.fail[name]
}

func (m *mockFetcher) VisitSummary(_ context.Context, _ int, p matomo.Period) (matomo.Metrics, error) {
	if err := m.record("VisitsSummary.get/" + string(p)); err != nil {
		return nil, err
	}
	return m.summary, nil
}

func (m *mockFetcher) Actions(_ context.Context, _ int, p matomo.Period) (matomo.Metrics, error) {
	if err := m.record("Actions.get/" + string(p)); err != nil {
		return nil, err
	}
	return m.actions, nil
}

func (m *mockFetcher) LiveCounters(_ context.Context, _, _ int) (matomo.Metrics, error) {
	if err := m.record("Live.getCounters"); err != nil {
		return nil, err
	}
	return m.live, nil
}

func (m *mockFetcher) AllSitesSummary(_ context.Context, p matomo.Period) (matomo.Metrics, error) {
	if err := m.record("AllSites/" + string(p)); err != nil {
		return nil, err
	}
	return m.aggregate, nil
}

func (m *mockFetcher) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func newTestCoordinator(f Fetcher, aggregate bool) *Coordinator {
	return New(Config{
		EntryID:          "entry-1",
		SiteID:           3,
		IncludeAggregate: aggregate,
		Interval:         time.Hour,
		Timeout:          5 * time.Second,
		Fetcher:          f,
		Logger:           quietLogger(),
	})
}

func TestRefresh_CallOrder(t *testing.T) {
	tests := []struct {
		name      string
		aggregate bool
		want      []string
	}{
		{
			name: "site only",
			want: []string{
				"VisitsSummary.get/day", "Actions.get/day",
				"VisitsSummary.get/week", "Actions.get/week",
				"VisitsSummary.get/month", "Actions.get/month",
				"Live.getCounters",
			},
		},
		{
			name:      "with aggregate",
			aggregate: true,
			want: []string{
				"VisitsSummary.get/day", "Actions.get/day",
				"VisitsSummary.get/week", "Actions.get/week",
				"VisitsSummary.get/month", "Actions.get/month",
				"Live.getCounters",
				"AllSites/day", "AllSites/week", "AllSites/month",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &mockFetcher{}
			c := newTestCoordinator(f, tt.aggregate)
			c.Refresh(t.Context())

			got := f.callLog()
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("calls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRefresh_ProjectsValues(t *testing.T) {
	f := &mockFetcher{
		summary:   matomo.Metrics{"nb_visits": 42, "nb_uniq_visitors": 30, "nb_actions": 99},
		actions:   matomo.Metrics{"nb_pageviews": 120},
		live:      matomo.Metrics{"visitors": 2, "visits": 3, "actions": 7},
		aggregate: matomo.Metrics{"nb_visits": 500, "nb_pageviews": 900},
	}
	c := newTestCoordinator(f, true)
	snap := c.Refresh(t.Context())

	if !snap.Available {
		t.Fatalf("snapshot unavailable: %v", snap.Err)
	}
	checks := map[string]int64{
		"visits_today":              42,
		"unique_visitors_month":     30,
		"pageviews_week":            120,
		"actions_today":             99,
		"live_visitors":             2,
		"live_actions":              7,
		"all_sites_visits_today":    500,
		"all_sites_pageviews_month": 900,
	}
	for key, want := range checks {
		got, ok := snap.Value(key)
		if !ok || got != want {
			t.Errorf("Value(%q) = %d, %v; want %d", key, got, ok, want)
		}
	}
	// Aggregate actions were not returned, so the key is absent (unknown).
	if _, ok := snap.Value("all_sites_actions_today"); ok {
		t.Error("all_sites_actions_today should be absent")
	}
	known := make(map[string]bool)
	for _, d := range sensor.For(true) {
		known[d.Key] = true
	}
	for key := range snap.Values {
		if !known[key] {
			t.Errorf("snapshot contains unknown key %q", key)
		}
	}
	if got := c.Snapshot(); !got.Available || got.Values["visits_today"] != 42 {
		t.Errorf("Snapshot() = %+v, want published poll result", got)
	}
}

func TestRefresh_FailureIsAllOrNothing(t *testing.T) {
	// Every call position must produce an unavailable snapshot with no
	// values, even though earlier calls in the cycle succeeded.
	positions := []string{
		"VisitsSummary.get/day",
		"Actions.get/week",
		"Live.getCounters",
		"AllSites/month",
	}
	for _, pos := range positions {
		t.Run(pos, func(t *testing.T) {
			f := &mockFetcher{
				summary: matomo.Metrics{"nb_visits": 1},
				fail: map[string]error{
					pos: &matomo.Error{Kind: matomo.ErrConnectivity, Method: pos},
				},
			}
			c := newTestCoordinator(f, true)
			snap := c.Refresh(t.Context())

			if snap.Available {
				t.Error("snapshot should be unavailable")
			}
			if snap.Values != nil {
				t.Errorf("Values = %v, want nil", snap.Values)
			}
			if !errors.Is(snap.Err, matomo.ErrFetchFailed) {
				t.Errorf("Err = %v, want ErrFetchFailed", snap.Err)
			}
			if _, ok := snap.Value("visits_today"); ok {
				t.Error("Value should report no data for unavailable snapshot")
			}
		})
	}
}

func TestRefresh_NotifiesListeners(t *testing.T) {
	f := &mockFetcher{summary: matomo.Metrics{"nb_visits": 5}}
	c := newTestCoordinator(f, false)

	var got []Snapshot
	remove := c.AddListener(func(s Snapshot) { got = append(got, s) })
	c.Refresh(t.Context())
	remove()
	c.Refresh(t.Context())

	if len(got) != 1 {
		t.Fatalf("listener called %d times, want 1", len(got))
	}
	if got[0].Values["visits_today"] != 5 {
		t.Errorf("listener snapshot = %+v", got[0])
	}
}

func TestRefresh_NoOverlap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	f := &overlapFetcher{inFlight: &inFlight, max: &maxInFlight}
	c := newTestCoordinator(f, false)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Refresh(context.Background())
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent calls = %d, want 1", got)
	}
}

// overlapFetcher tracks how many calls run at once.
type overlapFetcher struct {
	inFlight, max *atomic.Int32
}

func (o *overlapFetcher) enter() {
	n := o.inFlight.Add(1)
	for {
		m := o.max.Load()
		if n <= m || o.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	o.inFlight.Add(-1)
}

func (o *overlapFetcher) VisitSummary(context.Context, int, matomo.Period) (matomo.Metrics, error) {
	o.enter()
	return matomo.Metrics{}, nil
}

func (o *overlapFetcher) Actions(context.Context, int, matomo.Period) (matomo.Metrics, error) {
	o.enter()
	return matomo.Metrics{}, nil
}

func (o *overlapFetcher) LiveCounters(context.Context, int, int) (matomo.Metrics, error) {
	o.enter()
	return matomo.Metrics{}, nil
}

func (o *overlapFetcher) AllSitesSummary(context.Context, matomo.Period) (matomo.Metrics, error) {
	o.enter()
	return matomo.Metrics{}, nil
}

func TestRefresh_DiscardedAfterStop(t *testing.T) {
	f := &mockFetcher{
		summary: matomo.Metrics{"nb_visits": 9},
		entered: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	c := newTestCoordinator(f, false)

	var notified atomic.Bool
	c.AddListener(func(Snapshot) { notified.Store(true) })

	done := make(chan Snapshot)
	go func() { done <- c.Refresh(context.Background()) }()

	<-f.entered
	c.Stop()
	close(f.block)

	select {
	case snap := <-done:
		if snap.Polled() {
			t.Errorf("Refresh after Stop returned polled snapshot %+v", snap)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Refresh did not return")
	}
	if notified.Load() {
		t.Error("listener notified after Stop")
	}
	if c.Snapshot().Polled() {
		t.Error("result published after Stop")
	}
	if len(f.callLog()) != 7 {
		t.Errorf("in-flight cycle made %d calls, want all 7", len(f.callLog()))
	}
}

func TestRefresh_CancelledContextStillCompletes(t *testing.T) {
	f := &mockFetcher{summary: matomo.Metrics{"nb_visits": 1}}
	c := newTestCoordinator(f, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := c.Refresh(ctx)
	if !snap.Available {
		t.Errorf("Refresh with cancelled parent = %+v, want available", snap)
	}
}

func TestRun_PollsImmediatelyAndStops(t *testing.T) {
	f := &mockFetcher{}
	c := newTestCoordinator(f, false)

	polled := make(chan struct{}, 1)
	c.AddListener(func(Snapshot) {
		select {
		case polled <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("no immediate poll")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	f.mu.Lock()
	before := len(f.calls)
	f.mu.Unlock()
	c.Refresh(t.Context())
	f.mu.Lock()
	after := len(f.calls)
	f.mu.Unlock()
	if after != before {
		t.Errorf("Refresh after Run exited made %d fetch calls, want 0", after-before)
	}
}

func TestStop_WaitsForListener(t *testing.T) {
	f := &mockFetcher{summary: matomo.Metrics{"nb_visits": 1}}
	c := newTestCoordinator(f, false)

	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered atomic.Int32
	c.AddListener(func(Snapshot) {
		close(entered)
		<-release
		delivered.Add(1)
	})

	go c.Refresh(t.Context())
	<-entered

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a listener was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the listener finished")
	}
	if got := delivered.Load(); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}

	c.Refresh(t.Context())
	if got := delivered.Load(); got != 1 {
		t.Errorf("deliveries after Stop = %d, want 1", got)
	}
}

func TestRefresh_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(10)
	defer bus.Unsubscribe(ch)

	f := &mockFetcher{fail: map[string]error{
		"Live.getCounters": &matomo.Error{Kind: matomo.ErrAuth, Method: "Live.getCounters"},
	}}
	c := New(Config{
		EntryID: "entry-1", SiteID: 1, Interval: time.Hour,
		Fetcher: f, Bus: bus, Logger: quietLogger(),
	})
	c.Refresh(t.Context())

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{events.KindPollStart, events.KindPollFailed}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
}

type recordingObserver struct {
	entries []string
	errs    []error
}

func (r *recordingObserver) ObservePoll(entryID string, err error, _ time.Duration) {
	r.entries = append(r.entries, entryID)
	r.errs = append(r.errs, err)
}

func TestRefresh_Observer(t *testing.T) {
	obs := &recordingObserver{}
	c := New(Config{
		EntryID: "entry-9", SiteID: 1, Interval: time.Hour,
		Fetcher: &mockFetcher{}, Observer: obs, Logger: quietLogger(),
	})
	c.Refresh(t.Context())
	if len(obs.entries) != 1 || obs.entries[0] != "entry-9" || obs.errs[0] != nil {
		t.Errorf("observer got entries=%v errs=%v", obs.entries, obs.errs)
	}
}

// TestRefresh_AgainstMatomo drives the real client against a fake
// Matomo server: a 401 takes the entry unavailable and a later 200
// brings it back.
func TestRefresh_AgainstMatomo(t *testing.T) {
	var unauthorized atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthorized.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch method := r.URL.Query().Get("method"); method {
		case "VisitsSummary.get":
			if err := r.ParseForm(); err != nil {
				t.Errorf("ParseForm: %v", err)
			}
			if r.PostForm.Get("period") == "day" {
				fmt.Fprint(w, `{"nb_visits": 42}`)
				return
			}
			fmt.Fprint(w, `{"nb_visits": 100}`)
		case "Actions.get":
			fmt.Fprint(w, `[]`)
		case "Live.getCounters":
			fmt.Fprint(w, `[{"visits":"4","actions":"10","visitors":"3","visitsConverted":"0"}]`)
		default:
			t.Errorf("unexpected method %q", method)
		}
	}))
	defer srv.Close()

	client := matomo.NewClient(srv.URL, "tok", matomo.Options{Timeout: 5 * time.Second, Logger: quietLogger()})
	c := newTestCoordinator(client, false)

	snap := c.Refresh(t.Context())
	if got, ok := snap.Value("visits_today"); !ok || got != 42 {
		t.Fatalf("visits_today = %d, %v; want 42 (err %v)", got, ok, snap.Err)
	}
	if got, _ := snap.Value("live_visitors"); got != 3 {
		t.Errorf("live_visitors = %d, want 3", got)
	}
	if _, ok := snap.Value("pageviews_today"); ok {
		t.Error("pageviews_today should be unknown when Actions.get has no data")
	}

	unauthorized.Store(true)
	snap = c.Refresh(t.Context())
	if snap.Available {
		t.Fatal("snapshot should be unavailable after 401")
	}
	if !errors.Is(snap.Err, matomo.ErrAuth) {
		t.Errorf("Err = %v, want ErrAuth", snap.Err)
	}

	unauthorized.Store(false)
	snap = c.Refresh(t.Context())
	if !snap.Available {
		t.Fatalf("snapshot should recover after 200, err %v", snap.Err)
	}
	if got, _ := snap.Value("visits_week"); got != 100 {
		t.Errorf("visits_week = %d, want 100", got)
	}
}
