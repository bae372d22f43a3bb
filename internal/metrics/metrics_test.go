package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/matomo-bridge/internal/coordinator"
	"github.com/nugget/matomo-bridge/internal/matomo"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&matomo.Error{Kind: matomo.ErrAuth}, "auth"},
		{&matomo.Error{Kind: matomo.ErrConnectivity}, "connectivity"},
		{&matomo.Error{Kind: matomo.ErrMalformed}, "malformed"},
		{&matomo.Error{Kind: matomo.ErrAPI}, "api"},
		{fmt.Errorf("wrapped: %w", &matomo.Error{Kind: matomo.ErrAuth}), "auth"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRequest("VisitsSummary.get", nil, 10*time.Millisecond)
	m.ObserveRequest("VisitsSummary.get", &matomo.Error{Kind: matomo.ErrAuth}, time.Millisecond)
	m.ObservePoll("e1", nil, time.Second)
	m.ObservePoll("e1", errors.New("boom"), time.Second)
	m.ObservePoll("e1", nil, time.Second)
	m.SetEntriesLoaded(3)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("VisitsSummary.get", "ok")); got != 1 {
		t.Errorf("requests ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("VisitsSummary.get", "auth")); got != 1 {
		t.Errorf("requests auth = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PollsTotal.WithLabelValues("e1", "success")); got != 2 {
		t.Errorf("polls success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PollsTotal.WithLabelValues("e1", "failure")); got != 1 {
		t.Errorf("polls failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EntriesLoaded); got != 3 {
		t.Errorf("entries loaded = %v, want 3", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("API.getMatomoVersion", nil, time.Millisecond)
	m.ObservePoll("e1", nil, time.Millisecond)
	m.SetEntriesLoaded(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil Handler status = %d, want 404", rec.Code)
	}
}

func TestSink(t *testing.T) {
	m := New(prometheus.NewRegistry())
	s := NewSink(m)
	owner := sensor.Owner{EntryID: "e1", SiteID: 3, SiteName: "Blog"}
	ents := sensor.Entities(owner, sensor.For(false))

	snap := coordinator.Snapshot{
		Available: true,
		Values:    map[string]int64{"visits_today": 42, "live_visitors": 2},
		UpdatedAt: time.Now(),
	}
	if err := s.PublishState(t.Context(), owner, ents, snap); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	if got := testutil.ToFloat64(m.SensorValue.WithLabelValues("e1", "3", "visits_today")); got != 42 {
		t.Errorf("visits_today gauge = %v, want 42", got)
	}
	if got := testutil.CollectAndCount(m.SensorValue); got != 2 {
		t.Errorf("series = %d, want 2 (unknown keys have no series)", got)
	}
	if got := testutil.ToFloat64(m.EntryAvailable.WithLabelValues("e1")); got != 1 {
		t.Errorf("entry_available = %v, want 1", got)
	}

	// Failed poll: all series go away and availability drops.
	if err := s.PublishState(t.Context(), owner, ents, coordinator.Snapshot{UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	if got := testutil.CollectAndCount(m.SensorValue); got != 0 {
		t.Errorf("series after failure = %d, want 0", got)
	}
	if got := testutil.ToFloat64(m.EntryAvailable.WithLabelValues("e1")); got != 0 {
		t.Errorf("entry_available = %v, want 0", got)
	}

	if err := s.PublishState(t.Context(), owner, ents, snap); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	if err := s.RemoveEntities(t.Context(), ents); err != nil {
		t.Fatalf("RemoveEntities: %v", err)
	}
	if got := testutil.CollectAndCount(m.SensorValue); got != 0 {
		t.Errorf("series after removal = %d, want 0", got)
	}
	s.ForgetEntry("e1")
	if got := testutil.CollectAndCount(m.EntryAvailable); got != 0 {
		t.Errorf("availability series after forget = %d, want 0", got)
	}
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObservePoll("e1", nil, time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `matomo_polls_total{entry="e1",result="success"} 1`) {
		t.Errorf("exposition missing poll counter:\n%s", body)
	}
}
