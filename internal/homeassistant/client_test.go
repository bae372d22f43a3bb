package homeassistant

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/matomo-bridge/internal/coordinator"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

// fakeHA stores states posted to /api/states/ and serves /api/.
type fakeHA struct {
	mu      sync.Mutex
	states  map[string]State
	deleted []string
	auth    string
}

func newFakeHA(t *testing.T) (*fakeHA, *httptest.Server) {
	t.Helper()
	f := &fakeHA{states: make(map[string]State)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()
		if r.URL.Path != "/api/" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(APIStatus{Message: "API running."})
	})
	mux.HandleFunc("POST /api/states/{id}", func(w http.ResponseWriter, r *http.Request) {
		var st State
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		_, existed := f.states[id]
		f.states[id] = st
		if existed {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
		json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("DELETE /api/states/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if _, ok := f.states[id]; !ok {
			http.Error(w, `{"message":"Entity not found."}`, http.StatusNotFound)
			return
		}
		delete(f.states, id)
		f.deleted = append(f.deleted, id)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeHA) state(id string) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	return st, ok
}

func TestClient_Ping(t *testing.T) {
	f, srv := newFakeHA(t)
	c := NewClient(srv.URL+"/", "ha-token", nil)

	if err := c.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if f.auth != "Bearer ha-token" {
		t.Errorf("Authorization = %q", f.auth)
	}
}

func TestClient_PingRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "bad", nil).Ping(t.Context())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Ping error = %v, want API error 401", err)
	}
}

func TestClient_SetAndDeleteState(t *testing.T) {
	f, srv := newFakeHA(t)
	c := NewClient(srv.URL, "tok", nil)

	if err := c.SetState(t.Context(), "sensor.x", State{State: "5"}); err != nil {
		t.Fatalf("SetState (create): %v", err)
	}
	if err := c.SetState(t.Context(), "sensor.x", State{State: "6"}); err != nil {
		t.Fatalf("SetState (update): %v", err)
	}
	if got, _ := f.state("sensor.x"); got.State != "6" {
		t.Errorf("stored state = %+v, want 6", got)
	}

	if err := c.DeleteState(t.Context(), "sensor.x"); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if err := c.DeleteState(t.Context(), "sensor.x"); err != nil {
		t.Errorf("second DeleteState = %v, want nil", err)
	}
	if _, ok := f.state("sensor.x"); ok {
		t.Error("state still stored after DeleteState")
	}
}

type notReady struct{}

func (notReady) IsReady() bool { return false }

func TestSink(t *testing.T) {
	f, srv := newFakeHA(t)
	c := NewClient(srv.URL, "tok", nil)
	s := NewSink(c, nil)

	owner := sensor.Owner{EntryID: "e1", SiteID: 3, SiteName: "Blog"}
	ents := sensor.Entities(owner, sensor.SiteSensors)

	if err := s.AddEntities(t.Context(), ents); err != nil {
		t.Fatalf("AddEntities: %v", err)
	}
	st, ok := f.state("sensor.matomo_3_visits_today")
	if !ok || st.State != StateUnknown {
		t.Fatalf("initial state = %+v, %v", st, ok)
	}
	if st.Attributes["friendly_name"] != "Matomo - Blog Visits (today)" {
		t.Errorf("friendly_name = %v", st.Attributes["friendly_name"])
	}
	if st.Attributes["unique_id"] != "matomo_e1_visits_today" || st.Attributes["state_class"] != "measurement" {
		t.Errorf("attributes = %v", st.Attributes)
	}

	snap := coordinator.Snapshot{Available: true, Values: map[string]int64{"visits_today": 42}, UpdatedAt: time.Now()}
	if err := s.PublishState(t.Context(), owner, ents, snap); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	if st, _ := f.state("sensor.matomo_3_visits_today"); st.State != "42" {
		t.Errorf("visits_today = %q, want 42", st.State)
	}
	if st, _ := f.state("sensor.matomo_3_pageviews_week"); st.State != StateUnknown {
		t.Errorf("pageviews_week = %q, want unknown", st.State)
	}

	if err := s.PublishState(t.Context(), owner, ents, coordinator.Snapshot{UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	if st, _ := f.state("sensor.matomo_3_visits_today"); st.State != StateUnavailable {
		t.Errorf("after failure = %q, want unavailable", st.State)
	}

	// Not ready: states are skipped, not errors.
	c.SetWatcher(notReady{})
	if err := s.PublishState(t.Context(), owner, ents, snap); err != nil {
		t.Errorf("PublishState while not ready = %v", err)
	}
	if st, _ := f.state("sensor.matomo_3_visits_today"); st.State != StateUnavailable {
		t.Errorf("state changed while not ready: %q", st.State)
	}

	if err := s.RemoveEntities(t.Context(), ents); err != nil {
		t.Fatalf("RemoveEntities: %v", err)
	}
	if len(f.deleted) != 15 {
		t.Errorf("deleted %d states, want 15", len(f.deleted))
	}
}
