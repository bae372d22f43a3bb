package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/matomo-bridge/internal/bridge"
	"github.com/nugget/matomo-bridge/internal/buildinfo"
	"github.com/nugget/matomo-bridge/internal/connwatch"
	"github.com/nugget/matomo-bridge/internal/entries"
)

// DashboardData is the template context for the entry overview at "/".
type DashboardData struct {
	PageData
	Entries  []entryRow
	Services []connwatch.Status
	Uptime   time.Duration
}

type entryRow struct {
	ID               string
	Title            string
	BaseURL          string
	SiteID           int
	IncludeAggregate bool
	Loaded           bool
	Available        bool
	Error            string
	UpdatedAt        time.Time
	Sensors          []sensorRow
}

type sensorRow struct {
	Name     string
	EntityID string
	Value    string
	Unit     string
}

func newEntryRow(st bridge.EntryStatus) entryRow {
	row := entryRow{
		ID:               st.Entry.ID,
		Title:            st.Entry.Title,
		BaseURL:          st.Entry.BaseURL,
		SiteID:           st.Entry.SiteID,
		IncludeAggregate: st.Entry.IncludeAggregate,
		Loaded:           st.Loaded,
		Available:        st.Snapshot.Available,
		Error:            st.Snapshot.ErrorText(),
		UpdatedAt:        st.Snapshot.UpdatedAt,
	}
	for _, e := range st.Entities {
		v := "unavailable"
		if st.Snapshot.Available {
			v = "unknown"
			if n, ok := st.Snapshot.Value(e.Key); ok {
				v = strconv.FormatInt(n, 10)
			}
		}
		row.Sensors = append(row.Sensors, sensorRow{
			Name:     e.Name,
			EntityID: "sensor." + e.ObjectID(),
			Value:    v,
			Unit:     e.Unit,
		})
	}
	return row
}

// handleDashboard renders the entry overview at "/". Only exact "/"
// requests get the dashboard; all other paths return 404.
func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	status, err := s.manager.Status()
	if err != nil {
		s.logger.Error("entry status failed", "error", err)
		http.Error(w, "entry status failed", http.StatusInternalServerError)
		return
	}

	data := DashboardData{
		PageData: s.page("entries"),
		Uptime:   buildinfo.Uptime(),
	}
	for _, st := range status {
		data.Entries = append(data.Entries, newEntryRow(st))
	}
	if s.health != nil {
		data.Services = s.health.Status()
	}

	s.render(w, r, http.StatusOK, "dashboard.html", data)
}

// handleRefresh polls an entry now, then returns to the dashboard.
func (s *WebServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.manager.Refresh(r.Context(), id)
	if errors.Is(err, bridge.ErrNotLoaded) {
		http.Error(w, "entry not loaded", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("refresh failed", "entry_id", id, "error", err)
		http.Error(w, "refresh failed", http.StatusInternalServerError)
		return
	}
	s.logger.Debug("manual refresh", "entry_id", id, "available", snap.Available)
	s.redirect(w, r, "/")
}

// handleDelete removes an entry and its entities.
func (s *WebServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.manager.Remove(r.Context(), id)
	if errors.Is(err, entries.ErrNotFound) {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("remove failed", "entry_id", id, "error", err)
		http.Error(w, "remove failed", http.StatusInternalServerError)
		return
	}
	s.redirect(w, r, "/")
}

// redirect sends a 303, or an HX-Redirect header for htmx requests.
func (s *WebServer) redirect(w http.ResponseWriter, r *http.Request, to string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", to)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, to, http.StatusSeeOther)
}
