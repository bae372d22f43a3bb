package coordinator

import (
	"time"

	"github.com/nugget/matomo-bridge/internal/matomo"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

// Report is the raw result of one poll cycle, grouped the way the
// Matomo calls were made.
type Report struct {
	Site      map[matomo.Period]matomo.Metrics // VisitsSummary.get + Actions.get
	Live      matomo.Metrics                   // Live.getCounters
	Aggregate map[matomo.Period]matomo.Metrics // nil unless aggregate sensors are enabled
}

// Project flattens the report into snapshot values keyed by sensor key.
// Fields missing from the report leave the key absent.
func (r Report) Project(descs []sensor.Description) map[string]int64 {
	values := make(map[string]int64, len(descs))
	for _, d := range descs {
		var src matomo.Metrics
		switch d.Scope {
		case sensor.ScopeSite:
			src = r.Site[d.Period]
		case sensor.ScopeLive:
			src = r.Live
		case sensor.ScopeAggregate:
			src = r.Aggregate[d.Period]
		}
		if v, ok := src[d.Field]; ok {
			values[d.Key] = v
		}
	}
	return values
}

// Snapshot is the published state of one config entry. It is replaced
// wholesale on every poll and never mutated after publication.
type Snapshot struct {
	Values    map[string]int64 `json:"values"`
	Available bool             `json:"available"`
	Err       error            `json:"-"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Value returns the value for key. ok is false when the snapshot is
// unavailable or the key had no data, which sensors render as unknown.
func (s Snapshot) Value(key string) (v int64, ok bool) {
	if !s.Available {
		return 0, false
	}
	v, ok = s.Values[key]
	return v, ok
}

// Polled reports whether the snapshot came from a completed poll.
func (s Snapshot) Polled() bool {
	return !s.UpdatedAt.IsZero()
}

// ErrorText returns the failure message, or "" for a successful poll.
func (s Snapshot) ErrorText() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
