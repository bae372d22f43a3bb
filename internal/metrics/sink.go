package metrics

import (
	"context"
	"strconv"

	"github.com/nugget/matomo-bridge/internal/coordinator"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

// Sink mirrors sensor states into gauges. Unavailable or unknown
// sensors have their series deleted rather than set to zero, so a
// scrape never reports a value the bridge does not have.
type Sink struct {
	m *Metrics
}

// NewSink returns a gauge sink backed by m.
func NewSink(m *Metrics) *Sink {
	return &Sink{m: m}
}

// Name identifies the sink in logs.
func (s *Sink) Name() string { return "prometheus" }

// AddEntities is a no-op: series appear on the first state.
func (s *Sink) AddEntities(context.Context, []sensor.Entity) error { return nil }

// RemoveEntities deletes the entities' series.
func (s *Sink) RemoveEntities(_ context.Context, entities []sensor.Entity) error {
	for _, e := range entities {
		s.m.SensorValue.DeleteLabelValues(e.Owner.EntryID, strconv.Itoa(e.Owner.SiteID), e.Key)
	}
	return nil
}

// PublishState sets a gauge per entity with a value and the entry's
// availability gauge.
func (s *Sink) PublishState(_ context.Context, owner sensor.Owner, entities []sensor.Entity, snap coordinator.Snapshot) error {
	site := strconv.Itoa(owner.SiteID)
	if snap.Available {
		s.m.EntryAvailable.WithLabelValues(owner.EntryID).Set(1)
	} else {
		s.m.EntryAvailable.WithLabelValues(owner.EntryID).Set(0)
	}
	for _, e := range entities {
		if v, ok := snap.Value(e.Key); ok {
			s.m.SensorValue.WithLabelValues(owner.EntryID, site, e.Key).Set(float64(v))
			continue
		}
		s.m.SensorValue.DeleteLabelValues(owner.EntryID, site, e.Key)
	}
	return nil
}

// ForgetEntry drops the entry's availability series.
func (s *Sink) ForgetEntry(entryID string) {
	s.m.EntryAvailable.DeleteLabelValues(entryID)
}
