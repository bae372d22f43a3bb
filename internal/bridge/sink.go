package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/matomo-bridge/internal/coordinator"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

// Sink is a place sensor entities are exposed: MQTT discovery, the HA
// REST API, Prometheus gauges.
type Sink interface {
	Name() string

	// AddEntities registers entities so they appear in Home Assistant.
	AddEntities(ctx context.Context, entities []sensor.Entity) error

	// RemoveEntities deletes entities. They must not reappear until
	// added again.
	RemoveEntities(ctx context.Context, entities []sensor.Entity) error

	// PublishState pushes the states of an entry's entities. An
	// unavailable snapshot marks every entity unavailable.
	PublishState(ctx context.Context, owner sensor.Owner, entities []sensor.Entity, snap coordinator.Snapshot) error
}

// EntryForgetter is implemented by sinks that keep per-entry state
// beyond its entities.
type EntryForgetter interface {
	ForgetEntry(entryID string)
}

// Sinks fans every call out to each sink. A failing sink does not stop
// the others; the errors are joined.
type Sinks []Sink

// AddEntities calls AddEntities on every sink.
func (s Sinks) AddEntities(ctx context.Context, entities []sensor.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	var errs []error
	for _, sink := range s {
		if err := sink.AddEntities(ctx, entities); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// RemoveEntities calls RemoveEntities on every sink.
func (s Sinks) RemoveEntities(ctx context.Context, entities []sensor.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	var errs []error
	for _, sink := range s {
		if err := sink.RemoveEntities(ctx, entities); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// PublishState calls PublishState on every sink.
func (s Sinks) PublishState(ctx context.Context, owner sensor.Owner, entities []sensor.Entity, snap coordinator.Snapshot) error {
	var errs []error
	for _, sink := range s {
		if err := sink.PublishState(ctx, owner, entities, snap); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ForgetEntry calls ForgetEntry on every sink that implements it.
func (s Sinks) ForgetEntry(entryID string) {
	for _, sink := range s {
		if f, ok := sink.(EntryForgetter); ok {
			f.ForgetEntry(entryID)
		}
	}
}
