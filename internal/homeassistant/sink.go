package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nugget/matomo-bridge/internal/coordinator"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

// HA state strings.
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// Sink writes each entity as sensor.<object_id>.
type Sink struct {
	client *Client
	logger *slog.Logger
}

// NewSink returns a REST sink using client.
func NewSink(client *Client, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{client: client, logger: logger}
}

// Name identifies the sink in logs.
func (s *Sink) Name() string { return "homeassistant" }

// EntityID is the HA entity the sink writes for e.
func EntityID(e sensor.Entity) string {
	return "sensor." + e.ObjectID()
}

// Attributes are the static attributes written with every state.
func Attributes(e sensor.Entity) map[string]any {
	attrs := map[string]any{
		"friendly_name": e.Owner.DeviceName() + " " + e.Name,
		"unique_id":     e.UniqueID(),
		"state_class":   e.StateClass,
		"attribution":   "Data provided by Matomo",
	}
	if e.Unit != "" {
		attrs["unit_of_measurement"] = e.Unit
	}
	if e.Icon != "" {
		attrs["icon"] = e.Icon
	}
	return attrs
}

// AddEntities creates the entities in the unknown state so they show
// up before the first poll completes.
func (s *Sink) AddEntities(ctx context.Context, entities []sensor.Entity) error {
	var errs []error
	for _, e := range entities {
		if err := s.client.SetState(ctx, EntityID(e), State{State: StateUnknown, Attributes: Attributes(e)}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EntityID(e), err))
		}
	}
	return errors.Join(errs...)
}

// RemoveEntities deletes the entities' states.
func (s *Sink) RemoveEntities(ctx context.Context, entities []sensor.Entity) error {
	var errs []error
	for _, e := range entities {
		if err := s.client.DeleteState(ctx, EntityID(e)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EntityID(e), err))
		}
	}
	return errors.Join(errs...)
}

// PublishState writes one state per entity: the value, unknown when the
// key is missing, or unavailable when the poll failed.
func (s *Sink) PublishState(ctx context.Context, _ sensor.Owner, entities []sensor.Entity, snap coordinator.Snapshot) error {
	if !s.client.IsReady() {
		s.logger.Debug("home assistant not ready, state skipped", "entities", len(entities))
		return nil
	}
	var errs []error
	for _, e := range entities {
		if err := s.client.SetState(ctx, EntityID(e), State{State: stateOf(e, snap), Attributes: Attributes(e)}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EntityID(e), err))
		}
	}
	return errors.Join(errs...)
}

func stateOf(e sensor.Entity, snap coordinator.Snapshot) string {
	if !snap.Available {
		return StateUnavailable
	}
	if v, ok := snap.Value(e.Key); ok {
		return strconv.FormatInt(v, 10)
	}
	return StateUnknown
}
