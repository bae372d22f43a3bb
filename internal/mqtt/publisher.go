package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/matomo-bridge/internal/config"
	"github.com/nugget/matomo-bridge/internal/coordinator"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

// HA MQTT sensor payloads.
const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	// payloadNone is what the HA MQTT sensor maps to the unknown state.
	payloadNone = "None"
)

// publishClient is the part of the connection manager the publisher
// uses. Tests substitute a recorder.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

type entryState struct {
	owner sensor.Owner
	snap  coordinator.Snapshot
}

// Publisher is the MQTT discovery sink. It remembers every registered
// entity and the last snapshot of each entry so it can republish all of
// it after a reconnect or an HA restart.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger
	limiter    *republishLimiter

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	client   publishClient // nil while disconnected
	entities map[string]sensor.Entity
	entries  map[string]entryState
}

// New creates a Publisher but does not connect. Entities and states
// given to it before Start are published once the broker is reached.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		limiter:    newRepublishLimiter(10 * time.Second),
		entities:   make(map[string]sensor.Entity),
		entries:    make(map[string]entryState),
	}
}

// Start connects to the broker and blocks until ctx is cancelled.
// autopaho reconnects in the background; every connection republishes
// the full discovery and state set.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.bridgeAvailabilityTopic(),
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.setClient(cm)
			p.publish(ctx, p.bridgeAvailabilityTopic(), payloadOnline, true)
			p.limiter.markRepublished(time.Now())
			p.subscribeStatus(ctx, cm)
			p.republishAll(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "matomo-bridge-" + p.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				p.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.setClient(nil)
				p.logger.Warn("mqtt broker disconnected", "reason_code", d.ReasonCode)
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes "offline" for the bridge and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.connManager()
	if cm == nil {
		return nil
	}
	p.publish(ctx, p.bridgeAvailabilityTopic(), payloadOffline, true)
	p.setClient(nil)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.connManager()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) connManager() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) setClient(c publishClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = c
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "matomo/" + p.cfg.DeviceName
}

func (p *Publisher) bridgeAvailabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) entryAvailabilityTopic(entryID string) string {
	return p.baseTopic() + "/" + entryID + "/availability"
}

func (p *Publisher) stateTopic(e sensor.Entity) string {
	return p.baseTopic() + "/" + e.Owner.EntryID + "/" + e.Key + "/state"
}

// discoveryTopic uses the unique ID as the object segment: the
// suggested object ID of an aggregate sensor is the same for every
// entry that enables it.
func (p *Publisher) discoveryTopic(e sensor.Entity) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + e.UniqueID() + "/config"
}

func (p *Publisher) statusTopic() string {
	return p.cfg.DiscoveryPrefix + "/status"
}

// --- Discovery ---

func (p *Publisher) discoveryConfig(e sensor.Entity) SensorConfig {
	return SensorConfig{
		Name:          e.Name,
		ObjectID:      e.ObjectID(),
		HasEntityName: true,
		UniqueID:      e.UniqueID(),
		StateTopic:    p.stateTopic(e),
		Availability: []Availability{
			{Topic: p.bridgeAvailabilityTopic()},
			{Topic: p.entryAvailabilityTopic(e.Owner.EntryID)},
		},
		AvailabilityMode:  "all",
		Device:            NewDeviceInfo(e.Owner, e.Owner.BaseURL),
		Icon:              e.Icon,
		UnitOfMeasurement: e.Unit,
		StateClass:        e.StateClass,
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, e sensor.Entity) {
	payload, err := json.Marshal(p.discoveryConfig(e))
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "unique_id", e.UniqueID(), "error", err)
		return
	}
	p.publish(ctx, p.discoveryTopic(e), string(payload), true)
}

// publishEntry sends the entry's availability and, when available, the
// state of each of its registered entities.
func (p *Publisher) publishEntry(ctx context.Context, st entryState, entities []sensor.Entity) {
	if !st.snap.Available {
		p.publish(ctx, p.entryAvailabilityTopic(st.owner.EntryID), payloadOffline, true)
		return
	}
	for _, e := range entities {
		state := payloadNone
		if v, ok := st.snap.Value(e.Key); ok {
			state = strconv.FormatInt(v, 10)
		}
		p.publish(ctx, p.stateTopic(e), state, true)
	}
	p.publish(ctx, p.entryAvailabilityTopic(st.owner.EntryID), payloadOnline, true)
}

// publish sends one message if connected. Failures are logged; the
// next reconnect republishes everything.
func (p *Publisher) publish(ctx context.Context, topic, payload string, retain bool) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return
	}
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "bytes", len(payload))
}

// republishAll resends every discovery config and last known state.
func (p *Publisher) republishAll(ctx context.Context) {
	p.mu.Lock()
	ents := make([]sensor.Entity, 0, len(p.entities))
	for _, e := range p.entities {
		ents = append(ents, e)
	}
	states := make([]entryState, 0, len(p.entries))
	for _, st := range p.entries {
		states = append(states, st)
	}
	p.mu.Unlock()

	for _, e := range ents {
		p.publishDiscovery(ctx, e)
	}
	for _, st := range states {
		if !st.snap.Polled() {
			continue
		}
		p.publishEntry(ctx, st, entitiesOf(ents, st.owner.EntryID))
	}
	p.logger.Debug("mqtt discovery republished", "entities", len(ents), "entries", len(states))
}

func entitiesOf(all []sensor.Entity, entryID string) []sensor.Entity {
	var out []sensor.Entity
	for _, e := range all {
		if e.Owner.EntryID == entryID {
			out = append(out, e)
		}
	}
	return out
}

// --- Sink ---

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "mqtt" }

// AddEntities publishes retained discovery configs.
func (p *Publisher) AddEntities(ctx context.Context, entities []sensor.Entity) error {
	p.mu.Lock()
	for _, e := range entities {
		p.entities[e.UniqueID()] = e
	}
	p.mu.Unlock()

	for _, e := range entities {
		p.publishDiscovery(ctx, e)
	}
	return nil
}

// RemoveEntities clears the retained discovery configs, which makes HA
// delete the entities, and clears their retained states.
func (p *Publisher) RemoveEntities(ctx context.Context, entities []sensor.Entity) error {
	p.mu.Lock()
	for _, e := range entities {
		delete(p.entities, e.UniqueID())
	}
	p.mu.Unlock()

	for _, e := range entities {
		p.publish(ctx, p.discoveryTopic(e), "", true)
		p.publish(ctx, p.stateTopic(e), "", true)
	}
	return nil
}

// PublishState records snap as the entry's last state and publishes it.
func (p *Publisher) PublishState(ctx context.Context, owner sensor.Owner, entities []sensor.Entity, snap coordinator.Snapshot) error {
	st := entryState{owner: owner, snap: snap}
	p.mu.Lock()
	p.entries[owner.EntryID] = st
	p.mu.Unlock()

	p.publishEntry(ctx, st, entities)
	return nil
}

// ForgetEntry drops the entry's last state and clears its retained
// availability topic.
func (p *Publisher) ForgetEntry(entryID string) {
	p.mu.Lock()
	delete(p.entries, entryID)
	p.mu.Unlock()
	p.publish(context.Background(), p.entryAvailabilityTopic(entryID), "", true)
}
