package mqtt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// subscribeStatus subscribes to HA's birth/will topic.
func (p *Publisher) subscribeStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.statusTopic(), QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt status subscribe failed", "topic", p.statusTopic(), "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", p.statusTopic())
}

// handleMessage reacts to inbound messages. Only HA's status topic is
// subscribed; "online" there means HA restarted and has forgotten
// every non-retained state, so everything is republished. It runs on
// the paho receive goroutine and must not block on publishes.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.statusTopic() {
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}
	status := strings.TrimSpace(string(payload))
	p.logger.Info("home assistant status", "status", status)
	if status != payloadOnline {
		return
	}
	if !p.limiter.allow(time.Now()) {
		p.logger.Debug("home assistant online repeated, republish skipped")
		return
	}
	go p.republishAll(ctx)
}

// republishLimiter lets at most one republish through per window. A
// retained "online" is delivered again on every resubscribe, right
// after the connect-time republish.
type republishLimiter struct {
	window time.Duration

	mu   sync.Mutex
	last time.Time
}

func newRepublishLimiter(window time.Duration) *republishLimiter {
	return &republishLimiter{window: window}
}

// allow reports whether a republish may start at now, and records it
// if so.
func (r *republishLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.last.IsZero() && now.Sub(r.last) < r.window {
		return false
	}
	r.last = now
	return true
}

// markRepublished records a republish that did not go through allow,
// such as the one on connect.
func (r *republishLimiter) markRepublished(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = now
}
