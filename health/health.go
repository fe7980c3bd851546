// Package health implements HealthBroadcaster: the periodic emission of an
// agent's own health summary and the consumption of inbound summaries into
// the local Registry.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/internal/codec"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/registry"
)

// Topic is the bus topic health summaries are published on.
const Topic = "health/summary"

// Summary is the wire payload for Topic.
type Summary struct {
	AgentID   agentid.ID `json:"agent_id"`
	RiskScore float64    `json:"risk_score"`
	Timestamp time.Time  `json:"timestamp"`
}

// RiskSource reports the agent's current own risk score, supplied by the
// out-of-scope telemetry/anomaly-detection stack.
type RiskSource func() float64

// Broadcaster runs the periodic publish and the inbound consume side of
// HealthBroadcaster.
type Broadcaster struct {
	selfID   agentid.ID
	bus      *bus.Bus
	registry *registry.Registry
	interval time.Duration
	source   RiskSource
	log      corelog.Logger

	sub *bus.Subscription
}

// New constructs a Broadcaster. log defaults to a no-op if nil. If source is
// nil, no summaries are published; inbound summaries are still recorded.
func New(selfID agentid.ID, b *bus.Bus, reg *registry.Registry, interval time.Duration, source RiskSource, log corelog.Logger) *Broadcaster {
	if log == nil {
		log = corelog.NoOp{}
	}
	return &Broadcaster{
		selfID:   selfID,
		bus:      b,
		registry: reg,
		interval: interval,
		source:   source,
		log:      log,
	}
}

// Start subscribes to inbound summaries and begins the publish loop. It
// returns once the inbound subscription is registered; the publish loop
// runs until ctx is cancelled.
func (h *Broadcaster) Start(ctx context.Context) {
	h.sub = h.bus.Subscribe(Topic, bus.AtLeastOnce, h.onInbound)
	go h.publishLoop(ctx)
}

// Stop unsubscribes from inbound summaries. The publish loop exits on its
// own once ctx (passed to Start) is cancelled.
func (h *Broadcaster) Stop() {
	if h.sub != nil {
		h.sub.Unsubscribe()
	}
}

func (h *Broadcaster) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publishOnce(ctx)
		}
	}
}

func (h *Broadcaster) publishOnce(ctx context.Context) {
	if h.source == nil {
		return
	}
	summary := Summary{
		AgentID:   h.selfID,
		RiskScore: h.source(),
		Timestamp: time.Now(),
	}
	payload, err := codec.Codec.Marshal(codec.CurrentVersion, summary)
	if err != nil {
		h.log.Error("health summary marshal failed", zap.Error(err))
		return
	}
	if err := h.bus.Publish(ctx, Topic, payload, bus.AtLeastOnce); err != nil {
		// Transient failures are retried at the next interval, not here.
		h.log.Debug("health summary publish failed, will retry next interval", zap.Error(err))
	}
}

func (h *Broadcaster) onInbound(env bus.Envelope) {
	if env.SenderID == h.selfID {
		return
	}
	var s Summary
	if _, err := codec.Codec.Unmarshal(env.Payload, &s); err != nil {
		h.log.Warn("dropping malformed health summary", zap.String("sender", env.SenderID.String()))
		return
	}
	h.registry.ObserveHealth(env.SenderID, registry.HealthSummary{
		RiskScore: s.RiskScore,
		Timestamp: s.Timestamp,
	})
}
