package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/decisionloop"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
)

type meshTransport struct {
	mu    sync.Mutex
	buses map[agentid.ID]*bus.Bus
}

func newMesh() *meshTransport { return &meshTransport{buses: map[agentid.ID]*bus.Bus{}} }

func (m *meshTransport) Send(ctx context.Context, env bus.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.buses {
		if id == env.SenderID {
			continue
		}
		b.Deliver(env)
	}
	return nil
}

type fixedReasoner struct {
	decision decisionloop.Decision
}

func (r fixedReasoner) Reason(ctx context.Context, localTelemetry map[string]interface{}, global decisionloop.GlobalContext) (decisionloop.Decision, error) {
	return r.decision, nil
}

type recordingEffector struct {
	mu      sync.Mutex
	applied []decisionloop.Decision
}

func (e *recordingEffector) Apply(ctx context.Context, decision decisionloop.Decision) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, decision)
	return nil
}

func (e *recordingEffector) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.applied)
}

type manualTelemetry struct {
	mu      sync.Mutex
	handler func(sample map[string]interface{})
}

func (t *manualTelemetry) Subscribe(handler func(sample map[string]interface{})) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *manualTelemetry) fire(sample map[string]interface{}) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(sample)
	}
}

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.AgentID = "A"
	cfg.ElectionTimeoutMin = 5 * time.Millisecond
	cfg.ElectionTimeoutMax = 15 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.LeaseDuration = 200 * time.Millisecond
	cfg.ConsensusDefaultTimeout = 200 * time.Millisecond
	cfg.HealthBroadcastInterval = 20 * time.Millisecond
	cfg.LivenessWindow = 500 * time.Millisecond
	cfg.RoleReassignerInterval = 50 * time.Millisecond
	cfg.GlobalContextTTL = 5 * time.Millisecond
	for name, p := range cfg.ActionPolicies {
		p.Timeout = 200 * time.Millisecond
		cfg.ActionPolicies[name] = p
	}
	return cfg
}

func TestNodeStartStopLifecycleReachesLeader(t *testing.T) {
	mesh := newMesh()
	id := agentid.ID("A")
	n := New(id, fastConfig(), Deps{Transport: mesh}, nil, metrics.NewNoop())
	mesh.buses[id] = n.Bus

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Stop()

	require.Eventually(t, func() bool {
		return n.Election.IsLeader()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeTelemetrySampleDrivesLocalEffector(t *testing.T) {
	mesh := newMesh()
	id := agentid.ID("A")
	eff := &recordingEffector{}
	tel := &manualTelemetry{}
	reasoner := fixedReasoner{decision: decisionloop.Decision{
		ActionName: config.ActionSafeMode,
		Scope:      decisionloop.ScopeLocal,
		Confidence: 1,
	}}

	n := New(id, fastConfig(), Deps{
		Transport: mesh,
		Reasoner:  reasoner,
		Effector:  eff,
		Telemetry: tel,
	}, nil, metrics.NewNoop())
	mesh.buses[id] = n.Bus

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Stop()

	tel.fire(map[string]interface{}{"risk_score": 0.9})

	require.Eventually(t, func() bool {
		return eff.count() == 1
	}, time.Second, 10*time.Millisecond)

	recent := n.Memory.RecentDecisions()
	require.Len(t, recent, 1)
	require.Equal(t, config.ActionSafeMode, recent[0].ActionName)
}
