package decisionloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/election"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/registry"
	"github.com/orbitalfleet/swarmcore/swarmmemory"
)

type nullTransport struct{}

func (nullTransport) Send(ctx context.Context, env bus.Envelope) error { return nil }

type stubReasoner struct {
	decision Decision
	err      error
	calls    int
}

func (s *stubReasoner) Reason(ctx context.Context, localTelemetry map[string]interface{}, global GlobalContext) (Decision, error) {
	s.calls++
	return s.decision, s.err
}

func buildLoop(t *testing.T, reasoner InnerReasoner) (*Loop, *registry.Registry, *election.Election, *metrics.Set) {
	t.Helper()
	b := bus.New("A", nullTransport{})
	reg := registry.New("A", 90*time.Second)
	cfg := config.Default()
	m := metrics.NewSet(prometheus.NewRegistry())
	el := election.New("A", b, reg, cfg, nil, m)
	mem := swarmmemory.New("A", b, reg, cfg, nil, m)
	loop := New("A", reg, el, mem, reasoner, cfg, nil, m)
	return loop, reg, el, m
}

func TestStepDelegatesToInnerReasoner(t *testing.T) {
	reasoner := &stubReasoner{decision: Decision{ActionName: config.ActionLoadShed, Scope: ScopeLocal, Confidence: 0.9}}
	loop, _, _, _ := buildLoop(t, reasoner)

	d := loop.Step(context.Background(), map[string]interface{}{"temp": 42.0})
	require.Equal(t, config.ActionLoadShed, d.ActionName)
	require.Equal(t, 1, reasoner.calls)

	recent := loop.memory.RecentDecisions()
	require.Len(t, recent, 1)
	require.Equal(t, config.ActionLoadShed, recent[0].ActionName)
}

func TestStepFallsBackOnReasonerError(t *testing.T) {
	reasoner := &stubReasoner{err: errors.New("boom")}
	loop, _, _, m := buildLoop(t, reasoner)

	d := loop.Step(context.Background(), map[string]interface{}{"x": 1.0})
	require.Equal(t, config.ActionSafeMode, d.ActionName)
	require.Equal(t, ScopeConstellation, d.Scope)
	require.Equal(t, 0.0, d.Confidence)
	require.Equal(t, float64(1), testutil.ToFloat64(m.ReasoningFallbacksTotal))
}

func TestStepShortCircuitsWhenLeaderAndUnhealthy(t *testing.T) {
	reasoner := &stubReasoner{decision: Decision{ActionName: config.ActionLoadShed, Scope: ScopeLocal}}
	loop, reg, el, _ := buildLoop(t, reasoner)

	// Force self into the elected-leader state and an unhealthy constellation.
	el.Start(context.Background())
	defer el.Stop()
	forceLeader(t, el)
	reg.ObserveHealth("B", registry.HealthSummary{RiskScore: 0.9, Timestamp: time.Now()})
	reg.ObserveHeartbeat("B")

	d := loop.Step(context.Background(), map[string]interface{}{"x": 1.0})
	require.Equal(t, config.ActionSafeMode, d.ActionName)
	require.Equal(t, ScopeConstellation, d.Scope)
	require.Equal(t, 0, reasoner.calls)
}

func TestCachedContextServedWithinTTL(t *testing.T) {
	reasoner := &stubReasoner{decision: Decision{ActionName: config.ActionSafeMode, Scope: ScopeLocal}}
	loop, reg, _, _ := buildLoop(t, reasoner)

	first := loop.globalContext()
	reg.ObserveHealth("B", registry.HealthSummary{RiskScore: 0.5, Timestamp: time.Now()})
	reg.ObserveHeartbeat("B")
	second := loop.globalContext()

	require.Equal(t, first.ConstellationHealth, second.ConstellationHealth)

	time.Sleep(loop.ttl() + 10*time.Millisecond)
	third := loop.globalContext()
	require.NotEqual(t, first.ConstellationHealth, third.ConstellationHealth)
}

func TestDivergenceMetricIncrementsOnRepeatedTelemetryDifferentDecision(t *testing.T) {
	reasoner := &stubReasoner{decision: Decision{ActionName: config.ActionLoadShed, Scope: ScopeLocal}}
	loop, _, _, m := buildLoop(t, reasoner)

	telemetry := map[string]interface{}{"k": "same"}
	loop.Step(context.Background(), telemetry)

	reasoner.decision = Decision{ActionName: config.ActionSafeMode, Scope: ScopeConstellation}
	loop.Step(context.Background(), telemetry)

	require.Equal(t, float64(1), testutil.ToFloat64(m.DecisionDivergenceTotal))
}

// forceLeader drives a single-node election straight into LEADER by waiting
// on the election timeout, since a one-agent constellation's self-grant
// alone already meets quorum.
func forceLeader(t *testing.T, el *election.Election) {
	t.Helper()
	ch := el.Subscribe()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.State == election.Leader {
				return
			}
		case <-deadline:
			t.Fatal("election did not reach LEADER in time")
		}
	}
}
