package propagator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/election"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/registry"
)

type meshTransport struct {
	mu    sync.Mutex
	buses map[agentid.ID]*bus.Bus
	drop  map[agentid.ID]bool
}

func newMesh() *meshTransport {
	return &meshTransport{buses: map[agentid.ID]*bus.Bus{}, drop: map[agentid.ID]bool{}}
}

// Send delivers outside the lock: handlers publish replies from inside
// Deliver, and those publishes come back through Send.
func (m *meshTransport) Send(ctx context.Context, env bus.Envelope) error {
	m.mu.Lock()
	if m.drop[env.SenderID] {
		m.mu.Unlock()
		return nil
	}
	var targets []*bus.Bus
	for id, b := range m.buses {
		if id != env.SenderID {
			targets = append(targets, b)
		}
	}
	m.mu.Unlock()
	for _, b := range targets {
		b.Deliver(env)
	}
	return nil
}

type countingExecutor struct {
	mu       sync.Mutex
	executed int
	fail     bool
}

func (e *countingExecutor) Execute(ctx context.Context, actionName config.ProposalAction, params map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return errExecFailed
	}
	e.executed++
	return nil
}

var errExecFailed = &execError{}

type execError struct{}

func (*execError) Error() string { return "execution failed" }

type harnessNode struct {
	id   agentid.ID
	bus  *bus.Bus
	el   *election.Election
	prop *Propagator
	exec *countingExecutor
}

func buildHarness(t *testing.T, ids []string) (*meshTransport, map[agentid.ID]*harnessNode) {
	t.Helper()
	mesh := newMesh()
	nodes := map[agentid.ID]*harnessNode{}
	for _, idStr := range ids {
		id := agentid.ID(idStr)
		b := bus.New(id, mesh)
		mesh.buses[id] = b
		reg := registry.New(id, 90*time.Second)
		for _, peerStr := range ids {
			if peerStr != idStr {
				reg.ObserveHeartbeat(agentid.ID(peerStr))
			}
		}
		cfg := config.Default()
		cfg.AgentID = idStr
		cfg.ElectionTimeoutMin = 15 * time.Millisecond
		cfg.ElectionTimeoutMax = 30 * time.Millisecond
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.LeaseDuration = 150 * time.Millisecond

		el := election.New(id, b, reg, cfg, nil, metrics.NewNoop())
		exec := &countingExecutor{}
		prop := New(id, b, el, exec, cfg, nil, metrics.NewNoop())
		prop.Start(context.Background())
		nodes[id] = &harnessNode{id: id, bus: b, el: el, prop: prop, exec: exec}
	}
	return mesh, nodes
}

func waitForLeader(t *testing.T, nodes map[agentid.ID]*harnessNode) *harnessNode {
	t.Helper()
	for _, n := range nodes {
		n.el.Start(context.Background())
	}
	var leader *harnessNode
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.el.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return leader
}

func TestPropagateRejectsNonLeader(t *testing.T) {
	_, nodes := buildHarness(t, []string{"A", "B", "C"})
	leader := waitForLeader(t, nodes)
	var follower *harnessNode
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}
	_, err := follower.prop.Propagate(context.Background(), config.ActionLoadShed, nil, []agentid.ID{leader.id}, time.Second, 0)
	require.ErrorIs(t, err, election.ErrNotLeader)
}

func TestPropagateRejectsEmptyTargetsAndBadDeadline(t *testing.T) {
	_, nodes := buildHarness(t, []string{"A"})
	leader := waitForLeader(t, nodes)
	_, err := leader.prop.Propagate(context.Background(), config.ActionLoadShed, nil, nil, time.Second, 0)
	require.ErrorIs(t, err, ErrEmptyTargets)
	_, err = leader.prop.Propagate(context.Background(), config.ActionLoadShed, nil, []agentid.ID{"A"}, 0, 0)
	require.ErrorIs(t, err, ErrNonPositiveDeadline)
}

func TestPropagateFullComplianceCompletesClean(t *testing.T) {
	_, nodes := buildHarness(t, []string{"A", "B", "C"})
	leader := waitForLeader(t, nodes)

	var targets []agentid.ID
	for id := range nodes {
		if id != leader.id {
			targets = append(targets, id)
		}
	}

	actionID, err := leader.prop.Propagate(context.Background(), config.ActionLoadShed, nil, targets, 100*time.Millisecond, 0.90)
	require.NoError(t, err)

	state, ok := leader.prop.State(actionID)
	require.True(t, ok)
	require.Equal(t, Completed, state.Status)
	require.InDelta(t, 1.0, state.Compliance, 0.0001)
}

func TestPropagateEscalatesBelowCompliance(t *testing.T) {
	mesh, nodes := buildHarness(t, []string{"A", "B", "C"})
	leader := waitForLeader(t, nodes)

	var targets []agentid.ID
	var silencedTarget agentid.ID
	for id := range nodes {
		if id != leader.id {
			targets = append(targets, id)
			silencedTarget = id
		}
	}
	// silence one target's completion publish so compliance falls short.
	mesh.mu.Lock()
	mesh.drop[silencedTarget] = true
	mesh.mu.Unlock()

	actionID, err := leader.prop.Propagate(context.Background(), config.ActionLoadShed, nil, targets, 80*time.Millisecond, 0.90)
	require.NoError(t, err)

	state, ok := leader.prop.State(actionID)
	require.True(t, ok)
	require.Equal(t, CompletedEscalated, state.Status)
	require.Less(t, state.Compliance, 0.90)

	nonCompliant, ok := leader.prop.GetNonCompliant(actionID)
	require.True(t, ok)
	require.True(t, nonCompliant.Contains(silencedTarget))
}
