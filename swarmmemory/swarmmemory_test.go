package swarmmemory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/registry"
)

type meshTransport struct {
	mu    sync.Mutex
	buses map[agentid.ID]*bus.Bus
}

func newMesh() *meshTransport { return &meshTransport{buses: map[agentid.ID]*bus.Bus{}} }

// Send delivers outside the lock: handlers publish replies from inside
// Deliver, and those publishes come back through Send.
func (m *meshTransport) Send(ctx context.Context, env bus.Envelope) error {
	m.mu.Lock()
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

func TestPutThenGetHitsLocal(t *testing.T) {
	mesh := newMesh()
	b := bus.New("A", mesh)
	mesh.buses["A"] = b
	reg := registry.New("A", 90*time.Second)
	mem := New("A", b, reg, config.Default(), nil, metrics.NewNoop())
	mem.Start(context.Background())

	mem.Put(context.Background(), "p1", AnomalyPattern{Signature: []float64{1, 2, 3}, RiskScore: 0.4})

	pat, ok := mem.Get(context.Background(), "p1")
	require.True(t, ok)
	require.Equal(t, "p1", pat.PatternID)
	require.Equal(t, 0.4, pat.RiskScore)
}

func TestGetMissWithNoPeersReturnsFalse(t *testing.T) {
	mesh := newMesh()
	b := bus.New("A", mesh)
	mesh.buses["A"] = b
	reg := registry.New("A", 90*time.Second)
	mem := New("A", b, reg, config.Default(), nil, metrics.NewNoop())
	mem.Start(context.Background())

	_, ok := mem.Get(context.Background(), "missing")
	require.False(t, ok)
}

func TestGetQueriesPeerOnMiss(t *testing.T) {
	mesh := newMesh()
	busA := bus.New("A", mesh)
	busB := bus.New("B", mesh)
	mesh.buses["A"] = busA
	mesh.buses["B"] = busB

	regA := registry.New("A", 90*time.Second)
	regA.ObserveHeartbeat("B")
	regA.SetLinkQuality("B", 0.9)
	regB := registry.New("B", 90*time.Second)
	regB.ObserveHeartbeat("A")

	cfg := config.Default()
	cfg.MemoryPeerQueryTimeout = 500 * time.Millisecond

	memA := New("A", busA, regA, cfg, nil, metrics.NewNoop())
	memA.Start(context.Background())
	memB := New("B", busB, regB, cfg, nil, metrics.NewNoop())
	memB.Start(context.Background())

	memB.Put(context.Background(), "shared", AnomalyPattern{Signature: []float64{9}, RiskScore: 0.7})

	pat, ok := memA.Get(context.Background(), "shared")
	require.True(t, ok)
	require.Equal(t, "shared", pat.PatternID)
	require.Equal(t, 0.7, pat.RiskScore)
}

func TestEvictUnderPressurePreservesLocalEntries(t *testing.T) {
	mesh := newMesh()
	b := bus.New("A", mesh)
	mesh.buses["A"] = b
	reg := registry.New("A", 90*time.Second)
	mem := New("A", b, reg, config.Default(), nil, metrics.NewNoop())
	mem.Start(context.Background())

	mem.Put(context.Background(), "local1", AnomalyPattern{RiskScore: 0.1})

	mem.mu.Lock()
	for i := 0; i < 10; i++ {
		id := "replica" + string(rune('a'+i))
		mem.entries[id] = &entry{pattern: AnomalyPattern{PatternID: id, LastSeen: time.Now().Add(time.Duration(-i) * time.Minute)}, local: false}
	}
	mem.mu.Unlock()

	mem.EvictUnderPressure(0.95)

	mem.mu.Lock()
	_, localStillPresent := mem.entries["local1"]
	remaining := len(mem.entries)
	mem.mu.Unlock()

	require.True(t, localStillPresent)
	require.Less(t, remaining, 11) // some replicas evicted
}

func TestEvictUnderPressureNoOpBelowThreshold(t *testing.T) {
	mesh := newMesh()
	b := bus.New("A", mesh)
	mesh.buses["A"] = b
	reg := registry.New("A", 90*time.Second)
	mem := New("A", b, reg, config.Default(), nil, metrics.NewNoop())
	mem.Start(context.Background())

	mem.mu.Lock()
	mem.entries["r1"] = &entry{pattern: AnomalyPattern{PatternID: "r1"}, local: false}
	mem.mu.Unlock()

	mem.EvictUnderPressure(0.1)

	mem.mu.Lock()
	_, ok := mem.entries["r1"]
	mem.mu.Unlock()
	require.True(t, ok)
}

func TestRecordAndRecentDecisions(t *testing.T) {
	mesh := newMesh()
	b := bus.New("A", mesh)
	mesh.buses["A"] = b
	reg := registry.New("A", 90*time.Second)
	mem := New("A", b, reg, config.Default(), nil, metrics.NewNoop())

	mem.RecordDecision(config.ActionSafeMode, "CONSTELLATION")
	mem.RecordDecision(config.ActionLoadShed, "SWARM")

	recent := mem.RecentDecisions()
	require.Len(t, recent, 2)
	require.Equal(t, config.ActionLoadShed, recent[1].ActionName)
}
