// Package governor implements the bandwidth/eviction governor: a
// signal-only wrapper exposing the bus's congestion level as the
// utilization hint SwarmMemory gates eviction on.
package governor

import (
	"context"
	"time"

	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/swarmmemory"
)

// Governor periodically samples a bus's utilization and feeds it to a
// Memory's eviction gate. It holds no state of its own beyond the poll
// interval; the bus already derives the signal from its own counters.
type Governor struct {
	bus      *bus.Bus
	memory   *swarmmemory.Memory
	interval time.Duration

	stopCh chan struct{}
}

// New constructs a Governor. interval defaults to 5s if non-positive.
func New(b *bus.Bus, mem *swarmmemory.Memory, interval time.Duration) *Governor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Governor{bus: b, memory: mem, interval: interval, stopCh: make(chan struct{})}
}

// Utilization returns the bus's current congestion signal in [0,1].
func (g *Governor) Utilization() float64 {
	return g.bus.Utilization()
}

// Start begins the poll loop, which feeds Utilization() into Memory's
// eviction gate on every tick until ctx is cancelled or Stop is called.
func (g *Governor) Start(ctx context.Context) {
	go g.loop(ctx)
}

// Stop halts the poll loop.
func (g *Governor) Stop() {
	close(g.stopCh)
}

func (g *Governor) loop(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.memory.EvictUnderPressure(g.Utilization())
		}
	}
}
