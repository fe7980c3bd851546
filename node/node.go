// Package node wires MessageBus, Registry, HealthBroadcaster, LeaderElection,
// Consensus, ActionPropagator, RoleReassigner, SwarmMemory, DecisionLoop,
// ResponseOrchestrator, SafetySimulator, and the bandwidth/eviction governor
// into one coordination core owning their lifetimes for a single agent
// process.
package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/consensus"
	"github.com/orbitalfleet/swarmcore/decisionloop"
	"github.com/orbitalfleet/swarmcore/election"
	"github.com/orbitalfleet/swarmcore/governor"
	"github.com/orbitalfleet/swarmcore/health"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/orchestrator"
	"github.com/orbitalfleet/swarmcore/propagator"
	"github.com/orbitalfleet/swarmcore/registry"
	"github.com/orbitalfleet/swarmcore/rolereassigner"
	"github.com/orbitalfleet/swarmcore/safety"
	"github.com/orbitalfleet/swarmcore/swarmmemory"
)

// pruneInterval is how often the node sweeps Registry for peers that have
// aged out of the liveness window. Nothing else in the tree owns this.
const pruneInterval = 10 * time.Second

// Telemetry pushes local telemetry samples at a variable rate; supplied by
// the host process's sensor/anomaly-detection stack.
type Telemetry interface {
	Subscribe(handler func(sample map[string]interface{}))
}

// Deps bundles the out-of-scope collaborators a Node needs from its host
// process: the transport underlying the bus, the inner reasoner, the local
// effector, this agent's own risk source (fed to HealthBroadcaster and
// RoleReassigner), and the telemetry feed driving DecisionLoop.
type Deps struct {
	Transport  bus.Transport
	Reasoner   decisionloop.InnerReasoner
	Effector   orchestrator.Effector
	RiskSource health.RiskSource
	Telemetry  Telemetry
}

// Node owns construction, startup, and shutdown of every coordination
// component for one agent.
type Node struct {
	selfID  agentid.ID
	cfg     config.Config
	log     corelog.Logger
	metrics *metrics.Set

	Bus            *bus.Bus
	Registry       *registry.Registry
	Health         *health.Broadcaster
	Election       *election.Election
	Consensus      *consensus.Consensus
	Propagator     *propagator.Propagator
	RoleReassigner *rolereassigner.Reassigner
	Memory         *swarmmemory.Memory
	DecisionLoop   *decisionloop.Loop
	Safety         *safety.Simulator
	Orchestrator   *orchestrator.Orchestrator
	Governor       *governor.Governor

	telemetry Telemetry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs every component and wires their owned references together.
// It does not start any background task; call Start for that.
func New(selfID agentid.ID, cfg config.Config, deps Deps, log corelog.Logger, m *metrics.Set) *Node {
	if log == nil {
		log = corelog.NoOp{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}

	b := bus.New(selfID, deps.Transport, bus.WithLogger(log), bus.WithMetrics(m))
	reg := registry.New(selfID, cfg.LivenessWindow)

	h := health.New(selfID, b, reg, cfg.HealthBroadcastInterval, deps.RiskSource, log)
	el := election.New(selfID, b, reg, cfg, log, m)
	cons := consensus.New(selfID, b, reg, el, cfg, log, m)

	roleExecutor := rolereassigner.NewRoleExecutor(selfID, reg)
	exec := &dispatchExecutor{roleExecutor: roleExecutor, effector: deps.Effector}
	prop := propagator.New(selfID, b, el, exec, cfg, log, m)
	reassigner := rolereassigner.New(selfID, b, reg, el, cons, prop, deps.RiskSource, cfg, log, m)

	mem := swarmmemory.New(selfID, b, reg, cfg, log, m)
	loop := decisionloop.New(selfID, reg, el, mem, deps.Reasoner, cfg, log, m)
	sim := safety.New(reg, cfg, log, m)
	orch := orchestrator.New(selfID, reg, el, cons, prop, sim, deps.Effector, cfg, log, m)
	gov := governor.New(b, mem, 0) // defaults to a 5s poll interval

	return &Node{
		selfID:         selfID,
		cfg:            cfg,
		log:            log,
		metrics:        m,
		Bus:            b,
		Registry:       reg,
		Health:         h,
		Election:       el,
		Consensus:      cons,
		Propagator:     prop,
		RoleReassigner: reassigner,
		Memory:         mem,
		DecisionLoop:   loop,
		Safety:         sim,
		Orchestrator:   orch,
		Governor:       gov,
		telemetry:      deps.Telemetry,
	}
}

// Start begins every component's background task and subscribes to the
// telemetry feed, driving DecisionLoop.Step → Orchestrator.Execute on every
// sample. It returns immediately; all loops run until ctx is cancelled or
// Stop is called.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.running = true
	n.mu.Unlock()

	n.Health.Start(ctx)
	n.Election.Start(ctx)
	n.Consensus.Start(ctx)
	n.Propagator.Start(ctx)
	n.RoleReassigner.Start(ctx)
	n.Memory.Start(ctx)
	n.Governor.Start(ctx)

	n.wg.Add(1)
	go n.pruneLoop(ctx)

	if n.telemetry != nil {
		n.telemetry.Subscribe(func(sample map[string]interface{}) {
			n.onTelemetry(ctx, sample)
		})
	}
}

// Stop cancels every component's background task and blocks until the
// node's own loops have exited. Component Stop methods are called to
// release their bus subscriptions promptly rather than waiting for context
// propagation to reach them.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	cancel := n.cancel
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.Health.Stop()
	n.Election.Stop()
	n.Consensus.Stop()
	n.Propagator.Stop()
	n.RoleReassigner.Stop()
	n.Memory.Stop()
	n.Governor.Stop()
	n.wg.Wait()
}

// dispatchExecutor is the single propagator.Executor this node registers for
// inbound ActionCommands, routing role_reassign to the internal RoleExecutor
// (which only touches Registry state) and every other action_name to the
// host-supplied Effector (which performs the actual physical effect).
type dispatchExecutor struct {
	roleExecutor *rolereassigner.RoleExecutor
	effector     orchestrator.Effector
}

func (e *dispatchExecutor) Execute(ctx context.Context, actionName config.ProposalAction, params map[string]interface{}) error {
	if actionName == config.ActionRoleReassign {
		return e.roleExecutor.Execute(ctx, actionName, params)
	}
	if e.effector == nil {
		return nil
	}
	return e.effector.Apply(ctx, decisionloop.Decision{ActionName: actionName, Params: params})
}

func (n *Node) onTelemetry(ctx context.Context, sample map[string]interface{}) {
	decision := n.DecisionLoop.Step(ctx, sample)
	if !n.Orchestrator.Execute(ctx, decision, decision.Scope) {
		n.log.Warn("decision execution did not complete",
			zap.String("action_name", string(decision.ActionName)),
			zap.String("scope", string(decision.Scope)))
	}
}

func (n *Node) pruneLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Registry.Prune(n.cfg.LivenessWindow)
		}
	}
}
