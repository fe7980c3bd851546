// Package orchestrator implements ResponseOrchestrator: routes a tagged
// Decision to its LOCAL, SWARM, or CONSTELLATION execution path.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/consensus"
	"github.com/orbitalfleet/swarmcore/decisionloop"
	"github.com/orbitalfleet/swarmcore/election"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/propagator"
	"github.com/orbitalfleet/swarmcore/registry"
	"github.com/orbitalfleet/swarmcore/safety"
)

// swarmDeadline is the fixed propagation deadline for SWARM-scoped actions.
const swarmDeadline = 5 * time.Second

// Effector performs a Decision's LOCAL side effect. Out-of-scope: supplied
// by the host process.
type Effector interface {
	Apply(ctx context.Context, decision decisionloop.Decision) error
}

// Orchestrator wires the three execution paths together.
type Orchestrator struct {
	selfID     agentid.ID
	reg        *registry.Registry
	election   *election.Election
	consensus  *consensus.Consensus
	propagator *propagator.Propagator
	safety     *safety.Simulator
	effector   Effector
	cfg        config.Config
	log        corelog.Logger
	metrics    *metrics.Set
}

// New constructs an Orchestrator.
func New(selfID agentid.ID, reg *registry.Registry, el *election.Election, cons *consensus.Consensus, prop *propagator.Propagator, sim *safety.Simulator, effector Effector, cfg config.Config, log corelog.Logger, m *metrics.Set) *Orchestrator {
	if log == nil {
		log = corelog.NoOp{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Orchestrator{
		selfID:     selfID,
		reg:        reg,
		election:   el,
		consensus:  cons,
		propagator: prop,
		safety:     sim,
		effector:   effector,
		cfg:        cfg,
		log:        log,
		metrics:    m,
	}
}

// Execute routes decision according to scope, or decision.Scope if scope is
// empty; an empty result from both defaults to LOCAL, the safe choice for
// callers that don't tag a scope.
func (o *Orchestrator) Execute(ctx context.Context, decision decisionloop.Decision, scope decisionloop.Scope) bool {
	if scope == "" {
		scope = decision.Scope
	}
	if scope == "" {
		scope = decisionloop.ScopeLocal
	}
	if !o.cfg.SwarmModeEnabled {
		scope = decisionloop.ScopeLocal
	}

	switch scope {
	case decisionloop.ScopeLocal:
		return o.executeLocal(ctx, decision)
	case decisionloop.ScopeSwarm:
		return o.executeSwarm(ctx, decision)
	case decisionloop.ScopeConstellation:
		return o.executeConstellation(ctx, decision)
	default:
		o.log.Warn("unknown decision scope, denying", zap.String("scope", string(scope)))
		return false
	}
}

func (o *Orchestrator) executeLocal(ctx context.Context, decision decisionloop.Decision) bool {
	if o.effector == nil {
		return false
	}
	if err := o.effector.Apply(ctx, decision); err != nil {
		o.log.Warn("local effector failed", zap.String("action_name", string(decision.ActionName)), zap.Error(err))
		return false
	}
	return true
}

func (o *Orchestrator) executeSwarm(ctx context.Context, decision decisionloop.Decision) bool {
	if !o.election.IsLeader() {
		o.log.Warn("denying SWARM decision: not leader", zap.String("action_name", string(decision.ActionName)))
		return false
	}
	if o.cfg.SafetyAppliesToSwarm && o.safety != nil && !o.safety.Validate(decision) {
		return false
	}

	approved, err := o.consensus.Propose(ctx, decision.ActionName, decision.Params)
	if err != nil || !approved {
		return false
	}

	targets := o.reg.GetAlivePeers().List()
	if len(targets) == 0 {
		return true // nothing to propagate to; the proposal itself already succeeded
	}
	_, err = o.propagator.Propagate(ctx, decision.ActionName, decision.Params, targets, swarmDeadline, o.cfg.ComplianceThreshold)
	return err == nil
}

func (o *Orchestrator) executeConstellation(ctx context.Context, decision decisionloop.Decision) bool {
	if !o.election.IsLeader() {
		o.log.Warn("denying CONSTELLATION decision: not leader", zap.String("action_name", string(decision.ActionName)))
		return false
	}

	if o.safety != nil && !o.safety.Validate(decision) {
		// Veto precedes consensus: no ProposalRequest is published for an
		// action the safety simulator rejects.
		return false
	}

	approved, err := o.consensus.Propose(ctx, decision.ActionName, decision.Params)
	if err != nil || !approved {
		return false
	}

	targets := o.reg.GetAlivePeers().List()
	if len(targets) == 0 {
		return true
	}
	_, err = o.propagator.Propagate(ctx, decision.ActionName, decision.Params, targets, swarmDeadline, o.cfg.ConstellationComplianceThreshold)
	return err == nil
}
