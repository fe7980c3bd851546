// Package rolereassigner implements RoleReassigner: the leader-side loop
// that classifies each peer's recent health into a failure mode and, under
// hysteresis, proposes role changes through Consensus and applies them
// through ActionPropagator.
package rolereassigner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/consensus"
	"github.com/orbitalfleet/swarmcore/election"
	"github.com/orbitalfleet/swarmcore/health"
	"github.com/orbitalfleet/swarmcore/internal/codec"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/propagator"
	"github.com/orbitalfleet/swarmcore/registry"
)

// FailureMode classifies a peer's recent health-history window.
type FailureMode int

const (
	Healthy FailureMode = iota
	Intermittent
	Degraded
	Critical
)

func (f FailureMode) String() string {
	switch f {
	case Healthy:
		return "HEALTHY"
	case Intermittent:
		return "INTERMITTENT"
	case Degraded:
		return "DEGRADED"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

const belowThresholdRisk = 0.3
const lowRiskPromotionThreshold = 0.2
const lowRiskPromotionWindow = 90 * time.Second
const propagateDeadline = 5 * time.Second

type sample struct {
	risk  float64
	below bool
}

type peerHistory struct {
	samples          []sample
	consecutiveBelow int
	lowRiskSince      time.Time
}

func (h *peerHistory) classify(hysteresis int) FailureMode {
	below := 0
	for _, s := range h.samples {
		if s.below {
			below++
		}
	}
	trailing := 0
	for i := len(h.samples) - 1; i >= 0; i-- {
		if !h.samples[i].below {
			break
		}
		trailing++
	}
	switch {
	case below == 0:
		return Healthy
	case below >= 4 && trailing > 0:
		return Critical
	case trailing >= hysteresis:
		return Degraded
	default:
		return Intermittent
	}
}

func (h *peerHistory) meanRisk() float64 {
	if len(h.samples) == 0 {
		return 1.0 // unknown treated as maximally unhealthy for tiebreak purposes
	}
	var sum float64
	for _, s := range h.samples {
		sum += s.risk
	}
	return sum / float64(len(h.samples))
}

// RoleExecutor applies an approved role_reassign action's per-agent role
// assignment locally. Params is {"roles": {"<agent_id>": "<role>"}}; only
// the entry matching this agent's own ID is applied.
type RoleExecutor struct {
	selfID agentid.ID
	reg    *registry.Registry
}

// NewRoleExecutor constructs a RoleExecutor bound to reg.
func NewRoleExecutor(selfID agentid.ID, reg *registry.Registry) *RoleExecutor {
	return &RoleExecutor{selfID: selfID, reg: reg}
}

var errNoRoleAssignment = errors.New("rolereassigner: no role entry for this agent in params")

// Execute implements propagator.Executor.
func (e *RoleExecutor) Execute(ctx context.Context, actionName config.ProposalAction, params map[string]interface{}) error {
	if actionName != config.ActionRoleReassign {
		return nil
	}
	roles, ok := params["roles"].(map[string]interface{})
	if !ok {
		return errNoRoleAssignment
	}
	roleVal, ok := roles[string(e.selfID)]
	if !ok {
		return errNoRoleAssignment
	}
	roleStr, ok := roleVal.(string)
	if !ok {
		return errNoRoleAssignment
	}
	e.reg.SetRole(e.selfID, registry.Role(roleStr))
	return nil
}

// Reassigner runs the health-history tracking and, while leader, the
// classification-and-proposal loop.
type Reassigner struct {
	selfID     agentid.ID
	bus        *bus.Bus
	reg        *registry.Registry
	election   *election.Election
	consensus  *consensus.Consensus
	propagator *propagator.Propagator
	selfRisk   health.RiskSource
	cfg        config.Config
	log        corelog.Logger
	metrics    *metrics.Set

	mu        sync.Mutex
	histories map[agentid.ID]*peerHistory

	sub    *bus.Subscription
	stopCh chan struct{}
}

// New constructs a Reassigner. selfRisk is sampled once per loop tick to
// track this agent's own health history alongside its peers'.
func New(selfID agentid.ID, b *bus.Bus, reg *registry.Registry, el *election.Election, cons *consensus.Consensus, prop *propagator.Propagator, selfRisk health.RiskSource, cfg config.Config, log corelog.Logger, m *metrics.Set) *Reassigner {
	if log == nil {
		log = corelog.NoOp{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Reassigner{
		selfID:     selfID,
		bus:        b,
		reg:        reg,
		election:   el,
		consensus:  cons,
		propagator: prop,
		selfRisk:   selfRisk,
		cfg:        cfg,
		log:        log,
		metrics:    m,
		histories:  make(map[agentid.ID]*peerHistory),
		stopCh:     make(chan struct{}),
	}
}

// Start subscribes to health summaries and begins the leader-only loop.
func (r *Reassigner) Start(ctx context.Context) {
	r.sub = r.bus.Subscribe(health.Topic, bus.AtLeastOnce, r.onHealthSample)
	go r.loop(ctx)
}

// Stop unsubscribes and halts the loop.
func (r *Reassigner) Stop() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	close(r.stopCh)
}

func (r *Reassigner) onHealthSample(env bus.Envelope) {
	if env.SenderID == r.selfID {
		return
	}
	var s health.Summary
	// Reassigner decodes the same wire payload independently of
	// health.Broadcaster, since it keeps its own bounded sample history
	// distinct from Registry's single-most-recent-sample view.
	if _, err := codec.Codec.Unmarshal(env.Payload, &s); err != nil {
		return
	}
	r.record(env.SenderID, s.RiskScore)
}

func (r *Reassigner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RoleReassignerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.selfRisk != nil {
				r.record(r.selfID, r.selfRisk())
			}
			if r.election.IsLeader() {
				r.evaluate(ctx)
			}
		}
	}
}

func (r *Reassigner) record(id agentid.ID, risk float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histories[id]
	if !ok {
		h = &peerHistory{}
		r.histories[id] = h
	}
	below := risk >= belowThresholdRisk
	h.samples = append(h.samples, sample{risk: risk, below: below})
	max := r.maxSamples()
	if len(h.samples) > max {
		h.samples = h.samples[len(h.samples)-max:]
	}
	if below {
		h.consecutiveBelow++
	} else {
		h.consecutiveBelow = 0
	}
	if risk < lowRiskPromotionThreshold {
		if h.lowRiskSince.IsZero() {
			h.lowRiskSince = time.Now()
		}
	} else {
		h.lowRiskSince = time.Time{}
	}
}

func (r *Reassigner) maxSamples() int {
	if r.cfg.HealthBroadcastInterval <= 0 {
		return 10
	}
	n := int(r.cfg.HealthHistoryWindow / r.cfg.HealthBroadcastInterval)
	if n < 1 {
		n = 1
	}
	return n
}

func (r *Reassigner) roleOf(id agentid.ID) registry.Role {
	if id == r.selfID {
		return r.reg.OwnRole()
	}
	p, ok := r.reg.GetPeer(id)
	if !ok {
		return registry.RoleStandby
	}
	return p.Role
}

func nextRoleUp(role registry.Role) (registry.Role, bool) {
	switch role {
	case registry.RoleSafeMode:
		return registry.RoleStandby, true
	case registry.RoleStandby:
		return registry.RoleBackup, true
	default:
		return role, false
	}
}

func (r *Reassigner) knownAgents() []agentid.ID {
	ids := r.reg.GetAlivePeers().List()
	ids = append(ids, r.selfID)
	return ids
}

func (r *Reassigner) evaluate(ctx context.Context) {
	for _, id := range r.knownAgents() {
		r.mu.Lock()
		h, ok := r.histories[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		mode := h.classify(r.cfg.HysteresisConsecutiveBelow)
		role := r.roleOf(id)

		if mode == Intermittent {
			// Below-threshold samples present but not a contiguous trailing
			// run: a flapping pattern hysteresis is suppressing, regardless
			// of this agent's current role.
			r.metrics.FlappingEventsBlocked.Inc()
		}

		switch {
		case role == registry.RolePrimary && (mode == Degraded || mode == Critical) && h.consecutiveBelow >= r.cfg.HysteresisConsecutiveBelow:
			r.proposeFailover(ctx, id)
			r.resetHysteresis(id)

		case (role == registry.RoleStandby || role == registry.RoleSafeMode) && !h.lowRiskSince.IsZero() && time.Since(h.lowRiskSince) >= lowRiskPromotionWindow:
			if next, ok := nextRoleUp(role); ok {
				r.proposeSingle(ctx, id, next)
			}

		case role != registry.RoleStandby && role != registry.RoleSafeMode:
			if rate, sampled := r.propagator.NonComplianceRate(id); sampled && rate > 1-r.cfg.ComplianceThreshold {
				r.proposeSingle(ctx, id, registry.RoleStandby)
			}
		}
	}
}

func (r *Reassigner) resetHysteresis(id agentid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histories[id]; ok {
		h.consecutiveBelow = 0
	}
}

// proposeFailover promotes the healthiest BACKUP (by lowest mean risk,
// highest AgentId tiebreak) and demotes the failing PRIMARY to BACKUP.
func (r *Reassigner) proposeFailover(ctx context.Context, failingPrimary agentid.ID) {
	var bestID agentid.ID
	bestRisk := 2.0 // above any valid risk score
	for _, id := range r.knownAgents() {
		if id == failingPrimary {
			continue
		}
		if r.roleOf(id) != registry.RoleBackup {
			continue
		}
		r.mu.Lock()
		h, ok := r.histories[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		mean := h.meanRisk()
		if mean < bestRisk || (mean == bestRisk && id > bestID) {
			bestRisk = mean
			bestID = id
		}
	}
	if bestID.Empty() {
		r.log.Warn("no healthy backup available for failover", zap.String("failing_primary", string(failingPrimary)))
		return
	}

	params := map[string]interface{}{
		"roles": map[string]interface{}{
			string(bestID):         string(registry.RolePrimary),
			string(failingPrimary): string(registry.RoleBackup),
		},
	}
	approved, err := r.consensus.Propose(ctx, config.ActionRoleReassign, params)
	if err != nil || !approved {
		return
	}
	r.reg.SetRole(bestID, registry.RolePrimary)
	r.reg.SetRole(failingPrimary, registry.RoleBackup)
	r.metrics.RoleChangesTotal.Inc()
	_, _ = r.propagator.Propagate(ctx, config.ActionRoleReassign, params, []agentid.ID{bestID, failingPrimary}, propagateDeadline, 0)
}

func (r *Reassigner) proposeSingle(ctx context.Context, target agentid.ID, newRole registry.Role) {
	params := map[string]interface{}{
		"roles": map[string]interface{}{
			string(target): string(newRole),
		},
	}
	approved, err := r.consensus.Propose(ctx, config.ActionRoleReassign, params)
	if err != nil || !approved {
		return
	}
	r.reg.SetRole(target, newRole)
	r.metrics.RoleChangesTotal.Inc()
	_, _ = r.propagator.Propagate(ctx, config.ActionRoleReassign, params, []agentid.ID{target}, propagateDeadline, 0)
}
