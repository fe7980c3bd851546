// Package metrics declares the prometheus collectors the coordination core
// exposes to operators. Every recovery path that changes protocol semantics
// (quorum-timeout fallback, reasoning fallback, safety veto, compliance
// shortfall, hysteresis suppression) increments one of these so the
// behavior is visible without reading logs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is the full collection of counters and gauges the coordination core
// registers on startup. A nil *Set is not usable itself; components that are
// given nil substitute NewNoop(), so they can be constructed without metrics
// in unit tests.
type Set struct {
	RoleChangesTotal         prometheus.Counter
	FlappingEventsBlocked    prometheus.Counter
	QuorumFallbacksTotal     prometheus.Counter
	SafetyGateBlockTotal     prometheus.Counter
	ReasoningFallbacksTotal  prometheus.Counter
	DecisionDivergenceTotal  prometheus.Counter
	ComplianceBelowThreshold prometheus.Counter
	ElectionsTotal           prometheus.Counter
	LeaderStepDownsTotal     prometheus.Counter
	ActionsPropagatedTotal   prometheus.Counter
	ProposalsTotal           *prometheus.CounterVec
	MemoryHitRatio           prometheus.Gauge
	ConstellationHealth      prometheus.Gauge
}

// NewSet creates and registers the metric set against reg. reg may be a
// fresh prometheus.NewRegistry() in tests or prometheus.DefaultRegisterer in
// a running agent.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		RoleChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_role_changes_total",
			Help: "Role reassignment proposals approved and applied.",
		}),
		FlappingEventsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_flapping_events_blocked_total",
			Help: "Reassignment cycles where hysteresis suppressed a role change.",
		}),
		QuorumFallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_quorum_fallbacks_total",
			Help: "Proposals resolved by the leader-fallback path after quorum timeout.",
		}),
		SafetyGateBlockTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_safety_gate_block_total",
			Help: "CONSTELLATION decisions vetoed by the safety simulator before consensus.",
		}),
		ReasoningFallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_reasoning_fallbacks_total",
			Help: "DecisionLoop steps that fell back to safe_mode because the inner reasoner failed.",
		}),
		DecisionDivergenceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_decision_divergence_total",
			Help: "Detected cases of agents reaching different decisions for equivalent context.",
		}),
		ComplianceBelowThreshold: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_compliance_below_threshold_total",
			Help: "ActionPropagator evaluations that closed below their configured compliance bar.",
		}),
		ElectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_elections_total",
			Help: "Elections started (CANDIDATE entered) by this agent.",
		}),
		LeaderStepDownsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_leader_step_downs_total",
			Help: "Times this agent stepped down from LEADER on observing another leader's heartbeat.",
		}),
		ActionsPropagatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmcore_actions_propagated_total",
			Help: "ActionCommands broadcast by this agent as leader.",
		}),
		ProposalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmcore_proposals_total",
			Help: "Proposals by action_name and terminal state.",
		}, []string{"action_name", "state"}),
		MemoryHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcore_memory_hit_ratio",
			Help: "Rolling local-cache hit ratio for SwarmMemory.Get.",
		}),
		ConstellationHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcore_constellation_health",
			Help: "Registry.ConstellationHealth() as last sampled by DecisionLoop.",
		}),
	}
	for _, c := range []prometheus.Collector{
		s.RoleChangesTotal, s.FlappingEventsBlocked, s.QuorumFallbacksTotal,
		s.SafetyGateBlockTotal, s.ReasoningFallbacksTotal, s.DecisionDivergenceTotal,
		s.ComplianceBelowThreshold, s.ElectionsTotal, s.LeaderStepDownsTotal,
		s.ActionsPropagatedTotal, s.ProposalsTotal, s.MemoryHitRatio, s.ConstellationHealth,
	} {
		_ = reg.Register(c) // duplicate registration on re-init is not fatal here
	}
	return s
}

// NewNoop returns a Set backed by a fresh, unshared registry — useful for
// components constructed in isolation (unit tests, one-off tools) that don't
// want to collide with a process-wide prometheus.DefaultRegisterer.
func NewNoop() *Set {
	return NewSet(prometheus.NewRegistry())
}
