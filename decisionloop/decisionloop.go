// Package decisionloop implements DecisionLoop: a wrapper around an
// external anomaly reasoner that attaches a cached, agent-agnostic snapshot
// of constellation state so that every agent facing the same telemetry
// input converges on the same Decision.
package decisionloop

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/election"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/registry"
	"github.com/orbitalfleet/swarmcore/swarmmemory"
)

// Scope is one of the three execution paths a Decision can be routed
// through by ResponseOrchestrator.
type Scope string

const (
	ScopeLocal         Scope = "LOCAL"
	ScopeSwarm         Scope = "SWARM"
	ScopeConstellation Scope = "CONSTELLATION"
)

// Decision is the tagged action a reasoner (inner or fallback) emits.
type Decision struct {
	ActionName config.ProposalAction  `json:"action_name"`
	Params     map[string]interface{} `json:"params"`
	Scope      Scope                  `json:"scope"`
	Confidence float64                `json:"confidence"`
	Rationale  string                 `json:"rationale"`
}

// GlobalContext is the cached snapshot every agent's inner reasoner sees,
// so that identical telemetry and identical context produce identical
// Decisions across the constellation.
type GlobalContext struct {
	LeaderID           agentid.ID
	HasLeader          bool
	ConstellationHealth float64
	QuorumSize         int
	RecentDecisions    []swarmmemory.DecisionEntry
	OwnRole            registry.Role
	SampledAt          time.Time
}

// InnerReasoner is the out-of-scope anomaly detector/reasoner. Implementations
// are supplied by the host process; DecisionLoop only guarantees every call
// receives the same GlobalContext for the same sampling window.
type InnerReasoner interface {
	Reason(ctx context.Context, localTelemetry map[string]interface{}, global GlobalContext) (Decision, error)
}

// Loop runs the GlobalContext cache and the wrap-then-record step around an
// InnerReasoner.
type Loop struct {
	selfID    agentid.ID
	reg       *registry.Registry
	election  *election.Election
	memory    *swarmmemory.Memory
	reasoner  InnerReasoner
	cfg       config.Config
	log       corelog.Logger
	metrics   *metrics.Set

	mu        sync.Mutex
	cached    GlobalContext
	cacheTime time.Time

	divergenceMu sync.Mutex
	lastSeen     map[string]Decision // telemetry fingerprint -> first Decision observed, for divergence detection
}

// New constructs a Loop. reasoner may be nil only in tests that never call
// Step.
func New(selfID agentid.ID, reg *registry.Registry, el *election.Election, mem *swarmmemory.Memory, reasoner InnerReasoner, cfg config.Config, log corelog.Logger, m *metrics.Set) *Loop {
	if log == nil {
		log = corelog.NoOp{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Loop{
		selfID:   selfID,
		reg:      reg,
		election: el,
		memory:   mem,
		reasoner: reasoner,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		lastSeen: make(map[string]Decision),
	}
}

// ttl returns the configured GlobalContext cache freshness window.
func (l *Loop) ttl() time.Duration {
	if l.cfg.GlobalContextTTL <= 0 {
		return 100 * time.Millisecond
	}
	return l.cfg.GlobalContextTTL
}

// globalContext returns the cached snapshot, refreshing it synchronously on
// a TTL miss.
func (l *Loop) globalContext() GlobalContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.cacheTime) < l.ttl() {
		return l.cached
	}
	l.cached = l.buildContext()
	l.cacheTime = time.Now()
	return l.cached
}

func (l *Loop) buildContext() GlobalContext {
	leaderID, hasLeader := l.election.LeaderID()
	health := l.reg.ConstellationHealth()
	l.metrics.ConstellationHealth.Set(health)

	var recent []swarmmemory.DecisionEntry
	if l.memory != nil {
		recent = l.memory.RecentDecisions()
	}

	return GlobalContext{
		LeaderID:            leaderID,
		HasLeader:           hasLeader,
		ConstellationHealth: health,
		QuorumSize:          l.reg.AliveCount(),
		RecentDecisions:     recent,
		OwnRole:             l.reg.OwnRole(),
		SampledAt:           time.Now(),
	}
}

// Step runs one reasoning cycle: fetch/refresh GlobalContext, apply the
// safe-mode-on-unhealthy-leader shortcut, otherwise delegate to the inner
// reasoner, then record the outcome locally and return it.
func (l *Loop) Step(ctx context.Context, localTelemetry map[string]interface{}) Decision {
	global := l.globalContext()

	var decision Decision
	switch {
	case global.HasLeader && global.LeaderID == l.selfID && global.ConstellationHealth < 0.5:
		// This agent is the elected leader, but the constellation is
		// unhealthy enough that no further reasoning is trusted: go
		// straight to safe_mode without consulting the inner reasoner.
		decision = Decision{
			ActionName: config.ActionSafeMode,
			Scope:      ScopeConstellation,
			Confidence: 1,
			Rationale:  "leader observed constellation_health below 0.5",
		}
	case l.reasoner == nil:
		decision = l.reasoningFallback("no inner reasoner configured")
	default:
		d, err := l.reasoner.Reason(ctx, localTelemetry, global)
		if err != nil {
			decision = l.reasoningFallback(err.Error())
		} else {
			decision = d
		}
	}

	l.checkDivergence(localTelemetry, decision)

	if l.memory != nil {
		l.memory.RecordDecision(decision.ActionName, string(decision.Scope))
	}
	return decision
}

func (l *Loop) reasoningFallback(reason string) Decision {
	l.metrics.ReasoningFallbacksTotal.Inc()
	l.log.Warn("inner reasoner failed, falling back to safe_mode", zap.String("reason", reason))
	return Decision{
		ActionName: config.ActionSafeMode,
		Scope:      ScopeConstellation,
		Confidence: 0,
		Rationale:  "reasoning fallback: " + reason,
	}
}

// checkDivergence tracks, per distinct telemetry fingerprint, the first
// Decision this agent produced for it; a later call with the same
// fingerprint producing a different action_name/scope pair indicates the
// convergence property has been violated (e.g. by a reasoner that isn't
// actually deterministic given identical inputs).
func (l *Loop) checkDivergence(localTelemetry map[string]interface{}, decision Decision) {
	key := telemetryFingerprint(localTelemetry)
	if key == "" {
		return
	}
	l.divergenceMu.Lock()
	defer l.divergenceMu.Unlock()
	prior, ok := l.lastSeen[key]
	if !ok {
		l.lastSeen[key] = decision
		return
	}
	if prior.ActionName != decision.ActionName || prior.Scope != decision.Scope {
		l.metrics.DecisionDivergenceTotal.Inc()
		l.log.Warn("decision divergence detected for repeated telemetry",
			zap.String("prior_action", string(prior.ActionName)),
			zap.String("decision_action", string(decision.ActionName)))
	}
}

// telemetryFingerprint builds a stable key from a telemetry map. encoding/json
// sorts object keys when marshaling a map, so this is deterministic across
// agents without any ordering code of our own.
func telemetryFingerprint(t map[string]interface{}) string {
	if len(t) == 0 {
		return ""
	}
	b, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return string(b)
}
