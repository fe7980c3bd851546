// Package safety implements SafetySimulator: a cheap, pre-execution risk
// estimate for CONSTELLATION-scoped decisions, with a single-hop cascade
// model and a fail-closed default.
package safety

import (
	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/decisionloop"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/registry"
)

// Simulator estimates whether a Decision is safe to propagate constellation-wide.
type Simulator struct {
	reg     *registry.Registry
	cfg     config.Config
	log     corelog.Logger
	metrics *metrics.Set
}

// New constructs a Simulator.
func New(reg *registry.Registry, cfg config.Config, log corelog.Logger, m *metrics.Set) *Simulator {
	if log == nil {
		log = corelog.NoOp{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Simulator{reg: reg, cfg: cfg, log: log, metrics: m}
}

func (s *Simulator) threshold() float64 {
	if s.cfg.SafetyRiskThreshold <= 0 {
		return 0.10
	}
	return s.cfg.SafetyRiskThreshold
}

func (s *Simulator) propagationFactor() float64 {
	if s.cfg.SafetyPropagationFactor <= 0 {
		return 0.15
	}
	return s.cfg.SafetyPropagationFactor
}

// Validate returns whether decision is safe to execute. Any missing or
// malformed parameter, or an action this simulator has no risk model for,
// is treated as unsafe (fail-closed).
func (s *Simulator) Validate(decision decisionloop.Decision) bool {
	baseRisk, ok := s.baseRisk(decision)
	if !ok {
		s.veto(decision, 0, 0, "missing or invalid risk parameters")
		return false
	}

	affected := s.reg.GetAlivePeers().Len()
	cascade := baseRisk * s.propagationFactor() * float64(affected)
	total := baseRisk + cascade

	if total > s.threshold() {
		s.veto(decision, baseRisk, cascade, "risk exceeds threshold")
		return false
	}
	return true
}

func (s *Simulator) veto(decision decisionloop.Decision, baseRisk, cascade float64, reason string) {
	s.metrics.SafetyGateBlockTotal.Inc()
	s.log.Warn("safety simulator vetoed decision",
		zap.String("action_name", string(decision.ActionName)),
		zap.Float64("base_risk", baseRisk),
		zap.Float64("cascade", cascade),
		zap.String("reason", reason))
}

// baseRisk computes the per-action risk formula. ok is false when the
// decision's params don't contain what the formula needs, or the action
// has no defined risk model.
func (s *Simulator) baseRisk(decision decisionloop.Decision) (risk float64, ok bool) {
	switch decision.ActionName {
	case config.ActionSafeMode:
		return 0, true
	case config.ActionRoleReassign:
		return 0.05, true
	case config.ActionAttitudeAdjust:
		angle, ok := floatParam(decision.Params, "angle_degrees")
		if !ok {
			return 0, false
		}
		return (angle / 10) * 0.30, true
	case config.ActionLoadShed:
		shedPercent, ok := floatParam(decision.Params, "shed_percent")
		if !ok {
			return 0, false
		}
		if shedPercent <= 15 {
			return 0, true
		}
		return (shedPercent - 15) / 100, true
	case config.ActionThermalManeuver:
		deltaT, ok := floatParam(decision.Params, "delta_t")
		if !ok {
			return 0, false
		}
		if deltaT <= 5 {
			return 0, true
		}
		return (deltaT / 5) - 1, true
	default:
		return 0, false
	}
}

func floatParam(params map[string]interface{}, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
