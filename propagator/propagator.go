// Package propagator implements leader-originated reliable broadcast of an
// approved action to a target set, with deadline-driven compliance
// evaluation.
package propagator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/election"
	"github.com/orbitalfleet/swarmcore/internal/codec"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/internal/setutil"
	"github.com/orbitalfleet/swarmcore/internal/wire"
)

// ErrEmptyTargets is returned by Propagate when targets is empty.
var ErrEmptyTargets = errors.New("propagator: targets must be non-empty")

// ErrNonPositiveDeadline is returned by Propagate when deadline <= 0.
var ErrNonPositiveDeadline = errors.New("propagator: deadline must be positive")

// Status is the terminal or in-flight state of a tracked action.
type Status int

const (
	Pending Status = iota
	Completed
	CompletedEscalated
)

// Executor performs an approved action's local effect. Implementations are
// supplied by the host process (e.g. the decision loop's side-effect layer);
// Propagator only drives the broadcast/completion protocol around it.
type Executor interface {
	Execute(ctx context.Context, actionName config.ProposalAction, params map[string]interface{}) error
}

// ActionState is the leader-side bookkeeping for one propagate() call,
// retained past its deadline so late queries can still inspect it.
type ActionState struct {
	ActionID            string
	ActionName          config.ProposalAction
	Targets             setutil.Set[agentid.ID]
	Completed           setutil.Set[agentid.ID]
	Deadline            time.Time
	ComplianceThreshold float64
	Status              Status
	Compliance          float64
}

// Propagator runs on every agent: leader-side when it originates a
// propagate() call, target-side whenever it receives an ActionCommand
// naming it.
type Propagator struct {
	selfID   agentid.ID
	bus      *bus.Bus
	election *election.Election
	executor Executor
	cfg      config.Config
	log      corelog.Logger
	metrics  *metrics.Set

	retention time.Duration

	mu     sync.Mutex
	states map[string]*ActionState

	subs []*bus.Subscription
}

// New constructs a Propagator. executor may be nil if this agent is never a
// propagation target (e.g. a test harness that only originates actions).
func New(selfID agentid.ID, b *bus.Bus, el *election.Election, executor Executor, cfg config.Config, log corelog.Logger, m *metrics.Set) *Propagator {
	if log == nil {
		log = corelog.NoOp{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	retention := cfg.ActionRetentionWindow
	if retention <= 0 {
		retention = 60 * time.Second
	}
	return &Propagator{
		selfID:    selfID,
		bus:       b,
		election:  el,
		executor:  executor,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		retention: retention,
		states:    make(map[string]*ActionState),
	}
}

// Start subscribes to the action command and completion topics.
func (p *Propagator) Start(ctx context.Context) {
	p.subs = []*bus.Subscription{
		p.bus.Subscribe(wire.TopicActionCommand, bus.ExactlyOnce, p.onActionCommand),
		p.bus.Subscribe(wire.TopicActionComplete, bus.ExactlyOnce, p.onActionCompletion),
	}
}

// Stop unsubscribes from every topic.
func (p *Propagator) Stop() {
	for _, s := range p.subs {
		s.Unsubscribe()
	}
}

// Propagate broadcasts actionName to targets and blocks until deadline
// elapses, then returns the resulting action_id. Non-leader callers fail
// with election.ErrNotLeader. complianceThreshold falls back to
// cfg.ComplianceThreshold when zero.
func (p *Propagator) Propagate(ctx context.Context, actionName config.ProposalAction, params map[string]interface{}, targets []agentid.ID, deadline time.Duration, complianceThreshold float64) (string, error) {
	if !p.election.IsLeader() {
		return "", election.ErrNotLeader
	}
	if len(targets) == 0 {
		return "", ErrEmptyTargets
	}
	if deadline <= 0 {
		return "", ErrNonPositiveDeadline
	}
	if complianceThreshold <= 0 {
		complianceThreshold = p.cfg.ComplianceThreshold
	}

	actionID := uuid.NewString()
	absoluteDeadline := time.Now().Add(deadline)
	targetSet := setutil.NewSet[agentid.ID](len(targets))
	for _, t := range targets {
		targetSet.Add(t)
	}

	state := &ActionState{
		ActionID:            actionID,
		ActionName:          actionName,
		Targets:             targetSet,
		Completed:           setutil.NewSet[agentid.ID](0),
		Deadline:            absoluteDeadline,
		ComplianceThreshold: complianceThreshold,
		Status:              Pending,
	}

	p.mu.Lock()
	p.states[actionID] = state
	p.mu.Unlock()

	cmd := wire.ActionCommand{
		ActionID:   actionID,
		ActionName: actionName,
		Params:     params,
		Targets:    targets,
		Deadline:   absoluteDeadline,
	}
	payload, err := codec.Codec.Marshal(codec.CurrentVersion, cmd)
	if err != nil {
		p.mu.Lock()
		delete(p.states, actionID)
		p.mu.Unlock()
		return "", err
	}
	if err := p.bus.Publish(ctx, wire.TopicActionCommand, payload, bus.ExactlyOnce); err != nil {
		p.log.Warn("action command publish failed", zap.Error(err))
	}
	p.metrics.ActionsPropagatedTotal.Inc()

	select {
	case <-time.After(time.Until(absoluteDeadline)):
	case <-ctx.Done():
		return actionID, ctx.Err()
	}

	p.finalize(actionID)
	return actionID, nil
}

func (p *Propagator) finalize(actionID string) {
	p.mu.Lock()
	state, ok := p.states[actionID]
	if !ok || state.Status != Pending {
		p.mu.Unlock()
		return
	}
	completed := state.Completed.Len()
	total := state.Targets.Len()
	compliance := 1.0
	if total > 0 {
		compliance = float64(completed) / float64(total)
	}
	state.Compliance = compliance
	if compliance >= state.ComplianceThreshold {
		state.Status = Completed
	} else {
		state.Status = CompletedEscalated
	}
	escalated := state.Status == CompletedEscalated
	p.mu.Unlock()

	if escalated {
		p.metrics.ComplianceBelowThreshold.Inc()
		p.log.Warn("action closed below compliance threshold",
			zap.String("action_id", actionID),
			zap.Float64("compliance", compliance),
			zap.Float64("threshold", state.ComplianceThreshold))
	}

	time.AfterFunc(p.retention, func() {
		p.mu.Lock()
		delete(p.states, actionID)
		p.mu.Unlock()
	})
}

// GetNonCompliant returns the targets of actionID with no completion recorded
// so far; completions that arrived after the deadline count as recorded. ok
// is false if actionID is unknown or was already evicted past its retention
// window.
func (p *Propagator) GetNonCompliant(actionID string) (setutil.Set[agentid.ID], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[actionID]
	if !ok {
		return setutil.Set[agentid.ID]{}, false
	}
	nonCompliant := setutil.NewSet[agentid.ID](0)
	for _, t := range state.Targets.List() {
		if !state.Completed.Contains(t) {
			nonCompliant.Add(t)
		}
	}
	return nonCompliant, true
}

// NonComplianceRate returns the fraction of currently retained, decided
// actions targeting agentID for which no completion from it is recorded
// (late completions included).
// sampled is false if agentID was not targeted by any retained action, in
// which case rate carries no signal.
func (p *Propagator) NonComplianceRate(agentID agentid.ID) (rate float64, sampled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var targeted, missed int
	for _, state := range p.states {
		if state.Status == Pending {
			continue
		}
		if !state.Targets.Contains(agentID) {
			continue
		}
		targeted++
		if !state.Completed.Contains(agentID) {
			missed++
		}
	}
	if targeted == 0 {
		return 0, false
	}
	return float64(missed) / float64(targeted), true
}

// State returns a snapshot of actionID's tracked state, if still retained.
func (p *Propagator) State(actionID string) (ActionState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[actionID]
	if !ok {
		return ActionState{}, false
	}
	return *state, true
}

func (p *Propagator) onActionCommand(env bus.Envelope) {
	var cmd wire.ActionCommand
	if _, err := codec.Codec.Unmarshal(env.Payload, &cmd); err != nil {
		p.log.Warn("dropping malformed action command")
		return
	}
	targeted := false
	for _, t := range cmd.Targets {
		if t == p.selfID {
			targeted = true
			break
		}
	}
	if !targeted || p.executor == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithDeadline(context.Background(), cmd.Deadline)
		defer cancel()
		if err := p.executor.Execute(ctx, cmd.ActionName, cmd.Params); err != nil {
			p.log.Warn("local action execution failed", zap.String("action_id", cmd.ActionID), zap.Error(err))
			return
		}
		payload, err := codec.Codec.Marshal(codec.CurrentVersion, wire.ActionCompletion{
			ActionID: cmd.ActionID,
			AgentID:  p.selfID,
		})
		if err != nil {
			p.log.Error("action completion marshal failed", zap.Error(err))
			return
		}
		if err := p.bus.Publish(context.Background(), wire.TopicActionComplete, payload, bus.ExactlyOnce); err != nil {
			p.log.Warn("action completion publish failed", zap.Error(err))
		}
	}()
}

func (p *Propagator) onActionCompletion(env bus.Envelope) {
	var comp wire.ActionCompletion
	if _, err := codec.Codec.Unmarshal(env.Payload, &comp); err != nil {
		p.log.Warn("dropping malformed action completion")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[comp.ActionID]
	if !ok {
		return
	}
	// Completions arriving after the deadline was evaluated are recorded
	// (visible via State/GetNonCompliant) but never change a decided
	// Status/Compliance.
	state.Completed.Add(comp.AgentID)
}
