// Package consensus turns a leader's proposal into a binding
// approval/denial via quorum voting over the alive peer set.
package consensus

import (
	"context"
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
	"github.com/orbitalfleet/swarmcore/internal/mathutil"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/internal/setutil"
	"github.com/orbitalfleet/swarmcore/internal/wire"
	"github.com/orbitalfleet/swarmcore/registry"
)

// ProposalState is one of the four terminal or pending states of a proposal.
type ProposalState int

const (
	Pending ProposalState = iota
	Approved
	Denied
	TimedOut
)

// Proposal is the leader-constructed binding-decision request, serialized on
// coord/proposal_request.
type Proposal struct {
	ProposalID string                 `json:"proposal_id"`
	ActionName config.ProposalAction  `json:"action_name"`
	Params     map[string]interface{} `json:"params"`
	ProposerID agentid.ID             `json:"proposer_id"`
	Term       uint64                 `json:"term"`
	Deadline   time.Time              `json:"deadline"`
}

// ActionApproved is broadcast once a proposal reaches APPROVED, by quorum or
// by fallback.
type ActionApproved struct {
	ProposalID string                 `json:"proposal_id"`
	ActionName config.ProposalAction  `json:"action_name"`
	Params     map[string]interface{} `json:"params"`
}

type proposalTracker struct {
	proposal Proposal
	grants   setutil.Set[agentid.ID]
	denies   setutil.Set[agentid.ID]
	quorum   int
	alive    int
	closed   bool
	approved bool
	done     chan struct{}
}

// Consensus runs both roles every agent plays: leader-side proposal and vote
// tally, and voter-side evaluation/dedup of incoming proposals.
type Consensus struct {
	selfID   agentid.ID
	bus      *bus.Bus
	reg      *registry.Registry
	election *election.Election
	cfg      config.Config
	log      corelog.Logger
	metrics  *metrics.Set

	mu      sync.Mutex
	tracked map[string]*proposalTracker

	actionMu    sync.Mutex
	actionLocks map[config.ProposalAction]*sync.Mutex

	voterMu        sync.Mutex
	voterDecisions map[string]bool // proposal_id -> grant, for idempotent resend

	subs []*bus.Subscription
}

// New constructs a Consensus instance.
func New(selfID agentid.ID, b *bus.Bus, reg *registry.Registry, el *election.Election, cfg config.Config, log corelog.Logger, m *metrics.Set) *Consensus {
	if log == nil {
		log = corelog.NoOp{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Consensus{
		selfID:         selfID,
		bus:            b,
		reg:            reg,
		election:       el,
		cfg:            cfg,
		log:            log,
		metrics:        m,
		tracked:        make(map[string]*proposalTracker),
		actionLocks:    make(map[config.ProposalAction]*sync.Mutex),
		voterDecisions: make(map[string]bool),
	}
}

// Start subscribes to the proposal and vote topics.
func (c *Consensus) Start(ctx context.Context) {
	c.subs = []*bus.Subscription{
		c.bus.Subscribe(wire.TopicProposalRequest, bus.ExactlyOnce, c.onProposalRequest),
		c.bus.Subscribe(wire.TopicVoteGrant, bus.ExactlyOnce, c.onVote(true)),
		c.bus.Subscribe(wire.TopicVoteDeny, bus.ExactlyOnce, c.onVote(false)),
	}
}

// Stop unsubscribes from every topic.
func (c *Consensus) Stop() {
	for _, s := range c.subs {
		s.Unsubscribe()
	}
}

func (c *Consensus) lockFor(action config.ProposalAction) *sync.Mutex {
	c.actionMu.Lock()
	defer c.actionMu.Unlock()
	m, ok := c.actionLocks[action]
	if !ok {
		m = &sync.Mutex{}
		c.actionLocks[action] = m
	}
	return m
}

// Propose constructs and broadcasts a Proposal for actionName, waits for
// quorum or the action's configured timeout, and returns whether it was
// approved. Non-leader callers fail with election.ErrNotLeader. At most one
// proposal per actionName is outstanding at a time; concurrent callers
// queue on the per-action lock.
func (c *Consensus) Propose(ctx context.Context, actionName config.ProposalAction, params map[string]interface{}) (bool, error) {
	if !c.election.IsLeader() {
		return false, election.ErrNotLeader
	}

	actionLock := c.lockFor(actionName)
	actionLock.Lock()
	defer actionLock.Unlock()

	policy := c.cfg.Policy(actionName)
	alive := c.reg.AliveCount()
	quorum := mathutil.CeilFraction(alive, policy.QuorumFraction)

	p := Proposal{
		ProposalID: uuid.NewString(),
		ActionName: actionName,
		Params:     params,
		ProposerID: c.selfID,
		Term:       c.election.CurrentTerm(),
		Deadline:   time.Now().Add(policy.Timeout),
	}

	tracker := &proposalTracker{
		proposal: p,
		grants:   setutil.Of(c.selfID), // implicit self-grant, per the Open Question resolution
		denies:   setutil.NewSet[agentid.ID](0),
		quorum:   quorum,
		alive:    alive,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.tracked[p.ProposalID] = tracker
	c.mu.Unlock()

	payload, err := codec.Codec.Marshal(codec.CurrentVersion, p)
	if err != nil {
		c.mu.Lock()
		delete(c.tracked, p.ProposalID)
		c.mu.Unlock()
		return false, err
	}
	if err := c.bus.Publish(ctx, wire.TopicProposalRequest, payload, bus.ExactlyOnce); err != nil {
		c.log.Warn("proposal request publish failed", zap.Error(err))
	}

	// The self-grant alone may already meet quorum (1-agent constellation).
	// Votes delivered during Publish may also have decided it already.
	c.mu.Lock()
	approved, decided := c.checkDecisionLocked(tracker)
	if decided && !tracker.closed {
		tracker.closed = true
		tracker.approved = approved
		close(tracker.done)
	}
	c.mu.Unlock()

	approved, fallback, err := c.awaitDecision(ctx, tracker, p.Deadline)
	if err != nil {
		c.mu.Lock()
		delete(c.tracked, p.ProposalID)
		c.mu.Unlock()
		return false, err
	}
	return c.finalize(ctx, tracker, approved, fallback)
}

func (c *Consensus) awaitDecision(ctx context.Context, tracker *proposalTracker, deadline time.Time) (approved bool, fallback bool, err error) {
	select {
	case <-tracker.done:
		c.mu.Lock()
		approved = tracker.approved
		c.mu.Unlock()
		return approved, false, nil
	case <-time.After(time.Until(deadline)):
		c.mu.Lock()
		defer c.mu.Unlock()
		if tracker.closed {
			return tracker.approved, false, nil
		}
		tracker.closed = true
		tracker.approved = true // fallback: "elected-leader fallback" default approve
		close(tracker.done)
		return true, true, nil
	case <-ctx.Done():
		return false, false, ctx.Err()
	}
}

// checkDecisionLocked must be called with c.mu held.
func (c *Consensus) checkDecisionLocked(t *proposalTracker) (approved bool, decided bool) {
	grants := t.grants.Len()
	denies := t.denies.Len()
	if grants >= t.quorum {
		return true, true
	}
	remainingPossible := t.alive - denies
	if remainingPossible < t.quorum {
		return false, true
	}
	return false, false
}

func (c *Consensus) finalize(ctx context.Context, tracker *proposalTracker, approved, fallback bool) (bool, error) {
	c.mu.Lock()
	delete(c.tracked, tracker.proposal.ProposalID)
	c.mu.Unlock()

	state := "denied"
	switch {
	case fallback:
		state = "fallback"
	case approved:
		state = "approved"
	}
	c.metrics.ProposalsTotal.WithLabelValues(string(tracker.proposal.ActionName), state).Inc()

	if fallback {
		c.metrics.QuorumFallbacksTotal.Inc()
		c.log.Warn("proposal resolved by leader fallback",
			zap.String("proposal_id", tracker.proposal.ProposalID),
			zap.String("action_name", string(tracker.proposal.ActionName)),
			zap.Bool("self_grant", true),
			zap.String("fallback", "true"))
	}

	if approved {
		payload, err := codec.Codec.Marshal(codec.CurrentVersion, ActionApproved{
			ProposalID: tracker.proposal.ProposalID,
			ActionName: tracker.proposal.ActionName,
			Params:     tracker.proposal.Params,
		})
		if err != nil {
			return true, err
		}
		if err := c.bus.Publish(ctx, wire.TopicActionApproved, payload, bus.ExactlyOnce); err != nil {
			c.log.Warn("action approved publish failed", zap.Error(err))
		}
	}
	return approved, nil
}

func (c *Consensus) onProposalRequest(env bus.Envelope) {
	var p Proposal
	if _, err := codec.Codec.Unmarshal(env.Payload, &p); err != nil {
		c.log.Warn("dropping malformed proposal request")
		return
	}

	c.voterMu.Lock()
	grant, seen := c.voterDecisions[p.ProposalID]
	if !seen {
		grant = c.evaluateProposal(p)
		c.voterDecisions[p.ProposalID] = grant
	}
	c.voterMu.Unlock()

	topic := wire.TopicVoteDeny
	if grant {
		topic = wire.TopicVoteGrant
	}
	payload, err := codec.Codec.Marshal(codec.CurrentVersion, wire.Vote{
		Kind:  wire.KindProposal,
		Term:  c.election.CurrentTerm(),
		ID:    p.ProposalID,
		Voter: c.selfID,
	})
	if err != nil {
		c.log.Error("vote marshal failed", zap.Error(err))
		return
	}
	if err := c.bus.Publish(context.Background(), topic, payload, bus.ExactlyOnce); err != nil {
		c.log.Warn("vote publish failed", zap.Error(err))
	}
}

// evaluateProposal is this voter's local-constraint check: deny proposals
// from a term older than the voter's own (a stale leader still in flight
// after a new election started).
func (c *Consensus) evaluateProposal(p Proposal) bool {
	return p.Term >= c.election.CurrentTerm()
}

func (c *Consensus) onVote(grant bool) bus.Handler {
	return func(env bus.Envelope) {
		var v wire.Vote
		if _, err := codec.Codec.Unmarshal(env.Payload, &v); err != nil {
			c.log.Warn("dropping malformed vote")
			return
		}
		if v.Kind != wire.KindProposal {
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		tracker, ok := c.tracked[v.ID]
		if !ok || tracker.closed {
			return
		}
		if grant {
			tracker.grants.Add(v.Voter)
		} else {
			tracker.denies.Add(v.Voter)
		}
		approved, decided := c.checkDecisionLocked(tracker)
		if decided {
			tracker.closed = true
			tracker.approved = approved
			close(tracker.done)
		}
	}
}
