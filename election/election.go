// Package election implements LeaderElection: the Raft-inspired
// FOLLOWER/CANDIDATE/LEADER state machine with randomized election timeout
// and lease heartbeats.
package election

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/internal/codec"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/internal/wire"
	"github.com/orbitalfleet/swarmcore/registry"
)

// ErrNotLeader is returned by leader-only operations (Consensus.Propose,
// ActionPropagator.Propagate) invoked while the local agent is not LEADER.
var ErrNotLeader = errors.New("election: not leader")

// State is one of the three positions in the election state machine.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// Notification is pushed to observers on every state or term transition.
type Notification struct {
	State    State
	Term     uint64
	LeaderID agentid.ID
}

// votePreference implements the deterministic leader-preference tiebreak:
// grant iff the candidate outranks the voter lexicographically, or (the
// degenerate self-vote case) the candidate is the voter with at least as
// much uptime.
func votePreference(candidateID, voterID agentid.ID, candidateUptime, voterUptime float64) bool {
	if candidateID > voterID {
		return true
	}
	if candidateID == voterID {
		return candidateUptime >= voterUptime
	}
	return false
}

// Election runs the per-agent state machine. Its own state (term, votedFor,
// lease, tally) is protected by one mutex; bus deliveries and timer fires are
// the only writers, and both serialize through that mutex.
type Election struct {
	selfID    agentid.ID
	startTime time.Time
	bus       *bus.Bus
	reg       *registry.Registry
	cfg       config.Config
	log       corelog.Logger
	metrics   *metrics.Set
	rng       *rand.Rand

	mu             sync.Mutex
	term           uint64
	state          State
	votedFor       agentid.ID
	votedTerm      uint64
	haveVoted      bool
	leaseLeaderID  agentid.ID
	leaseExpiresAt time.Time
	votesGranted   map[agentid.ID]struct{}

	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	subs []*bus.Subscription

	obsMu     sync.Mutex
	observers []chan Notification

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs an Election for selfID. cfg supplies election timeout
// bounds, heartbeat interval and lease duration.
func New(selfID agentid.ID, b *bus.Bus, reg *registry.Registry, cfg config.Config, log corelog.Logger, m *metrics.Set) *Election {
	if log == nil {
		log = corelog.NoOp{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Election{
		selfID:    selfID,
		startTime: time.Now(),
		bus:       b,
		reg:       reg,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(hashID(selfID)))),
		state:     Follower,
		stopCh:    make(chan struct{}),
	}
}

func hashID(id agentid.ID) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}

// Start subscribes to the election topics and begins the FOLLOWER election
// timer. Safe to call once.
func (e *Election) Start(ctx context.Context) {
	e.subs = []*bus.Subscription{
		e.bus.Subscribe(wire.TopicHeartbeat, bus.AtLeastOnce, e.onHeartbeat),
		e.bus.Subscribe(wire.TopicVoteRequest, bus.AtLeastOnce, e.onVoteRequest),
		e.bus.Subscribe(wire.TopicVoteGrant, bus.ExactlyOnce, e.onVote(true)),
		e.bus.Subscribe(wire.TopicVoteDeny, bus.ExactlyOnce, e.onVote(false)),
	}
	e.mu.Lock()
	e.resetElectionTimerLocked()
	e.mu.Unlock()
	go e.awaitShutdown(ctx)
}

// Stop unsubscribes and halts all timers.
func (e *Election) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.mu.Lock()
	if e.electionTimer != nil {
		e.electionTimer.Stop()
	}
	if e.heartbeatTicker != nil {
		e.heartbeatTicker.Stop()
	}
	e.mu.Unlock()
}

func (e *Election) awaitShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		e.Stop()
	case <-e.stopCh:
	}
}

// Subscribe registers an observer channel that receives every state/term
// transition. Buffered (cap 8); slow observers drop notifications rather
// than block the election loop.
func (e *Election) Subscribe() <-chan Notification {
	ch := make(chan Notification, 8)
	e.obsMu.Lock()
	e.observers = append(e.observers, ch)
	e.obsMu.Unlock()
	return ch
}

func (e *Election) notify(n Notification) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	for _, ch := range e.observers {
		select {
		case ch <- n:
		default:
		}
	}
}

// IsLeader reports whether the local agent currently believes it is LEADER.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Leader
}

// State returns the current election state.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CurrentTerm returns the current term.
func (e *Election) CurrentTerm() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// LeaderID returns the last known leader and whether the lease is still
// unexpired.
func (e *Election) LeaderID() (agentid.ID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leaseLeaderID.Empty() || time.Now().After(e.leaseExpiresAt) {
		return "", false
	}
	return e.leaseLeaderID, true
}

func (e *Election) uptime() float64 {
	return time.Since(e.startTime).Seconds()
}

func (e *Election) electionQuorum() int {
	alive := e.reg.AliveCount()
	return alive/2 + 1
}

func (e *Election) randomElectionTimeout() time.Duration {
	lo := e.cfg.ElectionTimeoutMin
	hi := e.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(e.rng.Int63n(int64(span)))
}

// resetElectionTimerLocked must be called with e.mu held.
func (e *Election) resetElectionTimerLocked() {
	if e.electionTimer != nil {
		e.electionTimer.Stop()
	}
	e.electionTimer = time.AfterFunc(e.randomElectionTimeout(), e.onElectionTimeout)
}

func (e *Election) onElectionTimeout() {
	e.mu.Lock()
	if e.state == Leader {
		e.mu.Unlock()
		return
	}
	e.term++
	e.state = Candidate
	e.votedFor = e.selfID
	e.votedTerm = e.term
	e.haveVoted = true
	e.votesGranted = map[agentid.ID]struct{}{e.selfID: {}}
	term := e.term
	e.resetElectionTimerLocked()
	e.mu.Unlock()

	e.metrics.ElectionsTotal.Inc()
	e.log.Info("starting election", zap.Uint64("term", term))
	e.notify(Notification{State: Candidate, Term: term})

	payload, err := codec.Codec.Marshal(codec.CurrentVersion, wire.VoteRequest{
		Term:          term,
		CandidateID:   e.selfID,
		UptimeSeconds: e.uptime(),
	})
	if err != nil {
		e.log.Error("vote request marshal failed", zap.Error(err))
		return
	}
	if err := e.bus.Publish(context.Background(), wire.TopicVoteRequest, payload, bus.AtLeastOnce); err != nil {
		e.log.Warn("vote request publish failed", zap.Error(err))
	}
	e.checkQuorumAfterSelfVote(term)
}

// checkQuorumAfterSelfVote handles the degenerate case of a one-agent
// constellation, where the self-grant alone already meets quorum.
func (e *Election) checkQuorumAfterSelfVote(term uint64) {
	e.mu.Lock()
	if e.state != Candidate || e.term != term {
		e.mu.Unlock()
		return
	}
	granted := len(e.votesGranted)
	quorum := e.electionQuorum()
	if granted >= quorum {
		e.becomeLeaderLocked()
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
}

// becomeLeaderLocked must be called with e.mu held; it transitions to LEADER
// and starts the heartbeat ticker.
func (e *Election) becomeLeaderLocked() {
	e.state = Leader
	e.leaseLeaderID = e.selfID
	e.leaseExpiresAt = time.Now().Add(e.cfg.LeaseDuration)
	if e.electionTimer != nil {
		e.electionTimer.Stop()
	}
	term := e.term
	e.log.Info("became leader", zap.Uint64("term", term))
	e.notify(Notification{State: Leader, Term: term, LeaderID: e.selfID})
	if e.heartbeatTicker != nil {
		e.heartbeatTicker.Stop()
	}
	e.heartbeatTicker = time.NewTicker(e.cfg.HeartbeatInterval)
	go e.heartbeatLoop(e.heartbeatTicker, term)
}

func (e *Election) heartbeatLoop(ticker *time.Ticker, term uint64) {
	e.sendHeartbeat(term)
	for range ticker.C {
		e.mu.Lock()
		stillLeader := e.state == Leader && e.term == term
		if stillLeader {
			// The leader renews its own lease, so LeaderID keeps reporting
			// itself for as long as it leads.
			e.leaseExpiresAt = time.Now().Add(e.cfg.LeaseDuration)
		}
		e.mu.Unlock()
		if !stillLeader {
			return
		}
		e.sendHeartbeat(term)
	}
}

func (e *Election) sendHeartbeat(term uint64) {
	payload, err := codec.Codec.Marshal(codec.CurrentVersion, wire.Heartbeat{LeaderID: e.selfID, Term: term})
	if err != nil {
		e.log.Error("heartbeat marshal failed", zap.Error(err))
		return
	}
	if err := e.bus.Publish(context.Background(), wire.TopicHeartbeat, payload, bus.AtLeastOnce); err != nil {
		e.log.Warn("heartbeat publish failed", zap.Error(err))
	}
}

func (e *Election) onHeartbeat(env bus.Envelope) {
	var hb wire.Heartbeat
	if _, err := codec.Codec.Unmarshal(env.Payload, &hb); err != nil {
		e.log.Warn("dropping malformed heartbeat")
		return
	}
	e.reg.ObserveHeartbeat(hb.LeaderID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if hb.Term < e.term {
		return
	}
	steppingDown := e.state == Leader && hb.Term > e.term
	if hb.Term > e.term {
		e.term = hb.Term
		e.haveVoted = false
	}
	if e.state == Leader && hb.LeaderID != e.selfID {
		steppingDown = true
	}
	if steppingDown {
		e.metrics.LeaderStepDownsTotal.Inc()
		if e.heartbeatTicker != nil {
			e.heartbeatTicker.Stop()
		}
	}
	e.state = Follower
	e.leaseLeaderID = hb.LeaderID
	e.leaseExpiresAt = time.Now().Add(e.cfg.LeaseDuration)
	e.resetElectionTimerLocked()
	e.notify(Notification{State: Follower, Term: e.term, LeaderID: e.leaseLeaderID})
}

func (e *Election) onVoteRequest(env bus.Envelope) {
	var req wire.VoteRequest
	if _, err := codec.Codec.Unmarshal(env.Payload, &req); err != nil {
		e.log.Warn("dropping malformed vote request")
		return
	}

	e.mu.Lock()
	grant, reason := e.evaluateVoteRequestLocked(req)
	term := e.term
	e.mu.Unlock()

	kind := wire.TopicVoteDeny
	if grant {
		kind = wire.TopicVoteGrant
	}
	payload, err := codec.Codec.Marshal(codec.CurrentVersion, wire.Vote{
		Kind:   wire.KindElection,
		Term:   term,
		ID:     strconv.FormatUint(req.Term, 10),
		Voter:  e.selfID,
		Reason: reason,
	})
	if err != nil {
		e.log.Error("vote marshal failed", zap.Error(err))
		return
	}
	if err := e.bus.Publish(context.Background(), kind, payload, bus.ExactlyOnce); err != nil {
		e.log.Warn("vote publish failed", zap.Error(err))
	}
}

// evaluateVoteRequestLocked must be called with e.mu held.
func (e *Election) evaluateVoteRequestLocked(req wire.VoteRequest) (grant bool, reason string) {
	if req.Term < e.term {
		return false, "stale term"
	}
	if req.Term > e.term {
		e.term = req.Term
		e.haveVoted = false
		e.state = Follower
	}
	if e.haveVoted && e.votedTerm == req.Term && e.votedFor != req.CandidateID {
		return false, "already voted this term"
	}
	if !votePreference(req.CandidateID, e.selfID, req.UptimeSeconds, e.uptime()) {
		return false, "candidate does not outrank voter"
	}
	e.votedFor = req.CandidateID
	e.votedTerm = req.Term
	e.haveVoted = true
	return true, ""
}

func (e *Election) onVote(grant bool) bus.Handler {
	return func(env bus.Envelope) {
		var v wire.Vote
		if _, err := codec.Codec.Unmarshal(env.Payload, &v); err != nil {
			e.log.Warn("dropping malformed vote")
			return
		}
		if v.Kind != wire.KindElection {
			return
		}
		electionTerm, err := strconv.ParseUint(v.ID, 10, 64)
		if err != nil {
			return
		}

		e.mu.Lock()
		if e.state != Candidate || e.term != electionTerm || !grant {
			e.mu.Unlock()
			return
		}
		e.votesGranted[v.Voter] = struct{}{}
		granted := len(e.votesGranted)
		quorum := e.electionQuorum()
		if granted >= quorum {
			e.becomeLeaderLocked()
		}
		e.mu.Unlock()
	}
}
