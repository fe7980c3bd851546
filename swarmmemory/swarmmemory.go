// Package swarmmemory implements SwarmMemory: a per-agent cache of anomaly
// patterns, authoritative locally, with best-effort replication broadcast to
// every subscribed peer (peers are not addressed individually).
package swarmmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/bus"
	"github.com/orbitalfleet/swarmcore/config"
	"github.com/orbitalfleet/swarmcore/internal/codec"
	"github.com/orbitalfleet/swarmcore/internal/corelog"
	"github.com/orbitalfleet/swarmcore/internal/metrics"
	"github.com/orbitalfleet/swarmcore/registry"
)

// Topic is the bus topic asynchronous replica pushes travel on.
const Topic = "memory/replicate"

// AnomalyPattern is one cached signature. Serializable; owned by its
// producing agent, advisory everywhere else.
type AnomalyPattern struct {
	PatternID      string    `json:"pattern_id"`
	Signature      []float64 `json:"signature"`
	RiskScore      float64   `json:"risk_score"`
	RecurrenceCount int      `json:"recurrence_count"`
	LastSeen       time.Time `json:"last_seen"`
}

type entry struct {
	pattern AnomalyPattern
	local   bool
}

type replicateMsg struct {
	PatternID string         `json:"pattern_id"`
	Pattern   AnomalyPattern `json:"pattern"`
}

type queryMsg struct {
	RequestID string `json:"request_id"`
	PatternID string `json:"pattern_id"`
	Replyer   agentid.ID `json:"replyer_id"`
}

type replyMsg struct {
	RequestID string          `json:"request_id"`
	PatternID string          `json:"pattern_id"`
	Found     bool            `json:"found"`
	Pattern   AnomalyPattern  `json:"pattern"`
}

const (
	queryTopic = "memory/query"
	replyTopic = "memory/reply"
)

// DecisionEntry is one entry in the local, non-replicated recent-decisions
// ring DecisionLoop consumes for GlobalContext.
type DecisionEntry struct {
	ActionName config.ProposalAction
	Scope      string
	At         time.Time
}

// Memory is the local cache plus its replication and query protocol.
type Memory struct {
	selfID  agentid.ID
	bus     *bus.Bus
	reg     *registry.Registry
	cfg     config.Config
	log     corelog.Logger
	metrics *metrics.Set

	mu      sync.Mutex
	entries map[string]*entry

	pendingMu sync.Mutex
	pending   map[string]chan replyMsg
	nextReq   uint64

	decisionsMu sync.Mutex
	decisions   []DecisionEntry

	hitMu    sync.Mutex
	hits     uint64
	misses   uint64

	subs []*bus.Subscription
}

// New constructs a Memory instance.
func New(selfID agentid.ID, b *bus.Bus, reg *registry.Registry, cfg config.Config, log corelog.Logger, m *metrics.Set) *Memory {
	if log == nil {
		log = corelog.NoOp{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Memory{
		selfID:  selfID,
		bus:     b,
		reg:     reg,
		cfg:     cfg,
		log:     log,
		metrics: m,
		entries: make(map[string]*entry),
		pending: make(map[string]chan replyMsg),
	}
}

// Start subscribes to the replication and query/reply topics.
func (m *Memory) Start(ctx context.Context) {
	m.subs = []*bus.Subscription{
		m.bus.Subscribe(Topic, bus.AtLeastOnce, m.onReplicate),
		m.bus.Subscribe(queryTopic, bus.AtLeastOnce, m.onQuery),
		m.bus.Subscribe(replyTopic, bus.AtLeastOnce, m.onReply),
	}
}

// Stop unsubscribes from every topic.
func (m *Memory) Stop() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}
}

// Put writes pattern locally as the authoritative copy and, when at least one
// alive peer is known, fires an async, best-effort replication. The replica
// is broadcast on Topic to every subscribed peer; it is not sent only to the
// top-k peers by link quality.
func (m *Memory) Put(ctx context.Context, patternID string, pattern AnomalyPattern) {
	pattern.PatternID = patternID
	m.mu.Lock()
	m.entries[patternID] = &entry{pattern: pattern, local: true}
	m.mu.Unlock()

	go m.replicate(ctx, patternID, pattern)
}

func (m *Memory) replicate(ctx context.Context, patternID string, pattern AnomalyPattern) {
	targets := m.topKByLinkQuality(m.replicasK())
	if len(targets) == 0 {
		return
	}
	payload, err := codec.Codec.Marshal(codec.CurrentVersion, replicateMsg{PatternID: patternID, Pattern: pattern})
	if err != nil {
		m.log.Error("replicate marshal failed", zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, Topic, payload, bus.AtLeastOnce); err != nil {
		m.log.Warn("replicate publish failed", zap.Error(err), zap.String("pattern_id", patternID))
	}
}

func (m *Memory) replicasK() int {
	if m.cfg.MemoryPeerReplicasK <= 0 {
		return 3
	}
	return m.cfg.MemoryPeerReplicasK
}

// topKByLinkQuality returns up to k alive peers, best link first. Targets of a replicate broadcast
// aren't addressed individually (the bus has no unicast), so this only
// determines whether replication is worth attempting at all.
func (m *Memory) topKByLinkQuality(k int) []agentid.ID {
	alive := m.reg.GetAlivePeers().List()
	sort.Slice(alive, func(i, j int) bool {
		pi, _ := m.reg.GetPeer(alive[i])
		pj, _ := m.reg.GetPeer(alive[j])
		if pi.LinkQuality != pj.LinkQuality {
			return pi.LinkQuality > pj.LinkQuality
		}
		return alive[i] > alive[j]
	})
	if len(alive) > k {
		alive = alive[:k]
	}
	return alive
}

// Get returns patternID, checking the local cache first and, on miss (and
// when at least one alive peer is known), broadcasting a query that every
// subscribed peer answers, then taking the first reply within a bounded
// timeout. Peers are not queried individually.
func (m *Memory) Get(ctx context.Context, patternID string) (AnomalyPattern, bool) {
	m.mu.Lock()
	e, ok := m.entries[patternID]
	m.mu.Unlock()
	if ok {
		m.recordHit(true)
		return e.pattern, true
	}
	m.recordHit(false)

	timeout := m.cfg.MemoryPeerQueryTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	targets := m.topKByLinkQuality(m.replicasK())
	if len(targets) == 0 {
		return AnomalyPattern{}, false
	}

	reqID := m.newRequestID()
	replyCh := make(chan replyMsg, len(targets))
	m.pendingMu.Lock()
	m.pending[reqID] = replyCh
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, reqID)
		m.pendingMu.Unlock()
	}()

	payload, err := codec.Codec.Marshal(codec.CurrentVersion, queryMsg{RequestID: reqID, PatternID: patternID, Replyer: m.selfID})
	if err != nil {
		return AnomalyPattern{}, false
	}
	if err := m.bus.Publish(qctx, queryTopic, payload, bus.AtMostOnce); err != nil {
		return AnomalyPattern{}, false
	}

	select {
	case r := <-replyCh:
		if r.Found {
			m.mu.Lock()
			if _, exists := m.entries[patternID]; !exists {
				m.entries[patternID] = &entry{pattern: r.Pattern, local: false}
			}
			m.mu.Unlock()
			return r.Pattern, true
		}
		return AnomalyPattern{}, false
	case <-qctx.Done():
		return AnomalyPattern{}, false
	}
}

func (m *Memory) newRequestID() string {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.nextReq++
	return string(m.selfID) + "-" + time.Now().Format("150405.000000000") + "-" + itoa(m.nextReq)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (m *Memory) recordHit(hit bool) {
	m.hitMu.Lock()
	defer m.hitMu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
	total := m.hits + m.misses
	if total > 0 {
		m.metrics.MemoryHitRatio.Set(float64(m.hits) / float64(total))
	}
}

// EvictUnderPressure drops the oldest 20% of non-local entries once
// utilization exceeds the configured threshold. Local-authored entries are
// never evicted.
func (m *Memory) EvictUnderPressure(utilization float64) {
	threshold := m.cfg.MemoryEvictionUtilization
	if threshold <= 0 {
		threshold = 0.70
	}
	if utilization <= threshold {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var replicas []*entry
	for _, e := range m.entries {
		if !e.local {
			replicas = append(replicas, e)
		}
	}
	if len(replicas) == 0 {
		return
	}
	sort.Slice(replicas, func(i, j int) bool {
		return replicas[i].pattern.LastSeen.Before(replicas[j].pattern.LastSeen)
	})
	evictCount := (len(replicas) * 20) / 100
	if evictCount == 0 && len(replicas) > 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount; i++ {
		delete(m.entries, replicas[i].pattern.PatternID)
	}
}

// RecordDecision appends to the local, non-replicated recent-decisions ring
// that GlobalContext samples from.
func (m *Memory) RecordDecision(actionName config.ProposalAction, scope string) {
	m.decisionsMu.Lock()
	defer m.decisionsMu.Unlock()
	m.decisions = append(m.decisions, DecisionEntry{ActionName: actionName, Scope: scope, At: time.Now()})
	const ringCap = 32
	if len(m.decisions) > ringCap {
		m.decisions = m.decisions[len(m.decisions)-ringCap:]
	}
}

// RecentDecisions returns a copy of the bounded recent-decisions ring.
func (m *Memory) RecentDecisions() []DecisionEntry {
	m.decisionsMu.Lock()
	defer m.decisionsMu.Unlock()
	out := make([]DecisionEntry, len(m.decisions))
	copy(out, m.decisions)
	return out
}

func (m *Memory) onReplicate(env bus.Envelope) {
	var msg replicateMsg
	if _, err := codec.Codec.Unmarshal(env.Payload, &msg); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[msg.PatternID]; exists {
		return // local (or an earlier replica) is truth; no overwrite
	}
	m.entries[msg.PatternID] = &entry{pattern: msg.Pattern, local: false}
}

func (m *Memory) onQuery(env bus.Envelope) {
	var q queryMsg
	if _, err := codec.Codec.Unmarshal(env.Payload, &q); err != nil {
		return
	}
	m.mu.Lock()
	e, ok := m.entries[q.PatternID]
	m.mu.Unlock()

	reply := replyMsg{RequestID: q.RequestID, PatternID: q.PatternID}
	if ok {
		reply.Found = true
		reply.Pattern = e.pattern
	}
	payload, err := codec.Codec.Marshal(codec.CurrentVersion, reply)
	if err != nil {
		return
	}
	_ = m.bus.Publish(context.Background(), replyTopic, payload, bus.AtMostOnce)
}

func (m *Memory) onReply(env bus.Envelope) {
	var r replyMsg
	if _, err := codec.Codec.Unmarshal(env.Payload, &r); err != nil {
		return
	}
	if !r.Found {
		return
	}
	m.pendingMu.Lock()
	ch, ok := m.pending[r.RequestID]
	m.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}
