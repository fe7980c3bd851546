// Package registry maintains the local agent's view of every peer it has
// observed: identity, role, last health summary, link quality, and liveness.
package registry

import (
	"sync"
	"time"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/internal/setutil"
)

// Role is one of the four operational roles an agent can hold.
type Role string

const (
	RolePrimary  Role = "PRIMARY"
	RoleBackup   Role = "BACKUP"
	RoleStandby  Role = "STANDBY"
	RoleSafeMode Role = "SAFE_MODE"
)

// HealthSummary is one health sample from a peer (or self).
type HealthSummary struct {
	RiskScore float64
	Timestamp time.Time
}

// Degraded reports whether this sample marks its producer as degraded
// (spec: risk_score >= 0.3).
func (h HealthSummary) Degraded() bool {
	return h.RiskScore >= 0.3
}

// PeerRecord is the registry's view of one peer.
type PeerRecord struct {
	AgentID     agentid.ID
	Role        Role
	LastHealth  HealthSummary
	LastSeen    time.Time
	LinkQuality float64
}

// Alive reports whether this record is within the liveness window of now.
func (p PeerRecord) Alive(now time.Time, livenessWindow time.Duration) bool {
	return now.Sub(p.LastSeen) < livenessWindow
}

// Registry is the local, exclusively-self-mutated peer table. Peers only
// ever send deltas (health summaries, heartbeats); this agent's Registry is
// authoritative for its own decisions.
type Registry struct {
	selfID         agentid.ID
	livenessWindow time.Duration

	mu      sync.RWMutex
	peers   map[agentid.ID]*PeerRecord
	ownRole Role
}

// New constructs an empty Registry for selfID. The agent starts in
// RoleStandby until RoleReassigner (or a promotion proposal) sets otherwise.
func New(selfID agentid.ID, livenessWindow time.Duration) *Registry {
	return &Registry{
		selfID:         selfID,
		livenessWindow: livenessWindow,
		peers:          make(map[agentid.ID]*PeerRecord),
		ownRole:        RoleStandby,
	}
}

// OwnRole returns this agent's own current role.
func (r *Registry) OwnRole() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ownRole
}

// SetOwnRole updates this agent's own role, for example after applying an
// approved role_reassign proposal that names selfID.
func (r *Registry) SetOwnRole(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ownRole = role
}

// GetAlivePeers returns the set of peer ids (excluding self) currently
// within the liveness window.
func (r *Registry) GetAlivePeers() setutil.Set[agentid.ID] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	out := setutil.NewSet[agentid.ID](len(r.peers))
	for id, p := range r.peers {
		if id == r.selfID {
			continue
		}
		if p.Alive(now, r.livenessWindow) {
			out.Add(id)
		}
	}
	return out
}

// GetPeer returns a copy of the record for id, or false if never observed.
func (r *Registry) GetPeer(id agentid.ID) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// ObserveHealth upserts a peer's health summary and refreshes its last-seen
// time.
func (r *Registry) ObserveHealth(id agentid.ID, summary HealthSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsert(id)
	p.LastHealth = summary
	p.LastSeen = time.Now()
}

// ObserveHeartbeat refreshes a peer's last-seen time from a leader heartbeat
// or any other liveness-bearing message, without altering its health.
func (r *Registry) ObserveHeartbeat(id agentid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsert(id)
	p.LastSeen = time.Now()
}

// SetRole updates a peer's role (used by RoleReassigner once a role_reassign
// proposal is approved and applied). Naming selfID updates OwnRole instead
// of creating a self peer record.
func (r *Registry) SetRole(id agentid.ID, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.selfID {
		r.ownRole = role
		return
	}
	p := r.upsert(id)
	p.Role = role
}

// SetLinkQuality records a peer's link-quality metric, used by SwarmMemory
// to pick replication targets.
func (r *Registry) SetLinkQuality(id agentid.ID, quality float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.upsert(id)
	p.LinkQuality = quality
}

// upsert returns the record for id, creating it (with zero LastSeen, which
// Alive() treats as not-yet-alive until the first observation) if absent.
// Caller must hold r.mu.
func (r *Registry) upsert(id agentid.ID) *PeerRecord {
	p, ok := r.peers[id]
	if !ok {
		p = &PeerRecord{AgentID: id, Role: RoleStandby}
		r.peers[id] = p
	}
	return p
}

// ConstellationHealth returns 1 minus the mean risk_score of alive peers
// (excluding self). An empty alive set (no peers observed, or all expired)
// reports 1.0 (maximally healthy — a constellation of one has nothing to be
// unhealthy about).
func (r *Registry) ConstellationHealth() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	var sum float64
	var n int
	for id, p := range r.peers {
		if id == r.selfID {
			continue
		}
		if !p.Alive(now, r.livenessWindow) {
			continue
		}
		sum += p.LastHealth.RiskScore
		n++
	}
	if n == 0 {
		return 1.0
	}
	return 1.0 - sum/float64(n)
}

// AliveCount returns the number of alive peers including self, the "A" in
// the quorum formula Q = ceil(A * quorum_fraction).
func (r *Registry) AliveCount() int {
	return r.GetAlivePeers().Len() + 1
}

// Prune removes peer records that have been outside the liveness window for
// longer than grace, freeing memory for permanently departed peers.
func (r *Registry) Prune(grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, p := range r.peers {
		if id == r.selfID {
			continue
		}
		if now.Sub(p.LastSeen) >= r.livenessWindow+grace {
			delete(r.peers, id)
		}
	}
}
