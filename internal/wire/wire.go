// Package wire holds the bus payload types and topic names shared by
// LeaderElection and Consensus, which both publish and vote on
// `coord/vote_grant`/`coord/vote_deny` and disambiguate by a Kind field
// carried alongside the proposal/election ID.
package wire

import (
	"time"

	"github.com/orbitalfleet/swarmcore/agentid"
	"github.com/orbitalfleet/swarmcore/config"
)

const (
	TopicHeartbeat       = "coord/heartbeat"
	TopicVoteRequest     = "coord/vote_request"
	TopicVoteGrant       = "coord/vote_grant"
	TopicVoteDeny        = "coord/vote_deny"
	TopicProposalRequest = "coord/proposal_request"
	TopicActionApproved  = "coord/action_approved"
	TopicActionCommand   = "control/action_command"
	TopicActionComplete  = "control/action_completion"
)

// VoteKind discriminates votes cast for a leader election from votes cast
// for a Consensus proposal, since both travel on the same pair of topics.
type VoteKind string

const (
	KindElection VoteKind = "election"
	KindProposal VoteKind = "proposal"
)

// Heartbeat is LEADER's periodic lease renewal, published on TopicHeartbeat.
type Heartbeat struct {
	LeaderID agentid.ID `json:"leader_id"`
	Term     uint64     `json:"term"`
}

// VoteRequest is a CANDIDATE's bid for votes, published on TopicVoteRequest.
type VoteRequest struct {
	Term          uint64     `json:"term"`
	CandidateID   agentid.ID `json:"candidate_id"`
	UptimeSeconds float64    `json:"uptime_seconds"`
}

// Vote is a grant or deny, published on TopicVoteGrant/TopicVoteDeny
// respectively. ID is either the election's term (as a string, for
// elections) or a proposal_id (for consensus).
type Vote struct {
	Kind   VoteKind   `json:"kind"`
	Term   uint64     `json:"term"`
	ID     string     `json:"proposal_or_election_id"`
	Voter  agentid.ID `json:"voter_id"`
	Reason string     `json:"reason,omitempty"`
}

// ActionCommand is the leader's reliable broadcast of an approved action to
// a designated target set, published on TopicActionCommand.
type ActionCommand struct {
	ActionID   string                  `json:"action_id"`
	ActionName config.ProposalAction   `json:"action_name"`
	Params     map[string]interface{} `json:"params"`
	Targets    []agentid.ID            `json:"targets"`
	Deadline   time.Time               `json:"deadline"`
}

// ActionCompletion is a target's acknowledgment of local execution,
// published on TopicActionComplete.
type ActionCompletion struct {
	ActionID string     `json:"action_id"`
	AgentID  agentid.ID `json:"agent_id"`
}
