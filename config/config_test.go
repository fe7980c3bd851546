package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValidOnceAgentIDSet(t *testing.T) {
	c := Default()
	c.AgentID = "A"
	require.NoError(t, c.Validate())
}

func TestValidateRequiresAgentID(t *testing.T) {
	c := Default()
	require.ErrorIs(t, c.Validate(), ErrAgentIDRequired)
}

func TestValidateLeaseMustExceedHeartbeat(t *testing.T) {
	c := Default()
	c.AgentID = "A"
	c.LeaseDuration = c.HeartbeatInterval
	require.ErrorIs(t, c.Validate(), ErrLeaseTooShort)
}

func TestValidateLivenessMustExceedBroadcastInterval(t *testing.T) {
	c := Default()
	c.AgentID = "A"
	c.LivenessWindow = c.HealthBroadcastInterval
	require.ErrorIs(t, c.Validate(), ErrLivenessTooShort)
}

func TestValidateElectionRange(t *testing.T) {
	c := Default()
	c.AgentID = "A"
	c.ElectionTimeoutMin = 300 * time.Millisecond
	c.ElectionTimeoutMax = 150 * time.Millisecond
	require.ErrorIs(t, c.Validate(), ErrElectionRangeInvalid)
}

func TestValidateQuorumFractionRange(t *testing.T) {
	c := Default()
	c.AgentID = "A"
	c.QuorumFractionDefault = 1.5
	require.ErrorIs(t, c.Validate(), ErrQuorumFractionRange)
}

func TestValidateRejectsBadActionPolicy(t *testing.T) {
	c := Default()
	c.AgentID = "A"
	c.ActionPolicies[ActionSafeMode] = ActionPolicy{QuorumFraction: 0, Timeout: time.Second}
	require.ErrorIs(t, c.Validate(), ErrQuorumFractionRange)
}

func TestPolicyFallsBackToDefaultForUnknownAction(t *testing.T) {
	c := Default()
	c.AgentID = "A"
	p := c.Policy(ProposalAction("unknown_action"))
	require.Equal(t, c.QuorumFractionDefault, p.QuorumFraction)
	require.Equal(t, c.ConsensusDefaultTimeout, p.Timeout)
}

func TestPolicyReturnsConfiguredEntry(t *testing.T) {
	c := Default()
	c.AgentID = "A"
	p := c.Policy(ActionAttitudeAdjust)
	require.Equal(t, 0.5, p.QuorumFraction)
	require.Equal(t, 5*time.Second, p.Timeout)
}
