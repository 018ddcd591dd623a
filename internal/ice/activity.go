package ice

import "time"

// StunActivity binds one candidate to its retransmission state. The policy
// is re-derived from the candidate kind whenever a candidate is set.
type StunActivity struct {
	Candidate  *Candidate
	Retransmit *Retransmit

	policy  RetransmitPolicy
	refresh bool
}

// NewStunActivity creates an activity whose request-mode transactions
// follow policy.
func NewStunActivity(policy RetransmitPolicy) *StunActivity {
	return &StunActivity{
		Retransmit: NewRetransmit(policy),
		policy:     policy,
	}
}

// SetCandidate attaches c and picks the retransmission behaviour for its
// kind: host candidates retry their Binding/Allocate request under the
// policy, reflexive candidates only keep a keepalive timestamp, and
// relayed candidates keep one that drives allocation refreshes. An unknown
// kind returns an *InvariantError and leaves the activity unchanged.
func (a *StunActivity) SetCandidate(c *Candidate, now time.Time) error {
	switch c.Type {
	case CandidateHost:
		a.Retransmit.Arm(a.policy)
		a.refresh = false
	case CandidateServerReflexive, CandidatePeerReflexive:
		a.Retransmit.EnterKeepAlive(now)
		a.refresh = false
	case CandidateRelayed:
		a.Retransmit.EnterKeepAlive(now)
		a.refresh = true
	default:
		return &InvariantError{What: "stun activity for candidate kind " + c.Type.String()}
	}
	a.Candidate = c
	c.Activity = a
	return nil
}

// RefreshesAllocation reports whether keepalives of this activity refresh a
// TURN allocation rather than a NAT mapping.
func (a *StunActivity) RefreshesAllocation() bool { return a.refresh }

// newPermissionActivity creates the permission activity of a relayed
// candidate. It stays idle until the first permission is installed.
func newPermissionActivity(c *Candidate, policy RetransmitPolicy) *StunActivity {
	return &StunActivity{
		Candidate:  c,
		Retransmit: NewRetransmit(policy),
		policy:     policy,
		refresh:    true,
	}
}
