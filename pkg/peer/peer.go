// Package peer tracks cluster membership, including the joint (old,
// new) configuration used while a reconfiguration is in flight (spec
// §4.3's two-phase, commit-each-phase membership protocol). Grounded
// on the teacher's pkg/cluster/membership.go Manager (member states,
// quorum counting) and pkg/raft/node.go's changeMembership /
// ClusterConfig joint-consensus handling.
package peer

import (
	"fmt"
	"sort"
	"sync"
)

// Phase mirrors the teacher's MemberState enum, renamed to the
// vocabulary a joint-consensus reconfiguration actually uses.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseJoining
	PhaseLeaving
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseJoining:
		return "joining"
	case PhaseLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Member is one cluster participant.
type Member struct {
	ID      string
	Address string
	Voting  bool
	Phase   Phase
}

// Set is the membership view a node holds: a stable configuration
// (Cold) and, while a reconfiguration is committing, a second,
// overlapping configuration (Cnew). A log entry is only committed once
// it has a majority in BOTH configurations during the joint phase
// (spec §4.3).
type Set struct {
	mu sync.RWMutex

	self string

	cold map[string]Member
	cnew map[string]Member // nil unless a reconfiguration is in flight

	// changePending mirrors node.go's single-in-flight-change guard:
	// at most one reconfiguration may be outstanding at a time.
	changePending bool
}

// New builds a Set in stable (non-joint) configuration.
func New(self string, members []Member) *Set {
	cold := make(map[string]Member, len(members))
	for _, m := range members {
		cold[m.ID] = m
	}
	return &Set{self: self, cold: cold}
}

// IsJoint reports whether a reconfiguration is currently committing.
func (s *Set) IsJoint() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cnew != nil
}

// ChangePending reports whether a reconfiguration is already in
// flight, for rejecting a concurrent one (spec's resolved Open
// Question: concurrent topology changes are rejected, not queued).
func (s *Set) ChangePending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changePending
}

// Members returns the union of Cold and Cnew, deduplicated by ID, for
// RPC fan-out purposes (every member in either configuration must
// receive AppendEntries during a joint phase).
func (s *Set) Members() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]Member, len(s.cold))
	for id, m := range s.cold {
		seen[id] = m
	}
	for id, m := range s.cnew {
		seen[id] = m
	}

	out := make([]Member, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peers returns Members() excluding self, the set a leader sends RPCs to.
func (s *Set) Peers() []Member {
	self := s.self
	all := s.Members()
	out := all[:0:0]
	for _, m := range all {
		if m.ID != self {
			out = append(out, m)
		}
	}
	return out
}

// HasMember reports whether id is part of either configuration.
func (s *Set) HasMember(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.cold[id]; ok {
		return true
	}
	_, ok := s.cnew[id]
	return ok
}

func votingIDs(set map[string]Member) map[string]bool {
	out := make(map[string]bool, len(set))
	for id, m := range set {
		if m.Voting {
			out[id] = true
		}
	}
	return out
}

func hasMajority(voters map[string]bool, acked map[string]bool) bool {
	if len(voters) == 0 {
		return true
	}
	count := 0
	for id := range voters {
		if acked[id] {
			count++
		}
	}
	return count >= len(voters)/2+1
}

// HasQuorum reports whether acked (a set of member IDs known to have
// replicated/acknowledged something) constitutes a quorum. During a
// joint phase this requires a majority in BOTH Cold and Cnew
// independently (spec §4.3's joint-consensus commit rule); otherwise
// just a majority of Cold.
func (s *Set) HasQuorum(acked map[string]bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !hasMajority(votingIDs(s.cold), acked) {
		return false
	}
	if s.cnew != nil {
		newVoters := votingIDs(s.cnew)
		for id, m := range s.cnew {
			if m.Phase == PhaseLeaving {
				delete(newVoters, id)
			}
		}
		if !hasMajority(newVoters, acked) {
			return false
		}
	}
	return true
}

// QuorumSize returns the Cold voting quorum size (used for
// display/diagnostics; commit decisions go through HasQuorum).
func (s *Set) QuorumSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(votingIDs(s.cold))/2 + 1
}

// BeginJoint starts a reconfiguration: the current Cold becomes the
// old half of the joint configuration and newMembers becomes Cnew.
// Members present in Cnew but not Cold are marked PhaseJoining;
// members present in Cold but absent from Cnew are marked
// PhaseLeaving so the applier/transport layer can still reach them
// until the second phase commits.
func (s *Set) BeginJoint(newMembers []Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.changePending {
		return fmt.Errorf("peer: a reconfiguration is already in flight")
	}

	cnew := make(map[string]Member, len(newMembers))
	for _, m := range newMembers {
		if _, existed := s.cold[m.ID]; !existed {
			m.Phase = PhaseJoining
		} else {
			m.Phase = PhaseActive
		}
		cnew[m.ID] = m
	}
	for id, m := range s.cold {
		if _, stillPresent := cnew[id]; !stillPresent {
			m.Phase = PhaseLeaving
			cnew[id] = m
		}
	}

	s.cnew = cnew
	s.changePending = true
	return nil
}

// Commit finishes a reconfiguration: Cnew (pruned of PhaseLeaving
// members and reset to PhaseActive) becomes the new Cold, and the
// joint phase ends. Grounded on node.go's changeMembership's second
// phase, which replaces the single-server ClusterConfig once the
// joint entry commits.
func (s *Set) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cnew == nil {
		return
	}
	final := make(map[string]Member, len(s.cnew))
	for id, m := range s.cnew {
		if m.Phase == PhaseLeaving {
			continue
		}
		m.Phase = PhaseActive
		final[id] = m
	}
	s.cold = final
	s.cnew = nil
	s.changePending = false
}

// Abort cancels an in-flight reconfiguration without applying it
// (used when the joint-phase entry itself fails to commit, e.g. the
// proposing leader steps down first).
func (s *Set) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cnew = nil
	s.changePending = false
}

// Snapshot returns a deep copy of the current Cold/Cnew maps, for
// inclusion in a state-machine snapshot (spec §4.2).
func (s *Set) Snapshot() (cold, cnew []Member) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.cold {
		cold = append(cold, m)
	}
	for _, m := range s.cnew {
		cnew = append(cnew, m)
	}
	sort.Slice(cold, func(i, j int) bool { return cold[i].ID < cold[j].ID })
	sort.Slice(cnew, func(i, j int) bool { return cnew[i].ID < cnew[j].ID })
	return cold, cnew
}

// Restore replaces the Set's state wholesale, e.g. after installing a
// snapshot or replaying a membership-change log entry during restart.
func (s *Set) Restore(cold, cnew []Member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coldMap := make(map[string]Member, len(cold))
	for _, m := range cold {
		coldMap[m.ID] = m
	}
	s.cold = coldMap

	if len(cnew) == 0 {
		s.cnew = nil
		s.changePending = false
		return
	}
	cnewMap := make(map[string]Member, len(cnew))
	for _, m := range cnew {
		cnewMap[m.ID] = m
	}
	s.cnew = cnewMap
	s.changePending = true
}
