package peer

import "testing"

func threeNodeSet() *Set {
	return New("n1", []Member{
		{ID: "n1", Address: "a1", Voting: true},
		{ID: "n2", Address: "a2", Voting: true},
		{ID: "n3", Address: "a3", Voting: true},
	})
}

func TestHasQuorumStableMajority(t *testing.T) {
	s := threeNodeSet()
	if s.HasQuorum(map[string]bool{"n1": true}) {
		t.Error("1/3 should not be a quorum")
	}
	if !s.HasQuorum(map[string]bool{"n1": true, "n2": true}) {
		t.Error("2/3 should be a quorum")
	}
}

func TestPeersExcludesSelf(t *testing.T) {
	s := threeNodeSet()
	peers := s.Peers()
	for _, p := range peers {
		if p.ID == "n1" {
			t.Error("Peers() should exclude self")
		}
	}
	if len(peers) != 2 {
		t.Errorf("len(Peers()) = %d, want 2", len(peers))
	}
}

func TestBeginJointRequiresMajorityInBothConfigs(t *testing.T) {
	s := threeNodeSet()
	if err := s.BeginJoint([]Member{
		{ID: "n1", Address: "a1", Voting: true},
		{ID: "n2", Address: "a2", Voting: true},
		{ID: "n4", Address: "a4", Voting: true},
	}); err != nil {
		t.Fatalf("BeginJoint: %v", err)
	}
	if !s.IsJoint() {
		t.Fatal("expected joint phase")
	}

	// n3 (only in Cold) + n4 (only in Cnew) ack — majority of Cold
	// (n1,n2,n3 -> need 2) not met by {n3} alone combined with n4.
	if s.HasQuorum(map[string]bool{"n3": true, "n4": true}) {
		t.Error("should require majority in Cold too, not just Cnew")
	}
	// n1, n2 satisfy Cold majority (2/3) and Cnew majority (2 of n1,n2,n4)
	if !s.HasQuorum(map[string]bool{"n1": true, "n2": true}) {
		t.Error("n1+n2 satisfy both Cold (2/3) and Cnew (2/3) majorities")
	}
}

func TestBeginJointRejectsConcurrentChange(t *testing.T) {
	s := threeNodeSet()
	if err := s.BeginJoint([]Member{{ID: "n1", Voting: true}}); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginJoint([]Member{{ID: "n1", Voting: true}}); err == nil {
		t.Error("expected rejection of concurrent reconfiguration")
	}
}

func TestCommitDropsLeavingMembers(t *testing.T) {
	s := threeNodeSet()
	if err := s.BeginJoint([]Member{
		{ID: "n1", Voting: true},
		{ID: "n2", Voting: true},
	}); err != nil {
		t.Fatal(err)
	}
	s.Commit()

	if s.IsJoint() {
		t.Error("should no longer be joint after Commit")
	}
	if s.HasMember("n3") {
		t.Error("n3 should have been dropped after Commit")
	}
	if !s.HasMember("n1") || !s.HasMember("n2") {
		t.Error("n1 and n2 should remain members")
	}
}

func TestAbortDiscardsJointConfig(t *testing.T) {
	s := threeNodeSet()
	s.BeginJoint([]Member{{ID: "n1", Voting: true}})
	s.Abort()

	if s.IsJoint() || s.ChangePending() {
		t.Error("Abort should clear joint state and pending flag")
	}
	if !s.HasMember("n2") || !s.HasMember("n3") {
		t.Error("Abort should restore the original Cold membership")
	}
}
