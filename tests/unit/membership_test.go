// Grounded on the teacher's tests/unit/membership_test.go
// (cluster.Manager add/activate/remove/snapshot round trips).
// pkg/peer/peer_test.go already covers BeginJoint/Commit/Abort
// transitions in white-box detail; this file instead drives a full
// add-then-remove membership-change lifecycle end to end and checks
// that Snapshot/Restore reproduces an equivalent Set on another node,
// the path pkg/node takes when installing a snapshot mid-reconfiguration
// (SPEC_FULL §4.3).
package unit

import (
	"testing"

	"github.com/coreraft/raftkv/pkg/peer"
)

func baseMembers() []peer.Member {
	return []peer.Member{
		{ID: "n1", Address: "n1:addr", Voting: true, Phase: peer.PhaseActive},
		{ID: "n2", Address: "n2:addr", Voting: true, Phase: peer.PhaseActive},
		{ID: "n3", Address: "n3:addr", Voting: true, Phase: peer.PhaseActive},
	}
}

func TestAddThenRemoveMemberLifecycle(t *testing.T) {
	set := peer.New("n1", baseMembers())

	newConfig := append(append([]peer.Member{}, baseMembers()...),
		peer.Member{ID: "n4", Address: "n4:addr", Voting: true, Phase: peer.PhaseJoining})
	if err := set.BeginJoint(newConfig); err != nil {
		t.Fatalf("begin joint (add): %v", err)
	}
	if !set.IsJoint() {
		t.Fatal("expected set to be in joint configuration")
	}
	set.Commit()
	if set.IsJoint() {
		t.Fatal("expected set to have left joint configuration after commit")
	}
	if !set.HasMember("n4") {
		t.Fatal("expected n4 to be a member after add committed")
	}

	withoutN2 := []peer.Member{
		{ID: "n1", Address: "n1:addr", Voting: true, Phase: peer.PhaseActive},
		{ID: "n3", Address: "n3:addr", Voting: true, Phase: peer.PhaseActive},
		{ID: "n4", Address: "n4:addr", Voting: true, Phase: peer.PhaseActive},
	}
	if err := set.BeginJoint(withoutN2); err != nil {
		t.Fatalf("begin joint (remove): %v", err)
	}
	set.Commit()
	if set.HasMember("n2") {
		t.Error("expected n2 to be removed after commit")
	}
	if len(set.Members()) != 3 {
		t.Errorf("expected 3 members remaining, got %d", len(set.Members()))
	}
}

func TestMembershipChangeRejectedWhileChangePending(t *testing.T) {
	set := peer.New("n1", baseMembers())

	addN4 := append(append([]peer.Member{}, baseMembers()...),
		peer.Member{ID: "n4", Address: "n4:addr", Voting: true, Phase: peer.PhaseJoining})
	if err := set.BeginJoint(addN4); err != nil {
		t.Fatalf("first BeginJoint: %v", err)
	}

	addN5 := append(append([]peer.Member{}, addN4...),
		peer.Member{ID: "n5", Address: "n5:addr", Voting: true, Phase: peer.PhaseJoining})
	if err := set.BeginJoint(addN5); err == nil {
		t.Fatal("expected second concurrent BeginJoint to be rejected")
	}
}

func TestSnapshotRestoreReproducesEquivalentSet(t *testing.T) {
	original := peer.New("n1", baseMembers())
	addN4 := append(append([]peer.Member{}, baseMembers()...),
		peer.Member{ID: "n4", Address: "n4:addr", Voting: true, Phase: peer.PhaseJoining})
	if err := original.BeginJoint(addN4); err != nil {
		t.Fatalf("begin joint: %v", err)
	}

	cold, cnew := original.Snapshot()

	restored := peer.New("n1", nil)
	restored.Restore(cold, cnew)

	if !restored.IsJoint() {
		t.Error("expected restored set to preserve in-flight joint configuration")
	}
	if !restored.HasMember("n4") {
		t.Error("expected restored set to include the joining member")
	}
	if got, want := len(restored.Members()), len(original.Members()); got != want {
		t.Errorf("restored member count = %d, want %d", got, want)
	}
}

func TestQuorumSizeReflectsColdConfiguration(t *testing.T) {
	set := peer.New("n1", baseMembers())
	if got, want := set.QuorumSize(), 2; got != want {
		t.Errorf("stable 3-node quorum size = %d, want %d", got, want)
	}

	fiveNode := append(append([]peer.Member{}, baseMembers()...),
		peer.Member{ID: "n4", Address: "n4:addr", Voting: true, Phase: peer.PhaseJoining},
		peer.Member{ID: "n5", Address: "n5:addr", Voting: true, Phase: peer.PhaseJoining})
	if err := set.BeginJoint(fiveNode); err != nil {
		t.Fatalf("begin joint: %v", err)
	}
	// QuorumSize reports the Cold quorum for diagnostics; commit
	// decisions during the joint phase go through HasQuorum instead,
	// which additionally requires a Cnew majority.
	if got, want := set.QuorumSize(), 2; got != want {
		t.Errorf("quorum size during joint phase still reflects cold config: got %d, want %d", got, want)
	}
}
