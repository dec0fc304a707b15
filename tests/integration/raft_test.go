// Package integration exercises full node lifecycles end to end:
// cluster formation, partition-triggered re-election, and multi-round
// operation under churn. Grounded on the teacher's
// tests/integration/raft_test.go (TestThreeNodeClusterElection,
// TestLeaderElectionAfterPartition), generalized from
// raft.Raft/simulation.SimTransport to pkg/node.Node over
// pkg/testing.TestCluster.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/coreraft/raftkv/pkg/command"
	rtesting "github.com/coreraft/raftkv/pkg/testing"
)

func TestThreeNodeClusterElection(t *testing.T) {
	cluster, err := rtesting.NewTestCluster(3)
	if err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	defer cluster.Cleanup()
	cluster.Start()

	leader, err := cluster.WaitForStableLeader(10 * time.Second)
	if err != nil {
		t.Fatalf("no stable leader elected: %v", err)
	}

	leaderCount := 0
	for _, n := range cluster.Nodes {
		if n.RoleName() == "leader" {
			leaderCount++
		}
	}
	if leaderCount != 1 {
		t.Errorf("expected exactly one leader, found %d", leaderCount)
	}
	t.Logf("elected leader: %s, term: %d", leader.SelfID(), leader.Term())
}

func TestLeaderElectionAfterPartition(t *testing.T) {
	cluster, err := rtesting.NewTestCluster(3)
	if err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	defer cluster.Cleanup()
	cluster.Start()

	leader, err := cluster.WaitForStableLeader(10 * time.Second)
	if err != nil {
		t.Fatalf("no stable leader elected: %v", err)
	}
	oldLeaderID := leader.SelfID()
	oldTerm := leader.Term()

	cluster.Transport.Partition(oldLeaderID)

	newLeader, err := cluster.WaitForNewLeader(oldLeaderID, 10*time.Second)
	if err != nil {
		t.Fatalf("no new leader elected after partition: %v", err)
	}
	if newLeader.SelfID() == oldLeaderID {
		t.Fatal("new leader has the same ID as the partitioned leader")
	}
	if newLeader.Term() <= oldTerm {
		t.Errorf("expected new leader's term to exceed %d, got %d", oldTerm, newLeader.Term())
	}

	cluster.Transport.HealAll()
}

func TestFiveNodeClusterSurvivesTwoFailures(t *testing.T) {
	cluster, err := rtesting.NewTestCluster(5)
	if err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	defer cluster.Cleanup()
	cluster.Start()

	leader, err := cluster.WaitForStableLeader(15 * time.Second)
	if err != nil {
		t.Fatalf("no stable leader elected: %v", err)
	}

	var followerIDs []string
	for _, n := range cluster.Nodes {
		if n.SelfID() != leader.SelfID() {
			followerIDs = append(followerIDs, n.SelfID())
		}
	}

	cluster.Transport.Partition(followerIDs[0])
	cluster.Transport.Partition(followerIDs[1])
	time.Sleep(500 * time.Millisecond)

	cmd := command.Command{Kind: command.KindPut, Key: []byte("surviving-write"), Value: []byte("ok")}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err = leader.Submit(ctx, cmd)
	cancel()
	if err != nil {
		t.Fatalf("write failed with 3-of-5 remaining alive: %v", err)
	}

	cluster.Transport.HealAll()
}

func TestClusterRecoversFromRepeatedElections(t *testing.T) {
	cluster, err := rtesting.NewTestCluster(5)
	if err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	defer cluster.Cleanup()
	cluster.Start()

	if _, err := cluster.WaitForStableLeader(15 * time.Second); err != nil {
		t.Fatalf("no stable leader elected: %v", err)
	}

	for round := 0; round < 3; round++ {
		leader := cluster.GetLeader()
		if leader == nil {
			t.Fatalf("round %d: no leader present", round)
		}
		partitioned := leader.SelfID()
		cluster.Transport.Partition(partitioned)

		if _, err := cluster.WaitForNewLeader(partitioned, 10*time.Second); err != nil {
			t.Fatalf("round %d: no new leader after partition: %v", round, err)
		}
		cluster.Transport.HealAll()
		cluster.WaitForStableLeader(10 * time.Second)
	}

	cmd := command.Command{Kind: command.KindPut, Key: []byte("post-churn"), Value: []byte("still-works")}
	if _, err := cluster.SubmitCommand(cmd, 10*time.Second); err != nil {
		t.Fatalf("cluster failed to make progress after repeated elections: %v", err)
	}
}
