package tests

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coreraft/raftkv/pkg/command"
	"github.com/coreraft/raftkv/pkg/config"
	"github.com/coreraft/raftkv/pkg/node"
	"github.com/coreraft/raftkv/pkg/wire/wiretest"
	rtesting "github.com/coreraft/raftkv/pkg/testing"
)

// TestLogCompaction verifies that enough committed entries trigger
// the automatic log-compaction path of spec §4.2 (node.onCommitAdvance
// -> raftlog.Log.Snapshot), shrinking the in-memory log.
func TestLogCompaction(t *testing.T) {
	cluster, err := rtesting.NewTestCluster(3)
	if err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	defer cluster.Cleanup()
	cluster.Start()

	leader, err := cluster.WaitForStableLeader(30 * time.Second)
	if err != nil {
		t.Fatalf("failed to elect stable leader: %v", err)
	}

	initialRetained := leader.LogRetained()
	t.Logf("initial log retained: %d", initialRetained)

	const writes = 150
	for i := 0; i < writes; i++ {
		cmd := command.Command{Kind: command.KindPut, Key: []byte("compact-key"), Value: []byte{byte('a' + i%26)}}
		cluster.SubmitCommand(cmd, 5*time.Second)
	}

	time.Sleep(1 * time.Second)

	retained := leader.LogRetained()
	t.Logf("log retained after %d writes: %d", writes, retained)
	if retained >= writes {
		t.Errorf("log was not compacted: retained=%d after %d writes", retained, writes)
	}

	value, ok := cluster.Nodes[0].Get([]byte("compact-key"))
	if !ok {
		t.Error("compact-key not found after compaction")
	} else {
		t.Logf("compact-key value after compaction: %s", value)
	}
}

// TestSnapshotReplication verifies every node converges on the
// compacted leader's data, exercising the InstallSnapshot catch-up
// path for any node that fell behind the retained log window.
func TestSnapshotReplication(t *testing.T) {
	cluster, err := rtesting.NewTestCluster(3)
	if err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	defer cluster.Cleanup()
	cluster.Start()

	if _, err := cluster.WaitForStableLeader(30 * time.Second); err != nil {
		t.Fatalf("failed to elect stable leader: %v", err)
	}

	for i := 0; i < 150; i++ {
		cmd := command.Command{Kind: command.KindPut, Key: []byte("replicate-key"), Value: []byte{byte('0' + i%10)}}
		cluster.SubmitCommand(cmd, 5*time.Second)
	}
	time.Sleep(1 * time.Second)

	for i, n := range cluster.Nodes {
		if _, ok := n.Get([]byte("replicate-key")); !ok {
			t.Errorf("node %d: replicate-key not found", i)
		}
	}
}

// TestSnapshotRecovery verifies a node that restarts loads its
// persisted snapshot and log tail and recovers the same state (spec
// §8 S5), using a dedicated single-node persistent setup so the
// restart is deterministic.
func TestSnapshotRecovery(t *testing.T) {
	dataDir, err := os.MkdirTemp("", "raftkv-snapshot-recovery-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dataDir)

	addr := "/ip4/127.0.0.1/tcp/20930"
	buildCfg := func() config.Config {
		cfg := config.Default()
		cfg.ID = addr
		cfg.ListenAddr = addr
		cfg.Persist = true
		cfg.Location = dataDir
		cfg.MaxLogRetention = 20
		return cfg
	}

	transport := wiretest.New()
	n, err := node.New(buildCfg(), zap.NewNop(), transport)
	if err != nil {
		t.Fatalf("failed to construct node: %v", err)
	}
	transport.Register(n.SelfID(), n.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)

	// Writes submitted before the node has elected itself are rejected
	// as not-leader, so wait for leadership first.
	for deadline := time.Now().Add(5 * time.Second); n.RoleName() != "leader" && time.Now().Before(deadline); {
		time.Sleep(20 * time.Millisecond)
	}

	for i := 0; i < 50; i++ {
		cmd := command.Command{Kind: command.KindPut, Key: []byte("recovery-key"), Value: []byte(fmt.Sprintf("value-%d", i))}
		c, submitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.Submit(c, cmd)
		submitCancel()
	}
	time.Sleep(200 * time.Millisecond)

	cancel()
	n.Stop()

	// Reopen against the same data directory. New's restart path only
	// restores the store from the last persisted snapshot; the
	// committed log tail above that snapshot boundary (already on
	// disk, since FilePersister.SaveEntries persists the full entries
	// slice on every append) isn't replayed into the applier until
	// commitIndex advances again. For this single-node cluster,
	// starting n2 makes it immediately elect itself leader and append
	// a no-op entry, which advances commitIndex across the whole
	// retained tail and drives the applier to replay it — so recovery
	// requires Start, not just New.
	transport2 := wiretest.New()
	n2, err := node.New(buildCfg(), zap.NewNop(), transport2)
	if err != nil {
		t.Fatalf("failed to reconstruct node after restart: %v", err)
	}
	transport2.Register(n2.SelfID(), n2.Handler())

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	n2.Start(ctx2)
	defer n2.Stop()

	deadline := time.Now().Add(5 * time.Second)
	var value []byte
	var ok bool
	for time.Now().Before(deadline) {
		value, ok = n2.Get([]byte("recovery-key"))
		if ok && string(value) == "value-49" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !ok {
		t.Fatal("recovery-key missing after restart")
	}
	if string(value) != "value-49" {
		t.Errorf("expected 'value-49', got %q", value)
	}
}
