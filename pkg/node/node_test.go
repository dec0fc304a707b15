package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coreraft/raftkv/pkg/command"
	"github.com/coreraft/raftkv/pkg/config"
	"github.com/coreraft/raftkv/pkg/wire/wiretest"
)

// newTestCluster builds n non-persistent Nodes wired together over a
// shared wiretest.LocalTransport, addresses allocated sequentially
// from 127.0.0.1:19000+<k> so address.Parse/ID() gives each a distinct
// canonical identity without touching the network.
func newTestCluster(t *testing.T, n int) ([]*Node, *wiretest.LocalTransport) {
	t.Helper()

	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		addrs[i] = fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", 19000+i)
	}

	lt := wiretest.New()
	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		cfg := config.Default()
		cfg.Persist = false
		cfg.ID = fmt.Sprintf("node-%d", i)
		cfg.ListenAddr = addrs[i]
		cfg.MinElectionTimeout = 60 * time.Millisecond
		cfg.HeartbeatInterval = 15 * time.Millisecond
		cfg.RPCTimeout = time.Second
		for j := 0; j < n; j++ {
			if j != i {
				cfg.Peers = append(cfg.Peers, addrs[j])
			}
		}

		nd, err := New(cfg, zap.NewNop(), lt)
		if err != nil {
			t.Fatalf("New(node %d): %v", i, err)
		}
		nodes[i] = nd
		lt.Register(nd.SelfID(), nd.Handler())
	}

	return nodes, lt
}

func startAll(nodes []*Node) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	for _, n := range nodes {
		n.Start(ctx)
	}
	return cancel
}

func stopAll(cancel context.CancelFunc, nodes []*Node) {
	cancel()
	for _, n := range nodes {
		n.Stop()
	}
}

func awaitLeader(t *testing.T, nodes []*Node, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, n := range nodes {
			if n.RoleName() == "leader" {
				return n
			}
		}
		select {
		case <-deadline:
			t.Fatal("no leader elected within timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Persist = false
	// Missing ID and ListenAddr.
	if _, err := New(cfg, zap.NewNop(), wiretest.New()); err == nil {
		t.Fatal("New() with invalid config = nil error, want validation failure")
	}
}

func TestClusterElectsLeader(t *testing.T) {
	nodes, _ := newTestCluster(t, 3)
	cancel := startAll(nodes)
	defer stopAll(cancel, nodes)

	leader := awaitLeader(t, nodes, 2*time.Second)
	if leader.Term() == 0 {
		t.Errorf("leader term = 0, want > 0")
	}
}

func TestSubmitReplicatesPut(t *testing.T) {
	nodes, _ := newTestCluster(t, 3)
	cancel := startAll(nodes)
	defer stopAll(cancel, nodes)

	leader := awaitLeader(t, nodes, 2*time.Second)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	_, err := leader.Submit(ctx, command.Command{
		Kind:  command.KindPut,
		Key:   []byte("k1"),
		Value: []byte("v1"),
	})
	if err != nil {
		t.Fatalf("Submit(put): %v", err)
	}

	deadline := time.After(time.Second)
	for {
		allCaughtUp := true
		for _, n := range nodes {
			v, ok := n.Get([]byte("k1"))
			if !ok || string(v) != "v1" {
				allCaughtUp = false
			}
		}
		if allCaughtUp {
			return
		}
		select {
		case <-deadline:
			t.Fatal("put did not replicate to all nodes within timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitOnFollowerForwardsToLeader(t *testing.T) {
	nodes, _ := newTestCluster(t, 3)
	cancel := startAll(nodes)
	defer stopAll(cancel, nodes)

	leader := awaitLeader(t, nodes, 2*time.Second)
	var follower *Node
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	_, err := follower.Submit(ctx, command.Command{
		Kind:  command.KindPut,
		Key:   []byte("k2"),
		Value: []byte("v2"),
	})
	if err != nil {
		t.Fatalf("Submit on follower: %v", err)
	}

	v, ok := leader.Get([]byte("k2"))
	if !ok || string(v) != "v2" {
		t.Errorf("leader.Get(k2) = (%q, %v), want (v2, true)", v, ok)
	}
}
