package testing

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/coreraft/raftkv/pkg/config"
	"github.com/coreraft/raftkv/pkg/node"
	"github.com/coreraft/raftkv/pkg/wire/wiretest"
)

// Simulator is a seeded, reproducible cluster for the randomized
// fault-injection scenarios of spec §8 (S6 randomized partitions, S7
// Jepsen-style histories): same seed, same sequence of
// RandomPartition choices. Grounded on the teacher's
// pkg/testing/simulator.go Simulator, with its DeterministicClock/
// EventHeap dropped — neither pkg/role's real timers nor the
// teacher's own raft.Node ever actually read from that clock, so it
// never influenced scheduling even in the original (see DESIGN.md).
type Simulator struct {
	Transport *wiretest.LocalTransport
	Nodes     []*node.Node
	rng       *rand.Rand
	seed      int64

	cancel context.CancelFunc
}

// NewSimulator builds size non-persistent nodes over a shared
// wiretest.LocalTransport, seeded for reproducible random partition
// choices.
func NewSimulator(size int, seed int64) (*Simulator, error) {
	transport := wiretest.New()
	rng := rand.New(rand.NewSource(seed))

	addrs := make([]string, size)
	for i := 0; i < size; i++ {
		addrs[i] = fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", 21000+i)
	}

	sim := &Simulator{
		Transport: transport,
		Nodes:     make([]*node.Node, size),
		rng:       rng,
		seed:      seed,
	}

	for i := 0; i < size; i++ {
		cfg := config.Default()
		cfg.Persist = false
		cfg.ID = fmt.Sprintf("sim-node-%d", i)
		cfg.ListenAddr = addrs[i]
		cfg.MinElectionTimeout = 150 * time.Millisecond
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.RPCTimeout = 2 * time.Second
		cfg.MaxLogRetention = 1000
		for j := 0; j < size; j++ {
			if j != i {
				cfg.Peers = append(cfg.Peers, addrs[j])
			}
		}

		n, err := node.New(cfg, zap.NewNop(), transport)
		if err != nil {
			return nil, fmt.Errorf("testing: construct sim node %d: %w", i, err)
		}
		sim.Nodes[i] = n
		transport.Register(n.SelfID(), n.Handler())
	}

	return sim, nil
}

// Start launches every simulated node's actor loop.
func (s *Simulator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, n := range s.Nodes {
		n.Start(wiretest.WithCallerID(ctx, n.SelfID()))
	}
}

// Stop halts every simulated node.
func (s *Simulator) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, n := range s.Nodes {
		n.Stop()
	}
}

// GetLeader returns a node currently believing itself leader, or nil.
func (s *Simulator) GetLeader() *node.Node {
	for _, n := range s.Nodes {
		if n.RoleName() == "leader" {
			return n
		}
	}
	return nil
}

// WaitForLeader polls for up to maxIterations * 50ms for a leader.
func (s *Simulator) WaitForLeader(maxIterations int) *node.Node {
	for i := 0; i < maxIterations; i++ {
		if leader := s.GetLeader(); leader != nil {
			return leader
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// InjectPartition isolates the node at nodeIdx from the rest of the
// cluster.
func (s *Simulator) InjectPartition(nodeIdx int) {
	if nodeIdx >= 0 && nodeIdx < len(s.Nodes) {
		s.Transport.Partition(s.Nodes[nodeIdx].SelfID())
	}
}

// HealPartition clears every fault recorded against nodeIdx.
func (s *Simulator) HealPartition(nodeIdx int) {
	if nodeIdx >= 0 && nodeIdx < len(s.Nodes) {
		s.Transport.Heal(s.Nodes[nodeIdx].SelfID())
	}
}

// HealAll clears every link fault in the cluster.
func (s *Simulator) HealAll() {
	s.Transport.HealAll()
}

// RandomPartition isolates a uniformly random node and returns its
// index, deterministic given the simulator's seed.
func (s *Simulator) RandomPartition() int {
	idx := s.rng.Intn(len(s.Nodes))
	s.InjectPartition(idx)
	return idx
}

// GetSeed returns the seed this simulator was constructed with, for
// logging a reproduction recipe when a scenario test fails.
func (s *Simulator) GetSeed() int64 {
	return s.seed
}
