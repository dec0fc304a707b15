package role

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coreraft/raftkv/pkg/meta"
	"github.com/coreraft/raftkv/pkg/peer"
	"github.com/coreraft/raftkv/pkg/raftlog"
)

// RPCClient is the outbound-call surface a role needs: sending the
// three consensus RPCs to a named peer. pkg/node implements this over
// pkg/wire, keeping this package free of any wire-encoding
// dependency.
type RPCClient interface {
	SendRequestVote(ctx context.Context, target peer.Member, req RequestVoteRequest) (RequestVoteReply, error)
	SendAppendEntries(ctx context.Context, target peer.Member, req AppendEntriesRequest) (AppendEntriesReply, error)
	SendInstallSnapshot(ctx context.Context, target peer.Member, req InstallSnapshotRequest) (InstallSnapshotReply, error)
}

// Hooks are callbacks Core invokes on specific transitions, letting
// pkg/node react without Core needing to know about the command
// queue or applier.
type Hooks struct {
	// OnStepDown is called (with no arguments) whenever
	// Core leaves the leader role, so in-flight client futures can be
	// failed with ErrNotLeader and a leader hint.
	OnStepDown func()

	// OnBecomeLeader is called once Core becomes leader, after its
	// no-op entry has been appended.
	OnBecomeLeader func()

	// OnCommitAdvance is called whenever commitIndex moves forward,
	// so the applier can catch up.
	OnCommitAdvance func(commitIndex uint64)

	// OnInstallSnapshot is called with a received snapshot blob so the
	// database applier can restore its state from it before the log
	// re-anchors at the snapshot boundary.
	OnInstallSnapshot func(data []byte) error
}

// Core is the arena: the single logical actor owning every piece of
// state a role transition touches. Per spec §9, the role value itself
// never references Core back; Core always passes itself in.
type Core struct {
	SelfID string

	Log    *raftlog.Log
	Meta   *meta.Store
	Peers  *peer.Set
	Client RPCClient
	Logger *zap.Logger

	MinElectionTimeout time.Duration
	HeartbeatInterval  time.Duration

	hooks Hooks

	mu          sync.Mutex
	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string

	// leader-only volatile state (spec §3's LeaderState); zeroed on
	// every transition away from leader.
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	weakenedUntil time.Time

	electionMu       sync.Mutex
	electionDeadline time.Time
	electionResetCh  chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once

	ctx context.Context
}

// NewCore constructs a Core starting in the follower role, restoring
// currentTerm/votedFor from meta.
func NewCore(ctx context.Context, selfID string, log *raftlog.Log, metaStore *meta.Store, peers *peer.Set, client RPCClient, minElectionTimeout, heartbeatInterval time.Duration, logger *zap.Logger, hooks Hooks) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	st := metaStore.Load()
	c := &Core{
		SelfID:              selfID,
		Log:                 log,
		Meta:                metaStore,
		Peers:               peers,
		Client:              client,
		Logger:              logger,
		MinElectionTimeout:  minElectionTimeout,
		HeartbeatInterval:   heartbeatInterval,
		hooks:               hooks,
		currentTerm:         st.CurrentTerm,
		votedFor:            st.VotedFor,
		electionResetCh:     make(chan struct{}, 1),
		stopCh:              make(chan struct{}),
		ctx:                 ctx,
	}
	c.role = Follower{}
	return c
}

// Run starts the actor loop: repeatedly invoke the current role's Run
// until Stop is called. Grounded on the teacher's Node.run() outer
// switch over runFollower/runCandidate/runLeader.
func (c *Core) Run() {
	c.withRole(func(r Role) { r.OnEnter(c) })
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.currentRole().Run(c)
	}
}

// Stop halts the actor loop.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// SetContext rebinds the context used for outbound RPC timeouts and
// cancellation. pkg/node constructs Core (and its dependents, which
// need a *Core reference synchronously) before it has chosen the
// node's long-lived run context, so this lets Start attach the real
// one just before launching Run; must not be called concurrently with
// Run.
func (c *Core) SetContext(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

func (c *Core) done() <-chan struct{} { return c.stopCh }

func (c *Core) currentRole() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Core) withRole(f func(Role)) {
	c.mu.Lock()
	r := c.role
	c.mu.Unlock()
	f(r)
}

// transitionTo switches Core's role tag, running OnLeave/OnEnter
// outside the state lock (they may themselves need it).
func (c *Core) transitionTo(next Role) {
	c.mu.Lock()
	prev := c.role
	c.role = next
	c.mu.Unlock()

	if prev != nil {
		prev.OnLeave(c)
	}
	next.OnEnter(c)
}

// RoleName reports the current role's tag.
func (c *Core) RoleName() string {
	return c.currentRole().Name()
}

// Term returns currentTerm.
func (c *Core) Term() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTerm
}

// LeaderID returns the last known leader, or "" if none.
func (c *Core) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// IsLeader reports whether this node currently believes itself leader.
func (c *Core) IsLeader() bool {
	return c.RoleName() == roleLeader
}

// persistTermVote fsyncs (currentTerm, votedFor) before any reply or
// RPC depends on them (spec §3/§5's ordering invariant). Caller must
// hold c.mu.
func (c *Core) persistTermVote() error {
	snapIdx, snapTerm := c.Log.SnapshotBoundary()
	return c.Meta.Save(meta.State{
		CurrentTerm:       c.currentTerm,
		VotedFor:          c.votedFor,
		SnapshotLastIndex: snapIdx,
		SnapshotLastTerm:  snapTerm,
	})
}

// adoptTermLocked unconditionally sets currentTerm and clears the
// vote, persisting before returning. Caller must hold c.mu.
func (c *Core) adoptTermLocked(term uint64) {
	c.currentTerm = term
	c.votedFor = ""
	c.persistTermVote()
}

// resetElectionDeadlineLocked recomputes the randomized election
// deadline. Safe to call without c.mu (it has its own electionMu).
func (c *Core) resetElectionDeadlineLocked() {
	c.electionMu.Lock()
	c.electionDeadline = time.Now().Add(c.randomElectionTimeout())
	c.electionMu.Unlock()
}

func (c *Core) randomElectionTimeout() time.Duration {
	min := int64(c.MinElectionTimeout)
	return time.Duration(min + rand.Int63n(min))
}

// ResetElectionTimer nudges the election deadline forward, waking any
// blocked Follower/Candidate Run loop via electionResetCh.
func (c *Core) ResetElectionTimer() {
	c.resetElectionDeadlineLocked()
	c.wake()
}

// wake nudges a blocked Role.Run loop (Follower waiting on its
// deadline, Candidate waiting on its election timer) so a transition
// decided from another goroutine — a vote-reply handler granting
// leadership, an RPC handler stepping down — takes effect immediately
// instead of after the stale loop's own timeout fires.
func (c *Core) wake() {
	select {
	case c.electionResetCh <- struct{}{}:
	default:
	}
}

// BecomeFollower transitions to Follower for the given term,
// persisting and running the leader step-down hook if applicable.
func (c *Core) BecomeFollower(term uint64) {
	wasLeader := c.RoleName() == roleLeader

	c.mu.Lock()
	c.currentTerm = term
	c.votedFor = ""
	c.leaderID = ""
	c.nextIndex = nil
	c.matchIndex = nil
	c.persistTermVote()
	c.mu.Unlock()

	c.transitionTo(Follower{})
	c.wake()

	if wasLeader && c.hooks.OnStepDown != nil {
		c.hooks.OnStepDown()
	}
}

// BecomeCandidate increments the term, votes for self, and transitions.
func (c *Core) BecomeCandidate() {
	c.mu.Lock()
	c.currentTerm++
	c.votedFor = c.SelfID
	c.persistTermVote()
	c.mu.Unlock()

	c.transitionTo(Candidate{})
}

// BecomeLeader initializes leader volatile state and transitions.
func (c *Core) BecomeLeader() {
	lastIdx := c.Log.LastIndex()

	c.mu.Lock()
	c.leaderID = c.SelfID
	c.nextIndex = make(map[string]uint64)
	c.matchIndex = make(map[string]uint64)
	for _, p := range c.Peers.Peers() {
		c.nextIndex[p.ID] = lastIdx + 1
		c.matchIndex[p.ID] = 0
	}
	term := c.currentTerm
	c.mu.Unlock()

	// Leader asserts authority with a committed no-op, per spec §4.1
	// ("send an immediate empty AppendEntries to assert leadership")
	// generalized to an actual log entry so read-index has a term
	// marker to wait on, matching the teacher's noopEntry append in
	// becomeLeader.
	c.Log.Append(term, nil)

	c.transitionTo(Leader{})
	c.wake()

	if c.hooks.OnBecomeLeader != nil {
		c.hooks.OnBecomeLeader()
	}
}

// Propose appends command as the next entry at the current term,
// returning its (index, term). Only valid while leader; pkg/command
// uses this as the write half of seekConsensus. Grounded on the
// teacher's Node.Submit.
func (c *Core) Propose(command []byte) (index uint64, term uint64, ok bool) {
	c.mu.Lock()
	if c.role == nil || c.role.Name() != roleLeader {
		c.mu.Unlock()
		return 0, 0, false
	}
	term = c.currentTerm
	c.mu.Unlock()

	entry, err := c.Log.Append(term, command)
	if err != nil {
		return 0, 0, false
	}
	return entry.Index, entry.Term, true
}

// MatchIndex reports the leader's view of how far a given peer has
// replicated. Used by pkg/command to honor a `consensus` command's
// alsoWaitFor set (spec §9 Open Question: "commit a no-op confirming
// that the named peers are present in quorum").
func (c *Core) MatchIndex(peerID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matchIndex[peerID]
}

// ConfirmLeadership exchanges a quorum-bound round of empty
// AppendEntries with every peer, returning true only if a majority
// (joint-consensus aware) acknowledges before ctx/heartbeat-multiple
// expires and this node is still leader of the same term throughout.
// This is the read-index leadership check of spec §4.3/§9. Grounded
// on the teacher's Node.confirmLeadership.
func (c *Core) ConfirmLeadership(ctx context.Context) bool {
	if !c.IsLeader() {
		return false
	}
	term := c.Term()
	peers := c.Peers.Peers()

	prevIdx := c.Log.LastIndex()
	prevTerm, _ := c.Log.Term(prevIdx)
	leaderCommit := c.Log.CommitIndex()

	var ackedMu sync.Mutex
	acked := map[string]bool{c.SelfID: true}
	if c.Peers.HasQuorum(acked) {
		return c.RoleName() == roleLeader && c.Term() == term
	}

	done := make(chan struct{}, 1)
	for _, p := range peers {
		go func(p peer.Member) {
			cctx, cancel := context.WithTimeout(ctx, c.MinElectionTimeout)
			defer cancel()
			reply, err := c.Client.SendAppendEntries(cctx, p, AppendEntriesRequest{
				Term:         term,
				LeaderID:     c.SelfID,
				PrevLogIndex: prevIdx,
				PrevLogTerm:  prevTerm,
				LeaderCommit: leaderCommit,
			})
			if err != nil {
				return
			}
			if reply.Term > c.Term() {
				c.BecomeFollower(reply.Term)
				return
			}
			if !reply.Success {
				return
			}
			ackedMu.Lock()
			acked[p.ID] = true
			quorum := c.Peers.HasQuorum(acked)
			ackedMu.Unlock()
			if quorum {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}(p)
	}

	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(c.HeartbeatInterval * 3):
	}

	ackedMu.Lock()
	ok := c.Peers.HasQuorum(acked)
	ackedMu.Unlock()
	return ok && c.RoleName() == roleLeader && c.Term() == term
}

// Weaken transitions to Weakened for duration d (spec's explicit
// hand-off/testing mechanism, S7).
func (c *Core) Weaken(d time.Duration) {
	c.mu.Lock()
	c.weakenedUntil = time.Now().Add(d)
	until := c.weakenedUntil
	c.mu.Unlock()
	c.transitionTo(Weakened{Until: until})
}

const (
	roleFollower  = "follower"
	roleCandidate = "candidate"
	roleLeader    = "leader"
	roleWeakened  = "weakened"
)

// HandleRequestVote, HandleAppendEntries, and HandleInstallSnapshot
// dispatch to the current role by tag (spec §9: "dispatch by tag; no
// virtual inheritance").
func (c *Core) HandleRequestVote(req RequestVoteRequest) RequestVoteReply {
	return c.currentRole().HandleRequestVote(c, req)
}

func (c *Core) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesReply {
	return c.currentRole().HandleAppendEntries(c, req)
}

func (c *Core) HandleInstallSnapshot(req InstallSnapshotRequest) InstallSnapshotReply {
	return c.currentRole().HandleInstallSnapshot(c, req)
}
