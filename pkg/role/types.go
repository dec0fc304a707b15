// Package role implements the four-state consensus role machine
// (follower/candidate/leader/weakened) as tagged variants sharing one
// method surface, dispatched by tag rather than virtual inheritance
// (spec §9's explicit design note). Core is the arena: it holds
// exactly one Role value plus all the volatile/persistent state a
// role transition mutates, so roles never hold a back-reference to
// their owner. Grounded on the teacher's pkg/raft/node.go
// runFollower/runCandidate/runLeader and HandleRequestVote/
// HandleAppendEntries/HandleInstallSnapshot, restructured from one
// monolithic Node type into Core (the state) plus Role (the
// per-state behavior).
package role

import "github.com/coreraft/raftkv/pkg/raftlog"

// RequestVoteRequest is the RequestVote RPC body (spec §6).
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is the RequestVote RPC reply.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest is the AppendEntries RPC body.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []raftlog.Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the AppendEntries RPC reply, carrying a
// conflict hint so a rejecting leader can back off in O(terms)
// rather than O(entries) (spec §4.1).
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotRequest is the InstallSnapshot RPC body. Data is the
// full snapshot blob; spec's chunked offset/done fields are
// unnecessary at this log's realistic snapshot sizes, so each RPC
// carries the complete snapshot in one frame.
type InstallSnapshotRequest struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// InstallSnapshotReply is the InstallSnapshot RPC reply.
type InstallSnapshotReply struct {
	Term uint64
}

// Role is the shared method surface every tagged state variant
// implements. Dispatch is purely by which Role value Core currently
// holds; there is no shared base type.
type Role interface {
	// Name reports the role's external tag ("follower", "candidate",
	// "leader", "weakened"), used for logging and GetState-style
	// introspection.
	Name() string

	// OnEnter runs once when Core transitions into this role.
	OnEnter(c *Core)

	// OnLeave runs once, before Core transitions away from this role.
	OnLeave(c *Core)

	// Run drives this role's timer loop (election timeout, heartbeat
	// ticker, weaken timer) until a transition is warranted, then
	// performs the transition on c and returns.
	Run(c *Core)

	HandleRequestVote(c *Core, req RequestVoteRequest) RequestVoteReply
	HandleAppendEntries(c *Core, req AppendEntriesRequest) AppendEntriesReply
	HandleInstallSnapshot(c *Core, req InstallSnapshotRequest) InstallSnapshotReply
}
