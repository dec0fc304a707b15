package role

import (
	"time"

	"go.uber.org/zap"
)

// Follower is the passive, timer-driven role: it grants votes,
// accepts AppendEntries from the current leader, and starts an
// election on timeout. Grounded on the teacher's runFollower and
// HandleRequestVote/HandleAppendEntries/HandleInstallSnapshot.
type Follower struct{}

func (Follower) Name() string { return roleFollower }

func (Follower) OnEnter(c *Core) {
	c.resetElectionDeadlineLocked()
}

func (Follower) OnLeave(c *Core) {}

// Run blocks until the randomized election timeout elapses without a
// reset, then transitions to candidate.
func (f Follower) Run(c *Core) {
	for {
		select {
		case <-c.done():
			return
		default:
		}

		c.electionMu.Lock()
		deadline := c.electionDeadline
		c.electionMu.Unlock()

		timeout := time.Until(deadline)
		if timeout <= 0 {
			if c.RoleName() == roleFollower {
				c.BecomeCandidate()
			}
			return
		}

		select {
		case <-c.done():
			return
		case <-c.electionResetCh:
			// Deadline was already recomputed by whoever reset it.
		case <-time.After(timeout):
			if c.RoleName() == roleFollower {
				c.BecomeCandidate()
			}
			return
		}
	}
}

func (Follower) HandleRequestVote(c *Core, req RequestVoteRequest) RequestVoteReply {
	c.mu.Lock()

	if req.Term < c.currentTerm {
		reply := RequestVoteReply{Term: c.currentTerm}
		c.mu.Unlock()
		return reply
	}
	if req.Term > c.currentTerm {
		c.adoptTermLocked(req.Term)
	}

	term := c.currentTerm
	granted := false
	if (c.votedFor == "" || c.votedFor == req.CandidateID) && c.Log.IsUpToDate(req.LastLogTerm, req.LastLogIndex) {
		c.votedFor = req.CandidateID
		c.persistTermVote()
		granted = true
	}
	c.mu.Unlock()

	if granted {
		c.ResetElectionTimer()
	}

	return RequestVoteReply{Term: term, VoteGranted: granted}
}

func (Follower) HandleAppendEntries(c *Core, req AppendEntriesRequest) AppendEntriesReply {
	c.mu.Lock()
	if req.Term < c.currentTerm {
		reply := AppendEntriesReply{Term: c.currentTerm}
		c.mu.Unlock()
		return reply
	}
	if req.Term > c.currentTerm {
		c.adoptTermLocked(req.Term)
	}
	c.leaderID = req.LeaderID
	term := c.currentTerm
	c.mu.Unlock()

	c.ResetElectionTimer()

	ok, hint := c.Log.AppendAfter(req.PrevLogIndex, req.PrevLogTerm, req.Entries)
	if !ok {
		return AppendEntriesReply{Term: term, Success: false, ConflictIndex: hint.Index, ConflictTerm: hint.Term}
	}

	if req.LeaderCommit > c.Log.CommitIndex() {
		lastNew := req.PrevLogIndex + uint64(len(req.Entries))
		newCommit := req.LeaderCommit
		if newCommit > lastNew {
			newCommit = lastNew
		}
		c.Log.SetCommitIndex(newCommit)
		if c.hooks.OnCommitAdvance != nil {
			c.hooks.OnCommitAdvance(newCommit)
		}
	}

	return AppendEntriesReply{Term: term, Success: true}
}

func (Follower) HandleInstallSnapshot(c *Core, req InstallSnapshotRequest) InstallSnapshotReply {
	c.mu.Lock()
	if req.Term < c.currentTerm {
		reply := InstallSnapshotReply{Term: c.currentTerm}
		c.mu.Unlock()
		return reply
	}
	if req.Term > c.currentTerm {
		c.adoptTermLocked(req.Term)
	}
	c.leaderID = req.LeaderID
	term := c.currentTerm
	c.mu.Unlock()

	c.ResetElectionTimer()

	if c.hooks.OnInstallSnapshot != nil {
		if err := c.hooks.OnInstallSnapshot(req.Data); err != nil {
			c.Logger.Warn("failed to restore database from snapshot", zap.Error(err))
			return InstallSnapshotReply{Term: term}
		}
	}
	c.Log.RestoreFromSnapshot(req.LastIncludedIndex, req.LastIncludedTerm)

	return InstallSnapshotReply{Term: term}
}
