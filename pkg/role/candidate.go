package role

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreraft/raftkv/pkg/peer"
)

// Candidate requests votes from every peer and becomes leader on
// majority, or steps down on a higher term. Grounded on the teacher's
// runCandidate.
type Candidate struct{}

func (Candidate) Name() string { return roleCandidate }

func (Candidate) OnEnter(c *Core) {
	c.resetElectionDeadlineLocked()
}

func (Candidate) OnLeave(c *Core) {}

func (cd Candidate) Run(c *Core) {
	c.mu.Lock()
	term := c.currentTerm
	c.mu.Unlock()

	lastIdx := c.Log.LastIndex()
	lastTerm := c.Log.LastTerm()

	peers := c.Peers.Peers()
	votesNeeded := int32(len(peers)+1)/2 + 1
	votes := int32(1) // vote for self

	for _, p := range peers {
		go func(p peer.Member) {
			ctx, cancel := context.WithTimeout(c.ctx, c.MinElectionTimeout)
			defer cancel()
			reply, err := c.Client.SendRequestVote(ctx, p, RequestVoteRequest{
				Term:         term,
				CandidateID:  c.SelfID,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				return
			}

			if reply.Term > c.Term() {
				c.BecomeFollower(reply.Term)
				return
			}
			if c.RoleName() != roleCandidate || c.Term() != term {
				return
			}
			if reply.VoteGranted {
				if atomic.AddInt32(&votes, 1) >= votesNeeded {
					if c.RoleName() == roleCandidate && c.Term() == term {
						c.BecomeLeader()
					}
				}
			}
		}(p)
	}

	timeout := c.randomElectionTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done():
		return
	case <-timer.C:
		if c.RoleName() == roleCandidate && c.Term() == term {
			c.BecomeCandidate() // restart the election with a fresh term
		}
	case <-c.electionResetCh:
		// Lost candidacy: a valid AppendEntries/BecomeFollower already
		// happened in a vote-reply goroutine or an RPC handler.
	}
}

func (Candidate) HandleRequestVote(c *Core, req RequestVoteRequest) RequestVoteReply {
	if req.Term > c.Term() {
		c.BecomeFollower(req.Term)
	}
	return Follower{}.HandleRequestVote(c, req)
}

func (Candidate) HandleAppendEntries(c *Core, req AppendEntriesRequest) AppendEntriesReply {
	if req.Term >= c.Term() {
		c.BecomeFollower(req.Term)
	}
	return Follower{}.HandleAppendEntries(c, req)
}

func (Candidate) HandleInstallSnapshot(c *Core, req InstallSnapshotRequest) InstallSnapshotReply {
	if req.Term >= c.Term() {
		c.BecomeFollower(req.Term)
	}
	return Follower{}.HandleInstallSnapshot(c, req)
}
