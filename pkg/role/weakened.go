package role

import "time"

// Weakened behaves like Follower (accepts AppendEntries, replicates
// normally) but never starts an election and rejects vote requests
// for its duration, used for graceful leadership hand-off and to
// force a preferred-leader outcome (spec §4.1, scenario S7).
type Weakened struct {
	Until time.Time
}

func (Weakened) Name() string { return roleWeakened }

func (Weakened) OnEnter(c *Core) {}
func (Weakened) OnLeave(c *Core) {}

func (w Weakened) Run(c *Core) {
	timeout := time.Until(w.Until)
	if timeout <= 0 {
		c.transitionTo(Follower{})
		return
	}

	select {
	case <-c.done():
		return
	case <-time.After(timeout):
		if c.RoleName() == roleWeakened {
			c.transitionTo(Follower{})
		}
	}
}

func (Weakened) HandleRequestVote(c *Core, req RequestVoteRequest) RequestVoteReply {
	if req.Term > c.Term() {
		c.mu.Lock()
		c.adoptTermLocked(req.Term)
		c.mu.Unlock()
	}
	// Weakened never grants votes, by definition (spec §4.1).
	return RequestVoteReply{Term: c.Term(), VoteGranted: false}
}

func (w Weakened) HandleAppendEntries(c *Core, req AppendEntriesRequest) AppendEntriesReply {
	return Follower{}.HandleAppendEntries(c, req)
}

func (w Weakened) HandleInstallSnapshot(c *Core, req InstallSnapshotRequest) InstallSnapshotReply {
	return Follower{}.HandleInstallSnapshot(c, req)
}
