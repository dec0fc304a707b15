package role

import (
	"context"
	"time"

	"github.com/coreraft/raftkv/pkg/peer"
)

// Leader replicates entries to every peer, advances commitIndex once
// a quorum (joint-consensus aware) acknowledges, and steps down on
// any higher term observed. Grounded on the teacher's runLeader,
// sendHeartbeats/sendAppendEntries, and tryAdvanceCommitIndex.
type Leader struct{}

func (Leader) Name() string { return roleLeader }

func (Leader) OnEnter(c *Core) {}
func (Leader) OnLeave(c *Core) {}

func (l Leader) Run(c *Core) {
	l.replicateAll(c)

	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done():
			return
		case <-ticker.C:
			if c.RoleName() != roleLeader {
				return
			}
			l.replicateAll(c)
			l.advanceCommitIndex(c)
		}
	}
}

// replicateAll sends AppendEntries (or InstallSnapshot, if a peer's
// nextIndex has fallen behind the retained log prefix) to every peer
// concurrently, applying successful replies to nextIndex/matchIndex
// and backing off on rejection using the follower's conflict hint.
func (l Leader) replicateAll(c *Core) {
	term := c.Term()
	leaderCommit := c.Log.CommitIndex()

	for _, p := range c.Peers.Peers() {
		go func(p peer.Member) {
			c.mu.Lock()
			next := c.nextIndex[p.ID]
			c.mu.Unlock()
			if next == 0 {
				next = c.Log.LastIndex() + 1
			}

			snapIdx, _ := c.Log.SnapshotBoundary()
			if next <= snapIdx {
				l.sendSnapshot(c, p, term)
				return
			}

			prevIdx := next - 1
			prevTerm, _ := c.Log.Term(prevIdx)
			entries := c.Log.EntriesFrom(next, 256*1024)

			ctx, cancel := context.WithTimeout(c.ctx, c.MinElectionTimeout)
			defer cancel()
			reply, err := c.Client.SendAppendEntries(ctx, p, AppendEntriesRequest{
				Term:         term,
				LeaderID:     c.SelfID,
				PrevLogIndex: prevIdx,
				PrevLogTerm:  prevTerm,
				Entries:      entries,
				LeaderCommit: leaderCommit,
			})
			if err != nil {
				return
			}

			if reply.Term > c.Term() {
				c.BecomeFollower(reply.Term)
				return
			}
			if c.RoleName() != roleLeader || c.Term() != term {
				return
			}

			c.mu.Lock()
			if reply.Success {
				c.matchIndex[p.ID] = prevIdx + uint64(len(entries))
				c.nextIndex[p.ID] = c.matchIndex[p.ID] + 1
			} else {
				c.nextIndex[p.ID] = reply.ConflictIndex
				if c.nextIndex[p.ID] < 1 {
					c.nextIndex[p.ID] = 1
				}
			}
			c.mu.Unlock()
		}(p)
	}
}

func (l Leader) sendSnapshot(c *Core, p peer.Member, term uint64) {
	snapIdx, snapTerm := c.Log.SnapshotBoundary()

	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	reply, err := c.Client.SendInstallSnapshot(ctx, p, InstallSnapshotRequest{
		Term:              term,
		LeaderID:          c.SelfID,
		LastIncludedIndex: snapIdx,
		LastIncludedTerm:  snapTerm,
		Data:              nil, // populated by pkg/node, which owns the snapshot blob
	})
	if err != nil {
		return
	}
	if reply.Term > c.Term() {
		c.BecomeFollower(reply.Term)
		return
	}

	c.mu.Lock()
	if c.RoleName() == roleLeader && c.Term() == term {
		c.nextIndex[p.ID] = snapIdx + 1
		c.matchIndex[p.ID] = snapIdx
	}
	c.mu.Unlock()
}

// advanceCommitIndex finds the largest N with a quorum of matchIndex
// values >= N whose entry's term equals currentTerm (leader
// completeness, spec §3), honoring joint-consensus quorum rules via
// peer.Set.HasQuorum.
func (l Leader) advanceCommitIndex(c *Core) {
	term := c.Term()

	c.mu.Lock()
	match := make(map[string]uint64, len(c.matchIndex)+1)
	for id, idx := range c.matchIndex {
		match[id] = idx
	}
	c.mu.Unlock()
	match[c.SelfID] = c.Log.LastIndex()

	candidate := c.Log.CommitIndex()
	for n := c.Log.LastIndex(); n > c.Log.CommitIndex(); n-- {
		entryTerm, ok := c.Log.Term(n)
		if !ok || entryTerm != term {
			continue
		}
		acked := make(map[string]bool, len(match))
		for id, idx := range match {
			if idx >= n {
				acked[id] = true
			}
		}
		if c.Peers.HasQuorum(acked) {
			candidate = n
			break
		}
	}

	if candidate > c.Log.CommitIndex() {
		c.Log.SetCommitIndex(candidate)
		if c.hooks.OnCommitAdvance != nil {
			c.hooks.OnCommitAdvance(candidate)
		}
	}
}

func (Leader) HandleRequestVote(c *Core, req RequestVoteRequest) RequestVoteReply {
	if req.Term > c.Term() {
		c.BecomeFollower(req.Term)
	}
	return Follower{}.HandleRequestVote(c, req)
}

func (Leader) HandleAppendEntries(c *Core, req AppendEntriesRequest) AppendEntriesReply {
	if req.Term > c.Term() {
		c.BecomeFollower(req.Term)
		return Follower{}.HandleAppendEntries(c, req)
	}
	// Two leaders in the same term never legitimately coexist; an
	// equal-term AppendEntries from someone else is simply stale.
	return AppendEntriesReply{Term: c.Term(), Success: false}
}

func (Leader) HandleInstallSnapshot(c *Core, req InstallSnapshotRequest) InstallSnapshotReply {
	if req.Term > c.Term() {
		c.BecomeFollower(req.Term)
		return Follower{}.HandleInstallSnapshot(c, req)
	}
	return InstallSnapshotReply{Term: c.Term()}
}
