package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreraft/raftkv/pkg/apperr"
	"github.com/coreraft/raftkv/pkg/peer"
	"github.com/coreraft/raftkv/pkg/role"
)

// Reader is the read half of the storage collaborator pkg/command
// needs for get: a consistent point-in-time lookup, invoked
// only after a read-index confirmation (spec §4.5).
type Reader interface {
	Get(key []byte) (value []byte, found bool)
}

// Forwarder sends a command to the cluster's current leader on behalf
// of a non-leader node (spec §4.3: "a follower receiving one forwards
// it via RPC to its known leader"). pkg/node implements this over
// pkg/wire's Command RPC action.
type Forwarder interface {
	Forward(ctx context.Context, leaderID string, cmd Command) (Result, error)
}

type outcome struct {
	res Result
	err error
}

type pending struct {
	index uint64

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	result outcome
}

func newPending(index uint64) *pending {
	return &pending{index: index, done: make(chan struct{})}
}

// resolve completes the pending future exactly once; later calls are
// no-ops (a future may race Complete against FailAllPending).
func (p *pending) resolve(out outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.result = out
	p.closed = true
	close(p.done)
}

// Queue is the serialized command pipeline of spec §4.3: every
// submission gets a future, write commands are proposed through
// role.Core and await commit, topology commands additionally drive
// peer.Set's joint-consensus protocol, consensus commands take the
// write path and additionally wait for acknowledgement from the peers
// they name, and get commands perform a read-index confirmation
// instead of appending an entry.
type Queue struct {
	core      *role.Core
	peers     *peer.Set
	reader    Reader
	forwarder Forwarder

	// clientTimeout bounds how long a submission waits for its future
	// to resolve: the election timeout doubled, per spec §5's "soft
	// upper bound... exceeding triggers ETIMEDOUT".
	clientTimeout time.Duration

	mu      sync.Mutex
	pending map[uint64]*pending
	inFlight map[string]uint64 // clientKey -> index, for retry attach
}

// New builds a Queue. clientTimeout should be the node's configured
// minElectionTimeout*2 (spec §5).
func New(core *role.Core, peers *peer.Set, reader Reader, forwarder Forwarder, clientTimeout time.Duration) *Queue {
	return &Queue{
		core:          core,
		peers:         peers,
		reader:        reader,
		forwarder:     forwarder,
		clientTimeout: clientTimeout,
		pending:       make(map[uint64]*pending),
		inFlight:      make(map[string]uint64),
	}
}

// Submit routes cmd per spec §4.3 and blocks until it resolves,
// fails, or times out.
func (q *Queue) Submit(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Kind {
	case KindGet:
		return q.readIndex(ctx, cmd)
	case KindJoin, KindLeave:
		return q.topologyChange(ctx, cmd)
	case KindPut, KindDelete, KindBatch, KindConsensus:
		return q.write(ctx, cmd)
	default:
		return Result{}, fmt.Errorf("command: unknown kind %q", cmd.Kind)
	}
}

// notLeaderErr builds the ENOTLEADER rejection spec §4.3 calls for,
// carrying the current term and leader hint for client redirect.
func (q *Queue) notLeaderErr() error {
	return apperr.NewWireError(apperr.ENOTLEADER, "not the leader", q.core.Term(), q.core.LeaderID())
}

func (q *Queue) write(ctx context.Context, cmd Command) (Result, error) {
	if !q.core.IsLeader() {
		if q.forwarder == nil {
			return Result{}, q.notLeaderErr()
		}
		return q.forwarder.Forward(ctx, q.core.LeaderID(), cmd)
	}

	if cmd.ClientID != "" {
		key := clientKey(cmd.ClientID, cmd.RequestID)
		q.mu.Lock()
		if idx, ok := q.inFlight[key]; ok {
			if p, ok := q.pending[idx]; ok {
				q.mu.Unlock()
				return q.await(ctx, p, cmd)
			}
		}
		q.mu.Unlock()
	}

	res, err := q.appendAndAwait(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if cmd.Kind == KindConsensus && len(cmd.AlsoWaitFor) > 0 {
		if !q.waitForNamedAcks(ctx, res.Index, cmd.AlsoWaitFor) {
			return Result{}, apperr.NewWireError(apperr.ENOMAJORITY, "named peers did not acknowledge", q.core.Term(), q.core.LeaderID())
		}
	}
	return res, nil
}

// appendAndAwait proposes cmd, registers its future, and waits.
func (q *Queue) appendAndAwait(ctx context.Context, cmd Command) (Result, error) {
	payload, err := cmd.Encode()
	if err != nil {
		return Result{}, fmt.Errorf("command: %w", err)
	}

	index, _, ok := q.core.Propose(payload)
	if !ok {
		return Result{}, q.notLeaderErr()
	}

	p := newPending(index)
	q.mu.Lock()
	q.pending[index] = p
	if cmd.ClientID != "" {
		q.inFlight[clientKey(cmd.ClientID, cmd.RequestID)] = index
	}
	q.mu.Unlock()

	return q.await(ctx, p, cmd)
}

func (q *Queue) await(ctx context.Context, p *pending, cmd Command) (Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, q.clientTimeout)
	defer cancel()

	select {
	case <-p.done:
		p.mu.Lock()
		out := p.result
		p.mu.Unlock()
		return out.res, out.err
	case <-timeoutCtx.Done():
		q.drop(p.index, cmd)
		return Result{}, apperr.NewWireError(apperr.ETIMEDOUT, "command did not commit in time", q.core.Term(), q.core.LeaderID())
	}
}

func (q *Queue) drop(index uint64, cmd Command) {
	q.mu.Lock()
	delete(q.pending, index)
	if cmd.ClientID != "" {
		delete(q.inFlight, clientKey(cmd.ClientID, cmd.RequestID))
	}
	q.mu.Unlock()
}

// waitForNamedAcks polls matchIndex for every peer in peers until all
// have replicated at least index, or ctx expires.
func (q *Queue) waitForNamedAcks(ctx context.Context, index uint64, peers []string) bool {
	for {
		all := true
		for _, id := range peers {
			if id == q.core.SelfID {
				continue
			}
			if q.core.MatchIndex(id) < index {
				all = false
				break
			}
		}
		if all {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// readIndex implements the get path: confirm leadership via quorum
// heartbeat, wait for lastApplied to catch up to the recorded
// commitIndex, then perform the consistent read (spec §9's resolved
// Open Question).
func (q *Queue) readIndex(ctx context.Context, cmd Command) (Result, error) {
	if !q.core.IsLeader() {
		if q.forwarder == nil {
			return Result{}, q.notLeaderErr()
		}
		return q.forwarder.Forward(ctx, q.core.LeaderID(), cmd)
	}

	readAt := q.core.Log.CommitIndex()

	confirmCtx, cancel := context.WithTimeout(ctx, q.clientTimeout)
	defer cancel()

	if !q.core.ConfirmLeadership(confirmCtx) {
		return Result{}, q.notLeaderErr()
	}

	for q.core.Log.LastApplied() < readAt {
		select {
		case <-confirmCtx.Done():
			return Result{}, apperr.NewWireError(apperr.ETIMEDOUT, "read-index wait timed out", q.core.Term(), q.core.LeaderID())
		case <-time.After(5 * time.Millisecond):
		}
	}

	value, found := q.reader.Get(cmd.Key)
	return Result{Value: value, Found: found}, nil
}

// topologyChange drives the two-phase joint-consensus protocol of
// spec §4.3: begin the joint configuration locally (so the leader
// immediately starts replicating to/ceases replicating to the
// affected peer), replicate the membership entry itself through the
// ordinary write path, and commit or abort the local joint state to
// match whether that entry actually committed.
func (q *Queue) topologyChange(ctx context.Context, cmd Command) (Result, error) {
	if !q.core.IsLeader() {
		if q.forwarder == nil {
			return Result{}, q.notLeaderErr()
		}
		return q.forwarder.Forward(ctx, q.core.LeaderID(), cmd)
	}

	if q.peers.ChangePending() {
		return Result{}, apperr.ErrConfigChangePending
	}

	current := q.peers.Members()
	var next []peer.Member
	switch cmd.Kind {
	case KindJoin:
		next = append(append([]peer.Member{}, current...), peer.Member{
			ID: cmd.PeerID, Address: cmd.PeerAddress, Voting: true,
		})
	case KindLeave:
		for _, m := range current {
			if m.ID != cmd.PeerID {
				next = append(next, m)
			}
		}
	}

	if err := q.peers.BeginJoint(next); err != nil {
		return Result{}, fmt.Errorf("command: %w", err)
	}

	res, err := q.appendAndAwait(ctx, cmd)
	if err != nil {
		q.peers.Abort()
		return Result{}, err
	}

	q.peers.Commit()
	return res, nil
}

// Complete resolves the future registered for index with result,
// called by pkg/apply once the entry at that index has been applied.
func (q *Queue) Complete(index uint64, result Result) {
	q.mu.Lock()
	p, ok := q.pending[index]
	if ok {
		delete(q.pending, index)
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	result.Index = index
	p.resolve(outcome{res: result})
}

// FailAllPending fails every currently registered future with err,
// used on leader step-down mid-replication (spec §4.1's tie-break
// policy: "in-flight client futures are completed with a retryable
// error carrying the last known leader hint").
func (q *Queue) FailAllPending(err error) {
	q.mu.Lock()
	pendings := q.pending
	q.pending = make(map[uint64]*pending)
	q.inFlight = make(map[string]uint64)
	q.mu.Unlock()

	for _, p := range pendings {
		p.resolve(outcome{err: err})
	}
}
