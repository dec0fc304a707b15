// Package node wires the consensus core (pkg/role), the replicated
// log (pkg/raftlog), durable meta (pkg/meta), membership (pkg/peer),
// the command pipeline (pkg/command), the database applier
// (pkg/apply), and a pkg/wire transport into one running cluster
// member. Grounded on the teacher's cmd/server/main.go construction
// order (WAL/meta -> store -> transport -> raft.Node -> API) and
// pkg/raft/node.go's Node type, whose single struct this package
// distributes across the collaborator packages above instead.
package node

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/coreraft/raftkv/pkg/address"
	"github.com/coreraft/raftkv/pkg/apperr"
	"github.com/coreraft/raftkv/pkg/apply"
	"github.com/coreraft/raftkv/pkg/command"
	"github.com/coreraft/raftkv/pkg/config"
	"github.com/coreraft/raftkv/pkg/meta"
	"github.com/coreraft/raftkv/pkg/peer"
	"github.com/coreraft/raftkv/pkg/raftlog"
	"github.com/coreraft/raftkv/pkg/role"
	"github.com/coreraft/raftkv/pkg/store"
	"github.com/coreraft/raftkv/pkg/store/memstore"
	"github.com/coreraft/raftkv/pkg/wire"
)

// Wire message types routed by Handler, matching spec §6's RPC action
// set plus the forwarded-command action.
const (
	msgRequestVote     = "RequestVote"
	msgAppendEntries   = "AppendEntries"
	msgInstallSnapshot = "InstallSnapshot"
	msgCommand         = "Command"
)

// Node is one running cluster member. The zero value is not usable;
// build one with New.
type Node struct {
	cfg    config.Config
	logger *zap.Logger

	selfID string

	metaStore *meta.Store
	persist   *raftlog.FilePersister // nil when cfg.Persist is false
	log       *raftlog.Log

	peers *peer.Set
	store store.Engine

	core    *role.Core
	applier *apply.Applier
	queue   *command.Queue

	caller wire.Caller

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// snapshotEnvelope is the combined blob InstallSnapshot carries and
// that pkg/raftlog's own on-disk snapshot record stores: the
// database's Snapshot plus the membership view, so a node that
// catches up (from a peer or from its own disk) recovers both without
// a second round trip. Grounded on the teacher's wal.Snapshot
// {Metadata, Data} pairing of compacted state with cluster
// configuration.
type snapshotEnvelope struct {
	StoreData  []byte
	Cold, Cnew []peer.Member
}

// New builds a Node from cfg, wiring every collaborator package but
// not yet starting any goroutines or network I/O; call Start for
// that. caller is the outbound RPC surface: a *wire.Transport in
// production, or a wiretest.LocalTransport in tests. The caller is
// responsible for arranging inbound delivery to Handler() (via
// Transport.Serve for a real transport, or LocalTransport.Register
// for a test harness).
func New(cfg config.Config, logger *zap.Logger, caller wire.Caller) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	selfAddr, err := address.Parse(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("node: parse listenAddr: %w", err)
	}
	selfID := selfAddr.ID()
	logger = logger.With(zap.String("node", cfg.ID), zap.String("addr", selfID))

	metaStore, err := meta.Open(cfg.Location, cfg.Persist)
	if err != nil {
		return nil, fmt.Errorf("node: open meta: %w", err)
	}

	var persister raftlog.Persister
	var filePersister *raftlog.FilePersister
	if cfg.Persist {
		filePersister, err = raftlog.OpenFilePersister(cfg.Location)
		if err != nil {
			metaStore.Close()
			return nil, fmt.Errorf("node: open log persister: %w", err)
		}
		persister = filePersister
	} else {
		persister = raftlog.NopPersister{}
	}

	log, err := raftlog.Open(persister)
	if err != nil {
		metaStore.Close()
		return nil, fmt.Errorf("node: open log: %w", err)
	}

	members := []peer.Member{{ID: selfID, Address: selfAddr.DialTarget(), Voting: true}}
	for _, raw := range cfg.Peers {
		pa, err := address.Parse(raw)
		if err != nil {
			metaStore.Close()
			if filePersister != nil {
				filePersister.Close()
			}
			return nil, fmt.Errorf("node: parse peer address %q: %w", raw, err)
		}
		members = append(members, peer.Member{ID: pa.ID(), Address: pa.DialTarget(), Voting: true})
	}
	peers := peer.New(selfID, members)

	var engine store.Engine
	switch cfg.DB {
	case "", "memory":
		engine = memstore.New()
	default:
		metaStore.Close()
		if filePersister != nil {
			filePersister.Close()
		}
		return nil, fmt.Errorf("node: unknown db backend %q", cfg.DB)
	}

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		selfID:    selfID,
		metaStore: metaStore,
		persist:   filePersister,
		log:       log,
		peers:     peers,
		store:     engine,
		caller:    caller,
	}

	// Recover store + membership from whatever the log persister's own
	// snapshot file holds, if this is a restart. raftlog.Open already
	// recovered the (lastIndex, lastTerm) boundary; it discards the
	// state bytes since only pkg/node knows how to interpret them.
	if cfg.Persist {
		_, _, data, ok, err := persister.LoadSnapshot()
		if err != nil {
			metaStore.Close()
			filePersister.Close()
			return nil, fmt.Errorf("node: load snapshot: %w", err)
		}
		if ok {
			if err := n.restoreSnapshot(data); err != nil {
				metaStore.Close()
				filePersister.Close()
				return nil, fmt.Errorf("node: restore snapshot: %w", err)
			}
		}
	}

	hooks := role.Hooks{
		OnStepDown: func() {
			n.queue.FailAllPending(apperr.NewWireError(apperr.ENOTLEADER, "stepped down", n.core.Term(), n.core.LeaderID()))
		},
		OnBecomeLeader: func() {
			n.logger.Info("became leader", zap.String("node", n.selfID), zap.Uint64("term", n.core.Term()))
		},
		OnCommitAdvance: func(commitIndex uint64) {
			n.onCommitAdvance(commitIndex)
		},
		OnInstallSnapshot: func(data []byte) error {
			return n.restoreSnapshot(data)
		},
	}

	n.core = role.NewCore(context.Background(), selfID, log, metaStore, peers, n,
		cfg.MinElectionTimeout, cfg.HeartbeatInterval, logger, hooks)
	n.queue = command.New(n.core, peers, n, n, cfg.MinElectionTimeout*2)
	n.applier = apply.New(engine, n.queue, logger)

	return n, nil
}

func (n *Node) onCommitAdvance(commitIndex uint64) {
	if err := n.log.Commit(commitIndex, n.applier.Apply); err != nil {
		n.logger.Warn("applier stalled", zap.Error(err))
		return
	}
	if !n.log.NeedsCompaction(n.cfg.MaxLogRetention) {
		return
	}
	data, err := n.buildSnapshot()
	if err != nil {
		n.logger.Warn("failed to build snapshot for compaction", zap.Error(err))
		return
	}
	if err := n.log.Snapshot(n.log.LastApplied(), data); err != nil {
		n.logger.Warn("failed to compact log", zap.Error(err))
	}
}

func (n *Node) buildSnapshot() ([]byte, error) {
	storeData, err := n.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("node: snapshot store: %w", err)
	}
	cold, cnew := n.peers.Snapshot()
	env := snapshotEnvelope{StoreData: storeData, Cold: cold, Cnew: cnew}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("node: encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func (n *Node) restoreSnapshot(data []byte) error {
	var env snapshotEnvelope
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
			return fmt.Errorf("node: decode snapshot: %w", err)
		}
	}
	if err := n.store.Restore(env.StoreData); err != nil {
		return fmt.Errorf("node: restore store: %w", err)
	}
	n.peers.Restore(env.Cold, env.Cnew)
	return nil
}

// Start launches the actor loop. ctx governs the node's lifetime;
// cancelling it (or calling Stop) halts Run and every outbound RPC
// this node has in flight.
func (n *Node) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.core.SetContext(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.core.Run()
	}()
}

// Stop halts the actor loop and releases durable file handles.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.core.Stop()
	n.wg.Wait()

	if n.persist != nil {
		n.persist.Close()
	}
	n.metaStore.Close()
}

// Submit enters a client command through the local node's command
// queue (spec §4.3).
func (n *Node) Submit(ctx context.Context, cmd command.Command) (command.Result, error) {
	return n.queue.Submit(ctx, cmd)
}

// SelfID returns this node's canonical cluster identity.
func (n *Node) SelfID() string { return n.selfID }

// RoleName reports the current role's tag, for status/diagnostic
// surfaces (pkg/testing's cluster harness and tests/).
func (n *Node) RoleName() string { return n.core.RoleName() }

// Term reports the current term.
func (n *Node) Term() uint64 { return n.core.Term() }

// CommitIndex reports the highest log index known committed.
func (n *Node) CommitIndex() uint64 { return n.log.CommitIndex() }

// CommittedEntries returns every retained log entry (those after the
// latest snapshot boundary) through the current commit index, for
// diagnostics and pkg/testing's invariant checker; it never observes
// entries beyond what's been committed.
func (n *Node) CommittedEntries() []raftlog.Entry {
	commitIndex := n.log.CommitIndex()
	boundary, _ := n.log.SnapshotBoundary()
	entries := n.log.EntriesFrom(boundary+1, 0)
	out := make([]raftlog.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Index > commitIndex {
			break
		}
		out = append(out, e)
	}
	return out
}

// LogRetained reports how many entries this node's log currently
// holds in memory (post-snapshot-compaction count), for tests/'s log
// compaction scenarios.
func (n *Node) LogRetained() int { return n.log.Retained() }

// Members returns this node's current view of cluster membership
// (the union of Cold and Cnew during a joint-consensus transition, per
// peer.Set.Members),
// for diagnostics and tests/'s membership-change scenarios.
func (n *Node) Members() []peer.Member {
	return n.peers.Members()
}

// Handler returns the inbound dispatch function for this node's wire
// traffic: a real Transport's Serve call, or a test harness'
// LocalTransport.Register, wires this in.
func (n *Node) Handler() wire.Handler {
	return func(ctx context.Context, from string, msgType string, payload []byte) ([]byte, error) {
		switch msgType {
		case msgRequestVote:
			var req role.RequestVoteRequest
			if err := msgpack.Unmarshal(payload, &req); err != nil {
				return nil, apperr.ErrMalformedFrame
			}
			reply := n.core.HandleRequestVote(req)
			return msgpack.Marshal(reply)

		case msgAppendEntries:
			var req role.AppendEntriesRequest
			if err := msgpack.Unmarshal(payload, &req); err != nil {
				return nil, apperr.ErrMalformedFrame
			}
			reply := n.core.HandleAppendEntries(req)
			return msgpack.Marshal(reply)

		case msgInstallSnapshot:
			var req role.InstallSnapshotRequest
			if err := msgpack.Unmarshal(payload, &req); err != nil {
				return nil, apperr.ErrMalformedFrame
			}
			reply := n.core.HandleInstallSnapshot(req)
			return msgpack.Marshal(reply)

		case msgCommand:
			var cmd command.Command
			if err := msgpack.Unmarshal(payload, &cmd); err != nil {
				return nil, apperr.ErrMalformedFrame
			}
			result, err := n.queue.Submit(ctx, cmd)
			if err != nil {
				return nil, err
			}
			return msgpack.Marshal(result)

		default:
			return nil, fmt.Errorf("node: unknown message type %q", msgType)
		}
	}
}

// SendRequestVote, SendAppendEntries, and SendInstallSnapshot
// implement role.RPCClient over the wire transport, marshaling with
// MsgPack per spec §4.4/§6's self-describing encoding choice.
func (n *Node) SendRequestVote(ctx context.Context, target peer.Member, req role.RequestVoteRequest) (role.RequestVoteReply, error) {
	var reply role.RequestVoteReply
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return reply, err
	}
	respBytes, err := n.caller.Call(ctx, target.Address, target.ID, msgRequestVote, payload)
	if err != nil {
		return reply, err
	}
	if err := msgpack.Unmarshal(respBytes, &reply); err != nil {
		return reply, apperr.ErrMalformedFrame
	}
	return reply, nil
}

func (n *Node) SendAppendEntries(ctx context.Context, target peer.Member, req role.AppendEntriesRequest) (role.AppendEntriesReply, error) {
	var reply role.AppendEntriesReply
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return reply, err
	}
	respBytes, err := n.caller.Call(ctx, target.Address, target.ID, msgAppendEntries, payload)
	if err != nil {
		return reply, err
	}
	if err := msgpack.Unmarshal(respBytes, &reply); err != nil {
		return reply, apperr.ErrMalformedFrame
	}
	return reply, nil
}

// SendInstallSnapshot fills in req.Data with the current combined
// store+membership snapshot before sending: role.Leader builds the
// request without knowing the storage layer, by design (spec §9's
// layering — role never imports pkg/store), so this is the one place
// the blob is attached.
func (n *Node) SendInstallSnapshot(ctx context.Context, target peer.Member, req role.InstallSnapshotRequest) (role.InstallSnapshotReply, error) {
	var reply role.InstallSnapshotReply
	data, err := n.buildSnapshot()
	if err != nil {
		return reply, err
	}
	req.Data = data

	payload, err := msgpack.Marshal(req)
	if err != nil {
		return reply, err
	}
	respBytes, err := n.caller.Call(ctx, target.Address, target.ID, msgInstallSnapshot, payload)
	if err != nil {
		return reply, err
	}
	if err := msgpack.Unmarshal(respBytes, &reply); err != nil {
		return reply, apperr.ErrMalformedFrame
	}
	return reply, nil
}

// Get implements command.Reader directly against the local storage
// engine; pkg/command only calls this after a successful read-index
// confirmation.
func (n *Node) Get(key []byte) ([]byte, bool) {
	return n.store.Get(key)
}

// Forward implements command.Forwarder: relay cmd to the node
// currently believed to be leader over the wire Command action.
func (n *Node) Forward(ctx context.Context, leaderID string, cmd command.Command) (command.Result, error) {
	var dial string
	for _, m := range n.peers.Members() {
		if m.ID == leaderID {
			dial = m.Address
			break
		}
	}
	if dial == "" {
		return command.Result{}, apperr.NewWireError(apperr.ENOTLEADER, "no known leader to forward to", n.core.Term(), "")
	}

	payload, err := msgpack.Marshal(cmd)
	if err != nil {
		return command.Result{}, err
	}
	respBytes, err := n.caller.Call(ctx, dial, leaderID, msgCommand, payload)
	if err != nil {
		return command.Result{}, err
	}

	var result command.Result
	if err := msgpack.Unmarshal(respBytes, &result); err != nil {
		return command.Result{}, apperr.ErrMalformedFrame
	}
	return result, nil
}
