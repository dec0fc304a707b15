// Package wiretest provides an in-memory, fault-injecting stand-in
// for pkg/wire.Transport, grounded on the teacher's
// pkg/rpc/transport.go LocalTransport (Register/SetLatency/
// Disconnect/Connect/Partition/Heal/HealAll), generalized from
// raft.Node-typed handlers to the wire.Handler closure so it can
// drive any node implementation.
package wiretest

import (
	"context"
	"sync"
	"time"

	"github.com/coreraft/raftkv/pkg/apperr"
	"github.com/coreraft/raftkv/pkg/wire"
)

// LocalTransport is a Caller that dispatches directly to in-process
// handlers instead of dialing a socket, with the same link-fault
// vocabulary the teacher's test harness used (full bidirectional
// partitions, one-way disconnects, artificial latency).
type LocalTransport struct {
	mu       sync.RWMutex
	handlers map[string]wire.Handler
	disabled map[string]map[string]bool
	latency  time.Duration
}

// New constructs an empty LocalTransport.
func New() *LocalTransport {
	return &LocalTransport{
		handlers: make(map[string]wire.Handler),
		disabled: make(map[string]map[string]bool),
	}
}

// Register installs id's inbound handler.
func (t *LocalTransport) Register(id string, h wire.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = h
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[string]bool)
	}
}

// Unregister removes id, simulating a stopped node.
func (t *LocalTransport) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, id)
}

// SetLatency applies a fixed artificial delay to every call.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect disables the from -> to link. Because Call needs the link
// in both directions (request out, reply back), calls between from and
// to then fail whichever side makes them.
func (t *LocalTransport) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect undoes a one-directional Disconnect.
func (t *LocalTransport) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates id from every other registered node, both ways.
func (t *LocalTransport) Partition(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for other := range t.handlers {
		if other == id {
			continue
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		if t.disabled[other] == nil {
			t.disabled[other] = make(map[string]bool)
		}
		t.disabled[id][other] = true
		t.disabled[other][id] = true
	}
}

// Heal restores every link touching id.
func (t *LocalTransport) Heal(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[id] = make(map[string]bool)
	for other := range t.disabled {
		delete(t.disabled[other], id)
	}
}

// HealAll clears every partition and disconnect in the cluster.
func (t *LocalTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *LocalTransport) connected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

// Call dispatches targetID's handler in-process, honoring the
// from/to link state and artificial latency configured above.
// targetDial is ignored (there is no real dial address in-process);
// the handler is looked up by targetID alone.
func (t *LocalTransport) Call(ctx context.Context, targetDial, targetID, msgType string, payload []byte) ([]byte, error) {
	t.mu.RLock()
	handler, ok := t.handlers[targetID]
	latency := t.latency
	t.mu.RUnlock()

	if !ok {
		return nil, apperr.ErrUnknownPeer
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, apperr.ErrTimedOut
		}
	}

	// from isn't part of Call's signature; it is the caller ID that
	// WithCallerID attached to ctx. A call whose ctx carries no caller
	// ID skips the link checks.
	from := callerFromContext(ctx)
	t.mu.RLock()
	linked := t.connected(from, targetID) && t.connected(targetID, from)
	t.mu.RUnlock()
	if from != "" && !linked {
		return nil, apperr.ErrConnRefused
	}

	return handler(ctx, from, msgType, payload)
}

type callerIDKey struct{}

// WithCallerID attaches the calling node's ID to ctx so Call can
// evaluate partition/disconnect state symmetrically.
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerIDKey{}, id)
}

func callerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callerIDKey{}).(string)
	return id
}
