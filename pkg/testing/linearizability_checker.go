package testing

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/coreraft/raftkv/pkg/command"
)

// Operation is a single recorded client operation against the
// replicated store, keyed by pkg/command.Kind rather than a bare
// "read"/"write" string so a caller can record directly from the
// command.Command it submitted and the command.Result it got back.
type Operation struct {
	ID        int64
	Type      string // "invoke", "ok", or "fail"
	Kind      command.Kind
	Key       []byte
	Value     []byte
	StartTime int64
	EndTime   int64
}

// History records all operations for linearizability checking.
type History struct {
	mu         sync.Mutex
	operations []Operation
	nextID     int64
}

// NewHistory creates a new history recorder.
func NewHistory() *History {
	return &History{
		operations: make([]Operation, 0),
	}
}

// RecordInvoke records the start of an operation: kind is the
// command.Kind submitted (command.KindPut/KindGet/KindDelete/...),
// key/value the submitted command.Command's fields.
func (h *History) RecordInvoke(kind command.Kind, key, value []byte, startTime int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	h.operations = append(h.operations, Operation{
		ID:        id,
		Type:      "invoke",
		Kind:      kind,
		Key:       key,
		Value:     value,
		StartTime: startTime,
	})

	return id
}

// RecordOk records the successful completion of an operation, value
// being the command.Result.Value the caller got back.
func (h *History) RecordOk(id int64, value []byte, endTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.operations = append(h.operations, Operation{
		ID:      id,
		Type:    "ok",
		Value:   value,
		EndTime: endTime,
	})
}

// RecordFail records the failure of an operation.
func (h *History) RecordFail(id int64, endTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.operations = append(h.operations, Operation{
		ID:      id,
		Type:    "fail",
		EndTime: endTime,
	})
}

// OperationPair pairs an invoke with its response.
type OperationPair struct {
	Invoke   Operation
	Response Operation
	Complete bool
}

// LinearizabilityChecker verifies linearizability of a history.
type LinearizabilityChecker struct {
	history *History
}

// NewLinearizabilityChecker creates a new linearizability checker.
func NewLinearizabilityChecker(h *History) *LinearizabilityChecker {
	return &LinearizabilityChecker{history: h}
}

// Check performs linearizability verification over the command
// pipeline's Put/Get operations.
func (lc *LinearizabilityChecker) Check() (bool, error) {
	lc.history.mu.Lock()
	ops := make([]Operation, len(lc.history.operations))
	copy(ops, lc.history.operations)
	lc.history.mu.Unlock()

	// Build invoke-response pairs.
	pairs := make(map[int64]*OperationPair)
	for _, op := range ops {
		if op.Type == "invoke" {
			pairs[op.ID] = &OperationPair{
				Invoke: op,
			}
		} else if op.Type == "ok" {
			if pair, ok := pairs[op.ID]; ok {
				pair.Response = op
				pair.Complete = true
			}
		}
	}

	// Extract complete operations.
	complete := make([]*OperationPair, 0)
	for _, pair := range pairs {
		if pair.Complete {
			complete = append(complete, pair)
		}
	}

	// Sort by start time.
	sort.Slice(complete, func(i, j int) bool {
		return complete[i].Invoke.StartTime < complete[j].Invoke.StartTime
	})

	// Simple sequential consistency check for the key-value store.
	state := make(map[string][]byte)

	for _, pair := range complete {
		switch pair.Invoke.Kind {
		case command.KindPut:
			state[string(pair.Invoke.Key)] = pair.Invoke.Value
		case command.KindDelete:
			delete(state, string(pair.Invoke.Key))
		case command.KindGet:
			expected := state[string(pair.Invoke.Key)]
			if !bytes.Equal(pair.Response.Value, expected) {
				// Check if there's a concurrent write that could explain this.
				if !lc.hasConcurrentWrite(complete, pair, pair.Response.Value) {
					return false, fmt.Errorf("read of %s returned %q, expected %q",
						pair.Invoke.Key, pair.Response.Value, expected)
				}
			}
		}
	}

	return true, nil
}

func (lc *LinearizabilityChecker) hasConcurrentWrite(ops []*OperationPair, readOp *OperationPair, value []byte) bool {
	for _, op := range ops {
		if op.Invoke.Kind == command.KindPut &&
			bytes.Equal(op.Invoke.Key, readOp.Invoke.Key) &&
			bytes.Equal(op.Invoke.Value, value) {
			// Check if operations overlap in time.
			if op.Invoke.StartTime <= readOp.Response.EndTime &&
				op.Response.EndTime >= readOp.Invoke.StartTime {
				return true
			}
		}
	}
	return false
}
