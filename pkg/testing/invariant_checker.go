package testing

import (
	"fmt"
	"sync"

	"github.com/coreraft/raftkv/pkg/command"
	"github.com/coreraft/raftkv/pkg/node"
)

// CommittedEntry is one node's view of a committed log entry, as
// collected by InvariantChecker.CollectFromNodes.
type CommittedEntry struct {
	Index   uint64
	Term    uint64
	Command command.Command
	NodeID  string
}

// InvariantChecker accumulates CollectFromNodes snapshots and checks
// the safety invariants of spec §8: no two nodes commit different
// values at the same index (log matching / State Machine Safety),
// commit index per node never regresses, and term numbers at
// increasing indices never decrease. Grounded on the teacher's
// pkg/testing/invariant_checker.go InvariantChecker, generalized from
// raft.Command's Type/Key/Value to command.Command's Kind/Key/Value.
type InvariantChecker struct {
	mu              sync.Mutex
	committedByNode map[string][]CommittedEntry
	violations      []InvariantViolation
}

// InvariantViolation describes one detected safety violation.
type InvariantViolation struct {
	Type        string
	Description string
	Details     map[string]interface{}
}

// NewInvariantChecker builds an empty checker.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{committedByNode: make(map[string][]CommittedEntry)}
}

// RecordCommit manually records a committed entry; CollectFromNodes is
// the usual entry point, but scenario tests sometimes need this for
// entries observed off the normal node API (e.g. a channel tap).
func (ic *InvariantChecker) RecordCommit(nodeID string, index, term uint64, cmd command.Command) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committedByNode[nodeID] = append(ic.committedByNode[nodeID], CommittedEntry{
		Index: index, Term: term, Command: cmd, NodeID: nodeID,
	})
}

// CheckSafetyInvariants runs every check against whatever has been
// recorded and reports whether the cluster's committed history is
// safe.
func (ic *InvariantChecker) CheckSafetyInvariants() (bool, []InvariantViolation) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	ic.violations = nil
	ic.checkLogMatchingSafety()
	ic.checkMonotonicCommit()
	ic.checkTermConsistency()

	return len(ic.violations) == 0, ic.violations
}

func (ic *InvariantChecker) checkLogMatchingSafety() {
	indexEntries := make(map[uint64]map[string]CommittedEntry)
	for nodeID, entries := range ic.committedByNode {
		for _, entry := range entries {
			if indexEntries[entry.Index] == nil {
				indexEntries[entry.Index] = make(map[string]CommittedEntry)
			}
			indexEntries[entry.Index][nodeID] = entry
		}
	}

	for index, nodeEntries := range indexEntries {
		var refEntry *CommittedEntry
		var refNodeID string

		for nodeID, entry := range nodeEntries {
			entry := entry
			if refEntry == nil {
				refEntry = &entry
				refNodeID = nodeID
				continue
			}

			if entry.Term != refEntry.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "LOG_MATCHING_VIOLATION",
					Description: fmt.Sprintf("different terms at index %d: node %s has term %d, node %s has term %d",
						index, refNodeID, refEntry.Term, nodeID, entry.Term),
					Details: map[string]interface{}{
						"index": index, "node1": refNodeID, "term1": refEntry.Term,
						"node2": nodeID, "term2": entry.Term,
					},
				})
			}

			if entry.Command.Kind == command.KindPut && refEntry.Command.Kind == command.KindPut {
				if string(entry.Command.Key) != string(refEntry.Command.Key) ||
					string(entry.Command.Value) != string(refEntry.Command.Value) {
					ic.violations = append(ic.violations, InvariantViolation{
						Type: "VALUE_MISMATCH",
						Description: fmt.Sprintf("different values at index %d: node %s has %s=%s, node %s has %s=%s",
							index, refNodeID, refEntry.Command.Key, refEntry.Command.Value,
							nodeID, entry.Command.Key, entry.Command.Value),
						Details: map[string]interface{}{
							"index": index, "node1": refNodeID, "node2": nodeID,
						},
					})
				}
			}
		}
	}
}

func (ic *InvariantChecker) checkMonotonicCommit() {
	for nodeID, entries := range ic.committedByNode {
		var lastIndex uint64
		for _, entry := range entries {
			if entry.Index < lastIndex {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "NON_MONOTONIC_COMMIT",
					Description: fmt.Sprintf("node %s committed index %d after index %d",
						nodeID, entry.Index, lastIndex),
					Details: map[string]interface{}{"nodeID": nodeID, "prevIndex": lastIndex, "currIndex": entry.Index},
				})
			}
			lastIndex = entry.Index
		}
	}
}

func (ic *InvariantChecker) checkTermConsistency() {
	for nodeID, entries := range ic.committedByNode {
		for i := 1; i < len(entries); i++ {
			prev, curr := entries[i-1], entries[i]
			if curr.Index > prev.Index && curr.Term < prev.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "TERM_CONSISTENCY_VIOLATION",
					Description: fmt.Sprintf("node %s has term %d at index %d, but term %d at higher index %d",
						nodeID, prev.Term, prev.Index, curr.Term, curr.Index),
					Details: map[string]interface{}{
						"nodeID": nodeID, "prevIndex": prev.Index, "prevTerm": prev.Term,
						"currIndex": curr.Index, "currTerm": curr.Term,
					},
				})
			}
		}
	}
}

// Clear discards every recorded entry and violation.
func (ic *InvariantChecker) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committedByNode = make(map[string][]CommittedEntry)
	ic.violations = nil
}

// CollectFromNodes snapshots every node's committed entries.
func (ic *InvariantChecker) CollectFromNodes(nodes []*node.Node) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	for _, n := range nodes {
		nodeID := n.SelfID()
		for _, entry := range n.CommittedEntries() {
			cmd, err := command.Decode(entry.Command)
			if err != nil {
				continue
			}
			ic.committedByNode[nodeID] = append(ic.committedByNode[nodeID], CommittedEntry{
				Index: entry.Index, Term: entry.Term, Command: cmd, NodeID: nodeID,
			})
		}
	}
}

// CompareStateMachines reads every key in keys from every node and
// reports any divergence in the final applied state (spec §8's State
// Machine Safety, checked against the actual storage engine rather
// than the committed log).
func CompareStateMachines(nodes []*node.Node, keys [][]byte) (bool, []string) {
	if len(nodes) == 0 {
		return true, nil
	}

	var differences []string
	for _, key := range keys {
		refValue, refFound := nodes[0].Get(key)
		for i := 1; i < len(nodes); i++ {
			value, found := nodes[i].Get(key)
			if found != refFound || string(value) != string(refValue) {
				differences = append(differences, fmt.Sprintf(
					"node %d disagrees on key %q: got (%q, found=%v), want (%q, found=%v)",
					i, key, value, found, refValue, refFound))
			}
		}
	}
	return len(differences) == 0, differences
}

// JepsenStyleChecker records a randomized operation history and checks
// it for linearizability violations, for tests/jepsen's fuzz-style
// scenarios.
type JepsenStyleChecker struct {
	operations []JepsenOperation
	mu         sync.Mutex
}

// JepsenOperation is one recorded invoke/ok/fail event.
type JepsenOperation struct {
	ID        int64
	Type      string // "invoke", "ok", or "fail"
	OpType    string // "read" or "write"
	Key       string
	Value     string
	ReadValue string
	StartTime int64
	EndTime   int64
	NodeID    string
	Success   bool
}

// NewJepsenStyleChecker builds an empty checker.
func NewJepsenStyleChecker() *JepsenStyleChecker {
	return &JepsenStyleChecker{}
}

// RecordInvoke records the start of an operation and returns its ID.
func (j *JepsenStyleChecker) RecordInvoke(nodeID, opType, key, value string, startTime int64) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := int64(len(j.operations))
	j.operations = append(j.operations, JepsenOperation{
		ID: id, Type: "invoke", OpType: opType, Key: key, Value: value, StartTime: startTime, NodeID: nodeID,
	})
	return id
}

// RecordOk records successful completion of the operation named id.
func (j *JepsenStyleChecker) RecordOk(id int64, readValue string, endTime int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if id < 0 || id >= int64(len(j.operations)) {
		return
	}
	inv := j.operations[id]
	j.operations = append(j.operations, JepsenOperation{
		ID: id, Type: "ok", OpType: inv.OpType, Key: inv.Key, Value: inv.Value,
		ReadValue: readValue, EndTime: endTime, NodeID: inv.NodeID, Success: true,
	})
}

// RecordFail records failure of the operation named id.
func (j *JepsenStyleChecker) RecordFail(id int64, endTime int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if id < 0 || id >= int64(len(j.operations)) {
		return
	}
	inv := j.operations[id]
	j.operations = append(j.operations, JepsenOperation{
		ID: id, Type: "fail", OpType: inv.OpType, Key: inv.Key, EndTime: endTime, NodeID: inv.NodeID,
	})
}

// CheckLinearizability verifies that every recorded read returned a
// value some write actually produced.
func (j *JepsenStyleChecker) CheckLinearizability() (bool, []string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var issues []string
	invokes := make(map[int64]JepsenOperation)
	completes := make(map[int64]JepsenOperation)
	for _, op := range j.operations {
		switch op.Type {
		case "invoke":
			invokes[op.ID] = op
		case "ok", "fail":
			completes[op.ID] = op
		}
	}

	keyWrites := make(map[string][]JepsenOperation)
	for id, complete := range completes {
		invoke, ok := invokes[id]
		if !ok {
			continue
		}
		if invoke.OpType == "write" && complete.Success {
			keyWrites[invoke.Key] = append(keyWrites[invoke.Key], complete)
		}
	}

	for id, complete := range completes {
		invoke, ok := invokes[id]
		if !ok || invoke.OpType != "read" || !complete.Success || complete.ReadValue == "" {
			continue
		}
		found := false
		for _, write := range keyWrites[invoke.Key] {
			if write.Value == complete.ReadValue {
				found = true
				break
			}
		}
		if !found && len(keyWrites[invoke.Key]) > 0 {
			issues = append(issues, fmt.Sprintf(
				"read of key %s returned %s, but no write with that value found", invoke.Key, complete.ReadValue))
		}
	}

	return len(issues) == 0, issues
}

// GetOperations returns a copy of every recorded operation.
func (j *JepsenStyleChecker) GetOperations() []JepsenOperation {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JepsenOperation, len(j.operations))
	copy(out, j.operations)
	return out
}
