// Package command implements the serialized client-command pipeline
// of spec §4.3: a queue of per-submission futures, routing by command
// kind (leader-only writes, read-index reads, joint-consensus
// topology changes), and the seekConsensus primitive. Grounded on the
// teacher's pkg/raft/node.go (Submit/SubmitWithResult/Read/
// confirmLeadership/changeMembership) generalized from its five hard-
// coded command types to the full command.Kind set.
package command

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Kind is a client command's routing class (spec §4.3).
type Kind string

const (
	KindPut       Kind = "put"
	KindDelete    Kind = "delete"
	KindBatch     Kind = "batch"
	KindGet       Kind = "get"
	KindConsensus Kind = "consensus"
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindNoop      Kind = "noop"
)

// IsWrite reports whether this kind must be processed by the leader
// and replicated before it can be considered done (put/delete/batch,
// plus the topology and consensus kinds, all of which append a log
// entry). Only get is a pure read.
func (k Kind) IsWrite() bool {
	switch k {
	case KindPut, KindDelete, KindBatch, KindJoin, KindLeave, KindConsensus, KindNoop:
		return true
	default:
		return false
	}
}

// Command is the data-model entity of spec §3, carried as the opaque
// payload of a raftlog.Entry. ClientID/RequestID support the applier's
// fast-path dedup (SPEC_FULL §4.3); PeerID/PeerAddress serve
// join/leave; AlsoWaitFor serves consensus.
type Command struct {
	Kind  Kind
	Key   []byte
	Value []byte

	// Batch holds put/delete sub-commands for KindBatch; applied as a
	// single unit under one fencing index (SPEC_FULL §4.3).
	Batch []Command

	ClientID  string
	RequestID uint64

	// PeerID/PeerAddress identify the subject of a join/leave command.
	PeerID      string
	PeerAddress string

	// AlsoWaitFor names peer IDs a consensus command additionally
	// requires in the acknowledging set, beyond ordinary majority
	// (spec §9 Open Question resolution).
	AlsoWaitFor []string
}

// Encode serializes a Command for storage as a raftlog.Entry's
// opaque Command bytes.
func (c Command) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("command: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a Command previously produced by Encode.
func Decode(data []byte) (Command, error) {
	var c Command
	if len(data) == 0 {
		return Command{Kind: KindNoop}, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return Command{}, fmt.Errorf("command: decode: %w", err)
	}
	return c, nil
}

// Result is what a submission resolves to: a value for get, or
// nothing (Found is meaningless) for put/delete/batch/consensus/join/
// leave, whose success is the absence of an error.
type Result struct {
	Value []byte
	Found bool
	Index uint64
}

func clientKey(clientID string, requestID uint64) string {
	return fmt.Sprintf("%s:%d", clientID, requestID)
}
