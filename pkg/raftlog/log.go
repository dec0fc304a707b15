// Package raftlog implements the replicated, append-only command log:
// term/index invariants, leader append, follower conflict detection
// and truncation, and snapshot-based compaction (spec §4.2).
package raftlog

import (
	"fmt"
	"sync"
)

// Entry is a single log entry. Index is strictly monotonic from
// snapshotLastIndex+1; Command is an opaque, already-encoded command
// payload (the pipeline layer owns its shape).
type Entry struct {
	Term    uint64
	Index   uint64
	Command []byte
}

// Persister is the durability hook a Log uses for every mutation that
// must survive a crash: the full entry slice plus the snapshot
// boundary. Grounded on the teacher's pkg/wal/wal.go Save/AppendEntries
// pair; kept here as a narrow interface so tests can run against an
// in-memory no-op.
type Persister interface {
	SaveEntries(entries []Entry) error
	SaveSnapshot(lastIndex, lastTerm uint64, data []byte) error
	LoadEntries() ([]Entry, error)
	LoadSnapshot() (lastIndex, lastTerm uint64, data []byte, ok bool, err error)
}

// NopPersister discards everything; used for volatile nodes and
// tests that don't care about restart durability.
type NopPersister struct{}

func (NopPersister) SaveEntries([]Entry) error { return nil }
func (NopPersister) SaveSnapshot(uint64, uint64, []byte) error { return nil }
func (NopPersister) LoadEntries() ([]Entry, error) { return nil, nil }
func (NopPersister) LoadSnapshot() (uint64, uint64, []byte, bool, error) {
	return 0, 0, nil, false, nil
}

// ConflictHint is returned by AppendAfter on rejection, letting the
// leader back off in O(terms) rather than O(entries) per spec §4.1.
type ConflictHint struct {
	// Index is the first index of the conflicting term (or the log's
	// length, if the follower's log is simply too short).
	Index uint64
	// Term is the term of the conflicting entry at PrevIndex, or 0 if
	// the follower's log was too short to have an entry there at all.
	Term uint64
}

// Log is the append-only entry store plus snapshot prefix.
type Log struct {
	mu sync.RWMutex

	// entries[0] is always a sentinel: {Index: snapshotLastIndex,
	// Term: snapshotLastTerm}. Real entries start at entries[1].
	entries []Entry

	commitIndex uint64
	lastApplied uint64

	persist Persister
}

// Open constructs a Log, restoring from the given Persister if it has
// prior state.
func Open(p Persister) (*Log, error) {
	l := &Log{persist: p}

	lastIdx, lastTerm, _, ok, err := p.LoadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("raftlog: load snapshot: %w", err)
	}
	if ok {
		l.entries = []Entry{{Index: lastIdx, Term: lastTerm}}
		l.commitIndex = lastIdx
		l.lastApplied = lastIdx
	} else {
		l.entries = []Entry{{Index: 0, Term: 0}}
	}

	stored, err := p.LoadEntries()
	if err != nil {
		return nil, fmt.Errorf("raftlog: load entries: %w", err)
	}
	if len(stored) > 0 {
		l.entries = stored
	}

	return l, nil
}

func (l *Log) arrayIndex(index uint64) int {
	base := l.entries[0].Index
	if index < base {
		return -1
	}
	idx := int(index - base)
	if idx >= len(l.entries) {
		return -1
	}
	return idx
}

// LastIndex returns the index of the last entry (sentinel if empty).
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Index
}

// LastTerm returns the term of the last entry.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Term
}

// Term returns the term stored at index, if still retained.
func (l *Log) Term(index uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.arrayIndex(index)
	if i < 0 {
		return 0, false
	}
	return l.entries[i].Term, true
}

// SnapshotBoundary returns the log's current (snapshotLastIndex,
// snapshotLastTerm) sentinel.
func (l *Log) SnapshotBoundary() (uint64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[0].Index, l.entries[0].Term
}

// Append assigns the next index and appends a leader-originated entry.
// Leader-only: callers must hold the role-level lock that serializes
// term/role decisions, since Append does not itself check leadership.
func (l *Log) Append(term uint64, command []byte) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Term:    term,
		Index:   l.entries[len(l.entries)-1].Index + 1,
		Command: command,
	}
	l.entries = append(l.entries, entry)

	if err := l.persist.SaveEntries(l.entries); err != nil {
		return Entry{}, fmt.Errorf("raftlog: persist append: %w", err)
	}
	return entry, nil
}

// AppendAfter is the follower-side AppendEntries handler's log
// operation: verify prevIndex/prevTerm, truncate any conflicting
// suffix, and append the new entries idempotently (entries whose
// term already matches at that index are left untouched, matching
// spec §4.1's "truncate any suffix that conflicts... append the rest
// idempotently").
func (l *Log) AppendAfter(prevIndex, prevTerm uint64, newEntries []Entry) (ok bool, hint ConflictHint) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prevIndex > 0 {
		i := l.arrayIndex(prevIndex)
		if i < 0 {
			// Log too short (or prevIndex predates our snapshot and we
			// can't verify it — treat as "ahead of us", ask for
			// everything from our current tail).
			lastIdx := l.entries[len(l.entries)-1].Index
			return false, ConflictHint{Index: lastIdx + 1, Term: 0}
		}
		if l.entries[i].Term != prevTerm {
			conflictTerm := l.entries[i].Term
			firstOfTerm := l.entries[i].Index
			for j := i; j >= 0; j-- {
				if l.entries[j].Term != conflictTerm {
					break
				}
				firstOfTerm = l.entries[j].Index
			}
			return false, ConflictHint{Index: firstOfTerm, Term: conflictTerm}
		}
	}

	for i, e := range newEntries {
		idx := prevIndex + 1 + uint64(i)
		ai := l.arrayIndex(idx)
		switch {
		case ai < 0 && idx > l.entries[len(l.entries)-1].Index:
			l.entries = append(l.entries, e)
		case ai < 0:
			// idx predates our retained prefix; nothing to do, already
			// covered by a snapshot.
		case l.entries[ai].Term != e.Term:
			l.entries = l.entries[:ai]
			l.entries = append(l.entries, e)
		default:
			// identical entry already present; idempotent no-op.
		}
	}

	if err := l.persist.SaveEntries(l.entries); err != nil {
		return false, ConflictHint{}
	}
	return true, ConflictHint{}
}

// EntriesFrom returns entries starting at idx, stopping once the
// accumulated command bytes would exceed maxBytes (0 means
// unlimited). Used to build AppendEntries request bodies.
func (l *Log) EntriesFrom(idx uint64, maxBytes int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ai := l.arrayIndex(idx)
	if ai < 0 {
		return nil
	}

	var out []Entry
	total := 0
	for _, e := range l.entries[ai:] {
		if maxBytes > 0 && total+len(e.Command) > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, e)
		total += len(e.Command)
	}
	return out
}

// TruncateSuffixAfter discards every entry with index > idx.
func (l *Log) TruncateSuffixAfter(idx uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ai := l.arrayIndex(idx)
	if ai < 0 {
		return nil
	}
	l.entries = l.entries[:ai+1]
	return l.persist.SaveEntries(l.entries)
}

// SetCommitIndex advances the commit index (monotonically; spec
// invariant commitIndex <= lastLogIndex is the caller's
// responsibility to uphold before calling this).
func (l *Log) SetCommitIndex(idx uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx > l.commitIndex {
		l.commitIndex = idx
	}
}

// CommitIndex returns the current commit index.
func (l *Log) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commitIndex
}

// LastApplied returns the highest index applied to the database.
func (l *Log) LastApplied() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastApplied
}

// Commit invokes apply for every entry in (lastApplied, upTo], in
// order, advancing lastApplied only after a successful application
// (spec §4.2's commit contract). It stops at the first apply error,
// leaving lastApplied at the last successfully applied index so a
// retry resumes correctly.
func (l *Log) Commit(upTo uint64, apply func(Entry) error) error {
	for {
		l.mu.Lock()
		if l.lastApplied >= upTo || l.lastApplied >= l.commitIndex {
			l.mu.Unlock()
			return nil
		}
		next := l.lastApplied + 1
		ai := l.arrayIndex(next)
		if ai < 0 {
			l.mu.Unlock()
			return fmt.Errorf("raftlog: entry %d not retained (compacted)", next)
		}
		entry := l.entries[ai]
		l.mu.Unlock()

		if err := apply(entry); err != nil {
			return fmt.Errorf("raftlog: apply %d: %w", next, err)
		}

		l.mu.Lock()
		l.lastApplied = next
		l.mu.Unlock()
	}
}

// Snapshot replaces the retained prefix through throughIdx with a
// single sentinel entry, keeping only the term (per spec §4.2, "the
// entry at snapshotLastIndex remains as a sentinel... to allow
// AppendEntries consistency checks"). stateBytes is handed to the
// persister as the snapshot blob.
func (l *Log) Snapshot(throughIdx uint64, stateBytes []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ai := l.arrayIndex(throughIdx)
	if ai <= 0 {
		return nil // nothing to compact, or already compacted past this point
	}
	term := l.entries[ai].Term

	l.entries = append([]Entry{{Index: throughIdx, Term: term}}, l.entries[ai+1:]...)

	if err := l.persist.SaveSnapshot(throughIdx, term, stateBytes); err != nil {
		return fmt.Errorf("raftlog: persist snapshot: %w", err)
	}
	return l.persist.SaveEntries(l.entries)
}

// RestoreFromSnapshot re-anchors the log at (lastIndex, lastTerm)
// after receiving an InstallSnapshot RPC, discarding every retained
// entry (the snapshot already reflects everything up to and including
// lastIndex).
func (l *Log) RestoreFromSnapshot(lastIndex, lastTerm uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = []Entry{{Index: lastIndex, Term: lastTerm}}
	if lastIndex > l.commitIndex {
		l.commitIndex = lastIndex
	}
	if lastIndex > l.lastApplied {
		l.lastApplied = lastIndex
	}
	return l.persist.SaveEntries(l.entries)
}

// NeedsCompaction reports whether lastApplied has drifted far enough
// ahead of the snapshot boundary to warrant a new snapshot, per spec
// §4.2's maxLogRetention policy.
func (l *Log) NeedsCompaction(maxLogRetention int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.lastApplied-l.entries[0].Index) > maxLogRetention
}

// Retained returns the number of entries retained, including the
// sentinel.
func (l *Log) Retained() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// IsUpToDate reports whether a candidate's (lastLogTerm, lastLogIndex)
// is at least as up-to-date as this log's, per spec §4.1's
// RequestVote rule.
func (l *Log) IsUpToDate(candidateLastTerm, candidateLastIndex uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	myTerm := l.entries[len(l.entries)-1].Term
	myIndex := l.entries[len(l.entries)-1].Index
	if candidateLastTerm != myTerm {
		return candidateLastTerm > myTerm
	}
	return candidateLastIndex >= myIndex
}
