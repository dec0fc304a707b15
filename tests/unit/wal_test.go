// Grounded on the teacher's tests/unit/wal_test.go (pkg/wal durability
// round trips). pkg/raftlog/persist_test.go already covers
// FilePersister in isolation; this file instead drives raftlog.Log
// itself across a simulated restart — Open, Append, close, reopen —
// the combination pkg/node.New relies on for crash recovery
// (SPEC_FULL §4).
package unit

import (
	"testing"

	"github.com/coreraft/raftkv/pkg/raftlog"
)

func TestLogSurvivesRestartWithFilePersister(t *testing.T) {
	dir := t.TempDir()

	persister, err := raftlog.OpenFilePersister(dir)
	if err != nil {
		t.Fatalf("open persister: %v", err)
	}
	log, err := raftlog.Open(persister)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := log.Append(1, []byte{byte(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := persister.Close(); err != nil {
		t.Fatalf("close persister: %v", err)
	}

	reopened, err := raftlog.OpenFilePersister(dir)
	if err != nil {
		t.Fatalf("reopen persister: %v", err)
	}
	defer reopened.Close()
	restoredLog, err := raftlog.Open(reopened)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}

	if restoredLog.LastIndex() != 5 {
		t.Fatalf("expected last index 5 after restart, got %d", restoredLog.LastIndex())
	}
	entries := restoredLog.EntriesFrom(1, 1<<20)
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries after restart, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Command[0] != byte(i) {
			t.Errorf("entry %d: command mismatch, got %v", i, e.Command)
		}
	}
}

func TestLogSnapshotCompactionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	persister, err := raftlog.OpenFilePersister(dir)
	if err != nil {
		t.Fatalf("open persister: %v", err)
	}
	log, err := raftlog.Open(persister)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := log.Append(1, []byte{byte(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	log.SetCommitIndex(10)
	if err := log.Snapshot(7, []byte("snapshot-state")); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := persister.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := raftlog.OpenFilePersister(dir)
	if err != nil {
		t.Fatalf("reopen persister: %v", err)
	}
	defer reopened.Close()
	restoredLog, err := raftlog.Open(reopened)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}

	boundaryIdx, boundaryTerm := restoredLog.SnapshotBoundary()
	if boundaryIdx != 7 || boundaryTerm != 1 {
		t.Errorf("expected snapshot boundary (7,1), got (%d,%d)", boundaryIdx, boundaryTerm)
	}
	if restoredLog.LastIndex() != 10 {
		t.Errorf("expected entries after the boundary retained, last index = %d", restoredLog.LastIndex())
	}
	remaining := restoredLog.EntriesFrom(8, 1<<20)
	if len(remaining) != 3 {
		t.Errorf("expected 3 entries retained past the snapshot boundary, got %d", len(remaining))
	}
}
