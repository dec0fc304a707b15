package raftlog

import (
	"errors"
	"testing"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(NopPersister{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestAppendAssignsSequentialIndices(t *testing.T) {
	l := newTestLog(t)
	e1, err := l.Append(1, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Append(1, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if e1.Index != 1 || e2.Index != 2 {
		t.Fatalf("indices = %d, %d, want 1, 2", e1.Index, e2.Index)
	}
	if l.LastIndex() != 2 || l.LastTerm() != 1 {
		t.Errorf("LastIndex/LastTerm = %d/%d, want 2/1", l.LastIndex(), l.LastTerm())
	}
}

func TestAppendAfterExtendsMatchingLog(t *testing.T) {
	l := newTestLog(t)
	l.Append(1, []byte("a"))

	ok, hint := l.AppendAfter(1, 1, []Entry{{Index: 2, Term: 1, Command: []byte("b")}})
	if !ok {
		t.Fatalf("AppendAfter rejected: %+v", hint)
	}
	if l.LastIndex() != 2 {
		t.Errorf("LastIndex = %d, want 2", l.LastIndex())
	}
}

func TestAppendAfterTruncatesConflictingSuffix(t *testing.T) {
	l := newTestLog(t)
	l.Append(1, []byte("a"))
	l.Append(1, []byte("b"))
	l.Append(1, []byte("c"))

	ok, hint := l.AppendAfter(1, 1, []Entry{{Index: 2, Term: 2, Command: []byte("b2")}})
	if !ok {
		t.Fatalf("AppendAfter rejected: %+v", hint)
	}
	if l.LastIndex() != 2 {
		t.Fatalf("LastIndex = %d, want 2 after truncation", l.LastIndex())
	}
	term, ok := l.Term(2)
	if !ok || term != 2 {
		t.Errorf("Term(2) = %d, %v, want 2, true", term, ok)
	}
}

func TestAppendAfterRejectsOnPrevTermMismatch(t *testing.T) {
	l := newTestLog(t)
	l.Append(1, []byte("a"))
	l.Append(2, []byte("b"))

	ok, hint := l.AppendAfter(2, 1, []Entry{{Index: 3, Term: 2, Command: []byte("c")}})
	if ok {
		t.Fatal("expected rejection on prevTerm mismatch")
	}
	if hint.Term != 2 || hint.Index != 2 {
		t.Errorf("hint = %+v, want {Index:2 Term:2}", hint)
	}
}

func TestAppendAfterRejectsWhenLogTooShort(t *testing.T) {
	l := newTestLog(t)
	l.Append(1, []byte("a"))

	ok, hint := l.AppendAfter(5, 1, nil)
	if ok {
		t.Fatal("expected rejection when prevIndex beyond log tail")
	}
	if hint.Index != 2 {
		t.Errorf("hint.Index = %d, want 2 (one past our tail)", hint.Index)
	}
}

func TestCommitAppliesInOrderAndStopsOnError(t *testing.T) {
	l := newTestLog(t)
	l.Append(1, []byte("a"))
	l.Append(1, []byte("b"))
	l.Append(1, []byte("c"))
	l.SetCommitIndex(3)

	var applied []uint64
	err := l.Commit(3, func(e Entry) error {
		applied = append(applied, e.Index)
		if e.Index == 2 {
			return errBoom
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected error from apply at index 2")
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %v, want [1 2]", applied)
	}
	if l.LastApplied() != 1 {
		t.Errorf("LastApplied = %d, want 1 (stopped before failed entry)", l.LastApplied())
	}
}

func TestSnapshotCompactsPrefix(t *testing.T) {
	l := newTestLog(t)
	l.Append(1, []byte("a"))
	l.Append(1, []byte("b"))
	l.Append(2, []byte("c"))
	l.SetCommitIndex(3)
	l.Commit(3, func(Entry) error { return nil })

	if err := l.Snapshot(2, []byte("state-at-2")); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	idx, term := l.SnapshotBoundary()
	if idx != 2 || term != 1 {
		t.Errorf("SnapshotBoundary = %d/%d, want 2/1", idx, term)
	}
	if _, ok := l.Term(1); ok {
		t.Error("entry 1 should no longer be retained")
	}
	if l.Retained() != 2 { // sentinel + entry 3
		t.Errorf("Retained() = %d, want 2", l.Retained())
	}
}

func TestIsUpToDate(t *testing.T) {
	l := newTestLog(t)
	l.Append(1, []byte("a"))
	l.Append(2, []byte("b"))

	if !l.IsUpToDate(2, 2) {
		t.Error("equal term/index should be up to date")
	}
	if !l.IsUpToDate(3, 1) {
		t.Error("higher term should be up to date regardless of index")
	}
	if l.IsUpToDate(2, 1) {
		t.Error("same term, lower index should not be up to date")
	}
	if l.IsUpToDate(1, 5) {
		t.Error("lower term should never be up to date")
	}
}

var errBoom = errors.New("boom")
