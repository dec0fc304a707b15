package apply

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreraft/raftkv/pkg/command"
	"github.com/coreraft/raftkv/pkg/raftlog"
	"github.com/coreraft/raftkv/pkg/store/memstore"
)

type fakeCompleter struct {
	results map[uint64]command.Result
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{results: make(map[uint64]command.Result)}
}

func (f *fakeCompleter) Complete(index uint64, result command.Result) {
	f.results[index] = result
}

func encode(t *testing.T, cmd command.Command) []byte {
	t.Helper()
	data, err := cmd.Encode()
	require.NoError(t, err)
	return data
}

func TestApplyPutThenGetVisible(t *testing.T) {
	engine := memstore.New()
	completer := newFakeCompleter()
	a := New(engine, completer, nil)

	err := a.Apply(raftlog.Entry{Index: 1, Term: 1, Command: encode(t, command.Command{
		Kind: command.KindPut, Key: []byte("a"), Value: []byte("1"),
	})})
	require.NoError(t, err)

	v, found := engine.Get([]byte("a"))
	require.True(t, found)
	assert.Equal(t, []byte("1"), v)
	assert.Contains(t, completer.results, uint64(1))
	assert.Equal(t, uint64(1), a.AppliedIndex())
}

func TestApplyDelete(t *testing.T) {
	engine := memstore.New()
	require.NoError(t, engine.Put([]byte("a"), []byte("1")))
	a := New(engine, newFakeCompleter(), nil)

	err := a.Apply(raftlog.Entry{Index: 1, Term: 1, Command: encode(t, command.Command{
		Kind: command.KindDelete, Key: []byte("a"),
	})})
	require.NoError(t, err)

	_, found := engine.Get([]byte("a"))
	assert.False(t, found)
}

func TestApplyBatchAppliesAllSubCommands(t *testing.T) {
	engine := memstore.New()
	a := New(engine, newFakeCompleter(), nil)

	err := a.Apply(raftlog.Entry{Index: 1, Term: 1, Command: encode(t, command.Command{
		Kind: command.KindBatch,
		Batch: []command.Command{
			{Kind: command.KindPut, Key: []byte("a"), Value: []byte("1")},
			{Kind: command.KindPut, Key: []byte("b"), Value: []byte("2")},
		},
	})})
	require.NoError(t, err)

	v, _ := engine.Get([]byte("a"))
	assert.Equal(t, []byte("1"), v)
	v, _ = engine.Get([]byte("b"))
	assert.Equal(t, []byte("2"), v)
}

func TestApplyNoopEntryResolvesWithoutMutation(t *testing.T) {
	engine := memstore.New()
	completer := newFakeCompleter()
	a := New(engine, completer, nil)

	err := a.Apply(raftlog.Entry{Index: 1, Term: 1, Command: nil})
	require.NoError(t, err)
	assert.Contains(t, completer.results, uint64(1))
	assert.Equal(t, 0, engine.Len())
}

func TestApplyIsIdempotentOnReplayedIndex(t *testing.T) {
	engine := memstore.New()
	a := New(engine, newFakeCompleter(), nil)

	cmd := command.Command{Kind: command.KindPut, Key: []byte("a"), Value: []byte("1")}
	require.NoError(t, a.Apply(raftlog.Entry{Index: 1, Term: 1, Command: encode(t, cmd)}))
	require.NoError(t, a.Apply(raftlog.Entry{Index: 2, Term: 1, Command: encode(t, command.Command{
		Kind: command.KindPut, Key: []byte("a"), Value: []byte("2"),
	})}))

	// Replaying index 1 (e.g. after a crash restart re-commits the
	// same prefix) must not roll "a" back to "1".
	require.NoError(t, a.Apply(raftlog.Entry{Index: 1, Term: 1, Command: encode(t, cmd)}))

	v, _ := engine.Get([]byte("a"))
	assert.Equal(t, []byte("2"), v)
}

func TestApplyDedupsRetriedClientRequest(t *testing.T) {
	engine := memstore.New()
	completer := newFakeCompleter()
	a := New(engine, completer, nil)

	cmd := command.Command{Kind: command.KindPut, Key: []byte("a"), Value: []byte("1"), ClientID: "c1", RequestID: 1}
	require.NoError(t, a.Apply(raftlog.Entry{Index: 1, Term: 1, Command: encode(t, cmd)}))
	require.NoError(t, a.Apply(raftlog.Entry{Index: 2, Term: 1, Command: encode(t, command.Command{
		Kind: command.KindPut, Key: []byte("a"), Value: []byte("2"), ClientID: "c1", RequestID: 1,
	})}))

	v, _ := engine.Get([]byte("a"))
	assert.Equal(t, []byte("1"), v, "a retried request with the same RequestID must not re-mutate the store")
	assert.Contains(t, completer.results, uint64(2), "the retry's future must still resolve")
}
