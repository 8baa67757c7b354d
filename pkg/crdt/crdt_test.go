package crdt_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/crdt"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/store"
)

const doc = "notes"

func replica(id string, p crdt.Persister) *crdt.Engine {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return crdt.New(crdt.Options{LocalID: id, Persister: p, Now: func() time.Time { return at }, Logger: zap.NewNop()})
}

func mustOp(t *testing.T) func(crdt.Operation, error) crdt.Operation {
	return func(op crdt.Operation, err error) crdt.Operation {
		t.Helper()
		require.NoError(t, err)
		return op
	}
}

func materialized(t *testing.T, e *crdt.Engine) map[string]any {
	t.Helper()
	s, err := e.Materialize(doc)
	require.NoError(t, err)
	return s.AsMap()
}

func TestLocalMutationAdvancesClocks(t *testing.T) {
	a := replica("node-a", nil)
	op1 := mustOp(t)(a.Insert(doc, []string{"title"}, "hello"))
	op2 := mustOp(t)(a.Update(doc, []string{"title"}, "hello world"))

	assert.Equal(t, crdt.Lamport{Counter: 1, PeerID: "node-a"}, op1.Timestamp)
	assert.Equal(t, crdt.VectorClock{"node-a": 1}, op1.Clock)
	assert.Equal(t, uint64(2), op2.Timestamp.Counter)
	assert.Equal(t, crdt.VectorClock{"node-a": 2}, op2.Clock)
	assert.Equal(t, crdt.VectorClock{"node-a": 2}, a.Clock(doc))

	info, err := a.Info(doc)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Operations)
	assert.Equal(t, op2.Timestamp, info.LastModified)
	assert.EqualValues(t, 2, info.Version)
	assert.Equal(t, map[string]any{"title": "hello world"}, materialized(t, a))

	_, err = a.Move(doc, []string{"title"}, nil)
	assert.ErrorIs(t, err, crdt.ErrInvalidOperation)
	_, err = a.Insert(doc, nil, 1)
	assert.ErrorIs(t, err, crdt.ErrInvalidOperation)
	assert.Equal(t, crdt.VectorClock{"node-a": 2}, a.Clock(doc), "rejected ops leave the clock alone")
}

func TestMergeIsIdempotent(t *testing.T) {
	a, b := replica("node-a", nil), replica("node-b", nil)
	op := mustOp(t)(a.Insert(doc, []string{"count"}, 3))

	r, err := b.Merge(doc, op)
	require.NoError(t, err)
	assert.True(t, r.Merged)
	once := materialized(t, b)

	r, err = b.Merge(doc, op)
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
	assert.Equal(t, once, materialized(t, b))
	assert.Len(t, b.Operations(doc), 1)
	assert.EqualValues(t, 1, b.Counters().Duplicates)

	_, err = b.Merge(doc, crdt.Operation{Type: crdt.OpInsert, Path: []string{"x"}})
	assert.ErrorIs(t, err, crdt.ErrInvalidOperation)
}

func TestConvergesInAnyDeliveryOrder(t *testing.T) {
	src := replica("node-a", nil)
	other := replica("node-c", nil)
	ops := []crdt.Operation{
		mustOp(t)(src.Insert(doc, []string{"profile", "name"}, "ann")),
		mustOp(t)(src.Update(doc, []string{"profile", "name"}, "anna")),
		mustOp(t)(src.Insert(doc, []string{"profile", "age"}, 31)),
		mustOp(t)(other.Insert(doc, []string{"tags"}, []any{"x", "y"})),
		mustOp(t)(src.Delete(doc, []string{"profile", "age"})),
	}

	forward, backward := replica("r1", nil), replica("r2", nil)
	for _, op := range ops {
		r, err := forward.Merge(doc, op)
		require.NoError(t, err)
		require.True(t, r.Merged)
	}
	for i := len(ops) - 1; i >= 0; i-- {
		r, err := backward.Merge(doc, ops[i])
		require.NoError(t, err)
		require.True(t, r.Merged, "op %d", i)
	}

	f, err := forward.Materialize(doc)
	require.NoError(t, err)
	g, err := backward.Materialize(doc)
	require.NoError(t, err)
	assert.True(t, proto.Equal(f, g))
	assert.Equal(t, map[string]any{
		"profile": map[string]any{"name": "anna"},
		"tags":    []any{"x", "y"},
	}, f.AsMap())
	assert.Equal(t, forward.Clock(doc), backward.Clock(doc))
}

func TestConcurrentInsertsConflictAndResolveToOneWinner(t *testing.T) {
	a, b := replica("node-a", nil), replica("node-b", nil)
	opA := mustOp(t)(a.Insert(doc, []string{"status"}, "from a"))
	opB := mustOp(t)(b.Insert(doc, []string{"status"}, "from b"))

	resA := a.Sync(doc, "node-b", []crdt.Operation{opB}, b.Clock(doc))
	resB := b.Sync(doc, "node-a", []crdt.Operation{opA}, a.Clock(doc))
	require.Len(t, resA.Conflicts, 1)
	require.Len(t, resB.Conflicts, 1)
	assert.Zero(t, resA.Merged)
	assert.Len(t, a.Operations(doc), 1, "conflicting op is not merged")
	st, ok := a.SyncState(doc, "node-b")
	require.True(t, ok)
	assert.EqualValues(t, 1, st.Conflicts)

	for _, e := range []*crdt.Engine{a, b} {
		res := e.ResolveConflicts(doc)
		require.Len(t, res, 1)
		assert.Equal(t, opB.ID, res[0].Winner.ID, "equal counters: greater peer id wins")
		require.Len(t, res[0].Losers, 1)
		assert.Equal(t, opA.ID, res[0].Losers[0].ID)
		assert.Empty(t, e.Conflicts(doc))
		assert.Equal(t, map[string]any{"status": "from b"}, materialized(t, e))
		assert.Len(t, e.Operations(doc), 2)
	}

	// Re-delivery after resolution changes nothing.
	r, err := a.Merge(doc, opA)
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
	r, err = a.Merge(doc, opB)
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
	assert.Equal(t, a.Clock(doc), b.Clock(doc))
}

func permutations(ops []crdt.Operation) [][]crdt.Operation {
	if len(ops) <= 1 {
		return [][]crdt.Operation{append([]crdt.Operation(nil), ops...)}
	}
	var out [][]crdt.Operation
	for i := range ops {
		rest := make([]crdt.Operation, 0, len(ops)-1)
		rest = append(rest, ops[:i]...)
		rest = append(rest, ops[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]crdt.Operation{ops[i]}, p...))
		}
	}
	return out
}

func TestOverlappingConflictsResolveInAnyDeliveryOrder(t *testing.T) {
	a, b, c := replica("node-a", nil), replica("node-b", nil), replica("node-c", nil)
	ops := []crdt.Operation{
		mustOp(t)(a.Insert(doc, []string{"a"}, "x")),
		mustOp(t)(b.Insert(doc, []string{"a", "b"}, "y")),
		mustOp(t)(c.Insert(doc, []string{"a", "c"}, "z")),
		mustOp(t)(a.Insert(doc, []string{"q"}, "w")),
		mustOp(t)(b.Insert(doc, []string{"s"}, "from b")),
		mustOp(t)(c.Insert(doc, []string{"s"}, "from c")),
	}

	var want map[string]any
	var wantClock crdt.VectorClock
	for i, order := range permutations(ops) {
		r := replica("r", nil)
		for _, op := range order {
			_, err := r.Merge(doc, op)
			require.NoError(t, err)
		}
		res := r.ResolveConflicts(doc)
		require.Len(t, res, 2, "order %d", i)
		assert.Equal(t, []string{"a"}, res[0].Path)
		assert.Equal(t, ops[2].ID, res[0].Winner.ID, "order %d", i)
		assert.Len(t, res[0].Losers, 2)
		assert.Equal(t, []string{"s"}, res[1].Path)
		assert.Equal(t, ops[5].ID, res[1].Winner.ID)

		got := materialized(t, r)
		if want == nil {
			want, wantClock = got, r.Clock(doc)
			continue
		}
		require.Equal(t, want, got, "order %d", i)
		require.Equal(t, wantClock, r.Clock(doc), "order %d", i)
	}
	assert.Equal(t, map[string]any{
		"a": map[string]any{"c": "z"},
		"q": "w",
		"s": "from c",
	}, want)
	assert.Equal(t, crdt.VectorClock{"node-a": 2, "node-b": 2, "node-c": 2}, wantClock)
}

func TestHeldOperationsJoinLaterConflicts(t *testing.T) {
	a, b, c := replica("node-a", nil), replica("node-b", nil), replica("node-c", nil)
	x := mustOp(t)(a.Insert(doc, []string{"p", "b"}, 1))
	y := mustOp(t)(b.Insert(doc, []string{"p"}, 2))
	w := mustOp(t)(c.Insert(doc, []string{"p", "c"}, 3))

	r := replica("r", nil)
	_, err := r.Merge(doc, x)
	require.NoError(t, err)
	res, err := r.Merge(doc, y)
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	// w does not overlap x, but it overlaps the held y.
	res, err = r.Merge(doc, w)
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, []crdt.Operation{y}, res.Conflict.Existing)

	out := r.ResolveConflicts(doc)
	require.Len(t, out, 1)
	assert.Equal(t, w.ID, out[0].Winner.ID)
	assert.Equal(t, map[string]any{"p": map[string]any{"c": float64(3)}}, materialized(t, r))
}

func TestHigherLamportWinsConflict(t *testing.T) {
	a, b := replica("node-z", nil), replica("node-b", nil)
	mustOp(t)(b.Insert(doc, []string{"other"}, 1))
	mustOp(t)(b.Insert(doc, []string{"other2"}, 2))
	late := mustOp(t)(b.Insert(doc, []string{"k"}, "b"))
	early := mustOp(t)(a.Insert(doc, []string{"k"}, "z"))

	r, err := a.Merge(doc, late)
	require.NoError(t, err)
	require.NotNil(t, r.Conflict)
	res := a.ResolveConflicts(doc)
	require.Len(t, res, 1)
	assert.Equal(t, late.ID, res[0].Winner.ID)
	assert.Equal(t, early.ID, res[0].Losers[0].ID)
}

func TestPathPrefixConflict(t *testing.T) {
	a, b := replica("node-a", nil), replica("node-b", nil)
	parent := mustOp(t)(a.Delete(doc, []string{"profile"}))
	child := mustOp(t)(b.Insert(doc, []string{"profile", "name"}, "bo"))

	r, err := a.Merge(doc, child)
	require.NoError(t, err)
	require.NotNil(t, r.Conflict)
	assert.Equal(t, []crdt.Operation{parent}, r.Conflict.Existing)

	r, err = b.Merge(doc, parent)
	require.NoError(t, err)
	require.NotNil(t, r.Conflict, "overlap is detected from either side")

	// Causally later ops on the same path do not conflict.
	after, err := a.Update(doc, []string{"profile"}, map[string]any{"name": "al"})
	require.NoError(t, err)
	c := replica("node-c", nil)
	_, err = c.Merge(doc, parent)
	require.NoError(t, err)
	r, err = c.Merge(doc, after)
	require.NoError(t, err)
	assert.True(t, r.Merged)
	assert.Equal(t, map[string]any{"profile": map[string]any{"name": "al"}}, materialized(t, c))
}

func TestMoveAndTombstones(t *testing.T) {
	a := replica("node-a", nil)
	mustOp(t)(a.Insert(doc, []string{"profile", "name"}, "ann"))
	mustOp(t)(a.Insert(doc, []string{"profile", "age"}, 3))
	mustOp(t)(a.Move(doc, []string{"profile"}, []string{"user"}))
	mustOp(t)(a.Delete(doc, []string{"user", "age"}))
	mustOp(t)(a.Move(doc, []string{"missing"}, []string{"elsewhere"}))

	assert.Equal(t, map[string]any{"user": map[string]any{"name": "ann"}}, materialized(t, a))
	assert.Len(t, a.Operations(doc), 5, "deletes stay in the log")
}

func TestIsOperationNewer(t *testing.T) {
	op := crdt.Operation{Clock: crdt.VectorClock{"a": 2, "b": 3}}
	assert.True(t, crdt.IsOperationNewer(op, crdt.VectorClock{"a": 1, "b": 2}))
	assert.True(t, crdt.IsOperationNewer(op, crdt.VectorClock{}))
	assert.False(t, crdt.IsOperationNewer(op, crdt.VectorClock{"a": 2, "b": 1}))
	assert.False(t, crdt.IsOperationNewer(op, crdt.VectorClock{"b": 5}))
	assert.True(t, crdt.IsOperationNewer(crdt.Operation{}, crdt.VectorClock{"a": 9}))
}

func TestVectorClockCompare(t *testing.T) {
	cases := []struct {
		a, b crdt.VectorClock
		want crdt.Ordering
	}{
		{crdt.VectorClock{"a": 1}, crdt.VectorClock{"a": 1}, crdt.Equal},
		{crdt.VectorClock{"a": 1}, crdt.VectorClock{"a": 2}, crdt.Before},
		{crdt.VectorClock{"a": 2, "b": 1}, crdt.VectorClock{"a": 2}, crdt.After},
		{crdt.VectorClock{"a": 1}, crdt.VectorClock{"b": 1}, crdt.Concurrent},
		{crdt.VectorClock{}, crdt.VectorClock{"b": 0}, crdt.Equal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.a.Compare(c.b), "%v vs %v", c.a, c.b)
	}
	assert.True(t, crdt.IsConcurrent(crdt.VectorClock{"a": 1}, crdt.VectorClock{"b": 1}))
	assert.False(t, crdt.IsConcurrent(crdt.VectorClock{"a": 1}, crdt.VectorClock{"a": 2}))
	assert.True(t, crdt.Lamport{Counter: 2, PeerID: "a"}.Before(crdt.Lamport{Counter: 2, PeerID: "b"}))
	assert.True(t, crdt.Lamport{Counter: 1, PeerID: "z"}.Before(crdt.Lamport{Counter: 2, PeerID: "a"}))
}

func TestSyncHandshakeOverWire(t *testing.T) {
	a, b := replica("node-a", nil), replica("node-b", nil)
	mustOp(t)(a.Insert(doc, []string{"a1"}, "x"))
	mustOp(t)(a.Insert(doc, []string{"a2"}, "y"))
	mustOp(t)(b.Insert(doc, []string{"b1"}, "z"))

	raw, err := crdt.EncodeRequest(crdt.SyncRequest{DocumentID: doc, Clock: a.Clock(doc), Operations: a.Pending(doc, "node-b")})
	require.NoError(t, err)
	req, err := crdt.DecodeRequest(raw)
	require.NoError(t, err)
	require.Len(t, req.Operations, 2)

	res := b.Sync(req.DocumentID, "node-a", req.Operations, req.Clock)
	assert.Equal(t, 2, res.Merged)
	require.Len(t, res.ToPull, 1)

	raw, err = crdt.EncodeResponse(crdt.SyncResponse{DocumentID: doc, Clock: res.Clock, Operations: res.ToPull})
	require.NoError(t, err)
	resp, err := crdt.DecodeResponse(raw)
	require.NoError(t, err)

	back := a.Sync(doc, "node-b", resp.Operations, resp.Clock)
	assert.Equal(t, 1, back.Merged)
	assert.Empty(t, back.ToPull)
	assert.Empty(t, a.Pending(doc, "node-b"))
	assert.Equal(t, materialized(t, a), materialized(t, b))

	st, ok := b.SyncState(doc, "node-a")
	require.True(t, ok)
	assert.EqualValues(t, 2, st.Merges)
	assert.Equal(t, crdt.VectorClock{"node-a": 2}, st.RemoteClock, "pulled ops count once the peer reports them")
}

func TestLostResponseIsOfferedAgain(t *testing.T) {
	a := replica("node-a", nil)
	op := mustOp(t)(a.Insert(doc, []string{"k"}, "v"))

	first := a.Sync(doc, "node-b", nil, crdt.VectorClock{})
	require.Len(t, first.ToPull, 1)
	// The response never arrived; node-b asks again with the same clock.
	again := a.Sync(doc, "node-b", nil, crdt.VectorClock{})
	require.Len(t, again.ToPull, 1)
	assert.Equal(t, op.ID, again.ToPull[0].ID)
	assert.Len(t, a.Pending(doc, "node-b"), 1)

	// Once node-b reports the op, it is no longer offered.
	done := a.Sync(doc, "node-b", nil, crdt.VectorClock{"node-a": 1})
	assert.Empty(t, done.ToPull)
	assert.Empty(t, a.Pending(doc, "node-b"))
	st, ok := a.SyncState(doc, "node-b")
	require.True(t, ok)
	assert.Equal(t, crdt.VectorClock{"node-a": 1}, st.RemoteClock)
}

func TestPersistRoundTrip(t *testing.T) {
	kv := store.NewMemory()
	p := crdt.NewStorePersister(kv)
	a, b := replica("node-a", p), replica("node-b", nil)
	mustOp(t)(a.Insert(doc, []string{"k"}, "a"))
	mustOp(t)(a.Insert(doc, []string{"deep", "n"}, 7))
	r, err := a.Merge(doc, mustOp(t)(b.Insert(doc, []string{"k"}, "b")))
	require.NoError(t, err)
	require.NotNil(t, r.Conflict)
	a.ResolveConflicts(doc)
	require.NoError(t, a.SaveAll(context.Background()))

	restored := replica("node-a", p)
	n, err := restored.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, materialized(t, a), materialized(t, restored))
	assert.Equal(t, a.Clock(doc), restored.Clock(doc))
	info, err := restored.Info(doc)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Superseded)

	next := mustOp(t)(restored.Insert(doc, []string{"more"}, true))
	assert.Equal(t, uint64(3), next.Timestamp.Counter)

	_, err = p.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, crdt.ErrUnknownDocument)
	assert.NoError(t, replica("x", nil).SaveAll(context.Background()))
}
