package syncer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/crdt"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/mesh"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/syncer"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func now() time.Time { return t0 }

// net delivers frames synchronously between engines that are wired together.
type net struct {
	mu      sync.Mutex
	engines map[string]*mesh.Engine
	reach   map[[2]string]bool
}

func (n *net) wire(a, b string) {
	n.mu.Lock()
	n.reach[[2]string{a, b}], n.reach[[2]string{b, a}] = true, true
	n.mu.Unlock()
}

func (n *net) deliver(from, to string, f mesh.Frame) error {
	n.mu.Lock()
	e, ok := n.engines[to], n.reach[[2]string{from, to}]
	n.mu.Unlock()
	if !ok || e == nil {
		return mesh.ErrUnreachable
	}
	e.HandleFrame(context.Background(), from, f.Bytes)
	return nil
}

type conn struct {
	n    *net
	self string
}

func (c conn) Connect(_ context.Context, ad mesh.Advertisement) (mesh.Link, error) {
	return link{n: c.n, from: c.self, to: ad.PeerID}, nil
}

func (c conn) Unicast(_ context.Context, peerID string, f mesh.Frame) error {
	return c.n.deliver(c.self, peerID, f)
}

type link struct {
	n        *net
	from, to string
}

func (l link) PeerID() string                            { return l.to }
func (l link) Send(_ context.Context, f mesh.Frame) error { return l.n.deliver(l.from, l.to, f) }
func (l link) Close() error                              { return nil }

type node struct {
	mesh *mesh.Engine
	docs *crdt.Engine
	rep  *syncer.Replicator
}

func (n *net) node(t *testing.T, id string) *node {
	t.Helper()
	m, err := mesh.New(mesh.Options{
		LocalID:   id,
		Self:      mesh.Advertisement{PeerID: id, ProtocolVersion: "1.0.0"},
		Connector: conn{n: n, self: id},
		Routing:   true,
		MaxHops:   3,
		Now:       now,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	n.mu.Lock()
	n.engines[id] = m
	n.mu.Unlock()
	docs := crdt.New(crdt.Options{LocalID: id, Now: now, Logger: zap.NewNop()})
	return &node{
		mesh: m,
		docs: docs,
		rep:  syncer.New(m, docs, syncer.Options{MaxHops: 3, Logger: zap.NewNop()}),
	}
}

func connect(t *testing.T, n *net, a, b *node) {
	t.Helper()
	n.wire(a.mesh.Local(), b.mesh.Local())
	ctx := context.Background()
	require.NoError(t, a.mesh.Connect(ctx, mesh.Advertisement{PeerID: b.mesh.Local(), ProtocolVersion: "1.0.0"}))
	require.NoError(t, b.mesh.Connect(ctx, mesh.Advertisement{PeerID: a.mesh.Local(), ProtocolVersion: "1.0.0"}))
}

func pair(t *testing.T) (*node, *node) {
	t.Helper()
	n := &net{engines: map[string]*mesh.Engine{}, reach: map[[2]string]bool{}}
	a, b := n.node(t, "node-a"), n.node(t, "node-b")
	connect(t, n, a, b)
	return a, b
}

func assertConverged(t *testing.T, a, b *node, doc string) {
	t.Helper()
	sa, err := a.docs.Materialize(doc)
	require.NoError(t, err)
	sb, err := b.docs.Materialize(doc)
	require.NoError(t, err)
	assert.True(t, proto.Equal(sa, sb), "a=%v b=%v", sa, sb)
}

func TestSyncAllConverges(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()
	_, err := a.docs.Insert("notes", []string{"title"}, "hello")
	require.NoError(t, err)
	_, err = b.docs.Insert("notes", []string{"body"}, "world")
	require.NoError(t, err)

	require.NoError(t, a.rep.SyncAll(ctx))
	assertConverged(t, a, b, "notes")
	st, err := a.docs.Materialize("notes")
	require.NoError(t, err)
	assert.Equal(t, "hello", st.Fields["title"].GetStringValue())
	assert.Equal(t, "world", st.Fields["body"].GetStringValue())

	sa := a.rep.Stats()
	assert.EqualValues(t, 1, sa.Rounds)
	assert.EqualValues(t, 1, sa.Requests)
	assert.EqualValues(t, 1, sa.Responses)
	assert.EqualValues(t, 1, sa.Pulled)
	assert.Zero(t, b.rep.Stats().Failures)

	// Nothing new: the next round moves no operations.
	require.NoError(t, a.rep.SyncAll(ctx))
	assert.EqualValues(t, 1, a.rep.Stats().Pulled)
	assert.Empty(t, a.docs.Pending("notes", "node-b"))
}

func TestConcurrentWritesSurfaceConflictsOnBothSides(t *testing.T) {
	a, b := pair(t)
	_, err := a.docs.Insert("notes", []string{"title"}, "from a")
	require.NoError(t, err)
	_, err = b.docs.Insert("notes", []string{"title"}, "from b")
	require.NoError(t, err)

	require.NoError(t, a.rep.SyncAll(context.Background()))
	assert.Len(t, a.docs.Conflicts("notes"), 1)
	assert.Len(t, b.docs.Conflicts("notes"), 1)
	assert.EqualValues(t, 1, a.rep.Stats().Conflicts)
	assert.EqualValues(t, 1, b.rep.Stats().Conflicts)

	a.docs.ResolveConflicts("notes")
	b.docs.ResolveConflicts("notes")
	assertConverged(t, a, b, "notes")
}

func TestSyncRelaysThroughIntermediatePeer(t *testing.T) {
	n := &net{engines: map[string]*mesh.Engine{}, reach: map[[2]string]bool{}}
	a, b, c := n.node(t, "node-a"), n.node(t, "node-b"), n.node(t, "node-c")
	connect(t, n, a, b)
	connect(t, n, b, c)
	ctx := context.Background()
	b.mesh.RoutingTick(ctx, t0)

	_, err := a.docs.Insert("plan", []string{"day"}, "tuesday")
	require.NoError(t, err)
	_, err = c.docs.Insert("plan", []string{"place"}, "ridge")
	require.NoError(t, err)

	require.NoError(t, a.rep.SyncPeer(ctx, "node-c", "plan"))
	// The response is queued at b while the request is being forwarded.
	assert.Equal(t, 2, b.mesh.Flush(ctx))
	assertConverged(t, a, c, "plan")
	assert.Empty(t, b.docs.Documents(), "relay only forwards")
}

func TestMalformedPayloadCountsFailure(t *testing.T) {
	a, b := pair(t)
	res := a.mesh.Send(context.Background(), "node-b", mesh.Sync{DocumentID: "x", Kind: mesh.SyncRequest, Payload: []byte{0xc1}}, 0)
	require.True(t, res.OK())
	assert.EqualValues(t, 1, b.rep.Stats().Failures)
	assert.Empty(t, b.docs.Documents())
}

func TestSyncPeerUnreachable(t *testing.T) {
	a, _ := pair(t)
	_, err := a.docs.Insert("notes", []string{"k"}, 1)
	require.NoError(t, err)
	err = a.rep.SyncPeer(context.Background(), "node-z", "notes")
	require.Error(t, err)
	assert.ErrorIs(t, err, mesh.ErrRoutingPathNotFound)
	assert.EqualValues(t, 1, a.rep.Stats().Failures)
}
