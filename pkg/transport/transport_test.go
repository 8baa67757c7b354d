package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/mem"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/tcp"
)

func roundTrip(t *testing.T, tr transport.Transport, addr func(transport.Listener) string, listenAt string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := tr.Listen(ctx, listenAt)
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan transport.Session, 1)
	go func() {
		s, err := l.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	cli, err := tr.Dial(ctx, addr(l), transport.PeerInfo{ID: "server"})
	require.NoError(t, err)
	defer cli.Close()

	var srv transport.Session
	select {
	case srv = <-accepted:
	case <-ctx.Done():
		t.Fatal("no inbound session")
	}
	defer srv.Close()
	assert.True(t, transport.IsTemp(srv.Peer().ID))

	cs, err := cli.Stream(ctx)
	require.NoError(t, err)
	ss, err := srv.Stream(ctx)
	require.NoError(t, err)

	got := make(chan []byte, 1)
	go func() {
		b, err := ss.RecvBytes()
		if err == nil {
			got <- b
		}
	}()
	require.NoError(t, cs.SendBytes([]byte("ping")))
	select {
	case b := <-got:
		assert.Equal(t, "ping", string(b))
	case <-ctx.Done():
		t.Fatal("frame not delivered")
	}
	assert.False(t, cli.Quality().LastSeen.IsZero())
}

func TestMemRoundTrip(t *testing.T) {
	tr := mem.NewOn(mem.NewNetwork())
	roundTrip(t, tr, func(transport.Listener) string { return "node-a" }, "node-a")
}

func TestTCPRoundTrip(t *testing.T) {
	roundTrip(t, tcp.New(), func(l transport.Listener) string { return l.Addr().String() }, "127.0.0.1:0")
}

func TestMemDialWithoutListener(t *testing.T) {
	_, err := mem.NewOn(mem.NewNetwork()).Dial(context.Background(), "missing", transport.PeerInfo{})
	assert.ErrorIs(t, err, mem.ErrNoListener)
}

type fakeSession struct {
	peer    transport.PeerInfo
	kind    transport.Kind
	est     time.Time
	closed  chan struct{}
	stopped bool
}

func newFake(id string, kind transport.Kind, est time.Time) *fakeSession {
	return &fakeSession{peer: transport.PeerInfo{ID: transport.PeerID(id)}, kind: kind, est: est, closed: make(chan struct{})}
}

func (f *fakeSession) Peer() transport.PeerInfo                         { return f.peer }
func (f *fakeSession) SetPeer(p transport.PeerInfo)                     { f.peer = p }
func (f *fakeSession) TransportKind() transport.Kind                    { return f.kind }
func (f *fakeSession) LocalAddr() net.Addr                              { return nil }
func (f *fakeSession) RemoteAddr() net.Addr                             { return nil }
func (f *fakeSession) Stream(context.Context) (transport.Stream, error) { return nil, nil }
func (f *fakeSession) Quality() transport.Quality {
	return transport.Quality{EstablishedAt: f.est}
}
func (f *fakeSession) Close() error {
	if !f.stopped {
		f.stopped = true
		close(f.closed)
	}
	return nil
}

func waitClosed(t *testing.T, f *fakeSession) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(time.Second):
		t.Fatalf("session %s not closed", f.peer.ID)
	}
}

func TestManagerPrefersHigherRank(t *testing.T) {
	m := transport.NewManager()
	now := time.Now()
	udp := newFake("p1", transport.KindUDP, now)
	q := newFake("p1", transport.KindQUIC, now.Add(-time.Minute))

	ok, _ := m.AddSession(udp)
	require.True(t, ok)
	ok, replaced := m.AddSession(q)
	require.True(t, ok)
	assert.Same(t, udp, replaced)
	waitClosed(t, udp)
	assert.Same(t, q, m.GetSession("p1"))

	late := newFake("p1", transport.KindTCP, now.Add(time.Minute))
	ok, _ = m.AddSession(late)
	assert.False(t, ok)
	waitClosed(t, late)
}

func TestManagerRebind(t *testing.T) {
	m := transport.NewManager()
	s := newFake("temp:tcp:1.2.3.4:5", transport.KindTCP, time.Now())
	m.AddSession(s)
	require.True(t, m.RebindPeer("temp:tcp:1.2.3.4:5", "peer-x"))
	assert.Nil(t, m.GetSession("temp:tcp:1.2.3.4:5"))
	assert.Equal(t, transport.PeerID("peer-x"), m.GetSession("peer-x").Peer().ID)
	assert.Equal(t, []transport.PeerID{"peer-x"}, m.ListPeers())

	m.ClosePeer("peer-x")
	waitClosed(t, s)
	assert.Equal(t, 0, m.Len())
}
