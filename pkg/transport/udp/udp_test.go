package udp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/udp"
)

func recv(t *testing.T, st transport.Stream) []byte {
	t.Helper()
	got := make(chan []byte, 1)
	go func() {
		b, err := st.RecvBytes()
		if err == nil {
			got <- b
		}
	}()
	select {
	case b := <-got:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered")
		return nil
	}
}

func TestLoopbackRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := udp.New()
	assert.Equal(t, transport.KindUDP, tr.Kind())

	l, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cli, err := tr.Dial(ctx, l.Addr().String(), transport.PeerInfo{ID: "server"})
	require.NoError(t, err)
	defer cli.Close()
	cs, err := cli.Stream(ctx)
	require.NoError(t, err)

	// The listener learns a peer from its first datagram.
	require.NoError(t, cs.SendBytes([]byte("hello")))
	srv, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.True(t, transport.IsTemp(srv.Peer().ID))
	assert.Equal(t, cli.LocalAddr().String(), srv.RemoteAddr().String())

	ss, err := srv.Stream(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(recv(t, ss)))

	require.NoError(t, ss.SendBytes([]byte("back")))
	assert.Equal(t, "back", string(recv(t, cs)))
	assert.False(t, srv.Quality().LastSeen.IsZero())

	// Later datagrams from the same address reuse the session.
	require.NoError(t, cs.SendBytes([]byte("again")))
	assert.Equal(t, "again", string(recv(t, ss)))
}

func TestOversizedAndClosed(t *testing.T) {
	ctx := context.Background()
	tr := udp.New()
	l, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cli, err := tr.Dial(ctx, l.Addr().String(), transport.PeerInfo{})
	require.NoError(t, err)
	cs, err := cli.Stream(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, cs.SendBytes(make([]byte, udp.MaxDatagram+1)), udp.ErrFrameTooLarge)

	require.NoError(t, cli.Close())
	assert.ErrorIs(t, cs.SendBytes([]byte("x")), udp.ErrClosed)
	_, err = cs.RecvBytes()
	assert.ErrorIs(t, err, udp.ErrClosed)
	assert.NoError(t, cli.Close(), "close is idempotent")
}
