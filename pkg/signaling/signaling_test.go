package signaling_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/signaling"
)

type received struct {
	mu   sync.Mutex
	from []string
	data [][]byte
}

func (r *received) fn(from string, p []byte) {
	r.mu.Lock()
	r.from = append(r.from, from)
	r.data = append(r.data, p)
	r.mu.Unlock()
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.from)
}

func TestHubUnicastAndBroadcast(t *testing.T) {
	hub := signaling.NewHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	var ra, rb, rc received
	a.OnReceive(ra.fn)
	b.OnReceive(rb.fn)
	c.OnReceive(rc.fn)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, "b", []byte("offer")))
	assert.Equal(t, []string{"a"}, rb.from)
	assert.Equal(t, [][]byte{[]byte("offer")}, rb.data)
	assert.Zero(t, rc.len())

	require.NoError(t, c.Send(ctx, "", []byte("hello all")))
	assert.Equal(t, 1, ra.len())
	assert.Equal(t, 2, rb.len())
	assert.Zero(t, rc.len(), "no echo to the sender")

	assert.ErrorIs(t, a.Send(ctx, "zed", nil), signaling.ErrUnknownPeer)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Send(ctx, "b", nil), signaling.ErrUnknownPeer)
	assert.ErrorIs(t, b.Send(ctx, "a", nil), signaling.ErrClosed)
}

func TestNewSelectsKind(t *testing.T) {
	hub := signaling.NewHub()
	tr, err := signaling.New(context.Background(), config.SignalingConfig{Kind: "memory"}, "n1", hub, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &signaling.Endpoint{}, tr)

	_, err = signaling.New(context.Background(), config.SignalingConfig{Kind: "carrier-pigeon"}, "n1", hub, zap.NewNop())
	assert.Error(t, err)
}

func TestRedisPubSub(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "connect-test:" + t.Name() + ":"
	a, err := signaling.NewRedis(ctx, signaling.RedisOptions{Addr: addr, Prefix: prefix, Self: "a", Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()
	b, err := signaling.NewRedis(ctx, signaling.RedisOptions{Addr: addr, Prefix: prefix, Self: "b", Logger: zap.NewNop()})
	require.NoError(t, err)
	defer b.Close()

	var ra, rb received
	a.OnReceive(ra.fn)
	b.OnReceive(rb.fn)

	require.NoError(t, a.Send(ctx, "b", []byte("direct")))
	require.NoError(t, a.Send(ctx, "", []byte("everyone")))
	require.Eventually(t, func() bool { return rb.len() == 2 }, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, ra.len(), "own broadcast is ignored")
}
