package channel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel/chantest"
)

type sampleLog struct {
	mu      sync.Mutex
	samples []channel.Sample
}

func (s *sampleLog) RecordSample(x channel.Sample) {
	s.mu.Lock()
	s.samples = append(s.samples, x)
	s.mu.Unlock()
}

func (s *sampleLog) all() []channel.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]channel.Sample(nil), s.samples...)
}

type peerLog struct {
	mu    sync.Mutex
	peers []channel.Peer
}

func (p *peerLog) ObservePeer(x channel.Peer) {
	p.mu.Lock()
	p.peers = append(p.peers, x)
	p.mu.Unlock()
}

// xorCipher is a reversible stand-in; peer "stranger" is unauthenticated.
type xorCipher struct{}

var errUnauth = errors.New("unauthenticated")

func (xorCipher) Encrypt(peer string, pt []byte) ([]byte, error) {
	if peer == "stranger" {
		return nil, errUnauth
	}
	return xor(pt), nil
}

func (xorCipher) Decrypt(peer string, ct []byte) ([]byte, error) {
	if peer == "stranger" {
		return nil, errUnauth
	}
	return xor(ct), nil
}

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ 0x5a
	}
	return out
}

func newLayer(t *testing.T, opts channel.Options, fakes ...*chantest.Fake) *channel.Layer {
	t.Helper()
	reg := channel.NewRegistry()
	var cfgs []channel.AdapterConfig
	for _, f := range fakes {
		reg.Register(f.Kind(), f.Factory())
		cfgs = append(cfgs, channel.AdapterConfig{Kind: f.Kind()})
	}
	opts.Registry = reg
	opts.MeshMode = true
	l := channel.NewLayer(opts)
	require.NoError(t, l.Initialize(context.Background(), cfgs))
	t.Cleanup(l.Shutdown)
	return l
}

func TestSendFallsBackToThirdChannel(t *testing.T) {
	a, b, c := chantest.New(channel.DirectLink), chantest.New(channel.Wired), chantest.New(channel.Relay)
	sink := &sampleLog{}
	l := newLayer(t, channel.Options{
		Sinks:         []channel.SampleSink{sink},
		FallbackOrder: []channel.Kind{channel.DirectLink, channel.Wired, channel.Relay},
	}, c, b, a)
	a.FailSends(true)
	b.FailSends(true)

	rc, err := l.SendMessage(context.Background(), channel.NewMessage([]byte("hi")))
	require.NoError(t, err)
	assert.Equal(t, channel.Relay, rc.Channel)
	require.Len(t, rc.Attempts, 3)
	assert.Equal(t, channel.DirectLink, rc.Attempts[0].Channel)
	assert.ErrorIs(t, rc.Attempts[1].Err, chantest.ErrScripted)
	assert.Len(t, c.Sent(), 1)

	var withLatency []channel.Kind
	failed := 0
	for _, s := range sink.all() {
		if s.Latency > 0 || (!s.Failed && !s.Inbound && !s.Discovery) {
			withLatency = append(withLatency, s.Channel)
		}
		if s.Failed {
			failed++
			assert.Zero(t, s.Latency)
		}
	}
	assert.Equal(t, []channel.Kind{channel.Relay}, withLatency)
	assert.Equal(t, 2, failed)
}

func TestSendNoViableChannel(t *testing.T) {
	a := chantest.New(channel.Wired)
	l := newLayer(t, channel.Options{}, a)
	a.FailSends(true)
	_, err := l.SendMessage(context.Background(), channel.NewMessage(nil))
	assert.ErrorIs(t, err, channel.ErrNoViableChannel)

	a.SetConnected(false)
	_, err = l.SendMessage(context.Background(), channel.NewMessage(nil))
	assert.ErrorIs(t, err, channel.ErrNoViableChannel)
}

func TestPreferredChannelGoesFirst(t *testing.T) {
	a, b := chantest.New(channel.Wired), chantest.New(channel.Relay)
	l := newLayer(t, channel.Options{FallbackOrder: []channel.Kind{channel.Wired, channel.Relay}}, a, b)
	m := channel.NewMessage([]byte("x"))
	m.Channel = channel.Relay
	rc, err := l.SendMessage(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, channel.Relay, rc.Channel)
	assert.Empty(t, a.Sent())
}

func TestInitializeProbesAndStopsAtFirstConnect(t *testing.T) {
	down := chantest.New(channel.ShortRangeRadio)
	down.SetAvailability(channel.Unavailable("no radio"))
	broken := chantest.New(channel.DirectLink)
	broken.SetConnectError(errors.New("refused"))
	ok1, ok2 := chantest.New(channel.Wired), chantest.New(channel.Relay)

	reg := channel.NewRegistry()
	for _, f := range []*chantest.Fake{down, broken, ok1, ok2} {
		reg.Register(f.Kind(), f.Factory())
	}
	l := channel.NewLayer(channel.Options{
		Registry:      reg,
		FallbackOrder: []channel.Kind{channel.ShortRangeRadio, channel.DirectLink, channel.Wired, channel.Relay},
	})
	err := l.Initialize(context.Background(), []channel.AdapterConfig{
		{Kind: channel.Relay}, {Kind: channel.Wired}, {Kind: channel.DirectLink}, {Kind: channel.ShortRangeRadio}, {Kind: channel.LongRangeRadio},
	})
	require.NoError(t, err)
	defer l.Shutdown()

	assert.Equal(t, []channel.Kind{channel.DirectLink, channel.Wired, channel.Relay}, l.Active())
	assert.True(t, ok1.IsConnected())
	assert.False(t, ok2.IsConnected())

	require.NoError(t, l.ConnectChannel(context.Background(), channel.Relay))
	assert.True(t, ok2.IsConnected())
	assert.ErrorIs(t, l.ConnectChannel(context.Background(), channel.ShortRangeRadio), channel.ErrChannelUnavailable)
}

func TestInitializeNothingConnects(t *testing.T) {
	f := chantest.New(channel.Wired)
	f.SetConnectError(errors.New("down"))
	reg := channel.NewRegistry()
	reg.Register(channel.Wired, f.Factory())
	l := channel.NewLayer(channel.Options{Registry: reg})
	err := l.Initialize(context.Background(), []channel.AdapterConfig{{Kind: channel.Wired}})
	assert.ErrorIs(t, err, channel.ErrNoViableChannel)
}

func TestProberVetoes(t *testing.T) {
	f := chantest.New(channel.LocalPipe)
	reg := channel.NewRegistry()
	reg.Register(channel.LocalPipe, f.Factory())
	l := channel.NewLayer(channel.Options{
		Registry: reg,
		Prober: channel.ProberFunc(func(_ context.Context, k channel.Kind) channel.Availability {
			return channel.Unavailable("platform")
		}),
	})
	err := l.AddAdapter(context.Background(), f, true)
	assert.ErrorIs(t, err, channel.ErrChannelUnavailable)
	assert.Empty(t, l.Active())
}

func TestEncryptionForAddressedMessages(t *testing.T) {
	f := chantest.New(channel.Wired)
	l := newLayer(t, channel.Options{Encryptor: xorCipher{}, LocalID: "me"}, f)

	m := channel.NewMessage([]byte("secret"))
	m.RecipientID = "bob"
	_, err := l.SendMessage(context.Background(), m)
	require.NoError(t, err)

	ctl := channel.NewMessage([]byte("hello"))
	ctl.RecipientID = "bob"
	ctl.Control = true
	_, err = l.SendMessage(context.Background(), ctl)
	require.NoError(t, err)

	sent := f.Sent()
	require.Len(t, sent, 2)
	assert.True(t, sent[0].Encrypted)
	assert.Equal(t, xor([]byte("secret")), sent[0].Content)
	assert.Equal(t, "me", sent[0].SenderID)
	assert.False(t, sent[1].Encrypted)
	assert.Equal(t, []byte("hello"), sent[1].Content)
	assert.Equal(t, []byte("secret"), m.Content, "caller's message is not mutated")

	u := channel.NewMessage([]byte("x"))
	u.RecipientID = "stranger"
	_, err = l.SendMessage(context.Background(), u)
	assert.ErrorIs(t, err, errUnauth)
}

func TestInboundDecryptsAndDrops(t *testing.T) {
	f := chantest.New(channel.Wired)
	peers := &peerLog{}
	l := newLayer(t, channel.Options{Encryptor: xorCipher{}, Observers: []channel.PeerObserver{peers}}, f)

	got := make(chan *channel.Message, 4)
	l.OnMessage(func(m *channel.Message) { got <- m })

	f.Deliver(&channel.Message{ID: "1", SenderID: "bob", Content: xor([]byte("pt")), Encrypted: true})
	f.Deliver(&channel.Message{ID: "2", SenderID: "stranger", Content: []byte("??"), Encrypted: true})
	f.Deliver(&channel.Message{ID: "3", SenderID: "bob", Timestamp: time.Now().Add(-time.Hour), TTL: time.Second})

	require.Len(t, got, 1)
	m := <-got
	assert.Equal(t, []byte("pt"), m.Content)
	assert.False(t, m.Encrypted)
	assert.Equal(t, channel.Wired, m.Channel)
	assert.Equal(t, uint64(2), l.Dropped())
	assert.NotEmpty(t, peers.peers)
}

func TestSendExpired(t *testing.T) {
	f := chantest.New(channel.Wired)
	l := newLayer(t, channel.Options{}, f)
	m := channel.NewMessage(nil)
	m.Timestamp = time.Now().Add(-time.Minute)
	m.TTL = time.Second
	_, err := l.SendMessage(context.Background(), m)
	assert.ErrorIs(t, err, channel.ErrMessageExpired)
	assert.Empty(t, f.Sent())
}

func TestDiscoverPeersFirstOccurrenceWins(t *testing.T) {
	a, b := chantest.New(channel.DirectLink), chantest.New(channel.Wired)
	a.SetPeers(channel.Peer{ID: "p1", DisplayName: "from-a"}, channel.Peer{ID: "p2"})
	b.SetPeers(channel.Peer{ID: "p1", DisplayName: "from-b"}, channel.Peer{ID: "p3"})
	sink := &sampleLog{}
	l := newLayer(t, channel.Options{
		FallbackOrder: []channel.Kind{channel.DirectLink, channel.Wired},
		Sinks:         []channel.SampleSink{sink},
	}, a, b)

	got := l.DiscoverPeers(context.Background())
	require.Len(t, got, 3)
	byID := map[string]channel.Peer{}
	for _, p := range got {
		byID[p.ID] = p
	}
	assert.Equal(t, "from-a", byID["p1"].DisplayName)

	discoveries := 0
	for _, s := range sink.all() {
		if s.Discovery {
			discoveries++
		}
	}
	assert.Equal(t, 2, discoveries)
}

func TestParseKind(t *testing.T) {
	k, err := channel.ParseKind("QUIC")
	require.NoError(t, err)
	assert.Equal(t, channel.DirectLink, k)
	k, err = channel.ParseKind("long-range-radio")
	require.NoError(t, err)
	assert.Equal(t, channel.LongRangeRadio, k)
	_, err = channel.ParseKind("smoke")
	var uk channel.UnknownKindError
	assert.ErrorAs(t, err, &uk)
}
