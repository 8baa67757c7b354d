// Package chantest provides a scripted in-memory channel.Adapter for tests.
package chantest

import (
	"context"
	"errors"
	"sync"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
)

// ErrScripted is the failure Fake returns when FailSends is set.
var ErrScripted = errors.New("chantest: scripted send failure")

// Fake records sends and lets tests inject inbound messages and peers.
type Fake struct {
	mu         sync.Mutex
	kind       channel.Kind
	avail      channel.Availability
	connectErr error
	failSends  bool
	connected  bool
	signal     float64
	peers      []channel.Peer
	sent       []*channel.Message
	handler    func(*channel.Message)
}

func New(kind channel.Kind) *Fake {
	return &Fake{kind: kind, avail: channel.Available, signal: 1}
}

func (f *Fake) Kind() channel.Kind { return f.kind }

func (f *Fake) Probe(context.Context) channel.Availability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avail
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *Fake) Send(ctx context.Context, m *channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return channel.ErrNotConnected
	}
	if f.failSends {
		return ErrScripted
	}
	f.sent = append(f.sent, m.Clone())
	return nil
}

func (f *Fake) OnReceive(h func(*channel.Message)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *Fake) Peers() []channel.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Peer(nil), f.peers...)
}

func (f *Fake) DiscoverPeers(ctx context.Context) ([]channel.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Peers(), nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) SignalStrength() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signal
}

// SetAvailability scripts the probe result.
func (f *Fake) SetAvailability(a channel.Availability) {
	f.mu.Lock()
	f.avail = a
	f.mu.Unlock()
}

// SetConnectError makes Connect fail with err.
func (f *Fake) SetConnectError(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// FailSends makes every Send fail with ErrScripted.
func (f *Fake) FailSends(on bool) {
	f.mu.Lock()
	f.failSends = on
	f.mu.Unlock()
}

func (f *Fake) SetConnected(on bool) {
	f.mu.Lock()
	f.connected = on
	f.mu.Unlock()
}

func (f *Fake) SetSignal(v float64) {
	f.mu.Lock()
	f.signal = v
	f.mu.Unlock()
}

// SetPeers replaces the listed peers.
func (f *Fake) SetPeers(ps ...channel.Peer) {
	f.mu.Lock()
	f.peers = append([]channel.Peer(nil), ps...)
	f.mu.Unlock()
}

// Sent returns copies of every accepted message.
func (f *Fake) Sent() []*channel.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*channel.Message(nil), f.sent...)
}

// Deliver feeds m to the registered receive callback.
func (f *Fake) Deliver(m *channel.Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(m)
	}
}

// Factory returns a channel.Factory that always yields f.
func (f *Fake) Factory() channel.Factory {
	return func(channel.AdapterConfig) (channel.Adapter, error) { return f, nil }
}
