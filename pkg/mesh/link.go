package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
)

var (
	ErrUnreachable = errors.New("mesh: peer not reachable on any channel")
	ErrLinkClosed  = errors.New("mesh: link closed")
)

// LinkState is the lifecycle of one direct link. Disconnected and Failed are
// terminal; a new link needs a fresh Connect.
type LinkState uint8

const (
	StateConnecting LinkState = iota
	StateConnected
	StateDisconnected
	StateFailed
)

func (s LinkState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Frame is one encoded envelope handed to a link.
type Frame struct {
	Bytes    []byte
	Control  bool
	Priority channel.Priority
}

// Link is an open connection handle to one neighbor.
type Link interface {
	PeerID() string
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Connector opens links. Unicast reaches a peer before a link exists, for
// the discovery exchange that precedes Connect.
type Connector interface {
	Connect(ctx context.Context, ad Advertisement) (Link, error)
	Unicast(ctx context.Context, peerID string, f Frame) error
}

// Sender is the part of channel.Layer the connector needs.
type Sender interface {
	SendMessage(ctx context.Context, m *channel.Message) (channel.Receipt, error)
	Peers() []channel.Peer
}

// ChannelConnector builds links on the channel abstraction layer: a link is
// a peer the layer can address on at least one channel.
type ChannelConnector struct {
	layer Sender
	// Prefer picks the preferred channel for a frame; nil leaves the choice
	// to the layer's fallback order.
	Prefer func(peerID string, f Frame) channel.Kind
}

func NewChannelConnector(layer Sender) *ChannelConnector { return &ChannelConnector{layer: layer} }

func (c *ChannelConnector) reachable(id string) bool {
	for _, p := range c.layer.Peers() {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (c *ChannelConnector) Connect(ctx context.Context, ad Advertisement) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.reachable(ad.PeerID) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, ad.PeerID)
	}
	return &channelLink{c: c, peer: ad.PeerID, closed: make(chan struct{})}, nil
}

func (c *ChannelConnector) Unicast(ctx context.Context, peerID string, f Frame) error {
	_, err := c.layer.SendMessage(ctx, c.message(peerID, f))
	return err
}

func (c *ChannelConnector) message(peerID string, f Frame) *channel.Message {
	var k channel.Kind
	if c.Prefer != nil {
		k = c.Prefer(peerID, f)
	}
	return &channel.Message{
		ID:          uuid.NewString(),
		Content:     f.Bytes,
		RecipientID: peerID,
		Channel:     k,
		Priority:    f.Priority,
		Control:     f.Control,
	}
}

type channelLink struct {
	c      *ChannelConnector
	peer   string
	once   sync.Once
	closed chan struct{}
}

func (l *channelLink) PeerID() string { return l.peer }

func (l *channelLink) Send(ctx context.Context, f Frame) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	_, err := l.c.layer.SendMessage(ctx, l.c.message(l.peer, f))
	return err
}

// Close retires the handle. The underlying channel sessions stay up; they
// belong to the layer.
func (l *channelLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
