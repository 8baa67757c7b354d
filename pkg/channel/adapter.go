package channel

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Availability is the outcome of a capability probe.
type Availability struct {
	Available bool
	Reason    string
}

// Available is the probe result of a usable medium.
var Available = Availability{Available: true}

// Unavailable builds a negative probe result.
func Unavailable(reason string) Availability { return Availability{Reason: reason} }

// Prober negotiates capabilities for a kind. Platform-specific probing lives
// outside this package; the layer only sees the answer.
type Prober interface {
	Probe(ctx context.Context, kind Kind) Availability
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, kind Kind) Availability

func (f ProberFunc) Probe(ctx context.Context, kind Kind) Availability { return f(ctx, kind) }

// Adapter is the capability set every medium implements exactly once.
type Adapter interface {
	Kind() Kind
	Probe(ctx context.Context) Availability
	Connect(ctx context.Context) error
	Disconnect() error
	// Send delivers m to m.RecipientID, or to every reachable peer when the
	// recipient is empty.
	Send(ctx context.Context, m *Message) error
	// OnReceive registers the inbound callback. It replaces any previous one.
	OnReceive(func(*Message))
	Peers() []Peer
	DiscoverPeers(ctx context.Context) ([]Peer, error)
	IsConnected() bool
	// SignalStrength is in [0,1].
	SignalStrength() float64
}

// LocalInfo describes this node to remote peers.
type LocalInfo struct {
	PeerID       string
	DisplayName  string
	Capabilities []string
	PublicKey    []byte
	Credential   []byte
}

// DialTarget is a remote endpoint an adapter keeps a link to.
type DialTarget struct {
	Address string
	PeerID  string
}

// Backoff bounds redial delays.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  time.Duration
}

// AdapterConfig is everything a factory needs to build one adapter.
type AdapterConfig struct {
	Kind        Kind
	Listen      []string
	Dial        []DialTarget
	Extra       map[string]any
	Local       LocalInfo
	Backoff     Backoff
	DialTimeout time.Duration
	Logger      *zap.Logger
	// OnPeer, when set, is called on every peer sighting the adapter makes
	// outside DiscoverPeers (e.g. a session hello).
	OnPeer func(Peer)
}
