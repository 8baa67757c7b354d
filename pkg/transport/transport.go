// Package transport defines byte-frame sessions over concrete media and a
// manager that keeps one canonical session per peer.
//
// Key concepts:
//   - Transport: dials/listens for Sessions of a specific Kind
//   - Session: a bidirectional connection to a peer carrying one ordered
//     (or, for datagram media, best-effort) stream of frames
//   - Stream: Send/Recv of opaque frames
//   - Manager: deduplicates concurrent inbound/outbound links per peer
package transport

import (
	"context"
	"net"
	"time"
)

// Kind identifies the link medium.
type Kind int

const (
	KindUnknown Kind = iota
	KindQUIC
	KindTCP
	KindUDP
	KindWebSocket
	KindWinPipe
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindQUIC:
		return "quic"
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindWebSocket:
		return "ws"
	case KindWinPipe:
		return "winpipe"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// PeerID is an opaque stable peer identity.
type PeerID string

// PeerInfo bundles peer identity and addressing hints.
type PeerInfo struct {
	ID   PeerID
	Addr string // transport-dependent address string
}

// Quality captures link quality used to rank sessions.
type Quality struct {
	RTT           time.Duration
	EstablishedAt time.Time
	LastSeen      time.Time
}

// Stream carries frames. Exactly one reader and any number of writers are
// expected; implementations serialize writes.
type Stream interface {
	SendBytes([]byte) error
	RecvBytes() ([]byte, error)
	Close() error
}

// Session is a connection to one peer.
type Session interface {
	Peer() PeerInfo
	SetPeer(PeerInfo)
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Stream returns the session's frame stream, opening it on first use.
	Stream(ctx context.Context) (Stream, error)
	Quality() Quality
	Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	Addr() net.Addr
	Close() error
}

// Transport dials and listens for one link kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}
