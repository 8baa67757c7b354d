// Package quic implements sessions over QUIC with one length-prefixed frame
// stream per connection. The dialer opens the stream; the listener side
// accepts it.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "sacred-connect"

type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

// New builds a transport with an ephemeral self-signed server certificate.
// Peer identity is verified by the channel hello, not by TLS.
func New() (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &Transport{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{ALPN},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{KeepAlivePeriod: 10 * time.Second, MaxIdleTimeout: 30 * time.Second},
	}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, newCh: make(chan transport.Session, 16), closeCh: make(chan struct{})}
	runCtx, cancel := context.WithCancel(ctx)
	ql.cancel = cancel
	go ql.acceptLoop(runCtx)
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	if peer.Addr == "" {
		peer.Addr = address
	}
	return newSession(peer, c, false), nil
}

type listener struct {
	l       *quicgo.Listener
	newCh   chan transport.Session
	closeCh chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, net.ErrClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		l.cancel()
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop(ctx context.Context) {
	defer func() { _ = l.Close() }()
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		raddr := c.RemoteAddr()
		s := newSession(transport.PeerInfo{ID: transport.TempPeerID(transport.KindQUIC, raddr), Addr: raddr.String()}, c, true)
		select {
		case l.newCh <- s:
		default:
			_ = s.Close()
		}
	}
}

type session struct {
	mu      sync.RWMutex
	peer    transport.PeerInfo
	c       quicgo.Connection
	inbound bool

	streamMu sync.Mutex
	stream   *transport.FramedStream

	establishedAt time.Time
	lastSeen      atomic.Int64
}

func newSession(peer transport.PeerInfo, c quicgo.Connection, inbound bool) *session {
	return &session{peer: peer, c: c, inbound: inbound, establishedAt: time.Now()}
}

func (s *session) Peer() transport.PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

func (s *session) SetPeer(pi transport.PeerInfo) {
	s.mu.Lock()
	s.peer = pi
	s.mu.Unlock()
}

func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }

// Stream opens (dialer) or accepts (listener) the single frame stream.
func (s *session) Stream(ctx context.Context) (transport.Stream, error) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.stream != nil {
		return s.stream, nil
	}
	var (
		qs  quicgo.Stream
		err error
	)
	if s.inbound {
		qs, err = s.c.AcceptStream(ctx)
	} else {
		qs, err = s.c.OpenStreamSync(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.stream = transport.NewFramedStream(qs, func() { s.lastSeen.Store(time.Now().UnixNano()) })
	return s.stream, nil
}

func (s *session) Quality() transport.Quality {
	q := transport.Quality{EstablishedAt: s.establishedAt}
	if ns := s.lastSeen.Load(); ns != 0 {
		q.LastSeen = time.Unix(0, ns)
	}
	return q
}

func (s *session) Close() error { return s.c.CloseWithError(0, "") }

func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
