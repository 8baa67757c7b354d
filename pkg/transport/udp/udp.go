// Package udp implements a datagram transport carrying one frame per packet.
// Delivery is best-effort and unordered; frames above the datagram size are
// rejected rather than fragmented.
package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
)

// MaxDatagram is the largest frame accepted by SendBytes.
const MaxDatagram = 64 * 1024

var (
	ErrClosed        = errors.New("udp: session closed")
	ErrFrameTooLarge = errors.New("udp: frame exceeds datagram size")
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindUDP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	ul := &listener{
		conn:     c,
		sessions: make(map[string]*session),
		newCh:    make(chan transport.Session, 16),
		closeCh:  make(chan struct{}),
	}
	go ul.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = ul.Close()
		case <-ul.closeCh:
		}
	}()
	return ul, nil
}

func (t *Transport) Dial(_ context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	if peer.Addr == "" {
		peer.Addr = address
	}
	s := newSession(peer, c, raddr, true)
	go s.recvLoop()
	return s, nil
}

// ---- listener / demux ----

type listener struct {
	conn     *net.UDPConn
	mu       sync.Mutex
	sessions map[string]*session
	newCh    chan transport.Session
	closeCh  chan struct{}
	once     sync.Once
}

func (l *listener) Addr() net.Addr { return l.conn.LocalAddr() }

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
		err = l.conn.Close()
		l.mu.Lock()
		for _, s := range l.sessions {
			s.markClosed()
		}
		l.sessions = map[string]*session{}
		l.mu.Unlock()
	})
	return err
}

func (l *listener) forget(key string) {
	l.mu.Lock()
	delete(l.sessions, key)
	l.mu.Unlock()
}

func (l *listener) readLoop() {
	buf := make([]byte, MaxDatagram)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		key := raddr.String()
		l.mu.Lock()
		s, ok := l.sessions[key]
		if !ok {
			s = newSession(transport.PeerInfo{ID: transport.TempPeerID(transport.KindUDP, raddr), Addr: key}, l.conn, raddr, false)
			s.onClose = func() { l.forget(key) }
			l.sessions[key] = s
			select {
			case l.newCh <- s:
			default:
			}
		}
		l.mu.Unlock()
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.deliver(pkt)
	}
}

// ---- session / stream ----

type session struct {
	mu            sync.RWMutex
	peer          transport.PeerInfo
	conn          *net.UDPConn
	raddr         *net.UDPAddr
	outbound      bool
	rxCh          chan []byte
	closed        chan struct{}
	closeOnce     sync.Once
	onClose       func()
	establishedAt time.Time
	lastSeen      atomic.Int64
}

func newSession(peer transport.PeerInfo, c *net.UDPConn, raddr *net.UDPAddr, outbound bool) *session {
	return &session{
		peer:          peer,
		conn:          c,
		raddr:         raddr,
		outbound:      outbound,
		rxCh:          make(chan []byte, 64),
		closed:        make(chan struct{}),
		establishedAt: time.Now(),
	}
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

func (s *session) TransportKind() transport.Kind { return transport.KindUDP }
func (s *session) LocalAddr() net.Addr           { return s.conn.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.raddr }

func (s *session) Stream(context.Context) (transport.Stream, error) { return stream{s}, nil }

func (s *session) Quality() transport.Quality {
	q := transport.Quality{EstablishedAt: s.establishedAt}
	if ns := s.lastSeen.Load(); ns != 0 {
		q.LastSeen = time.Unix(0, ns)
	}
	return q
}

// deliver queues an inbound packet, dropping it when the queue is full.
func (s *session) deliver(pkt []byte) {
	select {
	case s.rxCh <- pkt:
	default:
	}
}

func (s *session) recvLoop() {
	buf := make([]byte, MaxDatagram)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.markClosed()
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.deliver(pkt)
	}
}

func (s *session) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *session) Close() error {
	var err error
	select {
	case <-s.closed:
		return nil
	default:
	}
	if s.outbound {
		err = s.conn.Close()
	}
	s.markClosed()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

type stream struct{ s *session }

func (st stream) SendBytes(b []byte) error {
	if len(b) > MaxDatagram {
		return ErrFrameTooLarge
	}
	select {
	case <-st.s.closed:
		return ErrClosed
	default:
	}
	var err error
	if st.s.outbound {
		_, err = st.s.conn.Write(b)
	} else {
		_, err = st.s.conn.WriteToUDP(b, st.s.raddr)
	}
	if err == nil {
		st.s.lastSeen.Store(time.Now().UnixNano())
	}
	return err
}

func (st stream) RecvBytes() ([]byte, error) {
	select {
	case pkt := <-st.s.rxCh:
		st.s.lastSeen.Store(time.Now().UnixNano())
		return pkt, nil
	case <-st.s.closed:
		return nil, ErrClosed
	}
}

func (st stream) Close() error { return st.s.Close() }
