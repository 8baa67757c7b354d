// Package ws carries frames as binary WebSocket messages. It serves the relay
// channel, where peers meet through an HTTP endpoint.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
)

// Path is the HTTP path the listener upgrades on.
const Path = "/connect"

var ErrClosed = errors.New("ws: session closed")

type Transport struct {
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func New() *Transport {
	return &Transport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindWebSocket }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	var lc net.ListenConfig
	nl, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	wl := &listener{nl: nl, newCh: make(chan transport.Session, 16), closeCh: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		c, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := newSession(transport.PeerInfo{ID: transport.TempPeerID(transport.KindWebSocket, c.RemoteAddr()), Addr: c.RemoteAddr().String()}, c)
		select {
		case wl.newCh <- s:
		default:
			_ = s.Close()
		}
	})
	wl.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = wl.srv.Serve(nl) }()
	go func() {
		select {
		case <-ctx.Done():
			_ = wl.Close()
		case <-wl.closeCh:
		}
	}()
	return wl, nil
}

// Dial accepts "host:port", "ws://host:port/path" or "wss://...".
func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	url := address
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + address + Path
	}
	c, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if peer.Addr == "" {
		peer.Addr = address
	}
	return newSession(peer, c), nil
}

type listener struct {
	nl      net.Listener
	srv     *http.Server
	newCh   chan transport.Session
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.nl.Addr() }

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
		err = l.srv.Close()
	})
	return err
}

type session struct {
	mu            sync.RWMutex
	peer          transport.PeerInfo
	c             *websocket.Conn
	wmu           sync.Mutex
	establishedAt time.Time
	lastSeen      atomic.Int64
	closeOnce     sync.Once
	closeErr      error
}

func newSession(peer transport.PeerInfo, c *websocket.Conn) *session {
	return &session{peer: peer, c: c, establishedAt: time.Now()}
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

func (s *session) TransportKind() transport.Kind { return transport.KindWebSocket }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }

func (s *session) Stream(context.Context) (transport.Stream, error) { return s, nil }

func (s *session) Quality() transport.Quality {
	q := transport.Quality{EstablishedAt: s.establishedAt}
	if ns := s.lastSeen.Load(); ns != 0 {
		q.LastSeen = time.Unix(0, ns)
	}
	return q
}

func (s *session) SendBytes(b []byte) error {
	if len(b) > transport.MaxFrameSize {
		return transport.ErrFrameTooLarge
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.c.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return err
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return nil
}

// RecvBytes returns the next binary message, skipping text frames.
func (s *session) RecvBytes() ([]byte, error) {
	for {
		mt, data, err := s.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.lastSeen.Store(time.Now().UnixNano())
		return data, nil
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.wmu.Lock()
		_ = s.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.wmu.Unlock()
		s.closeErr = s.c.Close()
	})
	return s.closeErr
}
