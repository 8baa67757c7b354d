package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MaxFrameSize bounds one length-prefixed frame.
const MaxFrameSize = 1 << 24

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("transport: invalid frame size")

// FramedStream implements Stream over a byte stream with u32 LE length
// prefixes.
type FramedStream struct {
	wmu    sync.Mutex
	br     *bufio.Reader
	bw     *bufio.Writer
	closer io.Closer
	seen   func()
}

// NewFramedStream wraps rw. onActivity, if set, is called after every frame.
func NewFramedStream(rw io.ReadWriteCloser, onActivity func()) *FramedStream {
	return &FramedStream{br: bufio.NewReader(rw), bw: bufio.NewWriter(rw), closer: rw, seen: onActivity}
}

func (s *FramedStream) SendBytes(b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	if s.seen != nil {
		s.seen()
	}
	return nil
}

func (s *FramedStream) RecvBytes() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	if s.seen != nil {
		s.seen()
	}
	return buf, nil
}

func (s *FramedStream) Close() error { return s.closer.Close() }

// ConnSession is a Session over a single net.Conn with one framed stream.
// tcp, mem and winpipe share it.
type ConnSession struct {
	mu            sync.RWMutex
	peer          PeerInfo
	kind          Kind
	c             net.Conn
	stream        *FramedStream
	establishedAt time.Time
	lastSeen      atomic.Int64
	closeOnce     sync.Once
	closeErr      error
}

// NewConnSession wraps c.
func NewConnSession(kind Kind, peer PeerInfo, c net.Conn) *ConnSession {
	s := &ConnSession{peer: peer, kind: kind, c: c, establishedAt: time.Now()}
	s.stream = NewFramedStream(c, func() { s.lastSeen.Store(time.Now().UnixNano()) })
	return s
}

func (s *ConnSession) Peer() PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

func (s *ConnSession) SetPeer(pi PeerInfo) {
	s.mu.Lock()
	s.peer = pi
	s.mu.Unlock()
}

func (s *ConnSession) TransportKind() Kind                       { return s.kind }
func (s *ConnSession) LocalAddr() net.Addr                       { return s.c.LocalAddr() }
func (s *ConnSession) RemoteAddr() net.Addr                      { return s.c.RemoteAddr() }
func (s *ConnSession) Stream(_ context.Context) (Stream, error) { return s.stream, nil }

func (s *ConnSession) Quality() Quality {
	q := Quality{EstablishedAt: s.establishedAt}
	if ns := s.lastSeen.Load(); ns != 0 {
		q.LastSeen = time.Unix(0, ns)
	}
	return q
}

func (s *ConnSession) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.c.Close() })
	return s.closeErr
}

// ConnListener adapts a net.Listener producing ConnSessions.
type ConnListener struct {
	l       net.Listener
	kind    Kind
	newCh   chan Session
	closeCh chan struct{}
	once    sync.Once
}

// NewConnListener starts accepting on l in the background.
func NewConnListener(kind Kind, l net.Listener) *ConnListener {
	cl := &ConnListener{l: l, kind: kind, newCh: make(chan Session, 16), closeCh: make(chan struct{})}
	go cl.acceptLoop()
	return cl
}

func (l *ConnListener) Addr() net.Addr { return l.l.Addr() }

func (l *ConnListener) Accept(ctx context.Context) (Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, net.ErrClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *ConnListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

func (l *ConnListener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		s := NewConnSession(l.kind, PeerInfo{ID: TempPeerID(l.kind, c.RemoteAddr()), Addr: c.RemoteAddr().String()}, c)
		select {
		case l.newCh <- s:
		case <-l.closeCh:
			_ = s.Close()
			return
		default:
			_ = s.Close()
		}
	}
}
