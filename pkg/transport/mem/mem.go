// Package mem is an in-process transport over net.Pipe, used by tests and
// by nodes sharing one process.
package mem

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
)

var (
	ErrListenerExists = errors.New("mem: listener already exists")
	ErrNoListener     = errors.New("mem: no such listener")
)

// Network is a namespace of named in-process listeners. Transports created by
// the same Network can reach each other.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func NewNetwork() *Network { return &Network{listeners: make(map[string]*listener)} }

var defaultNetwork = NewNetwork()

// Transport dials and listens on a Network.
type Transport struct{ net *Network }

// New returns a transport on the process-wide default network.
func New() *Transport { return &Transport{net: defaultNetwork} }

// NewOn returns a transport on n.
func NewOn(n *Network) *Transport { return &Transport{net: n} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, ok := t.net.listeners[name]; ok {
		return nil, ErrListenerExists
	}
	l := &listener{name: name, newCh: make(chan transport.Session, 16), closeCh: make(chan struct{}), net: t.net}
	t.net.listeners[name] = l
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
	t.net.mu.Lock()
	l := t.net.listeners[name]
	t.net.mu.Unlock()
	if l == nil {
		return nil, ErrNoListener
	}
	c1, c2 := net.Pipe()
	srv := transport.NewConnSession(transport.KindMem, transport.PeerInfo{ID: transport.PeerID("temp:mem:" + name + ":inbound"), Addr: name}, c1)
	cli := transport.NewConnSession(transport.KindMem, peer, c2)
	select {
	case l.newCh <- srv:
	case <-ctx.Done():
		_ = srv.Close()
		_ = cli.Close()
		return nil, ctx.Err()
	case <-l.closeCh:
		_ = srv.Close()
		_ = cli.Close()
		return nil, ErrNoListener
	}
	return cli, nil
}

type listener struct {
	name    string
	net     *Network
	newCh   chan transport.Session
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

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
	l.once.Do(func() {
		close(l.closeCh)
		l.net.mu.Lock()
		if l.net.listeners[l.name] == l {
			delete(l.net.listeners, l.name)
		}
		l.net.mu.Unlock()
	})
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
