// Package tcp implements a stream transport over TCP with u32 LE
// length-prefixed frames.
package tcp

import (
	"context"
	"net"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
)

type Transport struct{ dialer net.Dialer }

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tl := transport.NewConnListener(transport.KindTCP, l)
	go func() { <-ctx.Done(); _ = tl.Close() }()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	c, err := t.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if peer.Addr == "" {
		peer.Addr = address
	}
	return transport.NewConnSession(transport.KindTCP, peer, c), nil
}
