//go:build windows

// Package winpipe carries frames over Windows named pipes. It backs the
// local-pipe channel between processes on one host.
package winpipe

import (
	"context"

	"github.com/Microsoft/go-winio"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

func (t *Transport) Listen(ctx context.Context, pipeName string) (transport.Listener, error) {
	l, err := winio.ListenPipe(pipeName, nil)
	if err != nil {
		return nil, err
	}
	cl := transport.NewConnListener(transport.KindWinPipe, l)
	go func() {
		<-ctx.Done()
		_ = cl.Close()
	}()
	return cl, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string, peer transport.PeerInfo) (transport.Session, error) {
	c, err := winio.DialPipeContext(ctx, pipeName)
	if err != nil {
		return nil, err
	}
	if peer.Addr == "" {
		peer.Addr = pipeName
	}
	return transport.NewConnSession(transport.KindWinPipe, peer, c), nil
}
