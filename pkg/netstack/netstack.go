// Package netstack binds the built-in channel kinds to transports. Each kind
// gets a factory that wraps its transport in a channel.StreamAdapter.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/protocol/codec"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/mem"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/quic"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/tcp"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/udp"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/ws"
)

var (
	ErrUnsupported = errors.New("netstack: transport not supported on this platform")
	ErrNoBuiltin   = errors.New("netstack: no built-in transport")
)

// Builtin lists the kinds that have a built-in transport.
var Builtin = []channel.Kind{
	channel.DirectLink,
	channel.LocalBroadcast,
	channel.Wired,
	channel.Relay,
	channel.LocalPipe,
	channel.InProcess,
}

// Options tunes the factories.
type Options struct {
	Codecs *codec.Registry
	// MemNetwork scopes in-process links; nil uses the process-wide network.
	MemNetwork *mem.Network
}

// Transport returns a fresh transport for k. A channel's extra "transport"
// option may name a different medium (e.g. "udp" for an emulated radio).
func (o Options) Transport(k channel.Kind, extra map[string]any) (transport.Transport, error) {
	if alias, ok := extra["transport"].(string); ok && alias != "" {
		ak, err := channel.ParseKind(alias)
		if err != nil {
			return nil, err
		}
		k = ak
	}
	switch k {
	case channel.DirectLink:
		return quic.New()
	case channel.LocalBroadcast:
		return udp.New(), nil
	case channel.Wired:
		return tcp.New(), nil
	case channel.Relay:
		return ws.New(), nil
	case channel.LocalPipe:
		return newWinPipeTransport()
	case channel.InProcess:
		if o.MemNetwork != nil {
			return mem.NewOn(o.MemNetwork), nil
		}
		return mem.New(), nil
	default:
		return nil, fmt.Errorf("%w for %s", ErrNoBuiltin, k)
	}
}

// Factory builds stream adapters over the transport chosen for cfg.Kind.
func (o Options) Factory() channel.Factory {
	return func(cfg channel.AdapterConfig) (channel.Adapter, error) {
		tr, err := o.Transport(cfg.Kind, cfg.Extra)
		if err != nil {
			return nil, err
		}
		return channel.NewStreamAdapter(tr, cfg, o.Codecs)
	}
}

// Register adds a factory for every built-in kind to r. Radio kinds are left
// to external drivers unless a config entry aliases them to a transport.
func Register(r *channel.Registry, o Options) {
	f := o.Factory()
	for _, k := range Builtin {
		r.Register(k, f)
	}
	for _, k := range []channel.Kind{channel.ShortRangeRadio, channel.LongRangeRadio} {
		r.Register(k, func(cfg channel.AdapterConfig) (channel.Adapter, error) {
			if _, ok := cfg.Extra["transport"]; !ok {
				return nil, fmt.Errorf("%w for %s (set extra.transport or register a driver)", ErrNoBuiltin, cfg.Kind)
			}
			return f(cfg)
		})
	}
}

// NewRegistry returns a registry with the built-in factories.
func NewRegistry(o Options) *channel.Registry {
	r := channel.NewRegistry()
	Register(r, o)
	return r
}

// PlatformProber reports local-pipe unavailable off Windows and every other
// kind available.
type PlatformProber struct{}

func (PlatformProber) Probe(_ context.Context, k channel.Kind) channel.Availability {
	if k == channel.LocalPipe && runtime.GOOS != "windows" {
		return channel.Unavailable("named pipes require windows")
	}
	return channel.Available
}
