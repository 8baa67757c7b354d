//go:build !windows

package netstack

import "github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"

func newWinPipeTransport() (transport.Transport, error) { return nil, ErrUnsupported }
