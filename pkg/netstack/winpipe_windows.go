//go:build windows

package netstack

import (
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) { return winpipe.New(), nil }
