package channel

import "errors"

var (
	// ErrChannelUnavailable is reported when a probe finds the medium absent.
	ErrChannelUnavailable = errors.New("channel: unavailable")
	// ErrSendFailed is a transient per-adapter failure; the layer falls back.
	ErrSendFailed = errors.New("channel: send failed")
	// ErrNoViableChannel means every fallback attempt was exhausted.
	ErrNoViableChannel = errors.New("channel: no viable channel")
	ErrNotConnected    = errors.New("channel: adapter not connected")
	ErrMessageExpired  = errors.New("channel: message expired")
)
