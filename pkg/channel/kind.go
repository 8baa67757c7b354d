// Package channel is the Channel Abstraction Layer: a closed set of channel
// kinds, a uniform Adapter capability interface implemented once per medium,
// a registry of adapter factories keyed by kind, and the Layer that connects,
// sends with fallback and discovers peers across every active adapter.
package channel

import (
	"fmt"
	"strings"
)

// Kind is a transport-specific medium.
type Kind int

const (
	KindUnknown Kind = iota
	DirectLink
	LocalBroadcast
	ShortRangeRadio
	LongRangeRadio
	Wired
	Relay
	LocalPipe
	InProcess
	numKinds
)

var kindNames = [...]string{
	KindUnknown:     "unknown",
	DirectLink:      "direct-link",
	LocalBroadcast:  "local-broadcast",
	ShortRangeRadio: "short-range-radio",
	LongRangeRadio:  "long-range-radio",
	Wired:           "wired",
	Relay:           "relay",
	LocalPipe:       "local-pipe",
	InProcess:       "in-process",
}

// aliases name kinds by the transport backing them.
var aliases = map[string]Kind{
	"quic":    DirectLink,
	"udp":     LocalBroadcast,
	"tcp":     Wired,
	"ws":      Relay,
	"winpipe": LocalPipe,
	"mem":     InProcess,
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// UnknownKindError is returned for kinds outside the closed set or without a
// registered factory.
type UnknownKindError string

func (e UnknownKindError) Error() string { return fmt.Sprintf("channel: unknown kind %q", string(e)) }

// ParseKind accepts kind names ("direct-link") and transport aliases ("quic"),
// case-insensitively.
func ParseKind(s string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	for k := DirectLink; k < numKinds; k++ {
		if kindNames[k] == n {
			return k, nil
		}
	}
	if k, ok := aliases[n]; ok {
		return k, nil
	}
	return KindUnknown, UnknownKindError(s)
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds-1)
	for k := DirectLink; k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
