package channel

import "time"

// Peer is a remote node seen on one or more channels.
type Peer struct {
	ID             string    `msgpack:"id" json:"id"`
	DisplayName    string    `msgpack:"name" json:"displayName,omitempty"`
	Channels       []Kind    `msgpack:"channels" json:"channels"`
	SignalStrength float64   `msgpack:"signal" json:"signalStrength"`
	LastSeen       time.Time `msgpack:"seen" json:"lastSeen"`
	Capabilities   []string  `msgpack:"caps" json:"capabilities,omitempty"`
	PublicKey      []byte    `msgpack:"pub" json:"publicKey,omitempty"`
	// Credential is the peer's encoded bearer credential, verified by the
	// identity provider before any encrypted exchange.
	Credential     []byte    `msgpack:"cred" json:"-"`
}

// HasChannel reports whether k is among p's known channels.
func (p Peer) HasChannel(k Kind) bool {
	for _, c := range p.Channels {
		if c == k {
			return true
		}
	}
	return false
}

// Merge folds a newer sighting into p: channels are unioned, scalar fields
// take the sighting's non-zero values.
func (p Peer) Merge(s Peer) Peer {
	for _, k := range s.Channels {
		if !p.HasChannel(k) {
			p.Channels = append(p.Channels, k)
		}
	}
	if s.DisplayName != "" {
		p.DisplayName = s.DisplayName
	}
	if s.SignalStrength > 0 {
		p.SignalStrength = s.SignalStrength
	}
	if s.LastSeen.After(p.LastSeen) {
		p.LastSeen = s.LastSeen
	}
	if len(s.Capabilities) > 0 {
		p.Capabilities = s.Capabilities
	}
	if len(s.PublicKey) > 0 {
		p.PublicKey = s.PublicKey
	}
	if len(s.Credential) > 0 {
		p.Credential = s.Credential
	}
	return p
}
