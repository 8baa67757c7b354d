package transport

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
)

// TempPeerID builds a provisional peer id from kind and remote address,
// used until the session hello names the real peer.
func TempPeerID(kind Kind, addr net.Addr) PeerID {
	if addr == nil {
		return PeerID(fmt.Sprintf("temp:%s:unknown", kind))
	}
	return PeerID(fmt.Sprintf("temp:%s:%s", kind, addr.String()))
}

// IsTemp reports whether id was built by TempPeerID.
func IsTemp(id PeerID) bool { return strings.HasPrefix(string(id), "temp:") }

// CanonicalPeerIDFromPubKey constructs pk:<alg>:<base64url-nopad(pubkey)>.
func CanonicalPeerIDFromPubKey(alg string, pub []byte) PeerID {
	alg = strings.ToLower(strings.TrimSpace(alg))
	return PeerID("pk:" + alg + ":" + base64.RawURLEncoding.EncodeToString(pub))
}
