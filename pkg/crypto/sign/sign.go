// Package sign holds the canonical transcripts node credentials are signed
// over, and the ed25519 helpers that sign and check them.
package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

var ErrBadSignature = errors.New("sign: signature invalid")

// CredentialTranscript builds the canonical transcript of a credential:
//
//	connect:cred|v=1|id=<peer id>|sig=<b64url ed25519 pub>|kx=<b64url x25519 pub>|iat=<unix_ms>|exp=<unix_ms>
func CredentialTranscript(peerID string, signingKey, exchangeKey []byte, issuedMS, expiresMS int64) []byte {
	b64 := base64.RawURLEncoding
	var sb strings.Builder
	sb.Grow(96 + len(peerID))
	sb.WriteString("connect:cred|v=1|id=")
	sb.WriteString(peerID)
	sb.WriteString("|sig=")
	sb.WriteString(b64.EncodeToString(signingKey))
	sb.WriteString("|kx=")
	sb.WriteString(b64.EncodeToString(exchangeKey))
	sb.WriteString("|iat=")
	sb.WriteString(strconv.FormatInt(issuedMS, 10))
	sb.WriteString("|exp=")
	sb.WriteString(strconv.FormatInt(expiresMS, 10))
	return []byte(sb.String())
}

func SignEd25519(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// VerifyEd25519 checks sig and the key size.
func VerifyEd25519(pub ed25519.PublicKey, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrBadSignature
	}
	return nil
}
