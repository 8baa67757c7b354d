package secure

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/curve25519"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/crypto/sign"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/identity"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
)

var (
	ErrBadCredential     = errors.New("secure: malformed credential")
	ErrCredentialExpired = errors.New("secure: credential expired")
)

// Credential is a bearer token binding a node id to its signing and key
// agreement keys until ExpiresAt.
type Credential struct {
	PeerID      string    `msgpack:"id"`
	SigningKey  []byte    `msgpack:"sig_key"`
	ExchangeKey []byte    `msgpack:"kx_key"`
	IssuedAt    time.Time `msgpack:"iat"`
	ExpiresAt   time.Time `msgpack:"exp"`
	Signature   []byte    `msgpack:"sig"`
}

func (c Credential) transcript() []byte {
	return sign.CredentialTranscript(c.PeerID, c.SigningKey, c.ExchangeKey, c.IssuedAt.UnixMilli(), c.ExpiresAt.UnixMilli())
}

// Issue self-signs a credential for id valid for ttl from now.
func Issue(id *identity.Identity, now time.Time, ttl time.Duration) Credential {
	c := Credential{
		PeerID:      id.ID,
		SigningKey:  append([]byte(nil), id.Public...),
		ExchangeKey: append([]byte(nil), id.ExchPublic...),
		IssuedAt:    time.UnixMilli(now.UnixMilli()),
		ExpiresAt:   time.UnixMilli(now.Add(ttl).UnixMilli()),
	}
	c.Signature = sign.SignEd25519(id.Private, c.transcript())
	return c
}

func (c Credential) Encode() ([]byte, error) { return msgpack.Marshal(c) }

func DecodeCredential(b []byte) (Credential, error) {
	var c Credential
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	return c, nil
}

// Verification is what an identity provider vouches for.
type Verification struct {
	PeerID      string
	ExchangeKey []byte
	ExpiresAt   time.Time
}

// IdentityProvider checks a bearer credential.
type IdentityProvider interface {
	Verify(ctx context.Context, credential []byte, now time.Time) (Verification, error)
}

// Ed25519Provider accepts self-signed credentials whose id is the canonical
// id of the signing key.
type Ed25519Provider struct{}

func (Ed25519Provider) Verify(ctx context.Context, raw []byte, now time.Time) (Verification, error) {
	if err := ctx.Err(); err != nil {
		return Verification{}, err
	}
	c, err := DecodeCredential(raw)
	if err != nil {
		return Verification{}, err
	}
	if len(c.SigningKey) != ed25519.PublicKeySize || len(c.ExchangeKey) != curve25519.PointSize {
		return Verification{}, fmt.Errorf("%w: key sizes", ErrBadCredential)
	}
	if want := string(transport.CanonicalPeerIDFromPubKey("ed25519", c.SigningKey)); c.PeerID != want {
		return Verification{}, fmt.Errorf("%w: id does not match key", ErrBadCredential)
	}
	if err := sign.VerifyEd25519(c.SigningKey, c.transcript(), c.Signature); err != nil {
		return Verification{}, err
	}
	if !now.Before(c.ExpiresAt) {
		return Verification{}, fmt.Errorf("%w: at %s", ErrCredentialExpired, c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return Verification{PeerID: c.PeerID, ExchangeKey: c.ExchangeKey, ExpiresAt: c.ExpiresAt}, nil
}
