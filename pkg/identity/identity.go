// Package identity loads or creates the node's long-term keys. The ed25519
// key signs credentials; an X25519 key for key agreement is derived from the
// same seed so one secret covers both.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/transport"
)

var ErrBadKey = errors.New("identity: bad private key")

const x25519Info = "connect/x25519/v1"

// Identity is the node's key material.
type Identity struct {
	ID         string
	Private    ed25519.PrivateKey
	Public     ed25519.PublicKey
	ExchPriv   []byte // X25519 scalar
	ExchPublic []byte // X25519 point
}

// FromPrivate builds an Identity from an ed25519 private key.
func FromPrivate(pk ed25519.PrivateKey) (*Identity, error) {
	if len(pk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadKey, len(pk))
	}
	priv, pub, err := deriveX25519(pk.Seed())
	if err != nil {
		return nil, err
	}
	edPub := pk.Public().(ed25519.PublicKey)
	return &Identity{
		ID:         string(transport.CanonicalPeerIDFromPubKey("ed25519", edPub)),
		Private:    pk,
		Public:     edPub,
		ExchPriv:   priv,
		ExchPublic: pub,
	}, nil
}

// Generate creates a fresh identity from r (crypto/rand when nil).
func Generate(r io.Reader) (*Identity, error) {
	if r == nil {
		r = rand.Reader
	}
	_, pk, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return FromPrivate(pk)
}

// Encode returns the private key in the config's base64url form.
func (id *Identity) Encode() string { return base64.RawURLEncoding.EncodeToString(id.Private) }

func deriveX25519(seed []byte) (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(x25519Info)), priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// Load reads the key from config (inline, then file) or generates one. A
// generated key is written back to PrivateKeyFile when that path is set.
func Load(c config.IdentityConfig) (*Identity, error) {
	if alg := strings.ToLower(c.Alg); alg != "" && alg != "ed25519" {
		return nil, fmt.Errorf("identity: unsupported alg %q", c.Alg)
	}
	if s := strings.TrimSpace(c.PrivateKey); s != "" {
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: identity.private_key: %w", ErrBadKey, err)
		}
		return FromPrivate(ed25519.PrivateKey(b))
	}
	if path := strings.TrimSpace(c.PrivateKeyFile); path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			txt := strings.TrimSpace(string(b))
			if db, err := base64.RawURLEncoding.DecodeString(txt); err == nil {
				return FromPrivate(ed25519.PrivateKey(db))
			}
			// raw key bytes
			return FromPrivate(ed25519.PrivateKey(b))
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
		id, err := Generate(nil)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(id.Encode()+"\n"), 0o600); err != nil {
			return nil, err
		}
		zap.L().Info("generated new ed25519 identity", zap.String("peer", id.ID), zap.String("file", path))
		return id, nil
	}
	id, err := Generate(nil)
	if err != nil {
		return nil, err
	}
	zap.L().Info("generated ephemeral ed25519 identity (persist to identity.private_key)", zap.String("peer", id.ID))
	return id, nil
}
