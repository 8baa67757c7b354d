// Package secure manages per-peer session keys: authentication through an
// identity provider, X25519 key agreement, HKDF-derived keys per epoch with
// rotation, and XChaCha20-Poly1305 sealing of payloads.
package secure

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/config"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/identity"
)

var (
	ErrPeerUnauthenticated = errors.New("secure: peer unauthenticated")
	ErrDecryptionFailed    = errors.New("secure: decryption failed")
)

const keyInfoPrefix = "connect/session/v1/epoch="

type Options struct {
	Identity *identity.Identity
	Provider IdentityProvider
	// RotationInterval is how often Run rotates; KeyLifetime bounds how
	// long a key decrypts after it is created.
	RotationInterval time.Duration
	KeyLifetime      time.Duration
	CredentialTTL    time.Duration
	Rand             io.Reader
	Now              func() time.Time
	Logger           *zap.Logger
}

// OptionsFromConfig copies the tunables of c.
func OptionsFromConfig(c config.SecurityConfig) Options {
	return Options{
		RotationInterval: c.RotationInterval,
		KeyLifetime:      c.KeyLifetime,
		CredentialTTL:    c.CredentialTTL,
	}
}

type sessionKey struct {
	epoch   uint64
	aead    cipher.AEAD
	created time.Time
	expires time.Time
}

type peerState struct {
	id         string
	shared     []byte
	credExpiry time.Time
	current    *sessionKey
	previous   *sessionKey
}

// PeerInfo describes one authenticated peer.
type PeerInfo struct {
	ID                string    `json:"id"`
	Epoch             uint64    `json:"epoch"`
	KeyCreated        time.Time `json:"key_created"`
	KeyExpires        time.Time `json:"key_expires"`
	CredentialExpires time.Time `json:"credential_expires"`
}

// Stats are cumulative counters.
type Stats struct {
	Authenticated int    `json:"authenticated"`
	AuthFailures  uint64 `json:"auth_failures"`
	Encryptions   uint64 `json:"encryptions"`
	Decryptions   uint64 `json:"decryptions"`
	Rotations     uint64 `json:"rotations"`
}

// Manager implements channel.Encryptor.
type Manager struct {
	self     *identity.Identity
	provider IdentityProvider
	opts     Options
	log      *zap.Logger

	mu    sync.RWMutex
	peers map[string]*peerState

	failures, encryptions, decryptions, rotations atomic.Uint64
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Identity == nil {
		return nil, errors.New("secure: identity is required")
	}
	if opts.Provider == nil {
		opts.Provider = Ed25519Provider{}
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = time.Hour
	}
	if opts.KeyLifetime <= 0 {
		opts.KeyLifetime = 2 * opts.RotationInterval
	}
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = 24 * time.Hour
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Manager{
		self:     opts.Identity,
		provider: opts.Provider,
		opts:     opts,
		log:      opts.Logger.Named("secure"),
		peers:    make(map[string]*peerState),
	}, nil
}

// Credential issues this node's encoded credential.
func (m *Manager) Credential() ([]byte, error) {
	return Issue(m.self, m.opts.Now(), m.opts.CredentialTTL).Encode()
}

// Authenticate verifies peerID's credential and establishes its first key.
// Re-authenticating refreshes the credential expiry and keeps the keys.
func (m *Manager) Authenticate(ctx context.Context, peerID string, credential []byte) error {
	now := m.opts.Now()
	v, err := m.provider.Verify(ctx, credential, now)
	if err == nil && v.PeerID != peerID {
		err = fmt.Errorf("credential names %s", v.PeerID)
	}
	if err != nil {
		m.failures.Add(1)
		m.log.Warn("peer authentication failed", zap.String("peer", peerID), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrPeerUnauthenticated, peerID, err)
	}
	shared, err := curve25519.X25519(m.self.ExchPriv, v.ExchangeKey)
	if err != nil {
		m.failures.Add(1)
		return fmt.Errorf("%w: %s: key agreement: %w", ErrPeerUnauthenticated, peerID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok && string(p.shared) == string(shared) {
		p.credExpiry = v.ExpiresAt
		return nil
	}
	p := &peerState{id: peerID, shared: shared, credExpiry: v.ExpiresAt}
	k, err := m.derive(p, 1, now)
	if err != nil {
		return err
	}
	p.current = k
	m.peers[peerID] = p
	m.log.Info("peer authenticated", zap.String("peer", peerID), zap.Time("expires", v.ExpiresAt))
	return nil
}

func (m *Manager) derive(p *peerState, epoch uint64, now time.Time) (*sessionKey, error) {
	ids := []string{m.self.ID, p.id}
	sort.Strings(ids)
	salt := []byte(ids[0] + "|" + ids[1])
	r := hkdf.New(sha256.New, p.shared, salt, []byte(keyInfoPrefix+strconv.FormatUint(epoch, 10)))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &sessionKey{epoch: epoch, aead: aead, created: now, expires: now.Add(m.opts.KeyLifetime)}, nil
}

func (m *Manager) Authenticated(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[peerID]
	return ok
}

// Deauthenticate forgets every key of peerID.
func (m *Manager) Deauthenticate(peerID string) {
	m.mu.Lock()
	delete(m.peers, peerID)
	m.mu.Unlock()
}

// Peers lists authenticated peers by id.
func (m *Manager) Peers() []PeerInfo {
	m.mu.RLock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerInfo{
			ID:                p.id,
			Epoch:             p.current.epoch,
			KeyCreated:        p.current.created,
			KeyExpires:        p.current.expires,
			CredentialExpires: p.credExpiry,
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Encrypt seals plaintext for peerID as nonce || ciphertext, with this
// node's id as associated data.
func (m *Manager) Encrypt(peerID string, plaintext []byte) ([]byte, error) {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	var k *sessionKey
	if ok {
		k = p.current
	}
	m.mu.RUnlock()
	if k == nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnauthenticated, peerID)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := io.ReadFull(m.opts.Rand, nonce); err != nil {
		return nil, fmt.Errorf("secure: nonce: %w", err)
	}
	out := k.aead.Seal(nonce, nonce, plaintext, []byte(m.self.ID))
	m.encryptions.Add(1)
	return out, nil
}

// Decrypt opens a payload sealed by peerID. It tries the current key, the
// previous one while unexpired, and the next epoch in case the sender
// rotated first; a next-epoch success advances the local key.
func (m *Manager) Decrypt(peerID string, sealed []byte) ([]byte, error) {
	now := m.opts.Now()
	m.mu.RLock()
	p, ok := m.peers[peerID]
	var cur, prev *sessionKey
	if ok {
		cur, prev = p.current, p.previous
	}
	m.mu.RUnlock()
	if !ok {
		m.failures.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrPeerUnauthenticated, peerID)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		m.failures.Add(1)
		return nil, fmt.Errorf("%w: %d bytes", ErrDecryptionFailed, len(sealed))
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	ad := []byte(peerID)

	if pt, err := cur.aead.Open(nil, nonce, ct, ad); err == nil {
		m.decryptions.Add(1)
		return pt, nil
	}
	if prev != nil && now.Before(prev.expires) {
		if pt, err := prev.aead.Open(nil, nonce, ct, ad); err == nil {
			m.decryptions.Add(1)
			return pt, nil
		}
	}
	if next, err := m.derive(p, cur.epoch+1, now); err == nil {
		if pt, err := next.aead.Open(nil, nonce, ct, ad); err == nil {
			m.mu.Lock()
			if p.current == cur {
				p.previous, p.current = cur, next
			}
			m.mu.Unlock()
			m.decryptions.Add(1)
			return pt, nil
		}
	}
	m.failures.Add(1)
	m.log.Warn("decryption failed", zap.String("peer", peerID))
	return nil, fmt.Errorf("%w: %s", ErrDecryptionFailed, peerID)
}

// Rotate advances every authenticated peer to a fresh epoch, drops expired
// previous keys and de-authenticates peers whose credential has expired.
func (m *Manager) Rotate(now time.Time) (rotated int, expired []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.peers {
		if !now.Before(p.credExpiry) {
			delete(m.peers, id)
			expired = append(expired, id)
			continue
		}
		next, err := m.derive(p, p.current.epoch+1, now)
		if err != nil {
			continue
		}
		p.previous, p.current = p.current, next
		rotated++
	}
	for _, p := range m.peers {
		if p.previous != nil && !now.Before(p.previous.expires) {
			p.previous = nil
		}
	}
	sort.Strings(expired)
	m.rotations.Add(1)
	for _, id := range expired {
		m.log.Info("peer credential expired", zap.String("peer", id))
	}
	return rotated, expired
}

// Run rotates on the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.RotationInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Rotate(m.opts.Now())
		}
	}
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	n := len(m.peers)
	m.mu.RUnlock()
	return Stats{
		Authenticated: n,
		AuthFailures:  m.failures.Load(),
		Encryptions:   m.encryptions.Load(),
		Decryptions:   m.decryptions.Load(),
		Rotations:     m.rotations.Load(),
	}
}

// Reset forgets every peer.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.peers = make(map[string]*peerState)
	m.mu.Unlock()
}
