package secure_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/channel"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/crypto/sign"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/identity"
	"github.com/SacredShifter/sacred-shift-connect-sub000/pkg/secure"
)

var _ channel.Encryptor = (*secure.Manager)(nil)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type side struct {
	id  *identity.Identity
	mgr *secure.Manager
}

func pair(t *testing.T, clk *clock) (a, b side) {
	t.Helper()
	mk := func() side {
		id, err := identity.Generate(nil)
		require.NoError(t, err)
		m, err := secure.NewManager(secure.Options{
			Identity:         id,
			RotationInterval: time.Hour,
			KeyLifetime:      2 * time.Hour,
			CredentialTTL:    24 * time.Hour,
			Now:              clk.Now,
			Logger:           zap.NewNop(),
		})
		require.NoError(t, err)
		return side{id: id, mgr: m}
	}
	a, b = mk(), mk()
	ctx := context.Background()
	credA, err := a.mgr.Credential()
	require.NoError(t, err)
	credB, err := b.mgr.Credential()
	require.NoError(t, err)
	require.NoError(t, a.mgr.Authenticate(ctx, b.id.ID, credB))
	require.NoError(t, b.mgr.Authenticate(ctx, a.id.ID, credA))
	return a, b
}

func TestEncryptDecrypt(t *testing.T) {
	clk := &clock{t: t0}
	a, b := pair(t, clk)
	pt := []byte("meet at the ridge")

	ct, err := a.mgr.Encrypt(b.id.ID, pt)
	require.NoError(t, err)
	assert.Len(t, ct, chacha20poly1305.NonceSizeX+len(pt)+chacha20poly1305.Overhead)
	again, err := a.mgr.Encrypt(b.id.ID, pt)
	require.NoError(t, err)
	assert.NotEqual(t, ct[:chacha20poly1305.NonceSizeX], again[:chacha20poly1305.NonceSizeX], "fresh nonce per message")

	got, err := b.mgr.Decrypt(a.id.ID, ct)
	require.NoError(t, err)
	assert.Equal(t, pt, got)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = b.mgr.Decrypt(a.id.ID, tampered)
	assert.ErrorIs(t, err, secure.ErrDecryptionFailed)
	_, err = b.mgr.Decrypt(a.id.ID, ct[:10])
	assert.ErrorIs(t, err, secure.ErrDecryptionFailed)

	st := b.mgr.Stats()
	assert.Equal(t, 1, st.Authenticated)
	assert.EqualValues(t, 2, st.AuthFailures)
	assert.EqualValues(t, 1, st.Decryptions)
	assert.EqualValues(t, 2, a.mgr.Stats().Encryptions)
}

func TestUnauthenticatedPeersGetNoCiphertext(t *testing.T) {
	clk := &clock{t: t0}
	a, _ := pair(t, clk)
	_, err := a.mgr.Encrypt("pk:ed25519:stranger", []byte("x"))
	assert.ErrorIs(t, err, secure.ErrPeerUnauthenticated)
	_, err = a.mgr.Decrypt("pk:ed25519:stranger", make([]byte, 64))
	assert.ErrorIs(t, err, secure.ErrPeerUnauthenticated)
}

func TestSenderIDIsAuthenticated(t *testing.T) {
	clk := &clock{t: t0}
	a, b := pair(t, clk)
	c, _ := pair(t, clk)
	ctx := context.Background()
	credC, err := c.mgr.Credential()
	require.NoError(t, err)
	require.NoError(t, b.mgr.Authenticate(ctx, c.id.ID, credC))

	ct, err := a.mgr.Encrypt(b.id.ID, []byte("from a"))
	require.NoError(t, err)
	_, err = b.mgr.Decrypt(c.id.ID, ct)
	assert.ErrorIs(t, err, secure.ErrDecryptionFailed)
}

func TestAuthenticateRejects(t *testing.T) {
	clk := &clock{t: t0}
	a, b := pair(t, clk)
	ctx := context.Background()
	credB, err := b.mgr.Credential()
	require.NoError(t, err)

	err = a.mgr.Authenticate(ctx, "pk:ed25519:someone-else", credB)
	assert.ErrorIs(t, err, secure.ErrPeerUnauthenticated)

	c, err := secure.DecodeCredential(credB)
	require.NoError(t, err)
	c.ExpiresAt = c.ExpiresAt.Add(time.Hour)
	forged, err := c.Encode()
	require.NoError(t, err)
	err = a.mgr.Authenticate(ctx, b.id.ID, forged)
	assert.ErrorIs(t, err, secure.ErrPeerUnauthenticated)
	assert.ErrorIs(t, err, sign.ErrBadSignature)

	clk.Set(t0.Add(25 * time.Hour))
	err = a.mgr.Authenticate(ctx, b.id.ID, credB)
	assert.ErrorIs(t, err, secure.ErrCredentialExpired)

	err = a.mgr.Authenticate(ctx, b.id.ID, []byte("junk"))
	assert.ErrorIs(t, err, secure.ErrBadCredential)
	assert.EqualValues(t, 4, a.mgr.Stats().AuthFailures)
}

func TestRotationKeepsPreviousKeyUntilExpiry(t *testing.T) {
	clk := &clock{t: t0}
	a, b := pair(t, clk)
	old, err := b.mgr.Encrypt(a.id.ID, []byte("epoch one"))
	require.NoError(t, err)

	clk.Set(t0.Add(time.Hour))
	rotated, expired := a.mgr.Rotate(clk.Now())
	assert.Equal(t, 1, rotated)
	assert.Empty(t, expired)
	assert.EqualValues(t, 2, a.mgr.Peers()[0].Epoch)

	got, err := a.mgr.Decrypt(b.id.ID, old)
	require.NoError(t, err, "previous key still valid")
	assert.Equal(t, []byte("epoch one"), got)

	// b has not rotated yet and catches up on the first newer message.
	fresh, err := a.mgr.Encrypt(b.id.ID, []byte("epoch two"))
	require.NoError(t, err)
	got, err = b.mgr.Decrypt(a.id.ID, fresh)
	require.NoError(t, err)
	assert.Equal(t, []byte("epoch two"), got)
	assert.EqualValues(t, 2, b.mgr.Peers()[0].Epoch)

	clk.Set(t0.Add(3 * time.Hour))
	_, err = a.mgr.Decrypt(b.id.ID, old)
	assert.ErrorIs(t, err, secure.ErrDecryptionFailed, "previous key expired")
}

func TestRotationDropsExpiredCredentials(t *testing.T) {
	clk := &clock{t: t0}
	a, b := pair(t, clk)
	_, expired := a.mgr.Rotate(t0.Add(25 * time.Hour))
	assert.Equal(t, []string{b.id.ID}, expired)
	assert.False(t, a.mgr.Authenticated(b.id.ID))
	assert.Empty(t, a.mgr.Peers())
}

func TestProviderChecksIdentityBinding(t *testing.T) {
	id, err := identity.Generate(nil)
	require.NoError(t, err)
	other, err := identity.Generate(nil)
	require.NoError(t, err)
	c := secure.Issue(id, t0, time.Hour)
	c.PeerID = other.ID
	raw, err := c.Encode()
	require.NoError(t, err)
	_, err = secure.Ed25519Provider{}.Verify(context.Background(), raw, t0)
	assert.ErrorIs(t, err, secure.ErrBadCredential)

	raw, err = secure.Issue(id, t0, time.Hour).Encode()
	require.NoError(t, err)
	v, err := secure.Ed25519Provider{}.Verify(context.Background(), raw, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, id.ID, v.PeerID)
	assert.Equal(t, id.ExchPublic, v.ExchangeKey)
}
