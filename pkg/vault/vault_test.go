package vault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vaultTestSessID = "sess-1"
	vaultTestTTL    = time.Hour
)

func testTokenMap() map[string]string {
	return map[string]string{
		"[EMAIL_1]": "jane@example.com",
		"[NAME_1]":  "Jane Smith",
	}
}

func TestVault_StoreRevealRoundTrip(t *testing.T) {
	v := New(NewMemoryEntries())
	ctx := context.Background()

	key, err := v.Store(ctx, vaultTestSessID, testTokenMap(), time.Now().Add(vaultTestTTL))
	require.NoError(t, err)
	require.NotEmpty(t, key)

	got, err := v.Reveal(ctx, vaultTestSessID, key)
	require.NoError(t, err)
	assert.Equal(t, testTokenMap(), got)
}

func TestVault_RevealAbsent(t *testing.T) {
	v := New(NewMemoryEntries())

	_, err := v.Reveal(context.Background(), "nonexistent", encodeSecret(make([]byte, secretLen)))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestVault_RevealWrongKey(t *testing.T) {
	v := New(NewMemoryEntries())
	ctx := context.Background()

	_, err := v.Store(ctx, vaultTestSessID, testTokenMap(), time.Now().Add(vaultTestTTL))
	require.NoError(t, err)

	wrong, err := newSecret()
	require.NoError(t, err)

	_, err = v.Reveal(ctx, vaultTestSessID, encodeSecret(wrong))
	assert.ErrorIs(t, err, ErrMiss, "wrong key must miss, never return garbage")
}

func TestVault_RevealMalformedKey(t *testing.T) {
	v := New(NewMemoryEntries())
	ctx := context.Background()

	_, err := v.Store(ctx, vaultTestSessID, testTokenMap(), time.Now().Add(vaultTestTTL))
	require.NoError(t, err)

	_, err = v.Reveal(ctx, vaultTestSessID, "not-a-key")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestVault_RevealExpired(t *testing.T) {
	v := New(NewMemoryEntries())
	ctx := context.Background()

	key, err := v.Store(ctx, vaultTestSessID, testTokenMap(), time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = v.Reveal(ctx, vaultTestSessID, key)
	assert.ErrorIs(t, err, ErrMiss, "expiry is a hard boundary")
}

func TestVault_PurgeIdempotent(t *testing.T) {
	v := New(NewMemoryEntries())
	ctx := context.Background()

	key, err := v.Store(ctx, vaultTestSessID, testTokenMap(), time.Now().Add(vaultTestTTL))
	require.NoError(t, err)

	require.NoError(t, v.Purge(ctx, vaultTestSessID))
	require.NoError(t, v.Purge(ctx, vaultTestSessID), "second purge succeeds")
	require.NoError(t, v.Purge(ctx, "never-existed"), "purge without session succeeds")

	_, err = v.Reveal(ctx, vaultTestSessID, key)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestVault_KeyNeverStoredWithEntry(t *testing.T) {
	entries := NewMemoryEntries()
	v := New(entries)
	ctx := context.Background()

	key, err := v.Store(ctx, vaultTestSessID, testTokenMap(), time.Now().Add(vaultTestTTL))
	require.NoError(t, err)

	entry, err := entries.Get(ctx, vaultTestSessID)
	require.NoError(t, err)
	require.NotNil(t, entry)

	secret, err := decodeSecret(key)
	require.NoError(t, err)
	assert.NotContains(t, string(entry.EncryptedPayload), "jane@example.com")
	assert.NotEqual(t, secret, entry.Salt)
	assert.NotContains(t, string(entry.Salt), string(secret))
	assert.Equal(t, AlgorithmID, entry.AlgorithmID)
}

func TestVault_EntryExpiryIsCallerBound(t *testing.T) {
	entries := NewMemoryEntries()
	v := New(entries)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).UTC()
	_, err := v.Store(ctx, vaultTestSessID, testTokenMap(), expiry)
	require.NoError(t, err)

	entry, err := entries.Get(ctx, vaultTestSessID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.ExpiresAt.Equal(expiry),
		"entry expiry is exactly what the caller bound it to, not recomputed")
}

func TestVault_Sweep(t *testing.T) {
	entries := NewMemoryEntries()
	v := New(entries)
	ctx := context.Background()

	_, err := v.Store(ctx, "fresh", testTokenMap(), time.Now().Add(vaultTestTTL))
	require.NoError(t, err)
	_, err = v.Store(ctx, "stale", testTokenMap(), time.Now().Add(time.Millisecond))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, v.Sweep(ctx))

	entry, err := entries.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = entries.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	secret, err := newSecret()
	require.NoError(t, err)

	payload := []byte(`{"[PHONE_1]":"+49 170 1234567"}`)
	sealed, err := seal(payload, secret)
	require.NoError(t, err)
	assert.NotEqual(t, payload, sealed.ciphertext)

	entry := &Entry{
		EncryptedPayload: sealed.ciphertext,
		Salt:             sealed.salt,
		Nonce:            sealed.nonce,
	}
	got, err := open(entry, secret)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSeal_FreshSaltPerCall(t *testing.T) {
	secret, err := newSecret()
	require.NoError(t, err)

	a, err := seal([]byte("payload"), secret)
	require.NoError(t, err)
	b, err := seal([]byte("payload"), secret)
	require.NoError(t, err)

	assert.NotEqual(t, a.salt, b.salt)
	assert.NotEqual(t, a.nonce, b.nonce)
	assert.NotEqual(t, a.ciphertext, b.ciphertext)
}
