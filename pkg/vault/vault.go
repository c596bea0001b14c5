// Package vault stores the reversible token-to-original-value mapping
// produced by anonymization, encrypted at rest and keyed per session.
//
// The symmetric key is derived from random key material returned to the
// caller exactly once; the vault persists only the salt needed to
// re-derive it. Whoever holds the key material can reveal the mapping
// until the entry expires; nobody else can, including the vault itself.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AlgorithmID identifies the payload encryption scheme.
const AlgorithmID = "aes-256-gcm/argon2id"

// ErrMiss is returned by Reveal when the entry is expired, absent, or
// the supplied key does not match. Callers surface it as "data
// unavailable"; it is never distinguished further to avoid oracle
// behavior.
var ErrMiss = errors.New("vault miss")

// Entry is a persisted, encrypted token map.
type Entry struct {
	SessionID        string
	EncryptedPayload []byte
	Salt             []byte
	Nonce            []byte
	AlgorithmID      string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// EntryStore persists encrypted entries. At most one entry exists per
// session.
type EntryStore interface {
	// Put stores or replaces the entry for its session.
	Put(ctx context.Context, e *Entry) error

	// Get returns the entry for a session, or nil, nil when absent.
	Get(ctx context.Context, sessionID string) (*Entry, error)

	// Delete removes the entry. Deleting an absent entry is not an
	// error; Delete never requires the owning session to exist.
	Delete(ctx context.Context, sessionID string) error

	// DeleteExpired removes entries past their expiry.
	DeleteExpired(ctx context.Context) error
}

// Vault encrypts token maps and manages their lifecycle over an
// injected EntryStore.
type Vault struct {
	entries EntryStore
}

// New creates a Vault over the given entry store.
func New(entries EntryStore) *Vault {
	return &Vault{entries: entries}
}

// Store encrypts the token map under a fresh per-session key and
// persists it until expiresAt; callers pass the owning session's expiry
// (or an earlier instant) so the entry can never outlive its session.
// It returns the key material encoded as an opaque string; the caller
// must treat it as capability-bearing.
func (v *Vault) Store(ctx context.Context, sessionID string, tokenMap map[string]string, expiresAt time.Time) (string, error) {
	payload, err := json.Marshal(tokenMap)
	if err != nil {
		return "", fmt.Errorf("marshaling token map: %w", err)
	}

	secret, err := newSecret()
	if err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}

	sealed, err := seal(payload, secret)
	if err != nil {
		return "", fmt.Errorf("encrypting payload: %w", err)
	}

	entry := &Entry{
		SessionID:        sessionID,
		EncryptedPayload: sealed.ciphertext,
		Salt:             sealed.salt,
		Nonce:            sealed.nonce,
		AlgorithmID:      AlgorithmID,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        expiresAt.UTC(),
	}
	if err := v.entries.Put(ctx, entry); err != nil {
		return "", fmt.Errorf("persisting vault entry: %w", err)
	}

	return encodeSecret(secret), nil
}

// Reveal decrypts and returns the stored token map. Expiry is a hard
// boundary: an expired entry is a miss even if it is still on disk.
func (v *Vault) Reveal(ctx context.Context, sessionID, key string) (map[string]string, error) {
	entry, err := v.entries.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading vault entry: %w", err)
	}
	if entry == nil || !time.Now().Before(entry.ExpiresAt) {
		return nil, ErrMiss
	}

	secret, err := decodeSecret(key)
	if err != nil {
		return nil, ErrMiss
	}

	payload, err := open(entry, secret)
	if err != nil {
		return nil, ErrMiss
	}

	var tokenMap map[string]string
	if err := json.Unmarshal(payload, &tokenMap); err != nil {
		return nil, ErrMiss
	}
	return tokenMap, nil
}

// Purge removes the entry for a session. It is idempotent and is the
// only deletion path; it succeeds even when no entry exists or the
// owning session record is already gone.
func (v *Vault) Purge(ctx context.Context, sessionID string) error {
	if err := v.entries.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("purging vault entry: %w", err)
	}
	return nil
}

// Sweep removes expired entries opportunistically.
func (v *Vault) Sweep(ctx context.Context) error {
	return v.entries.DeleteExpired(ctx)
}
