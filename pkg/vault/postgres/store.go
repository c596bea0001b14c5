// Package postgres provides PostgreSQL storage for encrypted vault
// entries. Only ciphertext, salt and nonce are persisted; key material
// never reaches this package.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coverlens/coverlens/pkg/vault"
)

// Entries implements vault.EntryStore using PostgreSQL.
type Entries struct {
	db *sql.DB
}

// New creates a new PostgreSQL entry store.
func New(db *sql.DB) *Entries {
	return &Entries{db: db}
}

// Put stores or replaces the entry for its session.
func (e *Entries) Put(ctx context.Context, entry *vault.Entry) error {
	query := `
		INSERT INTO pii_vault_entries (session_id, encrypted_payload, salt, nonce, algorithm_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE
		SET encrypted_payload = EXCLUDED.encrypted_payload,
		    salt = EXCLUDED.salt,
		    nonce = EXCLUDED.nonce,
		    algorithm_id = EXCLUDED.algorithm_id,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
	`
	_, err := e.db.ExecContext(ctx, query,
		entry.SessionID, entry.EncryptedPayload, entry.Salt, entry.Nonce,
		entry.AlgorithmID, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting vault entry: %w", err)
	}
	return nil
}

// Get returns the entry for a session, or nil, nil when absent.
func (e *Entries) Get(ctx context.Context, sessionID string) (*vault.Entry, error) {
	query := `
		SELECT session_id, encrypted_payload, salt, nonce, algorithm_id, created_at, expires_at
		FROM pii_vault_entries
		WHERE session_id = $1
	`
	row := e.db.QueryRowContext(ctx, query, sessionID)

	var entry vault.Entry
	err := row.Scan(&entry.SessionID, &entry.EncryptedPayload, &entry.Salt, &entry.Nonce,
		&entry.AlgorithmID, &entry.CreatedAt, &entry.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // EntryStore specifies nil,nil for absent
	}
	if err != nil {
		return nil, fmt.Errorf("scanning vault entry: %w", err)
	}
	return &entry, nil
}

// Delete removes the entry.
func (e *Entries) Delete(ctx context.Context, sessionID string) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM pii_vault_entries WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting vault entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries past their expiry.
func (e *Entries) DeleteExpired(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM pii_vault_entries WHERE expires_at <= NOW()`)
	if err != nil {
		return fmt.Errorf("deleting expired vault entries: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ vault.EntryStore = (*Entries)(nil)
