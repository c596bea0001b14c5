package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverlens/coverlens/pkg/vault"
)

var entryColumns = []string{
	"session_id", "encrypted_payload", "salt", "nonce", "algorithm_id", "created_at", "expires_at",
}

func newMock(t *testing.T) (*Entries, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func testEntry() *vault.Entry {
	now := time.Now().UTC()
	return &vault.Entry{
		SessionID:        "sess-1",
		EncryptedPayload: []byte{0x01, 0x02},
		Salt:             []byte{0x03, 0x04},
		Nonce:            []byte{0x05, 0x06},
		AlgorithmID:      vault.AlgorithmID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	}
}

func TestPut_Success(t *testing.T) {
	store, mock := newMock(t)
	entry := testEntry()

	mock.ExpectExec("INSERT INTO pii_vault_entries").WithArgs(
		entry.SessionID, entry.EncryptedPayload, entry.Salt, entry.Nonce,
		entry.AlgorithmID, entry.CreatedAt, entry.ExpiresAt,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.Put(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPut_DBError(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO pii_vault_entries").
		WillReturnError(errors.New("connection refused"))

	assert.Error(t, store.Put(context.Background(), testEntry()))
}

func TestGet_Success(t *testing.T) {
	store, mock := newMock(t)
	entry := testEntry()

	mock.ExpectQuery("SELECT session_id, encrypted_payload").WithArgs(entry.SessionID).
		WillReturnRows(sqlmock.NewRows(entryColumns).AddRow(
			entry.SessionID, entry.EncryptedPayload, entry.Salt, entry.Nonce,
			entry.AlgorithmID, entry.CreatedAt, entry.ExpiresAt,
		))

	got, err := store.Get(context.Background(), entry.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.EncryptedPayload, got.EncryptedPayload)
	assert.Equal(t, vault.AlgorithmID, got.AlgorithmID)
}

func TestGet_Absent(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT session_id, encrypted_payload").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(entryColumns))

	got, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("DELETE FROM pii_vault_entries").WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.Delete(context.Background(), "sess-1"))
}

func TestDelete_AbsentIsNoError(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("DELETE FROM pii_vault_entries").WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, store.Delete(context.Background(), "missing"))
}

func TestDeleteExpired(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("DELETE FROM pii_vault_entries").
		WillReturnResult(sqlmock.NewResult(0, 2))

	assert.NoError(t, store.DeleteExpired(context.Background()))
}
