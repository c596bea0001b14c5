// Package postgres provides PostgreSQL storage for the consent ledger.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/coverlens/coverlens/pkg/consent"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// consentColumns lists columns returned by consent SELECT queries.
var consentColumns = []string{
	"id", "session_id", "choices", "recorded_at", "source_ip", "user_agent", "reason",
}

// Ledger implements consent.Ledger using PostgreSQL.
type Ledger struct {
	db *sql.DB
}

// New creates a new PostgreSQL consent ledger.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Record appends a new consent version.
func (l *Ledger) Record(ctx context.Context, r *consent.Record) error {
	choices, err := json.Marshal(r.Choices)
	if err != nil {
		return fmt.Errorf("marshaling consent choices: %w", err)
	}

	query, args, err := psq.Insert("consent_records").
		Columns(consentColumns...).
		Values(r.ID, r.SessionID, choices, r.RecordedAt, r.SourceIP, r.UserAgent, r.Reason).
		ToSql()
	if err != nil {
		return fmt.Errorf("building consent insert: %w", err)
	}

	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting consent record: %w", err)
	}
	return nil
}

// Current returns the most recent consent, or the default when none.
func (l *Ledger) Current(ctx context.Context, sessionID string) (*consent.Record, error) {
	records, err := l.query(ctx, sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return consent.DefaultRecord(sessionID), nil
	}
	return records[0], nil
}

// History returns all consent versions, newest first.
func (l *Ledger) History(ctx context.Context, sessionID string) ([]*consent.Record, error) {
	return l.query(ctx, sessionID, 0)
}

func (l *Ledger) query(ctx context.Context, sessionID string, limit uint64) ([]*consent.Record, error) {
	qb := psq.Select(consentColumns...).
		From("consent_records").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("recorded_at DESC")
	if limit > 0 {
		qb = qb.Limit(limit)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building consent query: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying consent records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*consent.Record
	for rows.Next() {
		var r consent.Record
		var choicesJSON []byte
		err := rows.Scan(&r.ID, &r.SessionID, &choicesJSON, &r.RecordedAt, &r.SourceIP, &r.UserAgent, &r.Reason)
		if err != nil {
			return nil, fmt.Errorf("scanning consent record: %w", err)
		}
		if err := json.Unmarshal(choicesJSON, &r.Choices); err != nil {
			return nil, fmt.Errorf("unmarshaling consent choices: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating consent rows: %w", err)
	}
	return records, nil
}

// Verify interface compliance.
var _ consent.Ledger = (*Ledger)(nil)
