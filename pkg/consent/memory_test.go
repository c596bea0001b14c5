package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const consentTestSessID = "sess-1"

func TestMemoryLedger_CurrentDefaultWhenEmpty(t *testing.T) {
	ledger := NewMemoryLedger()

	current, err := ledger.Current(context.Background(), consentTestSessID)
	require.NoError(t, err)
	assert.Equal(t, DefaultChoices(), current.Choices)
	assert.False(t, current.Choices.IncludeName)
	assert.False(t, current.Choices.IncludePremiumFigures)
	assert.Equal(t, defaultRetentionHours, current.Choices.RetentionHours)
}

func TestMemoryLedger_RecordAndCurrent(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	r := NewRecord(consentTestSessID, Choices{IncludeName: true, RetentionHours: 48}, "203.0.113.9", "test-agent", "")
	require.NoError(t, ledger.Record(ctx, r))

	current, err := ledger.Current(ctx, consentTestSessID)
	require.NoError(t, err)
	assert.True(t, current.Choices.IncludeName)
	assert.Equal(t, 48, current.Choices.RetentionHours)
	assert.Equal(t, "203.0.113.9", current.SourceIP)
}

func TestMemoryLedger_AppendOnlyHistory(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	first := NewRecord(consentTestSessID, Choices{IncludeName: true, RetentionHours: 48}, "ip1", "ua", "")
	first.RecordedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, ledger.Record(ctx, first))

	second := NewRecord(consentTestSessID, DefaultChoices(), "ip2", "ua", ReasonDataDeletion)
	require.NoError(t, ledger.Record(ctx, second))

	history, err := ledger.History(ctx, consentTestSessID)
	require.NoError(t, err)
	require.Len(t, history, 2, "updates append, never overwrite")
	assert.Equal(t, ReasonDataDeletion, history[0].Reason, "newest first")
	assert.True(t, history[1].Choices.IncludeName)

	current, err := ledger.Current(ctx, consentTestSessID)
	require.NoError(t, err)
	assert.False(t, current.Choices.IncludeName, "deletion reset consent to default")
}

func TestMemoryLedger_SessionsIsolated(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, NewRecord("a", Choices{IncludeName: true, RetentionHours: 24}, "", "", "")))

	current, err := ledger.Current(ctx, "b")
	require.NoError(t, err)
	assert.False(t, current.Choices.IncludeName)
}

func TestNewRecord_ClampsRetention(t *testing.T) {
	r := NewRecord(consentTestSessID, Choices{RetentionHours: 0}, "", "", "")
	assert.Equal(t, defaultRetentionHours, r.Choices.RetentionHours)

	r = NewRecord(consentTestSessID, Choices{RetentionHours: 9999}, "", "", "")
	assert.Equal(t, defaultRetentionHours, r.Choices.RetentionHours, "windows beyond the maximum fall back to default")

	r = NewRecord(consentTestSessID, Choices{RetentionHours: 72}, "", "", "")
	assert.Equal(t, 72, r.Choices.RetentionHours)
}

func TestChoices_Retention(t *testing.T) {
	assert.Equal(t, 48*time.Hour, Choices{RetentionHours: 48}.Retention())
}
