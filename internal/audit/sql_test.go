package audit

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vauntico/vaultgate/internal/db"
	"github.com/vauntico/vaultgate/internal/storage"
)

func newTestSQLSink(t *testing.T) (*SQLSink, *db.Executor) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool, err := db.Open(context.Background(), db.Config{
		URL: "sqlite://" + filepath.Join(t.TempDir(), "audit.db"),
		Max: 2,
		Min: 1,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	exec := db.NewExecutor(pool, logger)
	require.NoError(t, pool.WithConn(context.Background(), func(c *sql.Conn) error {
		return storage.Bootstrap(context.Background(), c, pool.Dialect())
	}))
	return NewSQLSink(exec), exec
}

func TestSQLSinkRecordAndList(t *testing.T) {
	sink, _ := newTestSQLSink(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Record(ctx, Outcome{Integration: "vauntico", EventType: "order.created", Timestamp: base.Unix(), Result: Passed, RecordedAt: base, RequestID: "req-1"}))
	require.NoError(t, sink.Record(ctx, Outcome{Integration: "vauntico", EventType: "order.created", Timestamp: base.Unix() - 900, Result: FailedStale, RecordedAt: base.Add(time.Second)}))
	require.NoError(t, sink.Record(ctx, Outcome{Integration: "paystack", Result: FailedMissingHeaders, RecordedAt: base.Add(2 * time.Second)}))

	all, err := sink.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "paystack", all[0].Integration, "newest first")
	assert.Equal(t, all[1].Seal, all[0].PrevSeal)
	assert.Equal(t, all[2].Seal, all[1].PrevSeal)
	assert.Empty(t, all[2].PrevSeal)

	first := all[2]
	assert.Equal(t, "req-1", first.RequestID)
	assert.Equal(t, base, first.RecordedAt)
	assert.Equal(t, base.Unix(), first.Timestamp)

	stale, err := sink.List(ctx, Filter{Result: FailedStale})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "vauntico", stale[0].Integration)

	window, err := sink.List(ctx, Filter{Since: base.Add(time.Second), Until: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, FailedStale, window[0].Result)

	limited, err := sink.List(ctx, Filter{Integration: "vauntico", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, FailedStale, limited[0].Result)
}

func TestSQLSinkRejectsUnknownResult(t *testing.T) {
	sink, _ := newTestSQLSink(t)
	err := sink.Record(context.Background(), Outcome{Integration: "x", Result: "maybe"})
	assert.Error(t, err)
}

func TestSQLSinkSealChainDetectsTampering(t *testing.T) {
	sink, exec := newTestSQLSink(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Record(ctx, Outcome{Integration: "resend", EventType: "email.sent", Result: Passed}))
	}

	report, err := sink.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Checked)

	all, err := sink.List(ctx, Filter{})
	require.NoError(t, err)
	victim := all[2]

	_, err = exec.Exec(ctx, `UPDATE verification_audit SET result = ? WHERE id = ?`, string(FailedSignature), victim.ID)
	require.NoError(t, err)

	report, err = sink.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, victim.ID, report.BrokenAt)
	assert.Equal(t, 3, report.Checked)
}

func TestSQLSinkSealChainDetectsDeletion(t *testing.T) {
	sink, exec := newTestSQLSink(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Record(ctx, Outcome{Integration: "paystack", Result: Passed}))
	}
	all, err := sink.List(ctx, Filter{})
	require.NoError(t, err)

	_, err = exec.Exec(ctx, `DELETE FROM verification_audit WHERE id = ?`, all[1].ID)
	require.NoError(t, err)

	report, err := sink.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, all[0].ID, report.BrokenAt)
}

func TestSealIsDeterministic(t *testing.T) {
	o := Outcome{ID: "a", Integration: "x", Result: Passed, RecordedAt: time.Unix(0, 0)}
	assert.Equal(t, Seal("", o), Seal("", o))
	assert.NotEqual(t, Seal("", o), Seal("prev", o))
	o2 := o
	o2.Detail = "changed"
	assert.NotEqual(t, Seal("", o), Seal("", o2))
}
