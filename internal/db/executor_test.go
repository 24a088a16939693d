package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	seen  []QueryInfo
	panic bool
}

func (r *recordingObserver) ObserveQuery(q QueryInfo) {
	r.mu.Lock()
	r.seen = append(r.seen, q)
	r.mu.Unlock()
	if r.panic {
		panic("observer exploded")
	}
}

func (r *recordingObserver) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.seen))
	for _, q := range r.seen {
		out = append(out, q.Kind)
	}
	return out
}

func newTestExecutor(t *testing.T, observers ...Observer) *Executor {
	t.Helper()
	p := openTestPool(t, Config{Max: 2, Min: 1, ConnectionTimeout: 2 * time.Second})
	e := NewExecutor(p, testLogger(), observers...)
	_, err := e.Exec(context.Background(), `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	return e
}

func TestQueryAndExec(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestExecutor(t, obs)
	ctx := context.Background()

	res, err := e.Exec(ctx, `INSERT INTO items (name) VALUES (?), (?)`, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowCount)

	res, err = e.Query(ctx, `SELECT id, name FROM items ORDER BY id`)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	require.Equal(t, int64(2), res.RowCount)
	assert.Equal(t, "a", res.Rows[0]["name"])
	assert.Equal(t, "b", res.Rows[1]["name"])

	var n int
	require.NoError(t, e.QueryRow(ctx, `SELECT COUNT(*) FROM items WHERE name = ?`, "a").Scan(&n))
	assert.Equal(t, 1, n)

	err = e.QueryRow(ctx, `SELECT id FROM items WHERE name = ?`, "zzz").Scan(&n)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	assert.Equal(t, []string{"ddl", "insert", "select", "select", "select"}, obs.kinds())
	assert.Equal(t, 0, e.Pool().Stats().InUseCount)
}

func TestQueryErrorIsWrapped(t *testing.T) {
	e := newTestExecutor(t)
	_, err := e.Query(context.Background(), `SELECT nope FROM missing_table`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query:")
	assert.Equal(t, 0, e.Pool().Stats().InUseCount)
}

func TestObserverPanicDoesNotAbortQuery(t *testing.T) {
	bad := &recordingObserver{panic: true}
	good := &recordingObserver{}
	e := newTestExecutor(t, bad, good)

	res, err := e.Exec(context.Background(), `INSERT INTO items (name) VALUES (?)`, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowCount)
	assert.Len(t, good.kinds(), 2, "later observers still run")
}

func TestTransactionCommits(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	err := e.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO items (name) VALUES (?)`, "one"); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO items (name) VALUES (?)`, "two")
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, e.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()
	idleBefore := e.Pool().Stats().IdleCount

	boom := errors.New("downstream failed")
	err := e.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO items (name) VALUES (?)`, "ghost"); err != nil {
			return err
		}
		var inside int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&inside); err != nil {
			return err
		}
		if inside != 1 {
			t.Errorf("write should be visible inside the transaction, got %d", inside)
		}
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.NoError(t, txErr.RollbackErr)

	var n int
	require.NoError(t, e.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Equal(t, 0, n, "rolled back write must not be visible")

	stats := e.Pool().Stats()
	assert.Equal(t, 0, stats.InUseCount)
	assert.GreaterOrEqual(t, stats.IdleCount, idleBefore, "connection returns to the idle set")
}

func TestTransactionRollsBackOnPanic(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = e.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
			if _, err := tx.Exec(ctx, `INSERT INTO items (name) VALUES (?)`, "ghost"); err != nil {
				return err
			}
			panic("kaboom")
		})
	})

	var n int
	require.NoError(t, e.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, e.Pool().Stats().InUseCount)
}

func TestInTransactionReturnsValue(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	id, err := InTransaction(ctx, e, func(ctx context.Context, tx *Tx) (int64, error) {
		if _, err := tx.Exec(ctx, `INSERT INTO items (name) VALUES (?)`, "kept"); err != nil {
			return 0, err
		}
		var id int64
		err := tx.QueryRow(ctx, `SELECT id FROM items WHERE name = ?`, "kept").Scan(&id)
		return id, err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	got, err := InTransaction(ctx, e, func(ctx context.Context, tx *Tx) (string, error) {
		return "ignored", errors.New("nope")
	})
	assert.Error(t, err)
	assert.Empty(t, got)
}

func TestTransactionPoolTimeout(t *testing.T) {
	p := openTestPool(t, Config{Max: 1, Min: 0, ConnectionTimeout: 50 * time.Millisecond})
	e := NewExecutor(p, testLogger())

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	err = e.Transaction(context.Background(), func(ctx context.Context, tx *Tx) error { return nil })
	assert.ErrorIs(t, err, ErrPoolTimeout)
	_, err = e.Query(context.Background(), `SELECT 1`)
	assert.ErrorIs(t, err, ErrPoolTimeout)
}

func TestCheckHealth(t *testing.T) {
	e := newTestExecutor(t)
	h := e.CheckHealth(context.Background())
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Error)
	assert.Equal(t, 2, h.Stats.MaxCount)

	require.NoError(t, e.Pool().Shutdown(context.Background()))
	h = e.CheckHealth(context.Background())
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Error)
}

func TestQueryKind(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                      "select",
		"  insert into t values (1)":    "insert",
		"UPDATE t SET a = 1":            "update",
		"delete from t":                 "delete",
		"WITH x AS (SELECT 1) SELECT *": "select",
		"CREATE TABLE t (a INT)":        "ddl",
		"BEGIN":                         "transaction",
		"PRAGMA foreign_keys":           "other",
		"":                              "other",
	}
	for in, want := range cases {
		assert.Equal(t, want, QueryKind(in), in)
	}
}

func TestSlowQueryLogThresholds(t *testing.T) {
	s := NewSlowQueryLog(nil, 0, 0)
	assert.Equal(t, DefaultSlowQuery, s.Slow)
	assert.Equal(t, DefaultVerySlowQuery, s.VerySlow)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "SELECT 1", truncate("SELECT\n   1", 200))

	q := "SELECT '" + strings.Repeat("€", 100) + "'"
	for n := 8; n < 20; n++ {
		got := truncate(q, n)
		assert.True(t, utf8.ValidString(got), "cut at %d", n)
		assert.True(t, strings.HasSuffix(got, "..."))
		assert.LessOrEqual(t, len(got), n+len("..."))
	}
}
