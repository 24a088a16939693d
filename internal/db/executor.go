package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Result is a fully materialised statement result.
type Result struct {
	Columns  []string
	Rows     []Row
	RowCount int64
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Executor runs statements on pooled connections. Queries are written with
// '?' placeholders and rebound for the pool's dialect.
type Executor struct {
	pool      *Pool
	observers []Observer
	logger    *slog.Logger
}

// NewExecutor wraps pool. Observers see every statement, including those
// inside transactions.
func NewExecutor(pool *Pool, logger *slog.Logger, observers ...Observer) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pool:      pool,
		observers: observers,
		logger:    logger.With(slog.String("component", "db_executor")),
	}
}

// Pool returns the underlying pool.
func (e *Executor) Pool() *Pool { return e.pool }

// Query runs a row-returning statement and reads every row.
func (e *Executor) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return e.query(ctx, lease.Conn(), false, query, args...)
}

// Exec runs a statement and reports rows affected.
func (e *Executor) Exec(ctx context.Context, query string, args ...any) (*Result, error) {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return e.exec(ctx, lease.Conn(), false, query, args...)
}

// RowScanner defers the statement until Scan so the connection is held only
// while scanning.
type RowScanner struct {
	ctx   context.Context
	e     *Executor
	q     querier
	inTx  bool
	query string
	args  []any
}

// Scan runs the statement and copies the first row into dest.
// sql.ErrNoRows is returned unwrapped.
func (r *RowScanner) Scan(dest ...any) error {
	run := func(q querier) error {
		start := time.Now()
		err := q.QueryRowContext(r.ctx, r.e.rebind(r.query), r.args...).Scan(dest...)
		rows := int64(1)
		if err != nil {
			rows = 0
		}
		obsErr := err
		if errors.Is(err, sql.ErrNoRows) {
			obsErr = nil
		}
		r.e.observe(QueryInfo{Kind: QueryKind(r.query), Text: r.query, Duration: time.Since(start), Rows: rows, Err: obsErr, InTx: r.inTx})
		return err
	}
	if r.q != nil {
		return run(r.q)
	}
	return r.e.pool.WithConn(r.ctx, func(conn *sql.Conn) error { return run(conn) })
}

// QueryRow returns a scanner for a single-row statement.
func (e *Executor) QueryRow(ctx context.Context, query string, args ...any) *RowScanner {
	return &RowScanner{ctx: ctx, e: e, query: query, args: args}
}

func (e *Executor) rebind(query string) string {
	return e.pool.Dialect().Rebind(query)
}

func (e *Executor) query(ctx context.Context, q querier, inTx bool, query string, args ...any) (*Result, error) {
	start := time.Now()
	res, err := collect(ctx, q, e.rebind(query), args)
	info := QueryInfo{Kind: QueryKind(query), Text: query, Duration: time.Since(start), Err: err, InTx: inTx}
	if res != nil {
		info.Rows = res.RowCount
	}
	e.observe(info)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return res, nil
}

func collect(ctx context.Context, q querier, query string, args []any) (*Result, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = int64(len(res.Rows))
	return res, nil
}

func (e *Executor) exec(ctx context.Context, q querier, inTx bool, query string, args ...any) (*Result, error) {
	start := time.Now()
	r, err := q.ExecContext(ctx, e.rebind(query), args...)
	var n int64
	if err == nil {
		n, _ = r.RowsAffected()
	}
	e.observe(QueryInfo{Kind: QueryKind(query), Text: query, Duration: time.Since(start), Rows: n, Err: err, InTx: inTx})
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return &Result{RowCount: n}, nil
}

// observe fans out to observers. A panicking observer is logged and skipped.
func (e *Executor) observe(q QueryInfo) {
	for _, o := range e.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("query observer panicked", "panic", fmt.Sprint(r), "kind", q.Kind)
				}
			}()
			o.ObserveQuery(q)
		}()
	}
}
