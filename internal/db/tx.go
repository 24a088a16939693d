package db

import (
	"context"
	"database/sql"
	"errors"
)

// Tx runs statements inside one transaction on one leased connection.
type Tx struct {
	e  *Executor
	tx *sql.Tx
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	return t.e.query(ctx, t.tx, true, query, args...)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (*Result, error) {
	return t.e.exec(ctx, t.tx, true, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *RowScanner {
	return &RowScanner{ctx: ctx, e: t.e, q: t.tx, inTx: true, query: query, args: args}
}

// Transaction runs fn between BEGIN and COMMIT on a single leased connection.
//
// If fn returns an error the transaction is rolled back and a *TxError
// wrapping it is returned. If fn panics the transaction is rolled back and
// the panic continues. The connection is released on every path.
func (e *Executor) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	sqlTx, err := lease.Conn().BeginTx(ctx, nil)
	if err != nil {
		return &TxError{Err: err}
	}

	panicked := true
	defer func() {
		if panicked {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				e.logger.Error("rollback after panic failed", "error", rbErr)
			}
		}
	}()

	fnErr := fn(ctx, &Tx{e: e, tx: sqlTx})
	panicked = false

	if fnErr != nil {
		rbErr := sqlTx.Rollback()
		if errors.Is(rbErr, sql.ErrTxDone) {
			rbErr = nil
		}
		if rbErr != nil {
			e.logger.Error("rollback failed", "error", rbErr)
		}
		return &TxError{Err: fnErr, RollbackErr: rbErr}
	}

	if err := sqlTx.Commit(); err != nil {
		return &TxError{Err: err}
	}
	return nil
}

// InTransaction is Transaction for bodies that produce a value.
func InTransaction[T any](ctx context.Context, e *Executor, fn func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var out T
	err := e.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
