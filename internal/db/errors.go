package db

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolTimeout means every connection stayed leased for the whole
	// connection timeout. Callers usually answer 503.
	ErrPoolTimeout = errors.New("db: timed out waiting for a pooled connection")
	// ErrPoolClosed is returned once Shutdown has started.
	ErrPoolClosed = errors.New("db: pool is shut down")
)

// TxError is returned when a transaction body fails or COMMIT fails.
// The transaction has been rolled back by the time the caller sees it.
type TxError struct {
	Err         error
	RollbackErr error
}

func (e *TxError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("transaction failed: %v (rollback: %v)", e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("transaction failed: %v", e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }
