package db

import (
	"context"
	"time"
)

// Health is the result of CheckHealth.
type Health struct {
	Healthy bool      `json:"healthy"`
	Stats   PoolStats `json:"stats"`
	Error   string    `json:"error,omitempty"`
}

// CheckHealth leases a connection and runs SELECT 1. It never waits longer
// than five seconds for a lease.
func (e *Executor) CheckHealth(ctx context.Context) Health {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var one int
	err := e.QueryRow(hctx, "SELECT 1").Scan(&one)
	h := Health{Healthy: err == nil && one == 1, Stats: e.pool.Stats()}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}
