package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Bootstrap creates tables and indexes if missing.
func Bootstrap(ctx context.Context, db Execer, dialect Dialect) error {
	seq, blob := "seq INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB"
	if dialect == Postgres {
		seq, blob = "seq BIGSERIAL PRIMARY KEY", "BYTEA"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS verification_audit (
  ` + seq + `,
  id          TEXT NOT NULL UNIQUE,
  integration TEXT NOT NULL,
  event_type  TEXT NOT NULL DEFAULT '',
  timestamp   BIGINT NOT NULL DEFAULT 0,
  result      TEXT NOT NULL,
  detail      TEXT NOT NULL DEFAULT '',
  request_id  TEXT NOT NULL DEFAULT '',
  recorded_at TEXT NOT NULL,
  prev_seal   TEXT NOT NULL DEFAULT '',
  seal        TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
  id          TEXT PRIMARY KEY,
  integration TEXT NOT NULL,
  event_type  TEXT NOT NULL DEFAULT '',
  delivery_id TEXT NOT NULL DEFAULT '',
  payload     ` + blob + ` NOT NULL,
  received_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS webhook_event_counts (
  integration      TEXT NOT NULL,
  event_type       TEXT NOT NULL,
  total            BIGINT NOT NULL DEFAULT 0,
  last_received_at TEXT NOT NULL,
  PRIMARY KEY (integration, event_type)
);`,
		`CREATE INDEX IF NOT EXISTS verification_audit_integration_idx ON verification_audit(integration, recorded_at);`,
		`CREATE INDEX IF NOT EXISTS verification_audit_result_idx ON verification_audit(result, recorded_at);`,
		`CREATE INDEX IF NOT EXISTS webhook_events_integration_idx ON webhook_events(integration, received_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", dialect, err)
		}
	}
	return nil
}

// Tables lists the tables Bootstrap creates.
func Tables() []string {
	return []string{"verification_audit", "webhook_events", "webhook_event_counts"}
}
