// Package inbox holds the handlers that run after a delivery has been
// verified: storing it, acknowledging it and raising payment alerts.
package inbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vauntico/vaultgate/internal/db"
	"github.com/vauntico/vaultgate/internal/webhook"
)

// timeLayout is fixed width so received_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Event is a stored delivery.
type Event struct {
	ID          string    `json:"id"`
	Integration string    `json:"integration"`
	EventType   string    `json:"event_type"`
	DeliveryID  string    `json:"delivery_id,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	// Total is the running count for (integration, event_type) after this
	// event was stored.
	Total int64 `json:"total"`
}

// Count is one row of webhook_event_counts.
type Count struct {
	Integration    string    `json:"integration"`
	EventType      string    `json:"event_type"`
	Total          int64     `json:"total"`
	LastReceivedAt time.Time `json:"last_received_at"`
}

// Store writes verified deliveries to webhook_events.
type Store struct {
	exec *db.Executor
	now  func() time.Time
}

func NewStore(exec *db.Executor) *Store {
	return &Store{exec: exec, now: time.Now}
}

// Save inserts the delivery and bumps its per-type counter in one
// transaction. Nothing is written if either statement fails.
func (s *Store) Save(ctx context.Context, d webhook.Delivery, payload []byte) (Event, error) {
	received := d.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	ev := Event{
		ID:          uuid.NewString(),
		Integration: d.Integration,
		EventType:   d.EventType,
		DeliveryID:  d.ID,
		ReceivedAt:  received.UTC(),
	}
	at := ev.ReceivedAt.Format(timeLayout)

	total, err := db.InTransaction(ctx, s.exec, func(ctx context.Context, tx *db.Tx) (int64, error) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO webhook_events (id, integration, event_type, delivery_id, payload, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.Integration, ev.EventType, ev.DeliveryID, payload, at,
		); err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO webhook_event_counts (integration, event_type, total, last_received_at) VALUES (?, ?, 1, ?)
ON CONFLICT (integration, event_type) DO UPDATE SET total = webhook_event_counts.total + 1, last_received_at = excluded.last_received_at`,
			ev.Integration, ev.EventType, at,
		); err != nil {
			return 0, fmt.Errorf("update event count: %w", err)
		}

		var n int64
		if err := tx.QueryRow(ctx,
			`SELECT total FROM webhook_event_counts WHERE integration = ? AND event_type = ?`,
			ev.Integration, ev.EventType,
		).Scan(&n); err != nil {
			return 0, fmt.Errorf("read event count: %w", err)
		}
		return n, nil
	})
	if err != nil {
		return Event{}, err
	}
	ev.Total = total
	return ev, nil
}

// Counts returns every counter row, optionally for one integration.
func (s *Store) Counts(ctx context.Context, integration string) ([]Count, error) {
	q := `SELECT integration, event_type, total, last_received_at FROM webhook_event_counts`
	var args []any
	if integration != "" {
		q += ` WHERE integration = ?`
		args = append(args, integration)
	}
	q += ` ORDER BY integration, event_type`

	res, err := s.exec.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}

	out := make([]Count, 0, len(res.Rows))
	for _, r := range res.Rows {
		last, err := time.Parse(timeLayout, text(r["last_received_at"]))
		if err != nil {
			return nil, fmt.Errorf("parse last_received_at: %w", err)
		}
		total, err := strconv.ParseInt(text(r["total"]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse total: %w", err)
		}
		out = append(out, Count{
			Integration:    text(r["integration"]),
			EventType:      text(r["event_type"]),
			Total:          total,
			LastReceivedAt: last,
		})
	}
	return out, nil
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
