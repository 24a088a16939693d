package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/vauntico/vaultgate/internal/db"
	"github.com/vauntico/vaultgate/internal/storage"
)

// sealLockKey serialises seal chain appends across postgres sessions.
const sealLockKey = 0x7661756c74 // "vault"

// SQLSink writes outcomes to verification_audit. Every row carries
// seal = BLAKE3(prev_seal || canonical JSON), so editing or deleting a row
// breaks the chain at that point.
type SQLSink struct {
	exec *db.Executor
	now  func() time.Time
	// Appends within one process are serialised so the chain never forks.
	mu sync.Mutex
}

func NewSQLSink(exec *db.Executor) *SQLSink {
	return &SQLSink{exec: exec, now: time.Now}
}

type sealInput struct {
	ID          string `json:"id"`
	Integration string `json:"integration"`
	EventType   string `json:"event_type"`
	Timestamp   int64  `json:"timestamp"`
	Result      string `json:"result"`
	Detail      string `json:"detail"`
	RequestID   string `json:"request_id"`
	RecordedAt  string `json:"recorded_at"`
}

// timeLayout is fixed width so recorded_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// Seal computes the chained hash for o given the previous seal.
func Seal(prev string, o Outcome) string {
	body, _ := json.Marshal(sealInput{
		ID:          o.ID,
		Integration: o.Integration,
		EventType:   o.EventType,
		Timestamp:   o.Timestamp,
		Result:      string(o.Result),
		Detail:      o.Detail,
		RequestID:   o.RequestID,
		RecordedAt:  formatTime(o.RecordedAt),
	})
	h := blake3.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *SQLSink) Record(ctx context.Context, o Outcome) error {
	o = o.Stamp(s.now())
	if !o.Result.Valid() {
		return fmt.Errorf("invalid audit result %q", o.Result)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exec.Transaction(ctx, func(ctx context.Context, tx *db.Tx) error {
		if s.exec.Pool().Dialect() == storage.Postgres {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(?)`, int64(sealLockKey)); err != nil {
				return fmt.Errorf("lock seal chain: %w", err)
			}
		}

		var prev string
		err := tx.QueryRow(ctx, `SELECT seal FROM verification_audit ORDER BY seq DESC LIMIT 1`).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read previous seal: %w", err)
		}

		o.PrevSeal = prev
		o.Seal = Seal(prev, o)
		_, err = tx.Exec(ctx, `INSERT INTO verification_audit
  (id, integration, event_type, timestamp, result, detail, request_id, recorded_at, prev_seal, seal)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.Integration, o.EventType, o.Timestamp, string(o.Result), o.Detail, o.RequestID,
			formatTime(o.RecordedAt), o.PrevSeal, o.Seal,
		)
		if err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
		return nil
	})
}

func (s *SQLSink) List(ctx context.Context, f Filter) ([]Outcome, error) {
	var (
		where []string
		args  []any
	)
	if f.Integration != "" {
		where = append(where, "integration = ?")
		args = append(args, f.Integration)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Result != "" {
		where = append(where, "result = ?")
		args = append(args, string(f.Result))
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at < ?")
		args = append(args, formatTime(f.Until))
	}

	q := `SELECT id, integration, event_type, timestamp, result, detail, request_id, recorded_at, prev_seal, seal
FROM verification_audit`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC LIMIT ?"
	args = append(args, f.limit())

	res, err := s.exec.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := make([]Outcome, 0, len(res.Rows))
	for _, r := range res.Rows {
		o, err := outcomeFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func outcomeFromRow(r db.Row) (Outcome, error) {
	recorded, err := time.Parse(timeLayout, asString(r["recorded_at"]))
	if err != nil {
		return Outcome{}, fmt.Errorf("parse recorded_at: %w", err)
	}
	return Outcome{
		ID:          asString(r["id"]),
		Integration: asString(r["integration"]),
		EventType:   asString(r["event_type"]),
		Timestamp:   asInt64(r["timestamp"]),
		Result:      Result(asString(r["result"])),
		Detail:      asString(r["detail"]),
		RequestID:   asString(r["request_id"]),
		RecordedAt:  recorded,
		PrevSeal:    asString(r["prev_seal"]),
		Seal:        asString(r["seal"]),
	}, nil
}

func asString(v any) string {
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

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

// ChainReport is the result of walking the seal chain.
type ChainReport struct {
	Checked int    `json:"checked"`
	Valid   bool   `json:"valid"`
	// BrokenAt is the id of the first row whose seal does not verify.
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes every seal in insertion order.
func (s *SQLSink) Verify(ctx context.Context) (ChainReport, error) {
	var report ChainReport
	prev := ""
	lastSeq := int64(0)
	const page = 500

	for {
		res, err := s.exec.Query(ctx, `SELECT seq, id, integration, event_type, timestamp, result, detail, request_id, recorded_at, prev_seal, seal
FROM verification_audit WHERE seq > ? ORDER BY seq ASC LIMIT ?`, lastSeq, page)
		if err != nil {
			return report, err
		}
		for _, r := range res.Rows {
			lastSeq = asInt64(r["seq"])
			o, err := outcomeFromRow(r)
			if err != nil {
				return report, err
			}
			report.Checked++
			if o.PrevSeal != prev {
				report.BrokenAt, report.Reason = o.ID, "prev_seal does not match preceding row"
				return report, nil
			}
			if Seal(prev, o) != o.Seal {
				report.BrokenAt, report.Reason = o.ID, "seal does not match row contents"
				return report, nil
			}
			prev = o.Seal
		}
		if len(res.Rows) < page {
			break
		}
	}
	report.Valid = true
	return report, nil
}
