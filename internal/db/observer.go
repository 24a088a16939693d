package db

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Slow-query thresholds used when none are configured.
const (
	DefaultSlowQuery     = 500 * time.Millisecond
	DefaultVerySlowQuery = 2 * time.Second
)

// QueryInfo describes one finished statement.
type QueryInfo struct {
	Kind     string
	Text     string
	Duration time.Duration
	Rows     int64
	Err      error
	InTx     bool
}

// Observer receives timing for every statement the Executor runs.
type Observer interface {
	ObserveQuery(q QueryInfo)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(q QueryInfo)

func (f ObserverFunc) ObserveQuery(q QueryInfo) { f(q) }

// QueryKind classifies a statement by its leading keyword.
func QueryKind(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "other"
	}
	switch kw := strings.ToLower(fields[0]); kw {
	case "select", "insert", "update", "delete":
		return kw
	case "with":
		return "select"
	case "begin", "commit", "rollback":
		return "transaction"
	case "create", "alter", "drop":
		return "ddl"
	default:
		return "other"
	}
}

// SlowQueryLog logs statements slower than Slow at WARN and slower than
// VerySlow at ERROR.
type SlowQueryLog struct {
	Logger   *slog.Logger
	Slow     time.Duration
	VerySlow time.Duration
}

// NewSlowQueryLog fills in default thresholds.
func NewSlowQueryLog(logger *slog.Logger, slow, verySlow time.Duration) *SlowQueryLog {
	if slow <= 0 {
		slow = DefaultSlowQuery
	}
	if verySlow <= 0 {
		verySlow = DefaultVerySlowQuery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlowQueryLog{Logger: logger.With(slog.String("component", "db_query")), Slow: slow, VerySlow: verySlow}
}

func (s *SlowQueryLog) ObserveQuery(q QueryInfo) {
	if q.Duration < s.Slow {
		return
	}
	level := slog.LevelWarn
	msg := "slow query"
	if q.Duration >= s.VerySlow {
		level = slog.LevelError
		msg = "very slow query"
	}
	s.Logger.Log(context.Background(), level, msg,
		"kind", q.Kind,
		"duration_ms", q.Duration.Milliseconds(),
		"rows", q.Rows,
		"query", truncate(q.Text, 200),
	)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
