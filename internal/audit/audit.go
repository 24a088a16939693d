// Package audit records one VerificationOutcome per webhook verification
// attempt and reads them back for forensics.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Result is the verdict of one verification attempt.
type Result string

const (
	Passed               Result = "passed"
	FailedMissingHeaders Result = "failed_missing_headers"
	FailedStale          Result = "failed_stale"
	FailedSignature      Result = "failed_signature"
)

// Valid reports whether r is one of the known results.
func (r Result) Valid() bool {
	switch r {
	case Passed, FailedMissingHeaders, FailedStale, FailedSignature:
		return true
	}
	return false
}

// Outcome is an append-only audit record.
type Outcome struct {
	ID          string    `json:"id"`
	Integration string    `json:"integration"`
	EventType   string    `json:"event_type"`
	Timestamp   int64     `json:"timestamp"`
	Result      Result    `json:"result"`
	Detail      string    `json:"detail,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
	PrevSeal    string    `json:"prev_seal,omitempty"`
	Seal        string    `json:"seal,omitempty"`
}

// Stamp fills ID and RecordedAt when unset.
func (o Outcome) Stamp(now time.Time) Outcome {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = now.UTC()
	}
	return o
}

// Sink persists outcomes.
//
//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks github.com/vauntico/vaultgate/internal/audit Sink
type Sink interface {
	Record(ctx context.Context, o Outcome) error
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	Integration string
	EventType   string
	Result      Result
	Since       time.Time
	Until       time.Time
	Limit       int
}

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f Filter) match(o Outcome) bool {
	if f.Integration != "" && o.Integration != f.Integration {
		return false
	}
	if f.EventType != "" && o.EventType != f.EventType {
		return false
	}
	if f.Result != "" && o.Result != f.Result {
		return false
	}
	if !f.Since.IsZero() && o.RecordedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !o.RecordedAt.Before(f.Until) {
		return false
	}
	return true
}

// Reader lists outcomes, newest first.
type Reader interface {
	List(ctx context.Context, f Filter) ([]Outcome, error)
}

// MultiSink records to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, o Outcome) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
