package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the AsyncSink queue length when none is configured.
const DefaultBuffer = 1024

// AsyncSink hands outcomes to a background worker so the HTTP response never
// waits on storage. Record never blocks: when the buffer is full the outcome
// is dropped and logged. Write errors are logged, never returned.
type AsyncSink struct {
	next   Sink
	logger *slog.Logger
	ch     chan Outcome
	done   chan struct{}
	now    func() time.Time

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncSink starts the worker. Close must be called to drain it.
func NewAsyncSink(next Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncSink{
		next:   next,
		logger: logger.With(slog.String("component", "audit")),
		ch:     make(chan Outcome, buffer),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go a.run()
	return a
}

// Record queues o. The returned error is always nil.
func (a *AsyncSink) Record(_ context.Context, o Outcome) error {
	// Stamp now so RecordedAt reflects the verification, not the write.
	o = o.Stamp(a.now())

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(o, "sink closed")
		return nil
	}
	select {
	case a.ch <- o:
	default:
		a.drop(o, "buffer full")
	}
	return nil
}

func (a *AsyncSink) drop(o Outcome, reason string) {
	a.dropped.Add(1)
	a.logger.Error("audit outcome dropped",
		"reason", reason,
		"integration", o.Integration,
		"event_type", o.EventType,
		"result", string(o.Result),
		"request_id", o.RequestID,
	)
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for o := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.next.Record(ctx, o); err != nil {
			a.failed.Add(1)
			a.logger.Error("audit write failed",
				"error", err,
				"integration", o.Integration,
				"result", string(o.Result),
				"request_id", o.RequestID,
			)
		}
		cancel()
	}
}

// Dropped counts outcomes discarded because the buffer was full or closed.
func (a *AsyncSink) Dropped() int64 { return a.dropped.Load() }

// Failed counts outcomes the underlying sink rejected.
func (a *AsyncSink) Failed() int64 { return a.failed.Load() }

// Pending is the number of queued outcomes.
func (a *AsyncSink) Pending() int { return len(a.ch) }

// Close stops accepting outcomes and waits for the queue to drain or ctx to end.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.logger.Warn("audit drain interrupted", "pending", len(a.ch))
		return ctx.Err()
	}
}
