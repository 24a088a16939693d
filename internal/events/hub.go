// Package events fans verification outcomes out to live subscribers
// (the ops API's server-sent event stream).
package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vauntico/vaultgate/internal/audit"
)

// Event types published for outcomes.
const (
	TypeVerified = "webhook.verified"
	TypeRejected = "webhook.rejected"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a ring buffer so late clients can catch up.
type Hub struct {
	nextID  atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	backlog []Event
	head    int
	count   int

	subs    map[int]chan Event
	nextSub int
}

// NewHub keeps the last capacity events (100 when <= 0).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		backlog: make([]Event, capacity),
		subs:    make(map[int]chan Event),
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{ID: h.nextID.Add(1), Type: eventType, At: time.Now().UTC(), Data: payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.remember(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of new events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Since returns buffered events with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.backlog[(h.head+i)%len(h.backlog)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped counts deliveries skipped because a subscriber was slow.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) remember(ev Event) {
	n := len(h.backlog)
	if h.count < n {
		h.backlog[(h.head+h.count)%n] = ev
		h.count++
		return
	}
	h.backlog[h.head] = ev
	h.head = (h.head + 1) % n
}

// Sink publishes every recorded outcome. It is meant to sit in an
// audit.MultiSink next to the durable sink.
type Sink struct {
	Hub *Hub
}

func (s Sink) Record(_ context.Context, o audit.Outcome) error {
	typ := TypeRejected
	if o.Result == audit.Passed {
		typ = TypeVerified
	}
	s.Hub.Publish(typ, o)
	return nil
}
