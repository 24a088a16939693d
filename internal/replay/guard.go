// Package replay rejects webhook deliveries that are too old, too far in the
// future, or already seen.
package replay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultWindow is the accepted clock skew in either direction.
const DefaultWindow = 300 * time.Second

// IsFresh reports whether |now - supplied| <= window, all in unix seconds.
func IsFresh(supplied, now, window int64) bool {
	d := now - supplied
	if d < 0 {
		d = -d
	}
	return d <= window
}

// ParseTimestamp parses a unix-seconds header value.
func ParseTimestamp(s string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp: %w", err)
	}
	return ts, nil
}

// Guard applies the freshness window and, when a NonceStore is set, delivery-id
// de-duplication.
type Guard struct {
	Window time.Duration
	Nonces NonceStore
	Now    func() time.Time
}

// NewGuard returns a guard with the given window (DefaultWindow when <= 0).
func NewGuard(window time.Duration, nonces NonceStore) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{Window: window, Nonces: nonces, Now: time.Now}
}

func (g *Guard) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Fresh parses a timestamp header and checks it against the window.
// Unparseable values are treated as stale.
func (g *Guard) Fresh(header string) (int64, bool) {
	ts, err := ParseTimestamp(header)
	if err != nil {
		return 0, false
	}
	return ts, IsFresh(ts, g.now().Unix(), g.windowSeconds())
}

// windowSeconds rounds the window up to whole seconds, the resolution of
// the timestamp header, so a sub-second window still accepts "now".
func (g *Guard) windowSeconds() int64 {
	return int64((g.Window + time.Second - 1) / time.Second)
}

// FirstDelivery records a delivery id and reports whether it is new.
// Without a store, or with an empty id, every delivery is new.
func (g *Guard) FirstDelivery(ctx context.Context, integration, id string) (bool, error) {
	if g.Nonces == nil || id == "" {
		return true, nil
	}
	// Ids stay remembered for two windows so a delivery replayed at the
	// far edge of the skew allowance is still caught.
	seen, err := g.Nonces.Seen(ctx, integration+":"+id, 2*g.Window)
	if err != nil {
		return true, err
	}
	return !seen, nil
}
