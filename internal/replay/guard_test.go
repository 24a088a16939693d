package replay

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFreshBoundary(t *testing.T) {
	const now = int64(1_700_000_000)
	const window = int64(300)

	tests := []struct {
		name     string
		supplied int64
		want     bool
	}{
		{"now", now, true},
		{"299s old", now - 299, true},
		{"exactly 300s old", now - 300, true},
		{"301s old", now - 301, false},
		{"300s ahead", now + 300, true},
		{"301s ahead", now + 301, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFresh(tt.supplied, now, window))
		})
	}
}

func TestGuardFresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewGuard(0, nil)
	g.Now = func() time.Time { return now }
	assert.Equal(t, DefaultWindow, g.Window)

	ts, ok := g.Fresh(strconv.FormatInt(now.Unix()-10, 10))
	assert.True(t, ok)
	assert.Equal(t, now.Unix()-10, ts)

	_, ok = g.Fresh(strconv.FormatInt(now.Unix()-301, 10))
	assert.False(t, ok)

	for _, bad := range []string{"", "abc", "1.7e9", "2023-11-14T22:13:20Z"} {
		_, ok = g.Fresh(bad)
		assert.False(t, ok, "header %q", bad)
	}
}

func TestGuardSubSecondWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 400_000_000)
	g := NewGuard(500*time.Millisecond, nil)
	g.Now = func() time.Time { return now }

	_, ok := g.Fresh(strconv.FormatInt(now.Unix(), 10))
	assert.True(t, ok, "current second is inside a 500ms window")
	_, ok = g.Fresh(strconv.FormatInt(now.Unix()-1, 10))
	assert.True(t, ok, "window rounds up to one second")
	_, ok = g.Fresh(strconv.FormatInt(now.Unix()-2, 10))
	assert.False(t, ok)

	g.Window = 1500 * time.Millisecond
	assert.Equal(t, int64(2), g.windowSeconds())
	g.Window = 300 * time.Second
	assert.Equal(t, int64(300), g.windowSeconds())
}

func TestGuardFirstDelivery(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(time.Minute, NewMemoryStore())

	first, err := g.FirstDelivery(ctx, "resend", "msg_1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := g.FirstDelivery(ctx, "resend", "msg_1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := g.FirstDelivery(ctx, "paystack", "msg_1")
	require.NoError(t, err)
	assert.True(t, other, "ids are scoped per integration")

	empty, err := g.FirstDelivery(ctx, "resend", "")
	require.NoError(t, err)
	assert.True(t, empty)
}

type failingStore struct{}

func (failingStore) Seen(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func TestGuardFirstDeliveryStoreError(t *testing.T) {
	g := NewGuard(time.Minute, failingStore{})
	first, err := g.FirstDelivery(context.Background(), "resend", "msg_1")
	assert.Error(t, err)
	assert.True(t, first)
}
