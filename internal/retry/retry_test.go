package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var notified []int
	err := Do(context.Background(), fast, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("rate limited")
		}
		return nil
	}, func(attempt int, _ time.Duration, _ error) {
		notified = append(notified, attempt)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDoExhausts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fast, func(ctx context.Context) error {
		calls++
		return boom
	}, nil)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	notFound := errors.New("not found")
	calls := 0
	err := Do(context.Background(), fast, func(ctx context.Context) error {
		calls++
		return Permanent(notFound)
	}, nil)
	assert.Equal(t, notFound, err)
	assert.Equal(t, 1, calls)
	assert.False(t, IsPermanent(err))
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Second}, func(ctx context.Context) error {
		return errors.New("down")
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayIsBounded(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(10))

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}
