package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("dependency down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(threshold int) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	cb := New(Config{FailureThreshold: threshold, Cooldown: time.Minute})
	cb.now = c.now
	return cb, c
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newBreaker(2)
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, fail))
	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_TrialCallAfterCooldown(t *testing.T) {
	t.Run("successful trial call closes", func(t *testing.T) {
		cb, c := newBreaker(1)
		ctx := context.Background()

		require.Error(t, cb.Execute(ctx, fail))
		c.advance(time.Minute)

		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failed trial call reopens", func(t *testing.T) {
		cb, c := newBreaker(1)
		ctx := context.Background()

		require.Error(t, cb.Execute(ctx, fail))
		c.advance(time.Minute)

		assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)
	})
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newBreaker(1)
	changes := make(chan State, 4)
	cb.OnStateChange(func(_, to State) { changes <- to })

	_ = cb.Execute(context.Background(), fail)

	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change not reported")
	}
}
