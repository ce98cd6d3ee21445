package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaymesh/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) *NegotiationQueue {
	t.Helper()
	q := NewNegotiationQueue("peer", "alice", testutils.NopMetrics{}, zap.NewNop().Sugar())
	t.Cleanup(q.Close)
	return q
}

func drain(t *testing.T, q *NegotiationQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func TestNegotiationQueue_RunsInSubmissionOrder(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		require.True(t, q.Enqueue("step", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	drain(t, q)

	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestNegotiationQueue_OneTaskAtATime(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	running, peak := 0, 0
	for i := 0; i < 10; i++ {
		q.Enqueue("step", func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
	}
	drain(t, q)
	assert.Equal(t, 1, peak)
}

func TestNegotiationQueue_FailureDoesNotStopQueue(t *testing.T) {
	q := newTestQueue(t)

	ran := make([]string, 0, 3)
	q.Enqueue("fails", func(ctx context.Context) error {
		ran = append(ran, "fails")
		return errors.New("no answer")
	})
	q.Enqueue("panics", func(ctx context.Context) error {
		ran = append(ran, "panics")
		panic("boom")
	})
	q.Enqueue("succeeds", func(ctx context.Context) error {
		ran = append(ran, "succeeds")
		return nil
	})
	drain(t, q)

	assert.Equal(t, []string{"fails", "panics", "succeeds"}, ran)
}

func TestNegotiationQueue_Close(t *testing.T) {
	q := NewNegotiationQueue("gateway", "bob", testutils.NopMetrics{}, zap.NewNop().Sugar())

	started := make(chan struct{})
	cancelled := make(chan error, 1)
	q.Enqueue("stalled", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled <- ctx.Err()
		return ctx.Err()
	})

	dropped := false
	q.Enqueue("never", func(ctx context.Context) error {
		dropped = true
		return nil
	})

	<-started
	assert.Equal(t, 1, q.Len())
	q.Close()

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("running task was not cancelled")
	}
	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}

	assert.False(t, dropped)
	assert.False(t, q.Enqueue("late", func(ctx context.Context) error { return nil }))
	drain(t, q)
}

func TestNegotiationQueue_DrainHonoursContext(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	q.Enqueue("blocked", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Drain(ctx), context.DeadlineExceeded)

	close(release)
	drain(t, q)
}
