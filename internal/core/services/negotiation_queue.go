package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
	"relaymesh/pkg/tracing"

	"go.uber.org/zap"
)

// TaskFunc is one negotiation step. It must not return until its exchange is
// complete.
type TaskFunc func(ctx context.Context) error

type negotiationTask struct {
	name       string
	fn         TaskFunc
	enqueuedAt time.Time
}

// NegotiationQueue runs the negotiation tasks of one connection one at a
// time, in submission order. A failed task is logged and dropped; the queue
// keeps going.
type NegotiationQueue struct {
	role    string
	partyID domain.PeerID
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	pending []negotiationTask
	idle    bool
	idleCh  chan struct{}
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewNegotiationQueue(role string, partyID domain.PeerID, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *NegotiationQueue {
	ctx, cancel := context.WithCancel(context.Background())
	idleCh := make(chan struct{})
	close(idleCh)

	q := &NegotiationQueue{
		role:    role,
		partyID: partyID,
		metrics: metrics,
		logger:  logger,
		idle:    true,
		idleCh:  idleCh,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue submits a task. It never blocks and reports false once the queue
// is closed.
func (q *NegotiationQueue) Enqueue(name string, fn TaskFunc) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debugw("negotiation task rejected, queue closed",
			"role", q.role,
			"party_id", q.partyID,
			"task", name,
		)
		return false
	}
	q.pending = append(q.pending, negotiationTask{name: name, fn: fn, enqueuedAt: time.Now()})
	if q.idle {
		q.idle = false
		q.idleCh = make(chan struct{})
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of tasks waiting to run.
func (q *NegotiationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain blocks until no task is pending or running.
func (q *NegotiationQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idleCh := q.idleCh
	q.mu.Unlock()

	select {
	case <-idleCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops pending tasks and cancels the running one. It does not wait
// for the worker to exit.
func (q *NegotiationQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	if dropped > 0 {
		q.logger.Infow("negotiation queue closed with pending tasks",
			"role", q.role,
			"party_id", q.partyID,
			"dropped", dropped,
		)
	}
}

// Done is closed once the worker has exited.
func (q *NegotiationQueue) Done() <-chan struct{} {
	return q.done
}

func (q *NegotiationQueue) run() {
	defer close(q.done)
	defer q.markIdle()

	for {
		task, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		q.execute(task)
	}
}

func (q *NegotiationQueue) next() (negotiationTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || q.closed {
		if !q.idle {
			q.idle = true
			close(q.idleCh)
		}
		return negotiationTask{}, false
	}
	task := q.pending[0]
	q.pending[0] = negotiationTask{}
	q.pending = q.pending[1:]
	return task, true
}

func (q *NegotiationQueue) markIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.idle {
		q.idle = true
		close(q.idleCh)
	}
}

func (q *NegotiationQueue) execute(task negotiationTask) {
	ctx, span := tracing.TraceNegotiation(q.ctx, q.role, task.name, string(q.partyID))
	defer span.End()

	start := time.Now()
	err := q.invoke(ctx, task)
	duration := time.Since(start)
	q.metrics.RecordNegotiation(q.role, task.name, duration, err)

	if err == nil {
		q.logger.Debugw("negotiation task completed",
			"role", q.role,
			"party_id", q.partyID,
			"task", task.name,
			"duration", duration,
			"queued_for", start.Sub(task.enqueuedAt),
		)
		return
	}

	tracing.RecordError(ctx, err)
	if errors.Is(err, context.Canceled) {
		q.logger.Debugw("negotiation task cancelled",
			"role", q.role,
			"party_id", q.partyID,
			"task", task.name,
		)
		return
	}
	q.logger.Warnw("negotiation task failed",
		"role", q.role,
		"party_id", q.partyID,
		"task", task.name,
		"error", err,
	)
}

func (q *NegotiationQueue) invoke(ctx context.Context, task negotiationTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("negotiation task %s panicked: %v", task.name, r)
		}
	}()
	return task.fn(ctx)
}
