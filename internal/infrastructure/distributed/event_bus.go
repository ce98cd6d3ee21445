package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
	"relaymesh/pkg/circuitbreaker"
	"relaymesh/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names a mirrored registry change.
type EventType string

const (
	EventStreamPublished EventType = "stream.published"
	EventStreamWithdrawn EventType = "stream.withdrawn"
)

// Event is the JSON document published for every registry change.
type Event struct {
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	StreamID   domain.StreamID  `json:"stream_id"`
	PeerID     domain.PeerID    `json:"peer_id,omitempty"`
	ChannelID  domain.ChannelID `json:"channel_id,omitempty"`
}

// Publisher is the part of a Redis client the bus needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

const eventBacklog = 256

// EventBus mirrors registry changes onto a Redis pub/sub channel for
// external observers. Nothing is read back. While Redis keeps failing the
// breaker opens and events are dropped without waiting on retries.
type EventBus struct {
	client     Publisher
	channel    string
	instanceID string
	retry      retry.Config
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger

	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewEventBus(client Publisher, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		retry:      retry.DefaultConfig(),
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:     logger,
		events:     make(chan Event, eventBacklog),
		ctx:        ctx,
		cancel:     cancel,
	}

	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		eb.logger.Warnw("redis event mirror breaker changed state", "from", from.String(), "to", to.String())
	})

	eb.wg.Add(1)
	go eb.run()
	return eb
}

// Publish sends event synchronously, retrying transient failures.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, eb.retry, func(ctx context.Context) error {
			return eb.client.Publish(ctx, eb.channel, data).Err()
		})
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"stream_id", event.StreamID,
		"peer_id", event.PeerID,
	)
	return nil
}

// Mirror forwards every insert and delete of registry to the bus. Registry
// listeners must not block, so events are queued and dropped when the
// backlog is full.
func (eb *EventBus) Mirror(registry ports.StreamRegistry) (stop func()) {
	offInsert := registry.On(domain.RegistryInsert, func(e domain.RegistryEvent) {
		event := Event{Type: EventStreamPublished, StreamID: e.StreamID, Timestamp: time.Now()}
		if e.Record != nil {
			event.PeerID = e.Record.PeerID
			event.ChannelID = e.Record.ChannelID
		}
		eb.enqueue(event)
	})
	offDelete := registry.On(domain.RegistryDelete, func(e domain.RegistryEvent) {
		eb.enqueue(Event{Type: EventStreamWithdrawn, StreamID: e.StreamID, Timestamp: time.Now()})
	})

	return func() {
		offInsert()
		offDelete()
	}
}

func (eb *EventBus) enqueue(event Event) {
	select {
	case <-eb.ctx.Done():
		return
	default:
	}

	select {
	case eb.events <- event:
	default:
		eb.logger.Warnw("event backlog full, dropping event",
			"type", event.Type,
			"stream_id", event.StreamID,
		)
	}
}

func (eb *EventBus) run() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.events:
			err := eb.Publish(eb.ctx, event)
			switch {
			case err == nil:
			case errors.Is(err, circuitbreaker.ErrOpen):
				eb.logger.Debugw("dropping registry event while redis is unavailable",
					"type", event.Type,
					"stream_id", event.StreamID,
				)
			default:
				eb.logger.Warnw("failed to mirror registry event",
					"type", event.Type,
					"stream_id", event.StreamID,
					"error", err,
				)
			}
		}
	}
}

// Close stops the background publisher. Queued events are discarded.
func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() {
		eb.cancel()
		eb.wg.Wait()
	})
}
