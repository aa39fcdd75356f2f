// Package fanout bridges accepted events between worker processes over a
// shared Redis Pub/Sub topic. Delivery is best-effort: no acks, no
// retries, no cross-worker ordering. Character state self-heals on the
// next update, so a dropped frame is not an error worth more machinery.
package fanout

import (
	"context"
	"log"
	"time"

	"github.com/christopherjohns/presence/internal/event"
	"github.com/christopherjohns/presence/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTopic is the pub/sub channel all workers share.
const DefaultTopic = "presence:events"

// publishTimeout bounds a single publish so a slow broker cannot stall
// the event path.
const publishTimeout = 2 * time.Second

// Applier receives events that originated on other workers.
type Applier interface {
	HandleRemote(name event.Name, msg event.Message)
}

// Bus publishes accepted local events and applies frames from other
// workers. Each Bus carries a unique worker id so it can discard its own
// frames on redelivery.
type Bus struct {
	client   redis.UniversalClient
	topic    string
	workerID string

	sub    *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithTopic overrides the pub/sub channel name.
func WithTopic(topic string) Option {
	return func(b *Bus) { b.topic = topic }
}

// WithWorkerID overrides the generated worker id. Tests use fixed ids.
func WithWorkerID(id string) Option {
	return func(b *Bus) { b.workerID = id }
}

// NewBus creates a Bus over the given Redis client.
func NewBus(client redis.UniversalClient, opts ...Option) *Bus {
	b := &Bus{
		client:   client,
		topic:    DefaultTopic,
		workerID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WorkerID returns this bus's id on the shared channel.
func (b *Bus) WorkerID() string {
	return b.workerID
}

// Publish sends an accepted event to the other workers. Failures are
// logged and dropped; the local registry stays authoritative for
// locally-originated state.
func (b *Bus) Publish(ctx context.Context, msg event.Message) {
	data, err := event.EncodeFrame(b.workerID, msg)
	if err != nil {
		log.Printf("fanout: failed to encode %q frame: %v", msg.Name(), err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(pubCtx, b.topic, data).Err(); err != nil {
		log.Printf("fanout: publish %q failed: %v", msg.Name(), err)
		return
	}
	metrics.FanoutPublished.Inc()
}

// Subscribe starts consuming the shared topic, handing each frame from
// another worker to apply. It returns once the subscription is
// established; the receive loop runs until Close or ctx cancellation.
func (b *Bus) Subscribe(ctx context.Context, apply Applier) error {
	sub := b.client.Subscribe(ctx, b.topic)
	// Force the subscription now so callers know it is live.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.sub = sub
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.receiveLoop(loopCtx, sub.Channel(), apply)
	return nil
}

// receiveLoop applies frames until the channel closes. Malformed frames
// and own-origin frames are dropped; nothing here may crash the worker.
func (b *Bus) receiveLoop(ctx context.Context, ch <-chan *redis.Message, apply Applier) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.handleFrame([]byte(m.Payload), apply)
		}
	}
}

func (b *Bus) handleFrame(data []byte, apply Applier) {
	frame, err := event.DecodeFrame(data)
	if err != nil {
		metrics.FanoutDropped.Inc()
		log.Printf("fanout: discarding malformed frame: %v", err)
		return
	}
	if frame.WorkerID == b.workerID {
		// Already applied locally.
		metrics.FanoutDropped.Inc()
		return
	}

	msg, err := event.DecodePayload(frame.Name, frame.Payload)
	if err != nil {
		metrics.FanoutDropped.Inc()
		log.Printf("fanout: discarding frame from %s: %v", frame.WorkerID, err)
		return
	}

	metrics.FanoutApplied.Inc()
	apply.HandleRemote(frame.Name, msg)
}

// Close tears down the subscription and waits for the receive loop to
// exit.
func (b *Bus) Close() error {
	if b.sub == nil {
		return nil
	}
	b.cancel()
	err := b.sub.Close()
	<-b.done
	b.sub = nil
	return err
}
