package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/chatsync/internal/logging"
)

// DefaultTopic is the watermill topic carrying event envelopes.
const DefaultTopic = "chatsync.events"

// Bridge consumes event envelopes from a watermill subscriber and emits
// them, in arrival order, into an Emitter (usually a Bus). Malformed
// messages are logged and acked so they are never redelivered.
type Bridge struct {
	sub    message.Subscriber
	topic  string
	target Emitter
	log    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(l zerolog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = l }
}

// NewBridge creates a bridge from sub's topic into target.
func NewBridge(sub message.Subscriber, topic string, target Emitter, opts ...BridgeOption) *Bridge {
	if topic == "" {
		topic = DefaultTopic
	}
	b := &Bridge{
		sub:    sub,
		topic:  topic,
		target: target,
		log:    logging.Component("bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes to the topic and begins forwarding in the background.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bridge already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", b.topic, err)
	}

	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true
	go b.run(ctx, msgs)

	b.log.Debug().Str("topic", b.topic).Msg("bridge started")
	return nil
}

func (b *Bridge) run(ctx context.Context, msgs <-chan *message.Message) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.forward(msg)
		}
	}
}

func (b *Bridge) forward(msg *message.Message) {
	defer msg.Ack()

	e, err := Decode(msg.Payload)
	if err != nil {
		b.log.Warn().
			Err(err).
			Str("messageUUID", msg.UUID).
			Msg("dropping malformed event")
		return
	}
	b.target.Emit(e)
}

// Close stops forwarding and waits for the forwarding goroutine to exit.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	cancel, done := b.cancel, b.done
	b.started = false
	b.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Publish encodes e and publishes it on topic.
func Publish(pub message.Publisher, topic string, e Event) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return pub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Publisher is an Emitter that publishes every event on a watermill topic
// instead of delivering it locally. Pair it with a Bridge on the same
// topic to route a producer through the pub/sub.
type Publisher struct {
	pub   message.Publisher
	topic string
	log   zerolog.Logger
}

// NewPublisher creates an Emitter publishing to topic on pub.
func NewPublisher(pub message.Publisher, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{pub: pub, topic: topic, log: logging.Component("bridge")}
}

// Emit publishes e. Failures are logged; the event is lost.
func (p *Publisher) Emit(e Event) {
	if err := Publish(p.pub, p.topic, e); err != nil {
		p.log.Error().Err(err).Str("eventType", string(e.Type)).Msg("failed to publish event")
	}
}
