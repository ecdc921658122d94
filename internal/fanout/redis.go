package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by brokers after Close.
var ErrClosed = errors.New("fanout: broker closed")

// DefaultTopic is the pub/sub channel or subject shared by all instances.
const DefaultTopic = "ridewire:fanout"

// RedisBroker publishes envelopes over Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	topic  string
	logger zerolog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBroker creates a broker on topic. The client is borrowed and not
// closed by the broker.
func NewRedisBroker(client *redis.Client, topic string, logger zerolog.Logger) *RedisBroker {
	if topic == "" {
		topic = DefaultTopic
	}
	return &RedisBroker{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "fanout").Str("backend", "redis").Logger(),
	}
}

func (b *RedisBroker) Name() string { return "redis" }

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, handler func(Envelope)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.topic)
	// Wait for confirmation so envelopes published after Subscribe returns
	// are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := Decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn().Err(err).Msg("dropping undecodable envelope")
					continue
				}
				handler(env)
			}
		}
	}()
	return nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	for _, ps := range b.subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	return errors.Join(errs...)
}
