package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBroker publishes envelopes on a NATS subject. No queue group is used
// because every instance needs every envelope.
type NATSBroker struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATSBroker creates a broker on subject. The connection is borrowed.
func NewNATSBroker(conn *nats.Conn, subject string, logger zerolog.Logger) *NATSBroker {
	if subject == "" {
		subject = strings.ReplaceAll(DefaultTopic, ":", ".")
	}
	return &NATSBroker{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "fanout").Str("backend", "nats").Logger(),
	}
}

func (b *NATSBroker) Name() string { return "nats" }

func (b *NATSBroker) Publish(_ context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, handler func(Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		env, err := Decode(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Msg("dropping undecodable envelope")
			return
		}
		handler(env)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	// Flush so the server has the interest registered before we return.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}
	b.subs = append(b.subs, sub)

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	return errors.Join(errs...)
}
