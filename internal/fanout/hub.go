package fanout

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/protocol"
	"github.com/eldtechnologies/ridewire/internal/session"
)

// Hub publishes to channels across every instance. Local members are
// served directly from the registry; other instances are reached through
// the broker and apply only envelopes they did not originate.
type Hub struct {
	origin   string
	registry *session.Registry
	broker   Broker
	logger   zerolog.Logger
	cancel   context.CancelFunc
}

// NewHub creates a hub for the instance named origin. A nil broker makes
// the hub purely local.
func NewHub(origin string, registry *session.Registry, broker Broker, logger zerolog.Logger) *Hub {
	return &Hub{
		origin:   origin,
		registry: registry,
		broker:   broker,
		logger:   logger.With().Str("component", "fanout").Str("instance", origin).Logger(),
	}
}

// Origin returns the instance name stamped on published envelopes.
func (h *Hub) Origin() string { return h.origin }

// Registry returns the local session registry.
func (h *Hub) Registry() *session.Registry { return h.registry }

// Run subscribes to the broker. It returns once the subscription is live.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		return nil
	}
	ctx, h.cancel = context.WithCancel(ctx)
	if err := h.broker.Subscribe(ctx, h.apply); err != nil {
		h.cancel()
		return fmt.Errorf("fanout subscribe: %w", err)
	}
	h.logger.Info().Str("backend", h.broker.Name()).Msg("fan-out subscribed")
	return nil
}

// Close stops receiving envelopes and closes the broker.
func (h *Hub) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.broker == nil {
		return nil
	}
	return h.broker.Close()
}

// Publish delivers frame to every member of channel on every instance. It
// returns the number of local connections that accepted the frame; a
// broker failure is returned after local delivery has happened.
func (h *Hub) Publish(ctx context.Context, channel string, frame protocol.Frame) (int, error) {
	delivered := h.registry.Deliver(channel, frame)
	err := h.publish(ctx, Envelope{Kind: KindDeliver, Channel: channel, Frame: frame})
	return delivered, err
}

// PublishWait is Publish with backpressure on local connections: each
// local member is waited on until it accepts the frame or ctx ends.
func (h *Hub) PublishWait(ctx context.Context, channel string, frame protocol.Frame) (int, error) {
	delivered := h.registry.DeliverWait(ctx, channel, frame)
	err := h.publish(ctx, Envelope{Kind: KindDeliver, Channel: channel, Frame: frame})
	return delivered, err
}

// SendToIdentity delivers frame to every connection of identityID.
func (h *Hub) SendToIdentity(ctx context.Context, identityID string, frame protocol.Frame) (int, error) {
	return h.Publish(ctx, protocol.IdentityChannel(identityID), frame)
}

// Subscribe joins identityID to channel on every instance.
func (h *Hub) Subscribe(ctx context.Context, identityID, channel string) error {
	h.registry.Subscribe(identityID, channel)
	return h.publish(ctx, Envelope{Kind: KindSubscribe, Channel: channel, Identity: identityID})
}

// Unsubscribe removes identityID from channel on every instance.
func (h *Hub) Unsubscribe(ctx context.Context, identityID, channel string) error {
	h.registry.Unsubscribe(identityID, channel)
	return h.publish(ctx, Envelope{Kind: KindUnsubscribe, Channel: channel, Identity: identityID})
}

func (h *Hub) publish(ctx context.Context, env Envelope) error {
	if h.broker == nil {
		return nil
	}
	env.Origin = h.origin
	if err := h.broker.Publish(ctx, env); err != nil {
		h.logger.Error().Err(err).Str("kind", string(env.Kind)).Str("channel", env.Channel).Msg("fan-out publish failed")
		return fmt.Errorf("fanout publish: %w", err)
	}
	metrics.FanoutPublished.WithLabelValues(h.broker.Name(), string(env.Kind)).Inc()
	return nil
}

func (h *Hub) apply(env Envelope) {
	if env.Origin == h.origin {
		return
	}
	switch env.Kind {
	case KindDeliver:
		h.registry.Deliver(env.Channel, env.Frame)
	case KindSubscribe:
		h.registry.Subscribe(env.Identity, env.Channel)
	case KindUnsubscribe:
		h.registry.Unsubscribe(env.Identity, env.Channel)
	default:
		h.logger.Warn().Str("kind", string(env.Kind)).Msg("unknown envelope kind")
	}
}
