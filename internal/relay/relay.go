// Package relay delivers payloads to identities, queueing them while the
// identity has no live connection and flushing on reconnect. It also
// carries chat messages and typing indicators between participants.
package relay

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/crypto"
	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
)

const (
	// MaxBodyLength bounds message bodies, in characters.
	MaxBodyLength = 4000
	// DefaultTypingTimeout clears a typing indicator that was not renewed.
	DefaultTypingTimeout = 5 * time.Second

	requeueTimeout = 5 * time.Second
)

// Publisher delivers frames to channels across instances.
type Publisher interface {
	Publish(ctx context.Context, channel string, frame protocol.Frame) (int, error)
}

// WaitPublisher is a Publisher that can wait for slow local connections
// instead of dropping frames.
type WaitPublisher interface {
	PublishWait(ctx context.Context, channel string, frame protocol.Frame) (int, error)
}

// Requests resolves the participants of a dispatch request.
type Requests interface {
	Participants(ctx context.Context, requestID string) ([]string, error)
}

// Options configures a Relay.
type Options struct {
	TypingTimeout time.Duration
}

type typingTimer struct {
	timer *clock.Timer
}

// Relay is the Messaging Relay.
type Relay struct {
	pub      Publisher
	queue    Queue
	presence Presence
	requests Requests
	clock    clock.Clock
	logger   zerolog.Logger
	opts     Options

	mu      sync.Mutex
	typing  map[string]*typingTimer
	stopped bool
}

// New creates a relay. requests may be nil, which disables request-scoped
// messages.
func New(pub Publisher, queue Queue, presence Presence, requests Requests, clk clock.Clock, logger zerolog.Logger, opts Options) *Relay {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	return &Relay{
		pub:      pub,
		queue:    queue,
		presence: presence,
		requests: requests,
		clock:    clk,
		logger:   logger.With().Str("component", "relay").Logger(),
		opts:     opts,
		typing:   make(map[string]*typingTimer),
	}
}

// Stop disarms every typing timer.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for key, t := range r.typing {
		t.timer.Stop()
		delete(r.typing, key)
	}
}

// Send delivers event to every connection of identityID, or queues it when
// the identity is offline on every instance. queued reports which
// happened.
func (r *Relay) Send(ctx context.Context, identityID, event string, payload any) (queued bool, err error) {
	return r.send(ctx, identityID, r.online(ctx, identityID), protocol.NewFrame(event, payload))
}

func (r *Relay) send(ctx context.Context, identityID string, online bool, frame protocol.Frame) (bool, error) {
	channel := protocol.IdentityChannel(identityID)
	if online {
		if _, err := r.pub.Publish(ctx, channel, frame); err != nil {
			return false, protocol.StorageFailure(err)
		}
		metrics.MessagesRelayed.WithLabelValues("delivered").Inc()
		return false, nil
	}

	msg := models.QueuedMessage{
		ID:         crypto.NewULID(),
		Channel:    channel,
		Event:      frame.Event,
		Payload:    frame.Data,
		EnqueuedAt: r.clock.Now().UTC(),
	}
	if err := r.queue.Enqueue(ctx, identityID, msg); err != nil {
		r.logger.Error().Err(err).Str("identity", identityID).Msg("enqueue failed")
		return false, protocol.StorageFailure(err)
	}
	metrics.MessagesRelayed.WithLabelValues("queued").Inc()
	r.logger.Debug().Str("identity", identityID).Str("event", frame.Event).Msg("message queued")
	return true, nil
}

// Flush delivers an identity's queued messages in enqueue order and
// empties the queue. It runs when the identity's first connection
// registers on this instance. When no local connection accepts a message,
// it and every later message go back on the queue for the next connect.
func (r *Relay) Flush(ctx context.Context, identityID string) (int, error) {
	msgs, err := r.queue.Drain(ctx, identityID)
	if err != nil {
		r.logger.Error().Err(err).Str("identity", identityID).Msg("drain queue failed")
		return 0, protocol.StorageFailure(err)
	}
	publish := r.pub.Publish
	if wp, ok := r.pub.(WaitPublisher); ok {
		publish = wp.PublishWait
	}

	flushed := 0
	for _, m := range msgs {
		n, err := publish(ctx, m.Channel, protocol.NewFrame(m.Event, m.Payload))
		if err != nil {
			r.logger.Warn().Err(err).Str("identity", identityID).Str("message_id", m.ID).Msg("flush publish failed")
		}
		if n == 0 {
			break
		}
		flushed++
	}
	if flushed > 0 {
		metrics.MessagesRelayed.WithLabelValues("flushed").Add(float64(flushed))
		r.logger.Info().Str("identity", identityID).Int("messages", flushed).Msg("queue flushed")
	}
	if rest := msgs[flushed:]; len(rest) > 0 {
		return flushed, r.requeue(ctx, identityID, rest)
	}
	return flushed, nil
}

// requeue puts undelivered messages back in their original order. It
// outlives ctx so a flush cut short by its deadline does not lose them.
func (r *Relay) requeue(ctx context.Context, identityID string, msgs []models.QueuedMessage) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	for i, m := range msgs {
		if err := r.queue.Enqueue(ctx, identityID, m); err != nil {
			r.logger.Error().Err(err).Str("identity", identityID).Int("lost", len(msgs)-i).Msg("requeue failed")
			return protocol.StorageFailure(err)
		}
	}
	metrics.MessagesRelayed.WithLabelValues("requeued").Add(float64(len(msgs)))
	r.logger.Warn().Str("identity", identityID).Int("messages", len(msgs)).Msg("flush incomplete, messages requeued")
	return nil
}

// HandleMessage routes message:send by target channel: identity channels
// are delivered or queued, request channels reach the other participants,
// and kind channels are open to operators and broadcasters only.
func (r *Relay) HandleMessage(ctx context.Context, from models.Identity, in protocol.MessageSend) (protocol.Delivery, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return protocol.Delivery{}, protocol.Validation("missing_field", "body is required")
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return protocol.Delivery{}, protocol.Validation("body_too_long", "body exceeds 4000 characters")
	}
	scope, target, ok := protocol.ParseChannel(in.TargetChannel)
	if !ok {
		return protocol.Delivery{}, protocol.Validation("invalid_channel", "targetChannel must be identity:<id>, request:<id> or kind:<role>")
	}

	msg := protocol.Message{
		ID:            crypto.NewULID(),
		From:          from.ID,
		TargetChannel: in.TargetChannel,
		Body:          body,
		Kind:          in.Kind,
		SentAt:        r.clock.Now().UTC(),
	}

	switch scope {
	case "identity":
		queued, err := r.deliverMessage(ctx, target, msg)
		return protocol.Delivery{ID: msg.ID, Queued: queued}, err

	case "request":
		recipients, err := r.otherParticipants(ctx, from, target)
		if err != nil {
			return protocol.Delivery{}, err
		}
		anyQueued := false
		for _, id := range recipients {
			queued, err := r.deliverMessage(ctx, id, msg)
			if err != nil {
				return protocol.Delivery{}, err
			}
			anyQueued = anyQueued || queued
		}
		return protocol.Delivery{ID: msg.ID, Queued: anyQueued}, nil

	default:
		if !from.Can(models.PermBroadcast) {
			return protocol.Delivery{}, protocol.Unauthorized("broadcast_forbidden", "only operators may message a whole role")
		}
		if !models.Kind(target).Valid() {
			return protocol.Delivery{}, protocol.Validation("invalid_channel", "unknown role "+target)
		}
		if _, err := r.pub.Publish(ctx, in.TargetChannel, protocol.NewFrame(protocol.EventMessageReceived, msg)); err != nil {
			return protocol.Delivery{}, protocol.StorageFailure(err)
		}
		metrics.MessagesRelayed.WithLabelValues("delivered").Inc()
		return protocol.Delivery{ID: msg.ID}, nil
	}
}

func (r *Relay) deliverMessage(ctx context.Context, identityID string, msg protocol.Message) (bool, error) {
	online := r.online(ctx, identityID)
	msg.Queued = !online
	return r.send(ctx, identityID, online, protocol.NewFrame(protocol.EventMessageReceived, msg))
}

// Typing relays a typing indicator. An active indicator is cleared with an
// inactive one after TypingTimeout unless renewed.
func (r *Relay) Typing(ctx context.Context, from models.Identity, in protocol.MessageTyping) error {
	scope, target, ok := protocol.ParseChannel(in.TargetChannel)
	if !ok || scope == "kind" {
		return protocol.Validation("invalid_channel", "typing targets identity:<id> or request:<id>")
	}
	if scope == "request" {
		if _, err := r.otherParticipants(ctx, from, target); err != nil {
			return err
		}
	}
	active := in.Active == nil || *in.Active
	key := from.ID + "|" + in.TargetChannel

	if active {
		r.armTyping(key, from.ID, in.TargetChannel)
	} else {
		r.disarmTyping(key)
	}
	r.publishTyping(ctx, from.ID, in.TargetChannel, active)
	return nil
}

// TypingActive reports whether from has an unexpired indicator on channel.
func (r *Relay) TypingActive(fromID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.typing[fromID+"|"+channel]
	return ok
}

func (r *Relay) armTyping(key, fromID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if old := r.typing[key]; old != nil {
		old.timer.Stop()
	}
	t := &typingTimer{}
	t.timer = r.clock.AfterFunc(r.opts.TypingTimeout, func() { r.expireTyping(key, t, fromID, channel) })
	r.typing[key] = t
}

func (r *Relay) disarmTyping(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.typing[key]; t != nil {
		t.timer.Stop()
		delete(r.typing, key)
	}
}

// expireTyping acts only if self is still the armed timer for key, so a
// renewal or explicit stop racing with the callback wins.
func (r *Relay) expireTyping(key string, self *typingTimer, fromID, channel string) {
	r.mu.Lock()
	if r.typing[key] != self {
		r.mu.Unlock()
		return
	}
	delete(r.typing, key)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.publishTyping(ctx, fromID, channel, false)
}

func (r *Relay) publishTyping(ctx context.Context, fromID, channel string, active bool) {
	frame := protocol.NewFrame(protocol.EventMessageTyping, protocol.Typing{From: fromID, TargetChannel: channel, Active: active})
	if _, err := r.pub.Publish(ctx, channel, frame); err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("typing publish failed")
	}
}

func (r *Relay) otherParticipants(ctx context.Context, from models.Identity, requestID string) ([]string, error) {
	if r.requests == nil {
		return nil, protocol.Validation("invalid_channel", "request messaging is disabled")
	}
	ids, err := r.requests.Participants(ctx, requestID)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, protocol.StorageFailure(err)
	}
	if !slices.Contains(ids, from.ID) {
		return nil, protocol.Unauthorized("not_participant", "only request participants may message this request")
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != from.ID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *Relay) online(ctx context.Context, identityID string) bool {
	ok, err := r.presence.IsOnline(ctx, identityID)
	if err != nil {
		r.logger.Warn().Err(err).Str("identity", identityID).Msg("presence lookup failed, queueing")
		return false
	}
	return ok
}
