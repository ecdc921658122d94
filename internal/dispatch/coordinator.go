// Package dispatch owns the lifecycle of dispatch requests: broadcast to
// eligible fulfillers, first-accept-wins resolution through a conditional
// update, guarded timeouts, and completion or cancellation notices.
//
// The persistence collaborator is the arbiter of every status change. The
// coordinator keeps only a cache of requests it has seen and the timers it
// armed, and acts on a transition only after the store confirms it.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/crypto"
	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
)

// DefaultTimeout is how long a request may stay pending.
const DefaultTimeout = 30 * time.Second

// expireRetryDelay is the wait before retrying a timeout whose update
// failed in the store.
const expireRetryDelay = 5 * time.Second

// Store is the authoritative persistence collaborator.
type Store interface {
	CreateRequest(ctx context.Context, req *models.DispatchRequest) error
	GetRequest(ctx context.Context, id string) (*models.DispatchRequest, error)
	// TransitionRequest applies t only if the current status is one of
	// t.From, returning the updated request or models.ErrStaleTransition.
	TransitionRequest(ctx context.Context, id string, t models.Transition) (*models.DispatchRequest, error)
	ListActiveRequests(ctx context.Context, identityID string) ([]*models.DispatchRequest, error)
	ListPendingRequests(ctx context.Context) ([]*models.DispatchRequest, error)
}

// Publisher delivers frames to channels across instances.
type Publisher interface {
	Publish(ctx context.Context, channel string, frame protocol.Frame) (int, error)
	Subscribe(ctx context.Context, identityID, channel string) error
	Unsubscribe(ctx context.Context, identityID, channel string) error
}

// Options configures a Coordinator.
type Options struct {
	Timeout time.Duration
	// NarrowToAvailable restricts request:new broadcasts and accepts to
	// fulfillers in the availability pool.
	NarrowToAvailable bool
}

// Coordinator is the Dispatch Coordinator.
type Coordinator struct {
	store    Store
	pool     Pool
	presence Presence
	pub      Publisher
	clock    clock.Clock
	logger   zerolog.Logger
	opts     Options

	mu      sync.Mutex
	timers  map[string]*armed
	stopped bool
}

type armed struct {
	timer *clock.Timer
}

// New creates a coordinator. presence may be nil, in which case every
// fulfiller is treated as connected when availability is restored.
func New(store Store, pool Pool, presence Presence, pub Publisher, clk clock.Clock, logger zerolog.Logger, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Coordinator{
		store:    store,
		pool:     pool,
		presence: presence,
		pub:      pub,
		clock:    clk,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		opts:     opts,
		timers:   make(map[string]*armed),
	}
}

// Run re-arms timeouts for requests still pending in the store, firing
// immediately for those already past their deadline.
func (c *Coordinator) Run(ctx context.Context) error {
	pending, err := c.store.ListPendingRequests(ctx)
	if err != nil {
		return protocol.StorageFailure(err)
	}
	now := c.clock.Now()
	for _, req := range pending {
		remaining := req.CreatedAt.Add(c.opts.Timeout).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		c.arm(req.ID, remaining)
	}
	c.logger.Info().Int("pending", len(pending)).Msg("dispatch timers restored")
	return nil
}

// Stop disarms every timer. Later Create calls still persist requests but
// arm no timers.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, a := range c.timers {
		a.timer.Stop()
		delete(c.timers, id)
	}
}

// PendingTimers returns how many timeouts are armed.
func (c *Coordinator) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Create persists a new pending request, subscribes the requester to its
// channel, arms the timeout and broadcasts request:new.
func (c *Coordinator) Create(ctx context.Context, requester models.Identity, in protocol.RequestCreate) (*models.DispatchRequest, error) {
	if requester.Kind != models.KindRequester {
		return nil, protocol.Unauthorized("requester_only", "only requesters may create requests")
	}
	in.OriginDesc = strings.TrimSpace(in.OriginDesc)
	in.DestDesc = strings.TrimSpace(in.DestDesc)
	if in.OriginDesc == "" || in.DestDesc == "" {
		return nil, protocol.Validation("missing_field", "originDesc and destDesc are required")
	}
	if in.Estimate != nil && *in.Estimate < 0 {
		return nil, protocol.Validation("invalid_estimate", "estimate must not be negative")
	}

	req := &models.DispatchRequest{
		ID:          crypto.NewUUIDv7().String(),
		RequesterID: requester.ID,
		Status:      models.StatusPending,
		OriginDesc:  in.OriginDesc,
		DestDesc:    in.DestDesc,
		Estimate:    in.Estimate,
		CreatedAt:   c.clock.Now().UTC(),
	}
	if err := c.store.CreateRequest(ctx, req); err != nil {
		c.logger.Error().Err(err).Str("requester", requester.ID).Msg("create request failed")
		return nil, protocol.DispatchFailure(err)
	}
	metrics.DispatchTransitions.WithLabelValues(string(models.StatusPending)).Inc()

	channel := protocol.RequestChannel(req.ID)
	if err := c.pub.Subscribe(ctx, requester.ID, channel); err != nil {
		c.logger.Warn().Err(err).Str("request_id", req.ID).Msg("subscribe requester failed")
	}
	c.arm(req.ID, c.opts.Timeout)

	c.publish(ctx, channel, protocol.EventRequestCreated, RequestEvent{Request: *req})
	c.broadcastNew(ctx, req)

	c.logger.Info().
		Str("request_id", req.ID).
		Str("requester", requester.ID).
		Msg("request created")
	return req, nil
}

// Accept resolves the acceptance race. Only the caller whose conditional
// update succeeds is notified; every other caller gets
// protocol.ErrRequestUnavailable.
func (c *Coordinator) Accept(ctx context.Context, fulfiller models.Identity, requestID string) (*models.DispatchRequest, error) {
	if fulfiller.Kind != models.KindFulfiller {
		return nil, protocol.Unauthorized("fulfiller_only", "only fulfillers may accept requests")
	}
	if requestID == "" {
		return nil, protocol.Validation("missing_field", "requestId is required")
	}
	if c.opts.NarrowToAvailable {
		ok, err := c.pool.IsAvailable(ctx, fulfiller.ID)
		if err != nil {
			return nil, protocol.DispatchFailure(err)
		}
		if !ok {
			return nil, protocol.Unauthorized("not_available", "mark yourself available before accepting")
		}
	}

	req, err := c.store.TransitionRequest(ctx, requestID, models.Transition{
		To:          models.StatusAccepted,
		From:        []models.DispatchStatus{models.StatusPending},
		FulfillerID: fulfiller.ID,
		By:          fulfiller.ID,
		At:          c.clock.Now().UTC(),
	})
	switch {
	case errors.Is(err, models.ErrStaleTransition):
		metrics.DispatchAcceptConflicts.Inc()
		c.logger.Debug().Str("request_id", requestID).Str("fulfiller", fulfiller.ID).Msg("accept lost race")
		return nil, protocol.ErrRequestUnavailable
	case errors.Is(err, models.ErrNotFound):
		return nil, protocol.NotFound("request_not_found", "no such request")
	case err != nil:
		c.logger.Error().Err(err).Str("request_id", requestID).Msg("accept update failed")
		return nil, protocol.DispatchFailure(err)
	}
	metrics.DispatchTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	c.disarm(requestID)

	if err := c.pool.SetAvailable(ctx, fulfiller.ID, false); err != nil {
		c.logger.Warn().Err(err).Str("fulfiller", fulfiller.ID).Msg("mark unavailable failed")
	}
	channel := protocol.RequestChannel(requestID)
	if err := c.pub.Subscribe(ctx, fulfiller.ID, channel); err != nil {
		c.logger.Warn().Err(err).Str("request_id", requestID).Msg("subscribe fulfiller failed")
	}

	c.publish(ctx, channel, protocol.EventRequestAccepted, RequestEvent{Request: *req, By: fulfiller.ID})
	c.publish(ctx, protocol.KindChannel(string(models.KindFulfiller)), protocol.EventRequestTaken,
		Taken{RequestID: requestID, FulfillerID: fulfiller.ID})

	c.logger.Info().
		Str("request_id", requestID).
		Str("fulfiller", fulfiller.ID).
		Msg("request accepted")
	return req, nil
}

// Start moves an accepted request to active. Only the assignee may start.
func (c *Coordinator) Start(ctx context.Context, who models.Identity, requestID string) (*models.DispatchRequest, error) {
	return c.advance(ctx, who, requestID, models.StatusActive, protocol.EventRequestStarted)
}

// Complete finishes an active request. Only the assignee may complete.
func (c *Coordinator) Complete(ctx context.Context, who models.Identity, requestID string) (*models.DispatchRequest, error) {
	return c.advance(ctx, who, requestID, models.StatusCompleted, protocol.EventRequestCompleted)
}

func (c *Coordinator) advance(ctx context.Context, who models.Identity, requestID string, to models.DispatchStatus, event string) (*models.DispatchRequest, error) {
	current, err := c.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if current.FulfillerID == "" || current.FulfillerID != who.ID {
		return nil, protocol.Unauthorized("not_assignee", "only the assigned fulfiller may do this")
	}

	req, err := c.transition(ctx, requestID, models.Transition{
		To:   to,
		From: models.SourcesOf(to),
		By:   who.ID,
		At:   c.clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, protocol.RequestChannel(requestID), event, RequestEvent{Request: *req, By: who.ID})
	if req.Status.Terminal() {
		c.finish(ctx, req)
	}
	c.logger.Info().Str("request_id", requestID).Str("status", string(req.Status)).Msg("request advanced")
	return req, nil
}

// Cancel cancels a pre-terminal request. The requester may cancel at any
// pre-terminal state, the assignee once accepted, operators always.
func (c *Coordinator) Cancel(ctx context.Context, who models.Identity, requestID, reason string) (*models.DispatchRequest, error) {
	current, err := c.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if who.Kind != models.KindOperator && !current.Participant(who.ID) {
		return nil, protocol.Unauthorized("not_participant", "only the requester or assignee may cancel")
	}

	req, err := c.transition(ctx, requestID, models.Transition{
		To:     models.StatusCancelled,
		From:   models.SourcesOf(models.StatusCancelled),
		By:     who.ID,
		Reason: reason,
		At:     c.clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	c.disarm(requestID)

	ev := RequestEvent{Request: *req, By: who.ID, Reason: reason}
	c.publish(ctx, protocol.RequestChannel(requestID), protocol.EventRequestCancelled, ev)
	// An accept that landed after the read above already announced itself.
	if req.AcceptedAt == nil {
		c.publish(ctx, protocol.KindChannel(string(models.KindFulfiller)), protocol.EventRequestTaken, Taken{RequestID: requestID})
	}
	c.finish(ctx, req)

	c.logger.Info().
		Str("request_id", requestID).
		Str("by", who.ID).
		Str("reason", reason).
		Msg("request cancelled")
	return req, nil
}

// SetAvailability toggles a fulfiller's membership in the eligibility pool.
func (c *Coordinator) SetAvailability(ctx context.Context, who models.Identity, available bool) error {
	if who.Kind != models.KindFulfiller {
		return protocol.Unauthorized("fulfiller_only", "only fulfillers have availability")
	}
	if err := c.pool.SetAvailable(ctx, who.ID, available); err != nil {
		return protocol.StorageFailure(err)
	}
	c.logger.Debug().Str("fulfiller", who.ID).Bool("available", available).Msg("availability changed")

	frame := protocol.NewFrame(protocol.EventPresenceChanged, protocol.Presence{
		Identity:  who.ID,
		Kind:      string(who.Kind),
		Available: &available,
	})
	if _, err := c.pub.Publish(ctx, protocol.KindChannel(string(models.KindOperator)), frame); err != nil {
		c.logger.Warn().Err(err).Str("fulfiller", who.ID).Msg("presence change publish failed")
	}
	return nil
}

// HandleOffline reacts to an identity's last connection closing. A
// fulfiller leaves the pool. Active requests are not altered; the
// counterpart is told so it can decide whether to cancel.
func (c *Coordinator) HandleOffline(ctx context.Context, identity models.Identity) {
	if identity.Kind == models.KindFulfiller {
		if err := c.pool.SetAvailable(ctx, identity.ID, false); err != nil {
			c.logger.Warn().Err(err).Str("fulfiller", identity.ID).Msg("remove from pool failed")
		}
	}

	active, err := c.store.ListActiveRequests(ctx, identity.ID)
	if err != nil {
		c.logger.Error().Err(err).Str("identity", identity.ID).Msg("list active requests failed")
		return
	}
	for _, req := range active {
		if req.Status == models.StatusPending {
			continue
		}
		role := string(models.KindRequester)
		if req.FulfillerID == identity.ID {
			role = string(models.KindFulfiller)
		}
		c.publish(ctx, protocol.RequestChannel(req.ID), protocol.EventParticipantOffline,
			ParticipantOffline{RequestID: req.ID, Identity: identity.ID, Role: role})
	}
}

// Get returns the authoritative copy of a request.
func (c *Coordinator) Get(ctx context.Context, requestID string) (*models.DispatchRequest, error) {
	if requestID == "" {
		return nil, protocol.Validation("missing_field", "requestId is required")
	}
	req, err := c.store.GetRequest(ctx, requestID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, protocol.NotFound("request_not_found", "no such request")
	}
	if err != nil {
		return nil, protocol.StorageFailure(err)
	}
	return req, nil
}

// ActiveRequestsFor returns the pre-terminal requests an identity takes
// part in.
func (c *Coordinator) ActiveRequestsFor(ctx context.Context, identityID string) ([]*models.DispatchRequest, error) {
	reqs, err := c.store.ListActiveRequests(ctx, identityID)
	if err != nil {
		return nil, protocol.StorageFailure(err)
	}
	return reqs, nil
}

// Participants returns the requester and, once assigned, the fulfiller.
func (c *Coordinator) Participants(ctx context.Context, requestID string) ([]string, error) {
	req, err := c.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := []string{req.RequesterID}
	if req.FulfillerID != "" {
		out = append(out, req.FulfillerID)
	}
	return out, nil
}

func (c *Coordinator) transition(ctx context.Context, requestID string, t models.Transition) (*models.DispatchRequest, error) {
	req, err := c.store.TransitionRequest(ctx, requestID, t)
	switch {
	case errors.Is(err, models.ErrStaleTransition):
		return nil, protocol.Conflict("invalid_state", "request cannot move to "+string(t.To)+" from its current state")
	case errors.Is(err, models.ErrNotFound):
		return nil, protocol.NotFound("request_not_found", "no such request")
	case err != nil:
		c.logger.Error().Err(err).Str("request_id", requestID).Str("to", string(t.To)).Msg("transition failed")
		return nil, protocol.DispatchFailure(err)
	}
	metrics.DispatchTransitions.WithLabelValues(string(req.Status)).Inc()
	return req, nil
}

// finish releases per-request resources after a terminal transition.
func (c *Coordinator) finish(ctx context.Context, req *models.DispatchRequest) {
	if req.FulfillerID != "" && c.online(ctx, req.FulfillerID) {
		if err := c.pool.SetAvailable(ctx, req.FulfillerID, true); err != nil {
			c.logger.Warn().Err(err).Str("fulfiller", req.FulfillerID).Msg("restore availability failed")
		}
	}
	channel := protocol.RequestChannel(req.ID)
	for _, id := range []string{req.RequesterID, req.FulfillerID} {
		if id == "" {
			continue
		}
		if err := c.pub.Unsubscribe(ctx, id, channel); err != nil {
			c.logger.Warn().Err(err).Str("request_id", req.ID).Msg("unsubscribe failed")
		}
	}
}

func (c *Coordinator) online(ctx context.Context, identityID string) bool {
	if c.presence == nil {
		return true
	}
	ok, err := c.presence.IsOnline(ctx, identityID)
	if err != nil {
		c.logger.Warn().Err(err).Str("identity", identityID).Msg("presence lookup failed")
		return false
	}
	return ok
}

func (c *Coordinator) broadcastNew(ctx context.Context, req *models.DispatchRequest) {
	ev := RequestEvent{Request: *req}
	if !c.opts.NarrowToAvailable {
		c.publish(ctx, protocol.KindChannel(string(models.KindFulfiller)), protocol.EventRequestNew, ev)
		return
	}
	ids, err := c.pool.AvailableFulfillers(ctx)
	if err != nil {
		c.logger.Error().Err(err).Str("request_id", req.ID).Msg("read availability failed, broadcasting to all fulfillers")
		c.publish(ctx, protocol.KindChannel(string(models.KindFulfiller)), protocol.EventRequestNew, ev)
		return
	}
	for _, id := range ids {
		c.publish(ctx, protocol.IdentityChannel(id), protocol.EventRequestNew, ev)
	}
	c.logger.Debug().Str("request_id", req.ID).Int("fulfillers", len(ids)).Msg("request broadcast")
}

func (c *Coordinator) publish(ctx context.Context, channel, event string, payload any) {
	if _, err := c.pub.Publish(ctx, channel, protocol.NewFrame(event, payload)); err != nil {
		c.logger.Warn().Err(err).Str("channel", channel).Str("event", event).Msg("publish failed")
	}
}

func (c *Coordinator) arm(requestID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if old := c.timers[requestID]; old != nil {
		old.timer.Stop()
	}
	a := &armed{}
	a.timer = c.clock.AfterFunc(d, func() { c.expire(requestID, a) })
	c.timers[requestID] = a
}

func (c *Coordinator) disarm(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a := c.timers[requestID]; a != nil {
		a.timer.Stop()
		delete(c.timers, requestID)
	}
}

// expire runs when a pending request's timer fires. The conditional update
// is the guard: a request accepted or cancelled in the meantime no longer
// matches and the callback does nothing.
func (c *Coordinator) expire(requestID string, self *armed) {
	c.mu.Lock()
	if c.timers[requestID] == self {
		delete(c.timers, requestID)
	}
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := c.store.TransitionRequest(ctx, requestID, models.Transition{
		To:   models.StatusTimedOut,
		From: []models.DispatchStatus{models.StatusPending},
		By:   "system",
		At:   c.clock.Now().UTC(),
	})
	if errors.Is(err, models.ErrStaleTransition) || errors.Is(err, models.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Error().Err(err).Str("request_id", requestID).Dur("retry_in", expireRetryDelay).Msg("timeout update failed")
		c.arm(requestID, expireRetryDelay)
		return
	}
	metrics.DispatchTransitions.WithLabelValues(string(models.StatusTimedOut)).Inc()

	c.publish(ctx, protocol.RequestChannel(requestID), protocol.EventRequestTimeout, RequestEvent{Request: *req})
	c.publish(ctx, protocol.KindChannel(string(models.KindFulfiller)), protocol.EventRequestTaken, Taken{RequestID: requestID})
	c.finish(ctx, req)

	c.logger.Info().Str("request_id", requestID).Msg("request timed out")
}
