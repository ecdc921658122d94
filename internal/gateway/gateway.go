// Package gateway is the Connection Gateway: it authenticates WebSocket
// handshakes, registers live connections with the session registry and
// routes inbound events to the dispatch, location and messaging
// components.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/crypto"
	"github.com/eldtechnologies/ridewire/internal/location"
	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
	"github.com/eldtechnologies/ridewire/internal/session"
)

// Verifier turns a bearer credential into an identity.
type Verifier interface {
	Verify(token string) (models.Identity, error)
}

// Dispatcher handles request lifecycle and availability events.
type Dispatcher interface {
	Create(ctx context.Context, requester models.Identity, in protocol.RequestCreate) (*models.DispatchRequest, error)
	Accept(ctx context.Context, fulfiller models.Identity, requestID string) (*models.DispatchRequest, error)
	Start(ctx context.Context, who models.Identity, requestID string) (*models.DispatchRequest, error)
	Complete(ctx context.Context, who models.Identity, requestID string) (*models.DispatchRequest, error)
	Cancel(ctx context.Context, who models.Identity, requestID, reason string) (*models.DispatchRequest, error)
	SetAvailability(ctx context.Context, who models.Identity, available bool) error
}

// Locator ingests location samples.
type Locator interface {
	Ingest(ctx context.Context, identity models.Identity, in protocol.LocationUpdate) ([]location.Transition, error)
}

// Messenger relays chat and typing events.
type Messenger interface {
	HandleMessage(ctx context.Context, from models.Identity, in protocol.MessageSend) (protocol.Delivery, error)
	Typing(ctx context.Context, from models.Identity, in protocol.MessageTyping) error
}

// Options configures a Gateway. Zero fields take defaults.
type Options struct {
	// RateLimit is the number of inbound events allowed per RateWindow on
	// one connection. Zero disables the limiter.
	RateLimit  int
	RateWindow time.Duration

	SendBuffer     int
	PingInterval   time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	EventTimeout   time.Duration

	// CheckOrigin is passed to the upgrader. Nil accepts every origin;
	// the bearer credential is what authenticates the caller.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.RateWindow <= 0 {
		o.RateWindow = time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16 * 1024
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = 10 * time.Second
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

// Gateway is an http.Handler serving the WebSocket endpoint.
type Gateway struct {
	verifier Verifier
	registry *session.Registry
	dispatch Dispatcher
	location Locator
	relay    Messenger
	clock    clock.Clock
	logger   zerolog.Logger
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	conns   map[string]*wsConn
	closing bool
}

// New creates a Gateway.
func New(verifier Verifier, registry *session.Registry, dispatch Dispatcher, loc Locator, relay Messenger, clk clock.Clock, logger zerolog.Logger, opts Options) *Gateway {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		verifier: verifier,
		registry: registry,
		dispatch: dispatch,
		location: loc,
		relay:    relay,
		clock:    clk,
		logger:   logger.With().Str("component", "gateway").Logger(),
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{bearerProtocol},
			CheckOrigin:     opts.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*wsConn),
	}
}

const bearerProtocol = "bearer"

// credential extracts the bearer token from the Authorization header, the
// "bearer, <token>" subprotocol pair, or the access_token query parameter.
func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if protos := websocket.Subprotocols(r); len(protos) >= 2 && strings.EqualFold(protos[0], bearerProtocol) {
		return protos[1]
	}
	return r.URL.Query().Get("access_token")
}

// ServeHTTP authenticates the handshake, upgrades the connection and runs
// its read loop until the connection ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := credential(r)
	if token == "" {
		g.reject(w, r, http.StatusUnauthorized, protocol.ReasonMissingCredential, "bearer credential required")
		return
	}
	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Warn().
			Str("type", "security").
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("handshake rejected")
		g.reject(w, r, http.StatusUnauthorized, protocol.ReasonInvalidCredential, "bearer credential invalid or expired")
		return
	}

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		g.reject(w, r, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		g.logger.Debug().Err(err).Str("identity", identity.ID).Msg("upgrade failed")
		return
	}

	id := crypto.NewUUIDv7().String()
	c := newWSConn(id, identity, r.RemoteAddr, ws, g.opts, g.logger.With().
		Str("connection_id", id).
		Str("identity", identity.ID).
		Logger())

	g.mu.Lock()
	g.conns[id] = c
	g.mu.Unlock()

	// session:connected is queued before registration so it precedes any
	// flushed offline messages. The write pump runs before Register so the
	// flush can wait on buffer space instead of overflowing it.
	c.Send(protocol.NewFrame(protocol.EventConnected, protocol.Connected{
		ConnectionID: id,
		Identity:     identity.ID,
		Kind:         string(identity.Kind),
		Channels:     g.initialChannels(identity),
	}))
	go c.writePump()
	g.registry.Register(c)
	c.logger.Info().Str("kind", string(identity.Kind)).Str("remote_addr", r.RemoteAddr).Msg("connection opened")

	g.readLoop(c)

	g.registry.Unregister(id)
	c.Close("disconnected")

	g.mu.Lock()
	delete(g.conns, id)
	g.mu.Unlock()
	c.logger.Info().Msg("connection closed")
}

func (g *Gateway) initialChannels(identity models.Identity) []string {
	channels := append(g.registry.ChannelsFor(identity.ID), protocol.KindChannel(string(identity.Kind)))
	slices.Sort(channels)
	return slices.Compact(channels)
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, status int, reason, message string) {
	metrics.HandshakesRejected.WithLabelValues(reason).Inc()
	g.logger.Info().
		Str("type", "security").
		Str("reason", reason).
		Str("remote_addr", r.RemoteAddr).
		Msg("handshake refused")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  message,
		"code":   string(protocol.CodeAuth),
		"reason": reason,
	})
}

// readLoop handles one inbound event at a time, so events of a single
// connection never interleave.
func (g *Gateway) readLoop(c *wsConn) {
	limiter := newWindowLimiter(g.clock, g.opts.RateLimit, g.opts.RateWindow)
	pongWait := 2 * g.opts.PingInterval

	c.ws.SetReadLimit(g.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		g.registry.Touch(c.id)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case readTimedOut(err):
				c.logger.Debug().Msg("read deadline exceeded")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		g.registry.Touch(c.id)

		// Every inbound frame counts against the limiter, parseable or not.
		allowed := limiter.Allow()

		var frame protocol.Frame
		decodeErr := json.Unmarshal(data, &frame)
		if !allowed {
			metrics.RateLimitHits.WithLabelValues("ws_event").Inc()
			c.logger.Debug().Str("type", "security").Str("event", frame.Event).Msg("event rate limited")
			g.replyError(c, frame, protocol.RateLimited())
			continue
		}
		if decodeErr != nil || frame.Event == "" {
			g.replyError(c, frame, protocol.Validation("malformed_frame", "frame must be a JSON object with an event"))
			continue
		}
		metrics.EventsReceived.WithLabelValues(eventLabel(frame.Event)).Inc()
		g.serveFrame(c, frame)
	}
}

func (g *Gateway) serveFrame(c *wsConn, frame protocol.Frame) {
	if frame.Event == protocol.EventPing {
		c.Send(protocol.NewFrame(protocol.EventPong, nil).WithRef(frame.Ref))
		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, g.opts.EventTimeout)
	defer cancel()

	result, err := g.handle(ctx, c.identity, frame)
	if err != nil {
		g.replyError(c, frame, err)
		return
	}
	if frame.Ref != "" {
		c.Send(protocol.NewFrame(protocol.EventAck, protocol.Ack{For: frame.Event, Result: result}).WithRef(frame.Ref))
	}
}

// zoneChange is the ack result of location:update.
type zoneChange struct {
	ZoneID     string                `json:"zoneId"`
	Transition models.ZoneTransition `json:"transition"`
}

// handle routes one inbound event and returns the ack result.
func (g *Gateway) handle(ctx context.Context, identity models.Identity, frame protocol.Frame) (any, error) {
	switch frame.Event {
	case protocol.EventPresenceAvailable, protocol.EventPresenceUnavailable:
		if identity.Kind != models.KindFulfiller {
			return nil, protocol.Unauthorized("fulfiller_only", "only fulfillers have availability")
		}
		available := frame.Event == protocol.EventPresenceAvailable
		if err := g.dispatch.SetAvailability(ctx, identity, available); err != nil {
			return nil, err
		}
		return protocol.Presence{Identity: identity.ID, Kind: string(identity.Kind), Available: &available}, nil

	case protocol.EventLocationUpdate:
		var in protocol.LocationUpdate
		if err := frame.Decode(&in); err != nil {
			return nil, err
		}
		transitions, err := g.location.Ingest(ctx, identity, in)
		if err != nil {
			return nil, err
		}
		changes := make([]zoneChange, 0, len(transitions))
		for _, tr := range transitions {
			changes = append(changes, zoneChange{ZoneID: tr.Zone.ID, Transition: tr.Kind})
		}
		return changes, nil

	case protocol.EventRequestCreate:
		var in protocol.RequestCreate
		if err := frame.Decode(&in); err != nil {
			return nil, err
		}
		return g.dispatch.Create(ctx, identity, in)

	case protocol.EventRequestAccept, protocol.EventRequestStart, protocol.EventRequestComplete, protocol.EventRequestCancel:
		var in protocol.RequestRef
		if err := frame.Decode(&in); err != nil {
			return nil, err
		}
		if in.RequestID == "" {
			return nil, protocol.Validation("missing_field", "requestId is required")
		}
		switch frame.Event {
		case protocol.EventRequestAccept:
			return g.dispatch.Accept(ctx, identity, in.RequestID)
		case protocol.EventRequestStart:
			return g.dispatch.Start(ctx, identity, in.RequestID)
		case protocol.EventRequestComplete:
			return g.dispatch.Complete(ctx, identity, in.RequestID)
		default:
			return g.dispatch.Cancel(ctx, identity, in.RequestID, in.Reason)
		}

	case protocol.EventMessageSend:
		var in protocol.MessageSend
		if err := frame.Decode(&in); err != nil {
			return nil, err
		}
		return g.relay.HandleMessage(ctx, identity, in)

	case protocol.EventMessageTyping:
		var in protocol.MessageTyping
		if err := frame.Decode(&in); err != nil {
			return nil, err
		}
		return nil, g.relay.Typing(ctx, identity, in)
	}
	return nil, protocol.Validation(protocol.ReasonUnknownEvent, "unknown event "+frame.Event)
}

// replyError sends a structured error to the originating connection only.
func (g *Gateway) replyError(c *wsConn, frame protocol.Frame, err error) {
	pe := protocol.AsError(err)
	metrics.EventErrors.WithLabelValues(string(pe.Code)).Inc()

	ev := c.logger.Debug()
	switch pe.Code {
	case protocol.CodeInternal, protocol.CodeDispatch, protocol.CodeStorage:
		ev = c.logger.Error()
	case protocol.CodeUnauthorized:
		ev = c.logger.Warn()
	}
	ev.Err(err).Str("event", frame.Event).Str("code", string(pe.Code)).Str("reason", pe.Reason).Msg("event rejected")

	c.Send(protocol.NewFrame(protocol.EventError, pe.Payload(frame.Event, frame.Ref)).WithRef(frame.Ref))
}

var knownEvents = map[string]bool{
	protocol.EventPresenceAvailable:   true,
	protocol.EventPresenceUnavailable: true,
	protocol.EventLocationUpdate:      true,
	protocol.EventRequestCreate:       true,
	protocol.EventRequestAccept:       true,
	protocol.EventRequestStart:        true,
	protocol.EventRequestComplete:     true,
	protocol.EventRequestCancel:       true,
	protocol.EventMessageSend:         true,
	protocol.EventMessageTyping:       true,
	protocol.EventPing:                true,
}

// eventLabel bounds the metric label set to known inbound events.
func eventLabel(event string) string {
	if knownEvents[event] {
		return event
	}
	return "unknown"
}

// Connections returns the number of open gateway connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown refuses new handshakes, closes every connection and waits for
// their loops to exit or ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close("shutdown")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	defer g.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
