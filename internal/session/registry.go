// Package session implements the Session Registry: the instance-local,
// indexed store of live connections and their channel membership.
//
// Every connection is keyed by its connection ID and joins two base
// channels for its whole lifetime: identity:<id> and kind:<role>.
// Additional channels (request:<id>) are subscribed per identity and are
// sticky: they are re-applied when the identity reconnects, until
// explicitly unsubscribed.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
)

// Conn is a live connection handle owned by the transport.
type Conn interface {
	ID() string
	Identity() models.Identity
	// Send queues a frame for delivery. It returns false when the frame was
	// dropped because the connection is closed or its buffer is full.
	Send(frame protocol.Frame) bool
	// Close terminates the connection. The transport is expected to call
	// Unregister once its loops exit.
	Close(reason string)
}

// WaitConn is a Conn that can wait for buffer space instead of dropping
// a frame.
type WaitConn interface {
	Conn
	SendWait(ctx context.Context, frame protocol.Frame) error
}

// Listener receives presence signals.
type Listener func(identity models.Identity)

type entry struct {
	conn        Conn
	connectedAt time.Time
	lastSeen    time.Time
	channels    map[string]struct{}
}

// Options configures a Registry.
type Options struct {
	// StaleAfter evicts connections not touched for this long. Zero
	// disables eviction.
	StaleAfter time.Duration
	// SweepInterval is how often Start sweeps for stale connections.
	SweepInterval time.Duration
}

// Registry is the Session Registry.
type Registry struct {
	clock  clock.Clock
	logger zerolog.Logger
	opts   Options

	mu         sync.RWMutex
	conns      map[string]*entry
	identities map[string]map[string]struct{}
	channels   map[string]map[string]struct{}
	sticky     map[string]map[string]struct{}

	listenersMu sync.RWMutex
	online      []Listener
	offline     []Listener

	stop chan struct{}
	done chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock, logger zerolog.Logger, opts Options) *Registry {
	return &Registry{
		clock:      clk,
		logger:     logger.With().Str("component", "session").Logger(),
		opts:       opts,
		conns:      make(map[string]*entry),
		identities: make(map[string]map[string]struct{}),
		channels:   make(map[string]map[string]struct{}),
		sticky:     make(map[string]map[string]struct{}),
	}
}

// OnOnline registers fn for the first connection of an identity.
func (r *Registry) OnOnline(fn Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.online = append(r.online, fn)
}

// OnOffline registers fn for the removal of an identity's last connection
// (presence:offline).
func (r *Registry) OnOffline(fn Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.offline = append(r.offline, fn)
}

// Register inserts conn and joins its channels. It is idempotent per
// connection ID. first reports whether conn is the identity's only
// connection, in which case online listeners have run before Register
// returns.
func (r *Registry) Register(conn Conn) (first bool) {
	identity := conn.Identity()
	now := r.clock.Now()

	r.mu.Lock()
	if _, exists := r.conns[conn.ID()]; exists {
		r.mu.Unlock()
		return false
	}

	e := &entry{conn: conn, connectedAt: now, lastSeen: now, channels: make(map[string]struct{})}
	r.conns[conn.ID()] = e

	ids := r.identities[identity.ID]
	if ids == nil {
		ids = make(map[string]struct{})
		r.identities[identity.ID] = ids
	}
	ids[conn.ID()] = struct{}{}
	first = len(ids) == 1

	r.joinLocked(e, protocol.IdentityChannel(identity.ID))
	r.joinLocked(e, protocol.KindChannel(string(identity.Kind)))
	for ch := range r.sticky[identity.ID] {
		r.joinLocked(e, ch)
	}
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	r.logger.Debug().
		Str("connection_id", conn.ID()).
		Str("identity", identity.ID).
		Str("kind", string(identity.Kind)).
		Bool("first", first).
		Msg("connection registered")

	if first {
		r.emit(r.onlineListeners(), identity)
	}
	return first
}

// Unregister removes a connection from every channel. last reports whether
// it was the identity's final connection; offline listeners have run
// before Unregister returns in that case.
func (r *Registry) Unregister(connID string) (last bool) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	identity := e.conn.Identity()

	for ch := range e.channels {
		r.leaveLocked(e, ch)
	}
	delete(r.conns, connID)

	ids := r.identities[identity.ID]
	delete(ids, connID)
	if len(ids) == 0 {
		delete(r.identities, identity.ID)
		last = true
	}
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	r.logger.Debug().
		Str("connection_id", connID).
		Str("identity", identity.ID).
		Bool("last", last).
		Msg("connection unregistered")

	if last {
		r.emit(r.offlineListeners(), identity)
	}
	return last
}

// Subscribe joins every current and future connection of identityID to
// channel. Base channels cannot be subscribed explicitly.
func (r *Registry) Subscribe(identityID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.sticky[identityID]
	if subs == nil {
		subs = make(map[string]struct{})
		r.sticky[identityID] = subs
	}
	subs[channel] = struct{}{}

	for connID := range r.identities[identityID] {
		r.joinLocked(r.conns[connID], channel)
	}
}

// Unsubscribe reverses Subscribe. Base channels are never left.
func (r *Registry) Unsubscribe(identityID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs := r.sticky[identityID]; subs != nil {
		delete(subs, channel)
		if len(subs) == 0 {
			delete(r.sticky, identityID)
		}
	}
	if channel == protocol.IdentityChannel(identityID) {
		return
	}
	for connID := range r.identities[identityID] {
		e := r.conns[connID]
		if channel == protocol.KindChannel(string(e.conn.Identity().Kind)) {
			continue
		}
		r.leaveLocked(e, channel)
	}
}

// ChannelsFor returns the sorted channels an identity's connections are
// joined to. With no live connection only the sticky subscriptions and
// the identity channel are reported.
func (r *Registry) ChannelsFor(identityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	set[protocol.IdentityChannel(identityID)] = struct{}{}
	for ch := range r.sticky[identityID] {
		set[ch] = struct{}{}
	}
	for connID := range r.identities[identityID] {
		for ch := range r.conns[connID].channels {
			set[ch] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Resolve returns every live connection of identityID on this instance.
func (r *Registry) Resolve(identityID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.identities[identityID])
}

// Members returns every live connection joined to channel.
func (r *Registry) Members(channel string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.channels[channel])
}

// Online reports whether identityID has a live connection on this instance.
func (r *Registry) Online(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities[identityID]) > 0
}

// Deliver sends frame to every local member of channel and returns how
// many connections accepted it.
func (r *Registry) Deliver(channel string, frame protocol.Frame) int {
	delivered := 0
	for _, c := range r.Members(channel) {
		if c.Send(frame) {
			delivered++
		} else {
			metrics.FramesDropped.Inc()
		}
	}
	return delivered
}

// DeliverWait is Deliver with backpressure: connections implementing
// WaitConn are waited on until ctx ends. It returns how many connections
// accepted the frame.
func (r *Registry) DeliverWait(ctx context.Context, channel string, frame protocol.Frame) int {
	delivered := 0
	for _, c := range r.Members(channel) {
		var ok bool
		if wc, isWait := c.(WaitConn); isWait {
			ok = wc.SendWait(ctx, frame) == nil
		} else {
			ok = c.Send(frame)
		}
		if ok {
			delivered++
		} else {
			metrics.FramesDropped.Inc()
		}
	}
	return delivered
}

// Touch records activity on a connection.
func (r *Registry) Touch(connID string) {
	now := r.clock.Now()
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.lastSeen = now
	}
	r.mu.Unlock()
}

// Sweep evicts connections idle for longer than StaleAfter, closing and
// unregistering them. It returns the evicted connections.
func (r *Registry) Sweep() []Conn {
	if r.opts.StaleAfter <= 0 {
		return nil
	}
	cutoff := r.clock.Now().Add(-r.opts.StaleAfter)

	r.mu.RLock()
	var stale []Conn
	for _, e := range r.conns {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e.conn)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.logger.Info().
			Str("connection_id", c.ID()).
			Str("identity", c.Identity().ID).
			Msg("evicting stale connection")
		c.Close("stale")
		r.Unregister(c.ID())
	}
	return stale
}

// Start runs the periodic sweep until Stop or ctx cancellation.
func (r *Registry) Start(ctx context.Context) {
	if r.opts.StaleAfter <= 0 || r.opts.SweepInterval <= 0 {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	ticker := r.clock.NewTicker(r.opts.SweepInterval)

	go func() {
		defer close(r.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Stop ends the sweep loop started by Start.
func (r *Registry) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
}

// Stats summarizes registry contents.
type Stats struct {
	Connections int `json:"connections"`
	Identities  int `json:"identities"`
	Channels    int `json:"channels"`
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), Identities: len(r.identities), Channels: len(r.channels)}
}

// ChannelInfo is one channel and its local membership.
type ChannelInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// Channels lists every channel with at least one local member, sorted by
// name.
func (r *Registry) Channels() []ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(r.channels))
	for name, members := range r.channels {
		out = append(out, ChannelInfo{Name: name, Members: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connections describes every live connection, for operators.
func (r *Registry) Connections() []models.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Connection, 0, len(r.conns))
	for id, e := range r.conns {
		c := models.Connection{ID: id, Identity: e.conn.Identity(), ConnectedAt: e.connectedAt}
		if ra, ok := e.conn.(interface{ RemoteAddr() string }); ok {
			c.RemoteAddr = ra.RemoteAddr()
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (r *Registry) joinLocked(e *entry, channel string) {
	e.channels[channel] = struct{}{}
	members := r.channels[channel]
	if members == nil {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	members[e.conn.ID()] = struct{}{}
}

func (r *Registry) leaveLocked(e *entry, channel string) {
	delete(e.channels, channel)
	if members := r.channels[channel]; members != nil {
		delete(members, e.conn.ID())
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
}

func (r *Registry) collectLocked(ids map[string]struct{}) []Conn {
	if len(ids) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(ids))
	for id := range ids {
		out = append(out, r.conns[id].conn)
	}
	return out
}

func (r *Registry) onlineListeners() []Listener {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	return append([]Listener(nil), r.online...)
}

func (r *Registry) offlineListeners() []Listener {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	return append([]Listener(nil), r.offline...)
}

func (r *Registry) emit(listeners []Listener, identity models.Identity) {
	for _, fn := range listeners {
		fn(identity)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
