// Package location ingests location samples, keeps the last known
// position per identity, and detects zone entry and exit edges.
package location

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/metrics"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
	"github.com/eldtechnologies/ridewire/internal/zones"
)

// Publisher delivers frames to channels across instances.
type Publisher interface {
	Publish(ctx context.Context, channel string, frame protocol.Frame) (int, error)
}

// SampleSink is the persistence collaborator for raw samples.
type SampleSink interface {
	AppendLocationSample(ctx context.Context, sample models.LocationSample) error
}

// Requests lists the pre-terminal requests an identity takes part in.
type Requests interface {
	ActiveRequestsFor(ctx context.Context, identityID string) ([]*models.DispatchRequest, error)
}

// Transition is one detected zone edge.
type Transition struct {
	Zone models.Zone
	Kind models.ZoneTransition
}

// Position is the last known location of an identity. Frozen positions
// belong to identities with no live connection.
type Position struct {
	Sample models.LocationSample `json:"sample"`
	Frozen bool                  `json:"frozen"`
}

type tracker struct {
	mu       sync.Mutex
	last     *models.LocationSample
	inside   map[string]bool
	frozen   bool
	frozenAt time.Time
	evicted  bool
}

// Engine is the Location & Geofence Engine.
type Engine struct {
	zones    *zones.Store
	pub      Publisher
	sink     SampleSink
	requests Requests
	rules    *RuleExecutor
	clock    clock.Clock
	logger   zerolog.Logger

	mu       sync.Mutex
	trackers map[string]*tracker

	stop chan struct{}
	done chan struct{}
}

// NewEngine creates an engine. sink and requests may be nil.
func NewEngine(zs *zones.Store, pub Publisher, sink SampleSink, requests Requests, rules *RuleExecutor, clk clock.Clock, logger zerolog.Logger) *Engine {
	return &Engine{
		zones:    zs,
		pub:      pub,
		sink:     sink,
		requests: requests,
		rules:    rules,
		clock:    clk,
		logger:   logger.With().Str("component", "location").Logger(),
		trackers: make(map[string]*tracker),
	}
}

// Ingest validates a sample, records it as the last known position, and
// emits one zone event per membership flip. Samples of one identity are
// processed one at a time so concurrent devices cannot double-fire an
// edge. A sample older than the last accepted one is persisted but does
// not move the position.
func (e *Engine) Ingest(ctx context.Context, identity models.Identity, in protocol.LocationUpdate) ([]Transition, error) {
	sample, err := e.validate(identity, in)
	if err != nil {
		return nil, err
	}
	metrics.LocationUpdates.Inc()
	e.persist(ctx, sample)

	t := e.lockTracker(identity.ID)
	defer t.mu.Unlock()

	if t.last != nil && sample.Timestamp.Before(t.last.Timestamp) {
		e.logger.Debug().
			Str("identity", identity.ID).
			Time("sample_at", sample.Timestamp).
			Time("last_at", t.last.Timestamp).
			Msg("out-of-order sample ignored")
		return nil, nil
	}
	t.last = &sample
	t.frozen = false

	transitions := e.evaluate(t, sample)

	var active []*models.DispatchRequest
	if e.requests != nil {
		active, err = e.requests.ActiveRequestsFor(ctx, identity.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("identity", identity.ID).Msg("active request lookup failed")
		}
	}

	loc := toLocation(sample)
	for _, tr := range transitions {
		e.emit(ctx, identity, tr, loc, sample, active)
	}
	e.relay(ctx, identity, loc, sample, active)
	return transitions, nil
}

// LastKnown returns the last accepted position of identityID.
func (e *Engine) LastKnown(identityID string) (Position, bool) {
	e.mu.Lock()
	t := e.trackers[identityID]
	e.mu.Unlock()
	if t == nil {
		return Position{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Position{}, false
	}
	return Position{Sample: *t.last, Frozen: t.frozen}, true
}

// Freeze keeps the last known position and zone membership of an identity
// that went offline. The next sample thaws it.
func (e *Engine) Freeze(identityID string) {
	e.mu.Lock()
	t := e.trackers[identityID]
	e.mu.Unlock()
	if t == nil {
		return
	}
	t.mu.Lock()
	if !t.frozen {
		t.frozen = true
		t.frozenAt = e.clock.Now()
	}
	t.mu.Unlock()
}

// Evict discards trackers that have been frozen for longer than
// retention and returns how many were removed.
func (e *Engine) Evict(retention time.Duration) int {
	cutoff := e.clock.Now().Add(-retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, t := range e.trackers {
		t.mu.Lock()
		if t.frozen && !t.frozenAt.After(cutoff) {
			t.evicted = true
			delete(e.trackers, id)
			n++
		}
		t.mu.Unlock()
	}
	if n > 0 {
		e.logger.Debug().Int("evicted", n).Msg("frozen positions evicted")
	}
	return n
}

// Start evicts stale frozen trackers every interval until ctx ends or
// Stop is called.
func (e *Engine) Start(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	ticker := e.clock.NewTicker(interval)
	go func() {
		defer close(e.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				e.Evict(retention)
			}
		}
	}()
}

func (e *Engine) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	<-e.done
	e.stop = nil
}

// Inside returns the IDs of zones identityID is currently inside.
func (e *Engine) Inside(identityID string) []string {
	e.mu.Lock()
	t := e.trackers[identityID]
	e.mu.Unlock()
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.inside))
	for id := range t.inside {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// lockTracker returns the live tracker for identityID with its mutex
// held, retrying when Evict detached the one it found.
func (e *Engine) lockTracker(identityID string) *tracker {
	for {
		t := e.tracker(identityID)
		t.mu.Lock()
		if !t.evicted {
			return t
		}
		t.mu.Unlock()
	}
}

func (e *Engine) tracker(identityID string) *tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.trackers[identityID]
	if t == nil {
		t = &tracker{inside: make(map[string]bool)}
		e.trackers[identityID] = t
	}
	return t
}

func (e *Engine) validate(identity models.Identity, in protocol.LocationUpdate) (models.LocationSample, error) {
	if in.Lat == nil || in.Lng == nil {
		return models.LocationSample{}, protocol.Validation("missing_field", "lat and lng are required")
	}
	lat, lng := *in.Lat, *in.Lng
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return models.LocationSample{}, protocol.Validation("out_of_range", "lat must be in [-90,90] and lng in [-180,180]")
	}
	if in.Accuracy != nil && *in.Accuracy < 0 {
		return models.LocationSample{}, protocol.Validation("out_of_range", "accuracy must not be negative")
	}
	if in.Speed != nil && *in.Speed < 0 {
		return models.LocationSample{}, protocol.Validation("out_of_range", "speed must not be negative")
	}
	if in.Heading != nil && (*in.Heading < 0 || *in.Heading >= 360) {
		return models.LocationSample{}, protocol.Validation("out_of_range", "heading must be in [0,360)")
	}

	ts := e.clock.Now().UTC()
	if in.Timestamp != nil && !in.Timestamp.IsZero() && !in.Timestamp.After(ts) {
		ts = in.Timestamp.UTC()
	}
	return models.LocationSample{
		IdentityID: identity.ID,
		Lat:        lat,
		Lng:        lng,
		Accuracy:   in.Accuracy,
		Speed:      in.Speed,
		Heading:    in.Heading,
		Timestamp:  ts,
	}, nil
}

// evaluate compares the sample against every zone in the current snapshot.
// t.mu must be held.
func (e *Engine) evaluate(t *tracker, sample models.LocationSample) []Transition {
	snap := e.zones.Snapshot()
	point := sample.Point()

	for id := range t.inside {
		if _, ok := snap.Get(id); !ok {
			delete(t.inside, id)
		}
	}

	var out []Transition
	for _, z := range snap.Zones() {
		now := z.Contains(point)
		if now == t.inside[z.ID] {
			continue
		}
		kind := models.TransitionExited
		if now {
			kind = models.TransitionEntered
			t.inside[z.ID] = true
		} else {
			delete(t.inside, z.ID)
		}
		out = append(out, Transition{Zone: z, Kind: kind})
	}
	return out
}

func (e *Engine) emit(ctx context.Context, identity models.Identity, tr Transition, loc protocol.Location, sample models.LocationSample, active []*models.DispatchRequest) {
	metrics.ZoneTransitions.WithLabelValues(string(tr.Zone.Kind), string(tr.Kind)).Inc()
	payload := protocol.ZoneTransition{
		ZoneID:   tr.Zone.ID,
		ZoneName: tr.Zone.Name,
		ZoneKind: string(tr.Zone.Kind),
		Identity: identity.ID,
		Location: loc,
		At:       sample.Timestamp,
	}
	frame := protocol.NewFrame(zoneEvent(tr.Kind), payload)

	e.publish(ctx, protocol.IdentityChannel(identity.ID), frame)
	for _, req := range active {
		e.publish(ctx, protocol.RequestChannel(req.ID), frame)
	}

	e.logger.Info().
		Str("identity", identity.ID).
		Str("zone_id", tr.Zone.ID).
		Str("zone", tr.Zone.Name).
		Str("transition", string(tr.Kind)).
		Msg("zone transition")

	if e.rules == nil {
		return
	}
	if err := e.rules.Apply(ctx, identity, tr.Zone, tr.Kind, payload); err != nil {
		e.logger.Error().Err(err).
			Str("identity", identity.ID).
			Str("zone_id", tr.Zone.ID).
			Msg("zone rule failed")
	}
}

func (e *Engine) relay(ctx context.Context, identity models.Identity, loc protocol.Location, sample models.LocationSample, active []*models.DispatchRequest) {
	for _, req := range active {
		if req.Status == models.StatusPending {
			continue
		}
		e.publish(ctx, protocol.RequestChannel(req.ID), protocol.NewFrame(protocol.EventLocationUpdated, protocol.LocationRelay{
			Identity:  identity.ID,
			RequestID: req.ID,
			Location:  loc,
			At:        sample.Timestamp,
		}))
	}
}

func (e *Engine) persist(ctx context.Context, sample models.LocationSample) {
	if e.sink == nil {
		return
	}
	if err := e.sink.AppendLocationSample(ctx, sample); err != nil {
		e.logger.Warn().Err(err).Str("identity", sample.IdentityID).Msg("persist location sample failed")
	}
}

func (e *Engine) publish(ctx context.Context, channel string, frame protocol.Frame) {
	if _, err := e.pub.Publish(ctx, channel, frame); err != nil {
		e.logger.Warn().Err(err).Str("channel", channel).Str("event", frame.Event).Msg("publish failed")
	}
}

func toLocation(s models.LocationSample) protocol.Location {
	return protocol.Location{Lat: s.Lat, Lng: s.Lng, Accuracy: s.Accuracy, Speed: s.Speed, Heading: s.Heading}
}
