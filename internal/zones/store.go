// Package zones holds the named circular zones evaluated by the geofence
// engine. Readers work against an immutable snapshot; writers build a new
// snapshot and swap it in, so an evaluation pass never blocks on an admin
// mutation and never observes a half-applied one.
package zones

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/crypto"
	"github.com/eldtechnologies/ridewire/internal/models"
)

var (
	ErrNotFound    = errors.New("zone not found")
	ErrInvalidZone = errors.New("invalid zone")
)

// Persister is the storage collaborator for zone definitions.
type Persister interface {
	ListZones(ctx context.Context) ([]models.Zone, error)
	UpsertZone(ctx context.Context, zone models.Zone) error
	DeleteZone(ctx context.Context, id string) error
}

// Snapshot is an immutable view of every zone.
type Snapshot struct {
	zones []models.Zone
	byID  map[string]int
}

// Zones returns the zones in the snapshot ordered by name. The slice must
// not be modified.
func (s *Snapshot) Zones() []models.Zone { return s.zones }

// Get returns the zone with id.
func (s *Snapshot) Get(id string) (models.Zone, bool) {
	i, ok := s.byID[id]
	if !ok {
		return models.Zone{}, false
	}
	return s.zones[i], true
}

// Len returns the number of zones.
func (s *Snapshot) Len() int { return len(s.zones) }

func newSnapshot(zones []models.Zone) *Snapshot {
	sorted := make([]models.Zone, len(zones))
	copy(sorted, zones)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name == sorted[j].Name {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Name < sorted[j].Name
	})
	byID := make(map[string]int, len(sorted))
	for i, z := range sorted {
		byID[z.ID] = i
	}
	return &Snapshot{zones: sorted, byID: byID}
}

// Store is the Zone Store.
type Store struct {
	persist Persister
	clock   clock.Clock
	logger  zerolog.Logger

	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewStore creates an empty store. Call Load to populate it.
func NewStore(persist Persister, clk clock.Clock, logger zerolog.Logger) *Store {
	s := &Store{
		persist: persist,
		clock:   clk,
		logger:  logger.With().Str("component", "zones").Logger(),
	}
	s.current.Store(newSnapshot(nil))
	return s
}

// Load replaces the snapshot with every zone known to the persister.
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	zones, err := s.persist.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("load zones: %w", err)
	}
	s.current.Store(newSnapshot(zones))
	s.logger.Info().Int("zones", len(zones)).Msg("zones loaded")
	return nil
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot { return s.current.Load() }

// All returns every zone ordered by name.
func (s *Store) All() []models.Zone {
	zones := s.Snapshot().Zones()
	out := make([]models.Zone, len(zones))
	copy(out, zones)
	return out
}

// Get returns one zone.
func (s *Store) Get(id string) (models.Zone, error) {
	z, ok := s.Snapshot().Get(id)
	if !ok {
		return models.Zone{}, ErrNotFound
	}
	return z, nil
}

// Create assigns an ID, persists the zone, and publishes a new snapshot.
func (s *Store) Create(ctx context.Context, zone models.Zone) (models.Zone, error) {
	zone.ID = crypto.NewUUIDv7().String()
	return s.put(ctx, zone, false)
}

// Update replaces an existing zone.
func (s *Store) Update(ctx context.Context, zone models.Zone) (models.Zone, error) {
	return s.put(ctx, zone, true)
}

// Delete removes a zone.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.current.Load()
	if _, ok := snap.Get(id); !ok {
		return ErrNotFound
	}
	if err := s.persist.DeleteZone(ctx, id); err != nil {
		return fmt.Errorf("delete zone: %w", err)
	}

	next := make([]models.Zone, 0, snap.Len())
	for _, z := range snap.Zones() {
		if z.ID != id {
			next = append(next, z)
		}
	}
	s.current.Store(newSnapshot(next))
	s.logger.Info().Str("zone_id", id).Msg("zone deleted")
	return nil
}

func (s *Store) put(ctx context.Context, zone models.Zone, mustExist bool) (models.Zone, error) {
	if err := zone.Validate(); err != nil {
		return models.Zone{}, fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.current.Load()
	if _, exists := snap.Get(zone.ID); mustExist && !exists {
		return models.Zone{}, ErrNotFound
	}

	zone.UpdatedAt = s.clock.Now().UTC()
	if err := s.persist.UpsertZone(ctx, zone); err != nil {
		return models.Zone{}, fmt.Errorf("persist zone: %w", err)
	}

	next := make([]models.Zone, 0, snap.Len()+1)
	for _, z := range snap.Zones() {
		if z.ID != zone.ID {
			next = append(next, z)
		}
	}
	next = append(next, zone)
	s.current.Store(newSnapshot(next))

	s.logger.Info().
		Str("zone_id", zone.ID).
		Str("name", zone.Name).
		Str("kind", string(zone.Kind)).
		Float64("radius_m", zone.RadiusMeters).
		Msg("zone saved")
	return zone, nil
}
