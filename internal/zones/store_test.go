package zones

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/geo"
	"github.com/eldtechnologies/ridewire/internal/models"
)

type memPersister struct {
	mu    sync.Mutex
	zones map[string]models.Zone
	fail  error
}

func newMemPersister(zones ...models.Zone) *memPersister {
	p := &memPersister{zones: make(map[string]models.Zone)}
	for _, z := range zones {
		p.zones[z.ID] = z
	}
	return p
}

func (p *memPersister) ListZones(context.Context) ([]models.Zone, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	out := make([]models.Zone, 0, len(p.zones))
	for _, z := range p.zones {
		out = append(out, z)
	}
	return out, nil
}

func (p *memPersister) UpsertZone(_ context.Context, z models.Zone) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.zones[z.ID] = z
	return nil
}

func (p *memPersister) DeleteZone(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	delete(p.zones, id)
	return nil
}

func airport() models.Zone {
	return models.Zone{
		Name:         "Airport Pickup",
		Kind:         models.ZonePickup,
		Center:       geo.Point{Lat: 40.6413, Lng: -73.7781},
		RadiusMeters: 500,
	}
}

func newTestStore(p Persister) *Store {
	return NewStore(p, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), zerolog.Nop())
}

func TestLoad(t *testing.T) {
	z := airport()
	z.ID = "z1"
	s := newTestStore(newMemPersister(z))

	require.NoError(t, s.Load(context.Background()))
	got, err := s.Get("z1")
	require.NoError(t, err)
	assert.Equal(t, "Airport Pickup", got.Name)
}

func TestLoad_PropagatesPersisterError(t *testing.T) {
	p := newMemPersister()
	p.fail = errors.New("db down")
	s := newTestStore(p)

	assert.ErrorContains(t, s.Load(context.Background()), "db down")
	assert.Empty(t, s.All())
}

func TestCreateUpdateDelete(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(p)
	ctx := context.Background()

	created, err := s.Create(ctx, airport())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.UpdatedAt.IsZero())
	assert.Len(t, s.All(), 1)

	created.RadiusMeters = 750
	updated, err := s.Update(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, 750.0, updated.RadiusMeters)
	assert.Equal(t, 750.0, p.zones[created.ID].RadiusMeters)

	require.NoError(t, s.Delete(ctx, created.ID))
	_, err = s.Get(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, p.zones)
}

func TestUpdate_UnknownZone(t *testing.T) {
	s := newTestStore(newMemPersister())
	z := airport()
	z.ID = "missing"

	_, err := s.Update(context.Background(), z)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(context.Background(), "missing"), ErrNotFound)
}

func TestCreate_Invalid(t *testing.T) {
	s := newTestStore(newMemPersister())
	z := airport()
	z.RadiusMeters = -1

	_, err := s.Create(context.Background(), z)
	assert.ErrorIs(t, err, ErrInvalidZone)
	assert.Empty(t, s.All())
}

func TestCreate_PersistFailureLeavesSnapshot(t *testing.T) {
	p := newMemPersister()
	s := newTestStore(p)
	p.fail = errors.New("write failed")

	_, err := s.Create(context.Background(), airport())
	assert.Error(t, err)
	assert.Empty(t, s.All())
}

func TestSnapshotIsImmutableAcrossWrites(t *testing.T) {
	s := newTestStore(newMemPersister())
	ctx := context.Background()

	_, err := s.Create(ctx, airport())
	require.NoError(t, err)
	before := s.Snapshot()

	second := airport()
	second.Name = "Downtown Surge"
	second.Kind = models.ZoneSurge
	_, err = s.Create(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, 1, before.Len(), "earlier snapshot unaffected by later writes")
	assert.Equal(t, 2, s.Snapshot().Len())
	assert.Equal(t, "Airport Pickup", s.All()[0].Name, "zones ordered by name")
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := newTestStore(newMemPersister())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Create(ctx, airport())
		}()
		go func() {
			defer wg.Done()
			for _, z := range s.Snapshot().Zones() {
				_ = z.Contains(geo.Point{Lat: 40.64, Lng: -73.77})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, s.All(), 8)
}
