package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
)

type fakeConn struct {
	id       string
	identity models.Identity

	mu     sync.Mutex
	frames []protocol.Frame
	closed string
	full   bool
}

func newConn(id, identityID string, kind models.Kind) *fakeConn {
	return &fakeConn{id: id, identity: models.Identity{ID: identityID, Kind: kind}}
}

func (c *fakeConn) ID() string                { return c.id }
func (c *fakeConn) Identity() models.Identity { return c.identity }

func (c *fakeConn) Send(f protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closed != "" {
		return false
	}
	c.frames = append(c.frames, f)
	return true
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
}

func (c *fakeConn) received() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.frames...)
}

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, opts Options) (*Registry, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	return NewRegistry(clk, zerolog.Nop(), opts), clk
}

func TestRegisterJoinsBaseChannels(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	c := newConn("c1", "driver-1", models.KindFulfiller)

	assert.True(t, r.Register(c))
	assert.Equal(t, []string{"identity:driver-1", "kind:fulfiller"}, r.ChannelsFor("driver-1"))
	assert.Len(t, r.Members("kind:fulfiller"), 1)
	assert.True(t, r.Online("driver-1"))
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	var online int
	r.OnOnline(func(models.Identity) { online++ })

	c := newConn("c1", "rider-1", models.KindRequester)
	assert.True(t, r.Register(c))
	assert.False(t, r.Register(c))
	assert.Equal(t, 1, online)
	assert.Equal(t, 1, r.Stats().Connections)
}

func TestPresenceSignalsOnlyOnFirstAndLast(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	var online, offline []string
	r.OnOnline(func(id models.Identity) { online = append(online, id.ID) })
	r.OnOffline(func(id models.Identity) { offline = append(offline, id.ID) })

	phone := newConn("phone", "driver-1", models.KindFulfiller)
	tablet := newConn("tablet", "driver-1", models.KindFulfiller)

	assert.True(t, r.Register(phone))
	assert.False(t, r.Register(tablet))
	assert.Equal(t, []string{"driver-1"}, online)

	assert.False(t, r.Unregister("phone"))
	assert.Empty(t, offline)
	assert.True(t, r.Online("driver-1"))

	assert.True(t, r.Unregister("tablet"))
	assert.Equal(t, []string{"driver-1"}, offline)
	assert.False(t, r.Online("driver-1"))

	assert.False(t, r.Unregister("tablet"), "second unregister is a no-op")
	assert.Len(t, offline, 1)
}

func TestUnregisterLeavesEveryChannel(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	c := newConn("c1", "rider-1", models.KindRequester)
	r.Register(c)
	r.Subscribe("rider-1", protocol.RequestChannel("req-1"))

	r.Unregister("c1")

	assert.Empty(t, r.Members("identity:rider-1"))
	assert.Empty(t, r.Members("kind:requester"))
	assert.Empty(t, r.Members("request:req-1"))
	assert.Equal(t, Stats{}, r.Stats())
}

func TestStickySubscriptionSurvivesReconnect(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	r.Register(newConn("c1", "rider-1", models.KindRequester))
	r.Subscribe("rider-1", "request:req-1")
	r.Unregister("c1")

	c2 := newConn("c2", "rider-1", models.KindRequester)
	r.Register(c2)

	members := r.Members("request:req-1")
	require.Len(t, members, 1)
	assert.Equal(t, "c2", members[0].ID())
	assert.Contains(t, r.ChannelsFor("rider-1"), "request:req-1")
}

func TestSubscribeAppliesToAllDevices(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	r.Register(newConn("a", "driver-1", models.KindFulfiller))
	r.Register(newConn("b", "driver-1", models.KindFulfiller))

	r.Subscribe("driver-1", "request:req-9")
	assert.Len(t, r.Members("request:req-9"), 2)

	r.Unsubscribe("driver-1", "request:req-9")
	assert.Empty(t, r.Members("request:req-9"))
	assert.NotContains(t, r.ChannelsFor("driver-1"), "request:req-9")
}

func TestUnsubscribeKeepsBaseChannels(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	r.Register(newConn("a", "driver-1", models.KindFulfiller))

	r.Unsubscribe("driver-1", "identity:driver-1")
	r.Unsubscribe("driver-1", "kind:fulfiller")

	assert.Len(t, r.Members("identity:driver-1"), 1)
	assert.Len(t, r.Members("kind:fulfiller"), 1)
}

func TestResolveAndDeliver(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	a := newConn("a", "driver-1", models.KindFulfiller)
	b := newConn("b", "driver-2", models.KindFulfiller)
	full := newConn("c", "driver-3", models.KindFulfiller)
	full.full = true
	rider := newConn("d", "rider-1", models.KindRequester)
	for _, c := range []*fakeConn{a, b, full, rider} {
		r.Register(c)
	}

	assert.Len(t, r.Resolve("driver-1"), 1)
	assert.Nil(t, r.Resolve("nobody"))

	n := r.Deliver("kind:fulfiller", protocol.NewFrame(protocol.EventRequestNew, map[string]string{"requestId": "r1"}))
	assert.Equal(t, 2, n)
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
	assert.Empty(t, rider.received())
}

func TestSweepEvictsStaleConnections(t *testing.T) {
	r, clk := newRegistry(t, Options{StaleAfter: 90 * time.Second, SweepInterval: 30 * time.Second})
	var offline []string
	r.OnOffline(func(id models.Identity) { offline = append(offline, id.ID) })

	idle := newConn("idle", "driver-1", models.KindFulfiller)
	busy := newConn("busy", "driver-2", models.KindFulfiller)
	r.Register(idle)
	r.Register(busy)

	clk.Advance(60 * time.Second)
	r.Touch("busy")
	clk.Advance(40 * time.Second)

	evicted := r.Sweep()
	require.Len(t, evicted, 1)
	assert.Equal(t, "idle", evicted[0].ID())
	assert.Equal(t, "stale", idle.closed)
	assert.Equal(t, []string{"driver-1"}, offline)
	assert.True(t, r.Online("driver-2"))
}

func TestSweepDisabled(t *testing.T) {
	r, clk := newRegistry(t, Options{})
	r.Register(newConn("a", "driver-1", models.KindFulfiller))
	clk.Advance(24 * time.Hour)
	assert.Nil(t, r.Sweep())
	assert.True(t, r.Online("driver-1"))
}

func TestConnectionsListing(t *testing.T) {
	r, clk := newRegistry(t, Options{})
	r.Register(newConn("a", "driver-1", models.KindFulfiller))
	clk.Advance(time.Second)
	r.Register(newConn("b", "rider-1", models.KindRequester))

	conns := r.Connections()
	require.Len(t, conns, 2)
	assert.Equal(t, "a", conns[0].ID)
	assert.Equal(t, "rider-1", conns[1].Identity.ID)
}

func TestChannelsListing(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	r.Register(newConn("c1", "driver-1", models.KindFulfiller))
	r.Register(newConn("c2", "driver-2", models.KindFulfiller))
	r.Register(newConn("c3", "driver-2", models.KindFulfiller))
	r.Subscribe("driver-1", "request:r1")

	assert.Equal(t, []ChannelInfo{
		{Name: "identity:driver-1", Members: 1},
		{Name: "identity:driver-2", Members: 2},
		{Name: "kind:fulfiller", Members: 3},
		{Name: "request:r1", Members: 1},
	}, r.Channels())
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r, _ := newRegistry(t, Options{})
	var mu sync.Mutex
	online, offline := 0, 0
	r.OnOnline(func(models.Identity) { mu.Lock(); online++; mu.Unlock() })
	r.OnOffline(func(models.Identity) { mu.Lock(); offline++; mu.Unlock() })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			r.Register(newConn(id, fmt.Sprintf("driver-%d", i%5), models.KindFulfiller))
			r.Subscribe(fmt.Sprintf("driver-%d", i%5), "request:shared")
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Stats().Connections)
	assert.Equal(t, online, offline)
	assert.Empty(t, r.Members("request:shared"))
}
