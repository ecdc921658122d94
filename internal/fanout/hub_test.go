package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
	"github.com/eldtechnologies/ridewire/internal/session"
)

type recConn struct {
	id       string
	identity models.Identity

	mu     sync.Mutex
	frames []protocol.Frame
}

func (c *recConn) ID() string                { return c.id }
func (c *recConn) Identity() models.Identity { return c.identity }
func (c *recConn) Close(string)              {}

func (c *recConn) Send(f protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return true
}

func (c *recConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

func newInstance(t *testing.T, name string, broker Broker) *Hub {
	t.Helper()
	reg := session.NewRegistry(clock.Fake(time.Unix(0, 0)), zerolog.Nop(), session.Options{})
	hub := NewHub(name, reg, broker, zerolog.Nop())
	require.NoError(t, hub.Run(context.Background()))
	t.Cleanup(func() { hub.Close() })
	return hub
}

func TestEnvelopeCodec(t *testing.T) {
	env := Envelope{
		Kind:    KindDeliver,
		Origin:  "core-a",
		Channel: "request:r1",
		Frame:   protocol.NewFrame(protocol.EventRequestAccepted, map[string]string{"requestId": "r1"}).WithRef("7"),
	}
	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.Kind, got.Kind)
	assert.Equal(t, env.Channel, got.Channel)
	assert.Equal(t, env.Frame.Event, got.Frame.Event)
	assert.Equal(t, "7", got.Frame.Ref)
	assert.JSONEq(t, `{"requestId":"r1"}`, string(got.Frame.Data))

	_, err = Decode([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestLocalOnlyHub(t *testing.T) {
	hub := newInstance(t, "solo", nil)
	c := &recConn{id: "c1", identity: models.Identity{ID: "rider-1", Kind: models.KindRequester}}
	hub.Registry().Register(c)

	n, err := hub.SendToIdentity(context.Background(), "rider-1", protocol.NewFrame(protocol.EventPong, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{protocol.EventPong}, c.events())
}

func TestCrossInstanceDelivery(t *testing.T) {
	bus := NewMemoryBroker()
	a := newInstance(t, "core-a", bus)
	b := newInstance(t, "core-b", bus)

	driver := &recConn{id: "d1", identity: models.Identity{ID: "driver-1", Kind: models.KindFulfiller}}
	rider := &recConn{id: "r1", identity: models.Identity{ID: "rider-1", Kind: models.KindRequester}}
	a.Registry().Register(driver)
	b.Registry().Register(rider)

	n, err := a.Publish(context.Background(), "identity:rider-1", protocol.NewFrame(protocol.EventRequestAccepted, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no local members on core-a")
	assert.Equal(t, []string{protocol.EventRequestAccepted}, rider.events())
	assert.Empty(t, driver.events())
}

func TestOriginIsNotDeliveredTwice(t *testing.T) {
	bus := NewMemoryBroker()
	a := newInstance(t, "core-a", bus)
	newInstance(t, "core-b", bus)

	c := &recConn{id: "d1", identity: models.Identity{ID: "driver-1", Kind: models.KindFulfiller}}
	a.Registry().Register(c)

	_, err := a.Publish(context.Background(), "kind:fulfiller", protocol.NewFrame(protocol.EventRequestNew, nil))
	require.NoError(t, err)
	assert.Len(t, c.events(), 1)
}

func TestSubscriptionPropagates(t *testing.T) {
	bus := NewMemoryBroker()
	a := newInstance(t, "core-a", bus)
	b := newInstance(t, "core-b", bus)

	rider := &recConn{id: "r1", identity: models.Identity{ID: "rider-1", Kind: models.KindRequester}}
	b.Registry().Register(rider)

	require.NoError(t, a.Subscribe(context.Background(), "rider-1", "request:req-1"))
	assert.Contains(t, b.Registry().ChannelsFor("rider-1"), "request:req-1")

	_, err := a.Publish(context.Background(), "request:req-1", protocol.NewFrame(protocol.EventRequestStarted, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.EventRequestStarted}, rider.events())

	require.NoError(t, a.Unsubscribe(context.Background(), "rider-1", "request:req-1"))
	assert.NotContains(t, b.Registry().ChannelsFor("rider-1"), "request:req-1")
}

func TestMemoryBrokerClosed(t *testing.T) {
	bus := NewMemoryBroker()
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), Envelope{}), ErrClosed)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), func(Envelope) {}), ErrClosed)
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	a := newInstance(t, "core-a", NewRedisBroker(newClient(), "", zerolog.Nop()))
	b := newInstance(t, "core-b", NewRedisBroker(newClient(), "", zerolog.Nop()))

	rider := &recConn{id: "r1", identity: models.Identity{ID: "rider-1", Kind: models.KindRequester}}
	b.Registry().Register(rider)

	_, err := a.SendToIdentity(context.Background(), "rider-1", protocol.NewFrame(protocol.EventMessageReceived, map[string]string{"body": "at the gate"}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(rider.events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
