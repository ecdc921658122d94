package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/ridewire/internal/config"
	"github.com/eldtechnologies/ridewire/internal/crypto"
	"github.com/eldtechnologies/ridewire/internal/fanout"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
	"github.com/eldtechnologies/ridewire/internal/store"
)

type cluster struct {
	key       ed25519.PrivateKey
	apps      map[string]*App
	instances map[string]*httptest.Server
}

func testConfig(instance, redisURL string, pub ed25519.PublicKey) *config.Config {
	return &config.Config{
		Env:               "test",
		InstanceID:        instance,
		RedisURL:          redisURL,
		FanoutBackend:     config.FanoutMemory,
		TokenPublicKey:    pub,
		DispatchTimeout:   time.Minute,
		NarrowToAvailable: true,
		EventRateLimit:    100,
		EventRateWindow:   time.Second,
		QueueMaxMessages:  200,
		QueueRetention:    time.Hour,
		QueueSealKey:      []byte("cluster-queue-seal-key-0123456789"),
		TypingTimeout:     5 * time.Second,
	}
}

// newCluster starts two instances sharing a database, Redis and a fan-out
// bus.
func newCluster(t *testing.T) *cluster {
	t.Helper()
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	db, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "cluster.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	mr := miniredis.RunT(t)
	broker := fanout.NewMemoryBroker()

	c := &cluster{key: priv, apps: make(map[string]*App), instances: make(map[string]*httptest.Server)}
	for _, name := range []string{"a", "b"} {
		a, err := New(ctx, testConfig(name, "redis://"+mr.Addr(), pub), zerolog.Nop(),
			WithDatabase(db, "sqlite"),
			WithBroker(broker),
		)
		require.NoError(t, err)
		require.NoError(t, a.Start(ctx))

		srv := httptest.NewServer(a.Handler())
		t.Cleanup(func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, a.Shutdown(sctx))
			srv.Close()
		})
		c.apps[name] = a
		c.instances[name] = srv
	}
	return c
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (c *cluster) connect(t *testing.T, instance, id string, kind models.Kind) *client {
	t.Helper()
	now := time.Now()
	tok, err := crypto.MintToken(c.key, &crypto.Claims{
		Subject: id, Kind: kind, ID: "tok-" + id + "-" + instance,
		IssuedAt: now.Unix(), ExpiresAt: now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(c.instances[instance].URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + tok}})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	cl := &client{t: t, ws: ws}
	cl.expect(protocol.EventConnected)
	return cl
}

func (c *client) send(event, ref string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(protocol.NewFrame(event, data).WithRef(ref)))
}

// expect reads frames until one with event arrives, skipping others.
func (c *client) expect(event string) protocol.Frame {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		var f protocol.Frame
		require.NoError(c.t, c.ws.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event {
			return f
		}
		require.NotEqual(c.t, protocol.EventError, f.Event, string(f.Data))
	}
}

// call sends an event and waits for its ack.
func (c *client) call(event, ref string, data any) json.RawMessage {
	c.t.Helper()
	c.send(event, ref, data)
	f := c.expect(protocol.EventAck)
	require.Equal(c.t, ref, f.Ref)
	var ack struct {
		For    string          `json:"for"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(c.t, json.Unmarshal(f.Data, &ack))
	require.Equal(c.t, event, ack.For)
	return ack.Result
}

func TestDispatchAcrossInstances(t *testing.T) {
	c := newCluster(t)

	ops := c.connect(t, "a", "ops-1", models.KindOperator)
	driver := c.connect(t, "b", "driver-1", models.KindFulfiller)
	ops.expect(protocol.EventPresenceOnline)
	driver.call(protocol.EventPresenceAvailable, "1", nil)
	ops.expect(protocol.EventPresenceChanged)

	rider := c.connect(t, "a", "rider-1", models.KindRequester)
	raw := rider.call(protocol.EventRequestCreate, "2", protocol.RequestCreate{OriginDesc: "Main St 1", DestDesc: "Airport"})
	var req models.DispatchRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	require.NotEmpty(t, req.ID)
	assert.Equal(t, models.StatusPending, req.Status)

	driver.expect(protocol.EventRequestNew)
	driver.call(protocol.EventRequestAccept, "3", protocol.RequestRef{RequestID: req.ID})

	accepted := rider.expect(protocol.EventRequestAccepted)
	assert.Contains(t, string(accepted.Data), `"driver-1"`)

	rider.call(protocol.EventMessageSend, "4", protocol.MessageSend{
		TargetChannel: protocol.RequestChannel(req.ID),
		Body:          "I'm at the north entrance",
	})
	got := driver.expect(protocol.EventMessageReceived)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, "rider-1", msg.From)
	assert.Equal(t, "I'm at the north entrance", msg.Body)

	driver.call(protocol.EventRequestStart, "5", protocol.RequestRef{RequestID: req.ID})
	rider.expect(protocol.EventRequestStarted)
	driver.call(protocol.EventRequestComplete, "6", protocol.RequestRef{RequestID: req.ID})
	rider.expect(protocol.EventRequestCompleted)
}

func TestLosingAcceptGetsConflict(t *testing.T) {
	c := newCluster(t)

	d1 := c.connect(t, "a", "driver-1", models.KindFulfiller)
	d2 := c.connect(t, "b", "driver-2", models.KindFulfiller)
	d1.call(protocol.EventPresenceAvailable, "1", nil)
	d2.call(protocol.EventPresenceAvailable, "1", nil)

	rider := c.connect(t, "b", "rider-1", models.KindRequester)
	raw := rider.call(protocol.EventRequestCreate, "c", protocol.RequestCreate{OriginDesc: "Depot", DestDesc: "Harbour"})
	var req models.DispatchRequest
	require.NoError(t, json.Unmarshal(raw, &req))

	d1.expect(protocol.EventRequestNew)
	d2.expect(protocol.EventRequestNew)
	d1.call(protocol.EventRequestAccept, "x", protocol.RequestRef{RequestID: req.ID})

	d2.send(protocol.EventRequestAccept, "y", protocol.RequestRef{RequestID: req.ID})
	var errFrame protocol.Frame
	for {
		require.NoError(t, d2.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		require.NoError(t, d2.ws.ReadJSON(&errFrame))
		if errFrame.Event == protocol.EventError {
			break
		}
	}
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(errFrame.Data, &p))
	assert.Equal(t, protocol.CodeConflict, p.Code)
	assert.Equal(t, "y", errFrame.Ref)
}

func TestOfflineMessagesFlushOnReconnect(t *testing.T) {
	c := newCluster(t)

	ops := c.connect(t, "b", "ops-1", models.KindOperator)
	driver := c.connect(t, "a", "driver-1", models.KindFulfiller)
	ops.expect(protocol.EventPresenceOnline)
	require.NoError(t, driver.ws.Close())
	ops.expect(protocol.EventPresenceOffline)

	rider := c.connect(t, "b", "rider-1", models.KindRequester)
	for i, body := range []string{"first", "second", "third"} {
		raw := rider.call(protocol.EventMessageSend, string(rune('1'+i)), protocol.MessageSend{
			TargetChannel: protocol.IdentityChannel("driver-1"),
			Body:          body,
		})
		var d protocol.Delivery
		require.NoError(t, json.Unmarshal(raw, &d))
		assert.True(t, d.Queued, body)
	}

	back := c.connect(t, "b", "driver-1", models.KindFulfiller)
	for _, want := range []string{"first", "second", "third"} {
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(back.expect(protocol.EventMessageReceived).Data, &msg))
		assert.Equal(t, want, msg.Body)
	}

	raw := rider.call(protocol.EventMessageSend, "4", protocol.MessageSend{
		TargetChannel: protocol.IdentityChannel("driver-1"),
		Body:          "live now",
	})
	var d protocol.Delivery
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.False(t, d.Queued)
}

func TestFlushLargerThanSendBuffer(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	// More than the gateway's default send buffer, all within a few
	// milliseconds.
	const total = 150
	for i := 0; i < total; i++ {
		queued, err := c.apps["a"].relay.Send(ctx, "driver-1", protocol.EventMessageReceived, protocol.Message{
			From: "rider-1",
			Body: fmt.Sprintf("m%03d", i),
		})
		require.NoError(t, err)
		require.True(t, queued)
	}

	driver := c.connect(t, "a", "driver-1", models.KindFulfiller)
	for i := 0; i < total; i++ {
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(driver.expect(protocol.EventMessageReceived).Data, &msg))
		require.Equal(t, fmt.Sprintf("m%03d", i), msg.Body)
	}

	left, err := c.apps["a"].queue.Len(ctx, "driver-1")
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestHealthAndAdmin(t *testing.T) {
	c := newCluster(t)

	resp, err := http.Get(c.instances["a"].URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(c.instances["a"].URL + "/admin/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
