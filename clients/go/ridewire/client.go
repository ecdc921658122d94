// Package ridewire provides a client for the ridewire realtime dispatch
// service.
package ridewire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("ridewire: connection closed")

// Error is a structured error frame returned for one event.
type Error struct {
	protocol.ErrorPayload
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ridewire %s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("ridewire %s: %s", e.Code, e.Message)
}

// Client is one websocket session with a ridewire server.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	conn   *websocket.Conn
	events chan protocol.Frame
	refs   atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Frame
	closed  bool
	done    chan struct{}
}

// NewClient creates a client for baseURL (http or https) using token as the
// bearer credential.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Connect opens the websocket and waits for session:connected.
func (c *Client) Connect(ctx context.Context) (*protocol.Connected, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	header := http.Header{"Authorization": {"Bearer " + c.Token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("ridewire handshake %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, err
	}

	var first protocol.Frame
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read session:connected: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if first.Event != protocol.EventConnected {
		conn.Close()
		return nil, fmt.Errorf("unexpected first event %q", first.Event)
	}
	var connected protocol.Connected
	if err := json.Unmarshal(first.Data, &connected); err != nil {
		conn.Close()
		return nil, err
	}

	c.conn = conn
	c.events = make(chan protocol.Frame, 256)
	c.pending = make(map[string]chan protocol.Frame)
	c.done = make(chan struct{})
	go c.readLoop()
	return &connected, nil
}

// Events returns frames that are not replies to a Call. The channel is
// closed when the connection ends.
func (c *Client) Events() <-chan protocol.Frame { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send writes an event without waiting for a reply.
func (c *Client) Send(event string, data any) error {
	return c.write(protocol.NewFrame(event, data))
}

// Call sends an event and waits for its ack. The ack result is decoded into
// out when out is non-nil. An error frame is returned as *Error.
func (c *Client) Call(ctx context.Context, event string, data, out any) error {
	ref := strconv.FormatUint(c.refs.Add(1), 10)
	reply := make(chan protocol.Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[ref] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.write(protocol.NewFrame(event, data).WithRef(ref)); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case f := <-reply:
		return decodeReply(f, out)
	}
}

func decodeReply(f protocol.Frame, out any) error {
	switch f.Event {
	case protocol.EventError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return err
		}
		return &Error{ErrorPayload: p}
	case protocol.EventAck:
		if out == nil {
			return nil
		}
		var ack struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			return err
		}
		if len(ack.Result) == 0 {
			return nil
		}
		return json.Unmarshal(ack.Result, out)
	case protocol.EventPong:
		return nil
	}
	return fmt.Errorf("unexpected reply %q", f.Event)
}

func (c *Client) write(f protocol.Frame) error {
	if c.conn == nil {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(f)
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()

	for {
		var f protocol.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Ref != "" {
			c.mu.Lock()
			reply, ok := c.pending[f.Ref]
			c.mu.Unlock()
			if ok {
				reply <- f
				continue
			}
		}
		select {
		case c.events <- f:
		default:
			// dropped: reader is behind
		}
	}
}

// Close ends the session.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Ping round-trips a ping event.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, protocol.EventPing, nil, nil)
}

// SetAvailable toggles fulfiller availability.
func (c *Client) SetAvailable(ctx context.Context, available bool) error {
	event := protocol.EventPresenceUnavailable
	if available {
		event = protocol.EventPresenceAvailable
	}
	return c.Call(ctx, event, nil, nil)
}

// UpdateLocation reports a position and returns the zone transitions it
// caused.
func (c *Client) UpdateLocation(ctx context.Context, loc protocol.LocationUpdate) ([]ZoneChange, error) {
	var changes []ZoneChange
	err := c.Call(ctx, protocol.EventLocationUpdate, loc, &changes)
	return changes, err
}

// ZoneChange is one zone transition reported in a location:update ack.
type ZoneChange struct {
	ZoneID     string `json:"zoneId"`
	Transition string `json:"transition"`
}

// Request is a dispatch request as returned by the server.
type Request = models.DispatchRequest

// CreateRequest opens a dispatch request.
func (c *Client) CreateRequest(ctx context.Context, in protocol.RequestCreate) (*Request, error) {
	var req Request
	if err := c.Call(ctx, protocol.EventRequestCreate, in, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) advance(ctx context.Context, event, requestID, reason string) (*Request, error) {
	var req Request
	if err := c.Call(ctx, event, protocol.RequestRef{RequestID: requestID, Reason: reason}, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Accept claims a pending request.
func (c *Client) Accept(ctx context.Context, requestID string) (*Request, error) {
	return c.advance(ctx, protocol.EventRequestAccept, requestID, "")
}

// Start marks an accepted request active.
func (c *Client) Start(ctx context.Context, requestID string) (*Request, error) {
	return c.advance(ctx, protocol.EventRequestStart, requestID, "")
}

// Complete finishes an active request.
func (c *Client) Complete(ctx context.Context, requestID string) (*Request, error) {
	return c.advance(ctx, protocol.EventRequestComplete, requestID, "")
}

// Cancel cancels a request.
func (c *Client) Cancel(ctx context.Context, requestID, reason string) (*Request, error) {
	return c.advance(ctx, protocol.EventRequestCancel, requestID, reason)
}

// SendMessage relays a chat message to an identity, request or role channel.
func (c *Client) SendMessage(ctx context.Context, targetChannel, body string) (*protocol.Delivery, error) {
	var d protocol.Delivery
	err := c.Call(ctx, protocol.EventMessageSend, protocol.MessageSend{TargetChannel: targetChannel, Body: body}, &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// HealthResponse is the server health report.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Instance    string `json:"instance,omitempty"`
	Connections int    `json:"connections"`
	Checks      map[string]struct {
		Status  string `json:"status"`
		Latency string `json:"latency,omitempty"`
	} `json:"checks"`
}

// Health fetches /health. A degraded server returns its report and no
// error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("ridewire health %d: %w", resp.StatusCode, err)
	}
	return &h, nil
}
