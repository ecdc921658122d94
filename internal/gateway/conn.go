package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
	"github.com/eldtechnologies/ridewire/internal/session"
)

// wsConn is a session.Conn over a gorilla websocket. Frames queued by
// Send are written by a single write pump; a full buffer drops the frame.
type wsConn struct {
	id       string
	identity models.Identity
	remote   string
	ws       *websocket.Conn
	opts     Options
	logger   zerolog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

var _ session.WaitConn = (*wsConn)(nil)

var errConnClosed = errors.New("connection closed")

func newWSConn(id string, identity models.Identity, remote string, ws *websocket.Conn, opts Options, logger zerolog.Logger) *wsConn {
	return &wsConn{
		id:       id,
		identity: identity,
		remote:   remote,
		ws:       ws,
		opts:     opts,
		logger:   logger,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *wsConn) ID() string                { return c.id }
func (c *wsConn) Identity() models.Identity { return c.identity }
func (c *wsConn) RemoteAddr() string        { return c.remote }

// Send queues frame for the write pump.
func (c *wsConn) Send(frame protocol.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Str("event", frame.Event).Msg("encode frame failed")
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn().Str("event", frame.Event).Msg("send buffer full, frame dropped")
		return false
	}
}

// SendWait queues frame for the write pump, waiting for buffer space
// until ctx ends or the connection closes.
func (c *wsConn) SendWait(ctx context.Context, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the write pump, which sends a close frame carrying reason
// and closes the socket. It is safe to call more than once.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writePump owns every write on the socket. It flushes frames still
// buffered when Close is called, then sends the close frame.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close("write_failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.Close("ping_failed")
				return
			}
		case <-c.done:
		drain:
			for {
				select {
				case data := <-c.send:
					if c.write(data) != nil {
						return
					}
				default:
					break drain
				}
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason())
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readTimedOut reports whether err is a read deadline expiry.
func readTimedOut(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
