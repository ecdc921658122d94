// Package protocol defines the channel-scoped wire events exchanged over a
// ridewire connection, their payloads, and the per-event error taxonomy.
package protocol

import (
	"encoding/json"
	"strings"
)

// Inbound events (client → core).
const (
	EventPresenceAvailable   = "presence:available"
	EventPresenceUnavailable = "presence:unavailable"
	EventLocationUpdate      = "location:update"
	EventRequestCreate       = "request:create"
	EventRequestAccept       = "request:accept"
	EventRequestStart        = "request:start"
	EventRequestComplete     = "request:complete"
	EventRequestCancel       = "request:cancel"
	EventMessageSend         = "message:send"
	EventMessageTyping       = "message:typing"
	EventPing                = "ping"
)

// Outbound events (core → channels).
const (
	EventConnected          = "session:connected"
	EventAck                = "ack"
	EventPong               = "pong"
	EventError              = "error"
	EventPresenceOffline    = "presence:offline"
	EventPresenceOnline     = "presence:online"
	EventPresenceChanged    = "presence:changed"
	EventLocationUpdated    = "location:updated"
	EventZoneEntered        = "zone:entered"
	EventZoneExited         = "zone:exited"
	EventAlertRaised        = "alert:raised"
	EventRequestCreated     = "request:created"
	EventRequestNew         = "request:new"
	EventRequestAccepted    = "request:accepted"
	EventRequestTaken       = "request:taken"
	EventRequestStarted     = "request:started"
	EventRequestCompleted   = "request:completed"
	EventRequestCancelled   = "request:cancelled"
	EventRequestTimeout     = "request:timeout"
	EventParticipantOffline = "request:participant_offline"
	EventMessageReceived    = "message:received"
)

// Channel prefixes. Channels are joined and left only by the session
// registry.
const (
	ChannelIdentityPrefix = "identity:"
	ChannelKindPrefix     = "kind:"
	ChannelRequestPrefix  = "request:"
)

// IdentityChannel returns the personal channel of an identity.
func IdentityChannel(id string) string { return ChannelIdentityPrefix + id }

// KindChannel returns the role channel shared by all identities of a kind.
func KindChannel(kind string) string { return ChannelKindPrefix + kind }

// RequestChannel returns the channel scoped to one dispatch request.
func RequestChannel(id string) string { return ChannelRequestPrefix + id }

// ParseChannel splits a channel name into its prefix kind and identifier.
// ok is false for names outside the naming convention.
func ParseChannel(channel string) (scope, id string, ok bool) {
	scope, id, found := strings.Cut(channel, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch scope {
	case "identity", "kind", "request":
		return scope, id, true
	}
	return "", "", false
}

// Frame is the envelope of every message on the wire. Ref is an optional
// client-chosen correlation token echoed on direct replies.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// NewFrame encodes data into a Frame. Encoding failures panic because
// every payload type in this package is statically encodable.
func NewFrame(event string, data any) Frame {
	f := Frame{Event: event}
	if data == nil {
		return f
	}
	if raw, ok := data.(json.RawMessage); ok {
		f.Data = raw
		return f
	}
	raw, err := json.Marshal(data)
	if err != nil {
		panic("protocol: encode " + event + ": " + err.Error())
	}
	f.Data = raw
	return f
}

// WithRef returns a copy of f carrying ref.
func (f Frame) WithRef(ref string) Frame {
	f.Ref = ref
	return f
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return Validation("missing_payload", "event requires a payload")
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return Validation("malformed_payload", "payload is not valid JSON for "+f.Event)
	}
	return nil
}
