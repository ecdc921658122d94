package protocol

import "time"

// LocationUpdate is the payload of location:update.
type LocationUpdate struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Speed     *float64   `json:"speed,omitempty"`
	Heading   *float64   `json:"heading,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// RequestCreate is the payload of request:create.
type RequestCreate struct {
	OriginDesc string   `json:"originDesc"`
	DestDesc   string   `json:"destDesc"`
	Estimate   *float64 `json:"estimate,omitempty"`
}

// RequestRef is the payload of accept/start/complete/cancel.
type RequestRef struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// MessageSend is the payload of message:send.
type MessageSend struct {
	TargetChannel string `json:"targetChannel"`
	Body          string `json:"body"`
	Kind          string `json:"kind,omitempty"`
}

// MessageTyping is the payload of message:typing.
type MessageTyping struct {
	TargetChannel string `json:"targetChannel"`
	Active        *bool  `json:"active,omitempty"`
}

// ZoneTransition is the payload of zone:entered and zone:exited.
type ZoneTransition struct {
	ZoneID   string    `json:"zoneId"`
	ZoneName string    `json:"zoneName"`
	ZoneKind string    `json:"zoneKind"`
	Identity string    `json:"identity"`
	Location Location  `json:"location"`
	At       time.Time `json:"at"`
}

// Location is a point included in outbound events.
type Location struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
}

// LocationRelay is the payload of location:updated.
type LocationRelay struct {
	Identity  string    `json:"identity"`
	RequestID string    `json:"requestId"`
	Location  Location  `json:"location"`
	At        time.Time `json:"at"`
}

// Alert is the payload of alert:raised.
type Alert struct {
	Identity string   `json:"identity"`
	Kind     string   `json:"kind"`
	ZoneID   string   `json:"zoneId,omitempty"`
	Message  string   `json:"message,omitempty"`
	Location Location `json:"location"`
}

// Presence is the payload of presence:* notifications.
type Presence struct {
	Identity  string `json:"identity"`
	Kind      string `json:"kind,omitempty"`
	Available *bool  `json:"available,omitempty"`
}

// Message is the payload of message:received.
type Message struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	TargetChannel string    `json:"targetChannel"`
	Body          string    `json:"body"`
	Kind          string    `json:"kind,omitempty"`
	SentAt        time.Time `json:"sentAt"`
	Queued        bool      `json:"queued,omitempty"`
}

// Typing is the payload of outbound message:typing.
type Typing struct {
	From          string `json:"from"`
	TargetChannel string `json:"targetChannel"`
	Active        bool   `json:"active"`
}

// Connected is sent right after a successful handshake.
type Connected struct {
	ConnectionID string   `json:"connectionId"`
	Identity     string   `json:"identity"`
	Kind         string   `json:"kind"`
	Channels     []string `json:"channels"`
}

// Delivery reports the outcome of message:send to the sender.
type Delivery struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

// Ack confirms a successful inbound event to its sender. It always
// carries the ref of the event it answers.
type Ack struct {
	For    string `json:"for"`
	Result any    `json:"result,omitempty"`
}
