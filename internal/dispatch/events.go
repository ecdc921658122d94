package dispatch

import "github.com/eldtechnologies/ridewire/internal/models"

// RequestEvent is the payload of every request:* notification.
type RequestEvent struct {
	Request models.DispatchRequest `json:"request"`
	By      string                 `json:"by,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
}

// Taken tells fulfillers a pending request is no longer available.
type Taken struct {
	RequestID   string `json:"requestId"`
	FulfillerID string `json:"fulfillerId,omitempty"`
}

// ParticipantOffline is the payload of request:participant_offline.
type ParticipantOffline struct {
	RequestID string `json:"requestId"`
	Identity  string `json:"identity"`
	Role      string `json:"role"`
}
