package models

import (
	"encoding/json"
	"time"
)

// QueuedMessage waits for an identity with no live connection.
type QueuedMessage struct {
	ID         string          `json:"id"` // ULID
	Channel    string          `json:"channel"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}
