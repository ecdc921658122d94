package models

import (
	"slices"
	"time"
)

// Kind is the role of an authenticated principal.
type Kind string

const (
	KindRequester Kind = "requester"
	KindFulfiller Kind = "fulfiller"
	KindOperator  Kind = "operator"
)

// Valid reports whether k is a known role.
func (k Kind) Valid() bool {
	switch k {
	case KindRequester, KindFulfiller, KindOperator:
		return true
	}
	return false
}

// Identity is the authenticated principal behind one or more connections.
// It is fixed for the lifetime of a connection.
type Identity struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	Permissions []string `json:"permissions,omitempty"`
}

// Can reports whether the identity holds perm. Operators hold every
// permission.
func (i Identity) Can(perm string) bool {
	if i.Kind == KindOperator {
		return true
	}
	return slices.Contains(i.Permissions, perm)
}

// Permission names checked by the core.
const (
	PermZonesWrite = "zones:write"
	PermBroadcast  = "messages:broadcast"
)

// Connection is a live session of an identity on this instance.
type Connection struct {
	ID          string    `json:"connectionId"`
	Identity    Identity  `json:"identity"`
	ConnectedAt time.Time `json:"connectedAt"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
}
