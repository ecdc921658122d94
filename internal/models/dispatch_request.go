package models

import "time"

// DispatchStatus is the lifecycle state of a DispatchRequest.
type DispatchStatus string

const (
	StatusPending   DispatchStatus = "pending"
	StatusAccepted  DispatchStatus = "accepted"
	StatusActive    DispatchStatus = "active"
	StatusCompleted DispatchStatus = "completed"
	StatusCancelled DispatchStatus = "cancelled"
	StatusTimedOut  DispatchStatus = "timed_out"
)

// transitions lists every legal one-way status change.
var transitions = map[DispatchStatus][]DispatchStatus{
	StatusPending:  {StatusAccepted, StatusCancelled, StatusTimedOut},
	StatusAccepted: {StatusActive, StatusCancelled},
	StatusActive:   {StatusCompleted, StatusCancelled},
}

// Terminal reports whether no further transition is possible.
func (s DispatchStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to DispatchStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may transition into to.
func SourcesOf(to DispatchStatus) []DispatchStatus {
	var from []DispatchStatus
	for _, s := range []DispatchStatus{StatusPending, StatusAccepted, StatusActive} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// DispatchRequest is one request-for-service and its assignment lifecycle.
// The authoritative copy lives in the persistence collaborator; in-process
// copies are caches.
type DispatchRequest struct {
	ID          string         `json:"id"`
	RequesterID string         `json:"requesterId"`
	FulfillerID string         `json:"fulfillerId,omitempty"`
	Status      DispatchStatus `json:"status"`
	OriginDesc  string         `json:"originDesc"`
	DestDesc    string         `json:"destDesc"`
	Estimate    *float64       `json:"estimate,omitempty"`
	CancelledBy string         `json:"cancelledBy,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	AcceptedAt  *time.Time     `json:"acceptedAt,omitempty"`
	TerminalAt  *time.Time     `json:"terminalAt,omitempty"`
}

// Participant reports whether identityID is the requester or the assignee.
func (r *DispatchRequest) Participant(identityID string) bool {
	return identityID == r.RequesterID || (r.FulfillerID != "" && identityID == r.FulfillerID)
}

// Transition carries the fields written by a conditional status update.
type Transition struct {
	To          DispatchStatus
	From        []DispatchStatus
	FulfillerID string
	By          string
	Reason      string
	At          time.Time
}
