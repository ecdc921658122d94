package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eldtechnologies/ridewire/internal/dispatch"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/zones"
)

var (
	// ErrNotFound is returned for unknown request or zone IDs.
	ErrNotFound = models.ErrNotFound
	// ErrStaleTransition is returned when a conditional update matched no
	// row because the request had already moved on.
	ErrStaleTransition = models.ErrStaleTransition
)

// DataStore defines the interface for persistent storage of dispatch
// requests, zones and location samples. Both PostgresStore and SQLiteStore
// implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Dispatch requests
	dispatch.Store

	// Zones
	zones.Persister

	// Location samples
	AppendLocationSample(ctx context.Context, sample models.LocationSample) error
	ListLocationSamples(ctx context.Context, identityID string, limit int) ([]models.LocationSample, error)
}

var (
	_ DataStore = (*PostgresStore)(nil)
	_ DataStore = (*SQLiteStore)(nil)
)

// assignment is one "column = value" pair written by a conditional update.
type assignment struct {
	column string
	value  any
}

// transitionAssignments returns the columns a transition writes besides
// status.
func transitionAssignments(t models.Transition) []assignment {
	set := []assignment{{"status", string(t.To)}}
	switch {
	case t.To == models.StatusAccepted:
		set = append(set, assignment{"fulfiller_id", t.FulfillerID}, assignment{"accepted_at", t.At})
	case t.To.Terminal():
		set = append(set, assignment{"terminal_at", t.At})
		if t.To == models.StatusCancelled {
			set = append(set, assignment{"cancelled_by", t.By}, assignment{"reason", t.Reason})
		}
	}
	return set
}

func statusStrings(from []models.DispatchStatus) []string {
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

func validTransition(t models.Transition) error {
	if len(t.From) == 0 {
		return fmt.Errorf("transition to %s has no source status", t.To)
	}
	for _, from := range t.From {
		if !models.CanTransition(from, t.To) {
			return fmt.Errorf("illegal transition %s -> %s", from, t.To)
		}
	}
	return nil
}

func encodeRules(rules []models.Rule) ([]byte, error) {
	if rules == nil {
		rules = []models.Rule{}
	}
	return json.Marshal(rules)
}

func decodeRules(data []byte) ([]models.Rule, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rules []models.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode zone rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return rules, nil
}

// clampLimit bounds list sizes.
func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
