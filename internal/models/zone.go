package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/eldtechnologies/ridewire/internal/geo"
)

// ZoneKind classifies a zone.
type ZoneKind string

const (
	ZonePickup     ZoneKind = "pickup"
	ZoneDropoff    ZoneKind = "dropoff"
	ZoneRestricted ZoneKind = "restricted"
	ZoneSurge      ZoneKind = "surge"
	ZoneEmergency  ZoneKind = "emergency"
	ZoneGeneric    ZoneKind = "generic"
)

// ZoneTransition is the edge crossed by an identity.
type ZoneTransition string

const (
	TransitionEntered ZoneTransition = "entered"
	TransitionExited  ZoneTransition = "exited"
)

// RuleAction is a side effect applied on a zone transition.
type RuleAction string

const (
	ActionNotify     RuleAction = "notify"
	ActionMarkStatus RuleAction = "mark_status"
	ActionAlert      RuleAction = "alert"
	ActionPricing    RuleAction = "pricing"
)

// Rule applies Action when an identity of IdentityKind (any when empty)
// makes Transition.
type Rule struct {
	IdentityKind Kind           `json:"identityKind,omitempty"`
	Transition   ZoneTransition `json:"transition"`
	Action       RuleAction     `json:"action"`
	Channel      string         `json:"channel,omitempty"`
	Status       string         `json:"status,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Matches reports whether the rule applies to kind making transition.
func (r Rule) Matches(kind Kind, transition ZoneTransition) bool {
	if r.Transition != transition {
		return false
	}
	return r.IdentityKind == "" || r.IdentityKind == kind
}

// Zone is a named circular region.
type Zone struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         ZoneKind  `json:"kind"`
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radiusMeters"`
	Rules        []Rule    `json:"rules,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Contains reports whether p lies inside the zone, boundary inclusive.
func (z Zone) Contains(p geo.Point) bool {
	return geo.Within(z.Center, z.RadiusMeters, p)
}

// Validate checks the zone definition.
func (z Zone) Validate() error {
	if strings.TrimSpace(z.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(z.Name) > 100 {
		return fmt.Errorf("name too long (max 100 characters)")
	}
	switch z.Kind {
	case ZonePickup, ZoneDropoff, ZoneRestricted, ZoneSurge, ZoneEmergency, ZoneGeneric:
	default:
		return fmt.Errorf("unknown zone kind %q", z.Kind)
	}
	if !z.Center.Valid() {
		return fmt.Errorf("center out of range")
	}
	if !(z.RadiusMeters > 0) {
		return fmt.Errorf("radiusMeters must be positive")
	}
	for i, r := range z.Rules {
		if r.Transition != TransitionEntered && r.Transition != TransitionExited {
			return fmt.Errorf("rule %d: unknown transition %q", i, r.Transition)
		}
		if r.IdentityKind != "" && !r.IdentityKind.Valid() {
			return fmt.Errorf("rule %d: unknown identity kind %q", i, r.IdentityKind)
		}
		switch r.Action {
		case ActionNotify:
			if r.Channel == "" {
				return fmt.Errorf("rule %d: notify requires channel", i)
			}
		case ActionMarkStatus:
			if r.Status == "" {
				return fmt.Errorf("rule %d: mark_status requires status", i)
			}
		case ActionAlert, ActionPricing:
		default:
			return fmt.Errorf("rule %d: unknown action %q", i, r.Action)
		}
	}
	return nil
}
