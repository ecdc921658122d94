package models

import (
	"time"

	"github.com/eldtechnologies/ridewire/internal/geo"
)

// LocationSample is one position report from an identity.
type LocationSample struct {
	IdentityID string    `json:"identity"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Point returns the sample coordinates.
func (s LocationSample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}
