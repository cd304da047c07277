// Package reports fetches geotagged complaint reports from the store and
// normalizes them into the working set the live map renders.
package reports

import (
	"strings"
	"time"

	"greencoins/map-go/internal/geo"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// ParseStatus accepts the legacy "in-progress" spelling. Anything unknown is
// treated as pending so the report still shows up as needing attention.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "resolved":
		return StatusResolved
	case "in_progress", "in-progress", "inprogress":
		return StatusInProgress
	default:
		return StatusPending
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ParsePriority(raw string) Priority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Report is the read-only projection of a complaint consumed by the map.
type Report struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LocationName string    `json:"location_name,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Status       Status    `json:"status"`
	Priority     Priority  `json:"priority"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r Report) LatLng() geo.LatLng {
	return geo.LatLng{Lat: r.Latitude, Lng: r.Longitude}
}
