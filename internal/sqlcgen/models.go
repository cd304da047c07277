package sqlcgen

import "time"

// ReportRow is a complaint row as stored. Coordinates are selected as text so
// callers decide how to normalize them.
type ReportRow struct {
	ID           string
	Title        string
	LocationName *string
	Latitude     *string
	Longitude    *string
	Status       string
	Priority     string
	CreatedAt    time.Time
}
