package reports

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"greencoins/map-go/internal/geo"
	"greencoins/map-go/internal/metrics"
	"greencoins/map-go/internal/sqlcgen"
)

const (
	DefaultLimit = 500
	MaxLimit     = 1000

	fetchFailedMessage = "Failed to load map data"
)

// Store is the report query the fetcher needs. *sqlcgen.Queries satisfies it.
type Store interface {
	ListGeotaggedReports(ctx context.Context, limit int32) ([]sqlcgen.ReportRow, error)
}

// FetchError is returned when the store query fails. Message is safe to show
// to users; Err carries the cause.
type FetchError struct {
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

var (
	errNullCoordinates = errors.New("coordinates are null")
	errOutOfRange      = errors.New("coordinates out of range")
)

type Fetcher struct {
	log     zerolog.Logger
	store   Store
	limit   int32
	metrics *metrics.Metrics
}

// NewFetcher clamps limit into [1, MaxLimit]; zero or negative means DefaultLimit.
func NewFetcher(log zerolog.Logger, store Store, limit int, m *metrics.Metrics) *Fetcher {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return &Fetcher{log: log, store: store, limit: int32(limit), metrics: m}
}

func (f *Fetcher) Limit() int { return int(f.limit) }

// Fetch returns the coordinate-valid reports, newest first. An empty store
// yields an empty slice and no error. Safe for concurrent use.
func (f *Fetcher) Fetch(ctx context.Context) ([]Report, error) {
	start := time.Now()
	if f == nil || f.store == nil {
		return nil, &FetchError{Message: fetchFailedMessage, Err: errors.New("report store not configured")}
	}

	rows, err := f.store.ListGeotaggedReports(ctx, f.limit)
	if err != nil {
		// A caller that went away is not a store failure.
		if errors.Is(err, context.Canceled) {
			f.metrics.ObserveReportFetch("canceled", time.Since(start))
			f.log.Debug().Err(err).Msg("list geotagged reports canceled")
			return nil, &FetchError{Message: fetchFailedMessage, Err: err}
		}
		f.metrics.ObserveReportFetch("error", time.Since(start))
		f.log.Error().Err(err).Msg("list geotagged reports failed")
		return nil, &FetchError{Message: fetchFailedMessage, Err: err}
	}

	out := make([]Report, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		r, err := Normalize(row)
		if err != nil {
			skipped++
			f.log.Debug().Err(err).Str("report_id", row.ID).Msg("report row skipped")
			continue
		}
		out = append(out, r)
	}

	f.metrics.AddReportRowsSkipped(skipped)
	result := "ok"
	if len(out) == 0 {
		result = "empty"
	}
	f.metrics.ObserveReportFetch(result, time.Since(start))
	if skipped > 0 {
		f.log.Info().Int("rows", len(rows)).Int("skipped", skipped).Msg("report rows dropped by validation")
	}
	return out, nil
}

// Normalize parses and validates a stored row.
func Normalize(row sqlcgen.ReportRow) (Report, error) {
	if row.Latitude == nil || row.Longitude == nil {
		return Report{}, errNullCoordinates
	}
	lat, err := parseCoordinate(*row.Latitude)
	if err != nil {
		return Report{}, fmt.Errorf("latitude: %w", err)
	}
	lng, err := parseCoordinate(*row.Longitude)
	if err != nil {
		return Report{}, fmt.Errorf("longitude: %w", err)
	}
	if !(geo.LatLng{Lat: lat, Lng: lng}).Valid() {
		return Report{}, fmt.Errorf("%w: %v,%v", errOutOfRange, lat, lng)
	}

	r := Report{
		ID:        row.ID,
		Title:     strings.TrimSpace(row.Title),
		Latitude:  lat,
		Longitude: lng,
		Status:    ParseStatus(row.Status),
		Priority:  ParsePriority(row.Priority),
		CreatedAt: row.CreatedAt,
	}
	if row.LocationName != nil {
		r.LocationName = strings.TrimSpace(*row.LocationName)
	}
	return r, nil
}

func parseCoordinate(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errNullCoordinates
	}
	return strconv.ParseFloat(raw, 64)
}
