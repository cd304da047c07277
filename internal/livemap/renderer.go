package livemap

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"greencoins/map-go/internal/geo"
	"greencoins/map-go/internal/metrics"
	"greencoins/map-go/internal/reports"
)

const (
	ColorResolved   = "#10b981"
	ColorInProgress = "#f59e0b"
	ColorPending    = "#ef4444"

	unknownLocation = "Unknown location"
)

// Weights maps report priority to heat intensity. High > Medium > Low > 0.
type Weights struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
	Low    float64 `yaml:"low"`
}

func DefaultWeights() Weights {
	return Weights{High: 1.0, Medium: 0.7, Low: 0.5}
}

func (w Weights) Validate() error {
	if !(w.High > w.Medium && w.Medium > w.Low && w.Low > 0) {
		return fmt.Errorf("priority weights must satisfy high > medium > low > 0, got %v/%v/%v", w.High, w.Medium, w.Low)
	}
	return nil
}

func (w Weights) For(p reports.Priority) float64 {
	switch p {
	case reports.PriorityHigh:
		return w.High
	case reports.PriorityMedium:
		return w.Medium
	default:
		return w.Low
	}
}

// MarkerColor is green for resolved, amber for in progress and red otherwise.
func MarkerColor(s reports.Status) string {
	switch s {
	case reports.StatusResolved:
		return ColorResolved
	case reports.StatusInProgress:
		return ColorInProgress
	default:
		return ColorPending
	}
}

func DefaultHeatOptions() HeatOptions {
	return HeatOptions{
		Radius:     45,
		Blur:       25,
		MaxZoom:    17,
		MinOpacity: 0.5,
		Gradient: []GradientStop{
			{Stop: 0.0, Color: "#10b981"},
			{Stop: 0.4, Color: "#3b82f6"},
			{Stop: 0.7, Color: "#f59e0b"},
			{Stop: 1.0, Color: "#ef4444"},
		},
	}
}

type RendererOptions struct {
	Weights       Weights
	Heat          HeatOptions
	MarkerRadius  float64
	BoundsPadding float64
	SingleZoom    float64
}

func DefaultRendererOptions() RendererOptions {
	return RendererOptions{
		Weights:       DefaultWeights(),
		Heat:          DefaultHeatOptions(),
		MarkerRadius:  5,
		BoundsPadding: 0.1,
		SingleZoom:    14,
	}
}

type Renderer struct {
	log     zerolog.Logger
	opts    RendererOptions
	metrics *metrics.Metrics
}

func NewRenderer(log zerolog.Logger, opts RendererOptions, m *metrics.Metrics) (*Renderer, error) {
	d := DefaultRendererOptions()
	if opts.Weights == (Weights{}) {
		opts.Weights = d.Weights
	}
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.Heat.Radius <= 0 {
		opts.Heat = d.Heat
	}
	if opts.MarkerRadius <= 0 {
		opts.MarkerRadius = d.MarkerRadius
	}
	if opts.BoundsPadding <= 0 {
		opts.BoundsPadding = d.BoundsPadding
	}
	if opts.SingleZoom <= 0 {
		opts.SingleZoom = d.SingleZoom
	}
	return &Renderer{log: log, opts: opts, metrics: m}, nil
}

// HeatPoints weights each report by priority.
func (r *Renderer) HeatPoints(list []reports.Report) []HeatPoint {
	out := make([]HeatPoint, 0, len(list))
	for _, rep := range list {
		out = append(out, HeatPoint{Position: rep.LatLng(), Weight: r.opts.Weights.For(rep.Priority)})
	}
	return out
}

func (r *Renderer) marker(rep reports.Report) Marker {
	loc := rep.LocationName
	if loc == "" {
		loc = unknownLocation
	}
	return Marker{
		ReportID:    rep.ID,
		Position:    rep.LatLng(),
		Radius:      r.opts.MarkerRadius,
		FillColor:   MarkerColor(rep.Status),
		StrokeColor: "#ffffff",
		Popup: Popup{
			Title:        rep.Title,
			LocationName: loc,
			Priority:     string(rep.Priority),
			Status:       string(rep.Status),
		},
	}
}

// Render replaces the density layer and markers on a ready handle with ones
// built from list, then fits the viewport to the data.
func (r *Renderer) Render(h *Handle, list []reports.Report) error {
	if h == nil {
		return ErrNotReady
	}
	start := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return ErrNotReady
	}

	apply := func() error { return r.renderLocked(h, list) }
	var err error
	if b, ok := h.surface.(Batcher); ok {
		err = b.Batch(apply)
	} else {
		err = apply()
	}
	r.metrics.ObserveMapRender(time.Since(start))
	return err
}

func (r *Renderer) renderLocked(h *Handle, list []reports.Report) error {
	if errs := h.clearLayersLocked(); len(errs) > 0 {
		return fmt.Errorf("clear layers: %w", errors.Join(errs...))
	}
	if len(list) == 0 {
		return nil
	}

	if h.density {
		id, err := h.surface.AddHeatLayer(r.HeatPoints(list), r.opts.Heat)
		if err != nil {
			return fmt.Errorf("add heat layer: %w", err)
		}
		h.heat = id
	}

	points := make([]geo.LatLng, 0, len(list))
	for _, rep := range list {
		id, err := h.surface.AddMarker(r.marker(rep))
		if err != nil {
			return fmt.Errorf("add marker %s: %w", rep.ID, err)
		}
		h.markers = append(h.markers, id)
		points = append(points, rep.LatLng())
	}

	bounds, _ := geo.BoundsOf(points)
	var err error
	if len(list) == 1 || bounds.Degenerate() {
		err = h.surface.SetView(View{Center: points[0], Zoom: r.opts.SingleZoom})
	} else {
		err = h.surface.FitBounds(bounds.Pad(r.opts.BoundsPadding))
	}
	if err != nil {
		return fmt.Errorf("fit viewport: %w", err)
	}

	return h.surface.InvalidateSize()
}
