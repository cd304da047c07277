// Package livemap keeps a map surface in sync with the current set of
// geotagged reports: it owns surface initialization and teardown, renders the
// density layer and markers, and runs the per-session event loop that ties
// fetches, change notifications and rendering together.
package livemap

import (
	"greencoins/map-go/internal/geo"
)

type LayerID string

type TileLayerOptions struct {
	URLTemplate string `json:"url_template" yaml:"url_template"`
	Attribution string `json:"attribution" yaml:"attribution"`
	MaxZoom     int    `json:"max_zoom" yaml:"max_zoom"`
}

type HeatPoint struct {
	Position geo.LatLng `json:"position"`
	Weight   float64    `json:"weight"`
}

type GradientStop struct {
	Stop  float64 `json:"stop" yaml:"stop"`
	Color string  `json:"color" yaml:"color"`
}

type HeatOptions struct {
	Radius     float64        `json:"radius" yaml:"radius"`
	Blur       float64        `json:"blur" yaml:"blur"`
	MaxZoom    int            `json:"max_zoom" yaml:"max_zoom"`
	MinOpacity float64        `json:"min_opacity" yaml:"min_opacity"`
	Gradient   []GradientStop `json:"gradient" yaml:"gradient"`
}

type Popup struct {
	Title        string `json:"title"`
	LocationName string `json:"location_name"`
	Priority     string `json:"priority"`
	Status       string `json:"status"`
}

type Marker struct {
	ReportID    string     `json:"report_id"`
	Position    geo.LatLng `json:"position"`
	Radius      float64    `json:"radius"`
	FillColor   string     `json:"fill_color"`
	StrokeColor string     `json:"stroke_color"`
	Popup       Popup      `json:"popup"`
}

// View is a map centre and zoom.
type View struct {
	Center geo.LatLng `json:"center" yaml:"center"`
	Zoom   float64    `json:"zoom" yaml:"zoom"`
}

// Surface is a map rendering engine bound to one container. Like browser
// mapping engines it caches the container size at creation and only
// re-reads it on InvalidateSize.
type Surface interface {
	AddTileLayer(opts TileLayerOptions) (LayerID, error)
	AddHeatLayer(points []HeatPoint, opts HeatOptions) (LayerID, error)
	AddMarker(m Marker) (LayerID, error)
	RemoveLayer(id LayerID) error
	SetView(v View) error
	FitBounds(b geo.Bounds) error
	InvalidateSize() error
	SupportsDensityLayer() bool
	Remove() error
}

// Batcher is implemented by surfaces that can apply several mutations as one
// visible update.
type Batcher interface {
	Batch(fn func() error) error
}

// SurfaceFactory creates a surface for a container that has nonzero layout.
type SurfaceFactory func(c Container, initial View) (Surface, error)

// Container hosts a surface.
type Container interface {
	Size() (width, height int)
}

// LayoutNotifier is implemented by containers that can signal when they first
// receive nonzero dimensions.
type LayoutNotifier interface {
	LayoutReady() <-chan struct{}
}

func hasLayout(c Container) bool {
	w, h := c.Size()
	return w > 0 && h > 0
}
