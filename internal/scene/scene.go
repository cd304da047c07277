// Package scene is the server-side map surface. A Scene holds the layers,
// view and cached container size of one map, and publishes a versioned
// snapshot that clients mirror.
package scene

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"greencoins/map-go/internal/geo"
	"greencoins/map-go/internal/heat"
	"greencoins/map-go/internal/livemap"
)

var (
	ErrRemoved      = errors.New("scene removed")
	ErrUnknownLayer = errors.New("unknown layer")
)

type Kind string

const (
	KindTile   Kind = "tile"
	KindHeat   Kind = "heat"
	KindMarker Kind = "marker"
)

type HeatLayer struct {
	Points  []livemap.HeatPoint `json:"points"`
	Options livemap.HeatOptions `json:"options"`
}

type layer struct {
	id     livemap.LayerID
	kind   Kind
	order  int
	tile   livemap.TileLayerOptions
	heat   HeatLayer
	marker livemap.Marker
}

type Options struct {
	// DensityLayer advertises heat layer support to the renderer.
	DensityLayer bool
	MinZoom      float64
	MaxZoom      float64
}

func DefaultOptions() Options {
	return Options{DensityLayer: true, MinZoom: 0, MaxZoom: 19}
}

// Snapshot is an immutable copy of the scene state.
type Snapshot struct {
	Version uint64                    `json:"version"`
	Width   int                       `json:"width"`
	Height  int                       `json:"height"`
	View    livemap.View              `json:"view"`
	Bounds  geo.Bounds                `json:"bounds"`
	Tile    *livemap.TileLayerOptions `json:"tile,omitempty"`
	Heat    *HeatLayer                `json:"heat,omitempty"`
	Markers []livemap.Marker          `json:"markers"`
	Removed bool                      `json:"removed"`
}

// Scene implements livemap.Surface and livemap.Batcher.
type Scene struct {
	container livemap.Container
	opts      Options

	mu       sync.Mutex
	width    int
	height   int
	view     livemap.View
	layers   map[livemap.LayerID]*layer
	order    int
	version  uint64
	batching int
	dirty    bool
	removed  bool
	changed  chan struct{}
}

func New(c livemap.Container, initial livemap.View, opts Options) *Scene {
	if opts.MaxZoom <= 0 {
		opts.MaxZoom = DefaultOptions().MaxZoom
	}
	w, h := c.Size()
	s := &Scene{
		container: c,
		opts:      opts,
		width:     w,
		height:    h,
		layers:    make(map[livemap.LayerID]*layer),
		changed:   make(chan struct{}),
	}
	s.view = livemap.View{Center: initial.Center, Zoom: s.clampZoom(initial.Zoom)}
	return s
}

// NewFactory returns a livemap.SurfaceFactory producing scenes. created, when
// non-nil, receives every scene the factory builds.
func NewFactory(opts Options, created func(*Scene)) livemap.SurfaceFactory {
	return func(c livemap.Container, initial livemap.View) (livemap.Surface, error) {
		s := New(c, initial, opts)
		if created != nil {
			created(s)
		}
		return s, nil
	}
}

func (s *Scene) clampZoom(z float64) float64 {
	return math.Max(s.opts.MinZoom, math.Min(s.opts.MaxZoom, z))
}

// Changed returns a channel closed on the next committed mutation.
func (s *Scene) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// touchLocked marks the scene modified and commits unless inside a batch.
func (s *Scene) touchLocked() {
	s.dirty = true
	if s.batching == 0 {
		s.commitLocked()
	}
}

func (s *Scene) commitLocked() {
	if !s.dirty {
		return
	}
	s.dirty = false
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
}

// Batch applies fn as a single visible update.
func (s *Scene) Batch(fn func() error) error {
	s.mu.Lock()
	s.batching++
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	s.batching--
	if s.batching == 0 {
		s.commitLocked()
	}
	s.mu.Unlock()
	return err
}

func (s *Scene) addLocked(l *layer) (livemap.LayerID, error) {
	if s.removed {
		return "", ErrRemoved
	}
	s.order++
	l.id = livemap.LayerID(string(l.kind) + "-" + uuid.NewString())
	l.order = s.order
	s.layers[l.id] = l
	s.touchLocked()
	return l.id, nil
}

func (s *Scene) AddTileLayer(opts livemap.TileLayerOptions) (livemap.LayerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(&layer{kind: KindTile, tile: opts})
}

func (s *Scene) AddHeatLayer(points []livemap.HeatPoint, opts livemap.HeatOptions) (livemap.LayerID, error) {
	if !s.opts.DensityLayer {
		return "", errors.New("density layers not supported")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(&layer{kind: KindHeat, heat: HeatLayer{
		Points:  append([]livemap.HeatPoint(nil), points...),
		Options: opts,
	}})
}

func (s *Scene) AddMarker(m livemap.Marker) (livemap.LayerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(&layer{kind: KindMarker, marker: m})
}

func (s *Scene) RemoveLayer(id livemap.LayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrRemoved
	}
	if _, ok := s.layers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, id)
	}
	delete(s.layers, id)
	s.touchLocked()
	return nil
}

func (s *Scene) SetView(v livemap.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrRemoved
	}
	s.view = livemap.View{Center: v.Center, Zoom: s.clampZoom(v.Zoom)}
	s.touchLocked()
	return nil
}

// FitBounds centres b and picks the largest zoom at which it fits the cached
// container size.
func (s *Scene) FitBounds(b geo.Bounds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrRemoved
	}
	zoom := geo.BoundsZoom(b, s.width, s.height, s.opts.MinZoom, s.opts.MaxZoom)
	sw := geo.Project(b.SouthWest, zoom)
	ne := geo.Project(b.NorthEast, zoom)
	center := geo.Unproject(geo.Point{X: (sw.X + ne.X) / 2, Y: (sw.Y + ne.Y) / 2}, zoom)
	s.view = livemap.View{Center: center, Zoom: zoom}
	s.touchLocked()
	return nil
}

// InvalidateSize re-reads the container size.
func (s *Scene) InvalidateSize() error {
	w, h := s.container.Size()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrRemoved
	}
	if w == s.width && h == s.height {
		return nil
	}
	s.width, s.height = w, h
	s.touchLocked()
	return nil
}

func (s *Scene) SupportsDensityLayer() bool { return s.opts.DensityLayer }

func (s *Scene) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil
	}
	s.removed = true
	clear(s.layers)
	s.dirty = true
	s.commitLocked()
	return nil
}

func (s *Scene) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Version: s.version,
		Width:   s.width,
		Height:  s.height,
		View:    s.view,
		Bounds:  geo.ViewBounds(s.view.Center, s.view.Zoom, s.width, s.height),
		Markers: []livemap.Marker{},
		Removed: s.removed,
	}
	for _, l := range s.sortedLocked() {
		switch l.kind {
		case KindTile:
			t := l.tile
			snap.Tile = &t
		case KindHeat:
			h := l.heat
			snap.Heat = &h
		case KindMarker:
			snap.Markers = append(snap.Markers, l.marker)
		}
	}
	return snap
}

func (s *Scene) sortedLocked() []*layer {
	out := make([]*layer, 0, len(s.layers))
	for _, l := range s.layers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// MaxHeatEdge bounds the longer edge of a heat raster. Larger viewports get a
// proportionally smaller image that clients stretch over the map.
const MaxHeatEdge = 2048

// HeatImage rasterizes the density layer for the current view at the cached
// container size, scaled down to MaxHeatEdge. A scene without a density layer
// yields a transparent image.
func (s *Scene) HeatImage() (*image.NRGBA, error) {
	snap := s.Snapshot()
	if snap.Removed {
		return nil, ErrRemoved
	}
	return RenderHeat(snap.Heat, snap.View, snap.Width, snap.Height)
}

func (s *Scene) HeatPNG() ([]byte, error) {
	img, err := s.HeatImage()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := heat.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderHeat projects a density layer into a width x height image centred on
// view. Point intensity fades below the layer's max zoom the way browser heat
// layers do.
func RenderHeat(layer *HeatLayer, view livemap.View, width, height int) (*image.NRGBA, error) {
	scale := heatScale(width, height)
	outW, outH := scaledEdge(width, scale), scaledEdge(height, scale)
	if layer == nil {
		return heat.Render(outW, outH, nil, heat.Options{}), nil
	}
	opts, err := HeatOptions(layer.Options)
	if err != nil {
		return nil, err
	}
	opts.Radius *= scale
	opts.Blur *= scale

	fade := 1.0
	if layer.Options.MaxZoom > 0 {
		steps := math.Max(0, math.Min(float64(layer.Options.MaxZoom)-view.Zoom, 12))
		fade = 1 / math.Pow(2, steps)
	}

	c := geo.Project(view.Center, view.Zoom)
	originX, originY := c.X-float64(width)/2, c.Y-float64(height)/2
	points := make([]heat.Point, 0, len(layer.Points))
	for _, p := range layer.Points {
		pt := geo.Project(p.Position, view.Zoom)
		points = append(points, heat.Point{
			X:      (pt.X - originX) * scale,
			Y:      (pt.Y - originY) * scale,
			Weight: p.Weight * fade,
		})
	}
	return heat.Render(outW, outH, points, opts), nil
}

func heatScale(width, height int) float64 {
	if edge := max(width, height); edge > MaxHeatEdge {
		return float64(MaxHeatEdge) / float64(edge)
	}
	return 1
}

func scaledEdge(n int, scale float64) int {
	if n <= 0 {
		return n
	}
	return max(1, int(math.Round(float64(n)*scale)))
}

// HeatOptions converts layer options into raster options.
func HeatOptions(o livemap.HeatOptions) (heat.Options, error) {
	stops := make([]heat.Stop, 0, len(o.Gradient))
	for _, g := range o.Gradient {
		c, err := heat.ParseHexColor(g.Color)
		if err != nil {
			return heat.Options{}, fmt.Errorf("gradient stop %v: %w", g.Stop, err)
		}
		stops = append(stops, heat.Stop{At: g.Stop, Color: c})
	}
	return heat.Options{
		Radius:     o.Radius,
		Blur:       o.Blur,
		MinOpacity: o.MinOpacity,
		Gradient:   stops,
	}, nil
}
