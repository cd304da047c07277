package livemap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"greencoins/map-go/internal/geo"
	"greencoins/map-go/internal/reports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type heatLayer struct {
	points []HeatPoint
	opts   HeatOptions
}

type fakeSurface struct {
	mu        sync.Mutex
	next      int
	layers    map[LayerID]any
	view      View
	fitted    *geo.Bounds
	ops       []string
	density   bool
	removed   bool
	failHeat  bool
	batches   int
	batchable bool
}

func newFakeSurface(density bool) *fakeSurface {
	return &fakeSurface{layers: make(map[LayerID]any), density: density}
}

func (f *fakeSurface) record(op string) {
	f.ops = append(f.ops, op)
}

func (f *fakeSurface) add(kind string, v any) LayerID {
	f.next++
	id := LayerID(fmt.Sprintf("%s-%d", kind, f.next))
	f.layers[id] = v
	f.record("add_" + kind)
	return id
}

func (f *fakeSurface) AddTileLayer(opts TileLayerOptions) (LayerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add("tile", opts), nil
}

func (f *fakeSurface) AddHeatLayer(points []HeatPoint, opts HeatOptions) (LayerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHeat {
		return "", errors.New("heat plugin crashed")
	}
	return f.add("heat", heatLayer{points: append([]HeatPoint(nil), points...), opts: opts}), nil
}

func (f *fakeSurface) AddMarker(m Marker) (LayerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add("marker", m), nil
}

func (f *fakeSurface) RemoveLayer(id LayerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.layers[id]; !ok {
		return fmt.Errorf("layer %s not attached", id)
	}
	delete(f.layers, id)
	f.record("remove")
	return nil
}

func (f *fakeSurface) SetView(v View) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = v
	f.record("set_view")
	return nil
}

func (f *fakeSurface) FitBounds(b geo.Bounds) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fitted = &b
	f.view = View{Center: b.Center(), Zoom: f.view.Zoom}
	f.record("fit_bounds")
	return nil
}

func (f *fakeSurface) InvalidateSize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("invalidate")
	return nil
}

func (f *fakeSurface) SupportsDensityLayer() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.density
}

func (f *fakeSurface) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	f.record("surface_remove")
	return nil
}

func (f *fakeSurface) counts() (tiles, heats int, markers []Marker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.layers {
		switch l := v.(type) {
		case TileLayerOptions:
			tiles++
		case heatLayer:
			heats++
		case Marker:
			markers = append(markers, l)
		}
	}
	return tiles, heats, markers
}

func (f *fakeSurface) heat() (heatLayer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.layers {
		if l, ok := v.(heatLayer); ok {
			return l, true
		}
	}
	return heatLayer{}, false
}

func (f *fakeSurface) opCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}

func (f *fakeSurface) lastOp() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ops) == 0 {
		return ""
	}
	return f.ops[len(f.ops)-1]
}

func (f *fakeSurface) currentView() (View, *geo.Bounds) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, f.fitted
}

type batchingSurface struct {
	*fakeSurface
}

func (b batchingSurface) Batch(fn func() error) error {
	b.mu.Lock()
	b.batches++
	b.mu.Unlock()
	return fn()
}

// fakeContainer reports sizes[i] on the i-th poll and final afterwards.
type fakeContainer struct {
	mu    sync.Mutex
	sizes [][2]int
	final [2]int
	polls int
}

func (c *fakeContainer) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.polls <= len(c.sizes) {
		s := c.sizes[c.polls-1]
		return s[0], s[1]
	}
	return c.final[0], c.final[1]
}

func (c *fakeContainer) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// signalContainer closes its ready channel on the first nonzero Set.
type signalContainer struct {
	mu    sync.Mutex
	w, h  int
	ready chan struct{}
	once  sync.Once
}

func newSignalContainer() *signalContainer {
	return &signalContainer{ready: make(chan struct{})}
}

func (c *signalContainer) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w, c.h
}

func (c *signalContainer) Set(w, h int) {
	c.mu.Lock()
	c.w, c.h = w, h
	c.mu.Unlock()
	if w > 0 && h > 0 {
		c.once.Do(func() { close(c.ready) })
	}
}

func (c *signalContainer) LayoutReady() <-chan struct{} { return c.ready }

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) ([]reports.Report, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]reports.Report, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(ctx, n)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	levels   []Severity
}

func (n *recordingNotifier) Notify(message string, severity Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	n.levels = append(n.levels, severity)
}

func (n *recordingNotifier) has(severity Severity, message string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, m := range n.messages {
		if m == message && n.levels[i] == severity {
			return true
		}
	}
	return false
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Interval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond}
}

func newTestManager(surface Surface, retry RetryPolicy) (*Manager, *int) {
	created := 0
	factory := func(c Container, initial View) (Surface, error) {
		created++
		return surface, nil
	}
	return NewManager(zerolog.Nop(), factory, ManagerOptions{Retry: retry}, nil), &created
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(zerolog.Nop(), DefaultRendererOptions(), nil)
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	return r
}

func report(id string, lat, lng float64, p reports.Priority, s reports.Status) reports.Report {
	return reports.Report{
		ID:        id,
		Title:     "Report " + id,
		Latitude:  lat,
		Longitude: lng,
		Priority:  p,
		Status:    s,
		CreatedAt: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
	}
}

func readyHandle(t *testing.T, surface Surface) (*Manager, *Handle) {
	t.Helper()
	m, _ := newTestManager(surface, fastRetry(3))
	h, err := m.Initialize(context.Background(), &fakeContainer{final: [2]int{800, 600}})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m, h
}
