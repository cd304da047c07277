package livemap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"greencoins/map-go/internal/geo"
	"greencoins/map-go/internal/metrics"
)

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDisposed
	StateInitFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	case StateInitFailed:
		return "init_failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNotReady          = errors.New("map surface is not ready")
	ErrTerminal          = errors.New("map surface cannot be initialized again; remount required")
	ErrDisposed          = errors.New("map surface disposed")
	ErrContainerNotReady = errors.New("container never reached nonzero size")
)

// InitError reports why a surface never became ready.
type InitError struct {
	Attempts int
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("map init failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// RetryPolicy bounds the layout polling fallback.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 20,
		Interval:    50 * time.Millisecond,
		Multiplier:  1.5,
		MaxInterval: time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	} else if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	return p
}

// Delay is the wait after the given 1-based failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Interval) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Budget is the total time the policy may spend waiting.
func (p RetryPolicy) Budget() time.Duration {
	p = p.normalized()
	var total time.Duration
	for i := 1; i < p.MaxAttempts; i++ {
		total += p.Delay(i)
	}
	return total
}

// Handle is the single owned reference to a map surface and the layers
// attached to it. It is passed explicitly between Manager and Renderer.
type Handle struct {
	mu      sync.Mutex
	state   State
	surface Surface
	tile    LayerID
	heat    LayerID
	markers []LayerID
	density bool
}

func NewHandle() *Handle {
	return &Handle{state: StateUninitialized}
}

func (h *Handle) State() State {
	if h == nil {
		return StateUninitialized
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SupportsDensity reports the density capability probed at initialization.
func (h *Handle) SupportsDensity() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.density
}

// Attached returns whether a density layer is attached and how many markers are.
func (h *Handle) Attached() (density bool, markers int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heat != "", len(h.markers)
}

type ManagerOptions struct {
	Tiles       TileLayerOptions
	DefaultView View
	Retry       RetryPolicy
}

// DefaultView centres on New Delhi, where the service was first deployed.
func DefaultView() View {
	return View{Center: geo.LatLng{Lat: 28.6139, Lng: 77.209}, Zoom: 12}
}

func DefaultTiles() TileLayerOptions {
	return TileLayerOptions{
		URLTemplate: "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
		Attribution: "&copy; OpenStreetMap contributors",
		MaxZoom:     19,
	}
}

// Manager creates, resizes and tears down map surfaces.
type Manager struct {
	log     zerolog.Logger
	factory SurfaceFactory
	tiles   TileLayerOptions
	view    View
	retry   RetryPolicy
	metrics *metrics.Metrics
}

func NewManager(log zerolog.Logger, factory SurfaceFactory, opts ManagerOptions, m *metrics.Metrics) *Manager {
	tiles := opts.Tiles
	if tiles.URLTemplate == "" {
		tiles = DefaultTiles()
	}
	view := opts.DefaultView
	if view == (View{}) {
		view = DefaultView()
	}
	return &Manager{
		log:     log,
		factory: factory,
		tiles:   tiles,
		view:    view,
		retry:   opts.Retry.normalized(),
		metrics: m,
	}
}

func (m *Manager) Retry() RetryPolicy { return m.retry }

// Initialize creates a handle and runs Start on it. The handle is returned even
// on failure so callers can always pass it to Teardown.
func (m *Manager) Initialize(ctx context.Context, c Container) (*Handle, error) {
	h := NewHandle()
	return h, m.Start(ctx, h, c)
}

// Start moves an uninitialized handle to Ready once the container has layout.
// Cancelling ctx interrupts the wait and leaves the handle InitFailed. A handle disposed while Start is running
// stays disposed and any surface created for it is released.
func (m *Manager) Start(ctx context.Context, h *Handle, c Container) error {
	h.mu.Lock()
	if h.state != StateUninitialized {
		h.mu.Unlock()
		return ErrTerminal
	}
	h.state = StateInitializing
	h.mu.Unlock()

	attempts, err := m.awaitLayout(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted. Teardown usually follows, but the handle must not
			// stay Initializing if it does not.
			h.mu.Lock()
			if h.state == StateInitializing {
				h.state = StateInitFailed
			}
			h.mu.Unlock()
			return &InitError{Attempts: attempts, Err: ctx.Err()}
		}
		return m.fail(h, attempts, err)
	}

	surface, err := m.factory(c, m.view)
	if err != nil {
		return m.fail(h, attempts, fmt.Errorf("create surface: %w", err))
	}

	tile, err := surface.AddTileLayer(m.tiles)
	if err == nil {
		err = surface.SetView(m.view)
	}
	if err == nil {
		err = surface.InvalidateSize()
	}
	if err != nil {
		_ = surface.Remove()
		return m.fail(h, attempts, fmt.Errorf("prepare surface: %w", err))
	}
	density := surface.SupportsDensityLayer()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateInitializing {
		_ = surface.Remove()
		return ErrDisposed
	}
	h.surface = surface
	h.tile = tile
	h.density = density
	h.state = StateReady
	m.log.Debug().Int("attempts", attempts).Bool("density", density).Msg("map surface ready")
	return nil
}

func (m *Manager) fail(h *Handle, attempts int, err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDisposed {
		return ErrDisposed
	}
	h.state = StateInitFailed
	m.metrics.IncMapInitFailure()
	m.log.Warn().Err(err).Int("attempts", attempts).Msg("map surface init failed")
	return &InitError{Attempts: attempts, Err: err}
}

// awaitLayout waits for nonzero container dimensions, preferring the
// container's ready signal and falling back to bounded polling.
func (m *Manager) awaitLayout(ctx context.Context, c Container) (int, error) {
	if n, ok := c.(LayoutNotifier); ok && !hasLayout(c) {
		timer := time.NewTimer(m.retry.Budget())
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
			if !hasLayout(c) {
				return 1, ErrContainerNotReady
			}
		case <-n.LayoutReady():
			timer.Stop()
		}
	}

	for attempt := 1; ; attempt++ {
		if hasLayout(c) {
			return attempt, nil
		}
		if attempt >= m.retry.MaxAttempts {
			return attempt, ErrContainerNotReady
		}
		t := time.NewTimer(m.retry.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
}

// Resize forces the surface to re-read its container size.
func (m *Manager) Resize(h *Handle) error {
	if h == nil {
		return ErrNotReady
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady {
		return ErrNotReady
	}
	return h.surface.InvalidateSize()
}

// Teardown releases every layer and the surface. It is safe on nil handles,
// handles that never initialized or failed to, and when called repeatedly.
func (m *Manager) Teardown(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDisposed {
		return nil
	}
	h.state = StateDisposed

	if h.surface == nil {
		return nil
	}
	errs := h.clearLayersLocked()
	if h.tile != "" {
		if err := h.surface.RemoveLayer(h.tile); err != nil {
			errs = append(errs, err)
		}
		h.tile = ""
	}
	if err := h.surface.Remove(); err != nil {
		errs = append(errs, err)
	}
	h.surface = nil
	if err := errors.Join(errs...); err != nil {
		m.log.Warn().Err(err).Msg("map teardown incomplete")
		return err
	}
	return nil
}

// clearLayersLocked detaches the density layer and markers. Layer ids are
// forgotten even when removal fails so they are never removed twice.
func (h *Handle) clearLayersLocked() []error {
	var errs []error
	if h.heat != "" {
		if err := h.surface.RemoveLayer(h.heat); err != nil {
			errs = append(errs, err)
		}
		h.heat = ""
	}
	for _, id := range h.markers {
		if err := h.surface.RemoveLayer(id); err != nil {
			errs = append(errs, err)
		}
	}
	h.markers = h.markers[:0]
	return errs
}
