package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"greencoins/map-go/internal/livemap"
	"greencoins/map-go/internal/metrics"
	"greencoins/map-go/internal/realtime"
	"greencoins/map-go/internal/scene"
)

const maxViewportEdge = 16384

var (
	errTooManySessions = errors.New("too many map sessions")
	errSessionsClosed  = errors.New("session registry closed")
)

type SessionOptions struct {
	// RefreshInterval adds periodic refetching to every session. Zero disables it.
	RefreshInterval time.Duration
	// RefreshRate and RefreshBurst bound manual refreshes per session.
	RefreshRate  float64
	RefreshBurst int
	MaxSessions  int
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.RefreshRate <= 0 {
		o.RefreshRate = 1
	}
	if o.RefreshBurst <= 0 {
		o.RefreshBurst = 3
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 256
	}
	return o
}

// event is one message on a session's websocket stream.
type event struct {
	Type     string             `json:"type"`
	Message  string             `json:"message,omitempty"`
	Severity livemap.Severity   `json:"severity,omitempty"`
	View     *livemap.ViewState `json:"view,omitempty"`
	Scene    *scene.Snapshot    `json:"scene,omitempty"`
}

type events struct {
	mu   sync.Mutex
	subs map[chan event]struct{}
}

func (e *events) subscribe() (<-chan event, func()) {
	ch := make(chan event, 16)
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		delete(e.subs, ch)
		e.mu.Unlock()
	}
}

// publish never blocks; slow subscribers miss events and catch up from the
// next snapshot.
func (e *events) publish(ev event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

type mapSession struct {
	id        string
	createdAt time.Time
	log       zerolog.Logger
	viewport  *scene.Viewport
	live      *livemap.Session
	limiter   *rate.Limiter
	events    events
	closed    chan struct{}

	mu         sync.Mutex
	scene      *scene.Scene
	sceneReady chan struct{}
}

func (m *mapSession) attach(sc *scene.Scene) {
	m.mu.Lock()
	m.scene = sc
	m.mu.Unlock()
	close(m.sceneReady)
}

func (m *mapSession) Scene() *scene.Scene {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scene
}

func (m *mapSession) notify(message string, severity livemap.Severity) {
	ev := m.log.Info()
	switch severity {
	case livemap.SeverityError:
		ev = m.log.Error()
	case livemap.SeverityWarning:
		ev = m.log.Warn()
	}
	ev.Str("severity", string(severity)).Msg(message)
	m.events.publish(event{Type: "notify", Message: message, Severity: severity})
}

func (m *mapSession) update(v livemap.ViewState) {
	m.events.publish(event{Type: "state", View: &v})
}

// setViewport records a client resize and asks the surface to pick it up.
func (m *mapSession) setViewport(width, height int) {
	if m.viewport.Set(width, height) {
		m.live.Resize()
	}
}

// Sessions is the registry of mounted live maps.
type Sessions struct {
	log      zerolog.Logger
	fetcher  livemap.Fetcher
	feed     realtime.Feed
	manager  livemap.ManagerOptions
	renderer *livemap.Renderer
	scene    scene.Options
	opts     SessionOptions
	metrics  *metrics.Metrics

	mu     sync.Mutex
	byID   map[string]*mapSession
	closed bool
}

func NewSessions(
	log zerolog.Logger,
	fetcher livemap.Fetcher,
	feed realtime.Feed,
	manager livemap.ManagerOptions,
	renderer *livemap.Renderer,
	sceneOpts scene.Options,
	opts SessionOptions,
	m *metrics.Metrics,
) *Sessions {
	return &Sessions{
		log:      log,
		fetcher:  fetcher,
		feed:     feed,
		manager:  manager,
		renderer: renderer,
		scene:    sceneOpts,
		opts:     opts.withDefaults(),
		metrics:  m,
		byID:     make(map[string]*mapSession),
	}
}

// Create mounts a new live map for a client container of the given size.
// Zero dimensions are allowed; the map initializes once the client reports a
// real size.
func (s *Sessions) Create(width, height int) (*mapSession, error) {
	id := uuid.NewString()
	ms := &mapSession{
		id:         id,
		createdAt:  time.Now().UTC(),
		log:        s.log.With().Str("session_id", id).Logger(),
		viewport:   scene.NewViewport(width, height),
		limiter:    rate.NewLimiter(rate.Limit(s.opts.RefreshRate), s.opts.RefreshBurst),
		closed:     make(chan struct{}),
		sceneReady: make(chan struct{}),
	}
	manager := livemap.NewManager(ms.log, scene.NewFactory(s.scene, ms.attach), s.manager, s.metrics)
	ms.live = livemap.NewSession(ms.log, manager, s.renderer, s.fetcher, s.feed, livemap.NotifierFunc(ms.notify), ms.viewport, livemap.SessionOptions{
		RefreshInterval: s.opts.RefreshInterval,
		OnUpdate:        ms.update,
	})

	s.mu.Lock()
	var err error
	switch {
	case s.closed:
		err = errSessionsClosed
	case len(s.byID) >= s.opts.MaxSessions:
		err = errTooManySessions
	default:
		s.byID[id] = ms
	}
	s.mu.Unlock()
	if err != nil {
		ms.live.Unmount()
		return nil, err
	}

	if err = ms.live.Mount(); err != nil {
		s.remove(id)
		return nil, err
	}
	s.metrics.AddMapSessions(1)
	ms.log.Debug().Int("width", width).Int("height", height).Msg("map session created")
	return ms, nil
}

func (s *Sessions) Get(id string) (*mapSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.byID[id]
	return ms, ok
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Sessions) remove(id string) (*mapSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
	}
	return ms, ok
}

// Delete unmounts a session and disconnects its streams.
func (s *Sessions) Delete(id string) bool {
	ms, ok := s.remove(id)
	if !ok {
		return false
	}
	s.unmount(ms)
	return true
}

func (s *Sessions) unmount(ms *mapSession) {
	close(ms.closed)
	ms.live.Unmount()
	s.metrics.AddMapSessions(-1)
	ms.log.Debug().Msg("map session deleted")
}

// Close unmounts every session and rejects new ones.
func (s *Sessions) Close() {
	s.mu.Lock()
	s.closed = true
	all := make([]*mapSession, 0, len(s.byID))
	for id, ms := range s.byID {
		all = append(all, ms)
		delete(s.byID, id)
	}
	s.mu.Unlock()

	for _, ms := range all {
		s.unmount(ms)
	}
}

type viewportSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (v viewportSize) validate() map[string]any {
	if v.Width < 0 || v.Height < 0 || v.Width > maxViewportEdge || v.Height > maxViewportEdge {
		return map[string]any{"width": v.Width, "height": v.Height, "max": maxViewportEdge}
	}
	return nil
}

type sessionResponse struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Viewport  viewportSize      `json:"viewport"`
	View      livemap.ViewState `json:"view"`
	Scene     *scene.Snapshot   `json:"scene,omitempty"`
}

func (m *mapSession) response() sessionResponse {
	w, h := m.viewport.Size()
	resp := sessionResponse{
		ID:        m.id,
		CreatedAt: m.createdAt,
		Viewport:  viewportSize{Width: w, Height: h},
		View:      m.live.View(),
	}
	if sc := m.Scene(); sc != nil {
		snap := sc.Snapshot()
		resp.Scene = &snap
	}
	return resp
}

func (h *Handler) lookupSession(w http.ResponseWriter, r *http.Request) (*mapSession, bool) {
	id := chi.URLParam(r, "id")
	ms, ok := h.sessions.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "map session not found", map[string]any{"id": id})
		return nil, false
	}
	return ms, true
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req viewportSize
	if err := decodeJSONStrict(r, &req, true); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if details := req.validate(); details != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid viewport size", details)
		return
	}
	if h.fetcher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return
	}

	ms, err := h.sessions.Create(req.Width, req.Height)
	if err != nil {
		switch {
		case errors.Is(err, errTooManySessions):
			h.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many open map sessions", nil)
		default:
			h.log.Error().Err(err).Msg("create map session failed")
			h.writeError(w, http.StatusServiceUnavailable, "unavailable", "map sessions unavailable", nil)
		}
		return
	}

	w.Header().Set("Location", "/api/v1/map/sessions/"+ms.id)
	h.writeJSON(w, http.StatusCreated, ms.response())
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ms, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, ms.response())
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.sessions.Delete(id) {
		h.writeError(w, http.StatusNotFound, "not_found", "map session not found", map[string]any{"id": id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetViewport(w http.ResponseWriter, r *http.Request) {
	var req viewportSize
	if err := decodeJSONStrict(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if details := req.validate(); details != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid viewport size", details)
		return
	}
	ms, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	ms.setViewport(req.Width, req.Height)
	h.writeJSON(w, http.StatusOK, ms.response())
}

func (h *Handler) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	ms, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	res := ms.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		w.Header().Set("Retry-After", strconv.Itoa(int(delay.Round(time.Second)/time.Second)+1))
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", "refresh requested too often", map[string]any{"retry_after_ms": delay.Milliseconds()})
		return
	}

	ms.live.Refresh()
	h.writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (h *Handler) handleSessionHeat(w http.ResponseWriter, r *http.Request) {
	ms, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	sc := ms.Scene()
	if sc == nil {
		h.writeError(w, http.StatusConflict, "not_ready", "map surface not initialized", map[string]any{"lifecycle": ms.live.View().Lifecycle})
		return
	}

	if err := h.heatSem.Acquire(r.Context(), 1); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "heat renderer busy", nil)
		return
	}
	png, err := sc.HeatPNG()
	h.heatSem.Release(1)
	if err != nil {
		if errors.Is(err, scene.ErrRemoved) {
			h.writeError(w, http.StatusNotFound, "not_found", "map session not found", nil)
			return
		}
		h.log.Error().Err(err).Str("session_id", ms.id).Msg("render heat image failed")
		h.writeError(w, http.StatusInternalServerError, "render_failed", "failed to render heat image", nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
