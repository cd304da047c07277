package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"greencoins/map-go/internal/db"
	"greencoins/map-go/internal/livemap"
	"greencoins/map-go/internal/metrics"
	"greencoins/map-go/internal/realtime"
	"greencoins/map-go/internal/reports"
	"greencoins/map-go/internal/scene"
)

// Deps wires the map pipeline into the HTTP layer. Zero values fall back to
// package defaults; a nil Fetcher makes report endpoints answer db_unavailable.
type Deps struct {
	Fetcher  livemap.Fetcher
	Feed     realtime.Feed
	Metrics  *metrics.Metrics
	Manager  livemap.ManagerOptions
	Renderer livemap.RendererOptions
	Scene    scene.Options
	Sessions SessionOptions

	RequestTimeout time.Duration
	// HeatConcurrency bounds heat.png rasters rendered at once. Zero means 2.
	HeatConcurrency int
}

type Handler struct {
	log      zerolog.Logger
	pool     *db.Pool
	fetcher  livemap.Fetcher
	metrics  *metrics.Metrics
	sessions *Sessions
	timeout  time.Duration
	heatSem  *semaphore.Weighted
}

func NewHandler(log zerolog.Logger, pool *db.Pool, deps Deps) (*Handler, error) {
	renderer, err := livemap.NewRenderer(log, deps.Renderer, deps.Metrics)
	if err != nil {
		return nil, err
	}
	sceneOpts := deps.Scene
	if sceneOpts == (scene.Options{}) {
		sceneOpts = scene.DefaultOptions()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	heatSlots := deps.HeatConcurrency
	if heatSlots <= 0 {
		heatSlots = 2
	}
	return &Handler{
		log:      log,
		pool:     pool,
		fetcher:  deps.Fetcher,
		metrics:  deps.Metrics,
		sessions: NewSessions(log, deps.Fetcher, deps.Feed, deps.Manager, renderer, sceneOpts, deps.Sessions, deps.Metrics),
		timeout:  timeout,
		heatSem:  semaphore.NewWeighted(int64(heatSlots)),
	}, nil
}

// Sessions exposes the live session registry so the server can close it on
// shutdown.
func (h *Handler) Sessions() *Sessions { return h.sessions }

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)
	r.Use(h.observe)

	timeout := middleware.Timeout(h.timeout)

	// Health
	r.Group(func(r chi.Router) {
		r.Use(timeout)
		r.Get("/healthz", h.handleHealthz)
		r.Get("/readyz", h.handleReadyZ)
		if h.metrics != nil {
			r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
		}
	})

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.With(timeout).Get("/reports/geotagged", h.handleListGeotagged)

			r.Route("/map/sessions", func(r chi.Router) {
				r.With(timeout).Post("/", h.handleCreateSession)
				r.Route("/{id}", func(r chi.Router) {
					// Websocket streams outlive any request timeout.
					r.Get("/stream", h.handleSessionStream)

					r.Group(func(r chi.Router) {
						r.Use(timeout)
						r.Get("/", h.handleGetSession)
						r.Delete("/", h.handleDeleteSession)
						r.Put("/viewport", h.handleSetViewport)
						r.Post("/refresh", h.handleRefreshSession)
						r.Get("/heat.png", h.handleSessionHeat)
					})
				})
			})
		})
	})

	return r
}

func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

// observe records request metrics by route pattern so session ids do not
// explode label cardinality.
func (h *Handler) observe(next http.Handler) http.Handler {
	if h.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveHTTPRequest(r.Method, pattern, status, time.Since(start))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

// decodeJSONStrict rejects unknown fields and trailing data. An empty body
// leaves dst untouched when allowEmpty is set.
func decodeJSONStrict(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return
	}

	if err := h.pool.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type reportList struct {
	Reports []reports.Report `json:"reports"`
	Count   int              `json:"count"`
}

func (h *Handler) handleListGeotagged(w http.ResponseWriter, r *http.Request) {
	if h.fetcher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not configured", nil)
		return
	}

	list, err := h.fetcher.Fetch(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list geotagged reports failed")
		msg := "failed to load reports"
		var fe *reports.FetchError
		if errors.As(err, &fe) {
			msg = fe.Message
		}
		h.writeError(w, http.StatusBadGateway, "fetch_failed", msg, nil)
		return
	}

	h.writeJSON(w, http.StatusOK, reportList{Reports: list, Count: len(list)})
}
