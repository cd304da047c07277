package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"greencoins/map-go/internal/config"
	"greencoins/map-go/internal/db"
	"greencoins/map-go/internal/httpapi"
	"greencoins/map-go/internal/metrics"
	"greencoins/map-go/internal/realtime"
	"greencoins/map-go/internal/reports"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := httpapi.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	deps := httpapi.Deps{
		Metrics:  m,
		Manager:  cfg.ManagerOptions(),
		Renderer: cfg.RendererOptions(),
		Scene:    cfg.SceneOptions(),
		Sessions: httpapi.SessionOptions{
			RefreshInterval: cfg.Map.RefreshInterval,
			RefreshRate:     cfg.HTTP.RefreshRate,
			RefreshBurst:    cfg.HTTP.RefreshBurst,
			MaxSessions:     cfg.HTTP.MaxSessions,
		},
		RequestTimeout: cfg.HTTP.RequestTimeout,
	}

	var pool *db.Pool
	var listener *realtime.Listener
	if cfg.DatabaseURL != "" {
		p, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database")
			return err
		}
		defer p.Close()
		pool = p
		deps.Fetcher = reports.NewFetcher(logger, pool.Queries(), cfg.Reports.Limit, m)

		if cfg.Realtime.Enabled {
			listener = realtime.NewListener(logger, func(ctx context.Context, channel string) (realtime.Conn, error) {
				l, err := pool.Listen(ctx, channel)
				if err != nil {
					return nil, err
				}
				return l, nil
			}, cfg.ListenerOptions(), m)
			deps.Feed = listener
		}
	} else {
		logger.Warn().Msg("DATABASE_URL not set; report endpoints will answer db_unavailable")
	}

	h, err := httpapi.NewHandler(logger, pool, deps)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("map-go listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if listener != nil {
		g.Go(func() error {
			listener.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Close sessions first so websocket streams end before Shutdown waits on them.
		h.Sessions().Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
