// Package config loads service configuration from an optional YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"greencoins/map-go/internal/geo"
	"greencoins/map-go/internal/livemap"
	"greencoins/map-go/internal/realtime"
	"greencoins/map-go/internal/reports"
	"greencoins/map-go/internal/scene"
)

// EnvPath names the variable holding the config file path.
const EnvPath = "MAP_CONFIG"

type Config struct {
	HTTPAddr    string         `yaml:"http_addr"`
	LogLevel    string         `yaml:"log_level"`
	DatabaseURL string         `yaml:"database_url"`
	Reports     ReportsConfig  `yaml:"reports"`
	Map         MapConfig      `yaml:"map"`
	Realtime    RealtimeConfig `yaml:"realtime"`
	HTTP        HTTPConfig     `yaml:"http"`
}

type ReportsConfig struct {
	Limit int `yaml:"limit"`
}

type MapConfig struct {
	Tiles           livemap.TileLayerOptions `yaml:"tiles"`
	DefaultView     ViewConfig               `yaml:"default_view"`
	Retry           livemap.RetryPolicy      `yaml:"retry"`
	Weights         livemap.Weights          `yaml:"weights"`
	Heat            livemap.HeatOptions      `yaml:"heat"`
	DensityLayer    bool                     `yaml:"density_layer"`
	MarkerRadius    float64                  `yaml:"marker_radius"`
	BoundsPadding   float64                  `yaml:"bounds_padding"`
	SingleZoom      float64                  `yaml:"single_zoom"`
	MaxZoom         float64                  `yaml:"max_zoom"`
	RefreshInterval time.Duration            `yaml:"refresh_interval"`
}

type ViewConfig struct {
	Lat  float64 `yaml:"lat"`
	Lng  float64 `yaml:"lng"`
	Zoom float64 `yaml:"zoom"`
}

type RealtimeConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Channel     string        `yaml:"channel"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

type HTTPConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RefreshRate is the sustained manual refresh rate per session, per second.
	RefreshRate  float64 `yaml:"refresh_rate"`
	RefreshBurst int     `yaml:"refresh_burst"`
	MaxSessions  int     `yaml:"max_sessions"`
}

func Default() *Config {
	view := livemap.DefaultView()
	r := livemap.DefaultRendererOptions()
	return &Config{
		HTTPAddr: ":8082",
		LogLevel: "info",
		Reports:  ReportsConfig{Limit: reports.DefaultLimit},
		Map: MapConfig{
			Tiles:         livemap.DefaultTiles(),
			DefaultView:   ViewConfig{Lat: view.Center.Lat, Lng: view.Center.Lng, Zoom: view.Zoom},
			Retry:         livemap.DefaultRetryPolicy(),
			Weights:       r.Weights,
			Heat:          r.Heat,
			DensityLayer:  true,
			MarkerRadius:  r.MarkerRadius,
			BoundsPadding: r.BoundsPadding,
			SingleZoom:    r.SingleZoom,
			MaxZoom:       scene.DefaultOptions().MaxZoom,
		},
		Realtime: RealtimeConfig{
			Enabled:     true,
			Channel:     realtime.Channel,
			BaseBackoff: 400 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			RequestTimeout: 15 * time.Second,
			RefreshRate:    1,
			RefreshBurst:   3,
			MaxSessions:    256,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty or missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		c.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TILE_URL")); v != "" {
		c.Map.Tiles.URLTemplate = v
	}
	if v := strings.TrimSpace(os.Getenv("REPORT_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REPORT_LIMIT: %w", err)
		}
		c.Reports.Limit = n
	}
	if v := strings.TrimSpace(os.Getenv("MAP_REFRESH_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MAP_REFRESH_INTERVAL: %w", err)
		}
		c.Map.RefreshInterval = d
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.Reports.Limit < 1 || c.Reports.Limit > reports.MaxLimit {
		errs = append(errs, fmt.Errorf("reports.limit must be in [1, %d], got %d", reports.MaxLimit, c.Reports.Limit))
	}
	if err := c.Map.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := scene.HeatOptions(c.Map.Heat); err != nil {
		errs = append(errs, fmt.Errorf("map.heat: %w", err))
	}
	if c.Map.RefreshInterval < 0 {
		errs = append(errs, errors.New("map.refresh_interval must not be negative"))
	}
	if c.Map.Tiles.URLTemplate == "" {
		errs = append(errs, errors.New("map.tiles.url_template is required"))
	}
	if c.HTTP.RefreshRate <= 0 || c.HTTP.RefreshBurst < 1 {
		errs = append(errs, errors.New("http.refresh_rate and http.refresh_burst must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) ManagerOptions() livemap.ManagerOptions {
	return livemap.ManagerOptions{
		Tiles: c.Map.Tiles,
		DefaultView: livemap.View{
			Center: geoLatLng(c.Map.DefaultView),
			Zoom:   c.Map.DefaultView.Zoom,
		},
		Retry: c.Map.Retry,
	}
}

func (c *Config) RendererOptions() livemap.RendererOptions {
	return livemap.RendererOptions{
		Weights:       c.Map.Weights,
		Heat:          c.Map.Heat,
		MarkerRadius:  c.Map.MarkerRadius,
		BoundsPadding: c.Map.BoundsPadding,
		SingleZoom:    c.Map.SingleZoom,
	}
}

func (c *Config) SceneOptions() scene.Options {
	return scene.Options{DensityLayer: c.Map.DensityLayer, MaxZoom: c.Map.MaxZoom}
}

func (c *Config) ListenerOptions() realtime.ListenerOptions {
	return realtime.ListenerOptions{Channel: c.Realtime.Channel, BaseBackoff: c.Realtime.BaseBackoff}
}

func geoLatLng(v ViewConfig) geo.LatLng {
	return geo.LatLng{Lat: v.Lat, Lng: v.Lng}
}
