package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"greencoins/map-go/internal/config"
	"greencoins/map-go/internal/db"
	"greencoins/map-go/internal/heat"
	"greencoins/map-go/internal/httpapi"
	"greencoins/map-go/internal/livemap"
	"greencoins/map-go/internal/reports"
	"greencoins/map-go/internal/scene"
)

type renderFlags struct {
	output  string
	input   string
	width   int
	height  int
	caption string
	timeout time.Duration
}

func newRenderCmd(load func() (*config.Config, error)) *cobra.Command {
	f := renderFlags{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the current report heatmap to a PNG file",
		Long: "Fetches the geotagged working set (from the database, or from a JSON file " +
			"shaped like GET /api/v1/reports/geotagged), lays it out on a headless map " +
			"and writes the density raster with a caption and legend.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return render(cmd.Context(), cfg, f)
		},
	}
	cmd.Flags().StringVarP(&f.output, "out", "o", "heatmap.png", "output PNG path")
	cmd.Flags().StringVar(&f.input, "input", "", "read reports from a JSON file instead of the database")
	cmd.Flags().IntVar(&f.width, "width", 1024, "image width in pixels")
	cmd.Flags().IntVar(&f.height, "height", 768, "image height in pixels")
	cmd.Flags().StringVar(&f.caption, "caption", "", "caption text (default: report count and time)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func render(parent context.Context, cfg *config.Config, f renderFlags) error {
	if f.width <= 0 || f.height <= 0 {
		return fmt.Errorf("width and height must be positive, got %dx%d", f.width, f.height)
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, f.timeout)
	defer cancel()

	logger := httpapi.NewConsoleLogger(os.Stderr, cfg.LogLevel)

	list, err := loadReports(ctx, logger, cfg, f.input)
	if err != nil {
		return err
	}

	var sc *scene.Scene
	factory := scene.NewFactory(cfg.SceneOptions(), func(s *scene.Scene) { sc = s })
	manager := livemap.NewManager(logger, factory, cfg.ManagerOptions(), nil)
	renderer, err := livemap.NewRenderer(logger, cfg.RendererOptions(), nil)
	if err != nil {
		return err
	}

	handle, err := manager.Initialize(ctx, scene.NewViewport(f.width, f.height))
	if err != nil {
		return err
	}
	defer func() { _ = manager.Teardown(handle) }()

	if err := renderer.Render(handle, list); err != nil {
		return err
	}
	if !handle.SupportsDensity() {
		logger.Warn().Msg("density layer disabled; output will only carry the caption and legend")
	}

	img, err := sc.HeatImage()
	if err != nil {
		return err
	}
	heatOpts, err := scene.HeatOptions(cfg.Map.Heat)
	if err != nil {
		return err
	}
	caption := f.caption
	if caption == "" {
		caption = fmt.Sprintf("%d reports - %s", len(list), time.Now().UTC().Format("2006-01-02 15:04 MST"))
	}
	stops := heatOpts.Gradient
	if len(stops) == 0 {
		stops = heat.DefaultGradient()
	}
	heat.Annotate(img, caption, stops)

	out, err := os.Create(f.output)
	if err != nil {
		return err
	}
	if err := heat.Encode(out, img); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	logger.Info().Str("path", f.output).Int("reports", len(list)).Msg("heatmap written")
	return nil
}

func loadReports(ctx context.Context, logger zerolog.Logger, cfg *config.Config, input string) ([]reports.Report, error) {
	if input != "" {
		return readReportsFile(input)
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL not set; pass --input to render from a file")
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	return reports.NewFetcher(logger, pool.Queries(), cfg.Reports.Limit, nil).Fetch(ctx)
}

// readReportsFile accepts either a bare array or the {"reports": [...]}
// envelope served by the API. Entries with unusable coordinates are dropped.
func readReportsFile(path string) ([]reports.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []reports.Report
	if err := json.Unmarshal(data, &list); err != nil {
		var env struct {
			Reports []reports.Report `json:"reports"`
		}
		if err2 := json.Unmarshal(data, &env); err2 != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		list = env.Reports
	}
	out := make([]reports.Report, 0, len(list))
	for _, r := range list {
		if !r.LatLng().Valid() {
			continue
		}
		r.Status = reports.ParseStatus(string(r.Status))
		r.Priority = reports.ParsePriority(string(r.Priority))
		out = append(out, r)
	}
	return out, nil
}
