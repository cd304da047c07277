// Package heat rasterizes weighted points into a coloured density image the
// same way browser heatmap layers do: every point stamps a blurred disc into
// an alpha buffer, and the accumulated alpha is mapped through a gradient.
package heat

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
)

// Point is a weighted sample in destination pixel space.
type Point struct {
	X, Y   float64
	Weight float64
}

type Stop struct {
	At    float64
	Color color.NRGBA
}

type Options struct {
	Radius     float64
	Blur       float64
	MinOpacity float64
	// Max is the weight that saturates a single point. Zero means 1.
	Max      float64
	Gradient []Stop
	// Cell is the size in pixels of one density sample before upscaling.
	Cell int
}

func (o Options) withDefaults() Options {
	if o.Radius <= 0 {
		o.Radius = 25
	}
	if o.Blur < 0 {
		o.Blur = 0
	}
	if o.Max <= 0 {
		o.Max = 1
	}
	if o.Cell <= 0 {
		o.Cell = 4
	}
	if len(o.Gradient) == 0 {
		o.Gradient = DefaultGradient()
	}
	return o
}

// DefaultGradient runs blue, cyan, lime, yellow, red.
func DefaultGradient() []Stop {
	return []Stop{
		{At: 0.4, Color: color.NRGBA{0x00, 0x00, 0xff, 0xff}},
		{At: 0.6, Color: color.NRGBA{0x00, 0xff, 0xff, 0xff}},
		{At: 0.7, Color: color.NRGBA{0x00, 0xff, 0x00, 0xff}},
		{At: 0.8, Color: color.NRGBA{0xff, 0xff, 0x00, 0xff}},
		{At: 1.0, Color: color.NRGBA{0xff, 0x00, 0x00, 0xff}},
	}
}

// ParseHexColor parses #rgb and #rrggbb.
func ParseHexColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// Palette precomputes 256 gradient colours indexed by alpha.
type Palette [256]color.NRGBA

func NewPalette(stops []Stop) Palette {
	sorted := append([]Stop(nil), stops...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })

	var p Palette
	for i := range p {
		p[i] = sample(sorted, float64(i)/255)
	}
	return p
}

func sample(stops []Stop, t float64) color.NRGBA {
	if len(stops) == 0 {
		return color.NRGBA{}
	}
	if t <= stops[0].At {
		return stops[0].Color
	}
	for i := 1; i < len(stops); i++ {
		if t <= stops[i].At {
			a, b := stops[i-1], stops[i]
			f := (t - a.At) / (b.At - a.At)
			return color.NRGBA{
				R: lerp(a.Color.R, b.Color.R, f),
				G: lerp(a.Color.G, b.Color.G, f),
				B: lerp(a.Color.B, b.Color.B, f),
				A: 0xff,
			}
		}
	}
	return stops[len(stops)-1].Color
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*f))
}

// Grid is an accumulated alpha buffer in cell space.
type Grid struct {
	W, H  int
	Cell  int
	Alpha []float64
}

func (g *Grid) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= g.W || y >= g.H {
		return 0
	}
	return g.Alpha[y*g.W+x]
}

// Accumulate stamps every point into a grid covering width x height pixels.
// Stamps combine like source-over alpha compositing, so overlapping points
// grow denser without ever exceeding full opacity.
func Accumulate(width, height int, points []Point, opts Options) *Grid {
	opts = opts.withDefaults()
	g := &Grid{
		W:    ceilDiv(width, opts.Cell),
		H:    ceilDiv(height, opts.Cell),
		Cell: opts.Cell,
	}
	g.Alpha = make([]float64, g.W*g.H)

	reach := (opts.Radius + opts.Blur) / float64(opts.Cell)
	sigma := math.Max(reach/3, 0.5)
	span := int(math.Ceil(reach))

	for _, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) {
			continue
		}
		strength := math.Min(math.Max(p.Weight/opts.Max, opts.MinOpacity), 1)
		cx, cy := p.X/float64(opts.Cell), p.Y/float64(opts.Cell)
		x0, y0 := int(math.Floor(cx)), int(math.Floor(cy))
		for y := y0 - span; y <= y0+span; y++ {
			if y < 0 || y >= g.H {
				continue
			}
			for x := x0 - span; x <= x0+span; x++ {
				if x < 0 || x >= g.W {
					continue
				}
				dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
				d2 := dx*dx + dy*dy
				if d2 > reach*reach {
					continue
				}
				k := strength * math.Exp(-d2/(2*sigma*sigma))
				a := &g.Alpha[y*g.W+x]
				*a += k * (1 - *a)
			}
		}
	}
	return g
}

// Colorize maps grid alpha through the palette.
func (g *Grid) Colorize(p *Palette) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, g.W, g.H))
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			a := g.Alpha[y*g.W+x]
			if a <= 0 {
				continue
			}
			idx := int(math.Round(math.Min(a, 1) * 255))
			c := p[idx]
			c.A = uint8(idx)
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// Render produces a width x height density image of points.
func Render(width, height int, points []Point, opts Options) *image.NRGBA {
	opts = opts.withDefaults()
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	if width <= 0 || height <= 0 || len(points) == 0 {
		return dst
	}
	palette := NewPalette(opts.Gradient)
	small := Accumulate(width, height, points, opts).Colorize(&palette)

	// Cells are sampled at their centres, so the upscaled cell grid lines up
	// with destination pixels.
	src := small.Bounds()
	cover := image.Rect(0, 0, src.Dx()*opts.Cell, src.Dy()*opts.Cell)
	draw.BiLinear.Scale(dst, cover, small, src, draw.Src, nil)
	return dst
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
