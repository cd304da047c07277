// Package geo holds the small amount of planar and spherical math the map
// pipeline needs: coordinates, bounding boxes and Web Mercator projection.
package geo

import (
	"math"
)

const (
	// TileSize is the pixel edge of one map tile at zoom 0.
	TileSize = 256

	// MaxMercatorLat is the latitude at which Web Mercator is clipped.
	MaxMercatorLat = 85.0511287798
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is finite and inside the WGS84 range.
func (p LatLng) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Equal compares two coordinates within eps degrees.
func (p LatLng) Equal(o LatLng, eps float64) bool {
	return math.Abs(p.Lat-o.Lat) <= eps && math.Abs(p.Lng-o.Lng) <= eps
}

type Bounds struct {
	SouthWest LatLng `json:"south_west"`
	NorthEast LatLng `json:"north_east"`
}

// BoundsOf returns the minimal box covering points. ok is false for an empty slice.
func BoundsOf(points []LatLng) (b Bounds, ok bool) {
	for i, p := range points {
		if i == 0 {
			b = Bounds{SouthWest: p, NorthEast: p}
			continue
		}
		b = b.Extend(p)
	}
	return b, len(points) > 0
}

func (b Bounds) Extend(p LatLng) Bounds {
	b.SouthWest.Lat = math.Min(b.SouthWest.Lat, p.Lat)
	b.SouthWest.Lng = math.Min(b.SouthWest.Lng, p.Lng)
	b.NorthEast.Lat = math.Max(b.NorthEast.Lat, p.Lat)
	b.NorthEast.Lng = math.Max(b.NorthEast.Lng, p.Lng)
	return b
}

// Pad grows the box by ratio of its span on every side.
func (b Bounds) Pad(ratio float64) Bounds {
	dLat := math.Abs(b.NorthEast.Lat-b.SouthWest.Lat) * ratio
	dLng := math.Abs(b.NorthEast.Lng-b.SouthWest.Lng) * ratio
	return Bounds{
		SouthWest: LatLng{Lat: b.SouthWest.Lat - dLat, Lng: b.SouthWest.Lng - dLng},
		NorthEast: LatLng{Lat: b.NorthEast.Lat + dLat, Lng: b.NorthEast.Lng + dLng},
	}
}

func (b Bounds) Contains(p LatLng) bool {
	return p.Lat >= b.SouthWest.Lat && p.Lat <= b.NorthEast.Lat &&
		p.Lng >= b.SouthWest.Lng && p.Lng <= b.NorthEast.Lng
}

// Degenerate reports whether the box has zero area in both dimensions.
func (b Bounds) Degenerate() bool {
	return b.NorthEast.Lat == b.SouthWest.Lat && b.NorthEast.Lng == b.SouthWest.Lng
}

func (b Bounds) Center() LatLng {
	return LatLng{
		Lat: (b.SouthWest.Lat + b.NorthEast.Lat) / 2,
		Lng: (b.SouthWest.Lng + b.NorthEast.Lng) / 2,
	}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func scale(zoom float64) float64 {
	return TileSize * math.Pow(2, zoom)
}

// Project converts a coordinate to absolute Web Mercator pixel space at zoom.
func Project(p LatLng, zoom float64) Point {
	lat := math.Max(-MaxMercatorLat, math.Min(MaxMercatorLat, p.Lat))
	s := scale(zoom)
	sin := math.Sin(lat * math.Pi / 180)
	return Point{
		X: s * (p.Lng + 180) / 360,
		Y: s * (0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)),
	}
}

// Unproject is the inverse of Project.
func Unproject(pt Point, zoom float64) LatLng {
	s := scale(zoom)
	lng := pt.X/s*360 - 180
	n := math.Pi - 2*math.Pi*pt.Y/s
	lat := 180 / math.Pi * math.Atan(math.Sinh(n))
	return LatLng{Lat: lat, Lng: lng}
}

// BoundsZoom returns the largest integer zoom in [minZoom, maxZoom] at which b
// fits inside a width x height pixel container.
func BoundsZoom(b Bounds, width, height int, minZoom, maxZoom float64) float64 {
	if width <= 0 || height <= 0 {
		return minZoom
	}
	sw := Project(LatLng{Lat: b.SouthWest.Lat, Lng: b.SouthWest.Lng}, 0)
	ne := Project(LatLng{Lat: b.NorthEast.Lat, Lng: b.NorthEast.Lng}, 0)
	dx := math.Abs(ne.X - sw.X)
	dy := math.Abs(sw.Y - ne.Y)

	sx, sy := math.Inf(1), math.Inf(1)
	if dx > 0 {
		sx = float64(width) / dx
	}
	if dy > 0 {
		sy = float64(height) / dy
	}
	z := math.Floor(math.Log2(math.Min(sx, sy)))
	if math.IsInf(z, 1) || z > maxZoom {
		return maxZoom
	}
	if z < minZoom {
		return minZoom
	}
	return z
}

// ViewBounds returns the geographic box visible in a width x height container
// centred on center at zoom.
func ViewBounds(center LatLng, zoom float64, width, height int) Bounds {
	c := Project(center, zoom)
	halfW, halfH := float64(width)/2, float64(height)/2
	nw := Unproject(Point{X: c.X - halfW, Y: c.Y - halfH}, zoom)
	se := Unproject(Point{X: c.X + halfW, Y: c.Y + halfH}, zoom)
	return Bounds{
		SouthWest: LatLng{Lat: se.Lat, Lng: nw.Lng},
		NorthEast: LatLng{Lat: nw.Lat, Lng: se.Lng},
	}
}
