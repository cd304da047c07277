package geo

import (
	"math"
	"testing"
)

func TestLatLngValid(t *testing.T) {
	cases := []struct {
		p    LatLng
		want bool
	}{
		{LatLng{28.61, 77.21}, true},
		{LatLng{90, 180}, true},
		{LatLng{-90, -180}, true},
		{LatLng{90.0001, 0}, false},
		{LatLng{0, -180.5}, false},
		{LatLng{math.NaN(), 0}, false},
		{LatLng{0, math.Inf(1)}, false},
	}
	for _, tc := range cases {
		if got := tc.p.Valid(); got != tc.want {
			t.Fatalf("Valid(%+v) = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestBoundsOf_PadCoversPoints(t *testing.T) {
	pts := []LatLng{{28.61, 77.21}, {28.62, 77.22}}
	b, ok := BoundsOf(pts)
	if !ok {
		t.Fatalf("expected bounds for two points")
	}
	padded := b.Pad(0.1)
	for _, p := range pts {
		if !padded.Contains(p) {
			t.Fatalf("padded bounds %+v should contain %+v", padded, p)
		}
	}
	if !(padded.SouthWest.Lat < 28.61 && padded.NorthEast.Lng > 77.22) {
		t.Fatalf("expected nonzero padding, got %+v", padded)
	}
	if b.Degenerate() {
		t.Fatalf("two distinct points must not be degenerate")
	}
}

func TestBoundsOf_Empty(t *testing.T) {
	if _, ok := BoundsOf(nil); ok {
		t.Fatalf("expected ok=false for empty input")
	}
}

func TestBoundsZoom_FitsContainer(t *testing.T) {
	b := Bounds{SouthWest: LatLng{28.60, 77.20}, NorthEast: LatLng{28.63, 77.23}}
	z := BoundsZoom(b, 800, 600, 0, 18)
	view := ViewBounds(b.Center(), z, 800, 600)
	if !view.Contains(b.SouthWest) || !view.Contains(b.NorthEast) {
		t.Fatalf("zoom %v does not fit bounds %+v in view %+v", z, b, view)
	}
	tighter := ViewBounds(b.Center(), z+1, 800, 600)
	if tighter.Contains(b.SouthWest) && tighter.Contains(b.NorthEast) {
		t.Fatalf("zoom %v is not the largest fitting zoom", z)
	}
}

func TestBoundsZoom_DegenerateClampsToMax(t *testing.T) {
	p := LatLng{10, 10}
	if z := BoundsZoom(Bounds{SouthWest: p, NorthEast: p}, 400, 400, 0, 17); z != 17 {
		t.Fatalf("expected max zoom for zero-area bounds, got %v", z)
	}
	if z := BoundsZoom(Bounds{SouthWest: p, NorthEast: p}, 0, 400, 3, 17); z != 3 {
		t.Fatalf("expected min zoom for zero-width container, got %v", z)
	}
}

func TestProjectUnproject(t *testing.T) {
	p := LatLng{Lat: 28.6139, Lng: 77.209}
	got := Unproject(Project(p, 12), 12)
	if !got.Equal(p, 1e-9) {
		t.Fatalf("unproject(project(p)) = %+v, want %+v", got, p)
	}
}
