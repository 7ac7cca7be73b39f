package geometry

import (
	"math"
	"testing"
)

const tolerance = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < tolerance
}

func TestRect_Center(t *testing.T) {
	r := Rect{X: 0.2, Y: 0.4, Width: 0.4, Height: 0.2}
	c := r.Center()
	if !almostEqual(c.X, 0.4) || !almostEqual(c.Y, 0.5) {
		t.Errorf("center: got (%v,%v), want (0.4,0.5)", c.X, c.Y)
	}
}

func TestRect_Inside(t *testing.T) {
	tests := []struct {
		name string
		rect Rect
		want bool
	}{
		{"fully inside", Rect{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5}, true},
		{"touching edges", Rect{X: 0, Y: 0, Width: 1, Height: 1}, true},
		{"past right edge", Rect{X: 0.8, Y: 0.1, Width: 0.3, Height: 0.2}, false},
		{"negative origin", Rect{X: -0.1, Y: 0.1, Width: 0.2, Height: 0.2}, false},
		{"past bottom edge", Rect{X: 0.1, Y: 0.9, Width: 0.2, Height: 0.2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rect.Inside(); got != tt.want {
				t.Errorf("Inside() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPerforationLocation(t *testing.T) {
	p := PerforationLocation{TopEdge: 0.4, BottomEdge: 0.6, InnerEdge: 0.2, OuterEdge: 0.1}

	if !almostEqual(p.Width(), 0.1) {
		t.Errorf("Width = %v, want 0.1", p.Width())
	}
	if !almostEqual(p.Height(), 0.2) {
		t.Errorf("Height = %v, want 0.2", p.Height())
	}

	ref := p.Reference()
	if !almostEqual(ref.X, 0.2) || !almostEqual(ref.Y, 0.5) {
		t.Errorf("Reference = (%v,%v), want (0.2,0.5)", ref.X, ref.Y)
	}

	c := p.Center()
	if !almostEqual(c.X, 0.15) || !almostEqual(c.Y, 0.5) {
		t.Errorf("Center = (%v,%v), want (0.15,0.5)", c.X, c.Y)
	}

	r := p.Rect()
	if !almostEqual(r.X, 0.1) || !almostEqual(r.Y, 0.4) || !almostEqual(r.Width, 0.1) || !almostEqual(r.Height, 0.2) {
		t.Errorf("Rect = %+v", r)
	}
}

func TestScanArea_Rect(t *testing.T) {
	area := ScanArea{
		PerfRef:  PerforationLocation{TopEdge: 0.4, BottomEdge: 0.6, InnerEdge: 0.15, OuterEdge: 0.05},
		RefDelta: Offset{DX: 0.05, DY: -0.3},
		Size:     Size{Width: 0.7, Height: 0.6},
	}

	r := area.Rect()
	if !almostEqual(r.X, 0.2) || !almostEqual(r.Y, 0.2) {
		t.Errorf("Rect origin = (%v,%v), want (0.2,0.2)", r.X, r.Y)
	}
	if !area.Valid() {
		t.Error("expected area to be valid")
	}

	edges := area.Edges()
	if !almostEqual(edges.Right, 0.9) || !almostEqual(edges.Bottom, 0.8) {
		t.Errorf("Edges = %+v", edges)
	}
}

func TestScanArea_Invalid(t *testing.T) {
	area := ScanArea{
		PerfRef:  PerforationLocation{TopEdge: 0.8, BottomEdge: 0.95, InnerEdge: 0.15},
		RefDelta: Offset{DX: 0.05, DY: -0.1},
		Size:     Size{Width: 0.7, Height: 0.6},
	}
	// bottom of the area extends past the image
	if area.Valid() {
		t.Error("expected area to be invalid")
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(1.5, 0, 1); got != 1 {
		t.Errorf("Clamp(1.5,0,1) = %v", got)
	}
	if got := Clamp(-0.5, 0, 1); got != 0 {
		t.Errorf("Clamp(-0.5,0,1) = %v", got)
	}
	if got := Clamp(0.5, 0, 1); got != 0.5 {
		t.Errorf("Clamp(0.5,0,1) = %v", got)
	}
}
