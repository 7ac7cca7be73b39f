// Package geometry provides the normalized 2D value types shared by frame
// registration and the frame stores. All coordinates are fractions of the
// full camera image: x grows to the right, y grows downward, and a value of
// 1.0 spans the whole image along that axis.
package geometry

// Point is a normalized position within the image.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Offset is a normalized displacement between two points.
type Offset struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Size is a normalized width/height pair.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is a rectangle described by its top-left corner and its size.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the center point of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Inside reports whether the rectangle lies completely within the image.
func (r Rect) Inside() bool {
	return r.X >= 0 && r.Y >= 0 && r.X+r.Width <= 1 && r.Y+r.Height <= 1
}

// RectEdges is a rectangle described by its four edges.
type RectEdges struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

// Center returns the center point of the edge rectangle.
func (e RectEdges) Center() Point {
	return Point{X: (e.Left + e.Right) / 2, Y: (e.Top + e.Bottom) / 2}
}

// PerforationLocation describes one perforation hole by its edges.
// The perforation is expected on the left-hand side of the image, so the
// inner edge (towards the frame) is to the right of the outer edge.
type PerforationLocation struct {
	TopEdge    float64 `json:"top_edge"`
	BottomEdge float64 `json:"bottom_edge"`
	InnerEdge  float64 `json:"inner_edge"`
	OuterEdge  float64 `json:"outer_edge"`
}

// Reference returns the registration reference point: the middle of the
// inner edge. Film specifications place the camera frame relative to it.
func (p PerforationLocation) Reference() Point {
	return Point{X: p.InnerEdge, Y: (p.TopEdge + p.BottomEdge) / 2}
}

// Center returns the center of the perforation hole.
func (p PerforationLocation) Center() Point {
	return Point{X: (p.InnerEdge + p.OuterEdge) / 2, Y: (p.TopEdge + p.BottomEdge) / 2}
}

// Width returns the horizontal extent of the hole.
func (p PerforationLocation) Width() float64 { return p.InnerEdge - p.OuterEdge }

// Height returns the vertical extent of the hole.
func (p PerforationLocation) Height() float64 { return p.BottomEdge - p.TopEdge }

// Rect returns the perforation hole as a rectangle.
func (p PerforationLocation) Rect() Rect {
	return Rect{X: p.OuterEdge, Y: p.TopEdge, Width: p.Width(), Height: p.Height()}
}

// ScanArea is the image region holding one film frame, anchored to a
// reference perforation hole. Keeping the anchor rather than an absolute
// rectangle lets the area follow the perforation as the film drifts.
type ScanArea struct {
	// PerfRef is the perforation this area is referenced to.
	PerfRef PerforationLocation `json:"perf_ref"`
	// RefDelta is the offset from the reference point to the top-left corner.
	RefDelta Offset `json:"ref_delta"`
	// Size is the extent of the scan area.
	Size Size `json:"size"`
}

// Rect converts the scan area to a rectangle relative to the full image.
func (a ScanArea) Rect() Rect {
	return Rect{
		X:      a.PerfRef.Reference().X + a.RefDelta.DX,
		Y:      a.PerfRef.Reference().Y + a.RefDelta.DY,
		Width:  a.Size.Width,
		Height: a.Size.Height,
	}
}

// Edges returns the four edges of the scan area relative to the full image.
func (a ScanArea) Edges() RectEdges {
	r := a.Rect()
	return RectEdges{Top: r.Y, Bottom: r.Y + r.Height, Left: r.X, Right: r.X + r.Width}
}

// Valid reports whether the scan area lies completely within the image.
func (a ScanArea) Valid() bool {
	return a.Rect().Inside()
}

// Clamp restricts v to the range [min, max].
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
