// Package registration locates the film frame within a captured image.
//
// The perforation hole is detected in-image, independently of the
// mechanical edge sensor, and the frame window is derived from it using
// the film format dimensions. A weak result never fails the scan; it is
// returned unregistered and left for operator review.
package registration

import (
	"context"
	"image"

	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/geometry"
)

// Transform is the alignment correction to apply to a raw frame.
type Transform struct {
	// Crop is the normalized frame window within the image.
	Crop geometry.Rect `json:"crop"`
	// Rotation is the estimated film skew in degrees, positive
	// clockwise. Derived from the slope of the perforation inner edge.
	Rotation float64 `json:"rotation"`
}

// Result is the outcome of registering one frame.
type Result struct {
	// Registered is true when the perforation was located with
	// confidence at or above the configured threshold.
	Registered bool `json:"registered"`

	// Blank is true when the image has no detectable content,
	// which usually means the reel ran out.
	Blank bool `json:"blank"`

	Confidence  float64                      `json:"confidence"`
	Perforation geometry.PerforationLocation `json:"perforation"`
	Area        geometry.ScanArea            `json:"area"`
	Transform   Transform                    `json:"transform"`

	// Shift is the recommended film advance correction as a fraction
	// of one frame. Negative means shorter advances, positive longer.
	Shift float64 `json:"shift"`
}

// Registrar is the capability contract the scan coordinator holds for
// frame registration.
type Registrar interface {
	Register(ctx context.Context, img image.Image) (Result, error)
}

// Config tunes the area registrar.
type Config struct {
	// Film selects the dimension table used to derive the frame
	// window from the perforation.
	Film filmspec.Key

	// ConfidenceThreshold is the minimum confidence for a result to
	// count as registered.
	ConfidenceThreshold float64

	// AnalysisWidth is the width the image is downscaled to before
	// analysis. Edge positions are normalized, so a few hundred
	// pixels are plenty.
	AnalysisWidth int

	// BlankStdDev is the maximum grey-level standard deviation, in
	// 0..1, below which an image counts as blank.
	BlankStdDev float64
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.AnalysisWidth <= 0 {
		c.AnalysisWidth = 512
	}
	if c.BlankStdDev <= 0 {
		c.BlankStdDev = 10.0 / 255.0
	}
	return c
}
