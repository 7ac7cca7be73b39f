// Package camera defines the capture contract for the scanning camera
// and the V4L adapter implementing it.
package camera

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrCapture indicates a camera I/O fault while grabbing a frame.
// The coordinator retries capture in place, bounded by its retry limit.
var ErrCapture = errors.New("camera: capture failed")

// Frame is one exposed film frame straight off the sensor.
type Frame struct {
	// Image is the decoded pixel data used by registration.
	Image image.Image

	// Raw is the encoded sensor output as delivered by the device,
	// stored alongside the registration result.
	Raw []byte

	// Format names the encoding of Raw, e.g. "png".
	Format string

	Width  int
	Height int

	CapturedAt time.Time
}

// Capture is the capability contract the coordinator holds for the
// camera. Exposure and gain must be locked for the duration of a
// session before the first Capture call; implementations expose their
// own locking entry point since the mechanism is device-specific.
type Capture interface {
	// Capture triggers an exposure and returns the frame. It must
	// honor ctx cancellation and never block past its deadline.
	Capture(ctx context.Context) (*Frame, error)
}
