package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/innot/tofisca/internal/log"
)

// V4L captures frames from a video4linux device through OpenCV.
// Exclusive hardware: Capture is serialized by a mutex and never
// re-entrant.
type V4L struct {
	mu       sync.Mutex
	dev      *gocv.VideoCapture
	device   string
	controls Controls
	locked   bool
}

var _ Capture = (*V4L)(nil)

// OpenV4L opens the device and applies the resolution from ctrl.
// Exposure stays unlocked until Lock is called.
func OpenV4L(device string, ctrl Controls) (*V4L, error) {
	if err := ctrl.Validate(); err != nil {
		return nil, err
	}
	dev, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("camera: open %s: %w", device, err)
	}
	dev.Set(gocv.VideoCaptureFrameWidth, float64(ctrl.Width))
	dev.Set(gocv.VideoCaptureFrameHeight, float64(ctrl.Height))

	v := &V4L{dev: dev, device: device, controls: ctrl}
	v.applyTuning()
	log.Info("camera opened", "device", device, "width", ctrl.Width, "height", ctrl.Height)
	return v, nil
}

func (v *V4L) applyTuning() {
	v.dev.Set(gocv.VideoCaptureBrightness, v.controls.Brightness)
	v.dev.Set(gocv.VideoCaptureContrast, v.controls.Contrast)
	v.dev.Set(gocv.VideoCaptureSaturation, v.controls.Saturation)
	v.dev.Set(gocv.VideoCaptureSharpness, v.controls.Sharpness)
	if !v.controls.AutoWhiteBalance {
		v.dev.Set(gocv.VideoCaptureAutoWB, 0)
		v.dev.Set(gocv.VideoCaptureWBTemperature, float64(v.controls.ColourTemperature))
	}
}

// Lock pins exposure and gain to the configured manual values for the
// duration of a session. Must be called before the first Capture of a
// scan; a second call is a no-op.
func (v *V4L) Lock() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.locked {
		return nil
	}
	if !v.controls.Locked() {
		return fmt.Errorf("camera: controls do not pin exposure (auto_exposure=%v exposure_time=%d)",
			v.controls.AutoExposure, v.controls.ExposureTime)
	}
	// V4L maps 1 to manual mode and 3 to aperture-priority auto.
	v.dev.Set(gocv.VideoCaptureAutoExposure, 1)
	v.dev.Set(gocv.VideoCaptureExposure, float64(v.controls.ExposureTime))
	v.dev.Set(gocv.VideoCaptureGain, v.controls.AnalogueGain)
	v.locked = true
	log.Info("camera exposure locked",
		"exposure_us", v.controls.ExposureTime,
		"gain", v.controls.AnalogueGain)
	return nil
}

// Capture triggers one exposure. The grab runs in a helper goroutine
// so the deadline on ctx bounds the wait even when the device stalls.
func (v *V4L) Capture(ctx context.Context) (*Frame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	type grab struct {
		frame *Frame
		err   error
	}
	ch := make(chan grab, 1)
	go func() {
		f, err := v.grab()
		ch <- grab{f, err}
	}()

	select {
	case g := <-ch:
		return g.frame, g.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCapture, ctx.Err())
	}
}

func (v *V4L) grab() (*Frame, error) {
	mat := gocv.NewMat()
	defer mat.Close()

	if ok := v.dev.Read(&mat); !ok || mat.Empty() {
		return nil, fmt.Errorf("%w: no frame from %s", ErrCapture, v.device)
	}
	capturedAt := time.Now()

	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCapture, err)
	}
	buf, err := gocv.IMEncode(gocv.PNGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrCapture, err)
	}
	defer buf.Close()

	raw := make([]byte, buf.Len())
	copy(raw, buf.GetBytes())

	return &Frame{
		Image:      img,
		Raw:        raw,
		Format:     "png",
		Width:      mat.Cols(),
		Height:     mat.Rows(),
		CapturedAt: capturedAt,
	}, nil
}

// Close releases the device.
func (v *V4L) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dev.Close()
}
