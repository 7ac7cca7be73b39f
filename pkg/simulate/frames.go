// Package simulate provides software doubles for the scanner hardware:
// a film transport with a perforation sensor and a camera that renders
// synthetic film frames. The daemon runs on them in -sim mode and the
// coordinator tests drive them directly.
package simulate

import (
	"image"
	"image/color"
	"math"

	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/geometry"
)

// FrameOptions controls the rendered film image.
type FrameOptions struct {
	// CenterY is the normalized vertical position of the reference
	// perforation center. Zero means image middle.
	CenterY float64

	// Blank renders bare film stock with no holes and no content,
	// as after the reel end has passed the gate.
	Blank bool

	// TornTop stretches the hole upward, simulating a torn edge.
	TornTop bool

	// Backlight and Stock are the grey levels of the light seen
	// through a hole and of the film stock. Zero selects defaults.
	Backlight uint8
	Stock     uint8
}

func (o FrameOptions) withDefaults() FrameOptions {
	if o.CenterY == 0 {
		o.CenterY = 0.5
	}
	if o.Backlight == 0 {
		o.Backlight = 235
	}
	if o.Stock == 0 {
		o.Stock = 40
	}
	return o
}

// RenderFrame draws one synthetic film image of the given format and
// returns it together with the normalized location of the reference
// perforation. The perforation column sits at the left edge and holes
// repeat with the frame pitch above and below the reference.
func RenderFrame(film filmspec.Key, w, h int, opt FrameOptions) (*image.RGBA, geometry.PerforationLocation, error) {
	spec, err := filmspec.Get(film)
	if err != nil {
		return nil, geometry.PerforationLocation{}, err
	}
	opt = opt.withDefaults()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill(img, img.Bounds(), opt.Stock)

	if opt.Blank {
		return img, geometry.PerforationLocation{}, nil
	}

	// scale so one and a half frame heights fill the image vertically
	scale := float64(h) / (spec.FrameSize.H * 1.5)

	perfW := spec.PerforationSize.W * scale
	perfH := spec.PerforationSize.H * scale
	pitch := spec.FrameSize.H * scale

	outerX := float64(w) / 50 // small stock margin at the left
	centerY := opt.CenterY * float64(h)

	// reference hole plus its neighbours up and down the strip
	for i := -3; i <= 3; i++ {
		cy := centerY + float64(i)*pitch
		top := cy - perfH/2
		bottom := cy + perfH/2
		if i == 0 && opt.TornTop {
			top -= perfH / 3
		}
		fill(img, image.Rect(
			int(outerX), int(top),
			int(outerX+perfW), int(bottom)),
			opt.Backlight)
	}

	// picture content: a diagonal gradient inside the camera frame
	refX := outerX + perfW
	frameX := refX + spec.CameraFramePos.X*scale
	frameY := centerY + spec.CameraFramePos.Y*scale
	frameW := spec.CameraFrameSize.W * scale
	frameH := spec.CameraFrameSize.H * scale
	gradient(img, image.Rect(int(frameX), int(frameY), int(frameX+frameW), int(frameY+frameH)))

	top := centerY - perfH/2
	if opt.TornTop {
		top -= perfH / 3
	}
	perf := geometry.PerforationLocation{
		TopEdge:    top / float64(h),
		BottomEdge: (centerY + perfH/2) / float64(h),
		InnerEdge:  (outerX + perfW) / float64(w),
		OuterEdge:  outerX / float64(w),
	}
	return img, perf, nil
}

func fill(img *image.RGBA, r image.Rectangle, level uint8) {
	r = r.Intersect(img.Bounds())
	c := color.RGBA{level, level, level, 255}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func gradient(img *image.RGBA, r image.Rectangle) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	span := float64(r.Dx() + r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			v := 60 + 120*float64(x-r.Min.X+y-r.Min.Y)/span
			level := uint8(math.Min(v, 255))
			img.SetRGBA(x, y, color.RGBA{level, level / 2, level / 3, 255})
		}
	}
}
