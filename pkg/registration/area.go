package registration

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"

	"github.com/innot/tofisca/internal/log"
	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/geometry"
)

var (
	// ErrNotCalibrated means Register was called before a reference
	// perforation was established via Autodetect or ManualDetect.
	ErrNotCalibrated = errors.New("registration: no reference perforation, run detection first")

	// ErrPerforationNotFound means no perforation-shaped region exists
	// in the image during calibration.
	ErrPerforationNotFound = errors.New("registration: no perforation found")

	// ErrOutOfImage means a perforation was found but the frame window
	// derived from it falls partially outside the image.
	ErrOutOfImage = errors.New("registration: frame window outside image")
)

// thresholdLevels holds the measured grey levels of the backlight seen
// through a perforation hole and of the surrounding film stock. The
// edge search thresholds on their midpoint.
type thresholdLevels struct {
	perforation float64
	filmstock   float64
	set         bool
}

func (t thresholdLevels) average() float64 {
	return (t.perforation + t.filmstock) / 2
}

// AreaRegistrar locates the frame window by tracking the perforation
// hole from image to image. The perforation must be on the left-hand
// side. Calibrate once with Autodetect or ManualDetect, then call
// Register per captured frame.
type AreaRegistrar struct {
	cfg  Config
	spec filmspec.Spec

	mu      sync.Mutex
	levels  thresholdLevels
	refPerf *geometry.PerforationLocation
	area    *geometry.ScanArea
}

var _ Registrar = (*AreaRegistrar)(nil)

func NewAreaRegistrar(cfg Config) (*AreaRegistrar, error) {
	cfg = cfg.withDefaults()
	spec, err := filmspec.Get(cfg.Film)
	if err != nil {
		return nil, err
	}
	return &AreaRegistrar{cfg: cfg, spec: spec}, nil
}

// Area returns the current frame window, if calibrated.
func (r *AreaRegistrar) Area() (geometry.ScanArea, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.area == nil {
		return geometry.ScanArea{}, false
	}
	return *r.area, true
}

// SetArea replaces the frame window, e.g. after the operator adjusted
// the region of interest. The reference perforation is taken from it.
func (r *AreaRegistrar) SetArea(area geometry.ScanArea) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perf := area.PerfRef
	r.area = &area
	r.refPerf = &perf
}

// Autodetect calibrates from an image containing at least one complete
// perforation hole whose derived frame window fits inside the image.
// Bright regions with the aspect ratio of a perforation are candidates;
// the one whose frame window sits closest to the image center wins.
func (r *AreaRegistrar) Autodetect(img image.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refPerf = nil
	r.area = nil

	a := newAnalysisImage(img, r.cfg.AnalysisWidth)

	candidates := r.findPerforations(a)
	if len(candidates) == 0 {
		return ErrPerforationNotFound
	}

	var areas []geometry.ScanArea
	for _, rect := range candidates {
		r.measureLevels(a, rect)

		perf, ok := r.findPerforationFromPoint(a, rect.Center())
		if !ok {
			// edge refinement failed, fall back to the region box
			perf = geometry.PerforationLocation{
				TopEdge:    rect.Y,
				BottomEdge: rect.Y + rect.Height,
				InnerEdge:  rect.X + rect.Width,
				OuterEdge:  rect.X,
			}
		}
		area := r.scanAreaFromPerforation(perf, a.aspect())
		if area.Valid() {
			areas = append(areas, area)
		}
	}
	if len(areas) == 0 {
		return ErrOutOfImage
	}

	best := areas[0]
	bestDelta := math.Abs(0.5 - best.Rect().Center().Y)
	for _, area := range areas[1:] {
		delta := math.Abs(0.5 - area.Rect().Center().Y)
		if delta < bestDelta {
			best, bestDelta = area, delta
		}
	}

	perf := best.PerfRef
	r.refPerf = &perf
	r.area = &best
	log.Debug("registration calibrated", "film", r.spec.Key, "perforation", perf)
	return nil
}

// ManualDetect calibrates from an operator-chosen point inside a
// perforation hole. Needed when the hole is cropped at the image edge
// and autodetection cannot see its full outline.
func (r *AreaRegistrar) ManualDetect(img image.Image, start geometry.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refPerf = nil
	keep := r.area
	r.area = nil

	a := newAnalysisImage(img, r.cfg.AnalysisWidth)

	perf, ok := r.findPerforationFromPoint(a, start)
	if !ok {
		return ErrPerforationNotFound
	}
	r.measureLevels(a, perf.Rect())

	var area geometry.ScanArea
	if keep == nil {
		area = r.scanAreaFromPerforation(perf, a.aspect())
		if !area.Valid() {
			return ErrOutOfImage
		}
	} else {
		area = *keep
		area.PerfRef = perf
	}

	r.refPerf = &perf
	r.area = &area
	return nil
}

// Register locates the perforation in a newly captured frame and
// returns the frame window for it. A perforation that cannot be found
// or fully repaired yields an unregistered result, never an error; the
// only errors are missing calibration and context cancellation.
func (r *AreaRegistrar) Register(ctx context.Context, img image.Image) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.area == nil || r.refPerf == nil {
		return Result{}, ErrNotCalibrated
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	a := newAnalysisImage(img, r.cfg.AnalysisWidth)

	penalty := 0.0
	perf, ok := r.findPerforationFromPoint(a, r.area.PerfRef.Center())
	if !ok {
		// the frame may have drifted: scan the whole perforation line
		perf, ok = r.findPerforationFromLine(a, r.area.PerfRef.Center().X)
		penalty += 0.1
	}
	if !ok {
		if a.stdDev() < r.cfg.BlankStdDev {
			return Result{Blank: true}, nil
		}
		log.Warn("perforation not found in frame")
		return Result{}, nil
	}

	perf, repair, ok := r.repairPerforation(perf)
	if !ok {
		log.Warn("malformed perforation", "perforation", perf)
		return Result{}, nil
	}
	penalty += repair

	r.area.PerfRef = perf
	confidence := geometry.Clamp(1-penalty, 0, 1)

	res := Result{
		Registered:  confidence >= r.cfg.ConfidenceThreshold,
		Confidence:  confidence,
		Perforation: perf,
		Area:        *r.area,
		Transform: Transform{
			Crop:     r.area.Rect(),
			Rotation: r.skew(a, perf),
		},
		Shift: r.recommendedShift(),
	}
	return res, nil
}

// recommendedShift reports by what fraction of one frame the transport
// should lengthen or shorten its advance to keep the frame centered.
func (r *AreaRegistrar) recommendedShift() float64 {
	frameToPerf := r.spec.FrameSize.H / r.spec.PerforationSize.H
	frameHeight := r.refPerf.Height() * frameToPerf
	if frameHeight == 0 {
		return 0
	}
	return (r.area.PerfRef.Center().Y - 0.5) / frameHeight
}

// findPerforations returns bright regions shaped like a perforation
// hole, normalized. Small noise blobs are filtered by area.
func (r *AreaRegistrar) findPerforations(a *analysisImage) []geometry.Rect {
	// threshold in the top 10% of the brightness range
	threshold := a.max()
	threshold -= threshold / 10

	wantAspect := r.spec.PerforationSize.W / r.spec.PerforationSize.H
	const aspectTolerance = 0.1
	minArea := a.w * a.h / 500

	var result []geometry.Rect
	for _, box := range a.brightRegions(threshold) {
		w, h := box.Dx(), box.Dy()
		if w*h < minArea {
			continue
		}
		if math.Abs(float64(w)/float64(h)-wantAspect) >= aspectTolerance {
			continue
		}
		result = append(result, geometry.Rect{
			X:      float64(box.Min.X) / float64(a.w),
			Y:      float64(box.Min.Y) / float64(a.h),
			Width:  float64(w) / float64(a.w),
			Height: float64(h) / float64(a.h),
		})
	}
	return result
}

// measureLevels samples the backlight level at the center of the hole
// and the film stock level just below it. Below, because formats with
// perforations between frames may have no stock above the hole.
func (r *AreaRegistrar) measureLevels(a *analysisImage, perf geometry.Rect) {
	d := a.w / 100
	if d < 2 {
		d = 2
	}
	cx := int(math.Round((perf.X + perf.Width/2) * float64(a.w)))
	cy := int(math.Round((perf.Y + perf.Height/2) * float64(a.h)))
	ph := perf.Height * float64(a.h)
	belowY := cy + int(ph+ph/10)

	r.levels = thresholdLevels{
		perforation: a.regionMean(cx-d, cy-d, cx+d, cy+d),
		filmstock:   a.regionMean(cx-d, belowY-d, cx+d, belowY+d),
		set:         true,
	}
}

// findPerforationFromPoint locates the hole edges starting from a point
// inside the hole by walking the intensity profiles outward until they
// drop below the threshold.
func (r *AreaRegistrar) findPerforationFromPoint(a *analysisImage, start geometry.Point) (geometry.PerforationLocation, bool) {
	px := a.clampX(int(math.Round(start.X * float64(a.w))))
	py := a.clampY(int(math.Round(start.Y * float64(a.h))))

	d := a.w / 100
	if d < 2 {
		d = 2
	}

	avg := a.regionMean(px-d, py-d, px+d, py+d)

	var threshold float64
	if r.levels.set {
		threshold = r.levels.average()
		if avg < threshold {
			// the film shifted so far that the start point is no
			// longer inside a hole
			return geometry.PerforationLocation{}, false
		}
	} else {
		// no levels yet: assume the start point is over the hole and
		// allow a little headroom for the stock
		threshold = avg - 20.0/255.0
	}

	column := a.columnProfile(px-d, px+d)

	dist := lastBelowBackward(column, py, threshold)
	if dist < 0 {
		return geometry.PerforationLocation{}, false
	}
	topEdge := py - dist

	idx := firstBelow(column, py, threshold)
	if idx <= py {
		return geometry.PerforationLocation{}, false
	}
	bottomEdge := idx

	row := a.rowProfile(py-d, py+d)
	idx = firstBelow(row, px, threshold)
	if idx < 0 {
		return geometry.PerforationLocation{}, false
	}
	innerEdge := idx

	// the outer edge may legitimately be cropped at the image border
	outerEdge := 0
	if dist := lastBelowBackward(row, px, threshold); dist >= 0 {
		outerEdge = px - dist
	}

	perf := geometry.PerforationLocation{
		TopEdge:    float64(topEdge) / float64(a.h),
		BottomEdge: float64(bottomEdge) / float64(a.h),
		InnerEdge:  float64(innerEdge) / float64(a.w),
		OuterEdge:  float64(outerEdge) / float64(a.w),
	}
	return perf, true
}

// findPerforationFromLine scans down the vertical line through the
// reference perforation for the first hole whose frame window stays
// inside the image.
func (r *AreaRegistrar) findPerforationFromLine(a *analysisImage, lineX float64) (geometry.PerforationLocation, bool) {
	if !r.levels.set || r.area == nil || r.refPerf == nil {
		return geometry.PerforationLocation{}, false
	}
	threshold := r.levels.average()

	d := a.w/100 + 1
	lineXPx := a.clampX(int(math.Round(lineX * float64(a.w))))

	column := a.columnProfile(lineXPx-d, lineXPx+d)

	// bounds a hole must fall in for the frame window to fit
	limits := r.maxPerfEdges(*r.area)
	minTop := int(limits.Top * float64(a.h))
	maxBottom := int(limits.Bottom * float64(a.h))
	maxInner := int(limits.Right * float64(a.w))

	// skip a partial hole cropped at the top: first dark stock, then
	// the first dark-to-light transition is the top edge
	firstDark := firstBelow(column, 0, threshold)
	if firstDark < 0 {
		return geometry.PerforationLocation{}, false
	}
	topEdge := firstAbove(column, firstDark, threshold)
	if topEdge < 0 {
		return geometry.PerforationLocation{}, false
	}
	bottomEdge := firstBelow(column, topEdge, threshold)
	if bottomEdge < 0 {
		return geometry.PerforationLocation{}, false
	}

	mid := (topEdge + bottomEdge) / 2
	row := a.rowProfile(mid-d, mid+d)
	innerEdge := a.w
	if idx := firstBelow(row, lineXPx, threshold); idx > lineXPx {
		innerEdge = idx
	}

	if topEdge < minTop || bottomEdge > maxBottom || innerEdge > maxInner {
		return geometry.PerforationLocation{}, false
	}

	refWidth := r.refPerf.Width() * float64(a.w)
	outerEdge := float64(innerEdge) - refWidth

	perf := geometry.PerforationLocation{
		TopEdge:    float64(topEdge) / float64(a.h),
		BottomEdge: float64(bottomEdge) / float64(a.h),
		InnerEdge:  float64(innerEdge) / float64(a.w),
		OuterEdge:  math.Max(0, outerEdge/float64(a.w)),
	}
	return perf, true
}

// repairPerforation checks the hole against the reference size and
// repairs a single damaged edge from the opposite good one. The
// returned penalty lowers the confidence for every repair applied.
func (r *AreaRegistrar) repairPerforation(perf geometry.PerforationLocation) (geometry.PerforationLocation, float64, bool) {
	if r.refPerf == nil {
		return perf, 0, true
	}

	penalty := 0.0
	refHeight := r.refPerf.Height()
	refWidth := r.refPerf.Width()
	last := r.area.PerfRef

	// height within 2% of the reference
	epsilon := refHeight * 0.02
	if math.Abs(perf.Height()-refHeight) > epsilon {
		topOffset := perf.TopEdge - last.TopEdge
		botOffset := perf.BottomEdge - last.BottomEdge
		switch {
		case math.Abs(topOffset) < epsilon:
			// top is good, derive bottom from it
			perf.BottomEdge = perf.TopEdge + refHeight
			penalty += 0.15
		case math.Abs(botOffset) < epsilon:
			perf.TopEdge = perf.BottomEdge - refHeight
			penalty += 0.15
		default:
			return perf, 0, false
		}
	}

	// a torn or dirty inner edge jumps; fall back to the previous one
	if math.Abs(perf.InnerEdge-last.InnerEdge) > 0.05 {
		perf.InnerEdge = last.InnerEdge
		perf.OuterEdge = math.Max(0, last.InnerEdge-refWidth)
		penalty += 0.1
	}

	return perf, penalty, true
}

// maxPerfEdges bounds the area a perforation may occupy while keeping
// the whole frame window inside the image.
func (r *AreaRegistrar) maxPerfEdges(area geometry.ScanArea) geometry.RectEdges {
	perfHeight := area.PerfRef.Height()

	top := geometry.Clamp(-area.RefDelta.DY-perfHeight/2, 0, 1)
	bottom := geometry.Clamp(1-area.Size.Height-area.RefDelta.DY+perfHeight/2, 0, 1)
	right := geometry.Clamp(1-area.Size.Width-area.RefDelta.DX, 0, 1)

	return geometry.RectEdges{Top: top, Bottom: bottom, Left: 0, Right: right}
}

// scanAreaFromPerforation derives the frame window from a hole using
// the film format dimensions. The vertical hole extent gives the
// mm-to-image scale.
func (r *AreaRegistrar) scanAreaFromPerforation(perf geometry.PerforationLocation, aspect float64) geometry.ScanArea {
	scaleV := perf.Height() / r.spec.PerforationSize.H
	scaleH := scaleV
	if aspect > 0 {
		scaleH = scaleV / aspect
	}

	return geometry.ScanArea{
		PerfRef: perf,
		RefDelta: geometry.Offset{
			DX: r.spec.CameraFramePos.X * scaleH,
			DY: r.spec.CameraFramePos.Y * scaleV,
		},
		Size: geometry.Size{
			Width:  r.spec.CameraFrameSize.W * scaleH,
			Height: r.spec.CameraFrameSize.H * scaleV,
		},
	}
}

// skew estimates the film rotation in degrees from the slope of the
// perforation inner edge, sampled a quarter in from each end.
func (r *AreaRegistrar) skew(a *analysisImage, perf geometry.PerforationLocation) float64 {
	if !r.levels.set {
		return 0
	}
	threshold := r.levels.average()

	h := perf.Height() * float64(a.h)
	yHigh := int(perf.TopEdge*float64(a.h) + h/4)
	yLow := int(perf.BottomEdge*float64(a.h) - h/4)
	if yLow <= yHigh {
		return 0
	}
	cx := a.clampX(int(perf.Center().X * float64(a.w)))

	xHigh := firstBelow(a.rowProfile(yHigh-1, yHigh+1), cx, threshold)
	xLow := firstBelow(a.rowProfile(yLow-1, yLow+1), cx, threshold)
	if xHigh < 0 || xLow < 0 {
		return 0
	}
	return math.Atan2(float64(xLow-xHigh), float64(yLow-yHigh)) * 180 / math.Pi
}
