package registration

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// analysisImage is a small grayscale copy of a captured frame with the
// intensity helpers the edge search runs on. Levels are 0..1.
type analysisImage struct {
	gray *image.Gray
	w, h int
}

// newAnalysisImage converts and downscales src to the given width,
// preserving aspect ratio.
func newAnalysisImage(src image.Image, width int) *analysisImage {
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return &analysisImage{gray: image.NewGray(image.Rect(0, 0, 1, 1)), w: 1, h: 1}
	}
	h := b.Dy() * width / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewGray(image.Rect(0, 0, width, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return &analysisImage{gray: dst, w: width, h: h}
}

func (a *analysisImage) at(x, y int) float64 {
	return float64(a.gray.GrayAt(x, y).Y) / 255.0
}

// aspect returns width / height.
func (a *analysisImage) aspect() float64 {
	return float64(a.w) / float64(a.h)
}

func (a *analysisImage) clampX(x int) int {
	if x < 0 {
		return 0
	}
	if x >= a.w {
		return a.w - 1
	}
	return x
}

func (a *analysisImage) clampY(y int) int {
	if y < 0 {
		return 0
	}
	if y >= a.h {
		return a.h - 1
	}
	return y
}

// columnProfile averages the columns x0..x1 into a vertical intensity
// profile, one value per row.
func (a *analysisImage) columnProfile(x0, x1 int) []float64 {
	x0, x1 = a.clampX(x0), a.clampX(x1)
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	profile := make([]float64, a.h)
	for y := 0; y < a.h; y++ {
		sum := 0.0
		for x := x0; x <= x1; x++ {
			sum += a.at(x, y)
		}
		profile[y] = sum / float64(x1-x0+1)
	}
	return profile
}

// rowProfile averages the rows y0..y1 into a horizontal intensity
// profile, one value per column.
func (a *analysisImage) rowProfile(y0, y1 int) []float64 {
	y0, y1 = a.clampY(y0), a.clampY(y1)
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	profile := make([]float64, a.w)
	for x := 0; x < a.w; x++ {
		sum := 0.0
		for y := y0; y <= y1; y++ {
			sum += a.at(x, y)
		}
		profile[x] = sum / float64(y1-y0+1)
	}
	return profile
}

// regionMean averages the intensity of the pixel rectangle, clamped to
// the image.
func (a *analysisImage) regionMean(x0, y0, x1, y1 int) float64 {
	x0, x1 = a.clampX(x0), a.clampX(x1)
	y0, y1 = a.clampY(y0), a.clampY(y1)
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	sum := 0.0
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			sum += a.at(x, y)
		}
	}
	return sum / float64((x1-x0+1)*(y1-y0+1))
}

// stdDev returns the grey-level standard deviation of the whole image.
func (a *analysisImage) stdDev() float64 {
	n := float64(a.w * a.h)
	mean := 0.0
	for y := 0; y < a.h; y++ {
		for x := 0; x < a.w; x++ {
			mean += a.at(x, y)
		}
	}
	mean /= n

	variance := 0.0
	for y := 0; y < a.h; y++ {
		for x := 0; x < a.w; x++ {
			d := a.at(x, y) - mean
			variance += d * d
		}
	}
	return math.Sqrt(variance / n)
}

// max returns the brightest level in the image.
func (a *analysisImage) max() float64 {
	best := 0.0
	for y := 0; y < a.h; y++ {
		for x := 0; x < a.w; x++ {
			if v := a.at(x, y); v > best {
				best = v
			}
		}
	}
	return best
}

// firstBelow returns the index of the first profile value below the
// threshold, searching forward from `from`, or -1.
func firstBelow(profile []float64, from int, threshold float64) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(profile); i++ {
		if profile[i] < threshold {
			return i
		}
	}
	return -1
}

// firstAbove returns the index of the first profile value at or above
// the threshold, searching forward from `from`, or -1.
func firstAbove(profile []float64, from int, threshold float64) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(profile); i++ {
		if profile[i] >= threshold {
			return i
		}
	}
	return -1
}

// lastBelowBackward searches backward from `from` (exclusive) for the
// first value below the threshold and returns its distance from `from`,
// or -1.
func lastBelowBackward(profile []float64, from int, threshold float64) int {
	if from > len(profile) {
		from = len(profile)
	}
	for i := from - 1; i >= 0; i-- {
		if profile[i] < threshold {
			return from - i
		}
	}
	return -1
}

// brightRegions finds connected bright components above the threshold
// and returns their bounding boxes in pixels. Flood fill over the
// downscaled image, four-connected.
func (a *analysisImage) brightRegions(threshold float64) []image.Rectangle {
	visited := make([]bool, a.w*a.h)
	idx := func(x, y int) int { return y*a.w + x }

	var boxes []image.Rectangle
	stack := make([]image.Point, 0, 256)

	for sy := 0; sy < a.h; sy++ {
		for sx := 0; sx < a.w; sx++ {
			if visited[idx(sx, sy)] || a.at(sx, sy) < threshold {
				continue
			}
			minX, minY, maxX, maxY := sx, sy, sx, sy
			stack = append(stack[:0], image.Pt(sx, sy))
			visited[idx(sx, sy)] = true
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if p.X < minX {
					minX = p.X
				}
				if p.X > maxX {
					maxX = p.X
				}
				if p.Y < minY {
					minY = p.Y
				}
				if p.Y > maxY {
					maxY = p.Y
				}
				for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					nx, ny := p.X+d.X, p.Y+d.Y
					if nx < 0 || ny < 0 || nx >= a.w || ny >= a.h {
						continue
					}
					if visited[idx(nx, ny)] || a.at(nx, ny) < threshold {
						continue
					}
					visited[idx(nx, ny)] = true
					stack = append(stack, image.Pt(nx, ny))
				}
			}
			boxes = append(boxes, image.Rect(minX, minY, maxX+1, maxY+1))
		}
	}
	return boxes
}
