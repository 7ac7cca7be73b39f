package registration

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/geometry"
	"github.com/innot/tofisca/pkg/simulate"
)

const (
	imgW = 400
	imgH = 300
)

func newCalibrated(t *testing.T, cfg Config) *AreaRegistrar {
	t.Helper()
	if cfg.Film == "" {
		cfg.Film = filmspec.Super8
	}
	r, err := NewAreaRegistrar(cfg)
	if err != nil {
		t.Fatal(err)
	}
	img, _, err := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Autodetect(img); err != nil {
		t.Fatalf("autodetect: %v", err)
	}
	return r
}

func TestAutodetect(t *testing.T) {
	r, err := NewAreaRegistrar(Config{Film: filmspec.Super8})
	if err != nil {
		t.Fatal(err)
	}
	img, want, err := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Autodetect(img); err != nil {
		t.Fatalf("autodetect: %v", err)
	}

	area, ok := r.Area()
	if !ok {
		t.Fatal("no area after autodetect")
	}
	if !area.Valid() {
		t.Errorf("area %+v not inside image", area.Rect())
	}
	assertPerfNear(t, area.PerfRef, want, 0.02)
}

func TestAutodetectNoPerforation(t *testing.T) {
	r, err := NewAreaRegistrar(Config{Film: filmspec.Super8})
	if err != nil {
		t.Fatal(err)
	}
	img, _, err := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{Blank: true})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Autodetect(img); !errors.Is(err, ErrPerforationNotFound) {
		t.Fatalf("got %v, want ErrPerforationNotFound", err)
	}
}

func TestManualDetect(t *testing.T) {
	r, err := NewAreaRegistrar(Config{Film: filmspec.Super8})
	if err != nil {
		t.Fatal(err)
	}
	img, want, err := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.ManualDetect(img, want.Center()); err != nil {
		t.Fatalf("manualdetect: %v", err)
	}
	area, ok := r.Area()
	if !ok || !area.Valid() {
		t.Fatalf("no valid area after manualdetect (ok=%v)", ok)
	}
	assertPerfNear(t, area.PerfRef, want, 0.02)
}

func TestRegisterWithoutCalibration(t *testing.T) {
	r, err := NewAreaRegistrar(Config{Film: filmspec.Super8})
	if err != nil {
		t.Fatal(err)
	}
	img, _, _ := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{})

	if _, err := r.Register(context.Background(), img); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("got %v, want ErrNotCalibrated", err)
	}
}

func TestRegisterTracksDrift(t *testing.T) {
	r := newCalibrated(t, Config{})

	img, want, err := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{CenterY: 0.55})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Register(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}

	if !res.Registered {
		t.Errorf("not registered, confidence %.2f", res.Confidence)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %.2f, want 1.0", res.Confidence)
	}
	assertPerfNear(t, res.Perforation, want, 0.02)
	if res.Shift <= 0 {
		t.Errorf("shift = %.3f, want positive for a frame below center", res.Shift)
	}
	if !res.Transform.Crop.Inside() {
		t.Errorf("crop %+v outside image", res.Transform.Crop)
	}
}

func TestRegisterFallsBackToLineSearch(t *testing.T) {
	r := newCalibrated(t, Config{})

	// hole far enough from the previous position that the point
	// search misses and the line scan has to find it
	img, want, err := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{CenterY: 0.62})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Register(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}

	if !res.Registered {
		t.Fatalf("not registered, confidence %.2f", res.Confidence)
	}
	if res.Confidence >= 1.0 {
		t.Errorf("confidence = %.2f, line search should cost confidence", res.Confidence)
	}
	assertPerfNear(t, res.Perforation, want, 0.02)
}

func TestRegisterRepairsTornEdge(t *testing.T) {
	r := newCalibrated(t, Config{ConfidenceThreshold: 0.9})

	ref, _ := r.Area()
	refHeight := ref.PerfRef.Height()

	img, _, err := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{TornTop: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Register(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}

	if res.Registered {
		t.Error("repaired perforation should fall below a 0.9 threshold")
	}
	if res.Blank {
		t.Error("torn frame flagged blank")
	}
	if res.Confidence <= 0 || res.Confidence >= 1 {
		t.Errorf("confidence = %.2f, want partial", res.Confidence)
	}
	if math.Abs(res.Perforation.Height()-refHeight) > refHeight*0.05 {
		t.Errorf("height %.3f not repaired to reference %.3f", res.Perforation.Height(), refHeight)
	}
}

func TestRegisterBlankFrame(t *testing.T) {
	r := newCalibrated(t, Config{})

	img, _, err := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{Blank: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Register(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}

	if !res.Blank {
		t.Error("blank image not flagged")
	}
	if res.Registered {
		t.Error("blank image must not register")
	}
}

func TestRegisterLostFrame(t *testing.T) {
	r := newCalibrated(t, Config{})

	// hole so far down that no frame window derived from it fits
	img, _, err := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{CenterY: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Register(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}

	if res.Registered {
		t.Error("lost frame must not register")
	}
	if res.Blank {
		t.Error("image with content flagged blank")
	}
	if res.Confidence != 0 {
		t.Errorf("confidence = %.2f, want 0", res.Confidence)
	}
}

func TestRegisterCancelled(t *testing.T) {
	r := newCalibrated(t, Config{})

	img, _, _ := simulate.RenderFrame(filmspec.Super8, imgW, imgH, simulate.FrameOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Register(ctx, img); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func assertPerfNear(t *testing.T, got, want geometry.PerforationLocation, tol float64) {
	t.Helper()
	if math.Abs(got.TopEdge-want.TopEdge) > tol ||
		math.Abs(got.BottomEdge-want.BottomEdge) > tol ||
		math.Abs(got.InnerEdge-want.InnerEdge) > tol {
		t.Errorf("perforation %+v, want within %.2f of %+v", got, tol, want)
	}
}
