package simulate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/perforation"
	"github.com/innot/tofisca/pkg/registration"
	"github.com/innot/tofisca/pkg/scan"
	"github.com/innot/tofisca/pkg/store"
	"github.com/innot/tofisca/pkg/transport"
)

func TestRenderFrame(t *testing.T) {
	img, perf, err := RenderFrame(filmspec.Super8, 400, 300, FrameOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 400 || img.Bounds().Dy() != 300 {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	if perf.Height() <= 0 || perf.Width() <= 0 {
		t.Errorf("degenerate perforation %+v", perf)
	}
	if c := perf.Center().Y; c < 0.49 || c > 0.51 {
		t.Errorf("perforation center %.3f, want ~0.5", c)
	}

	blank, _, err := RenderFrame(filmspec.Super8, 400, 300, FrameOptions{Blank: true})
	if err != nil {
		t.Fatal(err)
	}
	ref := blank.RGBAAt(0, 0)
	if blank.RGBAAt(200, 150) != ref || blank.RGBAAt(399, 299) != ref {
		t.Error("blank frame is not uniform")
	}
}

// simFixture wires a full coordinator onto the simulated rig.
type simFixture struct {
	rig   *Rig
	coord *scan.Coordinator
	store *store.FSStore

	mu     sync.Mutex
	states []scan.Status
}

func newSimFixture(t *testing.T, rigCfg Config) *simFixture {
	t.Helper()
	rigCfg.StepsPerFrame = 50
	rigCfg.PulseInterval = time.Millisecond
	rig := NewRig(rigCfg)

	det := perforation.NewDetector(rig.Sensor(), perforation.Config{
		Threshold:      0.5,
		Window:         2,
		SampleInterval: 200 * time.Microsecond,
	})

	reg, err := registration.NewAreaRegistrar(registration.Config{Film: filmspec.Super8})
	if err != nil {
		t.Fatal(err)
	}
	calib, _, err := RenderFrame(filmspec.Super8, 400, 300, FrameOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Autodetect(calib); err != nil {
		t.Fatalf("calibration: %v", err)
	}

	fst, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	coord, err := scan.New(rig.Motor(), det, rig.Camera(), reg, fst, scan.Config{
		StepsPerFrame:    50,
		SeekLimit:        60,
		EdgeTimeout:      2 * time.Second,
		TransportRetries: 2,
		CaptureRetries:   2,
	})
	if err != nil {
		t.Fatal(err)
	}

	f := &simFixture{rig: rig, coord: coord, store: fst}
	coord.SetNotify(func(s scan.Status) {
		f.mu.Lock()
		f.states = append(f.states, s)
		f.mu.Unlock()
	})
	return f
}

func (f *simFixture) scan(t *testing.T, cfg scan.SessionConfig) scan.Status {
	t.Helper()
	id, err := f.coord.Start(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.coord.Wait(ctx); err != nil {
		t.Fatalf("session %s did not end: %v", id, err)
	}
	return f.coord.Status()
}

func (f *simFixture) sawState(want scan.State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.states {
		if s.State == want {
			return true
		}
	}
	return false
}

func TestSimFullScan(t *testing.T) {
	f := newSimFixture(t, Config{})

	st := f.scan(t, scan.SessionConfig{Film: filmspec.Super8, MaxFrames: 3})
	if st.State != scan.StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	if st.FrameIndex != 3 {
		t.Errorf("frame index = %d, want 3", st.FrameIndex)
	}

	last, err := f.store.LastIndex(context.Background(), st.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if last != 3 {
		t.Errorf("stored last index = %d, want 3", last)
	}
}

func TestSimReelRunsBlank(t *testing.T) {
	f := newSimFixture(t, Config{FramesOnReel: 2})

	st := f.scan(t, scan.SessionConfig{Film: filmspec.Super8})
	if st.State != scan.StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	if st.FrameIndex != 2 {
		t.Errorf("frame index = %d, want the two frames before the blank", st.FrameIndex)
	}
}

func TestSimHomeFaultAborts(t *testing.T) {
	f := newSimFixture(t, Config{})
	f.rig.FailHome(true)

	st := f.scan(t, scan.SessionConfig{Film: filmspec.Super8, MaxFrames: 1})
	if st.State != scan.StateAborted {
		t.Fatalf("state = %s, want aborted", st.State)
	}
	if !errors.Is(f.coord.Err(), transport.ErrMotorFault) {
		t.Errorf("err = %v, want ErrMotorFault", f.coord.Err())
	}
}

func TestSimCaptureFaultRetries(t *testing.T) {
	f := newSimFixture(t, Config{})
	f.rig.FailNextCaptures(1)

	st := f.scan(t, scan.SessionConfig{Film: filmspec.Super8, MaxFrames: 1})
	if st.State != scan.StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	if !f.sawState(scan.StateRetrying) {
		t.Error("retrying state never published")
	}
}

func TestSimSlipRecovery(t *testing.T) {
	f := newSimFixture(t, Config{})

	// slip the film once, right before the first edge seek; the seek
	// misses its limit and the coordinator re-homes
	var once sync.Once
	f.coord.SetNotify(func(s scan.Status) {
		f.mu.Lock()
		f.states = append(f.states, s)
		f.mu.Unlock()
		if s.State == scan.StateAdvancing {
			once.Do(func() { f.rig.Slip(45) })
		}
	})

	st := f.scan(t, scan.SessionConfig{Film: filmspec.Super8, MaxFrames: 1})
	if st.State != scan.StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	if !f.sawState(scan.StateRetrying) {
		t.Error("retrying state never published")
	}
	if st.FrameIndex != 1 {
		t.Errorf("frame index = %d, want 1", st.FrameIndex)
	}
}
