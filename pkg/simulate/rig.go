package simulate

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"sync"
	"time"

	"github.com/innot/tofisca/internal/log"
	"github.com/innot/tofisca/pkg/camera"
	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/perforation"
	"github.com/innot/tofisca/pkg/transport"
)

// Config describes the simulated reel and transport.
type Config struct {
	Film          filmspec.Key
	StepsPerFrame int

	// PulseInterval is the simulated step rate in until-edge mode.
	PulseInterval time.Duration

	// ImageWidth and ImageHeight size the rendered frames.
	ImageWidth  int
	ImageHeight int

	// FramesOnReel makes the film run blank after this many frames.
	// Zero simulates an endless reel.
	FramesOnReel int
}

func (c Config) withDefaults() Config {
	if c.Film == "" {
		c.Film = filmspec.Super8
	}
	if c.StepsPerFrame <= 0 {
		c.StepsPerFrame = 50
	}
	if c.PulseInterval <= 0 {
		c.PulseInterval = 200 * time.Microsecond
	}
	if c.ImageWidth <= 0 {
		c.ImageWidth = 400
	}
	if c.ImageHeight <= 0 {
		c.ImageHeight = 300
	}
	return c
}

// Rig is a position-based software model of the scanner: one step
// counter drives the motor, the perforation sensor and the rendered
// camera image consistently. It implements transport.Motor,
// perforation.Sensor and camera.Capture at once.
type Rig struct {
	cfg Config

	mu        sync.Mutex
	position  int
	homed     bool
	busy      bool
	steps     int
	resultErr error
	stop      chan struct{}
	done      chan struct{}

	failHome     bool
	failCaptures int
	slip         int
}

var (
	_ transport.Motor    = (*Rig)(nil)
	_ perforation.Sensor = (*Rig)(nil)
	_ camera.Capture     = (*Rig)(nil)
)

func NewRig(cfg Config) *Rig {
	return &Rig{cfg: cfg.withDefaults()}
}

// StepsPerFrame returns the effective perforation pitch in steps,
// with defaults applied.
func (r *Rig) StepsPerFrame() int { return r.cfg.StepsPerFrame }

// Motor returns the rig as the transport handle.
func (r *Rig) Motor() transport.Motor { return r }

// Sensor returns the rig as the raw perforation sensor.
func (r *Rig) Sensor() perforation.Sensor { return r }

// Camera returns the rig as the capture handle.
func (r *Rig) Camera() camera.Capture { return r }

// FailHome makes every subsequent Home attempt fail.
func (r *Rig) FailHome(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failHome = fail
}

// FailNextCaptures makes the next n captures return camera faults.
func (r *Rig) FailNextCaptures(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCaptures = n
}

// Slip shifts the perforation phase by the given steps, simulating
// film slippage. The next edge seek takes correspondingly longer.
func (r *Rig) Slip(steps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slip += steps
}

// wrappedOffset is the signed step distance from the nearest
// perforation. Homing parks the gate mid-frame, so perforations sit at
// odd multiples of half a frame.
func (r *Rig) wrappedOffset() int {
	spf := r.cfg.StepsPerFrame
	off := (r.position - r.slip - spf/2) % spf
	if off < 0 {
		off += spf
	}
	if off > spf/2 {
		off -= spf
	}
	return off
}

func (r *Rig) atPerforation() bool {
	window := r.cfg.StepsPerFrame / 20
	if window < 1 {
		window = 1
	}
	off := r.wrappedOffset()
	return off >= -window && off <= window
}

// frameNumber counts perforations passed since homing.
func (r *Rig) frameNumber() int {
	return (r.position - r.slip + r.cfg.StepsPerFrame/2) / r.cfg.StepsPerFrame
}

// --- transport.Motor ---

func (r *Rig) Home(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return transport.ErrBusy
	}
	if r.failHome {
		return fmt.Errorf("%w: simulated homing failure", transport.ErrMotorFault)
	}
	// homing re-references the transport against the film, so any
	// accumulated slippage is absorbed
	r.position = 0
	r.slip = 0
	r.homed = true
	return nil
}

func (r *Rig) Advance(ctx context.Context, cmd transport.MotorCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.homed {
		return transport.ErrNotHomed
	}
	if r.busy {
		return transport.ErrBusy
	}
	if !cmd.UntilEdge {
		if cmd.Direction == transport.Reverse {
			r.position -= cmd.Steps
		} else {
			r.position += cmd.Steps
		}
		return nil
	}

	r.busy = true
	r.steps = 0
	r.resultErr = nil
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.seek(cmd.Steps, r.stop, r.done)
	return nil
}

// seek steps the reel forward one pulse at a time until stopped or the
// step limit runs out.
func (r *Rig) seek(limit int, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.PulseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			r.position++
			r.steps++
			exhausted := r.steps >= limit
			if exhausted {
				r.resultErr = fmt.Errorf("%w: no edge within %d steps",
					transport.ErrMissedPerforation, limit)
			}
			r.mu.Unlock()
			if exhausted {
				return
			}
		}
	}
}

func (r *Rig) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (r *Rig) Result() (int, error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = false
	r.done = nil
	return r.steps, r.resultErr
}

func (r *Rig) Position() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

func (r *Rig) Homed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.homed
}

// --- perforation.Sensor ---

// Read returns the optical sensor level: bright when a perforation is
// in front of the gate.
func (r *Rig) Read() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.atPerforation() {
		return 0.92, nil
	}
	return 0.12, nil
}

// --- camera.Capture ---

// Capture renders the film image for the current reel position. Past
// the end of the reel the image is blank stock.
func (r *Rig) Capture(ctx context.Context) (*camera.Frame, error) {
	r.mu.Lock()
	if r.failCaptures > 0 {
		r.failCaptures--
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: simulated camera fault", camera.ErrCapture)
	}
	cfg := r.cfg
	off := r.wrappedOffset()
	frameNo := r.frameNumber()
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrCapture, err)
	}

	// map the step offset to a vertical drift of the perforation,
	// frame pitch in the image is 1/1.5 of its height
	drift := float64(off) / float64(cfg.StepsPerFrame) / 1.5
	opts := FrameOptions{CenterY: 0.5 + drift}
	if cfg.FramesOnReel > 0 && frameNo > cfg.FramesOnReel {
		opts.Blank = true
		log.Debug("reel exhausted", "frame", frameNo)
	}

	img, _, err := RenderFrame(cfg.Film, cfg.ImageWidth, cfg.ImageHeight, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrCapture, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", camera.ErrCapture, err)
	}
	return &camera.Frame{
		Image:      img,
		Raw:        buf.Bytes(),
		Format:     "png",
		Width:      cfg.ImageWidth,
		Height:     cfg.ImageHeight,
		CapturedAt: time.Now(),
	}, nil
}
