// Package perforation detects film perforation holes passing the transport's
// optical sensor. The raw signal is debounced over a window of consecutive
// samples so that vibration-induced blips do not register as edges.
package perforation

import (
	"context"
	"errors"
	"time"

	"github.com/innot/tofisca/pkg/geometry"
)

// Errors returned by the detector.
var (
	ErrTimeout  = errors.New("perforation: edge wait timed out")
	ErrNoSensor = errors.New("perforation: no sensor configured")
)

// Sensor reads the raw perforation sensor. Implementations report the
// normalized light level 0.0 (opaque film stock) to 1.0 (open hole).
type Sensor interface {
	Read() (float64, error)
}

// DetectionEvent is one debounced perforation edge.
type DetectionEvent struct {
	At         time.Time `json:"at"`
	Level      float64   `json:"level"`
	Confidence float64   `json:"confidence"`
}

// Config holds the detector tuning parameters.
type Config struct {
	// Threshold is the level above which a sample counts as "hole".
	Threshold float64
	// Window is the number of consecutive above-threshold samples required
	// before an edge is reported.
	Window int
	// SampleInterval is the pause between raw sensor reads.
	SampleInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.5
	}
	if c.Window <= 0 {
		c.Window = 3
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 500 * time.Microsecond
	}
	return c
}

// Detector debounces a raw Sensor into edge events.
// It is not safe for concurrent use; the scan loop owns it exclusively.
type Detector struct {
	sensor Sensor
	cfg    Config
	now    func() time.Time

	run      int     // consecutive above-threshold samples
	minLevel float64 // weakest sample within the current run
}

// NewDetector creates a detector for the given sensor.
func NewDetector(sensor Sensor, cfg Config) *Detector {
	return &Detector{
		sensor: sensor,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// SetClock replaces the time source, used by tests.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// Reset clears the debounce state. Call before seeking a new edge so a hole
// that is already under the sensor does not fire immediately.
func (d *Detector) Reset() {
	d.run = 0
	d.minLevel = 0
}

// Poll takes one raw reading and updates the debounce run without blocking.
// It returns a DetectionEvent once Window consecutive samples were above
// threshold. A read error resets the run; a flaky sensor then simply needs
// a longer stretch of clean samples.
func (d *Detector) Poll() (DetectionEvent, bool) {
	level, err := d.sensor.Read()
	if err != nil || level < d.cfg.Threshold {
		d.run = 0
		return DetectionEvent{}, false
	}

	if d.run == 0 || level < d.minLevel {
		d.minLevel = level
	}
	d.run++
	if d.run < d.cfg.Window {
		return DetectionEvent{}, false
	}

	// Confidence is how far the weakest sample of the window cleared the
	// threshold, scaled to the remaining headroom.
	conf := geometry.Clamp((d.minLevel-d.cfg.Threshold)/(1.0-d.cfg.Threshold), 0, 1)
	ev := DetectionEvent{At: d.now(), Level: level, Confidence: conf}
	d.run = 0
	d.minLevel = 0
	return ev, true
}

// WaitForEdge blocks until a debounced edge is detected and returns the
// DetectionEvent. It returns ErrTimeout if no edge fires within timeout and
// never blocks longer than that; ctx cancellation also unblocks it.
func (d *Detector) WaitForEdge(ctx context.Context, timeout time.Duration) (DetectionEvent, error) {
	if d.sensor == nil {
		return DetectionEvent{}, ErrNoSensor
	}

	deadline := d.now().Add(timeout)
	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		if ev, ok := d.Poll(); ok {
			return ev, nil
		}
		if !d.now().Before(deadline) {
			return DetectionEvent{}, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return DetectionEvent{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
