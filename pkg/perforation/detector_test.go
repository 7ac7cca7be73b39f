package perforation

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptSensor replays a fixed sequence of levels, then holds the last one.
type scriptSensor struct {
	levels []float64
	pos    int
	errAt  int // inject a read error at this sample index (-1 = never)
}

func newScriptSensor(levels ...float64) *scriptSensor {
	return &scriptSensor{levels: levels, errAt: -1}
}

func (s *scriptSensor) Read() (float64, error) {
	i := s.pos
	if i >= len(s.levels) {
		i = len(s.levels) - 1
	}
	s.pos++
	if s.errAt >= 0 && s.pos-1 == s.errAt {
		return 0, errors.New("sensor i/o")
	}
	return s.levels[i], nil
}

func testConfig() Config {
	return Config{Threshold: 0.5, Window: 3, SampleInterval: 100 * time.Microsecond}
}

func TestWaitForEdge_Fires(t *testing.T) {
	sensor := newScriptSensor(0.1, 0.1, 0.9, 0.9, 0.9)
	d := NewDetector(sensor, testConfig())

	ev, err := d.WaitForEdge(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForEdge returned error: %v", err)
	}
	if ev.Level < 0.5 {
		t.Errorf("event level = %v, want >= threshold", ev.Level)
	}
	if ev.Confidence <= 0 || ev.Confidence > 1 {
		t.Errorf("confidence = %v, want in (0,1]", ev.Confidence)
	}
	if ev.At.IsZero() {
		t.Error("event timestamp not set")
	}
}

func TestWaitForEdge_DebouncesSpuriousBlip(t *testing.T) {
	// one bright sample from vibration, then dark again: must not fire
	sensor := newScriptSensor(0.1, 0.9, 0.1, 0.1, 0.1)
	d := NewDetector(sensor, testConfig())

	_, err := d.WaitForEdge(context.Background(), 5*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestWaitForEdge_BlipResetsRun(t *testing.T) {
	// two bright, one dark, then three bright: only the clean run fires
	sensor := newScriptSensor(0.9, 0.9, 0.1, 0.9, 0.9, 0.9)
	d := NewDetector(sensor, testConfig())

	ev, err := d.WaitForEdge(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForEdge returned error: %v", err)
	}
	if sensor.pos < 6 {
		t.Errorf("fired after %d samples, want 6 (debounce run must restart)", sensor.pos)
	}
	_ = ev
}

func TestWaitForEdge_NeverExceedsTimeout(t *testing.T) {
	sensor := newScriptSensor(0.1)
	d := NewDetector(sensor, testConfig())

	timeout := 10 * time.Millisecond
	start := time.Now()
	_, err := d.WaitForEdge(context.Background(), timeout)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	// generous upper bound to avoid flakes on slow runners
	if elapsed > timeout+250*time.Millisecond {
		t.Errorf("WaitForEdge blocked %v, timeout was %v", elapsed, timeout)
	}
}

func TestWaitForEdge_ContextCancel(t *testing.T) {
	sensor := newScriptSensor(0.1)
	d := NewDetector(sensor, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.WaitForEdge(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestWaitForEdge_ReadErrorResetsRun(t *testing.T) {
	sensor := newScriptSensor(0.9, 0.9, 0.9, 0.9, 0.9, 0.9)
	sensor.errAt = 2
	d := NewDetector(sensor, testConfig())

	_, err := d.WaitForEdge(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitForEdge returned error: %v", err)
	}
	if sensor.pos < 6 {
		t.Errorf("fired after %d samples, want 6 (error must restart the run)", sensor.pos)
	}
}

func TestWaitForEdge_NoSensor(t *testing.T) {
	d := NewDetector(nil, testConfig())
	_, err := d.WaitForEdge(context.Background(), time.Millisecond)
	if !errors.Is(err, ErrNoSensor) {
		t.Fatalf("got %v, want ErrNoSensor", err)
	}
}

func TestReset(t *testing.T) {
	sensor := newScriptSensor(0.9, 0.9, 0.9, 0.9, 0.9, 0.9)
	d := NewDetector(sensor, testConfig())

	// consume two samples, then reset: the run must start over
	d.Poll()
	d.Poll()
	d.Reset()
	if _, ok := d.Poll(); ok {
		t.Error("edge fired right after Reset")
	}
}
