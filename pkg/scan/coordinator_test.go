package scan

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/innot/tofisca/pkg/camera"
	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/perforation"
	"github.com/innot/tofisca/pkg/registration"
	"github.com/innot/tofisca/pkg/transport"
)

// seekResult scripts one edge-seek attempt: the steps the motor took,
// the motor outcome and the detector outcome.
type seekResult struct {
	steps    int
	motorErr error
	waitErr  error
}

// mockRig implements transport.Motor and EdgeDetector from a script.
// When the script runs out, the last entry repeats.
type mockRig struct {
	mu       sync.Mutex
	seeks    []seekResult
	seekIdx  int
	homes    int
	homeErr  error
	homed    bool
	position int
	stops    int
	resets   int
}

var (
	_ transport.Motor = (*mockRig)(nil)
	_ EdgeDetector    = (*mockRig)(nil)
)

func (m *mockRig) current() seekResult {
	i := m.seekIdx
	if i >= len(m.seeks) {
		i = len(m.seeks) - 1
	}
	return m.seeks[i]
}

func (m *mockRig) Home(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.homes++
	if m.homeErr != nil {
		return m.homeErr
	}
	m.homed = true
	m.position = 0
	return nil
}

func (m *mockRig) Advance(ctx context.Context, cmd transport.MotorCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.homed {
		return transport.ErrNotHomed
	}
	if !cmd.UntilEdge {
		m.position += cmd.Steps
	}
	return nil
}

func (m *mockRig) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *mockRig) Result() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current()
	m.seekIdx++
	m.position += s.steps
	return s.steps, s.motorErr
}

func (m *mockRig) Position() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

func (m *mockRig) Homed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.homed
}

func (m *mockRig) WaitForEdge(ctx context.Context, timeout time.Duration) (perforation.DetectionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current()
	if s.waitErr != nil {
		return perforation.DetectionEvent{}, s.waitErr
	}
	return perforation.DetectionEvent{At: time.Now(), Level: 0.9, Confidence: 1}, nil
}

func (m *mockRig) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

// mockCamera fails the first `failures` captures, then serves frames.
type mockCamera struct {
	mu       sync.Mutex
	failures int
	captures int
}

func (m *mockCamera) Capture(ctx context.Context) (*camera.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures++
	if m.captures <= m.failures {
		return nil, fmt.Errorf("%w: mock fault", camera.ErrCapture)
	}
	return &camera.Frame{
		Image:      image.NewRGBA(image.Rect(0, 0, 4, 4)),
		Raw:        []byte{0x89, 0x50},
		Format:     "png",
		Width:      4,
		Height:     4,
		CapturedAt: time.Now(),
	}, nil
}

// mockRegistrar serves scripted results; past the script it registers
// everything with full confidence. An optional gate blocks each call
// until the test releases it.
type mockRegistrar struct {
	mu      sync.Mutex
	results []registration.Result
	calls   int
	gate    chan struct{}
}

func (m *mockRegistrar) Register(ctx context.Context, img image.Image) (registration.Result, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return registration.Result{}, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.results) {
		return m.results[i], nil
	}
	return registration.Result{Registered: true, Confidence: 1}, nil
}

// memStore is an in-memory FrameStore with an optional poisoned index.
type memStore struct {
	mu         sync.Mutex
	frames     map[int]FrameRecord
	order      []int
	duplicates int
	failAt     int
}

func newMemStore() *memStore {
	return &memStore{frames: map[int]FrameRecord{}}
}

func (s *memStore) Commit(ctx context.Context, rec FrameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt != 0 && rec.Index == s.failAt {
		return errors.New("disk full")
	}
	if _, ok := s.frames[rec.Index]; ok {
		s.duplicates++
		return nil
	}
	s.frames[rec.Index] = rec
	s.order = append(s.order, rec.Index)
	return nil
}

func (s *memStore) LastIndex(ctx context.Context, session uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := 0
	for i := range s.frames {
		if i > last {
			last = i
		}
	}
	return last, nil
}

type fixture struct {
	coord *Coordinator
	rig   *mockRig
	cam   *mockCamera
	reg   *mockRegistrar
	store *memStore

	mu     sync.Mutex
	states []Status
}

func newFixture(t *testing.T, rig *mockRig, cam *mockCamera, reg *mockRegistrar, store *memStore, cfg Config) *fixture {
	t.Helper()
	if cfg.StepsPerFrame == 0 {
		cfg.StepsPerFrame = 50
	}
	coord, err := New(rig, rig, cam, reg, store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{coord: coord, rig: rig, cam: cam, reg: reg, store: store}
	coord.SetNotify(func(s Status) {
		f.mu.Lock()
		f.states = append(f.states, s)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.coord.Wait(ctx); err != nil {
		t.Fatalf("session did not end: %v", err)
	}
}

func (f *fixture) waitForState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.coord.Status().State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state %s not reached, now %s", want, f.coord.Status().State)
}

func (f *fixture) snapshot() []Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Status(nil), f.states...)
}

func TestScanHappyPath(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	f := newFixture(t, rig, &mockCamera{}, &mockRegistrar{}, newMemStore(), Config{})

	id, err := f.coord.Start(SessionConfig{Film: filmspec.Super8, MaxFrames: 3})
	if err != nil {
		t.Fatal(err)
	}
	if id == uuid.Nil {
		t.Fatal("no session id")
	}
	f.wait(t)

	st := f.coord.Status()
	if st.State != StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	if st.FrameIndex != 3 {
		t.Errorf("frame index = %d, want 3", st.FrameIndex)
	}
	if got := f.store.order; len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("committed order = %v, want [1 2 3]", got)
	}
	for i, rec := range f.store.frames {
		if rec.Quality != QualityRegistered {
			t.Errorf("frame %d quality = %s, want registered", i, rec.Quality)
		}
	}
}

func TestMissedPerforationRetries(t *testing.T) {
	// first seek overshoots the limit at 55 steps, re-home, then the
	// retry finds the edge at 48
	rig := &mockRig{seeks: []seekResult{
		{steps: 55, motorErr: transport.ErrMissedPerforation},
		{steps: 48},
	}}
	f := newFixture(t, rig, &mockCamera{}, &mockRegistrar{}, newMemStore(),
		Config{StepsPerFrame: 50, TransportRetries: 2})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8, MaxFrames: 1}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	if rig.homes != 2 {
		t.Errorf("homes = %d, want initial home plus one re-home", rig.homes)
	}
	if len(f.store.order) != 1 || f.store.order[0] != 1 {
		t.Errorf("committed = %v, want [1]", f.store.order)
	}
}

func TestTransportFatalAfterRetryLimit(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{
		{steps: 50, motorErr: transport.ErrMissedPerforation},
	}}
	f := newFixture(t, rig, &mockCamera{}, &mockRegistrar{}, newMemStore(),
		Config{TransportRetries: 2})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateAborted {
		t.Fatalf("state = %s, want aborted", st.State)
	}
	if err := f.coord.Err(); !errors.Is(err, transport.ErrMissedPerforation) {
		t.Errorf("err = %v, want ErrMissedPerforation", err)
	}
	if len(f.store.order) != 0 {
		t.Errorf("committed = %v, want none", f.store.order)
	}
	if rig.homes != 3 {
		t.Errorf("homes = %d, want 3 (initial plus two retries)", rig.homes)
	}
}

func TestEdgeTimeoutNeverHangs(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{
		{steps: 50, waitErr: perforation.ErrTimeout},
	}}
	f := newFixture(t, rig, &mockCamera{}, &mockRegistrar{}, newMemStore(),
		Config{TransportRetries: 2, EdgeTimeout: 10 * time.Millisecond})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateAborted {
		t.Fatalf("state = %s, want aborted", st.State)
	}
	if err := f.coord.Err(); !errors.Is(err, perforation.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestHomingFaultAborts(t *testing.T) {
	rig := &mockRig{
		seeks:   []seekResult{{steps: 48}},
		homeErr: fmt.Errorf("%w: limit exhausted", transport.ErrMotorFault),
	}
	f := newFixture(t, rig, &mockCamera{}, &mockRegistrar{}, newMemStore(), Config{})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateAborted {
		t.Fatalf("state = %s, want aborted", st.State)
	}
	if err := f.coord.Err(); !errors.Is(err, transport.ErrMotorFault) {
		t.Errorf("err = %v, want ErrMotorFault", err)
	}
}

func TestCaptureRetriesInPlace(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	cam := &mockCamera{failures: 1}
	f := newFixture(t, rig, cam, &mockRegistrar{}, newMemStore(),
		Config{CaptureRetries: 2})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8, MaxFrames: 1}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	if rig.seekIdx != 1 {
		t.Errorf("seeks = %d, capture retry must not re-advance", rig.seekIdx)
	}
	if cam.captures != 2 {
		t.Errorf("captures = %d, want 2", cam.captures)
	}
}

func TestCaptureFatalAfterRetryLimit(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	f := newFixture(t, rig, &mockCamera{failures: 100}, &mockRegistrar{}, newMemStore(),
		Config{CaptureRetries: 2})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateAborted {
		t.Fatalf("state = %s, want aborted", st.State)
	}
	if err := f.coord.Err(); !errors.Is(err, camera.ErrCapture) {
		t.Errorf("err = %v, want ErrCapture", err)
	}
	if len(f.store.order) != 0 {
		t.Errorf("committed = %v, want none", f.store.order)
	}
}

func TestStoreErrorImmediatelyFatal(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	store := newMemStore()
	store.failAt = 17
	f := newFixture(t, rig, &mockCamera{}, &mockRegistrar{}, store, Config{})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	st := f.coord.Status()
	if st.State != StateAborted {
		t.Fatalf("state = %s, want aborted", st.State)
	}
	if !errors.Is(f.coord.Err(), ErrStore) {
		t.Errorf("err = %v, want ErrStore", f.coord.Err())
	}
	if st.FrameIndex != 16 {
		t.Errorf("frame index = %d, want 16", st.FrameIndex)
	}
	if len(f.store.frames) != 16 {
		t.Errorf("frames stored = %d, want 1..16", len(f.store.frames))
	}
	if _, ok := f.store.frames[17]; ok {
		t.Error("frame 17 must not be present")
	}
	for i := 1; i <= 16; i++ {
		if _, ok := f.store.frames[i]; !ok {
			t.Errorf("frame %d missing", i)
		}
	}
}

func TestLowConfidenceCommitsUnregistered(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	reg := &mockRegistrar{results: []registration.Result{
		{Registered: false, Confidence: 0.3},
	}}
	f := newFixture(t, rig, &mockCamera{}, reg, newMemStore(), Config{})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8, MaxFrames: 1}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	rec, ok := f.store.frames[1]
	if !ok {
		t.Fatal("frame 1 not committed")
	}
	if rec.Quality != QualityUnregistered {
		t.Errorf("quality = %s, want unregistered", rec.Quality)
	}
	if rec.Confidence != 0.3 {
		t.Errorf("confidence = %.2f, want 0.3", rec.Confidence)
	}
}

func TestBlankFrameEndsReel(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	reg := &mockRegistrar{results: []registration.Result{
		{Registered: true, Confidence: 1},
		{Blank: true},
	}}
	f := newFixture(t, rig, &mockCamera{}, reg, newMemStore(), Config{})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	if len(f.store.order) != 1 {
		t.Errorf("committed = %v, want one frame before the blank", f.store.order)
	}
	if f.coord.Err() != nil {
		t.Errorf("err = %v, want nil", f.coord.Err())
	}
}

func TestPauseResumeKeepsPlace(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	gate := make(chan struct{})
	reg := &mockRegistrar{gate: gate}
	f := newFixture(t, rig, &mockCamera{}, reg, newMemStore(), Config{})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8, MaxFrames: 2}); err != nil {
		t.Fatal(err)
	}
	f.waitForState(t, StateRegistering)

	if err := f.coord.Pause(); err != nil {
		t.Fatal(err)
	}
	gate <- struct{}{} // let registration finish; pause lands at the next boundary
	f.waitForState(t, StatePaused)

	paused := f.coord.Status()
	if err := f.coord.Resume(); err != nil {
		t.Fatal(err)
	}
	gate <- struct{}{}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}

	states := f.snapshot()
	for i, s := range states {
		if s.State != StatePaused {
			continue
		}
		if i+1 >= len(states) {
			t.Fatal("no state after pause")
		}
		next := states[i+1]
		if next.State != StateCommitting {
			t.Errorf("resumed into %s, want committing", next.State)
		}
		if next.FrameIndex != paused.FrameIndex {
			t.Errorf("frame index changed across pause: %d -> %d", paused.FrameIndex, next.FrameIndex)
		}
		if next.MotorPosition != paused.MotorPosition {
			t.Errorf("motor position changed across pause: %d -> %d", paused.MotorPosition, next.MotorPosition)
		}
		return
	}
	t.Fatal("paused state never published")
}

func TestAbortWhilePaused(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	gate := make(chan struct{})
	reg := &mockRegistrar{gate: gate}
	f := newFixture(t, rig, &mockCamera{}, reg, newMemStore(), Config{})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); err != nil {
		t.Fatal(err)
	}
	f.waitForState(t, StateRegistering)
	if err := f.coord.Pause(); err != nil {
		t.Fatal(err)
	}
	gate <- struct{}{}
	f.waitForState(t, StatePaused)

	if err := f.coord.Abort(); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateAborted {
		t.Fatalf("state = %s, want aborted", st.State)
	}
	if !errors.Is(f.coord.Err(), ErrAborted) {
		t.Errorf("err = %v, want ErrAborted", f.coord.Err())
	}
}

func TestStartWhileActive(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	gate := make(chan struct{})
	reg := &mockRegistrar{gate: gate}
	f := newFixture(t, rig, &mockCamera{}, reg, newMemStore(), Config{})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); err != nil {
		t.Fatal(err)
	}
	f.waitForState(t, StateRegistering)

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); !errors.Is(err, ErrSessionActive) {
		t.Errorf("got %v, want ErrSessionActive", err)
	}

	if err := f.coord.Abort(); err != nil {
		t.Fatal(err)
	}
	gate <- struct{}{}
	f.wait(t)
}

func TestControlsWithoutSession(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	f := newFixture(t, rig, &mockCamera{}, &mockRegistrar{}, newMemStore(), Config{})

	if err := f.coord.Pause(); !errors.Is(err, ErrNoSession) {
		t.Errorf("pause: got %v, want ErrNoSession", err)
	}
	if err := f.coord.Resume(); !errors.Is(err, ErrNoSession) {
		t.Errorf("resume: got %v, want ErrNoSession", err)
	}
	if err := f.coord.Abort(); !errors.Is(err, ErrNoSession) {
		t.Errorf("abort: got %v, want ErrNoSession", err)
	}
	if st := f.coord.Status(); st.State != StateIdle {
		t.Errorf("state = %s, want idle", st.State)
	}
}

func TestJog(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	f := newFixture(t, rig, &mockCamera{}, &mockRegistrar{}, newMemStore(), Config{})

	if err := f.coord.Jog(context.Background(), transport.Forward, 25); err != nil {
		t.Fatal(err)
	}
	if rig.Position() != 25 {
		t.Errorf("position = %d, want 25", rig.Position())
	}
	if rig.homes != 1 {
		t.Errorf("homes = %d, jog on an unhomed motor must home first", rig.homes)
	}
}

func TestJogRejectedDuringSession(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	gate := make(chan struct{})
	reg := &mockRegistrar{gate: gate}
	f := newFixture(t, rig, &mockCamera{}, reg, newMemStore(), Config{})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8}); err != nil {
		t.Fatal(err)
	}
	f.waitForState(t, StateRegistering)

	if err := f.coord.Jog(context.Background(), transport.Forward, 10); !errors.Is(err, ErrSessionActive) {
		t.Errorf("got %v, want ErrSessionActive", err)
	}

	f.coord.Abort()
	gate <- struct{}{}
	f.wait(t)
}

func TestSeededSessionContinuesIndices(t *testing.T) {
	rig := &mockRig{seeks: []seekResult{{steps: 48}}}
	f := newFixture(t, rig, &mockCamera{}, &mockRegistrar{}, newMemStore(),
		Config{})

	if _, err := f.coord.Start(SessionConfig{Film: filmspec.Super8, MaxFrames: 2, StartIndex: 16}); err != nil {
		t.Fatal(err)
	}
	f.wait(t)

	if st := f.coord.Status(); st.State != StateCompleted {
		t.Fatalf("state = %s, want completed (err %v)", st.State, f.coord.Err())
	}
	if got := f.store.order; len(got) != 2 || got[0] != 17 || got[1] != 18 {
		t.Errorf("committed = %v, want [17 18]", got)
	}
}
