package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/innot/tofisca/internal/log"
	"github.com/innot/tofisca/pkg/camera"
	"github.com/innot/tofisca/pkg/perforation"
	"github.com/innot/tofisca/pkg/registration"
	"github.com/innot/tofisca/pkg/transport"
)

var (
	// ErrSessionActive is returned by Start while a session runs.
	ErrSessionActive = errors.New("scan: a session is already active")

	// ErrNoSession is returned by Pause, Resume and Abort without an
	// active session.
	ErrNoSession = errors.New("scan: no active session")

	// ErrAborted is recorded when the operator aborts a session.
	ErrAborted = errors.New("scan: session aborted by operator")
)

// EdgeDetector is the debounced perforation sensor contract.
// *perforation.Detector satisfies it; tests substitute scripted fakes.
type EdgeDetector interface {
	WaitForEdge(ctx context.Context, timeout time.Duration) (perforation.DetectionEvent, error)
	Reset()
}

// Config tunes the coordinator. All knobs are injected, nothing is
// hardcoded in the loop.
type Config struct {
	// StepsPerFrame is the nominal transport advance per frame.
	StepsPerFrame int

	// SeekLimit is the maximum steps an edge seek may take before it
	// counts as a missed perforation. Zero means StepsPerFrame.
	SeekLimit int

	// EdgeTimeout bounds the wait for a perforation edge.
	EdgeTimeout time.Duration

	// CaptureTimeout bounds one exposure.
	CaptureTimeout time.Duration

	// RegisterTimeout bounds the registration worker.
	RegisterTimeout time.Duration

	// TransportRetries bounds re-home-and-re-advance cycles after a
	// missed perforation, per frame.
	TransportRetries int

	// CaptureRetries bounds in-place capture re-triggers, per frame.
	CaptureRetries int

	// Clock supplies timestamps. Defaults to time.Now.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SeekLimit <= 0 {
		c.SeekLimit = c.StepsPerFrame
	}
	if c.EdgeTimeout <= 0 {
		c.EdgeTimeout = 2 * time.Second
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = 5 * time.Second
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.TransportRetries <= 0 {
		c.TransportRetries = 2
	}
	if c.CaptureRetries <= 0 {
		c.CaptureRetries = 2
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type command int

const (
	cmdPause command = iota
	cmdResume
	cmdAbort
)

// Coordinator owns the motor, detector, camera and registrar handles
// and runs one scan session at a time as a sequential control loop.
// Cancellation and pause are observed at state-transition boundaries
// only, so the hardware is never interrupted mid-motion or
// mid-exposure. Registration is the only work offloaded to a worker;
// the loop suspends on its completion.
type Coordinator struct {
	cfg       Config
	motor     transport.Motor
	detector  EdgeDetector
	camera    camera.Capture
	registrar registration.Registrar
	store     FrameStore

	mu     sync.Mutex
	sess   *session
	notify func(Status)

	ctrl   chan command
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a coordinator to its hardware handles and store.
func New(motor transport.Motor, detector EdgeDetector, cam camera.Capture,
	registrar registration.Registrar, store FrameStore, cfg Config) (*Coordinator, error) {

	if cfg.StepsPerFrame <= 0 {
		return nil, errors.New("scan: steps per frame must be positive")
	}
	if motor == nil || detector == nil || cam == nil || registrar == nil || store == nil {
		return nil, errors.New("scan: all collaborators are required")
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		motor:     motor,
		detector:  detector,
		camera:    cam,
		registrar: registrar,
		store:     store,
	}, nil
}

// SetNotify installs a callback invoked with a status snapshot after
// every state transition. Used by the web layer to push updates.
func (c *Coordinator) SetNotify(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// Start begins a new session and returns its id. Fails when a session
// is already active.
func (c *Coordinator) Start(cfg SessionConfig) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil && c.sess.state.Active() {
		return uuid.Nil, ErrSessionActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.sess = &session{
		id:    uuid.New(),
		cfg:   cfg,
		state: StateIdle,
		index: cfg.StartIndex,
		start: c.cfg.Clock(),
	}
	c.ctrl = make(chan command, 8)
	c.done = make(chan struct{})
	c.cancel = cancel

	log.Info("session started",
		"session", c.sess.id,
		"film", cfg.Film,
		"max_frames", cfg.MaxFrames,
		"start_index", cfg.StartIndex)

	go c.run(ctx, cancel, c.done)
	return c.sess.id, nil
}

// Pause requests a pause at the next state-transition boundary.
func (c *Coordinator) Pause() error { return c.send(cmdPause) }

// Resume continues a paused session in the state it paused in.
func (c *Coordinator) Resume() error { return c.send(cmdResume) }

// Abort ends the session at the next boundary. Terminal.
func (c *Coordinator) Abort() error { return c.send(cmdAbort) }

func (c *Coordinator) send(cmd command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || !c.sess.state.Active() {
		return ErrNoSession
	}
	select {
	case c.ctrl <- cmd:
		return nil
	default:
		return errors.New("scan: control queue full")
	}
}

// Status returns an atomic snapshot for concurrent readers.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() Status {
	if c.sess == nil {
		return Status{State: StateIdle}
	}
	s := Status{
		SessionID:     c.sess.id,
		State:         c.sess.state,
		FrameIndex:    c.sess.index,
		MotorPosition: c.motor.Position(),
		StartedAt:     c.sess.start,
		EndedAt:       c.sess.end,
	}
	if c.sess.err != nil {
		s.LastError = c.sess.err.Error()
	}
	return s
}

// Err returns the error that ended the last session, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.err
}

// Wait blocks until the current session ends or ctx expires.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels any running session and waits for the loop to exit.
// For daemon teardown; an operator stop goes through Abort.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jog moves the transport manually. Only allowed outside a session.
// Homes first if the motor has no reference yet.
func (c *Coordinator) Jog(ctx context.Context, dir transport.Direction, steps int) error {
	c.mu.Lock()
	if c.sess != nil && c.sess.state.Active() {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.mu.Unlock()

	if !c.motor.Homed() {
		if err := c.motor.Home(ctx); err != nil {
			return err
		}
	}
	return c.motor.Advance(ctx, transport.MotorCommand{Direction: dir, Steps: steps})
}

// JogToEdge advances the transport to the next perforation edge and
// returns the steps taken. Only allowed outside a session; homes first
// if the motor has no reference yet.
func (c *Coordinator) JogToEdge(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.sess != nil && c.sess.state.Active() {
		c.mu.Unlock()
		return 0, ErrSessionActive
	}
	c.mu.Unlock()

	if !c.motor.Homed() {
		if err := c.motor.Home(ctx); err != nil {
			return 0, err
		}
	}

	c.detector.Reset()
	if err := c.motor.Advance(ctx, transport.MotorCommand{UntilEdge: true, Steps: c.cfg.SeekLimit}); err != nil {
		return 0, err
	}
	_, werr := c.detector.WaitForEdge(ctx, c.cfg.EdgeTimeout)
	c.motor.Stop()
	steps, merr := c.motor.Result()
	if merr != nil {
		return steps, merr
	}
	return steps, werr
}

// run is the sequential control loop. It owns the session record; all
// other goroutines only read snapshots through the mutex.
func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	var (
		frame          *camera.Frame
		regRes         registration.Result
		transportTries int
		captureTries   int
		retryCause     error
		retryRehome    bool
	)

	state := StateHoming
	for {
		if c.checkpoint(ctx, state) {
			return
		}

		switch state {
		case StateHoming:
			if err := c.motor.Home(ctx); err != nil {
				c.fail(fmt.Errorf("homing: %w", err))
				return
			}
			c.detector.Reset()
			state = StateAdvancing

		case StateAdvancing:
			c.detector.Reset()
			err := c.motor.Advance(ctx, transport.MotorCommand{
				Direction: transport.Forward,
				Steps:     c.cfg.SeekLimit,
				UntilEdge: true,
			})
			if err != nil {
				c.fail(fmt.Errorf("advance: %w", err))
				return
			}
			state = StateWaitingForEdge

		case StateWaitingForEdge:
			ev, werr := c.detector.WaitForEdge(ctx, c.cfg.EdgeTimeout)
			c.motor.Stop()
			steps, merr := c.motor.Result()
			switch {
			case merr != nil:
				retryCause = fmt.Errorf("edge seek: %w", merr)
				retryRehome = true
				state = StateRetrying
			case werr != nil:
				retryCause = fmt.Errorf("edge wait: %w", werr)
				retryRehome = true
				state = StateRetrying
			default:
				log.Debug("edge detected",
					"steps", steps,
					"confidence", ev.Confidence,
					"position", c.motor.Position())
				transportTries = 0
				state = StateCapturing
			}

		case StateRetrying:
			if retryRehome {
				transportTries++
				if transportTries > c.cfg.TransportRetries {
					c.fail(retryCause)
					return
				}
				log.Warn("re-homing after missed perforation",
					"attempt", transportTries, "cause", retryCause)
				if err := c.motor.Home(ctx); err != nil {
					c.fail(fmt.Errorf("re-homing: %w", err))
					return
				}
				state = StateAdvancing
			} else {
				captureTries++
				if captureTries > c.cfg.CaptureRetries {
					c.fail(retryCause)
					return
				}
				log.Warn("re-triggering capture",
					"attempt", captureTries, "cause", retryCause)
				state = StateCapturing
			}

		case StateCapturing:
			cctx, cancel := context.WithTimeout(ctx, c.cfg.CaptureTimeout)
			f, err := c.camera.Capture(cctx)
			cancel()
			if err != nil {
				retryCause = err
				retryRehome = false
				state = StateRetrying
				continue
			}
			frame = f
			captureTries = 0
			state = StateRegistering

		case StateRegistering:
			res, err := c.register(ctx, frame)
			if err != nil {
				c.fail(fmt.Errorf("registration: %w", err))
				return
			}
			if res.Blank {
				c.complete("blank frame, end of reel")
				return
			}
			regRes = res
			state = StateCommitting

		case StateCommitting:
			quality := QualityUnregistered
			if regRes.Registered {
				quality = QualityRegistered
			}
			rec := FrameRecord{
				SessionID:  c.sessionID(),
				Index:      c.frameIndex() + 1,
				CapturedAt: frame.CapturedAt,
				Image:      frame.Raw,
				Format:     frame.Format,
				Quality:    quality,
				Confidence: regRes.Confidence,
				Transform:  regRes.Transform,
			}
			if err := c.store.Commit(ctx, rec); err != nil {
				c.fail(fmt.Errorf("%w: %v", ErrStore, err))
				return
			}
			c.setIndex(rec.Index)
			log.Info("frame committed",
				"index", rec.Index,
				"quality", quality,
				"confidence", regRes.Confidence)

			if max := c.sessionConfig().MaxFrames; max > 0 &&
				rec.Index-c.sessionConfig().StartIndex >= max {
				c.complete("frame limit reached")
				return
			}
			state = StateAdvancing
		}
	}
}

// register offloads the CPU-bound analysis to a worker and suspends
// until it finishes or times out.
func (c *Coordinator) register(ctx context.Context, frame *camera.Frame) (registration.Result, error) {
	type outcome struct {
		res registration.Result
		err error
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RegisterTimeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		res, err := c.registrar.Register(rctx, frame.Image)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-rctx.Done():
		return registration.Result{}, rctx.Err()
	}
}

// checkpoint is the state-transition boundary: it publishes the state
// about to be entered and services pause and abort requests. Returns
// true when the session has ended.
func (c *Coordinator) checkpoint(ctx context.Context, state State) bool {
	for {
		select {
		case <-ctx.Done():
			c.finish(StateAborted, ctx.Err())
			return true
		case cmd := <-c.ctrl:
			switch cmd {
			case cmdAbort:
				c.finish(StateAborted, ErrAborted)
				return true
			case cmdPause:
				if !c.pauseWait(ctx) {
					return true
				}
				// resumed; fall through to publish the state
			case cmdResume:
				// not paused, ignore
			}
		default:
			c.setState(state)
			return false
		}
	}
}

// pauseWait parks the loop until resume or abort. Frame index and
// motor position are untouched, so resume continues exactly where the
// session paused.
func (c *Coordinator) pauseWait(ctx context.Context) bool {
	c.setState(StatePaused)
	log.Info("session paused", "frame_index", c.frameIndex())
	for {
		select {
		case <-ctx.Done():
			c.finish(StateAborted, ctx.Err())
			return false
		case cmd := <-c.ctrl:
			switch cmd {
			case cmdResume:
				log.Info("session resumed", "frame_index", c.frameIndex())
				return true
			case cmdAbort:
				c.finish(StateAborted, ErrAborted)
				return false
			}
		}
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.sess.state = s
	snapshot := c.statusLocked()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify(snapshot)
	}
}

func (c *Coordinator) finish(terminal State, err error) {
	c.mu.Lock()
	c.sess.state = terminal
	c.sess.err = err
	c.sess.end = c.cfg.Clock()
	snapshot := c.statusLocked()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify(snapshot)
	}
}

func (c *Coordinator) fail(err error) {
	log.Error("session aborted", "error", err)
	c.finish(StateAborted, err)
}

func (c *Coordinator) complete(reason string) {
	log.Info("session completed", "reason", reason, "frames", c.frameIndex())
	c.finish(StateCompleted, nil)
}

func (c *Coordinator) sessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.id
}

func (c *Coordinator) sessionConfig() SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.cfg
}

func (c *Coordinator) frameIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.index
}

func (c *Coordinator) setIndex(i int) {
	c.mu.Lock()
	c.sess.index = i
	c.mu.Unlock()
}
