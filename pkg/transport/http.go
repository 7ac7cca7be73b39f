package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/innot/tofisca/internal/httpc"
)

// HTTPConfig configures the HTTP motion-driver adapter.
type HTTPConfig struct {
	// BaseURL of the motion driver daemon, e.g. "http://filmscan-rig:8700".
	BaseURL string
	// HomeStepLimit is the step budget for reaching the reference position.
	HomeStepLimit int
	// PulseInterval is the pause between single-step pulses in until-edge
	// mode. It bounds the seek speed so the detector can keep up.
	PulseInterval time.Duration
	// RequestTimeout bounds every driver HTTP call.
	RequestTimeout time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.HomeStepLimit <= 0 {
		c.HomeStepLimit = 2000
	}
	if c.PulseInterval <= 0 {
		c.PulseInterval = 2 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	return c
}

// HTTPMotor implements Motor against the rig's HTTP motion daemon.
type HTTPMotor struct {
	cfg    HTTPConfig
	client *http.Client

	mu        sync.Mutex
	position  int
	homed     bool
	busy      bool
	stop      chan struct{}
	done      chan struct{}
	lastSteps int
	lastErr   error
}

// NewHTTPMotor creates a motor adapter talking to the driver at cfg.BaseURL.
func NewHTTPMotor(cfg HTTPConfig) *HTTPMotor {
	cfg = cfg.withDefaults()
	return &HTTPMotor{
		cfg:    cfg,
		client: httpc.NewClient(cfg.RequestTimeout),
	}
}

// Home moves the transport to the reference position.
func (m *HTTPMotor) Home(ctx context.Context) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	m.mu.Unlock()

	var resp struct {
		Homed    bool `json:"homed"`
		Position int  `json:"position"`
	}
	err := m.post(ctx, "/api/motor/home", map[string]any{"step_limit": m.cfg.HomeStepLimit}, &resp)
	if err != nil {
		return fmt.Errorf("%w: home request: %v", ErrMotorFault, err)
	}
	if !resp.Homed {
		return fmt.Errorf("%w: reference not reached within %d steps", ErrMotorFault, m.cfg.HomeStepLimit)
	}

	m.mu.Lock()
	m.homed = true
	m.position = 0
	m.mu.Unlock()
	return nil
}

// Advance executes cmd, see the Motor contract.
func (m *HTTPMotor) Advance(ctx context.Context, cmd MotorCommand) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if !m.homed {
		m.mu.Unlock()
		return ErrNotHomed
	}
	if !cmd.UntilEdge {
		m.mu.Unlock()
		return m.advanceFixed(ctx, cmd)
	}
	m.busy = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.lastSteps = 0
	m.lastErr = nil
	m.mu.Unlock()

	go m.seek(ctx, cmd)
	return nil
}

// advanceFixed issues one blocking move of the full distance.
func (m *HTTPMotor) advanceFixed(ctx context.Context, cmd MotorCommand) error {
	var resp struct {
		Position int `json:"position"`
	}
	body := map[string]any{"steps": cmd.Steps, "direction": cmd.Direction.String()}
	if err := m.post(ctx, "/api/motor/advance", body, &resp); err != nil {
		return fmt.Errorf("%w: advance %d steps: %v", ErrMotorFault, cmd.Steps, err)
	}

	m.mu.Lock()
	m.position = resp.Position
	m.lastSteps = cmd.Steps
	m.lastErr = nil
	m.mu.Unlock()
	return nil
}

// seek pulses single steps until Stop is called or the limit is exhausted.
func (m *HTTPMotor) seek(ctx context.Context, cmd MotorCommand) {
	defer func() {
		m.mu.Lock()
		m.busy = false
		close(m.done)
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.PulseInterval)
	defer ticker.Stop()

	steps := 0
	for steps < cmd.Steps {
		select {
		case <-m.stop:
			m.setResult(steps, nil)
			return
		case <-ctx.Done():
			m.setResult(steps, ctx.Err())
			return
		case <-ticker.C:
		}

		var resp struct {
			Position int `json:"position"`
		}
		body := map[string]any{"direction": cmd.Direction.String()}
		if err := m.post(ctx, "/api/motor/step", body, &resp); err != nil {
			m.setResult(steps, fmt.Errorf("%w: step pulse: %v", ErrMotorFault, err))
			return
		}
		steps++

		m.mu.Lock()
		m.position = resp.Position
		m.mu.Unlock()
	}

	m.setResult(steps, ErrMissedPerforation)
}

func (m *HTTPMotor) setResult(steps int, err error) {
	m.mu.Lock()
	m.lastSteps = steps
	m.lastErr = err
	m.mu.Unlock()
}

// Stop halts the current motion.
func (m *HTTPMotor) Stop() {
	m.mu.Lock()
	if m.stop != nil {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
	}
	m.mu.Unlock()
}

// Result blocks until the current motion has wound down.
func (m *HTTPMotor) Result() (int, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSteps, m.lastErr
}

// Position returns the absolute step position since the last Home.
func (m *HTTPMotor) Position() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// Homed reports whether the transport has been homed.
func (m *HTTPMotor) Homed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.homed
}

func (m *HTTPMotor) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("driver returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPSensor reads the rig's perforation sensor through the motion daemon.
// It satisfies the perforation.Sensor contract.
type HTTPSensor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSensor creates a sensor adapter for the driver at baseURL.
func NewHTTPSensor(baseURL string, timeout time.Duration) *HTTPSensor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPSensor{baseURL: baseURL, client: httpc.NewClient(timeout)}
}

// Read returns the normalized sensor level.
func (s *HTTPSensor) Read() (float64, error) {
	resp, err := s.client.Get(s.baseURL + "/api/sensor")
	if err != nil {
		return 0, fmt.Errorf("sensor read failed: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Level float64 `json:"level"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode sensor reading: %w", err)
	}
	return out.Level, nil
}

// Ensure HTTPMotor implements Motor.
var _ Motor = (*HTTPMotor)(nil)
