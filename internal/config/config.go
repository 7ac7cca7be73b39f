// Package config loads the scanner daemon configuration from a YAML
// file with environment variable overrides for deployment-specific
// settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/innot/tofisca/pkg/camera"
	"github.com/innot/tofisca/pkg/filmspec"
)

// Duration accepts "250us"/"2ms"-style strings in YAML, or a plain
// integer nanosecond count.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Motor configures the connection to the motion driver daemon.
type Motor struct {
	// BaseURL of the driver, e.g. "http://filmscan-rig:8700".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// HomeStepLimit is the step budget for reaching the reference
	// position.
	HomeStepLimit int `yaml:"home_step_limit" json:"home_step_limit"`

	// PulseInterval is the pause between single-step pulses during an
	// edge seek.
	PulseInterval Duration `yaml:"pulse_interval" json:"pulse_interval"`

	// RequestTimeout bounds every driver HTTP call.
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
}

// Detector configures the perforation edge detector.
type Detector struct {
	// Threshold is the sensor level above which a sample counts as a
	// perforation hole.
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// Window is the number of consecutive above-threshold samples
	// required before an edge is reported.
	Window int `yaml:"window" json:"window"`

	SampleInterval Duration `yaml:"sample_interval" json:"sample_interval"`
}

// Scan configures the session control loop.
type Scan struct {
	// StepsPerFrame is the nominal transport advance per frame.
	StepsPerFrame int `yaml:"steps_per_frame" json:"steps_per_frame"`

	// SeekLimit is the maximum steps an edge seek may take before it
	// counts as a missed perforation. Zero means StepsPerFrame.
	SeekLimit int `yaml:"seek_limit" json:"seek_limit"`

	EdgeTimeout    Duration `yaml:"edge_timeout" json:"edge_timeout"`
	CaptureTimeout Duration `yaml:"capture_timeout" json:"capture_timeout"`

	TransportRetries int `yaml:"transport_retries" json:"transport_retries"`
	CaptureRetries   int `yaml:"capture_retries" json:"capture_retries"`
}

// Store selects where committed frames go.
type Store struct {
	// Backend is "fs" or "postgres".
	Backend string `yaml:"backend" json:"backend"`

	// DataDir is the frame directory for the fs backend.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// DatabaseURL is the pgx connection string for the postgres
	// backend. Usually supplied via DATABASE_URL.
	DatabaseURL string `yaml:"database_url" json:"database_url"`
}

// Registration configures the in-image frame registration.
type Registration struct {
	// ConfidenceThreshold is the score below which a frame commits as
	// unregistered.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`

	// AnalysisWidth is the downscaled analysis image width in pixels.
	AnalysisWidth int `yaml:"analysis_width" json:"analysis_width"`
}

// Camera configures the capture device.
type Camera struct {
	// Device is the V4L device path, e.g. "/dev/video0".
	Device string `yaml:"device" json:"device"`

	// Preset names a camera control preset; Controls overrides it
	// field by field when set.
	Preset   string           `yaml:"preset" json:"preset"`
	Controls *camera.Controls `yaml:"controls,omitempty" json:"controls,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	// Listen is the API bind address.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Film is the default film format key.
	Film string `yaml:"film" json:"film"`

	// Simulate runs against the built-in simulated rig instead of
	// real hardware.
	Simulate bool `yaml:"simulate" json:"simulate"`

	Motor        Motor        `yaml:"motor" json:"motor"`
	Detector     Detector     `yaml:"detector" json:"detector"`
	Scan         Scan         `yaml:"scan" json:"scan"`
	Registration Registration `yaml:"registration" json:"registration"`
	Store        Store        `yaml:"store" json:"store"`
	Camera       Camera       `yaml:"camera" json:"camera"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Film:     string(filmspec.Super8),
		Motor: Motor{
			BaseURL:        "http://localhost:8700",
			HomeStepLimit:  2000,
			PulseInterval:  Duration(2 * time.Millisecond),
			RequestTimeout: Duration(2 * time.Second),
		},
		Detector: Detector{
			Threshold:      0.5,
			Window:         3,
			SampleInterval: Duration(500 * time.Microsecond),
		},
		Scan: Scan{
			StepsPerFrame:    0, // must be configured for real hardware
			EdgeTimeout:      Duration(2 * time.Second),
			CaptureTimeout:   Duration(5 * time.Second),
			TransportRetries: 2,
			CaptureRetries:   2,
		},
		Registration: Registration{
			ConfidenceThreshold: 0.6,
			AnalysisWidth:       512,
		},
		Store: Store{
			Backend: "fs",
			DataDir: "./frames",
		},
		Camera: Camera{
			Device: "/dev/video0",
			Preset: "scan",
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv maps deployment environment variables onto the config.
// Variables win over the file so container setups can override a
// baked-in config.
func (c *Config) applyEnv() {
	if v := os.Getenv("TOFISCA_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("TOFISCA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TOFISCA_FILM"); v != "" {
		c.Film = v
	}
	if v := os.Getenv("TOFISCA_SIMULATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Simulate = b
		}
	}
	if v := os.Getenv("TOFISCA_MOTOR_URL"); v != "" {
		c.Motor.BaseURL = v
	}
	if v := os.Getenv("TOFISCA_DATA_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := filmspec.Get(filmspec.Key(c.Film)); err != nil {
		return fmt.Errorf("film: %w", err)
	}
	switch c.Store.Backend {
	case "fs":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store: data_dir is required for the fs backend")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store: database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}
	if !c.Simulate {
		if c.Motor.BaseURL == "" {
			return fmt.Errorf("motor: base_url is required")
		}
		if c.Scan.StepsPerFrame <= 0 {
			return fmt.Errorf("scan: steps_per_frame must be configured for real hardware")
		}
	}
	if t := c.Registration.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("registration: confidence_threshold must be within [0,1], got %v", t)
	}
	if c.Camera.Controls != nil {
		if err := c.Camera.Controls.Validate(); err != nil {
			return fmt.Errorf("camera: %w", err)
		}
	} else if c.Camera.Preset != "" {
		if camera.GetPreset(c.Camera.Preset) == nil {
			return fmt.Errorf("camera: unknown preset %q", c.Camera.Preset)
		}
	}
	return nil
}

// CameraControls resolves the effective camera controls.
func (c *Config) CameraControls() camera.Controls {
	if c.Camera.Controls != nil {
		return *c.Camera.Controls
	}
	if ctl := camera.GetPreset(c.Camera.Preset); ctl != nil {
		return *ctl
	}
	return camera.ScanControls()
}
