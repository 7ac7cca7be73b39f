package camera

import "fmt"

// Sensor limits for the IMX477 used on the scanning head.
const (
	SensorMaxWidth    = 4056
	SensorMaxHeight   = 3040
	SensorMaxGain     = 16.0
	SensorMaxExposure = 66666 // microseconds
)

// Controls holds the camera settings for one session. Auto exposure
// and auto white balance re-negotiate between frames, which shows up
// as flicker across a scanned reel, so scanning runs with both
// disabled and fixed manual values.
type Controls struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`

	// AutoExposure enables the AE algorithm. Off for scanning.
	AutoExposure bool `json:"auto_exposure" yaml:"auto_exposure"`

	// ExposureTime is the manual exposure in microseconds. Used
	// only when AutoExposure is off.
	ExposureTime int `json:"exposure_time" yaml:"exposure_time"`

	// AnalogueGain is the manual sensor gain, 1.0 to 16.0.
	AnalogueGain float64 `json:"analogue_gain" yaml:"analogue_gain"`

	// AutoWhiteBalance enables AWB. Off for scanning; the colour
	// temperature of the backlight is constant.
	AutoWhiteBalance  bool `json:"auto_white_balance" yaml:"auto_white_balance"`
	ColourTemperature int  `json:"colour_temperature" yaml:"colour_temperature"`

	Brightness float64 `json:"brightness" yaml:"brightness"` // -1.0 to +1.0
	Contrast   float64 `json:"contrast" yaml:"contrast"`     // 0.0 to 32.0
	Saturation float64 `json:"saturation" yaml:"saturation"` // 0.0 to 32.0
	Sharpness  float64 `json:"sharpness" yaml:"sharpness"`   // 0.0 to 16.0
}

// Locked reports whether these controls pin exposure for the whole
// session. Scanning requires locked controls.
func (c Controls) Locked() bool {
	return !c.AutoExposure && c.ExposureTime > 0 && c.AnalogueGain >= 1.0
}

// Validate checks every field against the sensor limits.
func (c Controls) Validate() error {
	if c.Width <= 0 || c.Width > SensorMaxWidth {
		return fmt.Errorf("camera: width %d out of range 1-%d", c.Width, SensorMaxWidth)
	}
	if c.Height <= 0 || c.Height > SensorMaxHeight {
		return fmt.Errorf("camera: height %d out of range 1-%d", c.Height, SensorMaxHeight)
	}
	if !c.AutoExposure {
		if c.ExposureTime < 1 || c.ExposureTime > SensorMaxExposure {
			return fmt.Errorf("camera: exposure time %d out of range 1-%d", c.ExposureTime, SensorMaxExposure)
		}
		if c.AnalogueGain < 1.0 || c.AnalogueGain > SensorMaxGain {
			return fmt.Errorf("camera: analogue gain %.2f out of range 1.0-%.1f", c.AnalogueGain, SensorMaxGain)
		}
	}
	if c.Brightness < -1.0 || c.Brightness > 1.0 {
		return fmt.Errorf("camera: brightness %.2f out of range -1.0-1.0", c.Brightness)
	}
	if c.Contrast < 0 || c.Contrast > 32.0 {
		return fmt.Errorf("camera: contrast %.2f out of range 0.0-32.0", c.Contrast)
	}
	if c.Saturation < 0 || c.Saturation > 32.0 {
		return fmt.Errorf("camera: saturation %.2f out of range 0.0-32.0", c.Saturation)
	}
	if c.Sharpness < 0 || c.Sharpness > 16.0 {
		return fmt.Errorf("camera: sharpness %.2f out of range 0.0-16.0", c.Sharpness)
	}
	return nil
}

// Preset names for the three camera roles.
const (
	PresetScan    = "scan"
	PresetPreview = "preview"
	PresetStream  = "stream"
)

// ScanControls returns the full-resolution locked configuration used
// while a session runs.
func ScanControls() Controls {
	return Controls{
		Width:             4056,
		Height:            3040,
		AutoExposure:      false,
		ExposureTime:      20000,
		AnalogueGain:      1.0,
		AutoWhiteBalance:  false,
		ColourTemperature: 5600,
		Brightness:        0.0,
		Contrast:          1.0,
		Saturation:        1.0,
		Sharpness:         1.0,
	}
}

// PreviewControls returns the half-resolution configuration for
// framing and focus checks outside a session.
func PreviewControls() Controls {
	cfg := ScanControls()
	cfg.Width = 2028
	cfg.Height = 1520
	cfg.AutoExposure = true
	cfg.AutoWhiteBalance = true
	return cfg
}

// StreamControls returns the low-resolution configuration for live
// viewing in the frontend.
func StreamControls() Controls {
	cfg := PreviewControls()
	cfg.Width = 1024
	cfg.Height = 768
	return cfg
}

// Presets returns all preset configurations by name.
func Presets() map[string]Controls {
	return map[string]Controls{
		PresetScan:    ScanControls(),
		PresetPreview: PreviewControls(),
		PresetStream:  StreamControls(),
	}
}

// GetPreset returns a preset by name, or nil if not found.
func GetPreset(name string) *Controls {
	if cfg, ok := Presets()[name]; ok {
		return &cfg
	}
	return nil
}
