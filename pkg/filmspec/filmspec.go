// Package filmspec holds the physical dimension tables of the supported
// motion-picture film formats. All dimensions are in millimeters; positions
// are referenced to the middle of the inner edge of the perforation hole.
//
// Sources:
//   - https://www.filmkorn.org/super8data/database/articles_list/super8_fotmat_standards.htm
//   - http://www.gcmstudio.com/filmspecs/filmspecs.html
//   - https://en.wikipedia.org/wiki/16_mm_film
package filmspec

import (
	"fmt"
	"sort"
)

// Key identifies a film format.
type Key string

const (
	Super8  Key = "super8"
	Normal8 Key = "normal8"
	Std16mm Key = "std16mm"
	Super16 Key = "super16"
)

// Dim is a width/height pair in millimeters.
type Dim struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Pos is a point in millimeters relative to the perforation reference.
type Pos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Spec describes the geometry of one film format.
type Spec struct {
	Key        Key       `json:"key"`
	Name       string    `json:"name"`
	Framerates []float64 `json:"framerates"`

	// FrameSize is the size of a single film frame.
	FrameSize Dim `json:"frame_size"`

	// PerforationSize is the size of one perforation hole.
	PerforationSize Dim `json:"perforation_size"`
	// PerforationsPerFrame counts holes per frame on a single side.
	PerforationsPerFrame int `json:"perforations_per_frame"`

	// CameraFrame is the camera aperture, positioned relative to the
	// perforation reference point.
	CameraFrameSize Dim `json:"camera_frame_size"`
	CameraFramePos  Pos `json:"camera_frame_pos"`

	// ProjectorFrame is the projector aperture, slightly smaller than the
	// camera aperture.
	ProjectorFrameSize Dim `json:"projector_frame_size"`
	ProjectorFramePos  Pos `json:"projector_frame_pos"`

	// Corner radii, only used by the synthetic frame generator.
	PerforationRadius float64 `json:"perforation_radius"`
	FrameCornerRadius float64 `json:"frame_corner_radius"`
}

// Format is the compact description handed out via the operator API.
type Format struct {
	Key        Key       `json:"key"`
	Name       string    `json:"name"`
	Framerates []float64 `json:"framerates"`
}

var specs = map[Key]Spec{
	Super8: {
		Key:        Super8,
		Name:       "Super8",
		Framerates: []float64{18, 24},

		FrameSize: Dim{W: 7.976, H: 4.234}, // long frame; the short frame is 4.227mm high

		PerforationSize:      Dim{W: 0.914, H: 1.143},
		PerforationsPerFrame: 1,

		CameraFrameSize: Dim{W: 5.69, H: 4.22},
		CameraFramePos:  Pos{X: 1.47 - (0.51 + 0.914), Y: -(4.22 / 2)},

		ProjectorFrameSize: Dim{W: 5.46, H: 4.01},
		ProjectorFramePos:  Pos{X: 1.65 - (0.51 + 0.914), Y: -(4.01 / 2)},

		PerforationRadius: 0.13,
		FrameCornerRadius: 0.13,
	},

	Normal8: {
		Key:        Normal8,
		Name:       "8mm Regular",
		Framerates: []float64{18, 24},

		FrameSize: Dim{W: 7.976, H: 7.62 / 2}, // height is half of 16mm film

		PerforationSize:      Dim{W: 1.829, H: 1.27}, // same as 16mm
		PerforationsPerFrame: 1,

		CameraFrameSize: Dim{W: 4.88, H: 3.68},
		CameraFramePos:  Pos{X: 1.47, Y: 0.06 / 2},

		// projector aperture unknown, use the camera aperture
		ProjectorFrameSize: Dim{W: 4.88, H: 3.68},
		ProjectorFramePos:  Pos{X: 1.47, Y: 0.06 / 2},

		PerforationRadius: 0.13,
		FrameCornerRadius: 0.13,
	},

	Std16mm: {
		Key:        Std16mm,
		Name:       "16mm Standard",
		Framerates: []float64{24},

		FrameSize: Dim{W: 15.95, H: 7.62},

		PerforationSize:      Dim{W: 1.829, H: 1.27},
		PerforationsPerFrame: 1,

		CameraFrameSize: Dim{W: 10.414, H: 7.47},
		CameraFramePos:  Pos{X: 0.066, Y: (7.62 / 2) - (7.49 / 2)},

		ProjectorFrameSize: Dim{W: 9.65, H: 7.21},
		ProjectorFramePos:  Pos{X: 0.066 + ((10.414 - 9.65) / 2), Y: (7.62 / 2) - (7.26 / 2)},

		PerforationRadius: 0.25,
		FrameCornerRadius: 0.508,
	},

	Super16: {
		Key:        Super16,
		Name:       "Super 16",
		Framerates: []float64{24},

		FrameSize: Dim{W: 15.95, H: 7.62},

		PerforationSize:      Dim{W: 1.829, H: 1.27},
		PerforationsPerFrame: 1,

		CameraFrameSize: Dim{W: 12.52, H: 7.41},
		CameraFramePos:  Pos{X: 0.066, Y: (7.62 / 2) - (7.41 / 2)},

		ProjectorFrameSize: Dim{W: 11.76, H: 6.97},
		ProjectorFramePos:  Pos{X: 0.066 + ((12.52 - 11.76) / 2), Y: (7.62 / 2) - (7.0 / 2)},

		PerforationRadius: 0.25,
		FrameCornerRadius: 0.508,
	},
}

// Get returns the spec for the given format key.
func Get(key Key) (Spec, error) {
	spec, ok := specs[key]
	if !ok {
		return Spec{}, fmt.Errorf("filmspec: unknown film format %q", key)
	}
	return spec, nil
}

// Keys returns all supported format keys, sorted.
func Keys() []Key {
	keys := make([]Key, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Formats returns the compact format list for the operator API.
func Formats() []Format {
	result := make([]Format, 0, len(specs))
	for _, k := range Keys() {
		s := specs[k]
		result = append(result, Format{Key: s.Key, Name: s.Name, Framerates: s.Framerates})
	}
	return result
}
