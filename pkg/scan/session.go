// Package scan contains the coordinator that drives a film scanning
// session: advance the film, wait for the perforation edge, capture,
// register and commit, frame after frame, as a single sequential
// control loop over the owned hardware handles.
package scan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/registration"
)

// State is the coordinator state, exposed verbatim over the API.
type State string

const (
	StateIdle           State = "idle"
	StateHoming         State = "homing"
	StateAdvancing      State = "advancing"
	StateWaitingForEdge State = "waiting_for_edge"
	StateCapturing      State = "capturing"
	StateRegistering    State = "registering"
	StateCommitting     State = "committing"
	StateRetrying       State = "retrying"
	StatePaused         State = "paused"
	StateAborted        State = "aborted"
	StateCompleted      State = "completed"
)

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	return s == StateAborted || s == StateCompleted
}

// Active reports whether a session is in progress, paused included.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

// Quality flags how a frame was registered.
type Quality string

const (
	// QualityRegistered means the in-image registration met the
	// confidence threshold.
	QualityRegistered Quality = "registered"

	// QualityUnregistered means registration was weak; the frame is
	// kept for operator review instead of aborting the reel.
	QualityUnregistered Quality = "unregistered"
)

// FrameRecord is one committed film frame.
type FrameRecord struct {
	SessionID uuid.UUID `json:"session_id"`

	// Index is unique per session, strictly increasing, no gaps.
	Index int `json:"index"`

	CapturedAt time.Time `json:"captured_at"`

	// Image is the encoded raw frame; Format names its encoding.
	Image  []byte `json:"-"`
	Format string `json:"format"`

	Quality    Quality                `json:"quality"`
	Confidence float64                `json:"confidence"`
	Transform  registration.Transform `json:"transform"`
}

// ErrStore indicates a durable commit failure. Immediately fatal for
// the session, no retry.
var ErrStore = errors.New("scan: frame store failure")

// FrameStore persists committed frames. Commit must be idempotent per
// (session, index): re-committing an existing index is a no-op.
// Implementations own the image and metadata encoding.
type FrameStore interface {
	Commit(ctx context.Context, rec FrameRecord) error

	// LastIndex returns the highest committed index for the session,
	// or 0 when none exist. Used to seed a follow-up session after a
	// crash or abort.
	LastIndex(ctx context.Context, session uuid.UUID) (int, error)
}

// SessionConfig is what the operator supplies when starting a scan.
type SessionConfig struct {
	// Film selects the format dimension table.
	Film filmspec.Key `json:"film"`

	// Title is the operator's label for the reel.
	Title string `json:"title,omitempty"`

	// MaxFrames ends the session as Completed after this many
	// committed frames. Zero scans until the blank end of the reel
	// or an operator stop.
	MaxFrames int `json:"max_frames"`

	// StartIndex seeds the frame counter, so a new session can
	// continue a reel after the last committed index of an aborted
	// one. Zero starts at frame 1.
	StartIndex int `json:"start_index"`
}

// Status is the atomic snapshot handed to concurrent readers. The
// coordinator never exposes session state mid-transition.
type Status struct {
	SessionID  uuid.UUID `json:"session_id"`
	State      State     `json:"state"`
	FrameIndex int       `json:"frame_index"`

	// MotorPosition is the transport step counter at the last
	// state-transition boundary.
	MotorPosition int `json:"motor_position"`

	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// session is the coordinator-owned mutable session record.
type session struct {
	id    uuid.UUID
	cfg   SessionConfig
	state State
	index int
	err   error
	start time.Time
	end   time.Time
}
