// Package transport drives the film-transport stepper motor.
//
// The Motor interface is the capability contract consumed by the scan
// coordinator; concrete drivers (HTTP motion daemon, simulated rig) are
// adapters behind it. The motor is an exclusive physical resource: commands
// are never re-entrant, and a second Advance while motion is in progress
// returns ErrBusy.
package transport

import (
	"context"
	"errors"
)

// Errors returned by motor implementations.
var (
	// ErrMotorFault reports a homing or movement failure of the stepper.
	ErrMotorFault = errors.New("transport: motor fault")
	// ErrMissedPerforation reports an until-edge advance that exhausted its
	// step limit without the caller stopping it.
	ErrMissedPerforation = errors.New("transport: missed perforation")
	// ErrNotHomed reports a movement command before a successful Home.
	ErrNotHomed = errors.New("transport: motor not homed")
	// ErrBusy reports a command while a previous motion is still running.
	ErrBusy = errors.New("transport: motor busy")
)

// Direction of film travel.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// MotorCommand describes one transport motion. Commands are transient and
// never persisted.
type MotorCommand struct {
	Direction Direction `json:"direction"`
	// Steps is the distance for a fixed-step move, or the step limit for an
	// until-edge move.
	Steps int `json:"steps"`
	// UntilEdge selects edge-seek mode: the motor advances one pulse at a
	// time while the caller concurrently watches its perforation detector
	// and calls Stop once the edge fires.
	UntilEdge bool `json:"until_edge"`
}

// Motor is the film-transport stepper contract.
type Motor interface {
	// Home moves the transport to its reference position. It fails with
	// ErrMotorFault if the reference is not reached within the driver's
	// configured step limit.
	Home(ctx context.Context) error

	// Advance executes cmd. Fixed-step commands block until the full
	// distance has been stepped. Until-edge commands return as soon as
	// motion has begun; the caller polls its detector, calls Stop, and
	// reads Result to learn how the motion ended.
	Advance(ctx context.Context, cmd MotorCommand) error

	// Stop halts motion immediately. Used only at state-transition
	// boundaries for cancellation; safe to call when idle.
	Stop()

	// Result blocks until the current motion has wound down and returns
	// the steps taken plus ErrMissedPerforation if an until-edge advance
	// ran out of steps before Stop was called.
	Result() (steps int, err error)

	// Position returns the absolute step position since the last Home.
	Position() int

	// Homed reports whether the transport is at a known reference.
	Homed() bool
}
