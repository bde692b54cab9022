// Package mount drives Alt-Az telescope mounts at signed axis rates.
//
// A Device owns the connection to one mount and runs its connection state
// machine on a dedicated goroutine. Vendor specifics live behind the Protocol
// interface: Ioptron (serial, special-mode handshake), AlpacaMount (ASCOM
// Alpaca over HTTP) and SimulatorMount (TCP line protocol).
package mount

import (
	"errors"
	"fmt"
	"time"
)

// Axis identifies a mount axis.
type Axis int

const (
	// AllAxes addresses both axes in Stop.
	AllAxes Axis = 0

	// Axis1 is the primary (azimuth) axis.
	Axis1 Axis = 1

	// Axis2 is the secondary (altitude) axis.
	Axis2 Axis = 2
)

// Axes lists the individual axes in order.
var Axes = [2]Axis{Axis1, Axis2}

// Index returns the zero-based index of a single axis.
func (a Axis) Index() int {
	return int(a) - 1
}

func (a Axis) String() string {
	switch a {
	case AllAxes:
		return "all"
	case Axis1:
		return "axis1"
	case Axis2:
		return "axis2"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// State is the connection state of a mount.
type State int

const (
	// Disconnected: no connection, commands are refused.
	Disconnected State = iota

	// EnteringSpecialMode: the connection is being established.
	// For iOptron mounts this includes the special-mode handshake.
	EnteringSpecialMode

	// Connected: slew and stop commands are relayed to the mount.
	Connected

	// ExitingSpecialMode: axes are being stopped and the connection torn down.
	ExitingSpecialMode
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case EnteringSpecialMode:
		return "entering special mode"
	case Connected:
		return "connected"
	case ExitingSpecialMode:
		return "exiting special mode"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy is returned for motion commands while a mode transition is in progress.
	ErrBusy = errors.New("mount busy")

	// ErrNotConnected is returned for motion commands while disconnected.
	ErrNotConnected = errors.New("mount not connected")

	// ErrInvalidAxis is returned for an axis other than Axis1, Axis2 (or AllAxes for Stop).
	ErrInvalidAxis = errors.New("invalid axis")

	// ErrTimeout means the mount did not answer in time (DeviceTimeout).
	ErrTimeout = errors.New("mount timeout")

	// ErrDisconnected means the link to the mount was lost (DeviceDisconnected).
	ErrDisconnected = errors.New("mount disconnected")

	// ErrShutdownIncomplete is returned by Shutdown when the mount did not
	// reach Disconnected in time. An iOptron mount may be left in special mode.
	ErrShutdownIncomplete = errors.New("shutdown incomplete")
)

// Position holds the mount's own axis readings in degrees.
type Position struct {
	Axis1 float64
	Axis2 float64

	// At is the time the reading was taken.
	At time.Time
}

// EventKind classifies Device events.
type EventKind int

const (
	// StateChanged reports a new connection State.
	StateChanged EventKind = iota

	// PositionUpdated reports a fresh axis position reading.
	PositionUpdated

	// Lost reports an unexpected loss of the mount (timeout or I/O failure).
	// It is always followed by StateChanged to Disconnected.
	Lost
)

// Event is produced by a Device for the event loop.
type Event struct {
	Kind     EventKind
	State    State
	Position Position
	Err      error
}

// Driver is the capability interface the rest of the program uses to control a mount.
// All methods return promptly; slow exchanges happen on the driver's own goroutine
// and are reported through Events.
type Driver interface {
	// Connect starts the connection sequence. Progress is reported as StateChanged events.
	Connect() error

	// Disconnect stops both axes and tears down the connection asynchronously.
	Disconnect() error

	// Slew sets the signed rate (degrees/second) of one axis.
	Slew(axis Axis, rate float64) error

	// Stop sets the rate of one axis, or of AllAxes, to zero.
	Stop(axis Axis) error

	// PollPosition returns the latest axis reading, if any has been taken since connecting.
	PollPosition() (Position, bool)

	// State returns the current connection state.
	State() State

	// Events delivers state changes, position readings and loss notifications.
	Events() <-chan Event

	// Info describes the mount, e.g. "iOptron HAE69B on /dev/ttyUSB0".
	Info() string
}

// Protocol is implemented by each mount vendor. Its methods block and are only
// ever called from the owning Device's goroutine.
type Protocol interface {
	// Open establishes the transport and identifies the mount.
	Open() error

	// EnterControl performs any handshake required before rate commands are accepted.
	EnterControl() error

	// ExitControl undoes EnterControl.
	ExitControl() error

	// SetRate commands a signed rate in degrees/second on a single axis.
	SetRate(axis Axis, rate float64) error

	// Position reads both axes in degrees.
	Position() (axis1, axis2 float64, err error)

	// Close releases the transport.
	Close() error

	// Info describes the mount.
	Info() string
}

// SpecialModeRecoverer is implemented by protocols that can leave a vendor
// special mode without a full connect cycle.
type SpecialModeRecoverer interface {
	ForceExitSpecialMode() error
}
