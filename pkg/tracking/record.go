package tracking

import (
	"fmt"
	"time"

	"github.com/unklstewy/tptool/pkg/mount"
)

// State is the tracking state of an Engine.
type State int

const (
	Idle State = iota
	Tracking
)

func (s State) String() string {
	if s == Tracking {
		return "tracking"
	}
	return "idle"
}

// RecordKind classifies engine records.
type RecordKind int

const (
	// TargetLog is the periodic distance/speed/altitude record while tracking.
	TargetLog RecordKind = iota
	TrackingStarted
	TrackingStopped
	SafetyClamp
	MountLost
	AdjustmentSaved
	AdjustmentCanceled
	ReferenceSet
	ZeroPositionSet
)

func (k RecordKind) String() string {
	switch k {
	case TargetLog:
		return "target-log"
	case TrackingStarted:
		return "tracking-started"
	case TrackingStopped:
		return "tracking-stopped"
	case SafetyClamp:
		return "safety-clamp"
	case MountLost:
		return "mount-lost"
	case AdjustmentSaved:
		return "adjustment-saved"
	case AdjustmentCanceled:
		return "adjustment-canceled"
	case ReferenceSet:
		return "reference-set"
	case ZeroPositionSet:
		return "zero-position-set"
	default:
		return fmt.Sprintf("record(%d)", int(k))
	}
}

// Record is a structured engine event handed to the record sink.
// Only the fields relevant to Kind are set.
type Record struct {
	Kind RecordKind
	At   time.Time

	// TargetLog
	Distance float64
	Speed    float64
	Altitude float64

	// SafetyClamp
	Axis   mount.Axis
	Travel float64
	Rate   float64

	// Detail is a free-form description (e.g. the error for MountLost)
	Detail string
}

// Status is a snapshot of the engine for display.
type Status struct {
	State      State
	MountState mount.State

	MountPosition mount.Position
	HavePosition  bool

	// Target is the current target bearing in mount coordinates, offsets included
	Target     [2]float64
	HaveTarget bool
	SampleAge  time.Duration
	Distance   float64

	Travel     [2]float64
	Commanded  [2]float64
	Speed      float64
	Manual     [2]float64
	Adjustment [2]float64
	Adjusted   bool

	HaveReference bool
	Reference     [2]float64

	Clamps uint64
}
