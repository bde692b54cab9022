package controller

import (
	"fmt"
	"math"
)

// ActionKind enumerates logical actions.
type ActionKind int

const (
	// SlewAxis is a discrete, held-while-active slew: Value is +1 or -1 while
	// the input is held and 0 when it is released.
	SlewAxis ActionKind = iota

	// SlewAxisAnalog carries a signed normalized value in [-1, 1].
	SlewAxisAnalog

	ToggleTracking
	StopMount
	IncreaseSpeed
	DecreaseSpeed
	SaveAdjustment
	CancelAdjustment
)

func (k ActionKind) String() string {
	switch k {
	case SlewAxis:
		return "SlewAxis"
	case SlewAxisAnalog:
		return "SlewAxisAnalog"
	case ToggleTracking:
		return "ToggleTracking"
	case StopMount:
		return "StopMount"
	case IncreaseSpeed:
		return "IncreaseSpeed"
	case DecreaseSpeed:
		return "DecreaseSpeed"
	case SaveAdjustment:
		return "SaveAdjustment"
	case CancelAdjustment:
		return "CancelAdjustment"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is a logical action event.
type Action struct {
	Kind ActionKind

	// Axis is 1 or 2 for slew actions, 0 otherwise
	Axis int

	// Value is the signed normalized rate for slew actions
	Value float64
}

// RawEvent is one input change read from a controller.
// Discrete inputs report a nonzero Value while pressed.
type RawEvent struct {
	Controller uint64
	Event      string
	Value      float64
}

// Mapper converts raw controller events into logical actions.
// Apart from the binding table it keeps no state.
type Mapper struct {
	byInput  map[PhysicalAction][]Binding
	reversed [3]bool
	deadZone float64
}

// NewMapper builds a Mapper. deadZone suppresses analog values whose magnitude
// is below it; 0 disables filtering.
func NewMapper(b Bindings, deadZone float64) *Mapper {
	m := &Mapper{
		byInput:  make(map[PhysicalAction][]Binding),
		deadZone: math.Abs(deadZone),
	}
	m.reversed[1] = b.Axis1Reversed
	m.reversed[2] = b.Axis2Reversed
	for _, binding := range b.List {
		m.byInput[binding.Input] = append(m.byInput[binding.Input], binding)
	}
	return m
}

// Map returns the logical actions triggered by ev, in binding order.
// Unbound inputs yield nothing.
func (m *Mapper) Map(ev RawEvent) []Action {
	bindings := m.byInput[PhysicalAction{Controller: ev.Controller, Event: ev.Event}]
	if len(bindings) == 0 {
		return nil
	}

	pressed := ev.Value != 0
	var out []Action
	for _, b := range bindings {
		switch b.Action {
		case SlewAxis:
			v := 0.0
			if pressed {
				v = b.Polarity
			}
			out = append(out, Action{Kind: SlewAxis, Axis: b.Axis, Value: v})

		case SlewAxisAnalog:
			v := math.Max(-1, math.Min(1, ev.Value))
			if math.Abs(v) < m.deadZone {
				v = 0
			}
			if m.reversed[b.Axis] {
				v = -v
			}
			out = append(out, Action{Kind: SlewAxisAnalog, Axis: b.Axis, Value: v})

		default:
			// Command actions fire on press only.
			if pressed {
				out = append(out, Action{Kind: b.Action})
			}
		}
	}
	return out
}
