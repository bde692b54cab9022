// Package controller maps game controller input to logical mount actions.
package controller

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidBinding is returned when the binding table names an unknown action
// or binds a physical action to a logical action of the other kind.
var ErrInvalidBinding = errors.New("invalid binding")

// Logical action names used in the binding table.
const (
	MountAxis1         = "MountAxis1"
	MountAxis1Pos      = "MountAxis1Pos"
	MountAxis1Neg      = "MountAxis1Neg"
	MountAxis2         = "MountAxis2"
	MountAxis2Pos      = "MountAxis2Pos"
	MountAxis2Neg      = "MountAxis2Neg"
	MountAxis1Reversed = "MountAxis1Reversed"
	MountAxis2Reversed = "MountAxis2Reversed"
	ToggleTrackingName = "ToggleTracking"
	StopMountName      = "StopMount"
	IncreaseSlewSpeed  = "IncreaseSlewSpeed"
	DecreaseSlewSpeed  = "DecreaseSlewSpeed"
	SaveAdjustmentName = "SaveAdjustment"
	CancelAdjustName   = "CancelAdjustment"
)

// InputKind tells discrete inputs (buttons, hat switches, triggers) from
// continuous ones (stick axes, throttles).
type InputKind int

const (
	Discrete InputKind = iota
	Analog
)

func (k InputKind) String() string {
	if k == Analog {
		return "analog"
	}
	return "discrete"
}

// Event name prefixes by input kind.
var (
	discretePrefixes = []string{"Button", "Hat", "Trigger", "DPad"}
	analogPrefixes   = []string{"Axis", "Stick", "Throttle", "Rudder", "Wheel"}
)

// PhysicalAction is a controller-qualified input, written as "[%016X]Event",
// e.g. "[030000005E0400008E02]Button0".
type PhysicalAction struct {
	Controller uint64
	Event      string
}

func (p PhysicalAction) String() string {
	return fmt.Sprintf("[%016X]%s", p.Controller, p.Event)
}

// Kind classifies the event by its name.
func (p PhysicalAction) Kind() (InputKind, error) {
	for _, prefix := range discretePrefixes {
		if strings.HasPrefix(p.Event, prefix) {
			return Discrete, nil
		}
	}
	for _, prefix := range analogPrefixes {
		if strings.HasPrefix(p.Event, prefix) {
			return Analog, nil
		}
	}
	return Discrete, fmt.Errorf("%w: unknown controller event %q", ErrInvalidBinding, p.Event)
}

// ParsePhysicalAction parses the "[%016X]Event" form.
func ParsePhysicalAction(s string) (PhysicalAction, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return PhysicalAction{}, fmt.Errorf("%w: %q lacks a [controller id] prefix", ErrInvalidBinding, s)
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return PhysicalAction{}, fmt.Errorf("%w: %q has an unterminated controller id", ErrInvalidBinding, s)
	}
	id, err := ParseControllerID(s[1:end])
	if err != nil {
		return PhysicalAction{}, err
	}
	event := s[end+1:]
	if event == "" {
		return PhysicalAction{}, fmt.Errorf("%w: %q has no event name", ErrInvalidBinding, s)
	}
	return PhysicalAction{Controller: id, Event: event}, nil
}

// ParseControllerID parses a hexadecimal controller id.
func ParseControllerID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: controller id %q is not hexadecimal", ErrInvalidBinding, s)
	}
	return id, nil
}

// Binding ties one physical action to one logical action.
type Binding struct {
	Action   ActionKind
	Axis     int
	Polarity float64 // +1 or -1 for discrete slew bindings
	Input    PhysicalAction
}

// Bindings is the validated binding table.
type Bindings struct {
	List          []Binding
	Axis1Reversed bool
	Axis2Reversed bool
}

type logicalSpec struct {
	action   ActionKind
	axis     int
	polarity float64
	kind     InputKind
}

var logicalActions = map[string]logicalSpec{
	MountAxis1:         {SlewAxisAnalog, 1, 0, Analog},
	MountAxis2:         {SlewAxisAnalog, 2, 0, Analog},
	MountAxis1Pos:      {SlewAxis, 1, +1, Discrete},
	MountAxis1Neg:      {SlewAxis, 1, -1, Discrete},
	MountAxis2Pos:      {SlewAxis, 2, +1, Discrete},
	MountAxis2Neg:      {SlewAxis, 2, -1, Discrete},
	ToggleTrackingName: {ToggleTracking, 0, 0, Discrete},
	StopMountName:      {StopMount, 0, 0, Discrete},
	IncreaseSlewSpeed:  {IncreaseSpeed, 0, 0, Discrete},
	DecreaseSlewSpeed:  {DecreaseSpeed, 0, 0, Discrete},
	SaveAdjustmentName: {SaveAdjustment, 0, 0, Discrete},
	CancelAdjustName:   {CancelAdjustment, 0, 0, Discrete},
}

// ParseBindings validates a {logical action name -> physical action} table.
// Every error wraps ErrInvalidBinding; all problems are reported together.
// Empty values leave an action unbound. The reversal flags may be given either
// as arguments or as "true"/"false" table entries.
func ParseBindings(table map[string]string, axis1Reversed, axis2Reversed bool) (Bindings, error) {
	b := Bindings{Axis1Reversed: axis1Reversed, Axis2Reversed: axis2Reversed}

	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		value := strings.TrimSpace(table[name])
		if value == "" {
			continue
		}

		switch name {
		case MountAxis1Reversed, MountAxis2Reversed:
			rev, err := strconv.ParseBool(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s must be true or false, got %q", ErrInvalidBinding, name, value))
				continue
			}
			if name == MountAxis1Reversed {
				b.Axis1Reversed = b.Axis1Reversed || rev
			} else {
				b.Axis2Reversed = b.Axis2Reversed || rev
			}
			continue
		}

		spec, ok := logicalActions[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: unknown action %q", ErrInvalidBinding, name))
			continue
		}

		input, err := ParsePhysicalAction(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		kind, err := input.Kind()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if kind != spec.kind {
			errs = append(errs, fmt.Errorf("%w: %s needs a %s input, %s is %s", ErrInvalidBinding, name, spec.kind, input, kind))
			continue
		}

		b.List = append(b.List, Binding{
			Action:   spec.action,
			Axis:     spec.axis,
			Polarity: spec.polarity,
			Input:    input,
		})
	}

	if len(errs) > 0 {
		return Bindings{}, errors.Join(errs...)
	}
	return b, nil
}
