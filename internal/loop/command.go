package loop

import (
	"fmt"

	"github.com/unklstewy/tptool/pkg/coordinates"
	"github.com/unklstewy/tptool/pkg/mount"
)

// CommandKind enumerates operator commands.
type CommandKind int

const (
	ConnectMount CommandKind = iota
	DisconnectMount
	ConnectFeed
	DisconnectFeed
	ZeroPosition
	SetReference
	ToggleTracking
	Stop
	IncreaseSpeed
	DecreaseSpeed
	SaveAdjustment
	CancelAdjustment
	ManualSlew
	ForceExitSpecialMode
	Quit
)

var commandNames = map[CommandKind]string{
	ConnectMount:         "connect mount",
	DisconnectMount:      "disconnect mount",
	ConnectFeed:          "connect data source",
	DisconnectFeed:       "disconnect data source",
	ZeroPosition:         "zero position",
	SetReference:         "set reference",
	ToggleTracking:       "toggle tracking",
	Stop:                 "stop",
	IncreaseSpeed:        "increase speed",
	DecreaseSpeed:        "decrease speed",
	SaveAdjustment:       "save adjustment",
	CancelAdjustment:     "cancel adjustment",
	ManualSlew:           "manual slew",
	ForceExitSpecialMode: "force exit special mode",
	Quit:                 "quit",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is an operator request.
type Command struct {
	Kind CommandKind

	// Bearing is the reference bearing for SetReference
	Bearing coordinates.HorizontalCoordinates

	// Axis and Value carry a ManualSlew input in [-1, 1]
	Axis  mount.Axis
	Value float64
}
