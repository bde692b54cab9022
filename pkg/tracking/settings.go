package tracking

import (
	"time"

	"github.com/unklstewy/tptool/pkg/config"
)

// Settings are the control loop parameters of an Engine.
type Settings struct {
	// ControlPeriod is the interval between ticks; the cable-wrap guard projects
	// each commanded rate over one period.
	ControlPeriod time.Duration

	// LogInterval is the period of target-log records while tracking
	LogInterval time.Duration

	// PositionGain turns position error (degrees) into correction rate (degrees/second)
	PositionGain float64

	// Speed is the initial speed ceiling in degrees/second
	Speed    float64
	MinSpeed float64
	MaxSpeed float64

	// SpeedStep multiplies or divides the ceiling on IncreaseSpeed/DecreaseSpeed
	SpeedStep float64

	// MaxAdjustmentSpeed caps how fast manual input moves the offset while tracking
	MaxAdjustmentSpeed float64

	// MaxTravel is the cable-wrap limit per axis in degrees
	MaxTravel float64
}

// DefaultSettings mirrors config.DefaultConfig.
func DefaultSettings() Settings {
	cfg := config.DefaultConfig()
	return SettingsFromConfig(cfg.Tracking, cfg.Mount.MaxTravelDeg)
}

// SettingsFromConfig converts the file configuration, substituting defaults
// for unset or nonsensical values.
func SettingsFromConfig(t config.TrackingConfig, maxTravel float64) Settings {
	s := Settings{
		ControlPeriod:      t.ControlPeriod(),
		LogInterval:        t.LogInterval(),
		PositionGain:       t.PositionGain,
		Speed:              t.SlewSpeed,
		MinSpeed:           t.MinSlewSpeed,
		MaxSpeed:           t.MaxSlewSpeed,
		SpeedStep:          t.SpeedStepFactor,
		MaxAdjustmentSpeed: t.MaxAdjustmentSpeed,
		MaxTravel:          maxTravel,
	}

	if s.ControlPeriod <= 0 {
		s.ControlPeriod = 500 * time.Millisecond
	}
	if s.LogInterval <= 0 {
		s.LogInterval = time.Second
	}
	if s.PositionGain <= 0 {
		s.PositionGain = 0.25
	}
	if s.MinSpeed <= 0 {
		s.MinSpeed = 0.01
	}
	if s.MaxSpeed < s.MinSpeed {
		s.MaxSpeed = s.MinSpeed
	}
	if s.Speed <= 0 {
		s.Speed = 1.0
	}
	s.Speed = clamp(s.Speed, s.MinSpeed, s.MaxSpeed)
	if s.SpeedStep <= 1 {
		s.SpeedStep = 1.5
	}
	if s.MaxAdjustmentSpeed <= 0 {
		s.MaxAdjustmentSpeed = 0.5
	}
	if s.MaxTravel <= 0 {
		s.MaxTravel = 360
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
