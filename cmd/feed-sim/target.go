package main

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/unklstewy/tptool/pkg/coordinates"
	"github.com/unklstewy/tptool/pkg/feed"
)

// straightLine is a target moving at constant velocity through the observer frame.
type straightLine struct {
	start    r3.Vec
	velocity r3.Vec
	t0       time.Time

	// observerAltitude is added to z for the reported altitude
	observerAltitude float64
}

// sampleAt returns the target state at t.
func (s straightLine) sampleAt(t time.Time) feed.Sample {
	elapsed := t.Sub(s.t0).Seconds()
	pos := r3.Add(s.start, r3.Scale(elapsed, s.velocity))

	// X is North and Y is West, so east-going motion has negative vy.
	track := coordinates.NormalizeAzimuth(math.Atan2(-s.velocity.Y, s.velocity.X) * coordinates.RadiansToDegrees)

	return feed.Sample{
		Position: pos,
		Velocity: s.velocity,
		Track:    track,
		Altitude: s.observerAltitude + pos.Z,
	}
}
