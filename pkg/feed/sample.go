// Package feed reads target telemetry from a line-based TCP data source.
//
// Each line carries eight decimal fields separated by ';':
//
//	x;y;z;vx;vy;vz;track;altitude
//
// x, y, z are meters in the observer's North/West/Up frame, vx, vy, vz are
// meters/second, track is degrees and altitude is meters above sea level.
package feed

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrMalformedSample is returned for lines with a wrong field count or a
// non-numeric field. NaN and infinities count as non-numeric.
var ErrMalformedSample = errors.New("malformed sample")

const fieldCount = 8

// Sample is one target telemetry message.
type Sample struct {
	// Position and Velocity are in the observer frame
	Position r3.Vec
	Velocity r3.Vec

	// Track is the ground track in degrees (informational)
	Track float64

	// Altitude is meters above sea level (informational)
	Altitude float64

	// ReceivedAt is assigned on receipt and is strictly increasing within a Reader
	ReceivedAt time.Time
}

// Distance returns the distance from the observer in meters.
func (s Sample) Distance() float64 {
	return r3.Norm(s.Position)
}

// Speed returns the target speed in meters/second.
func (s Sample) Speed() float64 {
	return r3.Norm(s.Velocity)
}

// ParseLine decodes one telemetry line. ReceivedAt is left zero.
func ParseLine(line string) (Sample, error) {
	fields := strings.Split(strings.TrimSpace(line), ";")
	if len(fields) != fieldCount {
		return Sample{}, fmt.Errorf("%w: expected %d fields, got %d in %q", ErrMalformedSample, fieldCount, len(fields), line)
	}

	var v [fieldCount]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return Sample{}, fmt.Errorf("%w: field %d %q is not a number", ErrMalformedSample, i+1, f)
		}
		v[i] = x
	}

	return Sample{
		Position: r3.Vec{X: v[0], Y: v[1], Z: v[2]},
		Velocity: r3.Vec{X: v[3], Y: v[4], Z: v[5]},
		Track:    v[6],
		Altitude: v[7],
	}, nil
}

// FormatLine encodes a sample as a telemetry line without the terminator.
func FormatLine(s Sample) string {
	fields := []float64{
		s.Position.X, s.Position.Y, s.Position.Z,
		s.Velocity.X, s.Velocity.Y, s.Velocity.Z,
		s.Track, s.Altitude,
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.Join(parts, ";")
}
