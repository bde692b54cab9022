package coordinates

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// The observer frame is a local Cartesian frame centered on the observer:
// X points North, Y points West and Z points Up. Positions are in meters,
// velocities in meters/second.

// Reference ties the mount's axis readings to a real-world bearing.
// It is captured when the operator declares that the mount currently points
// at a known azimuth/altitude.
type Reference struct {
	// Bearing is the real-world direction the mount pointed at when the reference was set
	Bearing HorizontalCoordinates

	// Axis1 and Axis2 are the mount's own axis readings (degrees) at that moment
	Axis1 float64
	Axis2 float64
}

// Offsets returns the constant offsets that translate topocentric azimuth and
// altitude into mount axis readings.
func (r Reference) Offsets() (azOffset, altOffset float64) {
	return r.Axis1 - r.Bearing.Azimuth, r.Axis2 - r.Bearing.Altitude
}

// Bearing is a target direction expressed in mount axis coordinates together
// with its instantaneous angular rate.
type Bearing struct {
	// Azimuth is the mount axis 1 reading that points at the target, in [0, 360)
	Azimuth float64

	// Altitude is the mount axis 2 reading that points at the target
	Altitude float64

	// AzimuthRate and AltitudeRate are in degrees/second
	AzimuthRate  float64
	AltitudeRate float64
}

// Extrapolate advances a position by velocity*age (linear dead-reckoning).
func Extrapolate(position, velocity r3.Vec, age float64) r3.Vec {
	return r3.Add(position, r3.Scale(age, velocity))
}

// ToHorizontal converts an observer-frame position to topocentric azimuth and altitude.
// Azimuth is measured clockwise from North. A zero vector yields the zero value.
func ToHorizontal(position r3.Vec) HorizontalCoordinates {
	r := r3.Norm(position)
	if r == 0 {
		return HorizontalCoordinates{}
	}

	// Y points West, so the counter-clockwise angle from X has to be negated.
	az := NormalizeAzimuth(-math.Atan2(position.Y, position.X) * RadiansToDegrees)
	alt := math.Asin(clamp(position.Z/r, -1, 1)) * RadiansToDegrees

	return HorizontalCoordinates{Altitude: alt, Azimuth: az}
}

// AngularRates returns the analytic azimuth and altitude rates (degrees/second)
// of a target at position moving with velocity.
//
// With ρ² = x²+y² and r² = ρ²+z²:
//
//	d(az)/dt  = -(x·vy − y·vx) / ρ²
//	d(alt)/dt = (ρ²·vz − z·(x·vx + y·vy)) / (r²·ρ)
//
// At the zenith (ρ = 0) azimuth is undefined and both rates are reported as zero.
func AngularRates(position, velocity r3.Vec) (azRate, altRate float64) {
	rho2 := position.X*position.X + position.Y*position.Y
	if rho2 == 0 {
		return 0, 0
	}
	rho := math.Sqrt(rho2)
	r2 := r3.Norm2(position)

	// (r × v).z is the vertical component of the angular momentum.
	azRate = -r3.Cross(position, velocity).Z / rho2
	horizontalRadial := position.X*velocity.X + position.Y*velocity.Y
	altRate = (rho2*velocity.Z - position.Z*horizontalRadial) / (r2 * rho)

	return azRate * RadiansToDegrees, altRate * RadiansToDegrees
}

// BearingAndRate computes where the mount must point to see the target and how
// fast that direction is moving.
//
// Parameters:
//   - ref: Reference anchoring mount readings to real-world bearings
//   - position, velocity: Latest target sample in the observer frame
//   - age: Seconds elapsed since the sample was received (dead-reckoning horizon)
//
// The function is pure: identical inputs give identical outputs.
func BearingAndRate(ref Reference, position, velocity r3.Vec, age float64) Bearing {
	p := Extrapolate(position, velocity, age)
	h := ToHorizontal(p)
	azRate, altRate := AngularRates(p, velocity)
	azOffset, altOffset := ref.Offsets()

	return Bearing{
		Azimuth:      NormalizeAzimuth(h.Azimuth + azOffset),
		Altitude:     h.Altitude + altOffset,
		AzimuthRate:  azRate,
		AltitudeRate: altRate,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
