package coordinates

import (
	"math"
)

// Constants for coordinate calculations
const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// RadiansToDegrees converts radians to degrees
	RadiansToDegrees = 180.0 / math.Pi

	// EarthRadiusKm is the Earth's radius in kilometers (WGS84 mean radius)
	EarthRadiusKm = 6371.0
)

// Geographic represents a position on Earth's surface.
// Uses the WGS84 coordinate system (same as GPS).
type Geographic struct {
	// Latitude in decimal degrees (-90 to +90)
	// Positive = North, Negative = South
	Latitude float64

	// Longitude in decimal degrees (-180 to +180)
	// Positive = East, Negative = West
	Longitude float64

	// Altitude in meters above mean sea level (MSL)
	Altitude float64
}

// HorizontalCoordinates represents a position in the local horizontal coordinate system.
// Also known as Alt/Az (Altitude-Azimuth) coordinates.
// This is the "natural" coordinate system for alt-azimuth telescope mounts.
type HorizontalCoordinates struct {
	// Altitude (elevation) in degrees above the horizon
	// 0 = horizon, 90 = zenith (straight up)
	// Negative values are below the horizon
	Altitude float64

	// Azimuth in degrees from north (0-360)
	// 0/360 = North, 90 = East, 180 = South, 270 = West
	Azimuth float64
}

// ToRadians converts the Geographic coordinates to radians.
// Returns (latRad, lonRad, altMeters).
func (g Geographic) ToRadians() (float64, float64, float64) {
	return g.Latitude * DegreesToRadians,
		g.Longitude * DegreesToRadians,
		g.Altitude
}

// NormalizeAzimuth ensures azimuth is in the range [0, 360).
func NormalizeAzimuth(azimuth float64) float64 {
	az := math.Mod(azimuth, 360.0)
	if az < 0 {
		az += 360.0
	}
	return az
}

// AngleDiff returns the signed shortest rotation from a1 to a2 in degrees.
// The result lies in (-180, 180].
func AngleDiff(a1, a2 float64) float64 {
	d := NormalizeAzimuth(a2 - a1)
	if d > 180.0 {
		d -= 360.0
	}
	return d
}
