package coordinates

import (
	"math"
)

// GeographicToHorizontal converts a landmark's geographic position to the
// horizontal bearing seen from the observer.
//
// It is used to establish a reference position: point the mount at a known
// landmark (tower, mountain top) and compute the bearing that corresponds to it.
//
// Parameters:
//   - target: Landmark position (lat/lon/alt)
//   - observer: Observer's position (lat/lon/alt)
//
// Returns:
//   - HorizontalCoordinates: Altitude and azimuth of the landmark
//
// The azimuth is the initial great-circle bearing, the altitude is
// atan2(Δh, surface distance). Earth curvature and refraction are ignored,
// which is adequate for landmarks within a few tens of kilometers.
func GeographicToHorizontal(target, observer Geographic) HorizontalCoordinates {
	obsLatRad, obsLonRad, obsAltM := observer.ToRadians()
	tgtLatRad, tgtLonRad, tgtAltM := target.ToRadians()

	deltaLon := tgtLonRad - obsLonRad

	// azimuth = atan2(sin(Δlon)·cos(lat2), cos(lat1)·sin(lat2) − sin(lat1)·cos(lat2)·cos(Δlon))
	y := math.Sin(deltaLon) * math.Cos(tgtLatRad)
	x := math.Cos(obsLatRad)*math.Sin(tgtLatRad) -
		math.Sin(obsLatRad)*math.Cos(tgtLatRad)*math.Cos(deltaLon)
	azimuth := NormalizeAzimuth(math.Atan2(y, x) * RadiansToDegrees)

	// Haversine surface distance
	deltaLat := tgtLatRad - obsLatRad
	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(obsLatRad)*math.Cos(tgtLatRad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	surfaceDistanceM := EarthRadiusKm * c * 1000.0

	altitude := math.Atan2(tgtAltM-obsAltM, surfaceDistanceM) * RadiansToDegrees

	return HorizontalCoordinates{
		Altitude: altitude,
		Azimuth:  azimuth,
	}
}
