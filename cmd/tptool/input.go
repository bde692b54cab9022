package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/unklstewy/tptool/pkg/coordinates"
)

// parseFields splits operator input on spaces or commas into numbers.
func parseFields(input string) ([]float64, error) {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == ' ' || r == ','
	})
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		values[i] = v
	}
	return values, nil
}

// parseBearing reads "azimuth altitude" in degrees.
func parseBearing(input string) (coordinates.HorizontalCoordinates, error) {
	v, err := parseFields(input)
	if err != nil {
		return coordinates.HorizontalCoordinates{}, err
	}
	if len(v) != 2 {
		return coordinates.HorizontalCoordinates{}, fmt.Errorf("expected azimuth and altitude, got %d values", len(v))
	}
	if v[1] < -90 || v[1] > 90 {
		return coordinates.HorizontalCoordinates{}, fmt.Errorf("altitude must be between -90 and 90, got %g", v[1])
	}
	return coordinates.HorizontalCoordinates{
		Azimuth:  coordinates.NormalizeAzimuth(v[0]),
		Altitude: v[1],
	}, nil
}

// parseLandmark reads "latitude longitude [altitude]".
func parseLandmark(input string) (coordinates.Geographic, error) {
	v, err := parseFields(input)
	if err != nil {
		return coordinates.Geographic{}, err
	}
	if len(v) != 2 && len(v) != 3 {
		return coordinates.Geographic{}, fmt.Errorf("expected latitude, longitude and optional altitude, got %d values", len(v))
	}
	if v[0] < -90 || v[0] > 90 {
		return coordinates.Geographic{}, fmt.Errorf("latitude must be between -90 and 90, got %g", v[0])
	}
	if v[1] < -180 || v[1] > 180 {
		return coordinates.Geographic{}, fmt.Errorf("longitude must be between -180 and 180, got %g", v[1])
	}
	g := coordinates.Geographic{Latitude: v[0], Longitude: v[1]}
	if len(v) == 3 {
		g.Altitude = v[2]
	}
	return g, nil
}
