package geo

import (
	"time"

	"github.com/golang/geo/s2"

	"legsync/internal/legs"
)

const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two coordinates.
func DistanceMeters(a, b legs.Coordinate) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// SpeedMps is the straight-line speed between two samples. Samples at the
// same instant yield 0.
func SpeedMps(a, b legs.Sample) float64 {
	dt := b.Time.Sub(a.Time)
	if dt < 0 {
		dt = -dt
	}
	if dt < time.Millisecond {
		return 0
	}
	return DistanceMeters(a.Coordinate, b.Coordinate) / dt.Seconds()
}
