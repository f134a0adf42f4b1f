// Package geo holds the coordinate math shared by the zone tracker and the
// proximity verifiers. Contract-side coordinates are fixed-point signed
// microdegrees; everything in-process works in float64 degrees.
package geo

import "math"

// EarthRadiusMeters is the sphere radius used for all distance math.
const EarthRadiusMeters = 6_371_000.0

// MicroDegrees is the fixed-point scale used by the settlement contract.
const MicroDegrees = 1_000_000

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// InZone reports whether (lat,lng) lies inside the disk of radiusMeters
// centered at (centerLat, centerLng). Points on the boundary count as inside.
func InZone(centerLat, centerLng, lat, lng, radiusMeters float64) bool {
	return HaversineMeters(centerLat, centerLng, lat, lng) <= radiusMeters
}

// FromFixed converts a contract fixed-point microdegree value to degrees.
func FromFixed(v int64) float64 {
	return float64(v) / MicroDegrees
}

// ToFixed converts degrees to the contract's fixed-point representation.
func ToFixed(deg float64) int64 {
	return int64(math.Round(deg * MicroDegrees))
}
