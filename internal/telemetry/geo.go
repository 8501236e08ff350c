// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package telemetry

import "math"

const earthRadiusKm = 6371.0

// coordinateEpsilon treats (0,0) fixes as "unknown"; 1e-7 degrees is about 1cm.
const coordinateEpsilon = 1e-7

// IsUnknown reports whether p is the (0,0) "no fix" sentinel.
func (p GeoPoint) IsUnknown() bool {
	return math.Abs(p.Latitude) < coordinateEpsilon && math.Abs(p.Longitude) < coordinateEpsilon
}

// DistanceKm returns the great-circle distance to q using the haversine formula.
func (p GeoPoint) DistanceKm(q GeoPoint) float64 {
	lat1 := p.Latitude * math.Pi / 180
	lat2 := q.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (q.Longitude - p.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
