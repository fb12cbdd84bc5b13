// Package geo answers "which eligible mechanics are within r km of a point".
package geo

import "math"

// EarthRadiusKm is the mean radius used for every great-circle distance.
const EarthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Round2 rounds a distance for display.
func Round2(km float64) float64 { return math.Round(km*100) / 100 }
