package geo

import (
	"errors"
	"math"
)

const earthRadiusMeters = 6371000

// ErrNoCandidates is returned when a nearest-stop query receives an empty
// candidate list. Monitored segments always contain at least one stop, so
// hitting this indicates a caller bug.
var ErrNoCandidates = errors.New("geo: empty candidate list")

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lon float64
}

// Haversine calculates the great-circle distance between two points in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaPhi := (lat2 - lat1) * math.Pi / 180
	deltaLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// Nearest returns the index of the candidate closest to the query point and
// that distance in meters. Ties keep the earliest candidate in the given
// order, so results are deterministic for a fixed input.
func Nearest(query Point, candidates []Point) (int, float64, error) {
	if len(candidates) == 0 {
		return 0, 0, ErrNoCandidates
	}

	minIdx := 0
	minDist := math.MaxFloat64
	for i, c := range candidates {
		dist := Haversine(query.Lat, query.Lon, c.Lat, c.Lon)
		if dist < minDist {
			minDist = dist
			minIdx = i
		}
	}

	return minIdx, minDist, nil
}
