// Package geo provides the spherical geometry helpers shared by the stop
// detector and the polyline builder. All distances are in meters and all
// angles in degrees unless noted otherwise.
package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for arc-length conversion.
const EarthRadiusMeters = 6371000.0

// metersPerDegree approximates one degree of latitude at the equator. Used
// only for small-chord perpendicular offsets where the planar approximation
// holds.
const metersPerDegree = 111320.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Haversine returns the great-circle distance between p and q in meters.
func Haversine(p, q Point) float64 {
	a := s2.LatLngFromDegrees(p.Lat, p.Lon)
	b := s2.LatLngFromDegrees(q.Lat, q.Lon)
	return a.Distance(b).Radians() * EarthRadiusMeters
}

// Bearing returns the initial bearing from p to q in degrees, normalized to
// [0, 360). 0 is north, 90 east.
func Bearing(p, q Point) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := q.Lat * math.Pi / 180
	dLon := (q.Lon - p.Lon) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// HeadingDelta returns the absolute angular difference between two headings
// in degrees, in [0, 180].
func HeadingDelta(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// PerpendicularDistance returns the perpendicular distance in meters from pt
// to the chord between a and b. For a degenerate chord (a == b) it falls
// back to the haversine distance from pt to a.
func PerpendicularDistance(pt, a, b Point) float64 {
	num := math.Abs((b.Lon-a.Lon)*pt.Lat - (b.Lat-a.Lat)*pt.Lon + b.Lat*a.Lon - b.Lon*a.Lat)
	den := math.Sqrt((b.Lon-a.Lon)*(b.Lon-a.Lon) + (b.Lat-a.Lat)*(b.Lat-a.Lat))
	if den == 0 {
		return Haversine(pt, a)
	}
	return (num / den) * metersPerDegree
}

// Centroid returns the unweighted mean of points. Returns the zero Point for
// an empty slice.
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sumLat, sumLon float64
	for _, p := range points {
		sumLat += p.Lat
		sumLon += p.Lon
	}
	n := float64(len(points))
	return Point{Lat: sumLat / n, Lon: sumLon / n}
}

// WeightedCentroid returns the weighted mean of points. Weights shorter than
// points are padded with 1.0; a zero weight sum degrades to the unweighted
// centroid.
func WeightedCentroid(points []Point, weights []float64) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sumLat, sumLon, sumW float64
	for i, p := range points {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		sumLat += p.Lat * w
		sumLon += p.Lon * w
		sumW += w
	}
	if sumW == 0 {
		return Centroid(points)
	}
	return Point{Lat: sumLat / sumW, Lon: sumLon / sumW}
}
