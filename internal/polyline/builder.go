// Package polyline maintains the point set for the current movement
// segment: deciding which fixes to keep and simplifying the result into a
// compact polyline on finalization.
package polyline

import (
	"time"

	"github.com/vladgets/roadmate-tracker/internal/geo"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

// Thresholds are the accept/simplify parameters for one activity state.
// Vehicle travel covers ground faster, so its distance gate and tolerance
// are looser and its time ceiling shorter.
type Thresholds struct {
	MinDistance float64       // meters between accepted points
	MinHeading  float64       // degrees of heading change
	TimeCeiling time.Duration // max gap before the time-fallback applies
	MinDrift    float64       // meters required for the time-fallback
	DPTolerance float64       // Douglas-Peucker tolerance, meters
}

// ThresholdsFor returns the accept thresholds for the given state. Walking
// thresholds are the fallback for anything that is not vehicle travel.
func ThresholdsFor(state track.ActivityState) Thresholds {
	if state == track.StateInVehicle {
		return Thresholds{
			MinDistance: 25,
			MinHeading:  15,
			TimeCeiling: 30 * time.Second,
			MinDrift:    3,
			DPTolerance: 15,
		}
	}
	return Thresholds{
		MinDistance: 10,
		MinHeading:  30,
		TimeCeiling: 60 * time.Second,
		MinDrift:    3,
		DPTolerance: 5,
	}
}

// Builder collects the accepted fixes of one movement segment. Not safe
// for concurrent use.
type Builder struct {
	points []track.Fix

	distance float64
	maxSpeed float64
	speedSum float64
	speedObs int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddPoint decides whether to retain fix for the current segment and
// reports the decision. Rules are evaluated in order, first match wins:
// distance gate, heading-change gate, then a time-fallback that still
// requires minimal drift so a motionless device does not accumulate
// points.
func (b *Builder) AddPoint(fix track.Fix, state track.ActivityState) bool {
	if len(b.points) == 0 {
		b.accept(fix, 0)
		return true
	}

	th := ThresholdsFor(state)
	last := b.points[len(b.points)-1]
	dist := geo.Haversine(last.Point(), fix.Point())

	accept := false
	switch {
	case dist >= th.MinDistance:
		accept = true
	case last.Heading != nil && fix.Heading != nil &&
		geo.HeadingDelta(*last.Heading, *fix.Heading) >= th.MinHeading:
		accept = true
	case fix.Time.Sub(last.Time) >= th.TimeCeiling && dist >= th.MinDrift:
		accept = true
	}
	if accept {
		b.accept(fix, dist)
	}
	return accept
}

func (b *Builder) accept(fix track.Fix, dist float64) {
	b.points = append(b.points, fix)
	b.distance += dist
	if fix.Speed != nil {
		if *fix.Speed > b.maxSpeed {
			b.maxSpeed = *fix.Speed
		}
		b.speedSum += *fix.Speed
		b.speedObs++
	}
}

// Points returns the accepted fixes in order.
func (b *Builder) Points() []track.Fix {
	out := make([]track.Fix, len(b.points))
	copy(out, b.points)
	return out
}

// Len returns the number of accepted fixes.
func (b *Builder) Len() int { return len(b.points) }

// Simplified returns the Douglas-Peucker simplification of the accepted
// points using the tolerance for the given state.
func (b *Builder) Simplified(state track.ActivityState) []track.Fix {
	return Simplify(b.Points(), ThresholdsFor(state).DPTolerance)
}

// Stats summarizes the accepted points.
func (b *Builder) Stats() track.SegmentStats {
	avg := 0.0
	if b.speedObs > 0 {
		avg = b.speedSum / float64(b.speedObs)
	}
	return track.SegmentStats{
		DistanceMeters: b.distance,
		MaxSpeed:       b.maxSpeed,
		AvgSpeed:       avg,
		PointCount:     len(b.points),
	}
}

// Clear resets the builder between segments.
func (b *Builder) Clear() {
	b.points = nil
	b.distance = 0
	b.maxSpeed = 0
	b.speedSum = 0
	b.speedObs = 0
}

// Simplify runs Douglas-Peucker over points with the given tolerance in
// meters: split recursively on the point of maximum perpendicular
// deviation from the chord, keep only chord endpoints when every interior
// point is within tolerance. Inputs of two or fewer points are returned
// unchanged. The output is always a subsequence of the input and retains
// both endpoints.
func Simplify(points []track.Fix, tolerance float64) []track.Fix {
	if len(points) <= 2 {
		return points
	}

	first := points[0].Point()
	last := points[len(points)-1].Point()

	maxDist := 0.0
	maxIdx := 0
	for i := 1; i < len(points)-1; i++ {
		d := geo.PerpendicularDistance(points[i].Point(), first, last)
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxDist <= tolerance {
		return []track.Fix{points[0], points[len(points)-1]}
	}

	left := Simplify(points[:maxIdx+1], tolerance)
	right := Simplify(points[maxIdx:], tolerance)

	out := make([]track.Fix, 0, len(left)+len(right)-1)
	out = append(out, left...)
	out = append(out, right[1:]...)
	return out
}
