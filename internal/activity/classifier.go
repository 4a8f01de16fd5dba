// Package activity converts raw speed samples into best-guess activity
// labels with a confidence score.
package activity

import (
	"time"

	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

// Sample is a raw sensor reading. Speed is nil when the source could not
// measure it; such samples are ignored.
type Sample struct {
	Speed *float64 // m/s
	Time  time.Time
}

// Observation is an instantaneous activity label with its confidence.
type Observation struct {
	State      track.ActivityState
	Confidence float64
	Time       time.Time
}

// Classifier maps speed samples onto activity states using fixed speed
// bands. The zone between the still and walking thresholds resolves to
// Still: it is cheaper to delay a walking label than to open a movement
// segment on jitter.
type Classifier struct {
	stillThreshold   float64
	walkingThreshold float64
	vehicleThreshold float64

	lastEmitted track.ActivityState
}

// NewClassifier builds a Classifier from the tuning config.
func NewClassifier(cfg *config.TuningConfig) *Classifier {
	return &Classifier{
		stillThreshold:   cfg.GetStillThreshold(),
		walkingThreshold: cfg.GetWalkingThreshold(),
		vehicleThreshold: cfg.GetVehicleThreshold(),
		lastEmitted:      track.StateUnknown,
	}
}

// Classify labels the sample. The second return value is false when there
// is nothing to emit: the sample lacks speed, or the label matches the
// previous emission.
func (c *Classifier) Classify(s Sample) (Observation, bool) {
	if s.Speed == nil {
		return Observation{}, false
	}
	state, conf := c.label(*s.Speed)
	if state == c.lastEmitted {
		return Observation{}, false
	}
	c.lastEmitted = state
	return Observation{State: state, Confidence: conf, Time: s.Time}, true
}

// Observe labels the sample without the emission dedup. The state machine
// applies its own hysteresis and needs every sample, not just label
// changes, to drive its count- and window-based commits.
func (c *Classifier) Observe(s Sample) (Observation, bool) {
	if s.Speed == nil {
		return Observation{}, false
	}
	state, conf := c.label(*s.Speed)
	return Observation{State: state, Confidence: conf, Time: s.Time}, true
}

// Reset clears the deduplication state so the next sample always emits.
func (c *Classifier) Reset() {
	c.lastEmitted = track.StateUnknown
}

// label maps a speed onto a state and scores how deep the speed sits
// inside its band. Band edges score low; band centers score high.
func (c *Classifier) label(speed float64) (track.ActivityState, float64) {
	if speed < 0 {
		speed = -speed
	}
	switch {
	case speed < c.stillThreshold:
		return track.StateStill, bandConfidence(speed, 0, c.stillThreshold)
	case speed < c.walkingThreshold:
		// Transition zone resolves conservatively to Still, at reduced
		// confidence the closer it gets to the walking threshold.
		return track.StateStill, 0.5 * (1 - bandConfidence(speed, c.stillThreshold, c.walkingThreshold))
	case speed < c.vehicleThreshold:
		return track.StateWalking, bandConfidence(speed, c.walkingThreshold, c.vehicleThreshold)
	default:
		// Above the vehicle threshold confidence grows with margin and
		// saturates around twice the threshold.
		margin := (speed - c.vehicleThreshold) / c.vehicleThreshold
		if margin > 1 {
			margin = 1
		}
		return track.StateInVehicle, 0.6 + 0.4*margin
	}
}

// bandConfidence scores position within [lo, hi): 1.0 at the center,
// approaching 0.5 at the edges.
func bandConfidence(v, lo, hi float64) float64 {
	mid := (lo + hi) / 2
	half := (hi - lo) / 2
	if half == 0 {
		return 0.5
	}
	offset := v - mid
	if offset < 0 {
		offset = -offset
	}
	return 1.0 - 0.5*(offset/half)
}
