// Package location acquires positioning fixes under a selected sampling
// profile and decides which profile the tracker should be running.
package location

import (
	"time"

	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/power"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

// Profile names a sampling-aggressiveness configuration.
type Profile string

const (
	// ProfileActiveMovement: frequent, high-accuracy fixes for continuous
	// tracking while moving.
	ProfileActiveMovement Profile = "active_movement"
	// ProfileStopAcquisition: very frequent, best-accuracy fixes for the
	// short bounded window used to pinpoint a stop.
	ProfileStopAcquisition Profile = "stop_acquisition"
	// ProfileIdle: infrequent, low-accuracy fixes while stationary. Never
	// fully silent: the floor interval guarantees periodic wake-ups.
	ProfileIdle Profile = "idle"
)

// Params is the acquisition tuning for one profile.
type Params struct {
	Interval    time.Duration // sampling interval
	MinDistance float64       // distance filter, meters
	Accuracy    float64       // requested accuracy, meters
}

// ParamsFor maps a profile onto acquisition parameters. The idle floor
// interval comes from the tuning config so deployments can trade latency
// for battery.
func ParamsFor(p Profile, cfg *config.TuningConfig) Params {
	switch p {
	case ProfileStopAcquisition:
		return Params{Interval: 2 * time.Second, MinDistance: 0, Accuracy: 10}
	case ProfileIdle:
		return Params{Interval: cfg.GetIdleFloorInterval(), MinDistance: 50, Accuracy: 100}
	default:
		return Params{Interval: 10 * time.Second, MinDistance: 10, Accuracy: 20}
	}
}

// Select is the profile policy: it maps the committed activity state, the
// stop-acquisition flag and the power mode onto the profile the provider
// should run. Acquisition precision outranks battery policy because the
// window is short.
func Select(state track.ActivityState, acquiring bool, mode power.Mode) Profile {
	if acquiring {
		return ProfileStopAcquisition
	}
	if state == track.StateStill || state == track.StateUnknown {
		return ProfileIdle
	}
	if mode == power.ModePowerSaving || mode == power.ModeCritical {
		return ProfileIdle
	}
	return ProfileActiveMovement
}
