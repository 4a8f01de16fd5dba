// Package stops detects and geolocates stops. Each attempt runs a bounded
// acquisition window, computes a robust anchor from the collected fixes,
// then requires sustained dwell within a radius of that anchor before the
// stop is confirmed.
package stops

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/geo"
	"github.com/vladgets/roadmate-tracker/internal/monitoring"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

// Phase is the per-attempt detector state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAcquiring  Phase = "acquiring"
	PhaseConfirming Phase = "confirming"
	PhaseConfirmed  Phase = "confirmed"
)

// Event is a detector output consumed by the tracking service.
type Event interface{ isStopEvent() }

// Started is emitted when acquisition succeeds and confirmation begins.
type Started struct {
	StopID string
	Anchor geo.Point
	Time   time.Time
}

// Confirmed is emitted once the dwell minimum elapses inside the radius.
type Confirmed struct {
	StopID         string
	Anchor         geo.Point
	AnchorAccuracy float64
	StartTime      time.Time
	ConfirmTime    time.Time
	Confidence     float64
}

// Ended is emitted when a started stop concludes, by radius exit or by the
// state machine leaving Still.
type Ended struct {
	StopID string
	Time   time.Time
}

func (Started) isStopEvent()   {}
func (Confirmed) isStopEvent() {}
func (Ended) isStopEvent()     {}

// Detector runs the per-stop state machine. It owns no timers itself: the
// Schedule callback asks the owning event loop for a wake-up carrying a
// generation number, and stale generations delivered to OnTimer are
// no-ops. Not safe for concurrent use.
type Detector struct {
	// Schedule requests a timer that delivers gen to OnTimer after d.
	// Must be set before use.
	Schedule func(d time.Duration, gen uint64)

	window          time.Duration
	maxFixes        int
	minFixes        int
	maxAccuracy     float64
	defaultAccuracy float64
	radius          float64
	minDwell        time.Duration
	vehicleDwell    time.Duration

	phase     Phase
	gen       uint64
	prevState track.ActivityState
	startTime time.Time
	fixes     []track.Fix

	stopID         string
	anchor         geo.Point
	anchorAccuracy float64
	confidence     float64
}

// NewDetector builds a Detector from the tuning config.
func NewDetector(cfg *config.TuningConfig) *Detector {
	return &Detector{
		window:          cfg.GetAcquisitionWindow(),
		maxFixes:        cfg.GetAcquisitionMaxFixes(),
		minFixes:        cfg.GetAcquisitionMinFixes(),
		maxAccuracy:     cfg.GetMaxFixAccuracy(),
		defaultAccuracy: cfg.GetDefaultFixAccuracy(),
		radius:          cfg.GetStopRadius(),
		minDwell:        cfg.GetMinDwell(),
		vehicleDwell:    cfg.GetVehicleDwell(),
		phase:           PhaseIdle,
	}
}

// CurrentPhase returns the current attempt phase.
func (d *Detector) CurrentPhase() Phase { return d.phase }

// Acquiring reports whether a stop-acquisition window is active. The
// profile selector keys off this.
func (d *Detector) Acquiring() bool { return d.phase == PhaseAcquiring }

// StopID returns the id of the started stop, or "" before acquisition
// succeeds.
func (d *Detector) StopID() string { return d.stopID }

// Anchor returns the computed anchor. Valid only after acquisition
// succeeds.
func (d *Detector) Anchor() geo.Point { return d.anchor }

// BeginAcquisition starts a stop attempt. prev is the committed state the
// device was in before turning Still; vehicle arrivals require a longer
// dwell so a traffic light does not read as parking.
func (d *Detector) BeginAcquisition(prev track.ActivityState, now time.Time) {
	d.reset()
	d.phase = PhaseAcquiring
	d.prevState = prev
	d.startTime = now
	d.gen++
	d.Schedule(d.window, d.gen)
}

// OnFix feeds a location fix into the current attempt.
func (d *Detector) OnFix(fix track.Fix, now time.Time) []Event {
	switch d.phase {
	case PhaseAcquiring:
		if fix.Accuracy != nil && *fix.Accuracy > d.maxAccuracy {
			return nil
		}
		d.fixes = append(d.fixes, fix)
		if len(d.fixes) >= d.maxFixes {
			return d.completeAcquisition(now)
		}
		return nil

	case PhaseConfirming, PhaseConfirmed:
		if geo.Haversine(fix.Point(), d.anchor) > d.radius {
			// Movement resumed: end the stop immediately without
			// waiting for the state machine to agree.
			return d.endStop(now)
		}
		return nil
	}
	return nil
}

// OnTimer handles a timer wake-up. A generation that does not match the
// current attempt is a stale fire and is ignored.
func (d *Detector) OnTimer(gen uint64, now time.Time) []Event {
	if gen != d.gen {
		return nil
	}
	switch d.phase {
	case PhaseAcquiring:
		return d.completeAcquisition(now)
	case PhaseConfirming:
		d.phase = PhaseConfirmed
		d.gen++
		return []Event{Confirmed{
			StopID:         d.stopID,
			Anchor:         d.anchor,
			AnchorAccuracy: d.anchorAccuracy,
			StartTime:      d.startTime,
			ConfirmTime:    now,
			Confidence:     d.confidence,
		}}
	}
	return nil
}

// OnStateExit handles the state machine committing a transition away from
// Still. An attempt still acquiring resets silently; a started stop ends.
func (d *Detector) OnStateExit(now time.Time) []Event {
	switch d.phase {
	case PhaseAcquiring:
		d.reset()
		return nil
	case PhaseConfirming, PhaseConfirmed:
		return d.endStop(now)
	}
	return nil
}

func (d *Detector) completeAcquisition(now time.Time) []Event {
	if len(d.fixes) < d.minFixes {
		monitoring.Logf("stop acquisition abandoned: %d usable fixes (need %d)", len(d.fixes), d.minFixes)
		d.reset()
		return nil
	}

	d.anchor, d.anchorAccuracy = d.computeAnchor()
	d.confidence = d.anchorConfidence()
	d.stopID = uuid.NewString()
	d.phase = PhaseConfirming
	d.gen++

	dwell := d.minDwell
	if d.prevState == track.StateInVehicle {
		dwell = d.vehicleDwell
	}
	d.Schedule(dwell, d.gen)

	return []Event{Started{StopID: d.stopID, Anchor: d.anchor, Time: now}}
}

func (d *Detector) endStop(now time.Time) []Event {
	id := d.stopID
	d.reset()
	return []Event{Ended{StopID: id, Time: now}}
}

func (d *Detector) reset() {
	d.phase = PhaseIdle
	d.gen++ // invalidate any outstanding timer
	d.prevState = track.StateUnknown
	d.startTime = time.Time{}
	d.fixes = nil
	d.stopID = ""
	d.anchor = geo.Point{}
	d.anchorAccuracy = 0
	d.confidence = 0
}

// computeAnchor derives the stop anchor from the acquired fixes: outliers
// beyond twice the median distance from the coordinate-wise median are
// dropped, then the survivors are combined by inverse-variance weighting
// (weight 1/accuracy²).
func (d *Detector) computeAnchor() (geo.Point, float64) {
	lats := make([]float64, len(d.fixes))
	lons := make([]float64, len(d.fixes))
	for i, f := range d.fixes {
		lats[i] = f.Lat
		lons[i] = f.Lon
	}
	medianPoint := geo.Point{Lat: median(lats), Lon: median(lons)}

	dists := make([]float64, len(d.fixes))
	for i, f := range d.fixes {
		dists[i] = geo.Haversine(f.Point(), medianPoint)
	}
	cutoff := 2 * median(append([]float64(nil), dists...))

	kept := d.fixes
	if cutoff > 0 {
		kept = kept[:0:0]
		for i, f := range d.fixes {
			if dists[i] <= cutoff {
				kept = append(kept, f)
			}
		}
		// The median point itself always survives its own cutoff, so
		// kept cannot be empty here.
	}

	keptLats := make([]float64, len(kept))
	keptLons := make([]float64, len(kept))
	weights := make([]float64, len(kept))
	var weightSum float64
	for i, f := range kept {
		acc := d.defaultAccuracy
		if f.Accuracy != nil {
			acc = *f.Accuracy
		}
		w := 1 / (acc * acc)
		keptLats[i] = f.Lat
		keptLons[i] = f.Lon
		weights[i] = w
		weightSum += w
	}

	anchor := geo.Point{
		Lat: stat.Mean(keptLats, weights),
		Lon: stat.Mean(keptLons, weights),
	}
	// Combined 1-sigma of the inverse-variance weighted mean.
	combined := 0.0
	if weightSum > 0 {
		combined = 1 / math.Sqrt(weightSum)
	}
	return anchor, combined
}

// anchorConfidence blends how many fixes were collected with how accurate
// they were on average.
func (d *Detector) anchorConfidence() float64 {
	countScore := float64(len(d.fixes)) / float64(d.maxFixes)
	if countScore > 1 {
		countScore = 1
	}

	accs := make([]float64, len(d.fixes))
	for i, f := range d.fixes {
		acc := d.defaultAccuracy
		if f.Accuracy != nil {
			acc = *f.Accuracy
		}
		accs[i] = acc
	}
	accScore := 1 - stat.Mean(accs, nil)/d.maxAccuracy
	if accScore < 0 {
		accScore = 0
	}

	return 0.5*countScore + 0.5*accScore
}

// median returns the middle value of xs; xs is sorted in place.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sort.Float64s(xs)
	return stat.Quantile(0.5, stat.Empirical, xs, nil)
}
