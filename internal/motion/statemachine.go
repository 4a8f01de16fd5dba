// Package motion owns the stabilized activity state. All components read
// the "current" state from here; nothing else may declare it.
package motion

import (
	"time"

	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

// StateChange is emitted exactly once per committed transition.
type StateChange struct {
	Old        track.ActivityState
	New        track.ActivityState
	Confidence float64
	Time       time.Time
}

// StateMachine debounces instantaneous activity labels into committed
// transitions. A candidate state is committed once it has been pending for
// the stabilization window, has been confirmed enough times, or arrives
// with high enough confidence to bypass the wait. Not safe for concurrent
// use; callers serialize through a single event loop.
type StateMachine struct {
	window         time.Duration
	highConfidence float64
	required       int

	current track.ActivityState

	pending       track.ActivityState
	pendingSince  time.Time
	confirmations int
	avgConfidence float64
}

// NewStateMachine builds a StateMachine from the tuning config. The
// initial state is Unknown; the first valid observation commits
// immediately.
func NewStateMachine(cfg *config.TuningConfig) *StateMachine {
	return &StateMachine{
		window:         cfg.GetStabilizationWindow(),
		highConfidence: cfg.GetHighConfidence(),
		required:       cfg.GetConfirmationsRequired(),
		current:        track.StateUnknown,
	}
}

// Current returns the committed activity state.
func (m *StateMachine) Current() track.ActivityState { return m.current }

// Pending returns the candidate state awaiting confirmation, or Unknown.
func (m *StateMachine) Pending() track.ActivityState { return m.pending }

// Observe feeds one instantaneous label into the stabilization policy.
// The returned bool is true only when a transition commits.
func (m *StateMachine) Observe(state track.ActivityState, confidence float64, now time.Time) (StateChange, bool) {
	if !state.Valid() {
		return StateChange{}, false
	}

	// Initialization: nothing to debounce against yet.
	if m.current == track.StateUnknown {
		return m.commit(state, confidence, now), true
	}

	if state == m.current {
		// Agreement with the committed state cancels any pending
		// transition.
		m.clearPending()
		return StateChange{}, false
	}

	if state == m.pending {
		m.confirmations++
		m.avgConfidence += (confidence - m.avgConfidence) / float64(m.confirmations)

		switch {
		case confidence >= m.highConfidence:
			return m.commit(state, confidence, now), true
		case m.confirmations >= m.required:
			return m.commit(state, m.avgConfidence, now), true
		case now.Sub(m.pendingSince) >= m.window:
			return m.commit(state, m.avgConfidence, now), true
		}
		return StateChange{}, false
	}

	// A brand-new candidate replaces the pending one and restarts its
	// timer and counter.
	m.pending = state
	m.pendingSince = now
	m.confirmations = 1
	m.avgConfidence = confidence

	if confidence >= m.highConfidence {
		return m.commit(state, confidence, now), true
	}
	return StateChange{}, false
}

// Force commits a state immediately, bypassing the stabilization policy.
// Intended for resets and tests.
func (m *StateMachine) Force(state track.ActivityState, now time.Time) (StateChange, bool) {
	if !state.Valid() || state == m.current {
		return StateChange{}, false
	}
	return m.commit(state, 1.0, now), true
}

func (m *StateMachine) commit(state track.ActivityState, confidence float64, now time.Time) StateChange {
	change := StateChange{
		Old:        m.current,
		New:        state,
		Confidence: confidence,
		Time:       now,
	}
	m.current = state
	m.clearPending()
	return change
}

func (m *StateMachine) clearPending() {
	m.pending = track.StateUnknown
	m.pendingSince = time.Time{}
	m.confirmations = 0
	m.avgConfidence = 0
}
