// Package tracking wires the motion pipeline together: classification,
// state stabilization, stop detection, polyline building, profile selection
// and persistence. The Service owns every component and is the only entry
// point the surrounding process calls.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vladgets/roadmate-tracker/internal/activity"
	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/location"
	"github.com/vladgets/roadmate-tracker/internal/monitoring"
	"github.com/vladgets/roadmate-tracker/internal/motion"
	"github.com/vladgets/roadmate-tracker/internal/notify"
	"github.com/vladgets/roadmate-tracker/internal/polyline"
	"github.com/vladgets/roadmate-tracker/internal/power"
	"github.com/vladgets/roadmate-tracker/internal/queue"
	"github.com/vladgets/roadmate-tracker/internal/stops"
	"github.com/vladgets/roadmate-tracker/internal/store"
	"github.com/vladgets/roadmate-tracker/internal/timeutil"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

var (
	// ErrAlreadyRunning is returned by Start when a session is active.
	ErrAlreadyRunning = errors.New("tracking already running")
	// ErrNotRunning is returned by Stop when no session is active.
	ErrNotRunning = errors.New("tracking not running")
)

// Deps are the collaborators the service is built from. All fields are
// required except Notifier and Battery.
type Deps struct {
	Config   *config.TuningConfig
	Clock    timeutil.Clock
	Store    *store.Store
	Queue    *queue.Queue
	Provider *location.Provider
	Notifier *notify.Notifier
	// Battery delivers power-mode changes. May be nil; the service then
	// assumes Normal throughout.
	Battery <-chan power.Mode
}

// Service is the tracking orchestrator. One instance per process; Start is
// not reentrant. All pipeline mutation happens on the internal event-loop
// goroutine, so the components themselves need no locking.
type Service struct {
	cfg      *config.TuningConfig
	clock    timeutil.Clock
	store    *store.Store
	queue    *queue.Queue
	provider *location.Provider
	notifier *notify.Notifier
	battery  <-chan power.Mode

	classifier *activity.Classifier
	sm         *motion.StateMachine
	detector   *stops.Detector
	builder    *polyline.Builder

	samples chan activity.Sample
	timers  chan uint64
	ctrl    chan chan struct{}

	// Loop-owned state.
	active *track.Segment
	mode   power.Mode

	// Snapshot fields readable from any goroutine.
	mu      sync.Mutex
	running bool
	state   track.ActivityState
	lastFix *track.Fix
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService wires a service from its collaborators.
func NewService(deps Deps) *Service {
	s := &Service{
		cfg:        deps.Config,
		clock:      deps.Clock,
		store:      deps.Store,
		queue:      deps.Queue,
		provider:   deps.Provider,
		notifier:   deps.Notifier,
		battery:    deps.Battery,
		classifier: activity.NewClassifier(deps.Config),
		sm:         motion.NewStateMachine(deps.Config),
		detector:   stops.NewDetector(deps.Config),
		builder:    polyline.NewBuilder(),
		samples:    make(chan activity.Sample, 16),
		timers:     make(chan uint64, 8),
		ctrl:       make(chan chan struct{}),
		mode:       power.ModeNormal,
		state:      track.StateUnknown,
	}
	return s
}

// Start begins a tracking session. A permission failure from the location
// source is returned and tracking does not begin; a second Start while
// running returns ErrAlreadyRunning.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	// Active movement until the first state commits; the selector takes
	// over from there.
	if err := s.provider.Start(location.ProfileActiveMovement); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.state = track.StateUnknown

	// Discard anything left over from a previous session.
	for len(s.timers) > 0 {
		<-s.timers
	}
	for len(s.samples) > 0 {
		<-s.samples
	}

	// Fresh pipeline per session.
	s.classifier = activity.NewClassifier(s.cfg)
	s.sm = motion.NewStateMachine(s.cfg)
	s.detector = stops.NewDetector(s.cfg)
	s.builder.Clear()
	s.active = nil

	s.detector.Schedule = func(d time.Duration, gen uint64) {
		timer := s.clock.NewTimer(d)
		go func() {
			select {
			case <-timer.C():
				select {
				case s.timers <- gen:
				case <-ctx.Done():
				}
			case <-ctx.Done():
				timer.Stop()
			}
		}()
	}

	now := s.clock.Now().UTC()
	s.enqueue(track.TrackingStartedPayload{StartedAt: now})
	// s.mu is held here, so write the status row directly.
	if err := s.store.SetCurrentState(store.CurrentState{State: s.state, UpdatedAt: now}); err != nil {
		monitoring.Logf("tracking: persist current state: %v", err)
	}

	go s.loop(ctx)
	monitoring.Logf("tracking: started")
	return nil
}

// Stop ends the session: the active segment is finalized and persisted
// before provider resources are released.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	done := s.done
	cancel := s.cancel
	s.mu.Unlock()

	ack := make(chan struct{})
	select {
	case s.ctrl <- ack:
		<-ack
	case <-done:
	}
	cancel()
	<-done

	s.provider.Stop()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	monitoring.Logf("tracking: stopped")
	return nil
}

// IsRunning reports whether a session is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Current returns the last committed activity state.
func (s *Service) Current() track.ActivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastFix returns the most recent location fix, or nil before the first.
func (s *Service) LastFix() *track.Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFix == nil {
		return nil
	}
	fix := *s.lastFix
	return &fix
}

// SubmitSample feeds an external activity sample (e.g. an accelerometer
// speed estimate) into the pipeline. Drops the sample when the loop is
// backed up rather than blocking the sensor collaborator.
func (s *Service) SubmitSample(sample activity.Sample) {
	select {
	case s.samples <- sample:
	default:
		monitoring.Logf("tracking: sample dropped, loop backed up")
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	heartbeat := s.clock.NewTicker(s.cfg.GetHeartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case ack := <-s.ctrl:
			s.shutdown()
			close(ack)
			return
		case fix, ok := <-s.provider.Fixes():
			if !ok {
				s.shutdown()
				return
			}
			s.onFix(fix)
		case sample := <-s.samples:
			s.onSample(sample)
		case gen := <-s.timers:
			s.onTimer(gen)
		case mode, ok := <-s.batteryUpdates():
			if !ok {
				s.battery = nil
				continue
			}
			s.onBatteryMode(mode)
		case <-heartbeat.C():
			s.persistCurrentState(s.clock.Now().UTC())
		}
	}
}

// batteryUpdates returns the battery channel, or a nil channel (blocking
// forever) when no battery manager is wired.
func (s *Service) batteryUpdates() <-chan power.Mode {
	return s.battery
}

func (s *Service) onFix(fix track.Fix) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	f := fix
	s.lastFix = &f
	s.mu.Unlock()

	// The fix's speed doubles as an activity sample.
	if obs, ok := s.classifier.Observe(activity.Sample{Speed: fix.Speed, Time: fix.Time}); ok {
		s.observe(obs)
	}

	s.handleStopEvents(s.detector.OnFix(fix, now))

	if s.active != nil && s.active.Kind == track.SegmentMovement {
		if s.builder.AddPoint(fix, s.active.State) {
			s.enqueue(track.LocationFixPayload{Fix: fix})
		}
	}

	s.applyProfile()
}

func (s *Service) onSample(sample activity.Sample) {
	if obs, ok := s.classifier.Observe(sample); ok {
		s.observe(obs)
	}
	s.applyProfile()
}

func (s *Service) onTimer(gen uint64) {
	now := s.clock.Now().UTC()
	s.handleStopEvents(s.detector.OnTimer(gen, now))
	s.applyProfile()
}

func (s *Service) onBatteryMode(mode power.Mode) {
	s.mode = mode
	monitoring.Logf("tracking: power mode %s", mode)
	s.applyProfile()
}

// observe routes a classifier observation through the state machine and
// reacts to a committed transition.
func (s *Service) observe(obs activity.Observation) {
	change, ok := s.sm.Observe(obs.State, obs.Confidence, obs.Time)
	if !ok {
		return
	}
	s.onStateChange(change)
}

func (s *Service) onStateChange(change motion.StateChange) {
	now := change.Time.UTC()
	monitoring.Logf("tracking: state %s -> %s (confidence %.2f)", change.Old, change.New, change.Confidence)

	s.mu.Lock()
	s.state = change.New
	s.mu.Unlock()

	s.enqueue(track.StateChangedPayload{
		Old:        change.Old,
		New:        change.New,
		Confidence: change.Confidence,
		At:         now,
	})

	// Arrival: a drive just ended.
	if change.Old == track.StateInVehicle && s.notifier != nil {
		if fix := s.LastFix(); fix != nil {
			s.notifier.NotifyArrival(fix.Point(), now)
		}
	}

	if change.Old == track.StateStill {
		s.handleStopEvents(s.detector.OnStateExit(now))
	}

	switch {
	case change.New == track.StateStill:
		s.finalizeMovement(now)
		s.detector.BeginAcquisition(change.Old, now)
	case change.New.Moving():
		s.finalizeMovement(now)
		s.startMovement(change.New, now)
	}

	s.persistCurrentState(now)
	s.applyProfile()
}

func (s *Service) handleStopEvents(events []stops.Event) {
	for _, ev := range events {
		switch ev := ev.(type) {
		case stops.Started:
			s.onStopStarted(ev)
		case stops.Confirmed:
			s.onStopConfirmed(ev)
		case stops.Ended:
			s.onStopEnded(ev)
		}
	}
}

func (s *Service) onStopStarted(ev stops.Started) {
	anchor := ev.Anchor
	seg := &track.Segment{
		ID:        ev.StopID,
		Kind:      track.SegmentStop,
		State:     track.StateStill,
		StartTime: ev.Time,
		Anchor:    &anchor,
	}
	if _, err := s.store.InsertSegment(seg); err != nil {
		monitoring.Logf("tracking: persist stop segment: %v", err)
	}
	s.active = seg

	s.enqueue(track.StopStartedPayload{
		StopID:    ev.StopID,
		Anchor:    ev.Anchor,
		StartedAt: ev.Time,
	})
}

func (s *Service) onStopConfirmed(ev stops.Confirmed) {
	if s.active != nil && s.active.ID == ev.StopID {
		anchor := ev.Anchor
		acc := ev.AnchorAccuracy
		confirmed := ev.ConfirmTime
		s.active.StartTime = ev.StartTime
		s.active.ConfirmedAt = &confirmed
		s.active.Anchor = &anchor
		s.active.AnchorAccuracy = &acc
		s.active.Confidence = ev.Confidence
		if err := s.store.UpdateSegment(s.active); err != nil {
			monitoring.Logf("tracking: persist stop confirmation: %v", err)
		}
	}

	s.enqueue(track.StopConfirmedPayload{
		StopID:         ev.StopID,
		Anchor:         ev.Anchor,
		AnchorAccuracy: ev.AnchorAccuracy,
		StartTime:      ev.StartTime,
		ConfirmTime:    ev.ConfirmTime,
		Confidence:     ev.Confidence,
	})
}

func (s *Service) onStopEnded(ev stops.Ended) {
	if s.active != nil && s.active.ID == ev.StopID {
		end := ev.Time
		s.active.EndTime = &end
		if err := s.store.UpdateSegment(s.active); err != nil {
			monitoring.Logf("tracking: finalize stop segment: %v", err)
		}
		s.active = nil
	}

	s.enqueue(track.StopEndedPayload{StopID: ev.StopID, EndTime: ev.Time})
}

func (s *Service) startMovement(state track.ActivityState, now time.Time) {
	s.builder.Clear()
	seg := &track.Segment{
		Kind:      track.SegmentMovement,
		State:     state,
		StartTime: now,
	}
	if _, err := s.store.InsertSegment(seg); err != nil {
		monitoring.Logf("tracking: persist movement segment: %v", err)
	}
	s.active = seg
}

// finalizeMovement closes the active movement segment, if any: simplify
// the polyline, stamp the end time, persist. Movement segments are always
// finalized, unlike unconfirmed stop attempts.
func (s *Service) finalizeMovement(now time.Time) {
	if s.active == nil || s.active.Kind != track.SegmentMovement {
		return
	}

	s.active.Polyline = s.builder.Simplified(s.active.State)
	s.active.Stats = s.builder.Stats()
	end := now
	s.active.EndTime = &end
	if err := s.store.UpdateSegment(s.active); err != nil {
		monitoring.Logf("tracking: finalize movement segment: %v", err)
	}
	s.builder.Clear()
	s.active = nil
}

// shutdown finalizes whatever segment is active before the loop exits.
func (s *Service) shutdown() {
	now := s.clock.Now().UTC()
	if s.active != nil {
		switch s.active.Kind {
		case track.SegmentMovement:
			s.finalizeMovement(now)
		case track.SegmentStop:
			end := now
			s.active.EndTime = &end
			if err := s.store.UpdateSegment(s.active); err != nil {
				monitoring.Logf("tracking: finalize stop segment: %v", err)
			}
			s.enqueue(track.StopEndedPayload{StopID: s.active.ID, EndTime: now})
			s.active = nil
		}
	}
	s.persistCurrentState(now)
}

func (s *Service) applyProfile() {
	desired := location.Select(s.sm.Current(), s.detector.Acquiring(), s.mode)
	if err := s.provider.SwitchProfile(desired); err != nil {
		monitoring.Logf("tracking: switch profile: %v", err)
	}
}

func (s *Service) enqueue(payload track.Payload) {
	if _, err := s.queue.Enqueue(payload); err != nil {
		monitoring.Logf("tracking: enqueue %s: %v", payload.EventType(), err)
	}
}

func (s *Service) persistCurrentState(now time.Time) {
	s.mu.Lock()
	cs := store.CurrentState{State: s.state, LastFix: s.lastFix, UpdatedAt: now}
	s.mu.Unlock()
	if err := s.store.SetCurrentState(cs); err != nil {
		monitoring.Logf("tracking: persist current state: %v", err)
	}
}
