// Package queue buffers domain events durably and drains them to the
// backend in batches. Enqueue never touches the network; the Syncer drains
// on its own schedule so tracking is unaffected by connectivity.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vladgets/roadmate-tracker/internal/httputil"
	"github.com/vladgets/roadmate-tracker/internal/monitoring"
	"github.com/vladgets/roadmate-tracker/internal/store"
	"github.com/vladgets/roadmate-tracker/internal/timeutil"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

// Queue persists events for later sync.
type Queue struct {
	store *store.Store
	clock timeutil.Clock
}

// NewQueue returns a queue backed by the given store.
func NewQueue(s *store.Store, clock timeutil.Clock) *Queue {
	return &Queue{store: s, clock: clock}
}

// Enqueue assigns a client id and persists the event. It returns the stored
// event so callers can log or inspect the assigned id.
func (q *Queue) Enqueue(payload track.Payload) (track.Event, error) {
	ev := track.Event{
		ClientID:  uuid.NewString(),
		Type:      payload.EventType(),
		Payload:   payload,
		CreatedAt: q.clock.Now().UTC(),
	}
	if err := q.store.InsertEvent(&ev); err != nil {
		return track.Event{}, fmt.Errorf("enqueue %s: %w", ev.Type, err)
	}
	return ev, nil
}

// Pending returns the number of unsynced events, bounded by limit.
func (q *Queue) Pending(limit int) (int, error) {
	evs, err := q.store.UnsyncedEvents(limit)
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

// eventBatch is the wire form of an event sync request.
type eventBatch struct {
	Events []track.Event `json:"events"`
}

// segmentBatch is the wire form of a segment sync request.
type segmentBatch struct {
	Segments []track.Segment `json:"segments"`
}

// Syncer drains the queue to the backend on a fixed interval.
type Syncer struct {
	store       *store.Store
	client      httputil.HTTPClient
	clock       timeutil.Clock
	eventsURL   string
	segmentsURL string
	interval    time.Duration
	batchSize   int
	segmentsCap int
}

// SyncerConfig carries the sync endpoints and cadence.
type SyncerConfig struct {
	EventsURL   string
	SegmentsURL string
	Interval    time.Duration
	BatchSize   int
	SegmentsCap int
}

// NewSyncer builds a Syncer. Zero config fields fall back to 30s interval,
// 50-event batches and a 20-segment cap.
func NewSyncer(s *store.Store, client httputil.HTTPClient, clock timeutil.Clock, cfg SyncerConfig) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SegmentsCap <= 0 {
		cfg.SegmentsCap = 20
	}
	return &Syncer{
		store:       s,
		client:      client,
		clock:       clock,
		eventsURL:   cfg.EventsURL,
		segmentsURL: cfg.SegmentsURL,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		segmentsCap: cfg.SegmentsCap,
	}
}

// Run drains the queue on each tick until the context is canceled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	monitoring.Logf("syncer: running every %v", s.interval)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("syncer: stopping")
			return
		case <-ticker.C():
			s.SyncOnce()
		}
	}
}

// SyncOnce pushes one batch of events and one batch of finalized segments.
// Failures are logged and retried on the next pass; a failed batch never
// blocks tracking.
func (s *Syncer) SyncOnce() {
	if err := s.syncEvents(); err != nil {
		monitoring.Logf("syncer: events: %v", err)
	}
	if err := s.syncSegments(); err != nil {
		monitoring.Logf("syncer: segments: %v", err)
	}
}

func (s *Syncer) syncEvents() error {
	events, err := s.store.UnsyncedEvents(s.batchSize)
	if err != nil {
		return fmt.Errorf("load unsynced: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ClientID
	}

	if err := s.post(s.eventsURL, eventBatch{Events: events}); err != nil {
		if rerr := s.store.IncrementRetry(ids); rerr != nil {
			monitoring.Logf("syncer: increment retry: %v", rerr)
		}
		return fmt.Errorf("post %d events: %w", len(events), err)
	}

	if err := s.store.MarkEventsSynced(ids, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	monitoring.Logf("syncer: synced %d events", len(events))
	return nil
}

func (s *Syncer) syncSegments() error {
	segs, err := s.store.Segments(store.SegmentFilter{OnlyUnsynced: true, Limit: s.segmentsCap})
	if err != nil {
		return fmt.Errorf("load unsynced: %w", err)
	}
	if len(segs) == 0 {
		return nil
	}

	ids := make([]string, len(segs))
	for i, seg := range segs {
		ids[i] = seg.ID
	}

	if err := s.post(s.segmentsURL, segmentBatch{Segments: segs}); err != nil {
		return fmt.Errorf("post %d segments: %w", len(segs), err)
	}

	if err := s.store.MarkSegmentsSynced(ids); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	monitoring.Logf("syncer: synced %d segments", len(segs))
	return nil
}

func (s *Syncer) post(url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}
