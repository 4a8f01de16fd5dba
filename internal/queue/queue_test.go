package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgets/roadmate-tracker/internal/httputil"
	"github.com/vladgets/roadmate-tracker/internal/store"
	"github.com/vladgets/roadmate-tracker/internal/timeutil"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

const (
	testEventsURL   = "https://api.example.com/v1/tracking/events"
	testSegmentsURL = "https://api.example.com/v1/tracking/segments"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSyncer(s *store.Store, client httputil.HTTPClient, clock timeutil.Clock) *Syncer {
	return NewSyncer(s, client, clock, SyncerConfig{
		EventsURL:   testEventsURL,
		SegmentsURL: testSegmentsURL,
	})
}

func TestEnqueuePersists(t *testing.T) {
	s := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	q := NewQueue(s, clock)

	ev, err := q.Enqueue(track.StateChangedPayload{
		Old:        track.StateStill,
		New:        track.StateWalking,
		Confidence: 0.9,
		At:         clock.Now(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ClientID)
	assert.Equal(t, track.EventStateChanged, ev.Type)

	pending, err := q.Pending(10)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestSyncOnceMarksEventsSynced(t *testing.T) {
	s := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	q := NewQueue(s, clock)
	client := httputil.NewMockHTTPClient().AddResponse(200, `{}`)
	syncer := newTestSyncer(s, client, clock)

	_, err := q.Enqueue(track.TrackingStartedPayload{StartedAt: clock.Now()})
	require.NoError(t, err)

	syncer.SyncOnce()

	require.Equal(t, 1, client.RequestCount())
	req := client.Request(0)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, testEventsURL, req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var batch struct {
		Events []track.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(client.RequestBody(0), &batch))
	require.Len(t, batch.Events, 1)
	assert.Equal(t, track.EventTrackingStarted, batch.Events[0].Type)

	pending, err := q.Pending(10)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestSyncedEventNeverResubmitted(t *testing.T) {
	s := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	q := NewQueue(s, clock)
	client := httputil.NewMockHTTPClient().
		AddResponse(200, `{}`).
		AddResponse(200, `{}`)
	syncer := newTestSyncer(s, client, clock)

	_, err := q.Enqueue(track.TrackingStartedPayload{StartedAt: clock.Now()})
	require.NoError(t, err)

	syncer.SyncOnce()
	syncer.SyncOnce()

	// The second pass finds nothing unsynced and posts nothing.
	assert.Equal(t, 1, client.RequestCount())
}

func TestSyncFailureIncrementsRetry(t *testing.T) {
	s := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	q := NewQueue(s, clock)
	client := httputil.NewMockHTTPClient().
		AddErrorResponse(errors.New("no route to host")).
		AddErrorResponse(errors.New("no route to host")).
		AddResponse(200, `{}`)
	syncer := newTestSyncer(s, client, clock)

	_, err := q.Enqueue(track.TrackingStartedPayload{StartedAt: clock.Now()})
	require.NoError(t, err)

	syncer.SyncOnce()
	evs, err := s.UnsyncedEvents(10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, 1, evs[0].RetryCount)

	syncer.SyncOnce()
	evs, err = s.UnsyncedEvents(10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, 2, evs[0].RetryCount)

	// Third pass succeeds; the event leaves the queue with its retry
	// history intact.
	syncer.SyncOnce()
	evs, err = s.UnsyncedEvents(10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestNon2xxCountsAsFailure(t *testing.T) {
	s := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	q := NewQueue(s, clock)
	client := httputil.NewMockHTTPClient().AddResponse(503, `overloaded`)
	syncer := newTestSyncer(s, client, clock)

	_, err := q.Enqueue(track.TrackingStartedPayload{StartedAt: clock.Now()})
	require.NoError(t, err)

	syncer.SyncOnce()

	evs, err := s.UnsyncedEvents(10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, 1, evs[0].RetryCount)
}

func TestBatchSizeRespected(t *testing.T) {
	s := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	q := NewQueue(s, clock)
	client := httputil.NewMockHTTPClient().
		AddResponse(200, `{}`).
		AddResponse(200, `{}`)
	syncer := NewSyncer(s, client, clock, SyncerConfig{
		EventsURL:   testEventsURL,
		SegmentsURL: testSegmentsURL,
		BatchSize:   2,
	})

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		_, err := q.Enqueue(track.TrackingStartedPayload{StartedAt: clock.Now()})
		require.NoError(t, err)
	}

	syncer.SyncOnce()

	var batch struct {
		Events []track.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(client.RequestBody(0), &batch))
	assert.Len(t, batch.Events, 2)

	// The remainder goes out on the next pass.
	syncer.SyncOnce()
	require.NoError(t, json.Unmarshal(client.RequestBody(1), &batch))
	assert.Len(t, batch.Events, 1)
}

func TestSyncSegments(t *testing.T) {
	s := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	client := httputil.NewMockHTTPClient().AddResponse(200, `{}`)
	syncer := newTestSyncer(s, client, clock)

	start := clock.Now()
	end := start.Add(10 * time.Minute)
	done := track.Segment{
		Kind:      track.SegmentMovement,
		State:     track.StateInVehicle,
		StartTime: start,
		EndTime:   &end,
	}
	_, err := s.InsertSegment(&done)
	require.NoError(t, err)

	active := track.Segment{
		Kind:      track.SegmentMovement,
		State:     track.StateWalking,
		StartTime: end,
	}
	_, err = s.InsertSegment(&active)
	require.NoError(t, err)

	syncer.SyncOnce()

	require.Equal(t, 1, client.RequestCount())
	req := client.Request(0)
	assert.Equal(t, testSegmentsURL, req.URL.String())

	var batch struct {
		Segments []track.Segment `json:"segments"`
	}
	require.NoError(t, json.Unmarshal(client.RequestBody(0), &batch))
	require.Len(t, batch.Segments, 1)
	assert.Equal(t, done.ID, batch.Segments[0].ID)

	segs, err := s.Segments(store.SegmentFilter{OnlyUnsynced: true})
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestRunSyncsOnTick(t *testing.T) {
	s := newTestStore(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	q := NewQueue(s, clock)
	client := httputil.NewMockHTTPClient().AddResponse(200, `{}`)
	syncer := NewSyncer(s, client, clock, SyncerConfig{
		EventsURL:   testEventsURL,
		SegmentsURL: testSegmentsURL,
		Interval:    30 * time.Second,
	})

	_, err := q.Enqueue(track.TrackingStartedPayload{StartedAt: clock.Now()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(done)
	}()

	// Let Run reach its select before firing the tick.
	time.Sleep(10 * time.Millisecond)
	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool {
		return client.RequestCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
