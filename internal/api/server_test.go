package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/location"
	"github.com/vladgets/roadmate-tracker/internal/queue"
	"github.com/vladgets/roadmate-tracker/internal/store"
	"github.com/vladgets/roadmate-tracker/internal/timeutil"
	"github.com/vladgets/roadmate-tracker/internal/track"
	"github.com/vladgets/roadmate-tracker/internal/tracking"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *tracking.Service) {
	t.Helper()

	st, err := store.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.EmptyTuningConfig()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	svc := tracking.NewService(tracking.Deps{
		Config:   cfg,
		Clock:    clock,
		Store:    st,
		Queue:    queue.NewQueue(st, clock),
		Provider: location.NewProvider(location.NewMockSource(), cfg),
	})
	t.Cleanup(func() {
		if svc.IsRunning() {
			svc.Stop()
		}
	})

	return NewServer(svc, st, "mps"), st, svc
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusBeforeStart(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/tracking/status")
	assert.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Running bool   `json:"running"`
		State   string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.Equal(t, "unknown", status.State)
}

func TestStartStopLifecycle(t *testing.T) {
	s, _, svc := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/tracking/start")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.IsRunning())

	// Double start maps to a conflict.
	rec = doRequest(t, s, http.MethodPost, "/api/tracking/start")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/tracking/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, svc.IsRunning())

	rec = doRequest(t, s, http.MethodPost, "/api/tracking/stop")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartRejectsGet(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/tracking/start")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListSegments(t *testing.T) {
	s, st, _ := newTestServer(t)

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	seg := track.Segment{
		Kind:      track.SegmentMovement,
		State:     track.StateWalking,
		StartTime: start,
		EndTime:   &end,
	}
	_, err := st.InsertSegment(&seg)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/segments")
	assert.Equal(t, http.StatusOK, rec.Code)

	var segs []track.Segment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &segs))
	require.Len(t, segs, 1)
	assert.Equal(t, seg.ID, segs[0].ID)
}

func TestListSegmentsEmptyIsArray(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/segments")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListSegmentsFilters(t *testing.T) {
	s, st, _ := newTestServer(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i, kind := range []track.SegmentKind{track.SegmentMovement, track.SegmentStop} {
		start := base.Add(time.Duration(i) * time.Hour)
		end := start.Add(time.Minute)
		seg := track.Segment{Kind: kind, State: track.StateStill, StartTime: start, EndTime: &end}
		_, err := st.InsertSegment(&seg)
		require.NoError(t, err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/segments?kind=stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	var segs []track.Segment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &segs))
	require.Len(t, segs, 1)
	assert.Equal(t, track.SegmentStop, segs[0].Kind)

	rec = doRequest(t, s, http.MethodGet, "/api/segments?since="+base.Add(30*time.Minute).Format(time.RFC3339))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &segs))
	require.Len(t, segs, 1)

	rec = doRequest(t, s, http.MethodGet, "/api/segments?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &segs))
	require.Len(t, segs, 1)
}

func TestListSegmentsConvertsSpeedUnits(t *testing.T) {
	s, st, _ := newTestServer(t)
	s.units = "mph"

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	seg := track.Segment{
		Kind:      track.SegmentMovement,
		State:     track.StateInVehicle,
		StartTime: start,
		EndTime:   &end,
		Stats:     track.SegmentStats{MaxSpeed: 10, AvgSpeed: 5},
	}
	_, err := st.InsertSegment(&seg)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/segments")
	var segs []track.Segment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &segs))
	require.Len(t, segs, 1)
	assert.InDelta(t, 22.3694, segs[0].Stats.MaxSpeed, 0.001)
	assert.InDelta(t, 11.1847, segs[0].Stats.AvgSpeed, 0.001)
}

func TestListSegmentsRejectsBadParams(t *testing.T) {
	s, _, _ := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, s, http.MethodGet, "/api/segments?kind=flying").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, s, http.MethodGet, "/api/segments?since=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, s, http.MethodGet, "/api/segments?limit=0").Code)
}
