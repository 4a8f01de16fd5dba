// Package api is the local control surface: a small JSON API for starting
// and stopping tracking and inspecting recorded segments. It is meant to be
// bound to localhost; there is no authentication layer.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vladgets/roadmate-tracker/internal/httputil"
	"github.com/vladgets/roadmate-tracker/internal/monitoring"
	"github.com/vladgets/roadmate-tracker/internal/store"
	"github.com/vladgets/roadmate-tracker/internal/track"
	"github.com/vladgets/roadmate-tracker/internal/tracking"
)

// Speeds are stored in m/s and converted on the way out.
func convertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case "mph":
		return speedMPS * 2.23694
	case "kmph", "kph":
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

type Server struct {
	svc   *tracking.Service
	db    *store.Store
	units string
}

func NewServer(svc *tracking.Service, db *store.Store, units string) *Server {
	return &Server{svc: svc, db: db, units: units}
}

// convertSegmentSpeeds applies unit conversion to a segment's summary
// stats and retained fixes.
func (s *Server) convertSegmentSpeeds(seg track.Segment) track.Segment {
	seg.Stats.MaxSpeed = convertSpeed(seg.Stats.MaxSpeed, s.units)
	seg.Stats.AvgSpeed = convertSpeed(seg.Stats.AvgSpeed, s.units)
	for i, fix := range seg.Polyline {
		if fix.Speed != nil {
			converted := convertSpeed(*fix.Speed, s.units)
			seg.Polyline[i].Speed = &converted
		}
	}
	return seg
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.health)
	mux.HandleFunc("/api/tracking/status", s.trackingStatus)
	mux.HandleFunc("/api/tracking/start", s.startTracking)
	mux.HandleFunc("/api/tracking/stop", s.stopTracking)
	mux.HandleFunc("/api/segments", s.listSegments)
	return mux
}

// loggingResponseWriter captures the status code for request logging.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf("[%d] %s %s %vms",
			lrw.statusCode, r.Method, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

// statusResponse is the wire form of the tracking status.
type statusResponse struct {
	Running bool                `json:"running"`
	State   track.ActivityState `json:"state"`
	LastFix *track.Fix          `json:"last_fix,omitempty"`
}

func (s *Server) trackingStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, statusResponse{
		Running: s.svc.IsRunning(),
		State:   s.svc.Current(),
		LastFix: s.svc.LastFix(),
	})
}

func (s *Server) startTracking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	if err := s.svc.Start(); err != nil {
		if errors.Is(err, tracking.ErrAlreadyRunning) {
			httputil.Conflict(w, "tracking already running")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to start tracking: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "started"})
}

func (s *Server) stopTracking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	if err := s.svc.Stop(); err != nil {
		if errors.Is(err, tracking.ErrNotRunning) {
			httputil.Conflict(w, "tracking not running")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to stop tracking: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "stopped"})
}

func (s *Server) listSegments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	filter := store.SegmentFilter{Limit: 100}
	q := r.URL.Query()

	if kind := q.Get("kind"); kind != "" {
		k := track.SegmentKind(kind)
		if k != track.SegmentMovement && k != track.SegmentStop {
			httputil.BadRequest(w, "invalid 'kind' parameter")
			return
		}
		filter.Kind = k
	}
	if since := q.Get("since"); since != "" {
		at, err := time.Parse(time.RFC3339, since)
		if err != nil {
			httputil.BadRequest(w, "invalid 'since' parameter, want RFC3339")
			return
		}
		filter.Since = at
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		filter.Limit = n
	}

	segs, err := s.db.Segments(filter)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve segments: %v", err))
		return
	}
	if segs == nil {
		segs = []track.Segment{}
	}
	for i := range segs {
		segs[i] = s.convertSegmentSpeeds(segs[i])
	}
	httputil.WriteJSONOK(w, segs)
}
