// Package track defines the value types shared across the tracking
// pipeline: location fixes, activity states, segments and domain events.
package track

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladgets/roadmate-tracker/internal/geo"
)

// ActivityState classifies the device holder's current motion.
type ActivityState string

const (
	StateUnknown   ActivityState = "unknown"
	StateStill     ActivityState = "still"
	StateWalking   ActivityState = "walking"
	StateInVehicle ActivityState = "in_vehicle"
)

// Valid reports whether s is one of the known states (Unknown excluded).
func (s ActivityState) Valid() bool {
	switch s {
	case StateStill, StateWalking, StateInVehicle:
		return true
	}
	return false
}

func (s ActivityState) String() string { return string(s) }

// Moving reports whether the state describes locomotion.
func (s ActivityState) Moving() bool {
	return s == StateWalking || s == StateInVehicle
}

// Fix is a single positioning fix as delivered by the location collaborator.
// Accuracy, Speed and Heading are optional; a nil field means the source did
// not report it.
type Fix struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Accuracy *float64  `json:"accuracy,omitempty"` // meters, 1-sigma
	Speed    *float64  `json:"speed,omitempty"`    // m/s
	Heading  *float64  `json:"heading,omitempty"`  // degrees
	Source   string    `json:"source,omitempty"`
	Time     time.Time `json:"time"`
}

// Point returns the fix coordinate.
func (f Fix) Point() geo.Point { return geo.Point{Lat: f.Lat, Lon: f.Lon} }

// SegmentKind distinguishes movement segments from confirmed stops.
type SegmentKind string

const (
	SegmentMovement SegmentKind = "movement"
	SegmentStop     SegmentKind = "stop"
)

// SegmentStats summarizes a movement polyline.
type SegmentStats struct {
	DistanceMeters float64 `json:"distance_meters"`
	MaxSpeed       float64 `json:"max_speed"`
	AvgSpeed       float64 `json:"avg_speed"`
	PointCount     int     `json:"point_count"`
}

// Segment is a finalized, time-bounded record of either continuous movement
// or a confirmed stop. It is mutated only by the owning tracking service and
// is immutable after finalization, except for the Synced flag.
type Segment struct {
	ID             string        `json:"id"`
	Kind           SegmentKind   `json:"kind"`
	State          ActivityState `json:"state"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	ConfirmedAt    *time.Time    `json:"confirmed_at,omitempty"`
	Anchor         *geo.Point    `json:"anchor,omitempty"`
	AnchorAccuracy *float64      `json:"anchor_accuracy,omitempty"`
	Polyline       []Fix         `json:"polyline,omitempty"`
	Stats          SegmentStats  `json:"stats"`
	Confidence     float64       `json:"confidence"`
	Synced         bool          `json:"synced"`
}

// Active reports whether the segment has not been finalized yet.
func (s *Segment) Active() bool { return s.EndTime == nil }

// EventType enumerates the domain events buffered for sync.
type EventType string

const (
	EventTrackingStarted EventType = "tracking_started"
	EventStateChanged    EventType = "state_changed"
	EventStopStarted     EventType = "stop_started"
	EventStopConfirmed   EventType = "stop_confirmed"
	EventStopEnded       EventType = "stop_ended"
	EventLocationFix     EventType = "location_fix"
)

// Payload is the type-specific body of an Event. Each event type carries its
// own struct so handling is exhaustive at compile time rather than a dynamic
// field lookup.
type Payload interface {
	EventType() EventType
}

// TrackingStartedPayload marks the beginning of a tracking session.
type TrackingStartedPayload struct {
	StartedAt time.Time `json:"started_at"`
}

func (TrackingStartedPayload) EventType() EventType { return EventTrackingStarted }

// StateChangedPayload records a committed activity transition.
type StateChangedPayload struct {
	Old        ActivityState `json:"old"`
	New        ActivityState `json:"new"`
	Confidence float64       `json:"confidence"`
	At         time.Time     `json:"at"`
}

func (StateChangedPayload) EventType() EventType { return EventStateChanged }

// StopStartedPayload records entry into the stop confirmation phase.
type StopStartedPayload struct {
	StopID    string    `json:"stop_id"`
	Anchor    geo.Point `json:"anchor"`
	StartedAt time.Time `json:"started_at"`
}

func (StopStartedPayload) EventType() EventType { return EventStopStarted }

// StopConfirmedPayload records a stop that survived its dwell minimum.
type StopConfirmedPayload struct {
	StopID         string    `json:"stop_id"`
	Anchor         geo.Point `json:"anchor"`
	AnchorAccuracy float64   `json:"anchor_accuracy"`
	StartTime      time.Time `json:"start_time"`
	ConfirmTime    time.Time `json:"confirm_time"`
	Confidence     float64   `json:"confidence"`
}

func (StopConfirmedPayload) EventType() EventType { return EventStopConfirmed }

// StopEndedPayload records the end of a stop, whether by radius exit or a
// state transition away from Still.
type StopEndedPayload struct {
	StopID  string    `json:"stop_id"`
	EndTime time.Time `json:"end_time"`
}

func (StopEndedPayload) EventType() EventType { return EventStopEnded }

// LocationFixPayload wraps a retained location fix.
type LocationFixPayload struct {
	Fix Fix `json:"fix"`
}

func (LocationFixPayload) EventType() EventType { return EventLocationFix }

// Event is a durable domain event. ClientID is the client-assigned
// idempotency key; sync is keyed on it. Only RetryCount and SyncedAt are
// mutated after creation.
type Event struct {
	ServerID   *int64     `json:"server_id,omitempty"`
	ClientID   string     `json:"client_id"`
	Type       EventType  `json:"type"`
	Payload    Payload    `json:"payload"`
	CreatedAt  time.Time  `json:"created_at"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// eventEnvelope is the wire form of Event: the payload travels as raw JSON
// keyed by the type tag.
type eventEnvelope struct {
	ServerID   *int64          `json:"server_id,omitempty"`
	ClientID   string          `json:"client_id"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
	RetryCount int             `json:"retry_count"`
}

// MarshalJSON encodes the event with its payload nested under the type tag.
func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(eventEnvelope{
		ServerID:   e.ServerID,
		ClientID:   e.ClientID,
		Type:       e.Type,
		Payload:    raw,
		CreatedAt:  e.CreatedAt,
		SyncedAt:   e.SyncedAt,
		RetryCount: e.RetryCount,
	})
}

// UnmarshalJSON decodes the envelope and dispatches the payload by type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := UnmarshalPayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ServerID:   env.ServerID,
		ClientID:   env.ClientID,
		Type:       env.Type,
		Payload:    payload,
		CreatedAt:  env.CreatedAt,
		SyncedAt:   env.SyncedAt,
		RetryCount: env.RetryCount,
	}
	return nil
}

// UnmarshalPayload decodes a raw payload body for the given event type.
func UnmarshalPayload(t EventType, raw []byte) (Payload, error) {
	switch t {
	case EventTrackingStarted:
		return decodePayload[TrackingStartedPayload](t, raw)
	case EventStateChanged:
		return decodePayload[StateChangedPayload](t, raw)
	case EventStopStarted:
		return decodePayload[StopStartedPayload](t, raw)
	case EventStopConfirmed:
		return decodePayload[StopConfirmedPayload](t, raw)
	case EventStopEnded:
		return decodePayload[StopEndedPayload](t, raw)
	case EventLocationFix:
		return decodePayload[LocationFixPayload](t, raw)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func decodePayload[T Payload](t EventType, raw []byte) (Payload, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", t, err)
		}
	}
	return v, nil
}
