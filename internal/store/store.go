// Package store is the local persistence collaborator: sqlite-backed
// storage for segments, tracking events and the singleton tracker status
// record.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vladgets/roadmate-tracker/internal/geo"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

// Store wraps the sqlite handle. All timestamps are persisted as unix
// nanoseconds so round-trips are exact.
type Store struct {
	*sql.DB
}

// NewStore opens (creating if needed) the database at path and ensures the
// schema exists.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db}, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS segments (
		id               TEXT PRIMARY KEY,
		kind             TEXT NOT NULL,
		state            TEXT NOT NULL,
		start_unix_ns    BIGINT NOT NULL,
		end_unix_ns      BIGINT,
		confirmed_unix_ns BIGINT,
		anchor_lat       DOUBLE,
		anchor_lon       DOUBLE,
		anchor_accuracy  DOUBLE,
		polyline         TEXT,
		distance_m       DOUBLE NOT NULL DEFAULT 0,
		max_speed        DOUBLE NOT NULL DEFAULT 0,
		avg_speed        DOUBLE NOT NULL DEFAULT 0,
		point_count      BIGINT NOT NULL DEFAULT 0,
		confidence       DOUBLE NOT NULL DEFAULT 0,
		synced           INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_segments_start ON segments(start_unix_ns);
	CREATE INDEX IF NOT EXISTS idx_segments_synced ON segments(synced);

	CREATE TABLE IF NOT EXISTS events (
		client_id        TEXT PRIMARY KEY,
		server_id        BIGINT,
		type             TEXT NOT NULL,
		payload          TEXT NOT NULL,
		created_unix_ns  BIGINT NOT NULL,
		synced_unix_ns   BIGINT,
		retry_count      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced_unix_ns) WHERE synced_unix_ns IS NULL;

	CREATE TABLE IF NOT EXISTS tracker_state (
		id               INTEGER PRIMARY KEY CHECK (id = 1),
		current_state    TEXT NOT NULL,
		last_lat         DOUBLE,
		last_lon         DOUBLE,
		last_fix_unix_ns BIGINT,
		updated_unix_ns  BIGINT NOT NULL
	);
`

// SegmentFilter narrows Segments queries. Zero values mean "no
// constraint".
type SegmentFilter struct {
	Kind         track.SegmentKind
	Since        time.Time
	OnlyUnsynced bool
	Limit        int
}

// InsertSegment persists a segment, assigning an id if it has none, and
// returns the id.
func (s *Store) InsertSegment(seg *track.Segment) (string, error) {
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	polyline, err := marshalPolyline(seg.Polyline)
	if err != nil {
		return "", err
	}

	var anchorLat, anchorLon any
	if seg.Anchor != nil {
		anchorLat, anchorLon = seg.Anchor.Lat, seg.Anchor.Lon
	}

	_, err = s.Exec(`
		INSERT INTO segments (
			id, kind, state, start_unix_ns, end_unix_ns, confirmed_unix_ns,
			anchor_lat, anchor_lon, anchor_accuracy, polyline,
			distance_m, max_speed, avg_speed, point_count, confidence, synced
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, string(seg.Kind), string(seg.State),
		seg.StartTime.UnixNano(), nanosOrNil(seg.EndTime), nanosOrNil(seg.ConfirmedAt),
		anchorLat, anchorLon, seg.AnchorAccuracy, polyline,
		seg.Stats.DistanceMeters, seg.Stats.MaxSpeed, seg.Stats.AvgSpeed,
		seg.Stats.PointCount, seg.Confidence, boolToInt(seg.Synced),
	)
	if err != nil {
		return "", fmt.Errorf("insert segment: %w", err)
	}
	return seg.ID, nil
}

// UpdateSegment rewrites a previously inserted segment.
func (s *Store) UpdateSegment(seg *track.Segment) error {
	if seg.ID == "" {
		return fmt.Errorf("update segment: empty id")
	}
	polyline, err := marshalPolyline(seg.Polyline)
	if err != nil {
		return err
	}

	var anchorLat, anchorLon any
	if seg.Anchor != nil {
		anchorLat, anchorLon = seg.Anchor.Lat, seg.Anchor.Lon
	}

	res, err := s.Exec(`
		UPDATE segments SET
			kind = ?, state = ?, start_unix_ns = ?, end_unix_ns = ?,
			confirmed_unix_ns = ?, anchor_lat = ?, anchor_lon = ?,
			anchor_accuracy = ?, polyline = ?, distance_m = ?, max_speed = ?,
			avg_speed = ?, point_count = ?, confidence = ?, synced = ?
		WHERE id = ?`,
		string(seg.Kind), string(seg.State),
		seg.StartTime.UnixNano(), nanosOrNil(seg.EndTime), nanosOrNil(seg.ConfirmedAt),
		anchorLat, anchorLon, seg.AnchorAccuracy, polyline,
		seg.Stats.DistanceMeters, seg.Stats.MaxSpeed, seg.Stats.AvgSpeed,
		seg.Stats.PointCount, seg.Confidence, boolToInt(seg.Synced),
		seg.ID,
	)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update segment: id %s not found", seg.ID)
	}
	return nil
}

// Segments returns segments matching the filter, oldest first.
func (s *Store) Segments(filter SegmentFilter) ([]track.Segment, error) {
	q := `
		SELECT id, kind, state, start_unix_ns, end_unix_ns, confirmed_unix_ns,
		       anchor_lat, anchor_lon, anchor_accuracy, polyline,
		       distance_m, max_speed, avg_speed, point_count, confidence, synced
		FROM segments`
	var conds []string
	var args []any
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "start_unix_ns >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if filter.OnlyUnsynced {
		conds = append(conds, "synced = 0 AND end_unix_ns IS NOT NULL")
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY start_unix_ns"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []track.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// MarkSegmentsSynced sets the synced flag on the given segment ids.
func (s *Store) MarkSegmentsSynced(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf("UPDATE segments SET synced = 1 WHERE id IN (%s)", placeholders(len(ids)))
	_, err := s.Exec(q, stringArgs(ids)...)
	return err
}

// InsertEvent persists a tracking event keyed by its client id.
func (s *Store) InsertEvent(ev *track.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.Exec(`
		INSERT INTO events (client_id, server_id, type, payload, created_unix_ns, synced_unix_ns, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ClientID, ev.ServerID, string(ev.Type), string(payload),
		ev.CreatedAt.UnixNano(), nanosOrNil(ev.SyncedAt), ev.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// UnsyncedEvents returns up to limit unsynced events, oldest first.
func (s *Store) UnsyncedEvents(limit int) ([]track.Event, error) {
	rows, err := s.Query(`
		SELECT client_id, server_id, type, payload, created_unix_ns, synced_unix_ns, retry_count
		FROM events
		WHERE synced_unix_ns IS NULL
		ORDER BY created_unix_ns
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced events: %w", err)
	}
	defer rows.Close()

	var out []track.Event
	for rows.Next() {
		var (
			ev        track.Event
			serverID  sql.NullInt64
			typ       string
			payload   string
			createdNS int64
			syncedNS  sql.NullInt64
		)
		if err := rows.Scan(&ev.ClientID, &serverID, &typ, &payload, &createdNS, &syncedNS, &ev.RetryCount); err != nil {
			return nil, err
		}
		ev.Type = track.EventType(typ)
		if serverID.Valid {
			ev.ServerID = &serverID.Int64
		}
		ev.CreatedAt = time.Unix(0, createdNS).UTC()
		if syncedNS.Valid {
			at := time.Unix(0, syncedNS.Int64).UTC()
			ev.SyncedAt = &at
		}
		p, err := track.UnmarshalPayload(ev.Type, []byte(payload))
		if err != nil {
			return nil, err
		}
		ev.Payload = p
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkEventsSynced stamps the given client ids as synced at the given
// time. A synced event is never picked up again.
func (s *Store) MarkEventsSynced(clientIDs []string, at time.Time) error {
	if len(clientIDs) == 0 {
		return nil
	}
	q := fmt.Sprintf(
		"UPDATE events SET synced_unix_ns = ? WHERE client_id IN (%s) AND synced_unix_ns IS NULL",
		placeholders(len(clientIDs)))
	args := append([]any{at.UnixNano()}, stringArgs(clientIDs)...)
	_, err := s.Exec(q, args...)
	return err
}

// IncrementRetry bumps the retry counter on the given client ids.
func (s *Store) IncrementRetry(clientIDs []string) error {
	if len(clientIDs) == 0 {
		return nil
	}
	q := fmt.Sprintf(
		"UPDATE events SET retry_count = retry_count + 1 WHERE client_id IN (%s)",
		placeholders(len(clientIDs)))
	_, err := s.Exec(q, stringArgs(clientIDs)...)
	return err
}

// CurrentState is the singleton tracker status record.
type CurrentState struct {
	State     track.ActivityState
	LastFix   *track.Fix
	UpdatedAt time.Time
}

// GetCurrentState reads the singleton status row. Returns a zero record
// with State Unknown when none has been written yet.
func (s *Store) GetCurrentState() (CurrentState, error) {
	var (
		state     string
		lat, lon  sql.NullFloat64
		fixNS     sql.NullInt64
		updatedNS int64
	)
	err := s.QueryRow(`
		SELECT current_state, last_lat, last_lon, last_fix_unix_ns, updated_unix_ns
		FROM tracker_state WHERE id = 1`).
		Scan(&state, &lat, &lon, &fixNS, &updatedNS)
	if err == sql.ErrNoRows {
		return CurrentState{State: track.StateUnknown}, nil
	}
	if err != nil {
		return CurrentState{}, err
	}

	cs := CurrentState{
		State:     track.ActivityState(state),
		UpdatedAt: time.Unix(0, updatedNS).UTC(),
	}
	if lat.Valid && lon.Valid {
		fix := track.Fix{Lat: lat.Float64, Lon: lon.Float64}
		if fixNS.Valid {
			fix.Time = time.Unix(0, fixNS.Int64).UTC()
		}
		cs.LastFix = &fix
	}
	return cs, nil
}

// SetCurrentState upserts the singleton status row.
func (s *Store) SetCurrentState(cs CurrentState) error {
	var lat, lon, fixNS any
	if cs.LastFix != nil {
		lat, lon = cs.LastFix.Lat, cs.LastFix.Lon
		fixNS = cs.LastFix.Time.UnixNano()
	}
	_, err := s.Exec(`
		INSERT INTO tracker_state (id, current_state, last_lat, last_lon, last_fix_unix_ns, updated_unix_ns)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_state = excluded.current_state,
			last_lat = excluded.last_lat,
			last_lon = excluded.last_lon,
			last_fix_unix_ns = excluded.last_fix_unix_ns,
			updated_unix_ns = excluded.updated_unix_ns`,
		string(cs.State), lat, lon, fixNS, cs.UpdatedAt.UnixNano(),
	)
	return err
}

func scanSegment(rows *sql.Rows) (track.Segment, error) {
	var (
		seg         track.Segment
		kind, state string
		startNS     int64
		endNS       sql.NullInt64
		confirmedNS sql.NullInt64
		aLat, aLon  sql.NullFloat64
		aAcc        sql.NullFloat64
		polyline    sql.NullString
		synced      int
	)
	err := rows.Scan(&seg.ID, &kind, &state, &startNS, &endNS, &confirmedNS,
		&aLat, &aLon, &aAcc, &polyline,
		&seg.Stats.DistanceMeters, &seg.Stats.MaxSpeed, &seg.Stats.AvgSpeed,
		&seg.Stats.PointCount, &seg.Confidence, &synced)
	if err != nil {
		return track.Segment{}, err
	}

	seg.Kind = track.SegmentKind(kind)
	seg.State = track.ActivityState(state)
	seg.StartTime = time.Unix(0, startNS).UTC()
	if endNS.Valid {
		at := time.Unix(0, endNS.Int64).UTC()
		seg.EndTime = &at
	}
	if confirmedNS.Valid {
		at := time.Unix(0, confirmedNS.Int64).UTC()
		seg.ConfirmedAt = &at
	}
	if aLat.Valid && aLon.Valid {
		seg.Anchor = &geo.Point{Lat: aLat.Float64, Lon: aLon.Float64}
	}
	if aAcc.Valid {
		seg.AnchorAccuracy = &aAcc.Float64
	}
	if polyline.Valid && polyline.String != "" {
		if err := json.Unmarshal([]byte(polyline.String), &seg.Polyline); err != nil {
			return track.Segment{}, fmt.Errorf("unmarshal polyline: %w", err)
		}
	}
	seg.Synced = synced != 0
	return seg, nil
}

func marshalPolyline(fixes []track.Fix) (any, error) {
	if len(fixes) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(fixes)
	if err != nil {
		return nil, fmt.Errorf("marshal polyline: %w", err)
	}
	return string(b), nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
