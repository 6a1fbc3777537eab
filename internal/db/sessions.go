package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/trackbox/internal/session"
	"github.com/banshee-data/trackbox/internal/telemetry"
)

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID       string    `json:"id"`
	Track    string    `json:"track"`
	Started  time.Time `json:"started"`
	Ended    time.Time `json:"ended,omitempty"`
	LapCount int       `json:"lap_count"`
}

// InsertSession records the start of a session.
func (db *DB) InsertSession(rec *session.Record) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, track, started) VALUES (?, ?, ?)`,
		rec.ID, rec.Track.Name, rec.Started,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// CloseSession sets the session end time.
func (db *DB) CloseSession(id string, ended time.Time) error {
	_, err := db.Exec(`UPDATE sessions SET ended = ? WHERE session_id = ?`, ended, id)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// Sessions lists all sessions, newest first.
func (db *DB) Sessions() ([]SessionSummary, error) {
	rows, err := db.Query(`
		SELECT s.session_id, s.track, s.started, s.ended,
		       (SELECT COUNT(*) FROM laps l WHERE l.session_id = s.session_id)
		FROM sessions s
		ORDER BY s.started DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var ended sql.NullTime
		if err := rows.Scan(&s.ID, &s.Track, &s.Started, &ended, &s.LapCount); err != nil {
			return nil, err
		}
		if ended.Valid {
			s.Ended = ended.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertLap records one completed (or interrupted) lap.
func (db *DB) InsertLap(lap session.LapRecord) error {
	_, err := db.Exec(
		`INSERT INTO laps (
			session_id, lap_number, started, completed, duration_ns,
			sector1_ns, sector2_ns, sector3_ns,
			max_speed, avg_speed, valid, invalid_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lap.SessionID, lap.Number, lap.Started, lap.Completed, int64(lap.Duration),
		int64(lap.Sector1), int64(lap.Sector2), int64(lap.Sector3),
		lap.MaxSpeed, lap.AvgSpeed, lap.Valid, lap.InvalidReason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lap: %w", err)
	}
	return nil
}

// Laps lists the laps of a session in lap order.
func (db *DB) Laps(sessionID string) ([]session.LapRecord, error) {
	rows, err := db.Query(`
		SELECT session_id, lap_number, started, completed, duration_ns,
		       sector1_ns, sector2_ns, sector3_ns,
		       max_speed, avg_speed, valid, invalid_reason
		FROM laps WHERE session_id = ? ORDER BY lap_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query laps: %w", err)
	}
	defer rows.Close()

	var out []session.LapRecord
	for rows.Next() {
		var lap session.LapRecord
		var duration, s1, s2, s3 int64
		if err := rows.Scan(
			&lap.SessionID, &lap.Number, &lap.Started, &lap.Completed, &duration,
			&s1, &s2, &s3, &lap.MaxSpeed, &lap.AvgSpeed, &lap.Valid, &lap.InvalidReason,
		); err != nil {
			return nil, err
		}
		lap.Duration = time.Duration(duration)
		lap.Sector1 = time.Duration(s1)
		lap.Sector2 = time.Duration(s2)
		lap.Sector3 = time.Duration(s3)
		out = append(out, lap)
	}
	return out, rows.Err()
}

// InsertSamples stores a batch of telemetry samples in one transaction.
// Called from the aggregator's buffer flush; a batch is at most the
// buffer cap.
func (db *DB) InsertSamples(sessionID string, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sample batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO samples (
			session_id, sample_time, latitude, longitude,
			altitude_msl, speed, heading, satellites
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.Exec(
			sessionID, s.Time, s.Latitude, s.Longitude,
			s.AltitudeMSL, s.Speed, s.Heading, s.Satellites,
		); err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}
	return tx.Commit()
}

// SampleCount reports how many samples are stored for a session.
func (db *DB) SampleCount(sessionID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM samples WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// TrackRecord returns the persisted best lap for a track, if any.
func (db *DB) TrackRecord(track string) (time.Duration, bool, error) {
	var duration int64
	err := db.QueryRow(
		`SELECT duration_ns FROM track_records WHERE track = ?`, track,
	).Scan(&duration)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query track record: %w", err)
	}
	return time.Duration(duration), true, nil
}

// UpsertTrackRecord stores a new track record if it beats the existing
// one (or none exists).
func (db *DB) UpsertTrackRecord(track string, lap session.LapRecord) error {
	_, err := db.Exec(`
		INSERT INTO track_records (track, duration_ns, session_id, lap_number, set_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(track) DO UPDATE SET
			duration_ns = excluded.duration_ns,
			session_id  = excluded.session_id,
			lap_number  = excluded.lap_number,
			set_at      = excluded.set_at
		WHERE excluded.duration_ns < track_records.duration_ns`,
		track, int64(lap.Duration), lap.SessionID, lap.Number, lap.Completed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert track record: %w", err)
	}
	return nil
}
