// Package camdb stores acquisition sessions and their event telemetry in
// SQLite: one row per camera session, every special event, per-interval rate
// rollups, and an optional decimated sample of polarity events. The schema is
// managed by versioned migrations, see migrate.go.
package camdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// OpenDB opens the SQLite database at path without touching the schema.
// Use NewDB for the common open-and-migrate path; OpenDB exists for the
// migrate CLI, which manages schema state itself.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time keeps SQLite happy under the daemon's
	// concurrent recorder and webserver reads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return &DB{db}, nil
}

// NewDB opens the database and applies all pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

// Session is one camera acquisition session.
type Session struct {
	ID           string     `json:"id"`
	SerialNumber string     `json:"serial_number"`
	DeviceString string     `json:"device_string"`
	SizeX        int        `json:"size_x"`
	SizeY        int        `json:"size_y"`
	Master       bool       `json:"master"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Containers   int64      `json:"containers"`
	Events       int64      `json:"events"`
}

// CreateSession records the start of an acquisition session and returns its
// generated ID.
func (db *DB) CreateSession(serialNumber, deviceString string, sizeX, sizeY int, master bool) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (id, serial_number, device_string, size_x, size_y, master, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, serialNumber, deviceString, sizeX, sizeY, master, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// EndSession closes a session row with its final totals. Ending an already
// ended session updates the totals again, which is harmless.
func (db *DB) EndSession(id string, containers, events int64) error {
	_, err := db.Exec(
		`UPDATE sessions SET ended_at = ?, containers = ?, events = ? WHERE id = ?`,
		time.Now().UTC(), containers, events, id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecentSessions returns the most recently started sessions, newest first.
func (db *DB) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(
		`SELECT id, serial_number, device_string, size_x, size_y, master,
		        started_at, ended_at, containers, events
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var endedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.SerialNumber, &s.DeviceString, &s.SizeX, &s.SizeY,
			&s.Master, &s.StartedAt, &endedAt, &s.Containers, &s.Events); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			t := endedAt.Time
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecordSpecialEvent stores one special event against a session.
func (db *DB) RecordSpecialEvent(sessionID string, timestampUs int64, eventType uint8, typeName string) error {
	_, err := db.Exec(
		`INSERT INTO special_events (session_id, timestamp_us, event_type, type_name)
		 VALUES (?, ?, ?, ?)`,
		sessionID, timestampUs, eventType, typeName,
	)
	if err != nil {
		return fmt.Errorf("insert special event: %w", err)
	}
	return nil
}

// SpecialEventRow is one stored special event.
type SpecialEventRow struct {
	SessionID   string `json:"session_id"`
	TimestampUs int64  `json:"timestamp_us"`
	EventType   uint8  `json:"event_type"`
	TypeName    string `json:"type_name"`
}

// SpecialEvents returns the stored special events of a session in device
// timestamp order.
func (db *DB) SpecialEvents(sessionID string, limit int) ([]SpecialEventRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT session_id, timestamp_us, event_type, type_name
		 FROM special_events WHERE session_id = ? ORDER BY timestamp_us LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SpecialEventRow
	for rows.Next() {
		var e SpecialEventRow
		if err := rows.Scan(&e.SessionID, &e.TimestampUs, &e.EventType, &e.TypeName); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RateSample is one logging interval's rollup of stream throughput.
type RateSample struct {
	SessionID     string    `json:"session_id"`
	SampledAt     time.Time `json:"sampled_at"`
	Containers    int64     `json:"containers"`
	Bytes         int64     `json:"bytes"`
	PolarityCount int64     `json:"polarity_count"`
	SpecialCount  int64     `json:"special_count"`
	EventsPerSec  float64   `json:"events_per_sec"`
}

// RecordRateSample stores one interval rollup.
func (db *DB) RecordRateSample(s RateSample) error {
	_, err := db.Exec(
		`INSERT INTO rate_samples (session_id, sampled_at, containers, bytes, polarity_count, special_count, events_per_sec)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.SampledAt.UTC(), s.Containers, s.Bytes, s.PolarityCount, s.SpecialCount, s.EventsPerSec,
	)
	if err != nil {
		return fmt.Errorf("insert rate sample: %w", err)
	}
	return nil
}

// RateSamples returns a session's rollups, oldest first.
func (db *DB) RateSamples(sessionID string, limit int) ([]RateSample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT session_id, sampled_at, containers, bytes, polarity_count, special_count, events_per_sec
		 FROM rate_samples WHERE session_id = ? ORDER BY sampled_at LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []RateSample
	for rows.Next() {
		var s RateSample
		if err := rows.Scan(&s.SessionID, &s.SampledAt, &s.Containers, &s.Bytes,
			&s.PolarityCount, &s.SpecialCount, &s.EventsPerSec); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// PolaritySample is one decimated stored polarity event.
type PolaritySample struct {
	SessionID   string `json:"session_id"`
	TimestampUs int64  `json:"timestamp_us"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Polarity    bool   `json:"polarity"`
}

// RecordPolaritySamples stores a batch of decimated polarity events in one
// transaction. The caller decides the decimation; full-rate storage of a busy
// camera would swamp SQLite.
func (db *DB) RecordPolaritySamples(sessionID string, samples []PolaritySample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin polarity sample batch: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO polarity_samples (session_id, timestamp_us, x, y, polarity) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare polarity sample insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.Exec(sessionID, s.TimestampUs, s.X, s.Y, s.Polarity); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert polarity sample: %w", err)
		}
	}
	return tx.Commit()
}

// PolaritySampleCount returns the number of stored polarity samples for a
// session.
func (db *DB) PolaritySampleCount(sessionID string) (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM polarity_samples WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
