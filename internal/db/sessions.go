package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kargono/kgnet/internal/events"
)

// ErrSessionNotFound is returned by Get for an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is one admitted connection. Open sessions have a zero
// DisconnectedAt and an empty Reason.
type SessionRecord struct {
	ID              string        `json:"id"`
	ClientIndex     int           `json:"client_index"`
	Address         string        `json:"address"`
	ConnectedAt     time.Time     `json:"connected_at"`
	DisconnectedAt  time.Time     `json:"disconnected_at,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Duration        time.Duration `json:"duration"`
	PacketsSent     uint64        `json:"packets_sent"`
	PacketsReceived uint64        `json:"packets_received"`
	PacketsLost     uint64        `json:"packets_lost"`
	Duplicates      uint64        `json:"duplicates"`
	AverageRTT      time.Duration `json:"average_rtt"`
}

// Open reports whether the session is still connected.
func (s SessionRecord) Open() bool {
	return s.DisconnectedAt.IsZero()
}

// DenialRecord is one refused connection request.
type DenialRecord struct {
	Address string    `json:"address"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// SessionStore keeps the session history.
type SessionStore struct {
	db *Database
}

// sessionSchema lists the schema versions in order. Append only.
var sessionSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		client_index INTEGER NOT NULL,
		address TEXT NOT NULL,
		connected_at INTEGER NOT NULL,
		disconnected_at INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		packets_sent INTEGER NOT NULL DEFAULT 0,
		packets_received INTEGER NOT NULL DEFAULT 0,
		packets_lost INTEGER NOT NULL DEFAULT 0,
		duplicates INTEGER NOT NULL DEFAULT 0,
		avg_rtt_us INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_connected_at ON sessions(connected_at);`,

	`CREATE TABLE IF NOT EXISTS denials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL,
		reason TEXT NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_denials_at ON denials(at);`,
}

// NewSessionStore opens the database at dbPath and brings its schema up to
// date.
func NewSessionStore(dbPath string) (*SessionStore, error) {
	database, err := Open(dbPath, sessionSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	return &SessionStore{db: database}, nil
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// RecordConnect inserts an open session.
func (s *SessionStore) RecordConnect(id string, index int, address string, at time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, client_index, address, connected_at) VALUES (?, ?, ?, ?)",
		id, index, address, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", id, err)
	}
	return nil
}

// SessionClose carries the final figures of a session.
type SessionClose struct {
	Reason          string
	At              time.Time
	Duration        time.Duration
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	Duplicates      uint64
	AverageRTT      time.Duration
}

// RecordDisconnect closes an open session.
func (s *SessionStore) RecordDisconnect(id string, c SessionClose) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET
			disconnected_at = ?, reason = ?, duration_ms = ?,
			packets_sent = ?, packets_received = ?, packets_lost = ?,
			duplicates = ?, avg_rtt_us = ?
		WHERE id = ? AND disconnected_at = 0`,
		c.At.UnixMilli(), c.Reason, c.Duration.Milliseconds(),
		int64(c.PacketsSent), int64(c.PacketsReceived), int64(c.PacketsLost),
		int64(c.Duplicates), c.AverageRTT.Microseconds(), id)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// RecordDenial logs a refused request.
func (s *SessionStore) RecordDenial(address, reason string, at time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO denials (address, reason, at) VALUES (?, ?, ?)",
		address, reason, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record denial: %w", err)
	}
	return nil
}

const sessionColumns = `id, client_index, address, connected_at, disconnected_at, reason,
	duration_ms, packets_sent, packets_received, packets_lost, duplicates, avg_rtt_us`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		r                           SessionRecord
		connected, disconnected     int64
		durationMs, rttUs           int64
		sent, received, lost, dupes int64
	)
	err := row.Scan(&r.ID, &r.ClientIndex, &r.Address, &connected, &disconnected, &r.Reason,
		&durationMs, &sent, &received, &lost, &dupes, &rttUs)
	if err != nil {
		return SessionRecord{}, err
	}
	r.ConnectedAt = time.UnixMilli(connected)
	if disconnected != 0 {
		r.DisconnectedAt = time.UnixMilli(disconnected)
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.PacketsSent = uint64(sent)
	r.PacketsReceived = uint64(received)
	r.PacketsLost = uint64(lost)
	r.Duplicates = uint64(dupes)
	r.AverageRTT = time.Duration(rttUs) * time.Microsecond
	return r, nil
}

// Get returns one session by id.
func (s *SessionStore) Get(id string) (SessionRecord, error) {
	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return r, nil
}

// Recent returns up to limit sessions, newest first.
func (s *SessionStore) Recent(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT "+sessionColumns+" FROM sessions ORDER BY connected_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Denials returns up to limit denials, newest first.
func (s *SessionStore) Denials(limit int) ([]DenialRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query("SELECT address, reason, at FROM denials ORDER BY at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list denials: %w", err)
	}
	defer rows.Close()

	var out []DenialRecord
	for rows.Next() {
		var d DenialRecord
		var at int64
		if err := rows.Scan(&d.Address, &d.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan denial: %w", err)
		}
		d.At = time.UnixMilli(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CloseOpen marks every open session as ended by reason. It is run at
// startup so sessions left open by a crash do not look live.
func (s *SessionStore) CloseOpen(reason string, at time.Time) (int64, error) {
	res, err := s.db.Exec(
		"UPDATE sessions SET disconnected_at = ?, reason = ? WHERE disconnected_at = 0",
		at.UnixMilli(), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes closed sessions and denials older than before.
func (s *SessionStore) Prune(before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	var removed int64
	err := s.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM sessions WHERE disconnected_at != 0 AND disconnected_at < ?", cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.Exec("DELETE FROM denials WHERE at < ?", cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return removed, nil
}

// Counts returns the number of open and total sessions.
func (s *SessionStore) Counts() (open, total int, err error) {
	err = s.db.QueryRow(
		"SELECT COALESCE(SUM(CASE WHEN disconnected_at = 0 THEN 1 ELSE 0 END), 0), COUNT(*) FROM sessions").
		Scan(&open, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return open, total, nil
}

// Subscribe records connection events from bus.
func (s *SessionStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventClientConnected, "session-store", s.onConnected)
	bus.Subscribe(events.EventClientDisconnected, "session-store", s.onDisconnected)
	bus.Subscribe(events.EventConnectionDenied, "session-store", s.onDenied)
}

func (s *SessionStore) onConnected(_ context.Context, e events.Event) error {
	p, ok := e.Payload.(events.ClientConnectedPayload)
	if !ok {
		return nil
	}
	return s.RecordConnect(p.SessionID, int(p.Index), p.Address.String(), e.Time)
}

func (s *SessionStore) onDisconnected(_ context.Context, e events.Event) error {
	p, ok := e.Payload.(events.ClientDisconnectedPayload)
	if !ok || p.SessionID == "" {
		return nil
	}
	return s.RecordDisconnect(p.SessionID, SessionClose{
		Reason:          p.Reason.String(),
		At:              e.Time,
		Duration:        p.Duration,
		PacketsSent:     p.Stats.Sent,
		PacketsReceived: p.Stats.Received,
		PacketsLost:     p.Stats.Lost,
		Duplicates:      p.Stats.Duplicates,
		AverageRTT:      p.Stats.AverageRoundTrip,
	})
}

func (s *SessionStore) onDenied(_ context.Context, e events.Event) error {
	p, ok := e.Payload.(events.ConnectionDeniedPayload)
	if !ok {
		return nil
	}
	return s.RecordDenial(p.Address.String(), p.Reason, e.Time)
}
