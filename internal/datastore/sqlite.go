package datastore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite, per spec §6's relational
// store with cascade delete from vehicle through sessions to DTCs.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS vehicles (
			vin TEXT PRIMARY KEY,
			make TEXT NOT NULL,
			model TEXT NOT NULL,
			year INTEGER NOT NULL,
			chassis TEXT,
			last_updated TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS diagnostic_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vin TEXT NOT NULL,
			ecu INTEGER NOT NULL,
			protocol_variant TEXT NOT NULL,
			session_type INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			FOREIGN KEY (vin) REFERENCES vehicles(vin) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS dtc_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			code TEXT NOT NULL,
			status INTEGER NOT NULL,
			captured_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES diagnostic_sessions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_vin_time
			ON diagnostic_sessions(vin, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dtc_session
			ON dtc_snapshots(session_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveVehicle(v *Vehicle) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO vehicles (vin, make, model, year, chassis, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.VIN, v.Make, v.Model, v.Year, v.Chassis, v.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to save vehicle: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVehicle(vin string) (*Vehicle, error) {
	var v Vehicle
	err := s.db.QueryRow(`SELECT vin, make, model, year, chassis, last_updated
		FROM vehicles WHERE vin = ?`, vin).
		Scan(&v.VIN, &v.Make, &v.Model, &v.Year, &v.Chassis, &v.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vehicle not found: %s", vin)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vehicle: %w", err)
	}
	return &v, nil
}

func (s *SQLiteStore) ListVehicles() ([]*Vehicle, error) {
	rows, err := s.db.Query(`SELECT vin, make, model, year, chassis, last_updated FROM vehicles`)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicles: %w", err)
	}
	defer rows.Close()

	var out []*Vehicle
	for rows.Next() {
		var v Vehicle
		if err := rows.Scan(&v.VIN, &v.Make, &v.Model, &v.Year, &v.Chassis, &v.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan vehicle row: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// DeleteVehicle relies on ON DELETE CASCADE to remove dependent sessions
// and DTC snapshots in one statement.
func (s *SQLiteStore) DeleteVehicle(vin string) error {
	result, err := s.db.Exec("DELETE FROM vehicles WHERE vin = ?", vin)
	if err != nil {
		return fmt.Errorf("failed to delete vehicle: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("vehicle not found: %s", vin)
	}
	return nil
}

func (s *SQLiteStore) SaveSession(sess *DiagnosticSession) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO diagnostic_sessions (vin, ecu, protocol_variant, session_type, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.VIN, sess.ECU, sess.ProtocolVariant, sess.SessionType, sess.StartedAt, sess.EndedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to save session: %w", err)
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) GetSessions(vin string, start, end time.Time) ([]*DiagnosticSession, error) {
	rows, err := s.db.Query(`
		SELECT id, vin, ecu, protocol_variant, session_type, started_at, ended_at
		FROM diagnostic_sessions
		WHERE vin = ? AND started_at BETWEEN ? AND ?
		ORDER BY started_at DESC`,
		vin, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*DiagnosticSession
	for rows.Next() {
		var sess DiagnosticSession
		var ended sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.VIN, &sess.ECU, &sess.ProtocolVariant,
			&sess.SessionType, &sess.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if ended.Valid {
			sess.EndedAt = ended.Time
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveDTCSnapshot(sessionID int64, snap *DTCSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO dtc_snapshots (session_id, code, status, captured_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, snap.Code, snap.Status, snap.CapturedAt)
	if err != nil {
		return fmt.Errorf("failed to save dtc snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDTCSnapshots(sessionID int64) ([]*DTCSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT code, status, captured_at FROM dtc_snapshots
		WHERE session_id = ? ORDER BY captured_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dtc snapshots: %w", err)
	}
	defer rows.Close()

	var out []*DTCSnapshot
	for rows.Next() {
		var snap DTCSnapshot
		if err := rows.Scan(&snap.Code, &snap.Status, &snap.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dtc snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting not found: %s", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// Export dumps vehicles, their sessions, and each session's DTC snapshots
// as a single JSON document, per spec §6.
func (s *SQLiteStore) Export() ([]byte, error) {
	vehicles, err := s.ListVehicles()
	if err != nil {
		return nil, err
	}

	type sessionExport struct {
		*DiagnosticSession
		DTCs []*DTCSnapshot `json:"dtcs"`
	}
	type vehicleExport struct {
		*Vehicle
		Sessions []sessionExport `json:"sessions"`
	}

	doc := make([]vehicleExport, 0, len(vehicles))
	for _, v := range vehicles {
		sessions, err := s.GetSessions(v.VIN, time.Time{}, time.Now())
		if err != nil {
			return nil, err
		}
		ve := vehicleExport{Vehicle: v}
		for _, sess := range sessions {
			dtcs, err := s.GetDTCSnapshots(sess.ID)
			if err != nil {
				return nil, err
			}
			ve.Sessions = append(ve.Sessions, sessionExport{DiagnosticSession: sess, DTCs: dtcs})
		}
		doc = append(doc, ve)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
