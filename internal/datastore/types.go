package datastore

import "time"

// Store defines the persistence interface of spec §6: vehicles, diagnostic
// sessions, DTC snapshots, and key/value settings, with cascade delete from
// vehicle down through sessions to DTCs. The store is write-through — no
// caching layer sits in front of it.
type Store interface {
	SaveVehicle(v *Vehicle) error
	GetVehicle(vin string) (*Vehicle, error)
	ListVehicles() ([]*Vehicle, error)
	DeleteVehicle(vin string) error

	SaveSession(s *DiagnosticSession) (int64, error)
	GetSessions(vin string, start, end time.Time) ([]*DiagnosticSession, error)

	SaveDTCSnapshot(sessionID int64, snap *DTCSnapshot) error
	GetDTCSnapshots(sessionID int64) ([]*DTCSnapshot, error)

	SetSetting(key, value string) error
	GetSetting(key string) (string, error)

	// Export renders the full store as a single JSON document, per
	// spec §6's "Exported as a single JSON document on request."
	Export() ([]byte, error)

	Close() error
}

// Vehicle identifies one physical car by VIN, the unique key spec §6
// requires.
type Vehicle struct {
	VIN         string    `json:"vin"`
	Make        string    `json:"make"`
	Model       string    `json:"model"`
	Year        int       `json:"year"`
	Chassis     string    `json:"chassis"` // e.g. "E60"
	LastUpdated time.Time `json:"last_updated"`
}

// DiagnosticSession records one init_ecu/start_session exchange, per
// ECU+timestamp as spec §6 requires.
type DiagnosticSession struct {
	ID              int64     `json:"id"`
	VIN             string    `json:"vin"`
	ECU             byte      `json:"ecu"`
	ProtocolVariant string    `json:"protocol_variant"`
	SessionType     byte      `json:"session_type"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
}

// DTCSnapshot is one decoded trouble-code record captured within a
// DiagnosticSession.
type DTCSnapshot struct {
	Code      string    `json:"code"`
	Status    byte      `json:"status"`
	CapturedAt time.Time `json:"captured_at"`
}

// LiveValuePoint is one decoded PID/DID reading, stored in the optional
// time-series sink rather than the relational store ([ADD] spec §4.9).
type LiveValuePoint struct {
	Timestamp time.Time `json:"timestamp"`
	VIN       string    `json:"vin"`
	ECU       byte      `json:"ecu"`
	Parameter string    `json:"parameter"` // catalog key, e.g. "did:0x0105" or "pid:0x0C"
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

// TelemetrySink is the optional time-series sink of spec §4.9, enriching
// the relational store with live-value history. A nil sink is valid — the
// relational store alone satisfies spec §6.
type TelemetrySink interface {
	WritePoint(p LiveValuePoint) error
	Close() error
}
