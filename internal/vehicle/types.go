package vehicle

import (
	"time"

	"github.com/bmwdiag/gateway/internal/catalog"
)

// Vehicle is the registered-vehicle record: identity plus the ECUs
// discovered or registered for it, so session history can be attributed
// to a vehicle across reconnects ([ADD] SPEC_FULL §3). ECU descriptors are
// catalog.ECU, the same type the dispatcher resolves ecu_selector
// values against — vehicles don't keep a separate notion of what an ECU is.
type Vehicle struct {
	VIN         string        `json:"vin"`
	Make        string        `json:"make"`
	Model       string        `json:"model"`
	Year        int           `json:"year"`
	Chassis     string        `json:"chassis"`
	ECUs        []catalog.ECU `json:"ecus"`
	LastUpdated time.Time     `json:"last_updated"`
}

// DPFThresholds are the per-chassis alert thresholds used by
// Manager.DetectAnomalies for the diesel DDE's particulate filter
// routines.
type DPFThresholds struct {
	AshLoadWarningPercent  byte
	AshLoadCriticalPercent byte
}

// Profile carries per-make/model diagnostic thresholds, replacing the
// teacher's RPM/shift-point performance profile with the DPF/DTC
// thresholds this gateway's anomaly detection actually uses.
type Profile struct {
	DPF              DPFThresholds
	MaxOpenDTCs      int
	CustomThresholds map[string]float64 // catalog parameter key -> warning value
}

// Alert is a vehicle alert condition raised by Manager.DetectAnomalies.
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // "info", "warning", "critical"
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
}
