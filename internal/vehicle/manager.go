package vehicle

import (
	"fmt"
	"sync"
	"time"

	"github.com/bmwdiag/gateway/internal/analysis"
	"github.com/bmwdiag/gateway/internal/catalog"
	"github.com/bmwdiag/gateway/internal/diag"
)

// Manager tracks registered vehicles, their ECUs, and the per-model
// diagnostic thresholds used by DetectAnomalies, per SPEC_FULL §3's
// vehicle record.
type Manager struct {
	vehicles map[string]*Vehicle // VIN -> Vehicle
	profiles map[string]*Profile // make-model -> Profile
	mu       sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		vehicles: make(map[string]*Vehicle),
		profiles: make(map[string]*Profile),
	}
}

// RegisterVehicle adds a new vehicle to the manager.
func (m *Manager) RegisterVehicle(vin, make, model string, year int, chassis string) (*Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.vehicles[vin]; exists {
		return nil, fmt.Errorf("vehicle with VIN %s already registered", vin)
	}

	v := &Vehicle{
		VIN:         vin,
		Make:        make,
		Model:       model,
		Year:        year,
		Chassis:     chassis,
		LastUpdated: time.Now(),
	}
	m.vehicles[vin] = v
	return v, nil
}

func (m *Manager) GetVehicle(vin string) (*Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, exists := m.vehicles[vin]
	if !exists {
		return nil, fmt.Errorf("vehicle with VIN %s not found", vin)
	}
	return v, nil
}

// RegisterECU attaches a discovered ECU descriptor to a vehicle.
func (m *Manager) RegisterECU(vin string, ecu catalog.ECU) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, exists := m.vehicles[vin]
	if !exists {
		return fmt.Errorf("vehicle with VIN %s not found", vin)
	}
	for i, existing := range v.ECUs {
		if existing.ShortCode == ecu.ShortCode {
			v.ECUs[i] = ecu
			v.LastUpdated = time.Now()
			return nil
		}
	}
	v.ECUs = append(v.ECUs, ecu)
	v.LastUpdated = time.Now()
	return nil
}

func (m *Manager) RegisterProfile(make, model string, profile Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles[profileKey(make, model)] = &profile
}

func (m *Manager) GetProfile(make, model string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, exists := m.profiles[profileKey(make, model)]
	if !exists {
		return nil, fmt.Errorf("profile for %s %s not found", make, model)
	}
	return profile, nil
}

func profileKey(make, model string) string {
	return fmt.Sprintf("%s-%s", make, model)
}

// DetectAnomalies checks a fresh DTC read and DPF ash-load reading against
// the vehicle's profile thresholds and returns any alerts raised.
func (m *Manager) DetectAnomalies(vin string, dtcs []diag.DTC, dpfAshLoad byte) ([]Alert, error) {
	v, err := m.GetVehicle(vin)
	if err != nil {
		return nil, err
	}
	profile, err := m.GetProfile(v.Make, v.Model)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	now := time.Now()

	if profile.MaxOpenDTCs > 0 && len(dtcs) > profile.MaxOpenDTCs {
		alerts = append(alerts, Alert{
			Type:      "dtc_count",
			Severity:  "warning",
			Message:   fmt.Sprintf("%d open DTCs exceeds threshold of %d", len(dtcs), profile.MaxOpenDTCs),
			Timestamp: now,
			Value:     float64(len(dtcs)),
			Threshold: float64(profile.MaxOpenDTCs),
		})
	}

	if profile.DPF.AshLoadCriticalPercent > 0 && dpfAshLoad >= profile.DPF.AshLoadCriticalPercent {
		alerts = append(alerts, Alert{
			Type:      "dpf_ash_load",
			Severity:  "critical",
			Message:   fmt.Sprintf("DPF ash load %d%% at or above critical threshold %d%%", dpfAshLoad, profile.DPF.AshLoadCriticalPercent),
			Timestamp: now,
			Value:     float64(dpfAshLoad),
			Threshold: float64(profile.DPF.AshLoadCriticalPercent),
		})
	} else if profile.DPF.AshLoadWarningPercent > 0 && dpfAshLoad >= profile.DPF.AshLoadWarningPercent {
		alerts = append(alerts, Alert{
			Type:      "dpf_ash_load",
			Severity:  "warning",
			Message:   fmt.Sprintf("DPF ash load %d%% at or above warning threshold %d%%", dpfAshLoad, profile.DPF.AshLoadWarningPercent),
			Timestamp: now,
			Value:     float64(dpfAshLoad),
			Threshold: float64(profile.DPF.AshLoadWarningPercent),
		})
	}

	for key, threshold := range profile.CustomThresholds {
		if value, ok := latestValue(dtcs, key); ok && value > threshold {
			alerts = append(alerts, Alert{
				Type:      "custom",
				Severity:  "warning",
				Message:   fmt.Sprintf("custom threshold exceeded for %s: %.1f > %.1f", key, value, threshold),
				Timestamp: now,
				Value:     value,
				Threshold: threshold,
			})
		}
	}

	return alerts, nil
}

// latestValue is a placeholder hook for custom-threshold parameters that
// aren't DTC-derived; today no such source is wired in, so it always
// reports no value.
func latestValue(_ []diag.DTC, _ string) (float64, bool) {
	return 0, false
}

// AnalyzePerformance runs the capture-session analyzer and reshapes its
// output into a PerformanceReport for client/report consumption.
func (m *Manager) AnalyzePerformance(analyzer *analysis.Analyzer) (*PerformanceReport, error) {
	results, err := analyzer.Analyze()
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	report := &PerformanceReport{
		Timestamp:  time.Now(),
		Duration:   results.SessionInfo.Duration,
		Parameters: results.Performance.Parameters,
		IdleTime:   results.DrivingBehavior.IdleTime,
		RapidAccels: results.DrivingBehavior.RapidAccel,
		RapidDecels: results.DrivingBehavior.RapidDecel,
		DTCCount:   results.Diagnostics.DTCCount,
	}
	return report, nil
}

// PerformanceReport summarizes one capture session's analysis for
// client-facing reporting, per SPEC_FULL §6's retained analysis tooling.
type PerformanceReport struct {
	Timestamp   time.Time          `json:"timestamp"`
	Duration    time.Duration      `json:"duration"`
	Parameters  map[string]analysis.Stats `json:"parameters"`
	IdleTime    float64            `json:"idle_time_percent"`
	RapidAccels int                `json:"rapid_accelerations"`
	RapidDecels int                `json:"rapid_decelerations"`
	DTCCount    int                `json:"dtc_count"`
}
