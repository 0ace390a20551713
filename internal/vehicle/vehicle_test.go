package vehicle

import (
	"testing"

	"github.com/bmwdiag/gateway/internal/catalog"
	"github.com/bmwdiag/gateway/internal/diag"
)

func TestVehicleManager(t *testing.T) {
	manager := NewManager()

	vin := "WBANA53578CT12345"
	v, err := manager.RegisterVehicle(vin, "BMW", "530d", 2006, "E60")
	if err != nil {
		t.Fatalf("Failed to register vehicle: %v", err)
	}
	if v.VIN != vin {
		t.Errorf("Expected VIN %s, got %s", vin, v.VIN)
	}

	if _, err := manager.RegisterVehicle(vin, "BMW", "530d", 2006, "E60"); err == nil {
		t.Error("Expected error on duplicate registration")
	}

	v2, err := manager.GetVehicle(vin)
	if err != nil {
		t.Fatalf("Failed to get vehicle: %v", err)
	}
	if v2.VIN != vin {
		t.Errorf("Expected VIN %s, got %s", vin, v2.VIN)
	}

	addr := byte(0x12)
	if err := manager.RegisterECU(vin, catalog.ECU{ShortCode: "DDE", DisplayName: "Diesel Engine Control", KLineAddr: &addr, Transport: "kline"}); err != nil {
		t.Fatalf("Failed to register ECU: %v", err)
	}
	v3, _ := manager.GetVehicle(vin)
	if len(v3.ECUs) != 1 || v3.ECUs[0].ShortCode != "DDE" {
		t.Fatalf("Expected one registered ECU DDE, got %+v", v3.ECUs)
	}

	profile := Profile{
		DPF:         DPFThresholds{AshLoadWarningPercent: 70, AshLoadCriticalPercent: 90},
		MaxOpenDTCs: 2,
	}
	manager.RegisterProfile("BMW", "530d", profile)

	p, err := manager.GetProfile("BMW", "530d")
	if err != nil {
		t.Fatalf("Failed to get profile: %v", err)
	}
	if p.DPF.AshLoadCriticalPercent != 90 {
		t.Errorf("Expected critical threshold 90, got %d", p.DPF.AshLoadCriticalPercent)
	}

	dtcs := []diag.DTC{{Code: "P0301"}, {Code: "P0171"}, {Code: "P0174"}}
	alerts, err := manager.DetectAnomalies(vin, dtcs, 95)
	if err != nil {
		t.Fatalf("Failed to detect anomalies: %v", err)
	}

	var foundDTC, foundDPF bool
	for _, a := range alerts {
		if a.Type == "dtc_count" {
			foundDTC = true
		}
		if a.Type == "dpf_ash_load" && a.Severity == "critical" {
			foundDPF = true
		}
	}
	if !foundDTC {
		t.Error("Expected a dtc_count alert for exceeding MaxOpenDTCs")
	}
	if !foundDPF {
		t.Error("Expected a critical dpf_ash_load alert")
	}
}
