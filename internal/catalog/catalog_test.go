package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEvaluateFormula(t *testing.T) {
	cases := []struct {
		formula string
		payload []byte
		want    float64
	}{
		{"(A*256+B)*0.1", []byte{0xAB, 0x11}, 4379.3},
		{"A-40", []byte{0x50}, 40},
		{"A/4", []byte{200}, 50},
		{"A", []byte{}, 0},
	}
	for _, c := range cases {
		got, err := Evaluate(c.formula, c.payload)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", c.formula, err)
		}
		if got != c.want {
			t.Errorf("Evaluate(%q, %X) = %v, want %v", c.formula, c.payload, got, c.want)
		}
	}
}

func TestEvaluateDivisionByZero(t *testing.T) {
	if _, err := Evaluate("A/B", []byte{10, 0}); err == nil {
		t.Error("expected division-by-zero error")
	}
}

func TestEvaluateUnbalancedParens(t *testing.T) {
	if _, err := Evaluate("(A+B", []byte{1, 2}); err == nil {
		t.Error("expected error for unbalanced parens")
	}
}

func TestLoadAndLookup(t *testing.T) {
	doc := `
ecus:
  - short_code: DDE
    display_name: Digital Diesel Electronics
    description: engine control unit
    kline_addr: 0x12
    transport: kline
pids:
  - id: 12
    name: Engine RPM
    unit: rpm
    formula: "(A*256+B)/4"
dids:
  - id: 61584
    name: VIN
    unit: ""
    formula: ""
nrc_strings:
  "0x78": requestCorrectlyReceivedResponsePending
  "0x31": requestOutOfRange
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ecu, ok := c.ECUByCode("DDE")
	if !ok {
		t.Fatal("expected DDE ECU to be found")
	}
	if ecu.DisplayName != "Digital Diesel Electronics" {
		t.Errorf("unexpected display name: %s", ecu.DisplayName)
	}

	pid, ok := c.PID(0x0C)
	if !ok || pid.Name != "Engine RPM" {
		t.Errorf("expected PID 0x0C to resolve to Engine RPM, got %+v ok=%v", pid, ok)
	}

	if _, ok := c.DID(0xF190); !ok {
		t.Error("expected DID 0xF190 to be found")
	}

	if desc := c.NRCDescription(0x78); desc != "requestCorrectlyReceivedResponsePending" {
		t.Errorf("unexpected NRC 0x78 description: %s", desc)
	}
	if desc := c.NRCDescription(0x99); desc != "" {
		t.Errorf("expected empty description for unknown NRC, got %q", desc)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing catalog file")
	}
}
