package dispatcher

import (
	"testing"
	"time"

	"github.com/bmwdiag/gateway/internal/catalog"
	"github.com/bmwdiag/gateway/internal/kline"
	"github.com/bmwdiag/gateway/internal/session"
	"github.com/bmwdiag/gateway/internal/timing"
	"github.com/bmwdiag/gateway/internal/transport"
)

const (
	testTester byte = 0xF1
	testECU    byte = 0x12
)

// emulateECU answers FastInit and then a fixed PID 0x0C (RPM) live-data
// request, standing in for a real DDE's half-duplex echo plus reply.
func emulateECU(t *testing.T, port *transport.Mock, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		chunk, err := port.Read(64, time.Now().Add(200*time.Millisecond))
		if err != nil || len(chunk) == 0 {
			continue
		}
		if _, err := port.Write(chunk); err != nil {
			return
		}
		frame, err := kline.Decode(chunk)
		if err != nil {
			continue
		}
		var resp []byte
		switch frame.Service {
		case 0x81:
			resp, _ = kline.Encode(testECU, testTester, []byte{0xC1, 0x8F, 0xEA})
		case 0x01:
			resp, _ = kline.Encode(testECU, testTester, []byte{0x41, 0x0C, 0x1A, 0xF8})
		default:
			payload := append([]byte{frame.Service + 0x40}, frame.Rest...)
			resp, _ = kline.Encode(testECU, testTester, payload)
		}
		if _, err := port.Write(resp); err != nil {
			return
		}
	}
}

func TestDispatcherInitAndReadPID(t *testing.T) {
	testerPort, ecuPort := transport.NewMockPair()
	clock := timing.New()

	done := make(chan struct{})
	defer close(done)
	go emulateECU(t, ecuPort, done)

	d := New(testerPort, clock, testTester, nil)

	initResult := d.InitECU(testECU, session.VariantFast)
	if initResult.Err != nil {
		t.Fatalf("InitECU failed: %v", initResult.Err)
	}

	result := d.ReadPID(testECU, 0x0C)
	if result.Err != nil {
		t.Fatalf("ReadPID failed: %v", result.Err)
	}
	data, ok := result.Data.([]byte)
	if !ok || len(data) != 2 || data[0] != 0x1A || data[1] != 0xF8 {
		t.Errorf("unexpected ReadPID data: %+v", result.Data)
	}
	if result.Latency <= 0 {
		t.Error("expected positive latency measurement")
	}
}

// TestDispatcherConnectECUResolvesCatalogSelector exercises spec §6's
// connect(adapter_selector, transport_mode) / detect_protocol(ecu_selector)
// pair and the catalog-decoded read_pid value, none of which a raw byte
// address can drive on its own.
func TestDispatcherConnectECUResolvesCatalogSelector(t *testing.T) {
	testerPort, ecuPort := transport.NewMockPair()
	clock := timing.New()

	done := make(chan struct{})
	defer close(done)
	go emulateECU(t, ecuPort, done)

	cat := &catalog.Catalog{
		ECUs: []catalog.ECU{
			{ShortCode: "DDE", DisplayName: "Diesel Engine Control", KLineAddr: byteAddr(testECU), Transport: "kline"},
		},
		PIDs: []catalog.Parameter{
			{ID: 0x0C, Name: "Engine RPM", Unit: "rpm", Formula: "(A*256+B)/4"},
		},
	}

	d := New(testerPort, clock, testTester, cat)

	connectResult := d.ConnectECU("DDE", session.VariantFast)
	if connectResult.Err != nil {
		t.Fatalf("ConnectECU failed: %v", connectResult.Err)
	}

	detectResult := d.DetectProtocol("DDE")
	if detectResult.Err != nil {
		t.Fatalf("DetectProtocol failed: %v", detectResult.Err)
	}
	if detectResult.Data != "kline" {
		t.Errorf("expected detect_protocol to report kline, got %+v", detectResult.Data)
	}

	result := d.ReadPID(testECU, 0x0C)
	if result.Err != nil {
		t.Fatalf("ReadPID failed: %v", result.Err)
	}
	dv, ok := result.Data.(DecodedValue)
	if !ok {
		t.Fatalf("expected DecodedValue, got %T", result.Data)
	}
	if len(dv.Raw) != 2 || dv.Raw[0] != 0x1A || dv.Raw[1] != 0xF8 {
		t.Errorf("unexpected raw bytes: %+v", dv.Raw)
	}
	want := float64(0x1AF8) / 4
	if dv.Value != want || dv.Unit != "rpm" {
		t.Errorf("expected decoded value %.1f rpm, got %.1f %s", want, dv.Value, dv.Unit)
	}

	unknown := d.ConnectECU("NOPE", session.VariantAuto)
	if unknown.Err == nil {
		t.Error("expected error connecting to an unknown ecu selector")
	}
}

func byteAddr(b byte) *byte { return &b }
