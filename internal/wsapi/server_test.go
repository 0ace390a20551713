package wsapi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bmwdiag/gateway/internal/dispatcher"
	"github.com/bmwdiag/gateway/internal/gwerr"
	"github.com/bmwdiag/gateway/internal/kline"
	"github.com/bmwdiag/gateway/internal/session"
	"github.com/bmwdiag/gateway/internal/timing"
	"github.com/bmwdiag/gateway/internal/transport"
)

const (
	testTester byte = 0xF1
	testECU    byte = 0x12
)

// emulateECU answers FastInit and echoes every other request as a generic
// positive response, standing in for a real ECU on the other mock port.
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
		if frame.Service == 0x81 {
			resp, _ = kline.Encode(testECU, testTester, []byte{0xC1, 0x8F, 0xEA})
		} else {
			payload := append([]byte{frame.Service + 0x40}, frame.Rest...)
			resp, _ = kline.Encode(testECU, testTester, payload)
		}
		if _, err := port.Write(resp); err != nil {
			return
		}
	}
}

func newTestServer(t *testing.T) (*Server, func()) {
	testerPort, ecuPort := transport.NewMockPair()
	clock := timing.New()
	done := make(chan struct{})
	go emulateECU(t, ecuPort, done)
	d := dispatcher.New(testerPort, clock, testTester, nil)
	return New(d), func() { close(done) }
}

func TestDispatchInitAndStatus(t *testing.T) {
	s, stop := newTestServer(t)
	defer stop()

	arg, _ := json.Marshal(map[string]string{"variant": string(session.VariantFast)})
	resp := s.dispatch(Command{Op: "init_ecu", ECU: testECU, Arg: arg})
	if !resp.OK {
		t.Fatalf("init_ecu failed: %+v", resp.Error)
	}

	resp = s.dispatch(Command{Op: "status", ECU: testECU})
	if !resp.OK {
		t.Fatalf("status failed: %+v", resp.Error)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok || data["connected"] != true {
		t.Errorf("expected connected=true, got %+v", resp.Data)
	}
}

func TestDispatchUnknownOp(t *testing.T) {
	s, stop := newTestServer(t)
	defer stop()

	resp := s.dispatch(Command{Op: "not_a_real_op"})
	if resp.OK {
		t.Error("expected unknown op to fail")
	}
	if resp.Error == nil || resp.Error.Category != "protocol" {
		t.Errorf("unexpected error envelope: %+v", resp.Error)
	}
}

func TestDispatchStatusBeforeInit(t *testing.T) {
	s, stop := newTestServer(t)
	defer stop()

	resp := s.dispatch(Command{Op: "status", ECU: 0x99})
	if !resp.OK {
		t.Fatalf("status should not itself fail: %+v", resp.Error)
	}
	data := resp.Data.(map[string]interface{})
	if data["connected"] != false {
		t.Errorf("expected connected=false for unseen ECU, got %+v", data)
	}
}

func TestToResponseMapsNegativeResponse(t *testing.T) {
	nrc := byte(0x33)
	err := gwerr.Negative(nrc, gwerr.NRCNeedsUnlock, "security access denied")
	r := dispatcher.Result{Err: err, Latency: 5 * time.Millisecond}

	resp := toResponse(r)
	if resp.OK {
		t.Fatal("expected OK=false for negative response")
	}
	if resp.Error.Category != string(gwerr.CategoryNegative) {
		t.Errorf("unexpected category: %s", resp.Error.Category)
	}
	if resp.Error.NRC == nil || *resp.Error.NRC != nrc {
		t.Errorf("expected NRC 0x%02X in envelope, got %v", nrc, resp.Error.NRC)
	}
	if resp.LatencyUS != 5000 {
		t.Errorf("expected latency_us=5000, got %d", resp.LatencyUS)
	}
}
