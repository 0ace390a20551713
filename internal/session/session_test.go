package session

import (
	"testing"
	"time"

	"github.com/bmwdiag/gateway/internal/kline"
	"github.com/bmwdiag/gateway/internal/timing"
	"github.com/bmwdiag/gateway/internal/transport"
)

const (
	testTester byte = 0xF1
	testECU    byte = 0x12
)

// emulateECU answers one FastInit StartCommunication exchange and then
// echoes every subsequent request as a generic positive response, standing
// in for a real ECU's half-duplex echo plus reply.
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
			t.Logf("emulateECU: decode failed: %v", err)
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

func TestEnsureInitFastAndRequest(t *testing.T) {
	testerPort, ecuPort := transport.NewMockPair()
	clock := timing.New()

	done := make(chan struct{})
	defer close(done)
	go emulateECU(t, ecuPort, done)

	m := NewManager(testerPort, clock, testTester)
	rec, err := m.EnsureInit(testECU, VariantFast)
	if err != nil {
		t.Fatalf("EnsureInit failed: %v", err)
	}
	if rec.ProtocolVariant != kline.VariantFastInit {
		t.Errorf("expected fast init variant, got %s", rec.ProtocolVariant)
	}

	// A second EnsureInit call must reuse the cached record, not re-init.
	rec2, err := m.EnsureInit(testECU, VariantFast)
	if err != nil {
		t.Fatalf("second EnsureInit failed: %v", err)
	}
	if rec2 != rec {
		t.Error("expected cached record to be reused")
	}

	req, err := m.Requester(testECU)
	if err != nil {
		t.Fatalf("Requester failed: %v", err)
	}
	svc, data, err := req.Request(0x3E, []byte{0x80})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if svc != 0x7E || len(data) != 1 || data[0] != 0x80 {
		t.Errorf("unexpected response service=0x%02X data=%X", svc, data)
	}
}

// emulateCANECU answers one single-frame ISO-TP exchange at a time over a
// raw 10-byte-record Mock pair, standing in for an ECU behind a D-CAN
// bridge: 2 big-endian arbitration-id bytes followed by 8 CAN data bytes,
// per transport.DCANBridge's framing.
func emulateCANECU(t *testing.T, port *transport.Mock, rxID, txID uint32, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		chunk, err := port.Read(10, time.Now().Add(200*time.Millisecond))
		if err != nil || len(chunk) < 10 {
			continue
		}
		id := uint32(chunk[0])<<8 | uint32(chunk[1])
		if id != txID {
			continue
		}
		data := chunk[2:10]
		n := int(data[0] & 0x0F)
		req := data[1 : 1+n]
		var resp []byte
		switch req[0] {
		case 0x10:
			resp = []byte{0x50, req[1]}
		case 0x3E:
			resp = []byte{0x7E, req[1]}
		default:
			resp = append([]byte{req[0] + 0x40}, req[1:]...)
		}
		frame := make([]byte, 10)
		frame[0] = byte(rxID >> 8)
		frame[1] = byte(rxID)
		frame[2] = byte(len(resp))
		copy(frame[3:], resp)
		if _, err := port.Write(frame); err != nil {
			return
		}
	}
}

func TestEnsureInitCANDrivesSessionOverDCAN(t *testing.T) {
	testerPort, ecuPort := transport.NewMockPair()
	clock := timing.New()
	const txID, rxID = uint32(0x600), uint32(0x608)

	done := make(chan struct{})
	defer close(done)
	go emulateCANECU(t, ecuPort, rxID, txID, done)

	m := NewManager(testerPort, clock, testTester)
	rec, err := m.EnsureInitCAN(testECU, txID, rxID)
	if err != nil {
		t.Fatalf("EnsureInitCAN failed: %v", err)
	}
	if rec.ProtocolVariant != kline.VariantDCAN {
		t.Errorf("expected dcan protocol variant, got %s", rec.ProtocolVariant)
	}

	if err := m.EnsureSession(testECU, 0x03); err != nil {
		t.Fatalf("EnsureSession over CAN failed: %v", err)
	}
	if rec2, ok := m.Record(testECU); !ok || rec2.SessionType != 0x03 {
		t.Errorf("expected cached session type 0x03, got %+v ok=%v", rec2, ok)
	}

	if err := m.TesterPresent(testECU, false); err != nil {
		t.Fatalf("TesterPresent over CAN failed: %v", err)
	}

	if err := m.Drop(testECU); err != nil {
		t.Fatalf("Drop over CAN failed: %v", err)
	}
	if _, ok := m.Record(testECU); ok {
		t.Error("expected record to be gone after Drop")
	}
}

func TestKeepaliveTickDropsAfterTwoMisses(t *testing.T) {
	testerPort, ecuPort := transport.NewMockPair()
	clock := timing.New()

	done := make(chan struct{})
	go emulateECU(t, ecuPort, done)

	m := NewManager(testerPort, clock, testTester)
	if _, err := m.EnsureInit(testECU, VariantFast); err != nil {
		t.Fatalf("EnsureInit failed: %v", err)
	}
	close(done)

	// Closing the tester's own port simulates a lost device handle: every
	// keep-alive write now fails with a device error rather than the
	// timeout a merely-silent ECU would produce (which TesterPresent's
	// suppressed mode treats as a legitimate non-reply, not a miss).
	testerPort.Close()

	base := time.Now().Add(2 * time.Second)
	m.KeepaliveTick(base)
	if _, ok := m.Record(testECU); !ok {
		t.Fatal("expected record to survive first missed keep-alive")
	}
	m.KeepaliveTick(base.Add(2 * time.Second))
	if _, ok := m.Record(testECU); ok {
		t.Error("expected record to be dropped after two missed keep-alives")
	}
}
