package diag

import (
	"testing"

	"github.com/bmwdiag/gateway/internal/gwerr"
)

// fakeRequester answers a fixed script of (service -> respService, data)
// pairs, keyed by the request service byte.
type fakeRequester struct {
	responses map[byte]struct {
		svc  byte
		data []byte
		err  error
	}
	lastPayload []byte
}

func (f *fakeRequester) Request(service byte, payload []byte) (byte, []byte, error) {
	f.lastPayload = payload
	r, ok := f.responses[service]
	if !ok {
		return 0, nil, gwerr.ErrProtocolMismatch
	}
	return r.svc, r.data, r.err
}

func newFake() *fakeRequester {
	return &fakeRequester{responses: make(map[byte]struct {
		svc  byte
		data []byte
		err  error
	})}
}

func (f *fakeRequester) set(service, respSvc byte, data []byte, err error) {
	f.responses[service] = struct {
		svc  byte
		data []byte
		err  error
	}{respSvc, data, err}
}

func TestStartDiagnosticSession(t *testing.T) {
	r := newFake()
	r.set(0x10, 0x50, []byte{SessionExtended}, nil)

	got, err := StartDiagnosticSession(r, SessionExtended)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != SessionExtended {
		t.Errorf("expected session 0x%02X, got 0x%02X", SessionExtended, got)
	}
}

func TestSecurityAccessAllZeroSeedShortCircuit(t *testing.T) {
	r := newFake()
	r.set(0x27, 0x67, []byte{0x01, 0x00, 0x00, 0x00, 0x00}, nil)

	seed, err := SecurityAccessRequestSeed(r, 0x01)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !SeedIsAllZero(seed) {
		t.Error("expected all-zero seed to be recognized as short circuit")
	}
}

func TestDecodeDTC(t *testing.T) {
	cases := []struct {
		hi, lo byte
		want   string
	}{
		{0x00, 0x87, "P0087"},
		{0x01, 0x91, "P0191"},
		{0x04, 0x01, "P0401"},
		{0x40, 0x12, "C0012"},
		{0x80, 0x34, "B0034"},
		{0xC0, 0x56, "U0056"},
	}
	for _, c := range cases {
		got := DecodeDTC(c.hi, c.lo)
		if got != c.want {
			t.Errorf("DecodeDTC(0x%02X, 0x%02X) = %s, want %s", c.hi, c.lo, got, c.want)
		}
	}
}

func TestReadDTCByStatus(t *testing.T) {
	r := newFake()
	// availability byte, then 2 records of (hi, lo, status)
	r.set(0x18, 0x58, []byte{0x01, 0x00, 0x87, 0x08, 0x01, 0x91, 0x09}, nil)

	dtcs, err := ReadDTCByStatus(r, 0xFF)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dtcs) != 2 {
		t.Fatalf("expected 2 DTCs, got %d: %+v", len(dtcs), dtcs)
	}
	if dtcs[0].Code != "P0087" || dtcs[0].Status != StatusConfirmed {
		t.Errorf("unexpected first DTC: %+v", dtcs[0])
	}
	if dtcs[1].Code != "P0191" {
		t.Errorf("unexpected second DTC: %+v", dtcs[1])
	}
	flags := dtcs[1].Status.Flags()
	if !flags["test_failed"] || !flags["confirmed"] {
		t.Errorf("expected test_failed and confirmed flags set, got %+v", flags)
	}
}

func TestReadStatusOfDTCEncodesSubFunctionAndMask(t *testing.T) {
	r := newFake()
	// availability byte, then 1 record of (hi, lo, status)
	r.set(0x19, 0x59, []byte{reportDTCByStatusMask, 0x01, 0x04, 0x01, 0x08}, nil)

	dtcs, err := ReadStatusOfDTC(r, 0x08)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.lastPayload) != 2 || r.lastPayload[0] != 0x02 || r.lastPayload[1] != 0x08 {
		t.Fatalf("expected request payload [02 08], got %v", r.lastPayload)
	}
	if len(dtcs) != 1 || dtcs[0].Code != "P0401" {
		t.Fatalf("unexpected DTCs: %+v", dtcs)
	}
}

func TestDTCStatusFlags(t *testing.T) {
	s := DTCStatus(0xFF)
	flags := s.Flags()
	for name, set := range flags {
		if !set {
			t.Errorf("expected flag %s to be set for status 0xFF", name)
		}
	}
}

func TestRoutineControlDPF(t *testing.T) {
	r := newFake()
	r.set(0x31, 0x71, []byte{RoutineStart, byte(RoutineDPFForceRegen >> 8), byte(RoutineDPFForceRegen)}, nil)

	if err := StartDPFRegeneration(r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r2 := newFake()
	r2.set(0x31, 0x71, []byte{RoutineRequestResults, byte(RoutineDPFAshLoad >> 8), byte(RoutineDPFAshLoad), 42}, nil)
	pct, err := DPFAshLoadPercent(r2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pct != 42 {
		t.Errorf("expected 42, got %d", pct)
	}
}

func TestReadDataByCommonIDMismatch(t *testing.T) {
	r := newFake()
	r.set(0x22, 0x62, []byte{0x00, 0x01, 0xAB}, nil) // echoes wrong DID

	if _, err := ReadDataByCommonID(r, 0xF190); err == nil {
		t.Error("expected protocol mismatch error for wrong echoed DID")
	}
}
