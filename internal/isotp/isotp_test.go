package isotp

import (
	"testing"
	"time"

	"github.com/bmwdiag/gateway/internal/timing"
)

// fakeBus is an in-memory CAN bus: frames pushed onto inbox arrive via Recv,
// frames sent via Send are appended to sent.
type fakeBus struct {
	inbox []struct {
		id   uint32
		data [8]byte
	}
	sent []struct {
		id   uint32
		data [8]byte
	}
}

func (b *fakeBus) Send(id uint32, data [8]byte) error {
	b.sent = append(b.sent, struct {
		id   uint32
		data [8]byte
	}{id, data})
	return nil
}

func (b *fakeBus) Recv(deadline time.Time) (uint32, [8]byte, bool, error) {
	if len(b.inbox) == 0 {
		return 0, [8]byte{}, false, nil
	}
	f := b.inbox[0]
	b.inbox = b.inbox[1:]
	return f.id, f.data, true, nil
}

func (b *fakeBus) push(id uint32, data [8]byte) {
	b.inbox = append(b.inbox, struct {
		id   uint32
		data [8]byte
	}{id, data})
}

func TestSendSingleFrame(t *testing.T) {
	bus := &fakeBus{}
	seg := NewSegmenter(bus, timing.New(), 0x600, 0x612)

	if err := seg.Send([]byte{0x22, 0x01, 0x05}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(bus.sent) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(bus.sent))
	}
	got := bus.sent[0].data
	want := [8]byte{0x03, 0x22, 0x01, 0x05, 0, 0, 0, 0}
	if got != want {
		t.Errorf("expected %X, got %X", want, got)
	}
}

func TestSendMultiFrame(t *testing.T) {
	bus := &fakeBus{}
	bus.push(0x612, [8]byte{0x30, 0, 0, 0, 0, 0, 0, 0}) // flow control: continue, no block limit, no sep time

	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	seg := NewSegmenter(bus, timing.New(), 0x600, 0x612)
	if err := seg.Send(payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(bus.sent) != 2 {
		t.Fatalf("expected First + one Consecutive frame, got %d", len(bus.sent))
	}
	first := bus.sent[0].data
	if first[0] != 0x10 || first[1] != 10 {
		t.Errorf("bad First Frame header: %X", first)
	}
	cf := bus.sent[1].data
	if cf[0] != 0x21 {
		t.Errorf("expected Consecutive Frame seq 1, got %X", cf[0])
	}
}

func TestReceiveSingleFrame(t *testing.T) {
	bus := &fakeBus{}
	bus.push(0x612, [8]byte{0x03, 0x62, 0x01, 0x05, 0, 0, 0, 0})

	seg := NewSegmenter(bus, timing.New(), 0x600, 0x612)
	got, err := seg.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	want := []byte{0x62, 0x01, 0x05}
	if string(got) != string(want) {
		t.Errorf("expected %X, got %X", want, got)
	}
}

func TestReceiveMultiFrame(t *testing.T) {
	bus := &fakeBus{}
	// First Frame: total length 10, 6 payload bytes
	bus.push(0x612, [8]byte{0x10, 0x0A, 0x62, 0xAB, 0x11, 0x00, 0x0A, 0x00})
	// Consecutive Frame: seq 1, remaining 4 bytes
	bus.push(0x612, [8]byte{0x21, 0x00, 0x00, 0x00, 0x00, 0, 0, 0})

	seg := NewSegmenter(bus, timing.New(), 0x600, 0x612)
	got, err := seg.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	want := []byte{0x62, 0xAB, 0x11, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x00, 0x00}
	if len(got) != len(want) {
		t.Fatalf("expected %d bytes, got %d (%X)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d: expected 0x%02X, got 0x%02X", i, want[i], got[i])
		}
	}

	if len(bus.sent) != 1 || bus.sent[0].data[0] != 0x30 {
		t.Errorf("expected one Flow Control frame emitted, got %v", bus.sent)
	}
	if bus.sent[0].id != 0x600 {
		t.Errorf("expected Flow Control sent on tester id 0x600, got 0x%X", bus.sent[0].id)
	}
}

func TestReceiveSequenceError(t *testing.T) {
	bus := &fakeBus{}
	bus.push(0x612, [8]byte{0x10, 0x0A, 0x62, 0xAB, 0x11, 0x00, 0x0A, 0x00})
	bus.push(0x612, [8]byte{0x22, 0x00, 0x00, 0x00, 0x00, 0, 0, 0}) // wrong seq, expected 1

	seg := NewSegmenter(bus, timing.New(), 0x600, 0x612)
	if _, err := seg.Receive(); err == nil {
		t.Error("expected sequence error, got nil")
	}
}

func TestSeparationDuration(t *testing.T) {
	if d := separationDuration(0x0A); d != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %v", d)
	}
	if d := separationDuration(0xF3); d != 300*time.Microsecond {
		t.Errorf("expected 300us, got %v", d)
	}
}
