package transport

import (
	"encoding/binary"
	"time"

	"github.com/bmwdiag/gateway/internal/gwerr"
)

// DCANBridge frames opaque CAN records atop an already-open Port switched
// into D-CAN mode, per spec §9's decision to treat the K+DCAN adapter's
// CAN path as an opaque ISO-TP-capable byte pipe rather than a true CAN
// MAC: the source's own D-CAN mode toggles RTS and pushes framed bytes,
// and this bridge reproduces exactly that, nothing more. Each record is a
// fixed 10-byte frame: a big-endian 16-bit arbitration id (11 bits used)
// followed by the 8 CAN data bytes. Its Send/Recv method set matches
// internal/isotp.Bus structurally, so a Segmenter can drive it directly.
type DCANBridge struct {
	port Port
}

// OpenDCANBus asserts RTS on port (the source's convention for selecting
// D-CAN mode on the K+DCAN cable) and returns a bridge ready to carry
// ISO-TP frames. The caller is still responsible for closing port itself;
// switching modes does not hand over ownership.
func OpenDCANBus(port Port) (*DCANBridge, error) {
	if err := port.SetRTS(true); err != nil {
		return nil, gwerr.Wrap(gwerr.CategoryDevice, "enter dcan mode", err)
	}
	return &DCANBridge{port: port}, nil
}

func (b *DCANBridge) Send(id uint32, data [8]byte) error {
	frame := make([]byte, 10)
	binary.BigEndian.PutUint16(frame[0:2], uint16(id))
	copy(frame[2:], data[:])
	_, err := b.port.Write(frame)
	return err
}

func (b *DCANBridge) Recv(deadline time.Time) (uint32, [8]byte, bool, error) {
	chunk, err := b.port.Read(10, deadline)
	if err != nil {
		return 0, [8]byte{}, false, err
	}
	if len(chunk) < 10 {
		return 0, [8]byte{}, false, nil
	}
	id := uint32(binary.BigEndian.Uint16(chunk[0:2]))
	var data [8]byte
	copy(data[:], chunk[2:10])
	return id, data, true, nil
}
