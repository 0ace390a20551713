// Package isotp implements ISO 15765-2 segmentation/reassembly over the
// CAN transport path: packing an arbitrary-length service payload into
// Single/First/Consecutive frames and reassembling a multi-frame response,
// driven by Flow Control frames exchanged with the ECU.
package isotp

import (
	"time"

	"github.com/bmwdiag/gateway/internal/gwerr"
	"github.com/bmwdiag/gateway/internal/timing"
)

// FlowFlag is the low nibble of a Flow Control frame's first byte.
type FlowFlag byte

const (
	FlowContinue FlowFlag = 0
	FlowWait     FlowFlag = 1
	FlowOverflow FlowFlag = 2
)

const messageBudget = 1000 * time.Millisecond
const fcTimeout = 100 * time.Millisecond

// Bus is the minimum CAN transport contract the segmenter needs: send one
// 8-byte frame to txID, receive the next 8-byte frame whose identifier is
// rxID (others are discarded by the caller's implementation or by this
// package, per Receive below).
type Bus interface {
	Send(id uint32, data [8]byte) error
	Recv(deadline time.Time) (id uint32, data [8]byte, ok bool, err error)
}

// Segmenter drives one request/response exchange between txID (tester) and
// rxID (ECU) over bus.
type Segmenter struct {
	bus   Bus
	clock *timing.Clock
	txID  uint32
	rxID  uint32
}

func NewSegmenter(bus Bus, clock *timing.Clock, txID, rxID uint32) *Segmenter {
	return &Segmenter{bus: bus, clock: clock, txID: txID, rxID: rxID}
}

// Send transmits payload, handling First/Consecutive framing and Flow
// Control when payload exceeds 7 bytes.
func (s *Segmenter) Send(payload []byte) error {
	if len(payload) <= 7 {
		var frame [8]byte
		frame[0] = byte(len(payload))
		copy(frame[1:], payload)
		return s.bus.Send(s.txID, frame)
	}

	var first [8]byte
	first[0] = 0x10 | byte((len(payload)>>8)&0x0F)
	first[1] = byte(len(payload))
	copy(first[2:], payload[:6])
	if err := s.bus.Send(s.txID, first); err != nil {
		return err
	}

	sent := 6
	seq := byte(1)
	for sent < len(payload) {
		fc, err := s.awaitFlowControl()
		if err != nil {
			return err
		}
		switch fc.flag {
		case FlowOverflow:
			return gwerr.ErrIsoTpOverflow
		case FlowWait:
			continue
		}
		sepTime := separationDuration(fc.sepTime)
		blockCount := 0
		for sent < len(payload) {
			var cf [8]byte
			cf[0] = 0x20 | (seq & 0x0F)
			n := copy(cf[1:], payload[sent:])
			if err := s.bus.Send(s.txID, cf); err != nil {
				return err
			}
			sent += n
			seq = (seq + 1) % 16
			blockCount++
			if fc.blockSize != 0 && blockCount >= int(fc.blockSize) && sent < len(payload) {
				break
			}
			if sent < len(payload) {
				s.clock.Delay(sepTime)
			}
		}
	}
	return nil
}

type flowControl struct {
	flag      FlowFlag
	blockSize byte
	sepTime   byte
}

func (s *Segmenter) awaitFlowControl() (flowControl, error) {
	deadline := s.clock.Now().Add(fcTimeout)
	for {
		id, data, ok, err := s.bus.Recv(deadline)
		if err != nil {
			return flowControl{}, err
		}
		if !ok {
			return flowControl{}, gwerr.ErrIsoTpTimeout
		}
		if id != s.rxID {
			continue
		}
		if data[0]&0xF0 != 0x30 {
			continue
		}
		return flowControl{flag: FlowFlag(data[0] & 0x0F), blockSize: data[1], sepTime: data[2]}, nil
	}
}

func separationDuration(code byte) time.Duration {
	if code <= 0x7F {
		return time.Duration(code) * time.Millisecond
	}
	if code >= 0xF1 && code <= 0xF9 {
		return time.Duration(code-0xF0) * 100 * time.Microsecond
	}
	return 0
}

// Receive reads one complete ISO-TP message, emitting Flow Control as
// needed for multi-frame responses.
func (s *Segmenter) Receive() ([]byte, error) {
	deadline := s.clock.Now().Add(messageBudget)
	id, data, ok, err := s.bus.Recv(deadline)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, gwerr.New(gwerr.CategoryTimeout, "no isotp frame received")
	}
	for id != s.rxID {
		id, data, ok, err = s.bus.Recv(deadline)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, gwerr.New(gwerr.CategoryTimeout, "no isotp frame received")
		}
	}

	switch data[0] & 0xF0 {
	case 0x00:
		n := int(data[0] & 0x0F)
		return append([]byte{}, data[1:1+n]...), nil
	case 0x10:
		total := int(data[0]&0x0F)<<8 | int(data[1])
		buf := append([]byte{}, data[2:8]...)
		if err := s.bus.Send(s.txID, [8]byte{0x30, 0, 0}); err != nil {
			return nil, err
		}
		expectedSeq := byte(1)
		for len(buf) < total {
			id, data, ok, err = s.bus.Recv(deadline)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, gwerr.ErrIsoTpTimeout
			}
			if id != s.rxID {
				continue
			}
			if data[0]&0xF0 != 0x20 {
				continue
			}
			seq := data[0] & 0x0F
			if seq != expectedSeq {
				return nil, gwerr.ErrIsoTpSequenceError
			}
			expectedSeq = (expectedSeq + 1) % 16
			need := total - len(buf)
			n := 7
			if need < n {
				n = need
			}
			buf = append(buf, data[1:1+n]...)
		}
		return buf[:total], nil
	default:
		return nil, gwerr.New(gwerr.CategoryIsoTp, "unexpected isotp frame type")
	}
}
