package kline

import (
	"log"
	"time"

	"github.com/bmwdiag/gateway/internal/gwerr"
	"github.com/bmwdiag/gateway/internal/timing"
	"github.com/bmwdiag/gateway/internal/transport"
)

// ProtocolVariant records which initialization path produced the current
// session, per spec §3 "Session state... protocol variant".
type ProtocolVariant string

const (
	VariantSlowInit ProtocolVariant = "slow"
	VariantFastInit ProtocolVariant = "fast"
	VariantDCAN     ProtocolVariant = "dcan"
)

const (
	p1MaxInterByte  = 20 * time.Millisecond
	p2MaxDefault    = 500 * time.Millisecond
	p2MaxCeiling    = 5000 * time.Millisecond
	p4MinInterByte  = 5 * time.Millisecond
)

// Link carries one K-Line tester-to-ECU session: initialization state,
// the running P3min deadline, and the request/response discipline of
// §4.3.6. One Link exists per ECU address currently initialized on a
// transport; the session manager owns the map of these.
type Link struct {
	port   transport.Port
	clock  *timing.Clock
	source byte
	target byte

	p3min           time.Duration
	p3Deadline      time.Time
	keyBytes        [2]byte
	protocolVariant ProtocolVariant
	lastExchange    time.Time
}

// NewLink returns a Link ready to run SlowInit or FastInit. source is the
// tester's own logical address (conventionally 0xF1); target is the
// physical ECU address.
func NewLink(port transport.Port, clock *timing.Clock, source, target byte) *Link {
	return &Link{port: port, clock: clock, source: source, target: target, p3min: 55 * time.Millisecond}
}

func (l *Link) KeyBytes() [2]byte             { return l.keyBytes }
func (l *Link) ProtocolVariant() ProtocolVariant { return l.protocolVariant }
func (l *Link) LastExchange() time.Time        { return l.lastExchange }

// consumeEcho reads back len(written) bytes and checks they match what was
// just transmitted, per §4.3.5. A mismatch is logged but not fatal.
func (l *Link) consumeEcho(written []byte) {
	deadline := l.clock.Now().Add(time.Duration(len(written)) * time.Millisecond * 2)
	echo, err := l.readExact(len(written), time.Until(deadline))
	if err != nil {
		log.Printf("kline: echo read failed: %v", err)
		return
	}
	for i := range written {
		if i >= len(echo) || echo[i] != written[i] {
			log.Printf("kline: echo mismatch at byte %d: sent 0x%02X got 0x%02X", i, written[i], safeByte(echo, i))
			return
		}
	}
}

func safeByte(b []byte, i int) byte {
	if i < len(b) {
		return b[i]
	}
	return 0
}

// readFrame accumulates bytes until a complete KWP2000 frame has been
// decoded or deadline passes. Any inter-byte gap exceeding P1 terminates
// the read early with ResponseIncomplete.
func (l *Link) readFrame(deadline time.Time) ([]byte, error) {
	var buf []byte
	last := l.clock.Now()
	for {
		want, err := frameLen(buf)
		if err != nil {
			return nil, err
		}
		if want > 0 && len(buf) >= want {
			return buf[:want], nil
		}
		byteDeadline := last.Add(p1MaxInterByte)
		if len(buf) == 0 || byteDeadline.After(deadline) {
			byteDeadline = deadline
		}
		if l.clock.Now().After(byteDeadline) {
			if len(buf) == 0 {
				return nil, gwerr.New(gwerr.CategoryTimeout, "no response")
			}
			return nil, gwerr.ErrResponseIncomplete
		}
		chunk, err := l.port.Read(64, byteDeadline)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.CategoryDevice, "read", err)
		}
		if len(chunk) == 0 {
			if l.clock.Now().After(deadline) {
				if len(buf) == 0 {
					return nil, gwerr.New(gwerr.CategoryTimeout, "no response")
				}
				return nil, gwerr.ErrResponseIncomplete
			}
			continue
		}
		buf = append(buf, chunk...)
		last = l.clock.Now()
	}
}

// waitP3min blocks until the P3min deadline from the prior exchange has
// passed, respecting the host's wake-early tolerance.
func (l *Link) waitP3min() {
	if l.p3Deadline.IsZero() {
		return
	}
	remaining := l.p3Deadline.Sub(l.clock.Now()) - l.clock.P3Tolerance()
	if remaining > 0 {
		l.clock.Delay(remaining)
	}
}

// SendRequest implements the send_request contract of §4.3.6: wait P3min,
// purge, write, consume echo, read with P1/P2max discipline, decode and
// classify the response. NRC 0x78 (response pending) extends the P2max
// deadline without resetting P3min.
func (l *Link) SendRequest(service byte, payload []byte) (Frame, error) {
	l.waitP3min()
	if err := l.port.Purge(); err != nil {
		return Frame{}, err
	}

	reqPayload := append([]byte{service}, payload...)
	req, err := Encode(l.source, l.target, reqPayload)
	if err != nil {
		return Frame{}, err
	}
	if _, err := l.port.Write(req); err != nil {
		return Frame{}, gwerr.Wrap(gwerr.CategoryDevice, "write request", err)
	}
	l.consumeEcho(req)

	deadline := l.clock.Now().Add(p2MaxDefault)
	ceiling := l.clock.Now().Add(p2MaxCeiling)
	for {
		raw, err := l.readFrame(deadline)
		if err != nil {
			return Frame{}, err
		}
		resp, err := Decode(raw)
		if err != nil {
			return Frame{}, err
		}
		if resp.Service == 0x7F {
			if len(resp.Rest) < 2 {
				return Frame{}, gwerr.ErrProtocolMismatch
			}
			nrc := resp.Rest[1]
			if nrc == 0x78 {
				if l.clock.Now().After(ceiling) {
					return Frame{}, gwerr.New(gwerr.CategoryTimeout, "response-pending ceiling exceeded")
				}
				deadline = l.clock.Now().Add(p2MaxDefault)
				if deadline.After(ceiling) {
					deadline = ceiling
				}
				continue
			}
			l.stampP3min()
			return resp, gwerr.NegativeResponse(nrc)
		}
		if resp.Service != service+0x40 {
			return Frame{}, gwerr.ErrProtocolMismatch
		}
		l.stampP3min()
		l.lastExchange = l.clock.Now()
		return resp, nil
	}
}

func (l *Link) stampP3min() {
	l.p3Deadline = l.clock.Now().Add(l.p3min)
}

// TesterPresent issues service 0x3E. suppress selects whether the 0x00
// sub-function requests response suppression; §9 leaves this choice open
// per the source's inconsistent usage, so the session manager picks one
// policy and this method just executes whichever it is told.
func (l *Link) TesterPresent(suppress bool) error {
	sub := byte(0x00)
	if !suppress {
		sub = 0x80
	}
	_, err := l.SendRequest(0x3E, []byte{sub})
	if !suppress {
		return err
	}
	// A suppressed request may legitimately receive no reply at all.
	if ge, ok := err.(*gwerr.Error); ok && ge.Category == gwerr.CategoryTimeout {
		return nil
	}
	return err
}

// StopCommunication sends 0x82 and expects a positive 0xC2.
func (l *Link) StopCommunication() error {
	resp, err := l.SendRequest(0x82, nil)
	if err != nil {
		return err
	}
	if resp.Service != 0xC2 {
		return gwerr.ErrProtocolMismatch
	}
	return nil
}

// Close releases the underlying transport handle.
func (l *Link) Close() error {
	return l.port.Close()
}
