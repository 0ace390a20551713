package kline

import (
	"log"
	"time"

	"github.com/bmwdiag/gateway/internal/gwerr"
	"github.com/bmwdiag/gateway/internal/transport"
)

// functionalInitAddress is the address placed on the bus during 5-baud
// init, per ISO 14230-2 — always 0x33, never the physical ECU target.
const functionalInitAddress = 0x33

const (
	bitPeriod   = 200 * time.Millisecond
	syncTimeout = 400 * time.Millisecond
	w1Slack     = 5 * time.Millisecond
	w4Min       = 25 * time.Millisecond
	tiniL       = 30 * time.Millisecond
	tWup        = 25 * time.Millisecond
	fastInitP2  = 200 * time.Millisecond
)

// SlowInit drives the ISO 9141-2 5-baud initialization state machine
// against the physical target address. The functional address 0x33 is
// what actually appears on the wire.
func (l *Link) SlowInit() error {
	if err := l.port.EnterBitbang(0x01); err != nil {
		return err
	}
	bits := slowInitBits(functionalInitAddress)
	for _, level := range bits {
		if _, err := l.port.Write([]byte{level}); err != nil {
			l.port.LeaveBitbang()
			return gwerr.Wrap(gwerr.CategoryDevice, "bitbang write", err)
		}
		l.clock.Delay(bitPeriod)
	}
	if err := l.port.LeaveBitbang(); err != nil {
		return err
	}
	if err := l.port.SetLine(10400, 8, transport.ParityNone, 1, transport.FlowNone); err != nil {
		return err
	}

	sync, err := l.readExact(1, syncTimeout)
	if err != nil || sync[0] != 0x55 {
		return gwerr.ErrInitTimeout
	}

	l.clock.Delay(w1Slack)
	kb1, err := l.readExact(1, w4Min)
	if err != nil {
		return gwerr.ErrInitTimeout
	}

	l.clock.Delay(w4Min)
	kb2, err := l.readExact(1, w4Min*2)
	if err != nil {
		return gwerr.ErrInitTimeout
	}

	l.clock.Delay(w4Min)
	if _, err := l.port.Write([]byte{^kb2[0]}); err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "send inverted kb2", err)
	}
	l.consumeEcho([]byte{^kb2[0]})

	l.clock.Delay(w4Min)
	addrConfirm, err := l.readExact(1, w4Min*2)
	if err != nil {
		return gwerr.ErrInitTimeout
	}
	if addrConfirm[0] != byte(^byte(functionalInitAddress)) {
		return gwerr.ErrInitProtocolError
	}

	l.keyBytes = [2]byte{kb1[0], kb2[0]}
	l.p3min = 55 * time.Millisecond
	l.protocolVariant = VariantSlowInit
	l.lastExchange = l.clock.Now()
	log.Printf("kline: slow init to 0x%02X succeeded, keybytes=%02X%02X", l.target, kb1[0], kb2[0])
	return nil
}

// slowInitBits returns the bit levels (as bytes for Write, LSB=pin level)
// for one 5-baud address transmission: start, 7 data bits LSB-first, odd
// parity, stop.
func slowInitBits(addr byte) []byte {
	bits := make([]byte, 0, 10)
	bits = append(bits, 0) // start bit, line low
	ones := 0
	for i := 0; i < 7; i++ {
		bit := (addr >> i) & 1
		bits = append(bits, bit)
		if bit == 1 {
			ones++
		}
	}
	parity := byte(0)
	if ones%2 == 0 {
		parity = 1 // odd parity: make total count of 1s odd
	}
	bits = append(bits, parity)
	bits = append(bits, 1) // stop bit, line high
	return bits
}

// FastInit drives the ISO 14230 fast-init sequence: BREAK, wake-up wait,
// StartCommunication.
func (l *Link) FastInit() error {
	if err := l.port.SetLine(10400, 8, transport.ParityNone, 1, transport.FlowNone); err != nil {
		return err
	}
	if err := l.port.Purge(); err != nil {
		return err
	}
	if err := l.port.SetBreak(true); err != nil {
		return err
	}
	l.clock.Delay(tiniL)
	if err := l.port.SetBreak(false); err != nil {
		return err
	}
	l.clock.Delay(tWup)

	req, err := Encode(l.source, l.target, []byte{0x81})
	if err != nil {
		return err
	}
	if _, err := l.port.Write(req); err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "start communication write", err)
	}
	l.consumeEcho(req)

	raw, err := l.readFrame(l.clock.Now().Add(fastInitP2))
	if err != nil {
		return gwerr.ErrInitFailed
	}
	resp, err := Decode(raw)
	if err != nil || resp.Service != 0xC1 {
		return gwerr.ErrInitFailed
	}

	if len(resp.Rest) >= 2 {
		l.keyBytes = [2]byte{resp.Rest[0], resp.Rest[1]}
	} else {
		l.keyBytes = [2]byte{0x8F, 0xEA}
	}
	l.p3min = 55 * time.Millisecond
	l.protocolVariant = VariantFastInit
	l.lastExchange = l.clock.Now()
	log.Printf("kline: fast init to 0x%02X succeeded, keybytes=%02X%02X", l.target, l.keyBytes[0], l.keyBytes[1])
	return nil
}

// readExact blocks until exactly n bytes have arrived or timeout elapses.
func (l *Link) readExact(n int, timeout time.Duration) ([]byte, error) {
	deadline := l.clock.Now().Add(timeout)
	var out []byte
	for len(out) < n {
		chunk, err := l.port.Read(n-len(out), deadline)
		if err != nil {
			return out, err
		}
		if len(chunk) == 0 {
			if l.clock.Now().After(deadline) {
				return out, gwerr.ErrInitTimeout
			}
			continue
		}
		out = append(out, chunk...)
	}
	return out, nil
}
