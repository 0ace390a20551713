//go:build linux

package transport

import (
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/bmwdiag/gateway/internal/gwerr"
)

// serialPort is the generic serial variant: termios-driven, 10400-baud
// UART handling only. Bit-bang and sub-millisecond latency are not
// available on a plain TTY, so EnterBitbang and SetLatency below a
// millisecond report ErrCapabilityMissing rather than silently no-op.
type serialPort struct {
	port *serial.Port
}

func openSerial(path string) (Port, error) {
	p, err := serial.Open(path, serial.NewOptions().SetReadTimeout(50*time.Millisecond))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.CategoryDevice, "open "+path, err)
	}
	if err := p.MakeRaw(); err != nil {
		p.Close()
		return nil, gwerr.Wrap(gwerr.CategoryDevice, "make raw", err)
	}
	return &serialPort{port: p}, nil
}

func (s *serialPort) SetLine(baud, bits int, parity Parity, stop int, flow Flow) error {
	attrs, err := s.port.GetAttr2()
	if err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "get attr", err)
	}
	attrs.MakeRaw()
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	switch bits {
	case 8:
		attrs.Cflag |= serial.CS8
	}
	attrs.SetCustomSpeed(uint32(baud))
	if err := s.port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "set attr", err)
	}
	return nil
}

func (s *serialPort) SetLatency(d time.Duration) error {
	if d < time.Millisecond {
		return gwerr.ErrCapabilityMissing
	}
	s.port.SetReadTimeout(d)
	return nil
}

func (s *serialPort) SetDTR(on bool) error {
	if on {
		return s.port.EnableModemLines(serial.TIOCM_DTR)
	}
	return s.port.DisableModemLines(serial.TIOCM_DTR)
}

func (s *serialPort) SetRTS(on bool) error {
	if on {
		return s.port.EnableModemLines(serial.TIOCM_RTS)
	}
	return s.port.DisableModemLines(serial.TIOCM_RTS)
}

func (s *serialPort) SetBreak(on bool) error {
	if on {
		return s.port.SetBreak()
	}
	return s.port.ClearBreak()
}

func (s *serialPort) EnterBitbang(txMask byte) error { return gwerr.ErrCapabilityMissing }
func (s *serialPort) LeaveBitbang() error             { return nil }

func (s *serialPort) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := s.port.Write(p[n:])
		if err != nil {
			return n, gwerr.Wrap(gwerr.CategoryDevice, "serial write", err)
		}
		n += m
	}
	return n, nil
}

func (s *serialPort) Read(max int, deadline time.Time) ([]byte, error) {
	buf := make([]byte, max)
	timeout := time.Until(deadline)
	if timeout < 0 {
		timeout = 0
	}
	n, err := s.port.ReadTimeout(buf, timeout)
	if err != nil {
		return buf[:n], gwerr.Wrap(gwerr.CategoryDevice, "serial read", err)
	}
	return buf[:n], nil
}

func (s *serialPort) Purge() error {
	return s.port.Flush(serial.TCIOFLUSH)
}

func (s *serialPort) Close() error {
	return s.port.Close()
}
