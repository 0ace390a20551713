package transport

import (
	"net"
	"time"

	"github.com/bmwdiag/gateway/internal/gwerr"
)

// TCPPort carries framed bytes over a TCP socket instead of a physical
// adapter. Used by the bus simulator and integration tests; line-control
// operations that have no meaning over a socket are accepted as no-ops so
// the same link-layer code path exercises both real and simulated buses.
type TCPPort struct {
	conn net.Conn
}

// OpenTCP dials addr and wraps the connection as a Port.
func OpenTCP(addr string) (*TCPPort, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.CategoryDevice, "dial "+addr, err)
	}
	return &TCPPort{conn: conn}, nil
}

func (t *TCPPort) SetLine(baud, bits int, parity Parity, stop int, flow Flow) error { return nil }
func (t *TCPPort) SetLatency(d time.Duration) error                                { return nil }
func (t *TCPPort) SetDTR(on bool) error                                            { return nil }
func (t *TCPPort) SetRTS(on bool) error                                            { return nil }
func (t *TCPPort) SetBreak(on bool) error                                          { return nil }

func (t *TCPPort) EnterBitbang(txMask byte) error { return gwerr.ErrCapabilityMissing }
func (t *TCPPort) LeaveBitbang() error             { return nil }

func (t *TCPPort) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := t.conn.Write(p[n:])
		if err != nil {
			return n, gwerr.Wrap(gwerr.CategoryDevice, "tcp write", err)
		}
		n += m
	}
	return n, nil
}

func (t *TCPPort) Read(max int, deadline time.Time) ([]byte, error) {
	_ = t.conn.SetReadDeadline(deadline)
	buf := make([]byte, max)
	n, err := t.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return buf[:n], nil
		}
		return buf[:n], gwerr.Wrap(gwerr.CategoryDevice, "tcp read", err)
	}
	return buf[:n], nil
}

func (t *TCPPort) Purge() error { return nil }

func (t *TCPPort) Close() error {
	return t.conn.Close()
}
