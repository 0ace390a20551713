package transport

import (
	"io"
	"sync"
	"time"

	"github.com/bmwdiag/gateway/internal/gwerr"
)

// Mock is an in-memory Port used by unit tests and the bus simulator. A
// pair of Mocks created with NewMockPair are cross-wired: bytes written to
// one arrive on the other's Read, mimicking the K-Line's single shared
// conductor without any actual echo (the mock does not loop writes back to
// their own writer — callers exercise echo suppression against a real or
// simulated ECU instead).
type Mock struct {
	mu     sync.Mutex
	inbox  []byte
	cond   *sync.Cond
	closed bool
	peer   *Mock
}

// NewMock returns a standalone Mock with no peer; writes are discarded and
// reads always time out. Useful where only line-control calls matter.
func NewMock() *Mock {
	m := &Mock{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// NewMockPair returns two Mocks wired to each other.
func NewMockPair() (*Mock, *Mock) {
	a, b := NewMock(), NewMock()
	a.peer = b
	b.peer = a
	return a, b
}

func (m *Mock) push(p []byte) {
	m.mu.Lock()
	m.inbox = append(m.inbox, p...)
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Mock) SetLine(baud, bits int, parity Parity, stop int, flow Flow) error { return nil }
func (m *Mock) SetLatency(d time.Duration) error                                { return nil }
func (m *Mock) SetDTR(on bool) error                                            { return nil }
func (m *Mock) SetRTS(on bool) error                                            { return nil }
func (m *Mock) SetBreak(on bool) error                                          { return nil }

func (m *Mock) EnterBitbang(txMask byte) error {
	return gwerr.ErrCapabilityMissing
}
func (m *Mock) LeaveBitbang() error { return nil }

func (m *Mock) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, gwerr.ErrDriverError
	}
	m.mu.Unlock()
	if m.peer != nil {
		m.peer.push(p)
	}
	return len(p), nil
}

func (m *Mock) Read(max int, deadline time.Time) ([]byte, error) {
	for {
		m.mu.Lock()
		if len(m.inbox) > 0 {
			n := len(m.inbox)
			if n > max {
				n = max
			}
			out := make([]byte, n)
			copy(out, m.inbox[:n])
			m.inbox = m.inbox[n:]
			m.mu.Unlock()
			return out, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, io.EOF
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.mu.Unlock()
			return nil, nil
		}
		m.mu.Unlock()
		time.Sleep(minDur(remaining, time.Millisecond))
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (m *Mock) Purge() error {
	m.mu.Lock()
	m.inbox = nil
	m.mu.Unlock()
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}
