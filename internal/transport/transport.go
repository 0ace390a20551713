// Package transport owns the physical adapter: a USB-serial cable or an
// FTDI D2XX-direct handle. It exposes the operations the K-Line link layer
// needs and nothing else — framing, checksums and timing all live above
// this package.
package transport

import (
	"time"

	"github.com/bmwdiag/gateway/internal/gwerr"
)

// Parity mirrors the line-parameter vocabulary of §4.1.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// Flow is the flow-control mode for set_line.
type Flow int

const (
	FlowNone Flow = iota
	FlowRTSCTS
)

// AdapterInfo describes one enumerated adapter, per the client boundary's
// list_adapters() shape: {index, description, serial}.
type AdapterInfo struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Serial      string `json:"serial"`
}

// Port is the contract every transport variant implements. Failures are
// reported as categorized *gwerr.Error values, except that the generic
// serial variant's SetDTR, SetRTS, SetBreak, Purge and Close, the Close of
// the FTDI and TCP variants, and Read on a closed Mock return the
// underlying error uncategorized. Write either accepts every byte or
// returns an error; partial writes never surface as success.
type Port interface {
	// SetLine configures baud/bits/parity/stop/flow. Must complete before
	// the next byte is emitted.
	SetLine(baud, bits int, parity Parity, stop int, flow Flow) error

	// SetLatency sets the adapter's receive-coalescing window. The
	// D2XX-direct variant sets it in whole milliseconds and raises values
	// below 1 ms to 1 ms; the generic serial variant rejects values below
	// 1 ms with ErrCapabilityMissing.
	SetLatency(d time.Duration) error

	SetDTR(on bool) error
	SetRTS(on bool) error

	// SetBreak holds (true) or releases (false) the TX line.
	SetBreak(on bool) error

	// EnterBitbang puts the adapter into async bit-bang mode with txMask
	// marking output pins. Returns ErrCapabilityMissing if unsupported.
	EnterBitbang(txMask byte) error
	LeaveBitbang() error

	// Write blocks until every byte has been accepted for transmission.
	Write(p []byte) (int, error)

	// Read returns whatever has arrived, never more than max bytes. It
	// can return fewer than max bytes, or none, before deadline passes, so
	// callers read again until they have what they need or the deadline
	// has passed.
	Read(max int, deadline time.Time) ([]byte, error)

	Purge() error
	Close() error
}

// Variant names the two interchangeable transport implementations from
// spec §4.1, plus the TCP and mock variants used by tests and the simulator.
type Variant string

const (
	VariantGenericSerial Variant = "serial"
	VariantFTDIDirect    Variant = "ftdi"
	VariantTCP           Variant = "tcp"
	VariantMock          Variant = "mock"
)

// Config selects and parameterizes a transport variant.
type Config struct {
	Variant Variant
	Address string // device path, TCP host:port, or adapter index as string
	Debug   bool
}

// Open constructs the Port named by cfg.Variant.
func Open(cfg Config) (Port, error) {
	switch cfg.Variant {
	case VariantGenericSerial:
		return openSerial(cfg.Address)
	case VariantFTDIDirect:
		return openFTDI(cfg.Address)
	case VariantTCP:
		return OpenTCP(cfg.Address)
	case VariantMock:
		return NewMock(), nil
	default:
		return nil, gwerr.Wrap(gwerr.CategoryDevice, "unsupported transport variant: "+string(cfg.Variant), nil)
	}
}

// ListAdapters enumerates every adapter reachable through the variants
// that support discovery (generic serial devices are not self-describing,
// so only the FTDI D2XX-direct variant contributes entries today).
func ListAdapters() []AdapterInfo {
	return listFTDIAdapters()
}
