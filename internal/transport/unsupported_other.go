//go:build !linux

package transport

import "github.com/bmwdiag/gateway/internal/gwerr"

// The generic-serial and FTDI-direct variants are implemented against
// Linux termios/usbfs. On other hosts only the TCP and mock variants are
// available; callers asking for serial/ftdi get a clear device error
// rather than a silent misbehaving transport.

func openSerial(path string) (Port, error) {
	return nil, gwerr.ErrDeviceUnavailable
}

func openFTDI(address string) (Port, error) {
	return nil, gwerr.ErrDeviceUnavailable
}

func listFTDIAdapters() []AdapterInfo {
	return nil
}
