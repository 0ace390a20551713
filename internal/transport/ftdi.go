//go:build linux

package transport

import (
	"strconv"
	"time"

	usb "github.com/daedaluz/gousb"

	"github.com/bmwdiag/gateway/internal/gwerr"
)

// ftdiPort is the D2XX-direct variant: it speaks the FTDI FT232R vendor
// protocol over raw USB control/bulk transfers instead of linking against
// the D2XX shared library, so it works wherever libusb access to the
// device is available. It adds what the generic serial variant cannot:
// async bit-bang on the TX pin (for 5-baud emission) and a latency timer
// set in whole milliseconds, down to 1 ms.
type ftdiPort struct {
	dev      *usb.Device
	inEP     uint8
	outEP    uint8
	bitbang  bool
}

const (
	ftdiVID = 0x0403
	ftdiPID = 0x6001 // FT232R

	reqReset         = 0x00
	reqSetModemCtrl  = 0x01
	reqSetFlowCtrl   = 0x02
	reqSetBaudRate   = 0x03
	reqSetData       = 0x04
	reqSetLatency    = 0x09
	reqSetBitMode    = 0x0B

	resetPurgeRX = 1
	resetPurgeTX = 2

	bitbangModeAsync = 0x01

	modemCtrlDTRBit    = 0x0001
	modemCtrlDTREnable = 0x0100
	modemCtrlRTSBit    = 0x0002
	modemCtrlRTSEnable = 0x0200

	ftdiBulkInEP  = 0x81
	ftdiBulkOutEP = 0x02
)

func listFTDIAdapters() []AdapterInfo {
	devs, err := usb.FindDevices(func(d *usb.Device) bool {
		desc := d.GetDeviceDescriptor()
		return desc.IDVendor == ftdiVID && desc.IDProduct == ftdiPID
	})
	if err != nil {
		return nil
	}
	out := make([]AdapterInfo, 0, len(devs))
	for i, d := range devs {
		out = append(out, AdapterInfo{
			Index:       i,
			Description: "FTDI FT232R bus=" + strconv.Itoa(d.BusNumber) + " dev=" + strconv.Itoa(d.DeviceNumber),
			Serial:      strconv.Itoa(d.BusNumber) + ":" + strconv.Itoa(d.DeviceNumber),
		})
	}
	return out
}

// openFTDI opens the adapter at the given index among enumerated FTDI
// devices (address is the decimal index string from ListAdapters).
func openFTDI(address string) (Port, error) {
	idx, err := strconv.Atoi(address)
	if err != nil {
		idx = 0
	}
	devs, err := usb.FindDevices(func(d *usb.Device) bool {
		desc := d.GetDeviceDescriptor()
		return desc.IDVendor == ftdiVID && desc.IDProduct == ftdiPID
	})
	if err != nil || idx >= len(devs) {
		return nil, gwerr.ErrDeviceUnavailable
	}
	dev := devs[idx]
	if err := dev.Open(); err != nil {
		return nil, gwerr.Wrap(gwerr.CategoryDevice, "open ftdi handle", err)
	}
	p := &ftdiPort{dev: dev, inEP: ftdiBulkInEP, outEP: ftdiBulkOutEP}
	if _, err := dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqReset, 0, 0, nil); err != nil {
		dev.Close()
		return nil, gwerr.Wrap(gwerr.CategoryDevice, "ftdi reset", err)
	}
	return p, nil
}

// ftdiBaudDivisor computes the FT232R fractional baud divisor for the
// nominal 3 MHz base clock: integer part in the low 14 bits, fractional
// eighths encoded in the top bits per the standard FTDI scheme.
func ftdiBaudDivisor(baud int) (value uint16, index uint16) {
	const base = 3000000
	fracCode := [8]uint16{0, 3, 2, 4, 1, 5, 6, 7}
	divisor8 := (base*8 + baud/2) / baud
	divisor := divisor8 >> 3
	frac := fracCode[divisor8&0x7]
	value = uint16(divisor) | (frac << 14 & 0xC000)
	index = uint16(frac >> 2)
	return value, index
}

func (f *ftdiPort) SetLine(baud, bits int, parity Parity, stop int, flow Flow) error {
	value, index := ftdiBaudDivisor(baud)
	if _, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqSetBaudRate, value, index, nil); err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "set baud", err)
	}
	data := uint16(bits) // 7 or 8 data bits in the low bits of wValue
	switch parity {
	case ParityOdd:
		data |= 0x100
	case ParityEven:
		data |= 0x200
	}
	if stop == 2 {
		data |= 0x2000
	}
	if _, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqSetData, data, 0, nil); err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "set data characteristics", err)
	}
	flowVal := uint16(0)
	if flow == FlowRTSCTS {
		flowVal = 0x0100
	}
	if _, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqSetFlowCtrl, 0, flowVal, nil); err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "set flow control", err)
	}
	return nil
}

func (f *ftdiPort) SetLatency(d time.Duration) error {
	ms := uint16(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	if _, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqSetLatency, ms, 0, nil); err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "set latency timer", err)
	}
	return nil
}

func (f *ftdiPort) setModemCtrl(mask, value uint16) error {
	_, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqSetModemCtrl, mask|value, 0, nil)
	if err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "set modem control", err)
	}
	return nil
}

func (f *ftdiPort) SetDTR(on bool) error {
	v := uint16(0)
	if on {
		v = modemCtrlDTRBit
	}
	return f.setModemCtrl(modemCtrlDTREnable, v)
}

func (f *ftdiPort) SetRTS(on bool) error {
	v := uint16(0)
	if on {
		v = modemCtrlRTSBit
	}
	return f.setModemCtrl(modemCtrlRTSEnable, v)
}

func (f *ftdiPort) SetBreak(on bool) error {
	// Break is bit 14 of the data-characteristics request; reuse 8N1 for
	// the rest since the link layer only toggles break between frames of
	// otherwise-stable line settings.
	data := uint16(8)
	if on {
		data |= 0x4000
	}
	_, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqSetData, data, 0, nil)
	if err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "set break", err)
	}
	return nil
}

func (f *ftdiPort) EnterBitbang(txMask byte) error {
	_, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqSetBitMode,
		uint16(txMask)|uint16(bitbangModeAsync)<<8, 0, nil)
	if err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "enter bitbang", err)
	}
	f.bitbang = true
	return nil
}

func (f *ftdiPort) LeaveBitbang() error {
	_, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqSetBitMode, 0, 0, nil)
	if err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "leave bitbang", err)
	}
	f.bitbang = false
	return nil
}

func (f *ftdiPort) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := f.dev.Bulk(f.outEP, p[n:])
		if err != nil {
			return n, gwerr.Wrap(gwerr.CategoryDevice, "ftdi bulk write", err)
		}
		if m == 0 {
			return n, gwerr.New(gwerr.CategoryDevice, "ftdi bulk write accepted no bytes")
		}
		n += m
	}
	return n, nil
}

func (f *ftdiPort) Read(max int, deadline time.Time) ([]byte, error) {
	var out []byte
	for len(out) < max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timeoutMS := uint32(remaining / time.Millisecond)
		if timeoutMS == 0 {
			timeoutMS = 1
		}
		// First two bytes of every FTDI bulk-in transfer are modem/line
		// status, not payload.
		buf := make([]byte, 2+max-len(out))
		n, err := f.dev.BulkTimeout(f.inEP, buf, timeoutMS)
		if err != nil {
			return out, gwerr.Wrap(gwerr.CategoryDevice, "ftdi bulk read", err)
		}
		if n > 2 {
			out = append(out, buf[2:n]...)
		}
		if n <= 2 {
			break
		}
	}
	return out, nil
}

func (f *ftdiPort) Purge() error {
	if _, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqReset, resetPurgeRX, 0, nil); err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "purge rx", err)
	}
	if _, err := f.dev.Ctrl(usb.RequestTypeVendor|usb.RequestDirectionOut, reqReset, resetPurgeTX, 0, nil); err != nil {
		return gwerr.Wrap(gwerr.CategoryDevice, "purge tx", err)
	}
	return nil
}

func (f *ftdiPort) Close() error {
	return f.dev.Close()
}
