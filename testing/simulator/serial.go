package simulator

import (
	"time"

	serial "github.com/daedaluz/goserial"
)

// SerialWriter implements DataWriter for serial ports, using the same
// goserial binding internal/transport's serial_linux.go opens real
// adapters with.
type SerialWriter struct {
	port *serial.Port
}

// NewSerialWriter creates a new serial simulator writer
func NewSerialWriter(portName string, baud int) (DataWriter, error) {
	port, err := serial.Open(portName, serial.NewOptions().SetReadTimeout(50*time.Millisecond))
	if err != nil {
		return nil, err
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, err
	}
	attrs, err := port.GetAttr2()
	if err != nil {
		port.Close()
		return nil, err
	}
	attrs.MakeRaw()
	attrs.Cflag |= serial.CREAD | serial.CLOCAL | serial.CS8
	attrs.SetCustomSpeed(uint32(baud))
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, err
	}

	return &SerialWriter{port: port}, nil
}

func (w *SerialWriter) Write(data []byte) (int, error) {
	return w.port.Write(data)
}

func (w *SerialWriter) Close() error {
	return w.port.Close()
}
