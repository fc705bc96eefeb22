package sensor

import (
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/tarm/serial"
)

const (
	// DefaultDevice is the UART the sensor hangs off on both board variants.
	DefaultDevice = "/dev/serial0"
	DefaultBaud   = 9600

	// Short read timeout so Poll never stalls the tick loop.
	portReadTimeout = 5 * time.Millisecond
)

// SerialPort is the real sensor channel. It holds a file lock on the device
// node so no other process can grab the UART while we own it.
type SerialPort struct {
	port *serial.Port
	lock *flock.Flock
}

func OpenSerialPort(device string, baud int) (*SerialPort, error) {
	if device == "" {
		device = DefaultDevice
	}
	if baud <= 0 {
		baud = DefaultBaud
	}

	lock := flock.New(device)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", device, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s is locked by another process", device)
	}

	c := &serial.Config{Name: device, Baud: baud, ReadTimeout: portReadTimeout}
	port, err := serial.OpenPort(c)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	return &SerialPort{port: port, lock: lock}, nil
}

// Read returns (0, nil) when the port's read timeout lapses with no data.
func (s *SerialPort) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialPort) Flush() error {
	return s.port.Flush()
}

func (s *SerialPort) Close() error {
	err := s.port.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
