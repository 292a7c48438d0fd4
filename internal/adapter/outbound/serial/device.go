// Package serial drives the keypad/relay microcontroller over a serial port.
// The firmware prints one decoded key per line and switches the relay on
// the single bytes '1' (on) and '0' (off).
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/facelock/facelock/internal/domain/actuator"
)

// DefaultBaudRate matches the keypad firmware.
const DefaultBaudRate = 9600

// Relay command bytes.
const (
	cmdOn  = '1'
	cmdOff = '0'
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("serial device closed")

// Device is one open serial port shared by the keypad listener (reads) and
// the relay driver (writes).
type Device struct {
	port   io.ReadWriteCloser
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	once   sync.Once
	err    error
}

// Open opens name at baud 8N1.
func Open(name string, baud int, logger *slog.Logger) (*Device, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.Warn("failed to reset serial input buffer", "port", name, "error", err)
	}
	logger.Info("serial port opened", "port", name, "baud", baud)
	return newDevice(port, name, logger), nil
}

func newDevice(port io.ReadWriteCloser, name string, logger *slog.Logger) *Device {
	return &Device{port: port, name: name, logger: logger.With("component", "serial", "port", name)}
}

// Ports lists the serial ports present on the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// Name returns the port name.
func (d *Device) Name() string {
	return d.name
}

// Read reads raw bytes from the port.
func (d *Device) Read(p []byte) (int, error) {
	return d.port.Read(p)
}

// SetOutput switches the relay. It implements actuator.Driver.
func (d *Device) SetOutput(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := []byte{cmdOff}
	if on {
		cmd[0] = cmdOn
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if _, err := d.port.Write(cmd); err != nil {
		return fmt.Errorf("write relay command: %w", err)
	}
	d.logger.Debug("relay command sent", "on", on)
	return nil
}

// Close closes the port. A blocked Read returns with an error. Idempotent.
func (d *Device) Close() error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.err = d.port.Close()
	})
	return d.err
}

var _ actuator.Driver = (*Device)(nil)
