// Package relay provides a relay driver for running without hardware.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/facelock/facelock/internal/domain/actuator"
)

// LogDriver records relay state and logs every switch.
type LogDriver struct {
	logger *slog.Logger

	mu       sync.Mutex
	on       bool
	switches int
}

// NewLogDriver creates a driver that only logs.
func NewLogDriver(logger *slog.Logger) *LogDriver {
	return &LogDriver{logger: logger.With("component", "relay")}
}

// SetOutput implements actuator.Driver.
func (d *LogDriver) SetOutput(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.on = on
	d.switches++
	d.mu.Unlock()

	state := "off"
	if on {
		state = "on"
	}
	d.logger.Info("relay switched", "state", state)
	return nil
}

// On reports the last commanded state.
func (d *LogDriver) On() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on
}

// Switches returns the number of commands received.
func (d *LogDriver) Switches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.switches
}

var _ actuator.Driver = (*LogDriver)(nil)
