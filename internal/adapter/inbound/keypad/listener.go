// Package keypad feeds decoded key events from a line-oriented device
// (the serial keypad firmware, or stdin in dev mode) into the shared
// keypad buffer.
package keypad

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/facelock/facelock/internal/domain/keypad"
)

// maxLineLength bounds a single device line.
const maxLineLength = 256

// Listener reads one key per line. Lines longer than one character are
// device status messages (relay ON/OFF acknowledgements) and are only logged.
type Listener struct {
	buf     *keypad.Buffer
	src     io.ReadCloser
	name    string
	logger  *slog.Logger
	onError func()
	onKey   func(key string, kind keypad.KeyKind)
}

// Option configures a Listener.
type Option func(*Listener)

// WithErrorHook is called for every device read failure.
func WithErrorHook(fn func()) Option {
	return func(l *Listener) { l.onError = fn }
}

// WithKeyHook is called after every applied key.
func WithKeyHook(fn func(key string, kind keypad.KeyKind)) Option {
	return func(l *Listener) { l.onKey = fn }
}

// NewListener creates a listener reading src. name identifies the device in logs.
func NewListener(buf *keypad.Buffer, src io.ReadCloser, name string, logger *slog.Logger, opts ...Option) *Listener {
	l := &Listener{
		buf:    buf,
		src:    src,
		name:   name,
		logger: logger.With("component", "keypad", "device", name),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run blocks reading lines until ctx is cancelled, the device reaches EOF,
// or a read fails. Cancelling ctx closes the device to unblock the read.
// EOF and cancellation return nil.
func (l *Listener) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(l.src)
		sc.Buffer(make([]byte, 0, maxLineLength), maxLineLength)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	l.logger.Info("keypad listener started")
	for {
		select {
		case <-ctx.Done():
			_ = l.src.Close()
			for range lines {
			}
			l.logger.Info("keypad listener stopped")
			return nil
		case line, ok := <-lines:
			if !ok {
				err := <-errc
				if err == nil || errors.Is(err, io.EOF) {
					l.logger.Info("keypad device closed")
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
				l.logger.Error("keypad read failed", "error", err)
				if l.onError != nil {
					l.onError()
				}
				return fmt.Errorf("read keypad %s: %w", l.name, err)
			}
			l.handle(line)
		}
	}
}

func (l *Listener) handle(line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return
	case len(line) > 1:
		l.logger.Debug("device status", "message", line)
		return
	}

	kind := l.buf.OnKeyEvent(line)
	l.logger.Debug("key received", "key", line, "kind", kind)
	if l.onKey != nil {
		l.onKey(line, kind)
	}
}
