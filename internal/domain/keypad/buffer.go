// Package keypad contains the shared keypad input buffer fed by hardware key
// events and read by whichever gate is currently polling it.
package keypad

import (
	"strings"
	"sync"
	"time"
)

// Default key symbols used by the 4x4 matrix keypad firmware.
const (
	DefaultSubmitKey = "D"
	ClearKeyStar     = "*"
	ClearKeyHash     = "#"
)

// State is an immutable snapshot of the keypad buffer.
type State struct {
	// LastKey is the most recent decoded key symbol.
	LastKey string `json:"last_key"`
	// Input is the digit buffer. Append-only until cleared.
	Input string `json:"input_buffer"`
	// SubmitRequested is true once the submit key has been pressed and not yet acknowledged.
	SubmitRequested bool `json:"submit_requested"`
	// SubmitSeq increments on every submit key press.
	SubmitSeq uint64 `json:"submit_seq"`
	// UpdatedAt is when the last key event was applied. Zero before the first key.
	UpdatedAt time.Time `json:"updated_at"`
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithSubmitKey sets the key that raises the submit flag. Matching is case-insensitive.
func WithSubmitKey(key string) Option {
	return func(b *Buffer) {
		if key != "" {
			b.submitKey = strings.ToUpper(key)
		}
	}
}

// WithClearKeys sets the keys that empty the buffer.
func WithClearKeys(keys ...string) Option {
	return func(b *Buffer) {
		if len(keys) == 0 {
			return
		}
		b.clearKeys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			b.clearKeys[k] = struct{}{}
		}
	}
}

// Buffer owns the process-wide keypad state.
// Writes come from the hardware listener, reads from polling gates; every
// read returns a full snapshot taken under the lock.
type Buffer struct {
	mu        sync.RWMutex
	state     State
	submitKey string
	clearKeys map[string]struct{}
	now       func() time.Time
}

// NewBuffer creates an empty keypad buffer.
func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{
		submitKey: DefaultSubmitKey,
		clearKeys: map[string]struct{}{
			ClearKeyStar: {},
			ClearKeyHash: {},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// KeyKind classifies a decoded key.
type KeyKind string

const (
	KindDigit  KeyKind = "digit"
	KindClear  KeyKind = "clear"
	KindSubmit KeyKind = "submit"
	KindOther  KeyKind = "other"
)

// Classify reports how OnKeyEvent would treat key.
func (b *Buffer) Classify(key string) KeyKind {
	if _, ok := b.clearKeys[key]; ok {
		return KindClear
	}
	if strings.ToUpper(key) == b.submitKey {
		return KindSubmit
	}
	if len(key) == 1 && key[0] >= '0' && key[0] <= '9' {
		return KindDigit
	}
	return KindOther
}

// OnKeyEvent applies a single decoded key.
// Clear keys empty the buffer and drop a pending submit. The submit key only
// raises the submit flag. Anything else is appended; validation is the
// consumer's job.
func (b *Buffer) OnKeyEvent(key string) KeyKind {
	key = strings.TrimSpace(key)
	if key == "" {
		return KindOther
	}
	kind := b.Classify(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.LastKey = key
	b.state.UpdatedAt = b.now()

	switch kind {
	case KindClear:
		b.state.Input = ""
		b.state.SubmitRequested = false
	case KindSubmit:
		b.state.SubmitRequested = true
		b.state.SubmitSeq++
	default:
		b.state.Input += key
	}
	return kind
}

// ReadState returns a snapshot of the buffer.
func (b *Buffer) ReadState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// AcknowledgeSubmit clears the submit flag. Idempotent.
func (b *Buffer) AcknowledgeSubmit() {
	b.mu.Lock()
	b.state.SubmitRequested = false
	b.mu.Unlock()
}

// AcknowledgeSubmitIf clears the submit flag only if it still belongs to the
// press identified by seq. A newer press (or a clear key that already dropped
// the flag) wins over a late acknowledgement. Returns true if the flag was cleared.
func (b *Buffer) AcknowledgeSubmitIf(seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.SubmitRequested || b.state.SubmitSeq != seq {
		return false
	}
	b.state.SubmitRequested = false
	return true
}

// ClearBuffer empties the input and clears the submit flag. Idempotent.
func (b *Buffer) ClearBuffer() {
	b.mu.Lock()
	b.state.Input = ""
	b.state.SubmitRequested = false
	b.mu.Unlock()
}
