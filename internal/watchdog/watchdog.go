// Package watchdog is a software countdown fed by the heartbeat tick. If the
// application stops kicking it, the countdown reaches zero and the system is
// reset.
package watchdog

import (
	"log/slog"
)

// DefaultResetValue is the number of unkicked ticks before a reset. The
// countdown is 16 bits wide.
const DefaultResetValue = 30000

// Guard masks interrupts for the duration of a critical section.
type Guard interface {
	Critical() (restore func())
}

// Resetter performs the system reset.
type Resetter interface {
	ResetSystem()
}

type Option func(*Watchdog)

// WithResetValue overrides DefaultResetValue. Zero is ignored.
func WithResetValue(v uint16) Option {
	return func(w *Watchdog) {
		if v != 0 {
			w.resetValue = v
		}
	}
}

type Watchdog struct {
	guard      Guard
	resetter   Resetter
	resetValue uint16

	counter  uint16
	blocked  bool
	fired    bool
	kicks    uint64
	refusals uint64
}

// New returns a watchdog with a full countdown and kicking allowed.
func New(guard Guard, resetter Resetter, opts ...Option) *Watchdog {
	w := &Watchdog{
		guard:      guard,
		resetter:   resetter,
		resetValue: DefaultResetValue,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.counter = w.resetValue
	return w
}

// Kick reloads the countdown unless kicking is blocked.
func (w *Watchdog) Kick() {
	defer w.guard.Critical()()
	if w.blocked {
		w.refusals++
		return
	}
	w.counter = w.resetValue
	w.kicks++
}

// BlockKicking makes Kick a no-op until AllowKicking. Used to force a reset.
func (w *Watchdog) BlockKicking() {
	defer w.guard.Critical()()
	w.blocked = true
}

func (w *Watchdog) AllowKicking() {
	defer w.guard.Critical()()
	w.blocked = false
}

// Tick advances the countdown by one. It runs in the tick handler.
func (w *Watchdog) Tick() {
	restore := w.guard.Critical()
	if w.fired || w.counter == 0 {
		restore()
		return
	}
	w.counter--
	if w.counter != 0 {
		restore()
		return
	}
	w.fired = true
	restore()

	slog.Debug("watchdog: expired", "resetValue", w.resetValue, "kicks", w.kicks)
	if w.resetter != nil {
		w.resetter.ResetSystem()
	}
}

// Remaining returns the ticks left before a reset.
func (w *Watchdog) Remaining() uint16 {
	defer w.guard.Critical()()
	return w.counter
}

func (w *Watchdog) Fired() bool {
	defer w.guard.Critical()()
	return w.fired
}

// ResetValue returns the configured countdown length.
func (w *Watchdog) ResetValue() uint16 { return w.resetValue }

// Kicks returns accepted and refused kicks.
func (w *Watchdog) Kicks() (accepted, refused uint64) {
	defer w.guard.Critical()()
	return w.kicks, w.refusals
}
