package chipset

import (
	"context"

	"github.com/tinyrange/tickloop/internal/hv"
)

// RegisterHandler serves loads and stores to a peripheral's register block.
// addr is the absolute bus address.
type RegisterHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Lifecycle is driven by the board around a run and on system reset.
type Lifecycle interface {
	Start() error
	Stop() error
	Reset() error
}

// Peripheral is a device with one register block on the bus.
//
// A peripheral that also implements Clocked is stepped by Advance, and one
// that implements Poller is polled by Poll.
type Peripheral interface {
	Lifecycle
	RegisterHandler
	Registers() hv.MMIORegion
}

// Clocked peripherals count timer clock cycles.
type Clocked interface {
	Step(cycles uint64)
}

// Poller peripherals take input from other goroutines. Poll runs on the core
// goroutine between clock steps.
type Poller interface {
	Poll(ctx context.Context) error
}

// LineInterrupt is a peripheral's interrupt output.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// LineInterruptDetached returns an output that is not wired to anything.
func LineInterruptDetached() LineInterrupt {
	return LineInterruptFromFunc(nil)
}

// LineInterruptFromFunc wires an output straight to fn. A pulse is a high
// level followed by a low one.
func LineInterruptFromFunc(fn func(high bool)) LineInterrupt {
	return levelFunc(fn)
}

type levelFunc func(bool)

func (f levelFunc) SetLevel(high bool) {
	if f == nil {
		return
	}
	f(high)
}

func (f levelFunc) PulseInterrupt() {
	f.SetLevel(true)
	f.SetLevel(false)
}
