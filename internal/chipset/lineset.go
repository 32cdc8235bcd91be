package chipset

import (
	"slices"
	"sync"
)

// InterruptSink is the input side of the interrupt controller.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// SinkFunc adapts a function to InterruptSink.
type SinkFunc func(line uint8, level bool)

func (f SinkFunc) SetIRQ(line uint8, level bool) {
	if f != nil {
		f(line, level)
	}
}

// LineSet wires peripheral outputs to interrupt controller inputs. An input
// may have up to 64 drivers and is high while any of them is. The sink only
// sees level changes.
type LineSet struct {
	sink InterruptSink

	mu      sync.Mutex
	drivers map[uint8]int
	high    map[uint8]uint64
}

func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = SinkFunc(nil)
	}
	return &LineSet{
		sink:    sink,
		drivers: make(map[uint8]int),
		high:    make(map[uint8]uint64),
	}
}

// AllocateLine adds a driver to input irq.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.drivers[irq]
	l.drivers[irq] = n + 1
	return &lineDriver{set: l, irq: irq, bit: 1 << uint(n%64)}
}

// Level reports whether input irq is high.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.high[irq] != 0
}

// Lines returns the inputs that have drivers, ascending.
func (l *LineSet) Lines() []uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint8, 0, len(l.drivers))
	for irq := range l.drivers {
		out = append(out, irq)
	}
	slices.Sort(out)
	return out
}

func (l *LineSet) drive(irq uint8, bit uint64, high bool) {
	l.mu.Lock()
	was := l.high[irq]
	now := was &^ bit
	if high {
		now |= bit
	}
	l.high[irq] = now
	l.mu.Unlock()

	// The sink may run handlers that touch this set again.
	if (was != 0) != (now != 0) {
		l.sink.SetIRQ(irq, now != 0)
	}
}

type lineDriver struct {
	set *LineSet
	irq uint8
	bit uint64
}

func (d *lineDriver) SetLevel(high bool) { d.set.drive(d.irq, d.bit, high) }

// PulseInterrupt raises and drops the input regardless of other drivers.
func (d *lineDriver) PulseInterrupt() {
	d.set.sink.SetIRQ(d.irq, true)
	d.set.sink.SetIRQ(d.irq, false)
}
