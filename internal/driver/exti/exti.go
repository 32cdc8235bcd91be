// Package exti drives the external interrupt/event controller from firmware.
package exti

import (
	"github.com/tinyrange/tickloop/internal/mmio"
)

const (
	base = 0x40013C00

	imr   = base + 0x00
	emr   = base + 0x04
	rtsr  = base + 0x08
	ftsr  = base + 0x0C
	swier = base + 0x10
	pr    = base + 0x14

	// Lines is the number of EXTI lines.
	Lines = 23

	validMask = 0x7FFFFF
	// Line 19 has no edge detector.
	edgeMask = 0x77FFFF
)

// Line is the setup of one EXTI line.
type Line struct {
	Number  uint8
	Rising  bool
	Falling bool
	// Unmask lets the line raise its interrupt.
	Unmask bool
	// Event lets the line produce wake-up events.
	Event bool
}

// Driver programs the EXTI registers.
type Driver struct {
	port *mmio.Port
}

// New returns a driver using port.
func New(port *mmio.Port) *Driver {
	return &Driver{port: port}
}

func lineMask(lines ...uint8) uint32 {
	var mask uint32
	for _, l := range lines {
		if l < Lines {
			mask |= 1 << l
		}
	}
	return mask
}

func (d *Driver) apply(addr uint32, set bool, mask, valid uint32) {
	mask &= valid
	if mask == 0 {
		return
	}
	reg := d.port.Reg(addr)
	if set {
		reg.SetBits(mask)
	} else {
		reg.ClearBits(mask)
	}
}

// Configure programs l. Lines outside the controller are ignored.
func (d *Driver) Configure(l Line) {
	mask := lineMask(l.Number)
	if mask == 0 {
		return
	}
	d.apply(imr, l.Unmask, mask, validMask)
	d.apply(emr, l.Event, mask, validMask)
	d.apply(rtsr, l.Rising, mask, edgeMask)
	d.apply(ftsr, l.Falling, mask, edgeMask)
}

// ConfigureRange applies the same setup to lines first..last.
func (d *Driver) ConfigureRange(first, last uint8, l Line) {
	for n := first; n <= last && n < Lines; n++ {
		l.Number = n
		d.Configure(l)
	}
}

// Config reads back the setup of line n.
func (d *Driver) Config(n uint8) (Line, bool) {
	mask := lineMask(n)
	if mask == 0 {
		return Line{}, false
	}
	return Line{
		Number:  n,
		Unmask:  d.port.Load32(imr)&mask != 0,
		Event:   d.port.Load32(emr)&mask != 0,
		Rising:  d.port.Load32(rtsr)&mask != 0,
		Falling: d.port.Load32(ftsr)&mask != 0,
	}, true
}

// Acknowledge clears the pending flag of each given line.
func (d *Driver) Acknowledge(lines ...uint8) {
	mask := lineMask(lines...)
	if mask == 0 {
		return
	}
	// PR is rc_w1; a plain store clears only the lines named.
	d.port.Store32(pr, mask)
}

// AcknowledgeAll clears every pending flag.
func (d *Driver) AcknowledgeAll() {
	d.port.Store32(pr, validMask)
}

// Pending reports whether line n has a pending interrupt.
func (d *Driver) Pending(n uint8) bool {
	mask := lineMask(n)
	return mask != 0 && d.port.Load32(pr)&mask != 0
}

// Trigger raises line n from software through SWIER.
func (d *Driver) Trigger(n uint8) {
	mask := lineMask(n)
	if mask == 0 {
		return
	}
	d.port.Reg(swier).SetBits(mask)
}

// SoftwareTriggered reports whether a software request on line n is still
// outstanding.
func (d *Driver) SoftwareTriggered(n uint8) bool {
	mask := lineMask(n)
	return mask != 0 && d.port.Load32(swier)&mask != 0
}

// Vector returns the NVIC interrupt that line n raises. Lines 19 and 20 have
// none.
func Vector(n uint8) (uint32, bool) {
	switch {
	case n <= 4:
		return 6 + uint32(n), true
	case n <= 9:
		return 23, true
	case n <= 15:
		return 40, true
	case n == 16:
		return 1, true
	case n == 17:
		return 41, true
	case n == 18:
		return 42, true
	case n == 21:
		return 2, true
	case n == 22:
		return 3, true
	}
	return 0, false
}
