// Package rcc reads and clears the reset cause and requests system resets.
package rcc

import (
	"github.com/tinyrange/tickloop/internal/mmio"
)

const (
	csr   = 0x40023874
	aircr = 0xE000ED0C

	rmvf = 1 << 24

	sysResetRequest = 0x05FA0004
)

// Flag is one RCC_CSR reset flag.
type Flag uint32

const (
	BrownOut       Flag = 1 << 25
	Pin            Flag = 1 << 26
	PowerOn        Flag = 1 << 27
	Software       Flag = 1 << 28
	IndependentWDG Flag = 1 << 29
	WindowWDG      Flag = 1 << 30
	LowPower       Flag = 1 << 31
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{BrownOut, "brown-out"},
	{Pin, "pin"},
	{PowerOn, "power-on"},
	{Software, "software"},
	{IndependentWDG, "independent-watchdog"},
	{WindowWDG, "window-watchdog"},
	{LowPower, "low-power"},
}

func (f Flag) String() string {
	for _, fn := range flagNames {
		if fn.flag == f {
			return fn.name
		}
	}
	return "unknown"
}

// Driver accesses RCC_CSR and SCB AIRCR.
type Driver struct {
	port *mmio.Port
}

// New returns a driver using port.
func New(port *mmio.Port) *Driver {
	return &Driver{port: port}
}

// Check reports whether flag is latched.
func (d *Driver) Check(flag Flag) bool {
	return d.port.Load32(csr)&uint32(flag) != 0
}

// Causes lists every latched flag by name.
func (d *Driver) Causes() []string {
	value := d.port.Load32(csr)
	var out []string
	for _, fn := range flagNames {
		if value&uint32(fn.flag) != 0 {
			out = append(out, fn.name)
		}
	}
	return out
}

// Clear removes all reset flags.
func (d *Driver) Clear() {
	d.port.Reg(csr).SetBits(rmvf)
}

// ResetSystem requests a system reset through SYSRESETREQ. On hardware it
// does not return; here the core halts until the board reboots it.
func (d *Driver) ResetSystem() {
	d.port.Store32(aircr, sysResetRequest)
}
