// Package irq is the firmware-side driver for the NVIC. It keeps no state of
// its own: enable, pending, active and priority live in the controller's
// registers and are reached only through 32-bit loads and stores.
package irq

import (
	"github.com/tinyrange/tickloop/internal/mmio"
)

const (
	scsBase = 0xE000E000

	iser = scsBase + 0x100
	icer = scsBase + 0x180
	ispr = scsBase + 0x200
	icpr = scsBase + 0x280
	iabr = scsBase + 0x300
	ipr  = scsBase + 0x400
	stir = scsBase + 0xF00

	// MaxID is the highest interrupt identifier.
	MaxID = 239

	wordRegs     = 8
	priorityRegs = 60

	// DefaultPriorityBits matches STM32F4 parts.
	DefaultPriorityBits = 4
)

// Descriptor names an interrupt line and the priority to give it. A larger
// Priority is less urgent.
type Descriptor struct {
	ID       uint32
	Priority uint8
}

// Core is the processor's global interrupt gate (PRIMASK).
type Core interface {
	DisableInterrupts() uintptr
	RestoreInterrupts(state uintptr)
	EnableInterrupts()
}

// Option configures a Controller.
type Option func(*Controller)

// WithPriorityBits tells the driver how many priority bits the controller
// implements.
func WithPriorityBits(bits uint8) Option {
	return func(c *Controller) {
		if bits >= 1 && bits <= 8 {
			c.bits = bits
		}
	}
}

// Controller drives the NVIC registers.
type Controller struct {
	port *mmio.Port
	core Core
	bits uint8
}

// New returns a driver that reaches the NVIC through port and masks
// interrupts through core.
func New(port *mmio.Port, core Core, opts ...Option) *Controller {
	c := &Controller{port: port, core: core, bits: DefaultPriorityBits}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// bitOf returns the register word and bit for id. ok is false for
// identifiers outside the controller.
func bitOf(id uint32) (word uint32, mask uint32, ok bool) {
	word = id >> 5
	if id > MaxID || word >= wordRegs {
		return 0, 0, false
	}
	return word, 1 << (id & 31), true
}

// Configure disables the line, drops any stale pending state, sets its
// priority and enables it.
func (c *Controller) Configure(d Descriptor) {
	word, mask, ok := bitOf(d.ID)
	if !ok {
		return
	}
	c.port.Store32(icer+4*word, mask)
	c.port.Store32(icpr+4*word, mask)
	c.setPriority(d.ID, d.Priority)
	c.port.Store32(iser+4*word, mask)
}

// ConfigureMany configures each descriptor in order.
func (c *Controller) ConfigureMany(list []Descriptor) {
	for _, d := range list {
		c.Configure(d)
	}
}

func (c *Controller) Enable(id uint32)       { c.writeBit(iser, id) }
func (c *Controller) Disable(id uint32)      { c.writeBit(icer, id) }
func (c *Controller) SetPending(id uint32)   { c.writeBit(ispr, id) }
func (c *Controller) ClearPending(id uint32) { c.writeBit(icpr, id) }

func (c *Controller) IsEnabled(id uint32) bool { return c.readBit(iser, id) }
func (c *Controller) IsPending(id uint32) bool { return c.readBit(ispr, id) }

// IsActive reports whether the line's handler is running or preempted.
func (c *Controller) IsActive(id uint32) bool { return c.readBit(iabr, id) }

// TriggerSoftware pends id through STIR.
func (c *Controller) TriggerSoftware(id uint32) {
	if id > MaxID {
		return
	}
	c.port.Store32(stir, id)
}

// Priority returns the priority of id as the caller passed it to Configure,
// truncated to the implemented bits.
func (c *Controller) Priority(id uint32) uint8 {
	reg, shift, ok := priorityReg(id)
	if !ok {
		return 0
	}
	b := c.port.Load32(reg) >> shift & 0xFF
	return uint8(b >> (8 - c.bits))
}

// MaskAll sets PRIMASK.
func (c *Controller) MaskAll() { c.core.DisableInterrupts() }

// UnmaskAll clears PRIMASK.
func (c *Controller) UnmaskAll() { c.core.EnableInterrupts() }

// Critical masks interrupts and returns the function that restores the
// previous mask state. Sections nest:
//
//	defer c.Critical()()
func (c *Controller) Critical() (restore func()) {
	state := c.core.DisableInterrupts()
	return func() { c.core.RestoreInterrupts(state) }
}

func (c *Controller) setPriority(id uint32, priority uint8) {
	reg, shift, ok := priorityReg(id)
	if !ok {
		return
	}
	encoded := uint32(priority) << (8 - c.bits) & 0xFF

	// The byte shares a word with three other lines.
	defer c.Critical()()
	c.port.Reg(reg).ReplaceBits(encoded, 0xFF, shift)
}

func priorityReg(id uint32) (reg uint32, shift uint8, ok bool) {
	index := id >> 2
	if id > MaxID || index >= priorityRegs {
		return 0, 0, false
	}
	return ipr + 4*index, uint8(id&3) * 8, true
}

func (c *Controller) writeBit(base uint32, id uint32) {
	word, mask, ok := bitOf(id)
	if !ok {
		return
	}
	c.port.Store32(base+4*word, mask)
}

func (c *Controller) readBit(base uint32, id uint32) bool {
	word, mask, ok := bitOf(id)
	if !ok {
		return false
	}
	return c.port.Load32(base+4*word)&mask != 0
}
