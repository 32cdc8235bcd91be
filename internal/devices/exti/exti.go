// Package exti models the STM32F4 external interrupt/event controller.
package exti

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/tickloop/internal/chipset"
	"github.com/tinyrange/tickloop/internal/hv"
)

// Register offsets.
const (
	IMR   = 0x00
	EMR   = 0x04
	RTSR  = 0x08
	FTSR  = 0x0C
	SWIER = 0x10
	PR    = 0x14

	DefaultBase = 0x40013C00
	Size        = 0x400

	NumLines = 23
	lineMask = 1<<NumLines - 1
)

type group struct {
	first, last int
	irq         uint8
}

// Several EXTI lines share one NVIC input.
var groups = []group{
	{0, 0, 6},
	{1, 1, 7},
	{2, 2, 8},
	{3, 3, 9},
	{4, 4, 10},
	{5, 9, 23},
	{10, 15, 40},
	{16, 16, 1},
	{17, 17, 41},
	{18, 18, 42},
	{21, 21, 2},
	{22, 22, 3},
}

// IRQFor returns the NVIC line an EXTI line is wired to. Lines 19 and 20 have
// no interrupt on this part.
func IRQFor(line int) (uint8, bool) {
	for _, g := range groups {
		if line >= g.first && line <= g.last {
			return g.irq, true
		}
	}
	return 0, false
}

func (g group) mask() uint32 {
	return (1<<(g.last+1) - 1) &^ (1<<g.first - 1)
}

// Edge is a level change on an input pin.
type Edge struct {
	Line int
	High bool
}

// Option configures the controller.
type Option func(*Controller)

// WithBase moves the register block.
func WithBase(base uint64) Option {
	return func(c *Controller) { c.base = base }
}

// WithQueueDepth sets how many host-side edges may wait for the next Poll.
func WithQueueDepth(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.queueDepth = n
		}
	}
}

// Controller is the EXTI block.
type Controller struct {
	mu sync.Mutex

	base       uint64
	queueDepth int

	imr, emr, rtsr, ftsr, swier, pr uint32

	inputs uint32
	events uint64

	outputs map[uint8]chipset.LineInterrupt
	levels  map[uint8]bool

	edges chan Edge
}

// New builds the controller. alloc is called once per NVIC input the block
// drives.
func New(alloc func(irq uint8) chipset.LineInterrupt, opts ...Option) *Controller {
	c := &Controller{
		base:       DefaultBase,
		queueDepth: 64,
		outputs:    make(map[uint8]chipset.LineInterrupt),
		levels:     make(map[uint8]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.edges = make(chan Edge, c.queueDepth)
	for _, g := range groups {
		line := chipset.LineInterruptDetached()
		if alloc != nil {
			line = alloc(g.irq)
		}
		c.outputs[g.irq] = line
	}
	return c
}

// Start implements chipset.Lifecycle.
func (c *Controller) Start() error { return nil }

// Stop implements chipset.Lifecycle.
func (c *Controller) Stop() error { return nil }

// Reset implements chipset.Lifecycle. Queued edges are discarded.
func (c *Controller) Reset() error {
	c.mu.Lock()
	c.imr, c.emr, c.rtsr, c.ftsr, c.swier, c.pr = 0, 0, 0, 0, 0, 0
	c.inputs = 0
	c.events = 0
	c.mu.Unlock()
drain:
	for {
		select {
		case <-c.edges:
		default:
			break drain
		}
	}
	c.syncOutputs()
	return nil
}

// Registers implements chipset.Peripheral.
func (c *Controller) Registers() hv.MMIORegion {
	return hv.MMIORegion{Address: c.base, Size: Size}
}

// Queue hands an edge from another goroutine to the core. It reports false
// when the queue is full and the edge was dropped.
func (c *Controller) Queue(e Edge) bool {
	select {
	case c.edges <- e:
		return true
	default:
		return false
	}
}

// Poll applies queued edges. It runs on the core goroutine.
func (c *Controller) Poll(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-c.edges:
			c.SetInput(e.Line, e.High)
		default:
			return nil
		}
	}
}

// SetInput drives the pin of line to the given level.
func (c *Controller) SetInput(line int, high bool) {
	if line < 0 || line >= NumLines {
		return
	}
	bit := uint32(1) << line
	c.mu.Lock()
	was := c.inputs&bit != 0
	if high {
		c.inputs |= bit
	} else {
		c.inputs &^= bit
	}
	if was != high {
		if (high && c.rtsr&bit != 0) || (!high && c.ftsr&bit != 0) {
			c.triggerLocked(bit)
		}
	}
	c.mu.Unlock()
	c.syncOutputs()
}

// Input reports the current level of a pin.
func (c *Controller) Input(line int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return line >= 0 && line < NumLines && c.inputs&(1<<line) != 0
}

// Events returns how many event-mode pulses the block produced.
func (c *Controller) Events() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *Controller) triggerLocked(bits uint32) {
	c.pr |= bits & c.imr
	if bits&c.emr != 0 {
		c.events++
	}
}

func (c *Controller) syncOutputs() {
	type change struct {
		line  chipset.LineInterrupt
		level bool
	}
	var changes []change

	c.mu.Lock()
	for _, g := range groups {
		level := c.pr&g.mask() != 0
		if c.levels[g.irq] != level {
			c.levels[g.irq] = level
			changes = append(changes, change{c.outputs[g.irq], level})
		}
	}
	c.mu.Unlock()

	for _, ch := range changes {
		ch.line.SetLevel(ch.level)
	}
}

// ReadMMIO implements chipset.RegisterHandler.
func (c *Controller) ReadMMIO(addr uint64, data []byte) error {
	offset, err := c.decode(addr, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var value uint32
	switch offset {
	case IMR:
		value = c.imr
	case EMR:
		value = c.emr
	case RTSR:
		value = c.rtsr
	case FTSR:
		value = c.ftsr
	case SWIER:
		value = c.swier
	case PR:
		value = c.pr
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements chipset.RegisterHandler.
func (c *Controller) WriteMMIO(addr uint64, data []byte) error {
	offset, err := c.decode(addr, data)
	if err != nil {
		return err
	}
	value := binary.LittleEndian.Uint32(data) & lineMask

	c.mu.Lock()
	switch offset {
	case IMR:
		c.imr = value
	case EMR:
		c.emr = value
	case RTSR:
		c.rtsr = value
	case FTSR:
		c.ftsr = value
	case SWIER:
		rising := value &^ c.swier
		c.swier |= value
		c.triggerLocked(rising)
	case PR:
		// rc_w1; clearing a pending bit also clears its software request.
		c.pr &^= value
		c.swier &^= value
	}
	c.mu.Unlock()
	c.syncOutputs()
	return nil
}

func (c *Controller) decode(addr uint64, data []byte) (uint64, error) {
	if addr < c.base || addr+uint64(len(data)) > c.base+Size {
		return 0, fmt.Errorf("exti: address 0x%x out of bounds", addr)
	}
	offset := addr - c.base
	if len(data) != 4 || offset%4 != 0 {
		return 0, fmt.Errorf("exti: unsupported %d byte access at offset 0x%x", len(data), offset)
	}
	return offset, nil
}

var (
	_ chipset.Peripheral = (*Controller)(nil)
	_ chipset.Poller     = (*Controller)(nil)
)
