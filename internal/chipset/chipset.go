// Package chipset is the peripheral bus of the simulated microcontroller. It
// routes register accesses by address, steps clocked peripherals and carries
// interrupt lines to the interrupt controller.
package chipset

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/tickloop/internal/hv"
)

type block struct {
	name    string
	region  hv.MMIORegion
	handler RegisterHandler
}

// Chipset is a built bus. Blocks are kept sorted by base address.
type Chipset struct {
	byName  map[string]Peripheral
	order   []attachment
	blocks  []block
	clocked []Clocked
	pollers []Poller
}

// Start starts every peripheral in attach order.
func (c *Chipset) Start() error {
	for _, a := range c.order {
		if err := a.dev.Start(); err != nil {
			return fmt.Errorf("chipset: start %s: %w", a.name, err)
		}
	}
	return nil
}

// Stop stops every peripheral in reverse attach order and returns every
// failure.
func (c *Chipset) Stop() error {
	var errs []error
	for i := len(c.order) - 1; i >= 0; i-- {
		a := c.order[i]
		if err := a.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("chipset: stop %s: %w", a.name, err))
		}
	}
	return errors.Join(errs...)
}

// Reset puts every peripheral back in its reset state, as a system reset
// does.
func (c *Chipset) Reset() error {
	for _, a := range c.order {
		if err := a.dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset %s: %w", a.name, err)
		}
	}
	return nil
}

// HandleMMIO routes one access to the block that contains all of it. Any
// other access is a bus fault.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	i := sort.Search(len(c.blocks), func(i int) bool {
		r := c.blocks[i].region
		return r.Address+r.Size > addr
	})
	if i == len(c.blocks) || !c.blocks[i].region.Contains(addr, len(data)) {
		return fmt.Errorf("chipset: %d-byte access at 0x%08x: %w", len(data), addr, hv.ErrBusFault)
	}
	if isWrite {
		return c.blocks[i].handler.WriteMMIO(addr, data)
	}
	return c.blocks[i].handler.ReadMMIO(addr, data)
}

func (c *Chipset) Poll(ctx context.Context) error {
	for _, p := range c.pollers {
		if err := p.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

// Advance steps every clocked peripheral by cycles, in attach order.
func (c *Chipset) Advance(cycles uint64) {
	if cycles == 0 {
		return
	}
	for _, p := range c.clocked {
		p.Step(cycles)
	}
}

// Device returns the peripheral attached under name.
func (c *Chipset) Device(name string) (Peripheral, bool) {
	dev, ok := c.byName[name]
	return dev, ok
}

// Names lists the peripherals in attach order.
func (c *Chipset) Names() []string {
	out := make([]string, len(c.order))
	for i, a := range c.order {
		out[i] = a.name
	}
	return out
}

// NamedRegion is a register block and the peripheral that serves it.
type NamedRegion struct {
	Name   string
	Region hv.MMIORegion
}

// Regions returns the bus map in address order.
func (c *Chipset) Regions() []NamedRegion {
	out := make([]NamedRegion, len(c.blocks))
	for i, b := range c.blocks {
		out[i] = NamedRegion{Name: b.name, Region: b.region}
	}
	return out
}
