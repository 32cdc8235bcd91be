package chipset

import (
	"fmt"
	"sort"
)

type attachment struct {
	name string
	dev  Peripheral
}

// Builder collects the peripherals of one board.
type Builder struct {
	attached []attachment
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Attach places dev on the bus under name. Its register block may not
// overlap one already attached.
func (b *Builder) Attach(name string, dev Peripheral) error {
	switch {
	case name == "":
		return fmt.Errorf("chipset: peripheral name is empty")
	case dev == nil:
		return fmt.Errorf("chipset: peripheral %q is nil", name)
	}

	r := dev.Registers()
	if r.Size == 0 {
		return fmt.Errorf("chipset: %s: empty register block at 0x%08x", name, r.Address)
	}
	if r.Address+r.Size < r.Address {
		return fmt.Errorf("chipset: %s: register block %s wraps the bus", name, r)
	}
	for _, a := range b.attached {
		if a.name == name {
			return fmt.Errorf("chipset: peripheral %q attached twice", name)
		}
		other := a.dev.Registers()
		if r.Address < other.Address+other.Size && other.Address < r.Address+r.Size {
			return fmt.Errorf("chipset: %s: register block %s overlaps %s at %s", name, r, a.name, other)
		}
	}

	b.attached = append(b.attached, attachment{name: name, dev: dev})
	return nil
}

// Build freezes the bus.
func (b *Builder) Build() (*Chipset, error) {
	cs := &Chipset{
		byName: make(map[string]Peripheral, len(b.attached)),
		order:  append([]attachment(nil), b.attached...),
	}
	for _, a := range b.attached {
		cs.byName[a.name] = a.dev
		cs.blocks = append(cs.blocks, block{name: a.name, region: a.dev.Registers(), handler: a.dev})
		if c, ok := a.dev.(Clocked); ok {
			cs.clocked = append(cs.clocked, c)
		}
		if p, ok := a.dev.(Poller); ok {
			cs.pollers = append(cs.pollers, p)
		}
	}
	sort.Slice(cs.blocks, func(i, j int) bool {
		return cs.blocks[i].region.Address < cs.blocks[j].region.Address
	})
	return cs, nil
}
