// Package mmio gives firmware-side drivers 32-bit register handles on top of
// the chipset bus.
package mmio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Bus is the subset of the chipset used for register access.
type Bus interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// Port issues word-sized loads and stores on a bus. A failed access is a bus
// fault: it is logged and counted, loads return zero and stores are dropped.
type Port struct {
	bus    Bus
	faults atomic.Uint64
}

// NewPort wraps bus.
func NewPort(bus Bus) *Port {
	return &Port{bus: bus}
}

// Load32 reads the word at addr.
func (p *Port) Load32(addr uint32) uint32 {
	var buf [4]byte
	if err := p.bus.HandleMMIO(uint64(addr), buf[:], false); err != nil {
		p.fault("load", addr, err)
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Store32 writes value to the word at addr.
func (p *Port) Store32(addr uint32, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := p.bus.HandleMMIO(uint64(addr), buf[:], true); err != nil {
		p.fault("store", addr, err)
	}
}

// Faults returns the number of failed accesses so far.
func (p *Port) Faults() uint64 {
	return p.faults.Load()
}

func (p *Port) fault(op string, addr uint32, err error) {
	p.faults.Add(1)
	slog.Error("mmio: bus fault", "op", op, "addr", fmt.Sprintf("0x%08x", addr), "err", err)
}

// Reg returns a handle for the register at addr.
func (p *Port) Reg(addr uint32) Register {
	return Register{port: p, addr: addr}
}

// Register is a handle on one 32-bit memory-mapped register. Every method is a
// separate bus access; read-modify-write helpers are not atomic with respect
// to interrupt handlers.
type Register struct {
	port *Port
	addr uint32
}

func (r Register) Addr() uint32 { return r.addr }

func (r Register) Get() uint32 { return r.port.Load32(r.addr) }

func (r Register) Set(value uint32) { r.port.Store32(r.addr, value) }

// SetBits ORs mask into the register.
func (r Register) SetBits(mask uint32) {
	r.Set(r.Get() | mask)
}

// ClearBits clears the bits of mask.
func (r Register) ClearBits(mask uint32) {
	r.Set(r.Get() &^ mask)
}

// HasBits reports whether any bit of mask is set.
func (r Register) HasBits(mask uint32) bool {
	return r.Get()&mask != 0
}

// ReplaceBits replaces the field mask<<pos with value.
func (r Register) ReplaceBits(value uint32, mask uint32, pos uint8) {
	r.Set(r.Get()&^(mask<<pos) | (value&mask)<<pos)
}
