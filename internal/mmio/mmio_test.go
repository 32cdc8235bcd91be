package mmio

import (
	"encoding/binary"
	"fmt"
	"testing"
)

type mapBus map[uint64]uint32

func (m mapBus) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if addr >= 0x1000 {
		return fmt.Errorf("unmapped 0x%x", addr)
	}
	if isWrite {
		m[addr] = binary.LittleEndian.Uint32(data)
		return nil
	}
	binary.LittleEndian.PutUint32(data, m[addr])
	return nil
}

func TestRegisterBitHelpers(t *testing.T) {
	bus := mapBus{}
	port := NewPort(bus)
	reg := port.Reg(0x10)

	reg.Set(0x0f)
	reg.SetBits(0x100)
	reg.ClearBits(0x03)
	if got := reg.Get(); got != 0x10c {
		t.Fatalf("got %#x, want 0x10c", got)
	}
	if !reg.HasBits(0x100) || reg.HasBits(0x1) {
		t.Fatalf("HasBits mismatch for %#x", reg.Get())
	}

	reg.ReplaceBits(0x5, 0x7, 4)
	if got := reg.Get(); got != 0x15c {
		t.Fatalf("after ReplaceBits got %#x, want 0x15c", got)
	}
	// Values wider than the field are truncated to it.
	reg.ReplaceBits(0xff, 0x3, 8)
	if got := reg.Get() >> 8 & 0x3; got != 0x3 {
		t.Fatalf("field = %#x", got)
	}
	if port.Faults() != 0 {
		t.Fatalf("unexpected faults: %d", port.Faults())
	}
}

func TestPortCountsFaults(t *testing.T) {
	port := NewPort(mapBus{})
	if got := port.Load32(0x2000); got != 0 {
		t.Fatalf("faulted load returned %#x", got)
	}
	port.Store32(0x2000, 1)
	if port.Faults() != 2 {
		t.Fatalf("faults = %d, want 2", port.Faults())
	}
}
