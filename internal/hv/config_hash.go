package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// LayoutHash identifies a board layout. Two trace files can only be compared
// if they were produced by the same layout.
type LayoutHash [sha256.Size]byte

// DeviceConfig is one device's place on the bus.
type DeviceConfig struct {
	ID       string
	Base     uint64
	Size     uint64
	IRQLines []uint32
}

// ComputeLayoutHash hashes the clock rate and the device map. Device order
// matters.
func ComputeLayoutHash(clockHz uint64, devices []DeviceConfig) LayoutHash {
	le := binary.LittleEndian
	b := le.AppendUint64(nil, clockHz)
	for _, d := range devices {
		b = append(b, d.ID...)
		b = append(b, 0)
		b = le.AppendUint64(b, d.Base)
		b = le.AppendUint64(b, d.Size)
		b = le.AppendUint32(b, uint32(len(d.IRQLines)))
		for _, irq := range d.IRQLines {
			b = le.AppendUint32(b, irq)
		}
	}
	return LayoutHash(sha256.Sum256(b))
}

func (h LayoutHash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 12 hex digits, enough to tell layouts apart in logs.
func (h LayoutHash) Short() string { return h.String()[:12] }
