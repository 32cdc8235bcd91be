// Package nvic models the Cortex-M4 nested vectored interrupt controller,
// together with the pieces of the core it cannot be separated from: the
// PRIMASK interrupt gate and the SCB application interrupt and reset control
// register.
package nvic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/tickloop/internal/chipset"
	"github.com/tinyrange/tickloop/internal/hv"
)

// System control space offsets.
const (
	ICTR  = 0x004
	ISER  = 0x100
	ICER  = 0x180
	ISPR  = 0x200
	ICPR  = 0x280
	IABR  = 0x300
	IPR   = 0x400
	ICSR  = 0xD04
	AIRCR = 0xD0C
	STIR  = 0xF00
)

const (
	DefaultBase = 0xE000E000
	DefaultSize = 0x1000

	// MaxLine is the highest external interrupt number the controller decodes.
	MaxLine  = 239
	NumLines = MaxLine + 1

	numWords        = 8
	numPriorityRegs = 60

	aircrVectKey     = 0x05FA
	aircrVectKeyStat = 0xFA05
	aircrSysResetReq = 1 << 2
	aircrPrigroup    = 0x7 << 8

	// Execution priority of thread mode, below every configurable priority.
	threadPriority = 0x100
)

// Handler is an interrupt service routine. It runs to completion on the
// goroutine that made its line deliverable.
type Handler func()

type stats struct {
	taken      uint64
	unhandled  uint64
	perLine    [NumLines]uint64
	maxNesting int
}

// NVIC is the interrupt controller register file plus exception entry and
// exit. Delivery is synchronous: raising a line, enabling it, writing ISPR or
// STIR, or dropping PRIMASK runs every handler that became deliverable before
// the call returns.
type NVIC struct {
	mu sync.Mutex

	base uint64

	enabled [numWords]uint32
	pending [numWords]uint32
	active  [numWords]uint32
	level   [numWords]uint32
	ipr     [NumLines]uint8

	priorityMask uint8
	prigroup     uint32

	primask bool
	halted  bool

	// Lines currently in their handler, innermost last.
	nest []uint8

	handlers [NumLines]Handler
	reset    hv.ResetRequester

	stats stats
}

// Option customises the controller.
type Option func(*NVIC)

// WithBase moves the system control space.
func WithBase(base uint64) Option {
	return func(n *NVIC) {
		n.base = base
	}
}

// WithPriorityBits sets how many high bits of each priority byte are
// implemented. STM32F4 parts implement four.
func WithPriorityBits(count int) Option {
	return func(n *NVIC) {
		if count >= 1 && count <= 8 {
			n.priorityMask = uint8(0xFF << (8 - count))
		}
	}
}

// WithResetRequester installs the receiver of SYSRESETREQ.
func WithResetRequester(r hv.ResetRequester) Option {
	return func(n *NVIC) {
		if r != nil {
			n.reset = r
		}
	}
}

// New builds a controller with all lines disabled and PRIMASK clear.
func New(opts ...Option) *NVIC {
	n := &NVIC{
		base:         DefaultBase,
		priorityMask: 0xF0,
		reset:        hv.ResetRequesterFunc(nil),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SetHandler installs the service routine for line. Out-of-range lines are
// ignored.
func (n *NVIC) SetHandler(line uint32, fn Handler) {
	if line > MaxLine {
		return
	}
	n.mu.Lock()
	n.handlers[line] = fn
	n.mu.Unlock()
}

// Start implements chipset.Lifecycle.
func (n *NVIC) Start() error { return nil }

// Stop implements chipset.Lifecycle.
func (n *NVIC) Stop() error { return nil }

// Reset implements chipset.Lifecycle. Every register returns to its
// reset value and the vector table is emptied.
func (n *NVIC) Reset() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = [numWords]uint32{}
	n.pending = [numWords]uint32{}
	n.active = [numWords]uint32{}
	n.level = [numWords]uint32{}
	n.ipr = [NumLines]uint8{}
	n.prigroup = 0
	n.primask = false
	n.halted = false
	n.nest = n.nest[:0]
	n.handlers = [NumLines]Handler{}
	n.stats = stats{}
	return nil
}

// Registers implements chipset.Peripheral.
func (n *NVIC) Registers() hv.MMIORegion {
	return hv.MMIORegion{Address: n.base, Size: DefaultSize}
}

// SetIRQ implements chipset.InterruptSink. A rising input pends the line; a
// line whose input is still high when its handler returns pends again.
func (n *NVIC) SetIRQ(line uint8, high bool) {
	if uint32(line) > MaxLine {
		return
	}
	word, bit := line>>5, uint32(1)<<(line&31)

	n.mu.Lock()
	if high {
		n.level[word] |= bit
		n.pending[word] |= bit
	} else {
		n.level[word] &^= bit
	}
	n.mu.Unlock()

	if high {
		n.service()
	}
}

// DisableInterrupts sets PRIMASK and returns its previous state.
func (n *NVIC) DisableInterrupts() uintptr {
	n.mu.Lock()
	defer n.mu.Unlock()
	prev := n.primask
	n.primask = true
	if prev {
		return 1
	}
	return 0
}

// RestoreInterrupts sets PRIMASK back to a state returned by
// DisableInterrupts. Clearing it delivers anything that pended meanwhile.
func (n *NVIC) RestoreInterrupts(state uintptr) {
	n.mu.Lock()
	n.primask = state != 0
	masked := n.primask
	n.mu.Unlock()
	if !masked {
		n.service()
	}
}

// EnableInterrupts clears PRIMASK.
func (n *NVIC) EnableInterrupts() {
	n.RestoreInterrupts(0)
}

// Masked reports whether PRIMASK is set.
func (n *NVIC) Masked() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.primask
}

// Taken returns the number of exceptions entered since reset.
func (n *NVIC) Taken() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats.taken
}

// TakenOn returns how often line's handler was entered since reset.
func (n *NVIC) TakenOn(line uint32) uint64 {
	if line > MaxLine {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats.perLine[line]
}

// Unhandled returns how many exceptions found no handler since reset.
func (n *NVIC) Unhandled() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats.unhandled
}

// MaxNesting returns the deepest handler nesting seen since reset.
func (n *NVIC) MaxNesting() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats.maxNesting
}

// ResetRequested reports whether software asked for a system reset. The core
// takes no further exceptions until the chipset is reset.
func (n *NVIC) ResetRequested() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.halted
}

// AnyEnabled reports whether at least one line can still be delivered.
func (n *NVIC) AnyEnabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.halted {
		return false
	}
	for _, w := range n.enabled {
		if w != 0 {
			return true
		}
	}
	return false
}

// InHandler reports whether any handler is executing.
func (n *NVIC) InHandler() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.nest) > 0
}

// service enters every deliverable exception in priority order.
func (n *NVIC) service() {
	for {
		n.mu.Lock()
		line, ok := n.nextLocked()
		if !ok {
			n.mu.Unlock()
			return
		}
		word, bit := line>>5, uint32(1)<<(line&31)
		n.pending[word] &^= bit
		n.active[word] |= bit
		n.nest = append(n.nest, line)
		if len(n.nest) > n.stats.maxNesting {
			n.stats.maxNesting = len(n.nest)
		}
		n.stats.taken++
		n.stats.perLine[line]++
		fn := n.handlers[line]
		if fn == nil {
			// The default handler disables the line so a held level cannot
			// storm.
			n.stats.unhandled++
			n.enabled[word] &^= bit
		}
		n.mu.Unlock()

		if fn != nil {
			fn()
		} else {
			slog.Warn("nvic: no handler, line disabled", "line", line)
		}

		n.mu.Lock()
		n.active[word] &^= bit
		n.nest = n.nest[:len(n.nest)-1]
		if n.level[word]&bit != 0 {
			n.pending[word] |= bit
		}
		n.mu.Unlock()
	}
}

// nextLocked picks the pending, enabled, inactive line with the lowest
// priority value, lowest number first on ties, if it may preempt the current
// execution priority.
func (n *NVIC) nextLocked() (uint8, bool) {
	if n.primask || n.halted {
		return 0, false
	}
	best, bestPrio := -1, n.executionPriorityLocked()
	for w := 0; w < numWords; w++ {
		ready := n.pending[w] & n.enabled[w] &^ n.active[w]
		for ready != 0 {
			b := bits.TrailingZeros32(ready)
			ready &^= 1 << b
			line := w*32 + b
			if line > MaxLine {
				break
			}
			if prio := int(n.ipr[line]); prio < bestPrio {
				best, bestPrio = line, prio
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return uint8(best), true
}

func (n *NVIC) executionPriorityLocked() int {
	prio := threadPriority
	for _, line := range n.nest {
		if p := int(n.ipr[line]); p < prio {
			prio = p
		}
	}
	return prio
}

// wordMask returns the implemented bits of enable/pending word w.
func wordMask(w uint64) uint32 {
	if w == numWords-1 {
		return 1<<(NumLines-32*(numWords-1)) - 1
	}
	return 0xFFFFFFFF
}

func (n *NVIC) requestResetLocked() {
	if n.halted {
		return
	}
	n.halted = true
	reset := n.reset
	n.mu.Unlock()
	slog.Debug("nvic: SYSRESETREQ")
	reset.RequestReset("software")
	n.mu.Lock()
}

// ReadMMIO implements chipset.RegisterHandler. IPR accepts byte reads, everything
// else is word-sized.
func (n *NVIC) ReadMMIO(addr uint64, data []byte) error {
	offset, err := n.decode(addr, data)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if len(data) == 1 {
		data[0] = n.ipr[offset-IPR]
		return nil
	}
	binary.LittleEndian.PutUint32(data, n.readRegisterLocked(offset))
	return nil
}

// WriteMMIO implements chipset.RegisterHandler.
func (n *NVIC) WriteMMIO(addr uint64, data []byte) error {
	offset, err := n.decode(addr, data)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if len(data) == 1 {
		n.ipr[offset-IPR] = data[0] & n.priorityMask
	} else {
		n.writeRegisterLocked(offset, binary.LittleEndian.Uint32(data))
	}
	n.mu.Unlock()

	// Enabling, pending or unmasking may have made a line deliverable.
	n.service()
	return nil
}

func (n *NVIC) decode(addr uint64, data []byte) (uint64, error) {
	if addr < n.base || addr+uint64(len(data)) > n.base+DefaultSize {
		return 0, fmt.Errorf("nvic: address 0x%x out of bounds", addr)
	}
	offset := addr - n.base
	switch {
	case len(data) == 4 && offset%4 == 0:
		return offset, nil
	case len(data) == 1 && offset >= IPR && offset < IPR+NumLines:
		return offset, nil
	default:
		return 0, fmt.Errorf("nvic: unsupported %d byte access at offset 0x%x", len(data), offset)
	}
}

func (n *NVIC) readRegisterLocked(offset uint64) uint32 {
	switch {
	case offset == ICTR:
		return numWords - 1
	case offset >= ISER && offset < ISER+numWords*4:
		return n.enabled[(offset-ISER)/4]
	case offset >= ICER && offset < ICER+numWords*4:
		return n.enabled[(offset-ICER)/4]
	case offset >= ISPR && offset < ISPR+numWords*4:
		return n.pending[(offset-ISPR)/4]
	case offset >= ICPR && offset < ICPR+numWords*4:
		return n.pending[(offset-ICPR)/4]
	case offset >= IABR && offset < IABR+numWords*4:
		return n.active[(offset-IABR)/4]
	case offset >= IPR && offset < IPR+numPriorityRegs*4:
		i := offset - IPR
		return binary.LittleEndian.Uint32(n.ipr[i : i+4])
	case offset == ICSR:
		if len(n.nest) == 0 {
			return 0
		}
		// VECTACTIVE counts the sixteen system exceptions first.
		return uint32(n.nest[len(n.nest)-1]) + 16
	case offset == AIRCR:
		return aircrVectKeyStat<<16 | n.prigroup
	default:
		return 0
	}
}

func (n *NVIC) writeRegisterLocked(offset uint64, value uint32) {
	switch {
	case offset >= ISER && offset < ISER+numWords*4:
		w := (offset - ISER) / 4
		n.enabled[w] |= value & wordMask(w)
	case offset >= ICER && offset < ICER+numWords*4:
		n.enabled[(offset-ICER)/4] &^= value
	case offset >= ISPR && offset < ISPR+numWords*4:
		w := (offset - ISPR) / 4
		n.pending[w] |= value & wordMask(w)
	case offset >= ICPR && offset < ICPR+numWords*4:
		n.pending[(offset-ICPR)/4] &^= value
	case offset >= IPR && offset < IPR+numPriorityRegs*4:
		i := offset - IPR
		for k := uint64(0); k < 4; k++ {
			n.ipr[i+k] = uint8(value>>(8*k)) & n.priorityMask
		}
	case offset == STIR:
		line := value & 0x1FF
		if line <= MaxLine {
			n.pending[line>>5] |= 1 << (line & 31)
		}
	case offset == AIRCR:
		if value>>16 != aircrVectKey {
			return
		}
		n.prigroup = value & aircrPrigroup
		if value&aircrSysResetReq != 0 {
			n.requestResetLocked()
		}
	}
}

var (
	_ chipset.Peripheral    = (*NVIC)(nil)
	_ chipset.InterruptSink = (*NVIC)(nil)
)
