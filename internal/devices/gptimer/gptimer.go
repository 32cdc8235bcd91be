// Package gptimer models the STM32F4 general-purpose timers TIM2 to TIM5.
package gptimer

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/tickloop/internal/chipset"
	"github.com/tinyrange/tickloop/internal/hv"
)

// Register offsets.
const (
	CR1   = 0x00
	CR2   = 0x04
	SMCR  = 0x08
	DIER  = 0x0C
	SR    = 0x10
	EGR   = 0x14
	CCMR1 = 0x18
	CCMR2 = 0x1C
	CCER  = 0x20
	CNT   = 0x24
	PSC   = 0x28
	ARR   = 0x2C
	CCR1  = 0x34
	CCR2  = 0x38
	CCR3  = 0x3C
	CCR4  = 0x40
	DCR   = 0x48
	DMAR  = 0x4C
	OR    = 0x50

	Size = 0x400
)

// CR1 bits.
const (
	CR1_CEN  = 1 << 0
	CR1_UDIS = 1 << 1
	CR1_URS  = 1 << 2
	CR1_OPM  = 1 << 3
	CR1_DIR  = 1 << 4
	CR1_CMS  = 3 << 5
	CR1_ARPE = 1 << 7
	CR1_CKD  = 3 << 8
)

// SR and DIER bits share positions for the interrupt flags.
const (
	SR_UIF   = 1 << 0
	SR_CC1IF = 1 << 1
	SR_CC2IF = 1 << 2
	SR_CC3IF = 1 << 3
	SR_CC4IF = 1 << 4
	SR_TIF   = 1 << 6
	SR_CC1OF = 1 << 9
	SR_CC2OF = 1 << 10
	SR_CC3OF = 1 << 11
	SR_CC4OF = 1 << 12

	EGR_UG   = 1 << 0
	EGR_CC1G = 1 << 1
	EGR_TG   = 1 << 6

	srMask   = 0x1E5F
	dierMask = 0x5F5F
	ccerMask = 0xBBBB
	irqMask  = 0x5F
)

// Output compare modes (OCxM).
const (
	ModeFrozen = iota
	ModeActiveOnMatch
	ModeInactiveOnMatch
	ModeToggle
	ModeForceInactive
	ModeForceActive
	ModePWM1
	ModePWM2
)

// Instance describes where a timer lives and how wide it is.
type Instance struct {
	Name  string
	Base  uint64
	IRQ   uint8
	Width int
	// Bits of OR that are implemented on this instance.
	OptionMask uint32
}

var (
	TIM2 = Instance{Name: "tim2", Base: 0x40000000, IRQ: 28, Width: 32, OptionMask: 3 << 10}
	TIM3 = Instance{Name: "tim3", Base: 0x40000400, IRQ: 29, Width: 16}
	TIM4 = Instance{Name: "tim4", Base: 0x40000800, IRQ: 30, Width: 16}
	TIM5 = Instance{Name: "tim5", Base: 0x40000C00, IRQ: 50, Width: 32, OptionMask: 3 << 6}

	Instances = []Instance{TIM2, TIM3, TIM4, TIM5}
)

// Timer is one general-purpose timer register file and its counter.
type Timer struct {
	mu sync.Mutex

	inst Instance
	max  uint32

	cr1, cr2, smcr, dier, sr uint32
	ccmr                     [2]uint32
	ccer                     uint32
	cnt, psc, arr            uint32
	ccr                      [4]uint32
	dcr, dmar, or            uint32

	pscShadow uint32
	arrShadow uint32
	pscCount  uint64
	down      bool

	icEvents [4]uint32
	oc       [4]bool

	irq      chipset.LineInterrupt
	irqLevel bool

	updates uint64
}

// Option adjusts an Instance before the timer is built.
type Option func(*Instance)

// WithWidth sets the counter width in bits, 16 or 32.
func WithWidth(bits int) Option {
	return func(i *Instance) { i.Width = bits }
}

// WithBase moves the register block.
func WithBase(base uint64) Option {
	return func(i *Instance) { i.Base = base }
}

// New builds a timer in its reset state.
func New(inst Instance, irq chipset.LineInterrupt, opts ...Option) *Timer {
	for _, opt := range opts {
		opt(&inst)
	}
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	t := &Timer{inst: inst, irq: irq}
	t.max = 0xFFFF
	if inst.Width == 32 {
		t.max = 0xFFFFFFFF
	}
	t.resetLocked()
	return t
}

func (t *Timer) resetLocked() {
	t.cr1, t.cr2, t.smcr, t.dier, t.sr = 0, 0, 0, 0, 0
	t.ccmr = [2]uint32{}
	t.ccer = 0
	t.cnt, t.psc = 0, 0
	t.arr = t.max
	t.ccr = [4]uint32{}
	t.dcr, t.dmar, t.or = 0, 0, 0
	t.pscShadow = 0
	t.arrShadow = t.max
	t.pscCount = 0
	t.down = false
	t.icEvents = [4]uint32{}
	t.oc = [4]bool{}
	t.updates = 0
}

// Instance returns the timer's placement.
func (t *Timer) Instance() Instance { return t.inst }

// Start implements chipset.Lifecycle.
func (t *Timer) Start() error { return nil }

// Stop implements chipset.Lifecycle.
func (t *Timer) Stop() error { return nil }

// Reset implements chipset.Lifecycle.
func (t *Timer) Reset() error {
	t.mu.Lock()
	t.resetLocked()
	t.mu.Unlock()
	t.syncIRQ()
	return nil
}

// Registers implements chipset.Peripheral.
func (t *Timer) Registers() hv.MMIORegion {
	return hv.MMIORegion{Address: t.inst.Base, Size: Size}
}

// Counter returns CNT.
func (t *Timer) Counter() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cnt
}

// Updates returns how many update events fired since reset.
func (t *Timer) Updates() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates
}

// Output returns the level of channel ch's output pin: OCxREF after polarity,
// low while CCxE is clear.
func (t *Timer) Output(ch int) bool {
	if ch < 1 || ch > 4 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := ch - 1
	nibble := t.ccer >> (4 * i)
	if nibble&1 == 0 {
		return false
	}
	return t.oc[i] != (nibble&2 != 0)
}

// Step advances the timer by cycles input clock cycles.
func (t *Timer) Step(cycles uint64) {
	t.mu.Lock()
	if t.cr1&CR1_CEN == 0 {
		t.mu.Unlock()
		return
	}
	div := uint64(t.pscShadow) + 1
	total := t.pscCount + cycles
	ticks := total / div
	t.pscCount = total % div

	for i := uint64(0); i < ticks; i++ {
		if t.cr1&CR1_CEN == 0 {
			break
		}
		t.countLocked()
		if raise := t.irqLevelLocked(); raise != t.irqLevel {
			// The handler may touch this timer, so it runs unlocked.
			t.irqLevel = raise
			t.mu.Unlock()
			t.irq.SetLevel(raise)
			t.mu.Lock()
		}
	}
	t.mu.Unlock()
}

// Capture applies an edge on channel ch's input. rising selects the edge
// direction; CCER polarity decides whether the edge is sensitive.
func (t *Timer) Capture(ch int, rising bool) {
	if ch < 1 || ch > 4 {
		return
	}
	t.mu.Lock()
	i := ch - 1
	nibble := t.ccer >> (4 * i)
	if t.channelIsOutputLocked(i) || nibble&1 == 0 {
		t.mu.Unlock()
		return
	}
	var sensitive bool
	switch nibble & 0xA {
	case 0x0:
		sensitive = rising
	case 0x2:
		sensitive = !rising
	case 0xA:
		sensitive = true
	}
	if sensitive {
		t.icEvents[i]++
		if t.icEvents[i]%t.capturePrescalerLocked(i) == 0 {
			t.captureLocked(i)
		}
	}
	t.mu.Unlock()
	t.syncIRQ()
}

func (t *Timer) channelIsOutputLocked(i int) bool {
	return t.ccmrByteLocked(i)&0x3 == 0
}

func (t *Timer) ccmrByteLocked(i int) uint32 {
	return t.ccmr[i/2] >> (8 * (i % 2)) & 0xFF
}

func (t *Timer) capturePrescalerLocked(i int) uint32 {
	return 1 << ((t.ccmrByteLocked(i) >> 2) & 0x3)
}

func (t *Timer) captureLocked(i int) {
	flag := uint32(SR_CC1IF) << i
	if t.sr&flag != 0 {
		t.sr |= uint32(SR_CC1OF) << i
	}
	t.ccr[i] = t.cnt
	t.sr |= flag
}

func (t *Timer) countLocked() {
	arr := t.arrShadow
	if arr == 0 {
		return
	}
	switch {
	case t.cr1&CR1_CMS != 0:
		if t.down {
			t.cnt--
			if t.cnt == 0 {
				t.down = false
				t.cr1 &^= CR1_DIR
				t.updateLocked(false)
			}
		} else {
			t.cnt++
			if t.cnt >= arr {
				t.cnt = arr
				t.down = true
				t.cr1 |= CR1_DIR
				t.updateLocked(false)
			}
		}
	case t.cr1&CR1_DIR != 0:
		if t.cnt == 0 {
			t.cnt = arr
			t.updateLocked(false)
		} else {
			t.cnt--
		}
	default:
		if t.cnt >= arr {
			t.cnt = 0
			t.updateLocked(false)
		} else {
			t.cnt++
		}
	}
	t.cnt &= t.max
	t.compareLocked()
}

func (t *Timer) compareLocked() {
	for i := 0; i < 4; i++ {
		if !t.channelIsOutputLocked(i) {
			continue
		}
		match := t.cnt == t.ccr[i]
		if match {
			t.sr |= uint32(SR_CC1IF) << i
		}
		mode := (t.ccmrByteLocked(i) >> 4) & 0x7
		switch mode {
		case ModeActiveOnMatch:
			if match {
				t.oc[i] = true
			}
		case ModeInactiveOnMatch:
			if match {
				t.oc[i] = false
			}
		case ModeToggle:
			if match {
				t.oc[i] = !t.oc[i]
			}
		case ModeForceInactive:
			t.oc[i] = false
		case ModeForceActive:
			t.oc[i] = true
		case ModePWM1:
			t.oc[i] = t.pwmActiveLocked(i)
		case ModePWM2:
			t.oc[i] = !t.pwmActiveLocked(i)
		}
	}
}

func (t *Timer) pwmActiveLocked(i int) bool {
	if t.cr1&CR1_DIR != 0 {
		return t.cnt <= t.ccr[i]
	}
	return t.cnt < t.ccr[i]
}

// updateLocked raises an update event. software is set for UG.
func (t *Timer) updateLocked(software bool) {
	if t.cr1&CR1_UDIS != 0 {
		return
	}
	t.pscShadow = t.psc
	t.arrShadow = t.arr
	t.updates++
	if !software || t.cr1&CR1_URS == 0 {
		t.sr |= SR_UIF
	}
	if !software && t.cr1&CR1_OPM != 0 {
		t.cr1 &^= CR1_CEN
	}
}

func (t *Timer) generateLocked(value uint32) {
	if value&EGR_UG != 0 {
		t.pscCount = 0
		if t.cr1&CR1_DIR != 0 && t.cr1&CR1_CMS == 0 {
			t.cnt = t.arr & t.max
		} else {
			t.cnt = 0
		}
		t.updateLocked(true)
	}
	for i := 0; i < 4; i++ {
		if value&(uint32(EGR_CC1G)<<i) == 0 {
			continue
		}
		if t.channelIsOutputLocked(i) {
			t.sr |= uint32(SR_CC1IF) << i
		} else {
			t.captureLocked(i)
		}
	}
	if value&EGR_TG != 0 {
		t.sr |= SR_TIF
	}
}

func (t *Timer) irqLevelLocked() bool {
	return t.sr&t.dier&irqMask != 0
}

// syncIRQ drives the interrupt output to match SR and DIER.
func (t *Timer) syncIRQ() {
	t.mu.Lock()
	level := t.irqLevelLocked()
	changed := level != t.irqLevel
	t.irqLevel = level
	t.mu.Unlock()
	if changed {
		t.irq.SetLevel(level)
	}
}

// ReadMMIO implements chipset.RegisterHandler.
func (t *Timer) ReadMMIO(addr uint64, data []byte) error {
	offset, err := t.decode(addr, data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	binary.LittleEndian.PutUint32(data, t.readRegisterLocked(offset))
	return nil
}

// WriteMMIO implements chipset.RegisterHandler.
func (t *Timer) WriteMMIO(addr uint64, data []byte) error {
	offset, err := t.decode(addr, data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.writeRegisterLocked(offset, binary.LittleEndian.Uint32(data))
	t.mu.Unlock()
	t.syncIRQ()
	return nil
}

func (t *Timer) decode(addr uint64, data []byte) (uint64, error) {
	if addr < t.inst.Base || addr+uint64(len(data)) > t.inst.Base+Size {
		return 0, fmt.Errorf("%s: address 0x%x out of bounds", t.inst.Name, addr)
	}
	offset := addr - t.inst.Base
	if len(data) != 4 || offset%4 != 0 {
		return 0, fmt.Errorf("%s: unsupported %d byte access at offset 0x%x", t.inst.Name, len(data), offset)
	}
	return offset, nil
}

func (t *Timer) readRegisterLocked(offset uint64) uint32 {
	switch offset {
	case CR1:
		return t.cr1
	case CR2:
		return t.cr2
	case SMCR:
		return t.smcr
	case DIER:
		return t.dier
	case SR:
		return t.sr
	case CCMR1:
		return t.ccmr[0]
	case CCMR2:
		return t.ccmr[1]
	case CCER:
		return t.ccer
	case CNT:
		return t.cnt
	case PSC:
		return t.psc
	case ARR:
		return t.arr
	case CCR1, CCR2, CCR3, CCR4:
		return t.ccr[(offset-CCR1)/4]
	case DCR:
		return t.dcr
	case DMAR:
		return t.dmar
	case OR:
		return t.or
	default:
		// EGR is write-only; reserved offsets read as zero.
		return 0
	}
}

func (t *Timer) writeRegisterLocked(offset uint64, value uint32) {
	switch offset {
	case CR1:
		value &= 0x3FF
		if t.cr1&CR1_CMS != 0 {
			// DIR is read-only in center-aligned mode.
			value = value&^CR1_DIR | t.cr1&CR1_DIR
		}
		t.cr1 = value
	case CR2:
		t.cr2 = value & 0xF8
	case SMCR:
		t.smcr = value & 0xFFF7
	case DIER:
		t.dier = value & dierMask
	case SR:
		// rc_w0: writing 0 clears a flag, writing 1 leaves it alone.
		t.sr &= value | ^uint32(srMask)
	case EGR:
		t.generateLocked(value)
	case CCMR1:
		t.ccmr[0] = value & 0xFFFF
	case CCMR2:
		t.ccmr[1] = value & 0xFFFF
	case CCER:
		t.ccer = value & ccerMask
	case CNT:
		t.cnt = value & t.max
	case PSC:
		t.psc = value & 0xFFFF
	case ARR:
		t.arr = value & t.max
		if t.cr1&CR1_ARPE == 0 {
			t.arrShadow = t.arr
		}
	case CCR1, CCR2, CCR3, CCR4:
		t.ccr[(offset-CCR1)/4] = value & t.max
	case DCR:
		t.dcr = value & 0x1F1F
	case DMAR:
		t.dmar = value
	case OR:
		t.or = value & t.inst.OptionMask
	}
}

var (
	_ chipset.Peripheral = (*Timer)(nil)
	_ chipset.Clocked    = (*Timer)(nil)
)
