// Package timer is the firmware driver for the general-purpose timers TIM2 to
// TIM5.
package timer

import (
	"github.com/tinyrange/tickloop/internal/mmio"
)

// Register offsets from a timer's base.
const (
	regCR1   = 0x00
	regCR2   = 0x04
	regSMCR  = 0x08
	regDIER  = 0x0C
	regSR    = 0x10
	regEGR   = 0x14
	regCCMR1 = 0x18
	regCCMR2 = 0x1C
	regCCER  = 0x20
	regCNT   = 0x24
	regPSC   = 0x28
	regARR   = 0x2C
	regCCR1  = 0x34
	regDCR   = 0x48
	regDMAR  = 0x4C
	regOR    = 0x50
)

const cr1CEN = 1 << 0

// DIER bits.
const (
	UIE   = 1 << 0
	CC1IE = 1 << 1
	CC2IE = 1 << 2
	CC3IE = 1 << 3
	CC4IE = 1 << 4
	TIE   = 1 << 6
	UDE   = 1 << 8
	CC1DE = 1 << 9
	CC2DE = 1 << 10
	CC3DE = 1 << 11
	CC4DE = 1 << 12
	TDE   = 1 << 14

	dierReserved = 1<<15 | 1<<13 | 1<<7 | 1<<5
)

// SR bits.
const (
	UIF   = 1 << 0
	CC1IF = 1 << 1
	CC2IF = 1 << 2
	CC3IF = 1 << 3
	CC4IF = 1 << 4
	TIF   = 1 << 6
	CC1OF = 1 << 9
	CC2OF = 1 << 10
	CC3OF = 1 << 11
	CC4OF = 1 << 12

	srReserved = 1<<15 | 1<<14 | 1<<13 | 1<<8 | 1<<7 | 1<<5
)

// EGR bits.
const (
	UG   = 1 << 0
	CC1G = 1 << 1
	CC2G = 1 << 2
	CC3G = 1 << 3
	CC4G = 1 << 4
	TG   = 1 << 6

	egrReserved = 0xFF80 | 1<<5
)

// Timer identifies one timer instance.
type Timer struct {
	Name string
	Base uint32
	IRQ  uint32
	// Wide timers have a 32-bit counter, the others 16.
	Wide bool

	remapMask  uint32
	remapShift uint8
}

var (
	TIM2 = Timer{Name: "tim2", Base: 0x40000000, IRQ: 28, Wide: true, remapMask: 0x3, remapShift: 10}
	TIM3 = Timer{Name: "tim3", Base: 0x40000400, IRQ: 29}
	TIM4 = Timer{Name: "tim4", Base: 0x40000800, IRQ: 30}
	TIM5 = Timer{Name: "tim5", Base: 0x40000C00, IRQ: 50, Wide: true, remapMask: 0x3, remapShift: 6}
)

// ByName looks up a timer by its lower-case name.
func ByName(name string) (Timer, bool) {
	for _, t := range []Timer{TIM2, TIM3, TIM4, TIM5} {
		if t.Name == name {
			return t, true
		}
	}
	return Timer{}, false
}

func (t Timer) valueMask() uint32 {
	if t.Wide {
		return 0xFFFFFFFF
	}
	return 0xFFFF
}

// ClockDivision is CR1.CKD.
type ClockDivision uint8

const (
	Div1 ClockDivision = iota
	Div2
	Div4
)

// Direction is CR1.DIR.
type Direction uint8

const (
	Up Direction = iota
	Down
)

// CenterMode is CR1.CMS. EdgeAligned counts in one direction.
type CenterMode uint8

const (
	EdgeAligned CenterMode = iota
	Center1
	Center2
	Center3
)

// SlaveConfig is the SMCR slave-mode controller setup.
type SlaveConfig struct {
	ExternalTriggerInverted  bool
	ExternalClock            bool
	ExternalTriggerPrescaler uint8
	ExternalTriggerFilter    uint8
	MasterSlave              bool
	Trigger                  uint8
	Mode                     uint8
}

func (s SlaveConfig) bits() uint32 {
	return b2u(s.ExternalTriggerInverted)<<15 |
		b2u(s.ExternalClock)<<14 |
		uint32(s.ExternalTriggerPrescaler&0x3)<<12 |
		uint32(s.ExternalTriggerFilter&0xF)<<8 |
		b2u(s.MasterSlave)<<7 |
		uint32(s.Trigger&0x7)<<4 |
		uint32(s.Mode&0x7)
}

// Config is the full setup applied by Configure.
type Config struct {
	ClockDivision     ClockDivision
	AutoReloadPreload bool
	Direction         Direction
	CenterAligned     CenterMode
	OnePulse          bool
	// UpdateRequestSource limits UIF to counter overflow and underflow.
	UpdateRequestSource bool
	UpdateDisable       bool

	TI1Select  bool
	MasterMode uint8
	// DMARequestOnUpdate is CR2.CCDS.
	DMARequestOnUpdate bool

	Slave SlaveConfig

	// A nil slot is programmed as a frozen compare channel with value 0.
	Channels [4]ChannelConfig

	Prescaler  uint16
	AutoReload uint32

	DMABurstLength uint8
	DMABaseAddress uint8
	DMAAddress     uint32

	Interrupts uint32
	// Remap is the two-bit OR input remap, used on TIM2 and TIM5 only.
	Remap uint8

	Counter           uint32
	EnableAfterConfig bool
}

func (c Config) cr1() uint32 {
	return uint32(c.ClockDivision&0x3)<<8 |
		b2u(c.AutoReloadPreload)<<7 |
		uint32(c.CenterAligned&0x3)<<5 |
		uint32(c.Direction&0x1)<<4 |
		b2u(c.OnePulse)<<3 |
		b2u(c.UpdateRequestSource)<<2 |
		b2u(c.UpdateDisable)<<1
}

func (c Config) cr2() uint32 {
	return b2u(c.TI1Select)<<7 |
		uint32(c.MasterMode&0x7)<<4 |
		b2u(c.DMARequestOnUpdate)<<3
}

func (c Config) dcr() uint32 {
	burst := c.DMABurstLength
	if burst >= 18 {
		burst = 17
	}
	return uint32(burst&0x1F)<<8 | uint32(c.DMABaseAddress&0x1F)
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Driver programs timers through a register port.
type Driver struct {
	port *mmio.Port
}

// New returns a driver using port.
func New(port *mmio.Port) *Driver {
	return &Driver{port: port}
}

func (d *Driver) reg(t Timer, offset uint32) mmio.Register {
	return d.port.Reg(t.Base + offset)
}

// Configure stops the timer and reprograms it from cfg. The counter is
// started again only when cfg.EnableAfterConfig is set.
func (d *Driver) Configure(t Timer, cfg Config) {
	d.reg(t, regCR1).ClearBits(cr1CEN)
	d.reg(t, regSR).Set(0)

	d.reg(t, regCR1).Set(cfg.cr1())
	d.reg(t, regCR2).Set(cfg.cr2())
	d.reg(t, regSMCR).Set(cfg.Slave.bits())

	for i, ch := range cfg.Channels {
		d.configureChannel(t, i+1, ch)
	}

	d.reg(t, regPSC).Set(uint32(cfg.Prescaler))
	d.reg(t, regARR).Set(cfg.AutoReload & t.valueMask())
	d.reg(t, regDCR).Set(cfg.dcr())
	d.reg(t, regDMAR).Set(cfg.DMAAddress)
	d.reg(t, regDIER).Set(cfg.Interrupts &^ dierReserved & 0xFFFF)
	if t.remapMask != 0 {
		d.reg(t, regOR).Set((uint32(cfg.Remap) & t.remapMask) << t.remapShift)
	}
	d.reg(t, regCNT).Set(cfg.Counter & t.valueMask())
	if cfg.EnableAfterConfig {
		d.reg(t, regCR1).SetBits(cr1CEN)
	}
}

func (d *Driver) configureChannel(t Timer, ch int, cfg ChannelConfig) {
	if cfg == nil {
		cfg = Compare{}
	}
	ccmr, ccer := cfg.channelBits()
	d.ccmr(t, ch).ReplaceBits(ccmr, 0xFF, ccmrShift(ch))
	// Only the polarity bits; CCxE is left as the caller set it.
	d.reg(t, regCCER).ReplaceBits(ccer, ccxP|ccxNP, ccerShift(ch))
	if cmp, ok := cfg.(Compare); ok {
		d.SetCompare(t, ch, cmp.Value)
	}
}

func (d *Driver) ccmr(t Timer, ch int) mmio.Register {
	if ch <= 2 {
		return d.reg(t, regCCMR1)
	}
	return d.reg(t, regCCMR2)
}

func ccmrShift(ch int) uint8 {
	if ch%2 == 1 {
		return 0
	}
	return 8
}

func ccerShift(ch int) uint8 {
	return uint8(4 * (ch - 1))
}

func validChannel(ch int) bool {
	return ch >= 1 && ch <= 4
}

func ccr(ch int) uint32 {
	return regCCR1 + 4*uint32(ch-1)
}

// SetCompare writes CCRx. Values are truncated to the counter width.
func (d *Driver) SetCompare(t Timer, ch int, value uint32) {
	if !validChannel(ch) {
		return
	}
	d.reg(t, ccr(ch)).Set(value & t.valueMask())
}

// ReadCompare returns CCRx of a compare channel.
func (d *Driver) ReadCompare(t Timer, ch int) uint32 {
	if !validChannel(ch) {
		return 0
	}
	return d.reg(t, ccr(ch)).Get()
}

// ReadCapture returns the last value latched on a capture channel.
func (d *Driver) ReadCapture(t Timer, ch int) uint32 {
	if !validChannel(ch) {
		return 0
	}
	return d.reg(t, ccr(ch)).Get()
}

// CheckAndClearStatus reports whether any SR flag in mask is set and clears
// exactly those flags.
func (d *Driver) CheckAndClearStatus(t Timer, mask uint32) bool {
	mask &= 0xFFFF &^ srReserved
	sr := d.reg(t, regSR)
	set := sr.Get() & mask
	// rc_w0: ones leave the other flags untouched.
	sr.Set(^mask)
	return set != 0
}

// ClearStatus clears every SR flag.
func (d *Driver) ClearStatus(t Timer) {
	d.reg(t, regSR).Set(0)
}

func (d *Driver) Enable(t Timer)  { d.reg(t, regCR1).SetBits(cr1CEN) }
func (d *Driver) Disable(t Timer) { d.reg(t, regCR1).ClearBits(cr1CEN) }

func (d *Driver) Enabled(t Timer) bool { return d.reg(t, regCR1).HasBits(cr1CEN) }

func (d *Driver) Counter(t Timer) uint32 { return d.reg(t, regCNT).Get() }

// SetCounter loads CNT with the counter stopped, then restores CEN.
func (d *Driver) SetCounter(t Timer, value uint32) {
	running := d.Enabled(t)
	d.Disable(t)
	d.reg(t, regCNT).Set(value & t.valueMask())
	if running {
		d.Enable(t)
	}
}

// GenerateEvent writes EGR.
func (d *Driver) GenerateEvent(t Timer, mask uint32) {
	d.reg(t, regEGR).Set(mask &^ egrReserved & 0xFFFF)
}

// EnableChannel sets CCxE.
func (d *Driver) EnableChannel(t Timer, ch int) {
	if !validChannel(ch) {
		return
	}
	d.reg(t, regCCER).SetBits(ccxE << ccerShift(ch))
}

// DisableChannel clears CCxE.
func (d *Driver) DisableChannel(t Timer, ch int) {
	if !validChannel(ch) {
		return
	}
	d.reg(t, regCCER).ClearBits(ccxE << ccerShift(ch))
}

// EnableInterrupts sets DIER bits.
func (d *Driver) EnableInterrupts(t Timer, mask uint32) {
	d.reg(t, regDIER).SetBits(mask &^ dierReserved & 0xFFFF)
}

// DisableInterrupts clears DIER bits.
func (d *Driver) DisableInterrupts(t Timer, mask uint32) {
	d.reg(t, regDIER).ClearBits(mask)
}
