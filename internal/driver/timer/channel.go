package timer

// ChannelConfig is one capture/compare channel setup. It is either a Capture
// or a Compare.
type ChannelConfig interface {
	// channelBits returns the CCMR byte and the CCER nibble.
	channelBits() (ccmr uint32, ccer uint32)
}

// CapturePolarity selects the input edge.
type CapturePolarity uint8

const (
	Rising CapturePolarity = iota
	Falling
	BothEdges
)

// Capture latches the counter on input edges.
type Capture struct {
	Polarity CapturePolarity
	// Filter is ICxF, four bits.
	Filter uint8
	// Prescaler is ICxPSC: capture every 1, 2, 4 or 8 edges.
	Prescaler uint8
	// Selection is CCxS; zero selects the channel's own input (1).
	Selection uint8
}

func (c Capture) channelBits() (uint32, uint32) {
	sel := c.Selection & 0x3
	if sel == 0 {
		sel = 1
	}
	ccmr := uint32(c.Filter&0xF)<<4 | uint32(c.Prescaler&0x3)<<2 | uint32(sel)

	var ccer uint32
	switch c.Polarity {
	case Falling:
		ccer = ccxP
	case BothEdges:
		ccer = ccxP | ccxNP
	}
	return ccmr, ccer
}

// CompareMode is OCxM.
type CompareMode uint8

const (
	Frozen CompareMode = iota
	ActiveOnMatch
	InactiveOnMatch
	Toggle
	ForceInactive
	ForceActive
	PWM1
	PWM2
)

// Compare drives an output from CCRx.
type Compare struct {
	Mode        CompareMode
	ClearEnable bool
	Preload     bool
	Fast        bool
	ActiveLow   bool
	Value       uint32
}

func (c Compare) channelBits() (uint32, uint32) {
	ccmr := b2u(c.ClearEnable)<<7 |
		uint32(c.Mode&0x7)<<4 |
		b2u(c.Preload)<<3 |
		b2u(c.Fast)<<2
	var ccer uint32
	if c.ActiveLow {
		ccer = ccxP
	}
	return ccmr, ccer
}

// CCER bits within a channel's nibble.
const (
	ccxE  = 1 << 0
	ccxP  = 1 << 1
	ccxNP = 1 << 3
)
