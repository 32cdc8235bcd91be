// Package elapsed measures intervals in heartbeat ticks.
package elapsed

// Guard masks interrupts for the duration of a critical section.
type Guard interface {
	Critical() (restore func())
}

type Option func(*Latch)

// WithInitialTick starts the tick counter at v instead of zero.
func WithInitialTick(v uint32) Option {
	return func(l *Latch) { l.tick = v }
}

// Latch holds a free-running tick counter and one start snapshot. Only one
// measurement can be in flight.
type Latch struct {
	guard Guard

	tick      uint32
	snapshot  uint32
	last      uint32
	measuring bool
}

func New(guard Guard, opts ...Option) *Latch {
	l := &Latch{guard: guard}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tick advances the counter. It runs in the tick handler.
func (l *Latch) Tick() {
	defer l.guard.Critical()()
	l.tick++
}

// Now returns the raw tick counter.
func (l *Latch) Now() uint32 {
	defer l.guard.Critical()()
	return l.tick
}

// Start snapshots the counter. A second Start restarts the measurement.
func (l *Latch) Start() {
	defer l.guard.Critical()()
	l.snapshot = l.tick
	l.measuring = true
}

// Stop completes the measurement in flight. The difference is taken in
// uint32 so a wrap between Start and Stop is harmless. Without a Start it
// does nothing.
func (l *Latch) Stop() {
	defer l.guard.Critical()()
	if !l.measuring {
		return
	}
	l.last = l.tick - l.snapshot
	l.measuring = false
}

// Read returns the last completed measurement.
func (l *Latch) Read() uint32 {
	defer l.guard.Critical()()
	return l.last
}

func (l *Latch) Measuring() bool {
	defer l.guard.Critical()()
	return l.measuring
}
