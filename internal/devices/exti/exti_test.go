package exti

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/tickloop/internal/chipset"
)

type sink struct {
	levels map[uint8]bool
	sets   int
}

func newSink() *sink { return &sink{levels: make(map[uint8]bool)} }

func (s *sink) alloc(irq uint8) chipset.LineInterrupt {
	return chipset.LineInterruptFromFunc(func(high bool) {
		s.sets++
		s.levels[irq] = high
	})
}

func write(t *testing.T, c *Controller, offset uint64, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := c.WriteMMIO(DefaultBase+offset, buf); err != nil {
		t.Fatalf("write 0x%x: %v", offset, err)
	}
}

func read(t *testing.T, c *Controller, offset uint64) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := c.ReadMMIO(DefaultBase+offset, buf); err != nil {
		t.Fatalf("read 0x%x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func TestIRQGrouping(t *testing.T) {
	cases := map[int]uint8{0: 6, 4: 10, 5: 23, 9: 23, 10: 40, 15: 40, 16: 1, 17: 41, 18: 42, 21: 2, 22: 3}
	for line, want := range cases {
		got, ok := IRQFor(line)
		if !ok || got != want {
			t.Fatalf("IRQFor(%d) = %d,%v want %d", line, got, ok, want)
		}
	}
	for _, line := range []int{19, 20, 23, -1} {
		if _, ok := IRQFor(line); ok {
			t.Fatalf("line %d should have no interrupt", line)
		}
	}
}

func TestRisingEdgeSetsPendingAndRaisesGroup(t *testing.T) {
	s := newSink()
	c := New(s.alloc)
	write(t, c, IMR, 1<<7)
	write(t, c, RTSR, 1<<7)

	c.SetInput(7, true)
	if read(t, c, PR) != 1<<7 {
		t.Fatalf("PR = %#x", read(t, c, PR))
	}
	if !s.levels[23] {
		t.Fatalf("EXTI9_5 not raised")
	}

	// Falling edge is not selected; the line stays pending until cleared.
	c.SetInput(7, false)
	if !s.levels[23] {
		t.Fatalf("level dropped without PR clear")
	}
	write(t, c, PR, 1<<7)
	if read(t, c, PR) != 0 || s.levels[23] {
		t.Fatalf("PR clear did not lower the line")
	}
}

func TestMaskedEdgeIsNotPending(t *testing.T) {
	s := newSink()
	c := New(s.alloc)
	write(t, c, RTSR, 1<<3)
	write(t, c, FTSR, 1<<3)
	write(t, c, EMR, 1<<3)

	c.SetInput(3, true)
	c.SetInput(3, false)
	if read(t, c, PR) != 0 || s.sets != 0 {
		t.Fatalf("masked line became pending")
	}
	if c.Events() != 2 {
		t.Fatalf("events = %d, want 2", c.Events())
	}
}

func TestSoftwareTrigger(t *testing.T) {
	s := newSink()
	c := New(s.alloc)
	write(t, c, IMR, 1<<12)
	write(t, c, SWIER, 1<<12)
	if read(t, c, PR) != 1<<12 || !s.levels[40] {
		t.Fatalf("software interrupt not pending")
	}
	write(t, c, PR, 1<<12)
	if read(t, c, SWIER) != 0 {
		t.Fatalf("SWIER not cleared with PR")
	}
	if s.levels[40] {
		t.Fatalf("line still high")
	}
}

func TestSharedGroupStaysHighUntilAllCleared(t *testing.T) {
	s := newSink()
	c := New(s.alloc)
	write(t, c, IMR, 1<<5|1<<6)
	write(t, c, SWIER, 1<<5|1<<6)
	write(t, c, PR, 1<<5)
	if !s.levels[23] {
		t.Fatalf("group dropped while line 6 pending")
	}
	write(t, c, PR, 1<<6)
	if s.levels[23] {
		t.Fatalf("group still high")
	}
}

func TestQueuedEdgesApplyOnPoll(t *testing.T) {
	s := newSink()
	c := New(s.alloc, WithQueueDepth(2))
	write(t, c, IMR, 1<<5)
	write(t, c, RTSR, 1<<5)

	if !c.Queue(Edge{Line: 5, High: true}) || !c.Queue(Edge{Line: 5, High: false}) {
		t.Fatalf("queue rejected edges")
	}
	if c.Queue(Edge{Line: 5, High: true}) {
		t.Fatalf("full queue accepted an edge")
	}
	if read(t, c, PR) != 0 {
		t.Fatalf("edge applied before Poll")
	}
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if read(t, c, PR) != 1<<5 || c.Input(5) {
		t.Fatalf("PR=%#x input=%v", read(t, c, PR), c.Input(5))
	}

	c.Queue(Edge{Line: 5, High: true})
	if err := c.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if c.Input(5) || read(t, c, PR) != 0 || s.levels[23] {
		t.Fatalf("reset kept state")
	}
}

func TestRegistersMaskReservedLines(t *testing.T) {
	c := New(nil)
	write(t, c, IMR, 0xFFFFFFFF)
	if got := read(t, c, IMR); got != 0x7FFFFF {
		t.Fatalf("IMR = %#x", got)
	}
}
