// Package sched is the firmware's cooperative main loop: interrupt handlers
// post event bits, and a fixed-priority dispatcher consumes them one at a
// time.
package sched

import (
	"sync/atomic"
)

// Guard masks interrupts for the duration of a critical section.
type Guard interface {
	Critical() (restore func())
}

// Bit is an event bit position, 0 to 31.
type Bit uint8

func (b Bit) mask() uint32 {
	if b > 31 {
		return 0
	}
	return 1 << b
}

// Scheduler owns the event word. Producers post from interrupt context;
// the main loop consumes.
type Scheduler struct {
	guard Guard
	word  atomic.Uint32
}

// New returns a scheduler whose word starts at zero.
func New(guard Guard) *Scheduler {
	return &Scheduler{guard: guard}
}

// Post sets bit. Posting an already-set bit is a no-op; events coalesce.
func (s *Scheduler) Post(bit Bit) {
	mask := bit.mask()
	if mask == 0 {
		return
	}
	defer s.guard.Critical()()
	s.word.Store(s.word.Load() | mask)
}

// TryConsume clears bit and reports whether this call was the one that
// cleared it.
func (s *Scheduler) TryConsume(bit Bit) bool {
	mask := bit.mask()
	if mask == 0 {
		return false
	}
	defer s.guard.Critical()()
	word := s.word.Load()
	if word&mask == 0 {
		return false
	}
	s.word.Store(word &^ mask)
	return true
}

// Pending returns a snapshot of the word.
func (s *Scheduler) Pending() uint32 {
	return s.word.Load()
}
