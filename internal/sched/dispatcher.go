package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/tickloop/internal/timeslice"
)

// Entry binds an event bit to the handler that serves it.
type Entry struct {
	Name    string
	Bit     Bit
	Handler func()
}

// Idler parks the core until an interrupt has been taken.
type Idler interface {
	WaitForInterrupt(ctx context.Context) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHaltCheck installs a check run after every handler. A non-nil error
// stops Run and is returned from it.
func WithHaltCheck(check func() error) DispatcherOption {
	return func(d *Dispatcher) {
		d.halt = check
	}
}

// Dispatcher scans a fixed table, highest priority first.
type Dispatcher struct {
	sched   *Scheduler
	entries []Entry
	kinds   []timeslice.KindID
	served  []uint64
	halt    func() error
}

// NewDispatcher builds the table. Entries are served in the order given. Two
// entries may not share a bit.
func NewDispatcher(s *Scheduler, entries []Entry, opts ...DispatcherOption) (*Dispatcher, error) {
	var seen uint32
	for _, e := range entries {
		mask := e.Bit.mask()
		if mask == 0 {
			return nil, fmt.Errorf("sched: entry %q: bit %d out of range", e.Name, e.Bit)
		}
		if seen&mask != 0 {
			return nil, fmt.Errorf("sched: entry %q: bit %d already claimed", e.Name, e.Bit)
		}
		if e.Handler == nil {
			return nil, fmt.Errorf("sched: entry %q has no handler", e.Name)
		}
		seen |= mask
	}
	d := &Dispatcher{
		sched:   s,
		entries: append([]Entry(nil), entries...),
		served:  make([]uint64, len(entries)),
	}
	for _, e := range entries {
		d.kinds = append(d.kinds, EntryKind(e.Name))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// EntryKind returns the trace kind that records runs of the named entry.
func EntryKind(name string) timeslice.KindID {
	return timeslice.RegisterKind("dispatch."+name, timeslice.FlagDispatch)
}

// RunOnce serves the highest-priority pending entry, if any.
func (d *Dispatcher) RunOnce() (Entry, bool) {
	for i, e := range d.entries {
		if !d.sched.TryConsume(e.Bit) {
			continue
		}
		start := time.Now()
		e.Handler()
		timeslice.Since(d.kinds[i], start)
		d.served[i]++
		return e, true
	}
	return Entry{}, false
}

// Run serves events until ctx ends or the idler or halt check fails. After
// each served entry the scan restarts from the top.
func (d *Dispatcher) Run(ctx context.Context, idler Idler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := d.RunOnce(); ok {
			if d.halt != nil {
				if err := d.halt(); err != nil {
					return err
				}
			}
			continue
		}
		if err := idler.WaitForInterrupt(ctx); err != nil {
			slog.Debug("sched: idle ended", "err", err)
			return err
		}
	}
}

// Served returns how many times the named entry ran.
func (d *Dispatcher) Served(name string) uint64 {
	for i, e := range d.entries {
		if e.Name == name {
			return d.served[i]
		}
	}
	return 0
}
