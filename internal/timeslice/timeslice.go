// Package timeslice writes a compact binary trace of how long firmware
// activities took: main-loop dispatches, interrupt handlers and measured
// reaction times.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 2

	alignment = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// KindID identifies a registered record kind. Zero is never assigned.
type KindID uint64

// Kind describes what a record measures.
type Kind struct {
	Name  string
	Flags Flags
}

type Flags uint32

const (
	// FlagInterrupt marks time spent inside an interrupt handler.
	FlagInterrupt Flags = 1 << iota
	// FlagDispatch marks a main-loop handler run.
	FlagDispatch
	// FlagModelTime marks durations measured on the simulated clock rather
	// than the host's.
	FlagModelTime
)

func (f Flags) String() string {
	var parts []string
	if f&FlagInterrupt != 0 {
		parts = append(parts, "isr")
	}
	if f&FlagDispatch != 0 {
		parts = append(parts, "dispatch")
	}
	if f&FlagModelTime != 0 {
		parts = append(parts, "model")
	}
	return strings.Join(parts, ",")
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[KindID]Kind)
	byName  = make(map[string]KindID)
)

// RegisterKind returns the id for name, registering it on first use.
func RegisterKind(name string, flags Flags) KindID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if id, ok := byName[name]; ok {
		return id
	}
	id := KindID(len(kinds) + 1)
	kinds[id] = Kind{Name: name, Flags: flags}
	byName[name] = id
	return id
}

type record struct {
	ID       KindID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w      io.Writer
	done   chan error
	queue  chan record
	closed atomic.Bool
}

func (w *writer) run() {
	defer close(w.done)

	var buf [alignment]byte
	off := 0
	for rec := range w.queue {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				// Keep draining so Record never blocks on a dead writer.
				for range w.queue {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}
	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	w.closed.Store(true)
	close(w.queue)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Enabled reports whether a trace is open.
func Enabled() bool {
	return current.Load() != nil
}

// Record appends one sample to the open trace. Without a trace it does
// nothing.
func Record(id KindID, d time.Duration) {
	if w := current.Load(); w != nil && !w.closed.Load() {
		w.queue <- record{ID: id, Duration: d.Nanoseconds()}
	}
}

// Since records the host time elapsed since start.
func Since(id KindID, start time.Time) {
	if current.Load() == nil {
		return
	}
	Record(id, time.Since(start))
}

// Open starts a trace on w. Only one trace may be open at a time.
func Open(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:     w,
		queue: make(chan record, alignment),
		done:  make(chan error, 1),
	}
	go wr.run()

	if !current.CompareAndSwap(nil, wr) {
		close(wr.queue)
		<-wr.done
		return nil, fmt.Errorf("timeslice: already open")
	}
	return wr, nil
}

func padding(off int) int {
	if off%alignment == 0 {
		return 0
	}
	return alignment - off%alignment
}

// Sample is one decoded record.
type Sample struct {
	Kind     string
	Flags    Flags
	Duration time.Duration
}

// ErrBadTrace is returned for input that is not a trace file.
var ErrBadTrace = errors.New("timeslice: not a trace file")

// ReadAll decodes every record in r and passes it to fn.
func ReadAll(r io.Reader, fn func(Sample) error) error {
	buf := bufio.NewReaderSize(r, alignment)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("%w: magic %#x", ErrBadTrace, hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("%w: version %d", ErrBadTrace, hdr.Version)
	}

	var table map[KindID]Kind
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + int(hdr.KindsLength)); pad > 0 {
		if _, err := buf.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(Sample{Kind: kind.Name, Flags: kind.Flags, Duration: time.Duration(rec.Duration)}); err != nil {
			return err
		}
	}
}
