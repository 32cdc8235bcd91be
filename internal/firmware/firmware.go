// Package firmware is the application that runs on the simulated core: a
// heartbeat from a general-purpose timer, a reaction-time measurement on
// external interrupt lines, a software watchdog, and the main loop that
// serves their events.
package firmware

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinyrange/tickloop/internal/devices/nvic"
	"github.com/tinyrange/tickloop/internal/driver/exti"
	"github.com/tinyrange/tickloop/internal/driver/irq"
	"github.com/tinyrange/tickloop/internal/driver/rcc"
	"github.com/tinyrange/tickloop/internal/driver/timer"
	"github.com/tinyrange/tickloop/internal/elapsed"
	"github.com/tinyrange/tickloop/internal/mmio"
	"github.com/tinyrange/tickloop/internal/sched"
	"github.com/tinyrange/tickloop/internal/timeslice"
	"github.com/tinyrange/tickloop/internal/watchdog"
)

// Main loop event bits, highest priority first.
const (
	EventHeartbeat     sched.Bit = 0
	EventReaction      sched.Bit = 1
	EventActuationDone sched.Bit = 2
)

var (
	kindTickISR     = timeslice.RegisterKind("isr.tick", timeslice.FlagInterrupt)
	kindReactionISR = timeslice.RegisterKind("isr.reaction", timeslice.FlagInterrupt)
	kindReaction    = timeslice.RegisterKind("reaction", timeslice.FlagModelTime)

	// Registered up front so a trace opened before boot lists them.
	_ = sched.EntryKind(entryHeartbeat)
	_ = sched.EntryKind(entryReaction)
	_ = sched.EntryKind(entryActuation)
)

const (
	entryHeartbeat = "heartbeat"
	entryReaction  = "reaction"
	entryActuation = "actuation"
)

// Vectors is the interrupt vector table.
type Vectors interface {
	SetHandler(line uint32, fn nvic.Handler)
}

// App receives the main loop's events.
type App interface {
	Heartbeat(fw *Firmware)
	Reaction(fw *Firmware, ticks uint32)
	ActuationDone(fw *Firmware)
}

type Option func(*Firmware)

// WithHaltCheck is consulted after every main-loop handler. A non-nil error
// stops Run.
func WithHaltCheck(check func() error) Option {
	return func(f *Firmware) { f.halt = check }
}

// WithInitialTick starts the tick counter at v.
func WithInitialTick(v uint32) Option {
	return func(f *Firmware) { f.initialTick = v }
}

// Firmware owns every driver and the shared state between handlers and the
// main loop.
type Firmware struct {
	cfg Config
	app App

	vectors Vectors
	irq     *irq.Controller
	timers  *timer.Driver
	exti    *exti.Driver
	rcc     *rcc.Driver

	sched      *sched.Scheduler
	dispatcher *sched.Dispatcher
	watchdog   *watchdog.Watchdog
	elapsed    *elapsed.Latch

	reactionIRQ uint32
	halt        func() error
	initialTick uint32

	booted    bool
	recovered bool
	causes    []string
}

// New wires the drivers to port. Nothing touches the hardware until Boot.
func New(port *mmio.Port, core irq.Core, vectors Vectors, app App, cfg Config, opts ...Option) (*Firmware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vector, _ := cfg.reactionVector()

	f := &Firmware{
		cfg:         cfg,
		app:         app,
		vectors:     vectors,
		irq:         irq.New(port, core),
		timers:      timer.New(port),
		exti:        exti.New(port),
		rcc:         rcc.New(port),
		reactionIRQ: vector,
	}
	for _, opt := range opts {
		opt(f)
	}

	f.sched = sched.New(f.irq)
	f.watchdog = watchdog.New(f.irq, f.rcc, watchdog.WithResetValue(cfg.WatchdogResetValue))
	f.elapsed = elapsed.New(f.irq, elapsed.WithInitialTick(f.initialTick))

	var dopts []sched.DispatcherOption
	if f.halt != nil {
		dopts = append(dopts, sched.WithHaltCheck(f.halt))
	}
	d, err := sched.NewDispatcher(f.sched, []sched.Entry{
		{Name: entryHeartbeat, Bit: EventHeartbeat, Handler: f.onHeartbeat},
		{Name: entryReaction, Bit: EventReaction, Handler: f.onReaction},
		{Name: entryActuation, Bit: EventActuationDone, Handler: f.onActuationDone},
	}, dopts...)
	if err != nil {
		return nil, err
	}
	f.dispatcher = d
	return f, nil
}

// Boot reads and clears the reset cause, sets up the reaction input and
// starts the heartbeat. It runs once.
func (f *Firmware) Boot() {
	if f.booted {
		return
	}
	f.booted = true

	f.causes = f.rcc.Causes()
	f.recovered = f.rcc.Check(rcc.Software)
	if f.recovered {
		slog.Info("firmware: recovered from reset", "causes", f.causes)
	} else {
		slog.Debug("firmware: boot", "causes", f.causes)
	}
	f.rcc.Clear()

	f.configureReaction()
	f.startHeartbeat()
}

func (f *Firmware) configureReaction() {
	defer f.irq.Critical()()
	for _, line := range f.cfg.Reaction.Lines {
		f.exti.Configure(exti.Line{Number: line, Rising: true, Unmask: true})
	}
	f.vectors.SetHandler(f.reactionIRQ, f.reactionISR)
	f.irq.Configure(irq.Descriptor{ID: f.reactionIRQ, Priority: f.cfg.Reaction.Priority})
	f.irq.Disable(f.reactionIRQ)
}

func (f *Firmware) startHeartbeat() {
	t := f.cfg.Tick.Timer
	f.vectors.SetHandler(t.IRQ, f.tickISR)
	f.irq.Configure(irq.Descriptor{ID: t.IRQ, Priority: f.cfg.Tick.Priority})
	f.timers.Configure(t, timer.Config{
		AutoReloadPreload:   true,
		UpdateRequestSource: true,
		Prescaler:           f.cfg.Tick.Prescaler,
		AutoReload:          f.cfg.Tick.AutoReload,
		Interrupts:          timer.UIE,
	})
	// ARR and PSC are preloaded; UG loads them before the first period and
	// URS keeps it from raising a tick.
	f.timers.GenerateEvent(t, timer.UG)
	f.timers.Enable(t)
}

func (f *Firmware) tickISR() {
	start := time.Now()
	t := f.cfg.Tick.Timer
	if f.timers.CheckAndClearStatus(t, timer.UIF) {
		f.sched.Post(EventHeartbeat)
		f.watchdog.Tick()
		f.elapsed.Tick()
	}
	f.timers.ClearStatus(t)
	timeslice.Since(kindTickISR, start)
}

func (f *Firmware) reactionISR() {
	start := time.Now()
	f.elapsed.Stop()
	f.sched.Post(EventReaction)
	f.exti.Acknowledge(f.cfg.Reaction.Lines...)
	timeslice.Since(kindReactionISR, start)
}

// StartReaction arms the reaction input and starts measuring. Edges seen
// while disarmed are discarded.
func (f *Firmware) StartReaction() {
	f.exti.Acknowledge(f.cfg.Reaction.Lines...)
	f.irq.ClearPending(f.reactionIRQ)
	f.irq.Enable(f.reactionIRQ)
	f.elapsed.Start()
}

// StopReaction disarms the reaction input.
func (f *Firmware) StopReaction() {
	f.irq.Disable(f.reactionIRQ)
}

// ReactionArmed reports whether a reaction is being awaited.
func (f *Firmware) ReactionArmed() bool {
	return f.irq.IsEnabled(f.reactionIRQ)
}

// ReadReaction returns the last measured reaction in ticks.
func (f *Firmware) ReadReaction() uint32 {
	return f.elapsed.Read()
}

func (f *Firmware) KickWatchdog() { f.watchdog.Kick() }

func (f *Firmware) Watchdog() *watchdog.Watchdog { return f.watchdog }

// PostActuationDone queues the actuation-complete event.
func (f *Firmware) PostActuationDone() { f.sched.Post(EventActuationDone) }

// Now returns the tick counter.
func (f *Firmware) Now() uint32 { return f.elapsed.Now() }

// RecoveredFromReset reports whether this boot followed a software reset.
func (f *Firmware) RecoveredFromReset() bool { return f.recovered }

// ResetCauses lists the reset flags seen at boot.
func (f *Firmware) ResetCauses() []string { return f.causes }

func (f *Firmware) Config() Config { return f.cfg }

// Served returns how often the named main-loop handler ran.
func (f *Firmware) Served(name string) uint64 { return f.dispatcher.Served(name) }

// Pending returns the event word.
func (f *Firmware) Pending() uint32 { return f.sched.Pending() }

// Run is the main loop. It returns when ctx ends, the idler fails or the
// halt check reports an error.
func (f *Firmware) Run(ctx context.Context, idler sched.Idler) error {
	return f.dispatcher.Run(ctx, idler)
}

// RunPending serves events until none is left and returns how many ran.
func (f *Firmware) RunPending() int {
	n := 0
	for {
		if _, ok := f.dispatcher.RunOnce(); !ok {
			return n
		}
		n++
	}
}

func (f *Firmware) onHeartbeat() {
	if f.app != nil {
		f.app.Heartbeat(f)
	}
}

func (f *Firmware) onReaction() {
	ticks := f.ReadReaction()
	timeslice.Record(kindReaction, time.Duration(ticks)*f.cfg.TickPeriod())
	slog.Debug("firmware: reaction", "ticks", ticks)
	if f.app != nil {
		f.app.Reaction(f, ticks)
	}
}

func (f *Firmware) onActuationDone() {
	if f.app != nil {
		f.app.ActuationDone(f)
	}
}
