// Package board assembles the simulated microcontroller: the interrupt
// controller, four general-purpose timers, the external interrupt block and
// the reset controller on one register bus. It boots the firmware, drives
// simulated time and reboots the firmware when it requests a reset.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/tickloop/internal/chipset"
	extidev "github.com/tinyrange/tickloop/internal/devices/exti"
	"github.com/tinyrange/tickloop/internal/devices/gptimer"
	"github.com/tinyrange/tickloop/internal/devices/nvic"
	rccdev "github.com/tinyrange/tickloop/internal/devices/rcc"
	"github.com/tinyrange/tickloop/internal/firmware"
	"github.com/tinyrange/tickloop/internal/hv"
	"github.com/tinyrange/tickloop/internal/mmio"
	"github.com/tinyrange/tickloop/internal/timeslice"
)

var (
	// ErrNoWakeSource is returned when the core waits for an interrupt that
	// nothing can raise.
	ErrNoWakeSource = errors.New("board: wait for interrupt with no wake source")
	// ErrBootLimit is returned when the firmware keeps resetting.
	ErrBootLimit = errors.New("board: boot limit reached")

	errTickBudget = errors.New("board: tick budget spent")
)

// defaultIdleLimit bounds how many tick periods WaitForInterrupt advances
// without any interrupt being taken.
const defaultIdleLimit = 1 << 20

// AppFactory returns the application for the given boot, counted from zero.
type AppFactory func(boot int) firmware.App

type Option func(*Machine)

// WithHostClock replaces the host ticker used for real-time pacing.
func WithHostClock(clock hostClock) Option {
	return func(m *Machine) { m.clock = clock }
}

// WithRealtime paces simulated time against the host clock.
func WithRealtime(enabled bool) Option {
	return func(m *Machine) { m.realtime = enabled }
}

// WithApp sets the application run on each boot.
func WithApp(factory AppFactory) Option {
	return func(m *Machine) { m.apps = factory }
}

// WithBootHook is called on the core goroutine after each boot.
func WithBootHook(fn func(boot int, fw *firmware.Firmware)) Option {
	return func(m *Machine) { m.onBoot = fn }
}

// WithProgress is called on the core goroutine whenever heartbeats advance.
func WithProgress(fn func(ticks uint64)) Option {
	return func(m *Machine) { m.onProgress = fn }
}

// WithIdleLimit overrides how many idle tick periods end a wait with
// ErrNoWakeSource.
func WithIdleLimit(periods int) Option {
	return func(m *Machine) {
		if periods > 0 {
			m.idleLimit = periods
		}
	}
}

// Machine is one board. All device state is touched only from the goroutine
// that calls Run.
type Machine struct {
	cfg   Config
	fwcfg firmware.Config

	cs     *chipset.Chipset
	lines  *chipset.LineSet
	nvic   *nvic.NVIC
	rcc    *rccdev.Device
	exti   *extidev.Controller
	timers []*gptimer.Timer
	port   *mmio.Port

	layout  hv.LayoutHash
	quantum uint64

	realtime bool
	clock    hostClock
	pacer    *pacer

	apps       AppFactory
	onBoot     func(int, *firmware.Firmware)
	onProgress func(uint64)
	idleLimit  int

	fw        *firmware.Firmware
	boots     int
	cycles    uint64
	ticks     uint64
	tickSeen  uint64
	tickLimit uint64
}

// New builds the board described by cfg.
func New(cfg Config, opts ...Option) (*Machine, error) {
	cfg.normalize()
	fwcfg, err := cfg.Firmware()
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:       cfg,
		fwcfg:     fwcfg,
		realtime:  cfg.Realtime,
		quantum:   fwcfg.Tick.Cycles(),
		idleLimit: defaultIdleLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.apps == nil {
		arm := cfg.Reaction.ArmAfterTicks
		m.apps = func(int) firmware.App { return &firmware.ReactionGame{ArmAfterTicks: arm} }
	}

	m.rcc = rccdev.New()
	m.nvic = nvic.New(nvic.WithResetRequester(m.rcc))
	m.lines = chipset.NewLineSet(m.nvic)
	m.exti = extidev.New(m.lines.AllocateLine)

	b := chipset.NewBuilder()
	layout := []hv.DeviceConfig{
		{ID: "nvic", Base: nvic.DefaultBase, Size: nvic.DefaultSize},
		{ID: "rcc", Base: rccdev.CSRAddress, Size: 4},
		{ID: "exti", Base: extidev.DefaultBase, Size: extidev.Size, IRQLines: []uint32{1, 2, 3, 6, 7, 8, 9, 10, 23, 40, 41, 42}},
	}
	if err := b.Attach("nvic", m.nvic); err != nil {
		return nil, err
	}
	if err := b.Attach("rcc", m.rcc); err != nil {
		return nil, err
	}
	if err := b.Attach("exti", m.exti); err != nil {
		return nil, err
	}
	for _, inst := range gptimer.Instances {
		t := gptimer.New(inst, m.lines.AllocateLine(inst.IRQ))
		if err := b.Attach(inst.Name, t); err != nil {
			return nil, err
		}
		m.timers = append(m.timers, t)
		layout = append(layout, hv.DeviceConfig{
			ID:       inst.Name,
			Base:     inst.Base,
			Size:     gptimer.Size,
			IRQLines: []uint32{uint32(inst.IRQ)},
		})
	}
	cs, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("board: build chipset: %w", err)
	}
	m.cs = cs
	m.port = mmio.NewPort(cs)
	m.layout = hv.ComputeLayoutHash(cfg.ClockHz, layout)

	if m.realtime {
		m.pacer = newPacer(fwcfg.TickPeriod(), m.clock)
	}
	return m, nil
}

// Layout identifies the board's clock and device map.
func (m *Machine) Layout() hv.LayoutHash { return m.layout }

func (m *Machine) Config() Config { return m.cfg }

// Firmware returns the firmware of the current boot, or nil before the first.
func (m *Machine) Firmware() *firmware.Firmware { return m.fw }

func (m *Machine) Boots() int { return m.boots }

// Ticks returns the heartbeats taken over every boot.
func (m *Machine) Ticks() uint64 { return m.ticks }

// Cycles returns the simulated clock cycles elapsed.
func (m *Machine) Cycles() uint64 { return m.cycles }

// NVIC exposes the interrupt controller for inspection.
func (m *Machine) NVIC() *nvic.NVIC { return m.nvic }

// ResetFlags returns the latched RCC_CSR reset flags.
func (m *Machine) ResetFlags() uint32 { return m.rcc.Flags() }

// QueueEdge hands an input pin change to the core. It is safe to call from
// any goroutine.
func (m *Machine) QueueEdge(line int, high bool) bool {
	return m.exti.Queue(extidev.Edge{Line: line, High: high})
}

// Advance runs every timer for cycles clock cycles. Interrupts they raise are
// taken before it returns.
func (m *Machine) Advance(cycles uint64) {
	m.cs.Advance(cycles)
	m.cycles += cycles
	m.countTicks()
}

func (m *Machine) countTicks() {
	taken := m.nvic.TakenOn(m.fwcfg.Tick.Timer.IRQ)
	if taken <= m.tickSeen {
		return
	}
	m.ticks += taken - m.tickSeen
	m.tickSeen = taken
	if m.onProgress != nil {
		m.onProgress(m.ticks)
	}
}

func (m *Machine) resetRequested() error {
	if m.nvic.ResetRequested() {
		return hv.ErrSystemReset
	}
	return nil
}

// WaitForInterrupt advances time one tick period at a time until the core
// takes an interrupt. It returns hv.ErrSystemReset once the firmware has
// requested a reset.
func (m *Machine) WaitForInterrupt(ctx context.Context) error {
	taken := m.nvic.Taken()
	for idle := 0; ; idle++ {
		if err := m.resetRequested(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.tickLimit != 0 && m.ticks >= m.tickLimit {
			return errTickBudget
		}
		if idle >= m.idleLimit || !m.nvic.AnyEnabled() {
			return ErrNoWakeSource
		}

		if m.pacer != nil {
			if err := m.pacer.wait(ctx); err != nil {
				return err
			}
		}
		if err := m.cs.Poll(ctx); err != nil {
			return err
		}
		if m.nvic.Taken() != taken {
			return m.resetRequested()
		}

		m.Advance(m.quantum)
		if m.nvic.Taken() != taken {
			return m.resetRequested()
		}
	}
}

func (m *Machine) boot() (*firmware.Firmware, error) {
	if m.boots >= m.cfg.MaxBoots {
		return nil, fmt.Errorf("%w after %d boots", ErrBootLimit, m.boots)
	}
	fw, err := firmware.New(m.port, m.nvic, m.nvic, m.apps(m.boots), m.fwcfg,
		firmware.WithHaltCheck(m.resetRequested))
	if err != nil {
		return nil, err
	}
	m.boots++
	m.tickSeen = 0
	fw.Boot()
	m.fw = fw

	slog.Info("board: boot",
		"boot", m.boots,
		"recovered", fw.RecoveredFromReset(),
		"causes", fw.ResetCauses(),
		"layout", m.layout.Short())
	if m.onBoot != nil {
		m.onBoot(m.boots, fw)
	}
	return fw, nil
}

func (m *Machine) runCore(ctx context.Context) error {
	for {
		fw, err := m.boot()
		if err != nil {
			return err
		}
		err = fw.Run(ctx, m)
		switch {
		case errors.Is(err, hv.ErrSystemReset):
			slog.Info("board: system reset", "boot", m.boots, "ticks", m.ticks)
			if err := m.cs.Reset(); err != nil {
				return fmt.Errorf("board: reset chipset: %w", err)
			}
		case errors.Is(err, errTickBudget):
			return nil
		default:
			return err
		}
	}
}

// Run boots the firmware and runs it until ctx ends, the boot limit is
// reached, or the tick budget set by RunTicks is spent.
func (m *Machine) Run(ctx context.Context) error {
	if m.cfg.Trace != "" {
		f, err := os.Create(m.cfg.Trace)
		if err != nil {
			return fmt.Errorf("board: create trace: %w", err)
		}
		defer f.Close()
		w, err := timeslice.Open(f)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	if err := m.cs.Start(); err != nil {
		return fmt.Errorf("board: start chipset: %w", err)
	}
	defer m.cs.Stop()

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	if m.pacer != nil {
		g.Go(func() error { return m.pacer.run(ctx) })
	}
	g.Go(func() error {
		defer cancel()
		return m.runCore(ctx)
	})
	return g.Wait()
}

// RunTicks is Run with a budget of n further heartbeats. Zero means no
// budget.
func (m *Machine) RunTicks(ctx context.Context, n uint64) error {
	if n == 0 {
		return m.Run(ctx)
	}
	m.tickLimit = m.ticks + n
	defer func() { m.tickLimit = 0 }()
	return m.Run(ctx)
}
