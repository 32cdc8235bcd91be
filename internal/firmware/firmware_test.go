package firmware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/tickloop/internal/chipset"
	extidev "github.com/tinyrange/tickloop/internal/devices/exti"
	"github.com/tinyrange/tickloop/internal/devices/gptimer"
	"github.com/tinyrange/tickloop/internal/devices/nvic"
	rccdev "github.com/tinyrange/tickloop/internal/devices/rcc"
	"github.com/tinyrange/tickloop/internal/driver/exti"
	"github.com/tinyrange/tickloop/internal/driver/irq"
	"github.com/tinyrange/tickloop/internal/driver/timer"
	"github.com/tinyrange/tickloop/internal/hv"
	"github.com/tinyrange/tickloop/internal/mmio"
)

type rig struct {
	cs   *chipset.Chipset
	nvic *nvic.NVIC
	rcc  *rccdev.Device
	exti *extidev.Controller
	port *mmio.Port
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{rcc: rccdev.New()}
	r.nvic = nvic.New(nvic.WithResetRequester(r.rcc))
	lines := chipset.NewLineSet(r.nvic)
	r.exti = extidev.New(lines.AllocateLine)

	b := chipset.NewBuilder()
	devices := map[string]chipset.Peripheral{
		"nvic": r.nvic,
		"rcc":  r.rcc,
		"exti": r.exti,
	}
	for _, inst := range gptimer.Instances {
		devices[inst.Name] = gptimer.New(inst, lines.AllocateLine(inst.IRQ))
	}
	for name, dev := range devices {
		if err := b.Attach(name, dev); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	r.cs = cs
	r.port = mmio.NewPort(cs)
	return r
}

func (r *rig) boot(t *testing.T, app App, cfg Config, opts ...Option) *Firmware {
	t.Helper()
	fw, err := New(r.port, r.nvic, r.nvic, app, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fw.Boot()
	return fw
}

func (r *rig) haltCheck() error {
	if r.nvic.ResetRequested() {
		return hv.ErrSystemReset
	}
	return nil
}

// periodIdler advances the model one heartbeat per wait.
type periodIdler struct {
	r      *rig
	cycles uint64
	budget int
}

var errBudget = errors.New("idle budget spent")

func (i *periodIdler) WaitForInterrupt(ctx context.Context) error {
	if i.budget == 0 {
		return errBudget
	}
	i.budget--
	i.r.cs.Advance(i.cycles)
	return nil
}

func TestBootProgramsHardware(t *testing.T) {
	r := newRig(t)
	fw := r.boot(t, &ReactionGame{ArmAfterTicks: 5}, DefaultConfig())

	if fw.RecoveredFromReset() {
		t.Fatalf("power-on boot reported recovery")
	}
	if len(fw.ResetCauses()) != 3 {
		t.Fatalf("causes = %v", fw.ResetCauses())
	}
	if r.rcc.Flags() != 0 {
		t.Fatalf("reset flags not cleared: %#x", r.rcc.Flags())
	}

	ctl := irq.New(r.port, r.nvic)
	if !ctl.IsEnabled(28) || ctl.Priority(28) != 10 {
		t.Fatalf("tick interrupt enabled=%v priority=%d", ctl.IsEnabled(28), ctl.Priority(28))
	}
	if ctl.IsEnabled(23) || ctl.Priority(23) != 9 {
		t.Fatalf("reaction interrupt enabled=%v priority=%d", ctl.IsEnabled(23), ctl.Priority(23))
	}
	ex := exti.New(r.port)
	for n := uint8(5); n <= 9; n++ {
		l, _ := ex.Config(n)
		if !l.Rising || l.Falling || !l.Unmask {
			t.Fatalf("line %d = %+v", n, l)
		}
	}
	if !timer.New(r.port).Enabled(timer.TIM2) {
		t.Fatalf("TIM2 not running")
	}
	if r.port.Faults() != 0 {
		t.Fatalf("bus faults: %d", r.port.Faults())
	}
}

// maskRecorder notes whether interrupts were masked when each vector was
// installed.
type maskRecorder struct {
	n      *nvic.NVIC
	masked map[uint32]bool
}

func (m *maskRecorder) SetHandler(line uint32, fn nvic.Handler) {
	m.masked[line] = m.n.Masked()
	m.n.SetHandler(line, fn)
}

func TestReactionSetupRunsMasked(t *testing.T) {
	r := newRig(t)
	vectors := &maskRecorder{n: r.nvic, masked: make(map[uint32]bool)}
	fw, err := New(r.port, r.nvic, vectors, &ReactionGame{ArmAfterTicks: 5}, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fw.Boot()

	masked, ok := vectors.masked[23]
	if !ok || !masked {
		t.Fatalf("reaction vector installed=%v masked=%v", ok, masked)
	}
	if r.nvic.Masked() {
		t.Fatalf("interrupts still masked after boot")
	}
	if _, ok := vectors.masked[28]; !ok {
		t.Fatalf("tick vector not installed")
	}
}

func TestHeartbeatPostsAndKicks(t *testing.T) {
	r := newRig(t)
	cfg := DefaultConfig()
	cfg.WatchdogResetValue = 50
	fw := r.boot(t, &ReactionGame{ArmAfterTicks: 100}, cfg)

	period := cfg.Tick.Cycles()
	r.cs.Advance(period - 1)
	if fw.Pending() != 0 {
		t.Fatalf("event before the first period")
	}
	r.cs.Advance(1)
	if fw.Pending() != 1<<EventHeartbeat {
		t.Fatalf("pending = %#b", fw.Pending())
	}
	if fw.Watchdog().Remaining() != 49 || fw.Now() != 1 {
		t.Fatalf("remaining=%d now=%d", fw.Watchdog().Remaining(), fw.Now())
	}
	if n := fw.RunPending(); n != 1 {
		t.Fatalf("served %d handlers", n)
	}
	if fw.Watchdog().Remaining() != 50 || fw.Served("heartbeat") != 1 {
		t.Fatalf("heartbeat did not kick")
	}
	if r.nvic.TakenOn(28) != 1 {
		t.Fatalf("tick interrupt taken %d times", r.nvic.TakenOn(28))
	}
}

func TestReactionMeasuredInTicks(t *testing.T) {
	r := newRig(t)
	cfg := DefaultConfig()
	var got []uint32
	game := &ReactionGame{ArmAfterTicks: 2, OnReaction: func(ticks uint32) { got = append(got, ticks) }}
	fw := r.boot(t, game, cfg)
	period := cfg.Tick.Cycles()

	for i := 0; i < 2; i++ {
		r.cs.Advance(period)
		fw.RunPending()
	}
	if !fw.ReactionArmed() || !game.Armed() {
		t.Fatalf("reaction not armed after two heartbeats")
	}
	for i := 0; i < 3; i++ {
		r.cs.Advance(period)
		fw.RunPending()
	}
	r.exti.SetInput(5, true)
	fw.RunPending()

	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("reactions = %v, want [3]", got)
	}
	if fw.ReactionArmed() || game.Actuations() != 1 {
		t.Fatalf("armed=%v actuations=%d", fw.ReactionArmed(), game.Actuations())
	}

	// An edge while disarmed is dropped when the next reaction is armed.
	r.exti.SetInput(5, false)
	r.exti.SetInput(6, true)
	for i := 0; i < 2; i++ {
		r.cs.Advance(period)
		fw.RunPending()
	}
	if !fw.ReactionArmed() {
		t.Fatalf("second reaction not armed")
	}
	fw.RunPending()
	if len(got) != 1 || r.nvic.TakenOn(23) != 1 {
		t.Fatalf("stale edge delivered: reactions=%v taken=%d", got, r.nvic.TakenOn(23))
	}
}

func TestStarvedWatchdogResetsAndRecovers(t *testing.T) {
	r := newRig(t)
	cfg := DefaultConfig()
	cfg.WatchdogResetValue = 3
	fw := r.boot(t, &ReactionGame{ArmAfterTicks: 100, StarveWatchdog: true}, cfg, WithHaltCheck(r.haltCheck))

	idler := &periodIdler{r: r, cycles: cfg.Tick.Cycles(), budget: 10}
	if err := fw.Run(context.Background(), idler); !errors.Is(err, hv.ErrSystemReset) {
		t.Fatalf("Run returned %v", err)
	}
	if !fw.Watchdog().Fired() || idler.budget != 7 {
		t.Fatalf("fired=%v budget=%d", fw.Watchdog().Fired(), idler.budget)
	}
	if r.rcc.Flags()&rccdev.SFTRSTF == 0 {
		t.Fatalf("software reset flag not latched: %#x", r.rcc.Flags())
	}

	if err := r.cs.Reset(); err != nil {
		t.Fatalf("chipset reset: %v", err)
	}
	fw = r.boot(t, &ReactionGame{ArmAfterTicks: 100}, cfg, WithHaltCheck(r.haltCheck))
	if !fw.RecoveredFromReset() {
		t.Fatalf("reboot did not see the software reset")
	}
	if r.rcc.Flags() != 0 {
		t.Fatalf("flags not cleared after recovery")
	}
	idler = &periodIdler{r: r, cycles: cfg.Tick.Cycles(), budget: 10}
	if err := fw.Run(context.Background(), idler); !errors.Is(err, errBudget) {
		t.Fatalf("Run returned %v", err)
	}
	if fw.Served("heartbeat") != 10 || fw.Watchdog().Fired() {
		t.Fatalf("served=%d fired=%v", fw.Served("heartbeat"), fw.Watchdog().Fired())
	}
}

func TestConfigValidation(t *testing.T) {
	r := newRig(t)
	mutate := []struct {
		name string
		fn   func(*Config)
	}{
		{"no clock", func(c *Config) { c.ClockHz = 0 }},
		{"no timer", func(c *Config) { c.Tick.Timer = timer.Timer{} }},
		{"unknown timer", func(c *Config) { c.Tick.Timer.Name = "tim9" }},
		{"no lines", func(c *Config) { c.Reaction.Lines = nil }},
		{"split vectors", func(c *Config) { c.Reaction.Lines = []uint8{4, 5} }},
		{"no vector", func(c *Config) { c.Reaction.Lines = []uint8{19} }},
	}
	for _, tc := range mutate {
		cfg := DefaultConfig()
		tc.fn(&cfg)
		if _, err := New(r.port, r.nvic, r.nvic, nil, cfg); err == nil {
			t.Fatalf("%s: config accepted", tc.name)
		}
	}
}

func TestTickPeriod(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Tick.Cycles() != 94*900 {
		t.Fatalf("cycles = %d", cfg.Tick.Cycles())
	}
	got := cfg.TickPeriod()
	if d := got - 1007142*time.Nanosecond; d < -time.Microsecond || d > time.Microsecond {
		t.Fatalf("period = %v", got)
	}
	wide := TickConfig{Prescaler: 0xFFFF, AutoReload: 0xFFFFFFFF}
	if wide.Cycles() != 1<<48 {
		t.Fatalf("wide cycles = %d", wide.Cycles())
	}
}
