package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/tickloop/internal/board"
	"github.com/tinyrange/tickloop/internal/firmware"
)

const (
	TicksOptionName          = "ticks"
	RealtimeOptionName       = "realtime"
	TraceOptionName          = "trace"
	StarveWatchdogOptionName = "starve-watchdog"
	PressAfterOptionName     = "press-after"
)

type runOptions struct {
	configPath     string
	ticks          uint64
	realtime       bool
	trace          string
	starveWatchdog bool
	pressAfter     uint64
}

func newRunCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the board headless",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoard(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, ConfigOptionName, "", "Board configuration file")
	cmd.Flags().Uint64Var(&opts.ticks, TicksOptionName, 5000, "Heartbeats to run, 0 for no limit")
	cmd.Flags().BoolVar(&opts.realtime, RealtimeOptionName, false, "Pace simulated time against the host clock")
	cmd.Flags().StringVar(&opts.trace, TraceOptionName, "", "Write a timeslice trace to this file")
	cmd.Flags().BoolVar(&opts.starveWatchdog, StarveWatchdogOptionName, false, "Stop kicking the watchdog on the first boot")
	cmd.Flags().Uint64Var(&opts.pressAfter, PressAfterOptionName, 0, "Simulate a button press this many ticks after each reaction is armed")
	return cmd
}

func runBoard(cmd *cobra.Command, opts runOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.realtime {
		cfg.Realtime = true
	}
	if opts.trace != "" {
		cfg.Trace = opts.trace
	}

	var bar *progressbar.ProgressBar
	if opts.ticks > 0 && term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.NewOptions64(int64(opts.ticks),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("ticks"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	var reactions reactionLog
	var m *board.Machine
	press := newAutoPress(opts.pressAfter, cfg)
	m, err = board.New(cfg,
		board.WithApp(func(boot int) firmware.App {
			return &firmware.ReactionGame{
				ArmAfterTicks:  cfg.Reaction.ArmAfterTicks,
				StarveWatchdog: opts.starveWatchdog && boot == 0,
				OnReaction:     reactions.add(cfg),
			}
		}),
		board.WithProgress(func(ticks uint64) {
			if bar != nil {
				bar.Set64(int64(ticks))
			}
			press.observe(m, ticks)
		}),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err = m.RunTicks(ctx, opts.ticks)
	if bar != nil {
		bar.Finish()
	}
	if err != nil && ctx.Err() == nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "boots=%d ticks=%d cycles=%d layout=%s\n", m.Boots(), m.Ticks(), m.Cycles(), m.Layout().Short())
	reactions.summarize(out)
	return nil
}

// autoPress stands in for a player: it raises the first reaction line a
// fixed number of ticks after each reaction is armed.
type autoPress struct {
	after   uint64
	line    int
	armed   bool
	armedAt uint64
}

func newAutoPress(after uint64, cfg board.Config) *autoPress {
	p := &autoPress{after: after, line: -1}
	if len(cfg.Reaction.Lines) > 0 {
		p.line = cfg.Reaction.Lines[0]
	}
	return p
}

func (p *autoPress) observe(m *board.Machine, ticks uint64) {
	if p.after == 0 || p.line < 0 || m == nil {
		return
	}
	fw := m.Firmware()
	armed := fw != nil && fw.ReactionArmed()
	if armed && !p.armed {
		p.armedAt = ticks
	}
	p.armed = armed
	if armed && ticks-p.armedAt >= p.after {
		m.QueueEdge(p.line, true)
		m.QueueEdge(p.line, false)
		slog.Debug("press", "line", p.line, "tick", ticks)
	}
}
