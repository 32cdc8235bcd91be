package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/mattn/go-tty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/tickloop/internal/board"
	"github.com/tinyrange/tickloop/internal/firmware"
)

func newPlayCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Measure your own reaction time: press any key when told to, q to quit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(cmd, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, ConfigOptionName, "", "Board configuration file")
	return cmd
}

func play(cmd *cobra.Command, configPath string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("play needs an interactive terminal")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Realtime = true
	line := cfg.Reaction.Lines[0]
	out := cmd.OutOrStdout()

	t, err := tty.Open()
	if err != nil {
		return fmt.Errorf("open terminal: %w", err)
	}
	defer t.Close()

	var reactions reactionLog
	record := reactions.add(cfg)
	var m *board.Machine
	armed := false
	m, err = board.New(cfg,
		board.WithApp(func(int) firmware.App {
			return &firmware.ReactionGame{
				ArmAfterTicks: cfg.Reaction.ArmAfterTicks,
				OnReaction: func(ticks uint32) {
					record(ticks)
					fmt.Fprintf(out, "%d ticks\n", ticks)
				},
			}
		}),
		board.WithProgress(func(uint64) {
			now := m.Firmware() != nil && m.Firmware().ReactionArmed()
			if now && !armed {
				fmt.Fprintln(out, "GO!")
			}
			armed = now
		}),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keys := make(chan rune)
	go func() {
		defer close(keys)
		for {
			r, err := t.ReadRune()
			if err != nil {
				return
			}
			select {
			case keys <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "wait for GO!, then press any key; q quits")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := m.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case r, ok := <-keys:
				if !ok || r == 'q' || r == 3 {
					cancel()
					return nil
				}
				m.QueueEdge(line, true)
				m.QueueEdge(line, false)
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}
	reactions.summarize(out)
	return nil
}
