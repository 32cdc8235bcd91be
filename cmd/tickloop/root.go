package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyrange/tickloop/internal/board"
)

const (
	LogLevelOptionName = "log-level"
	ConfigOptionName   = "config"
)

// NewRootCommand builds the tickloop command tree writing its output to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "tickloop",
		Short:         "Run the heartbeat and reaction firmware on a simulated Cortex-M4 board",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogging(cmd.ErrOrStderr(), logLevel)
		},
	}
	cmd.SetOut(out)
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newPlayCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newReportCommand())
	cmd.PersistentFlags().StringVar(&logLevel, LogLevelOptionName, "info", "Log level: debug, info, warn or error")
	return cmd
}

func initLogging(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid --%s %q: %w", LogLevelOptionName, level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (board.Config, error) {
	if path == "" {
		return board.DefaultConfig(), nil
	}
	return board.Load(path)
}
