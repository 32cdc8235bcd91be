package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/tickloop/internal/timeslice"
)

const RawOptionName = "raw"

type kindRecord struct {
	Kind    string
	Flags   timeslice.Flags
	samples []float64
}

func (r *kindRecord) String() string {
	s := summarize(r.samples)
	return fmt.Sprintf("% 24s flags=% 10s count=% 8d sum=% 14s min=% 12s max=% 12s mean=% 12s stddev=% 12s",
		r.Kind, r.Flags, s.Count, s.Sum, s.Min, s.Max, s.Mean, s.StdDev)
}

func newReportCommand() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "report <trace>",
		Short: "Summarize a timeslice trace per record kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open trace: %w", err)
			}
			defer f.Close()
			return report(cmd.OutOrStdout(), f, raw)
		},
	}
	cmd.Flags().BoolVar(&raw, RawOptionName, false, "Print every record instead of per-kind statistics")
	return cmd
}

func report(out io.Writer, r io.Reader, raw bool) error {
	if raw {
		if err := timeslice.ReadAll(r, func(s timeslice.Sample) error {
			_, err := fmt.Fprintf(out, "%s %s %s\n", s.Kind, s.Flags, s.Duration)
			return err
		}); err != nil {
			return fmt.Errorf("read trace: %w", err)
		}
		return nil
	}

	records := map[string]*kindRecord{}
	var displayOrder []string
	if err := timeslice.ReadAll(r, func(s timeslice.Sample) error {
		record, ok := records[s.Kind]
		if !ok {
			displayOrder = append(displayOrder, s.Kind)
			record = &kindRecord{Kind: s.Kind, Flags: s.Flags}
			records[s.Kind] = record
		}
		record.samples = append(record.samples, float64(s.Duration))
		return nil
	}); err != nil {
		return fmt.Errorf("read trace: %w", err)
	}
	for _, kind := range displayOrder {
		fmt.Fprintln(out, records[kind].String())
	}
	return nil
}
