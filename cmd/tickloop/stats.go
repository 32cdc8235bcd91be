package main

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tinyrange/tickloop/internal/board"
	"github.com/tinyrange/tickloop/internal/firmware"
)

// summary describes a set of durations.
type summary struct {
	Count  int
	Sum    time.Duration
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	StdDev time.Duration
}

func summarize(samples []float64) summary {
	if len(samples) == 0 {
		return summary{}
	}
	s := summary{
		Count: len(samples),
		Sum:   time.Duration(floats.Sum(samples)),
		Min:   time.Duration(floats.Min(samples)),
		Max:   time.Duration(floats.Max(samples)),
		Mean:  time.Duration(stat.Mean(samples, nil)),
	}
	if len(samples) > 1 {
		if sd := stat.StdDev(samples, nil); !math.IsNaN(sd) {
			s.StdDev = time.Duration(sd)
		}
	}
	return s
}

// reactionLog collects measured reactions as nanoseconds of model time.
type reactionLog struct {
	samples []float64
}

func (r *reactionLog) add(cfg board.Config) func(ticks uint32) {
	fwcfg, err := cfg.Firmware()
	period := firmware.DefaultConfig().TickPeriod()
	if err == nil {
		period = fwcfg.TickPeriod()
	}
	return func(ticks uint32) {
		d := time.Duration(ticks) * period
		r.samples = append(r.samples, float64(d))
		slog.Info("reaction", "ticks", ticks, "time", d)
	}
}

func (r *reactionLog) summarize(w io.Writer) {
	if len(r.samples) == 0 {
		return
	}
	s := summarize(r.samples)
	fmt.Fprintf(w, "reactions=%d mean=%s stddev=%s min=%s max=%s\n", s.Count, s.Mean, s.StdDev, s.Min, s.Max)
}
