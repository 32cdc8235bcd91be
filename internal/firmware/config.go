package firmware

import (
	"fmt"
	"time"

	"github.com/tinyrange/tickloop/internal/driver/exti"
	"github.com/tinyrange/tickloop/internal/driver/timer"
	"github.com/tinyrange/tickloop/internal/watchdog"
)

// DefaultClockHz is the core and timer clock.
const DefaultClockHz = 84_000_000

// TickConfig selects the timer that produces the heartbeat and its period.
type TickConfig struct {
	Timer      timer.Timer
	Prescaler  uint16
	AutoReload uint32
	Priority   uint8
}

// Cycles returns the length of one heartbeat in timer clock cycles.
func (c TickConfig) Cycles() uint64 {
	return (uint64(c.Prescaler) + 1) * (uint64(c.AutoReload) + 1)
}

// ReactionConfig selects the EXTI lines watched for a reaction. All lines
// must share one NVIC interrupt.
type ReactionConfig struct {
	Lines    []uint8
	Priority uint8
}

type Config struct {
	ClockHz            uint64
	Tick               TickConfig
	WatchdogResetValue uint16
	Reaction           ReactionConfig
}

// DefaultConfig is a 1 ms heartbeat on TIM2 with reactions on EXTI5..9.
func DefaultConfig() Config {
	return Config{
		ClockHz: DefaultClockHz,
		Tick: TickConfig{
			Timer:      timer.TIM2,
			Prescaler:  899,
			AutoReload: 93,
			Priority:   10,
		},
		WatchdogResetValue: watchdog.DefaultResetValue,
		Reaction: ReactionConfig{
			Lines:    []uint8{5, 6, 7, 8, 9},
			Priority: 9,
		},
	}
}

// TickPeriod converts one heartbeat to wall time at ClockHz.
func (c Config) TickPeriod() time.Duration {
	if c.ClockHz == 0 {
		return 0
	}
	return time.Duration(float64(c.Tick.Cycles()) / float64(c.ClockHz) * float64(time.Second))
}

// reactionVector validates the reaction lines and returns their interrupt.
func (c Config) reactionVector() (uint32, error) {
	if len(c.Reaction.Lines) == 0 {
		return 0, fmt.Errorf("firmware: no reaction lines")
	}
	var vector uint32
	for i, line := range c.Reaction.Lines {
		v, ok := exti.Vector(line)
		if !ok {
			return 0, fmt.Errorf("firmware: reaction line %d has no interrupt", line)
		}
		if i > 0 && v != vector {
			return 0, fmt.Errorf("firmware: reaction line %d is on interrupt %d, not %d", line, v, vector)
		}
		vector = v
	}
	return vector, nil
}

// Validate checks that the configuration can be booted.
func (c Config) Validate() error {
	if c.ClockHz == 0 {
		return fmt.Errorf("firmware: clock rate is zero")
	}
	if c.Tick.Timer.Name == "" {
		return fmt.Errorf("firmware: no tick timer")
	}
	if _, ok := timer.ByName(c.Tick.Timer.Name); !ok {
		return fmt.Errorf("firmware: unknown tick timer %q", c.Tick.Timer.Name)
	}
	_, err := c.reactionVector()
	return err
}
