package board

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/tickloop/internal/driver/timer"
	"github.com/tinyrange/tickloop/internal/firmware"
	"github.com/tinyrange/tickloop/internal/watchdog"
)

const (
	ConfigFilename = "board.yaml"

	DefaultMaxBoots      = 8
	DefaultArmAfterTicks = 500
)

// Config describes the simulated board and the firmware it runs. Zero
// fields take their defaults.
type Config struct {
	Version int    `yaml:"version"`
	ClockHz uint64 `yaml:"clockHz"`

	Tick     TickConfig     `yaml:"tick"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Reaction ReactionConfig `yaml:"reaction"`

	MaxBoots int    `yaml:"maxBoots"`
	Trace    string `yaml:"trace,omitempty"`
	Realtime bool   `yaml:"realtime,omitempty"`
}

type TickConfig struct {
	Timer      string `yaml:"timer"`
	Prescaler  uint16 `yaml:"prescaler"`
	AutoReload uint32 `yaml:"autoReload"`
	Priority   uint8  `yaml:"priority"`
}

type WatchdogConfig struct {
	ResetValue uint32 `yaml:"resetValue"`
}

type ReactionConfig struct {
	Lines         []int  `yaml:"lines,flow"`
	Priority      uint8  `yaml:"priority"`
	ArmAfterTicks uint32 `yaml:"armAfterTicks"`
}

// DefaultConfig returns a fully populated configuration.
func DefaultConfig() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	def := firmware.DefaultConfig()
	if c.Version == 0 {
		c.Version = 1
	}
	if c.ClockHz == 0 {
		c.ClockHz = def.ClockHz
	}
	if c.Tick.Timer == "" {
		c.Tick.Timer = def.Tick.Timer.Name
	}
	if c.Tick.Prescaler == 0 {
		c.Tick.Prescaler = def.Tick.Prescaler
	}
	if c.Tick.AutoReload == 0 {
		c.Tick.AutoReload = def.Tick.AutoReload
	}
	if c.Tick.Priority == 0 {
		c.Tick.Priority = def.Tick.Priority
	}
	if c.Watchdog.ResetValue == 0 {
		c.Watchdog.ResetValue = watchdog.DefaultResetValue
	}
	if len(c.Reaction.Lines) == 0 {
		for _, l := range def.Reaction.Lines {
			c.Reaction.Lines = append(c.Reaction.Lines, int(l))
		}
	}
	if c.Reaction.Priority == 0 {
		c.Reaction.Priority = def.Reaction.Priority
	}
	if c.Reaction.ArmAfterTicks == 0 {
		c.Reaction.ArmAfterTicks = DefaultArmAfterTicks
	}
	if c.MaxBoots == 0 {
		c.MaxBoots = DefaultMaxBoots
	}
}

// Firmware converts the board configuration into the firmware's.
func (c Config) Firmware() (firmware.Config, error) {
	c.normalize()
	t, ok := timer.ByName(c.Tick.Timer)
	if !ok {
		return firmware.Config{}, fmt.Errorf("board: unknown tick timer %q", c.Tick.Timer)
	}
	if c.Watchdog.ResetValue > math.MaxUint16 {
		return firmware.Config{}, fmt.Errorf("board: watchdog reset value %d does not fit the 16-bit countdown", c.Watchdog.ResetValue)
	}
	lines := make([]uint8, 0, len(c.Reaction.Lines))
	for _, l := range c.Reaction.Lines {
		if l < 0 || l > 255 {
			return firmware.Config{}, fmt.Errorf("board: reaction line %d out of range", l)
		}
		lines = append(lines, uint8(l))
	}
	fc := firmware.Config{
		ClockHz: c.ClockHz,
		Tick: firmware.TickConfig{
			Timer:      t,
			Prescaler:  c.Tick.Prescaler,
			AutoReload: c.Tick.AutoReload,
			Priority:   c.Tick.Priority,
		},
		WatchdogResetValue: uint16(c.Watchdog.ResetValue),
		Reaction: firmware.ReactionConfig{
			Lines:    lines,
			Priority: c.Reaction.Priority,
		},
	}
	if err := fc.Validate(); err != nil {
		return firmware.Config{}, err
	}
	return fc, nil
}

// Load reads a configuration file and fills in defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	cfg.normalize()
	if _, err := cfg.Firmware(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg, with defaults filled in, as YAML.
func (c Config) Encode(w io.Writer) error {
	c.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// WriteTemplate writes cfg to path, creating parent directories.
func WriteTemplate(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if err := cfg.Encode(f); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
