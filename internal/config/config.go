// Package config describes an emulation session.
//
// Defaults reproduce the boot1 layout: a flat image at 0x0D400000 in a
// 64 KiB SRAM window, with the peripheral block mapped at 0x0D800000.
// A YAML file overlays the defaults; integers may be written in hex.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Default layout constants.
const (
	DefaultLoadBase        = 0x0D400000
	DefaultRAMSize         = 0x10000
	DefaultMMIOBase        = 0x0D800000
	DefaultMMIOSize        = 0x100000
	DefaultStackSize       = 0x1000
	DefaultDataSize        = 0x1000
	DefaultMaxInstructions = 100000
	DefaultPoison          = 0xDEADBABE
	DefaultTimer           = 0x0D800010

	DefaultCustomStart = 0x0D401488
	DefaultCustomEnd   = 0x0D40149A
	DefaultCustomCount = 30
)

// Window is an address range.
type Window struct {
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size"`
}

// End returns the last address inside the window.
func (w Window) End() uint32 {
	return w.Base + w.Size - 1
}

// Contains reports whether addr falls inside the window.
func (w Window) Contains(addr uint32) bool {
	return addr >= w.Base && uint64(addr) < uint64(w.Base)+uint64(w.Size)
}

// Poke is a word written to memory before a custom run.
type Poke struct {
	Addr  uint32 `yaml:"addr"`
	Value uint32 `yaml:"value"`
}

// Custom configures custom range mode, which runs one function between
// Start and End with R0/R1 pointing into a scratch data area.
type Custom struct {
	Enabled         bool   `yaml:"enabled"`
	Start           uint32 `yaml:"start"`
	End             uint32 `yaml:"end"`
	Thumb           bool   `yaml:"thumb"`
	MaxInstructions uint64 `yaml:"max_instructions"`
	Pokes           []Poke `yaml:"pokes"`
}

// Config is a complete session description.
type Config struct {
	Image   string `yaml:"image"`
	Symbols string `yaml:"symbols"`
	Script  string `yaml:"script"`

	LoadBase  uint32 `yaml:"load_base"`
	RAMSize   uint32 `yaml:"ram_size"`
	MMIO      Window `yaml:"mmio"`
	StackSize uint32 `yaml:"stack_size"`
	DataSize  uint32 `yaml:"data_size"`

	MaxInstructions uint64 `yaml:"max_instructions"`
	// Passes is how many times to start the core. Each pass after the
	// first resumes from wherever the previous one stopped.
	Passes int    `yaml:"passes"`
	Poison uint32 `yaml:"poison"`

	Skip     []uint32 `yaml:"skip"`
	Enhanced []uint32 `yaml:"enhanced"`
	Timers   []uint32 `yaml:"timers"`

	Custom Custom `yaml:"custom"`
}

// Default returns the boot1 configuration.
func Default() *Config {
	return &Config{
		LoadBase:        DefaultLoadBase,
		RAMSize:         DefaultRAMSize,
		MMIO:            Window{Base: DefaultMMIOBase, Size: DefaultMMIOSize},
		StackSize:       DefaultStackSize,
		DataSize:        DefaultDataSize,
		MaxInstructions: DefaultMaxInstructions,
		Passes:          1,
		Poison:          DefaultPoison,
		Skip:            []uint32{DefaultTimer},
		Timers:          []uint32{DefaultTimer},
		Custom: Custom{
			Start:           DefaultCustomStart,
			End:             DefaultCustomEnd,
			Thumb:           true,
			MaxInstructions: DefaultCustomCount,
			Pokes:           []Poke{{Addr: 0x0D800214, Value: 0xDA3ECA5E}},
		},
	}
}

// Parse overlays YAML data onto the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Marshal encodes cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// StackTop is the initial SP: the end of RAM.
func (c *Config) StackTop() uint32 {
	return c.LoadBase + c.RAMSize
}

// DataArea is the scratch area below the stack used by custom range mode.
func (c *Config) DataArea() uint32 {
	return c.StackTop() - c.StackSize - c.DataSize
}

// RAM returns the RAM window.
func (c *Config) RAM() Window {
	return Window{Base: c.LoadBase, Size: c.RAMSize}
}

// Validate checks ranges and layout.
func (c *Config) Validate() error {
	const page = 0x1000
	switch {
	case c.RAMSize == 0:
		return fmt.Errorf("%w: ram_size is zero", ErrInvalid)
	case c.LoadBase%page != 0:
		return fmt.Errorf("%w: load_base 0x%08x not page aligned", ErrInvalid, c.LoadBase)
	case uint64(c.LoadBase)+uint64(c.RAMSize) > 1<<32:
		return fmt.Errorf("%w: ram window overflows address space", ErrInvalid)
	case c.MMIO.Size == 0:
		return fmt.Errorf("%w: mmio.size is zero", ErrInvalid)
	case c.MMIO.Base%page != 0:
		return fmt.Errorf("%w: mmio.base 0x%08x not page aligned", ErrInvalid, c.MMIO.Base)
	case uint64(c.MMIO.Base)+uint64(c.MMIO.Size) > 1<<32:
		return fmt.Errorf("%w: mmio window overflows address space", ErrInvalid)
	case overlaps(c.RAM(), c.MMIO):
		return fmt.Errorf("%w: ram and mmio windows overlap", ErrInvalid)
	case uint64(c.StackSize)+uint64(c.DataSize) > uint64(c.RAMSize):
		return fmt.Errorf("%w: stack_size+data_size exceed ram_size", ErrInvalid)
	case c.MaxInstructions == 0:
		return fmt.Errorf("%w: max_instructions is zero", ErrInvalid)
	case c.Passes < 1:
		return fmt.Errorf("%w: passes must be at least 1", ErrInvalid)
	}
	for _, t := range c.Timers {
		if !c.MMIO.Contains(t) {
			return fmt.Errorf("%w: timer 0x%08x outside mmio window", ErrInvalid, t)
		}
	}
	if c.Custom.Enabled {
		if c.Custom.End < c.Custom.Start {
			return fmt.Errorf("%w: custom.end before custom.start", ErrInvalid)
		}
		if !c.RAM().Contains(c.Custom.Start) {
			return fmt.Errorf("%w: custom.start 0x%08x outside ram", ErrInvalid, c.Custom.Start)
		}
		if c.Custom.MaxInstructions == 0 {
			return fmt.Errorf("%w: custom.max_instructions is zero", ErrInvalid)
		}
	}
	return nil
}

func overlaps(a, b Window) bool {
	return uint64(a.Base) < uint64(b.Base)+uint64(b.Size) &&
		uint64(b.Base) < uint64(a.Base)+uint64(a.Size)
}
