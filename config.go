package runlight

import (
	"encoding"
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"libdb.so/runlight/internal/led"
	"libdb.so/runlight/internal/output"
	"libdb.so/runlight/internal/pulse"
)

// MaxRate is the highest accepted shift rate. A frame of a single LED takes
// about 80us on the wire, so even short chains cannot keep up much beyond it.
const MaxRate = 1000

// Config is the configuration for the runlight daemon.
type Config struct {
	// Rate is the number of shifts per second.
	Rate int `toml:"rate"`
	// Deadline bounds the transmission of a single frame. Zero means no
	// bound.
	Deadline TOMLDuration `toml:"deadline"`
	// Timing overrides the WS2812B pulse timing.
	Timing TimingConfig `toml:"timing"`
	// Output is the peripheral that frames are sent to.
	Output output.Config `toml:"output"`
	// Chains is the list of LED chains.
	Chains []ChainConfig `toml:"chain"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Rate <= 0 || c.Rate > MaxRate {
		return fmt.Errorf("rate %d out of range 1..%d", c.Rate, MaxRate)
	}

	if c.Deadline < 0 {
		return fmt.Errorf("invalid deadline %v", time.Duration(c.Deadline))
	}

	if err := c.Timing.Timing().Validate(); err != nil {
		return errors.Wrap(err, "invalid timing")
	}

	if err := c.Output.Validate(); err != nil {
		return errors.Wrap(err, "invalid output")
	}

	if len(c.Chains) == 0 {
		return errors.New("no chains configured")
	}

	// Two chains on the same pin and channel would fight over the wire.
	for i, chain1 := range c.Chains {
		if err := chain1.Validate(); err != nil {
			return errors.Wrapf(err, "chain %d", i)
		}

		for j, chain2 := range c.Chains[:i] {
			if chain1.Pin == chain2.Pin && chain1.Channel == chain2.Channel {
				return fmt.Errorf("chain %d uses the same pin and channel as chain %d", i, j)
			}
		}
	}

	return nil
}

// TimingConfig is the pulse timing in ticks. Zero fields take the WS2812B
// defaults.
type TimingConfig struct {
	T0H  uint32       `toml:"t0h"`
	T0L  uint32       `toml:"t0l"`
	T1H  uint32       `toml:"t1h"`
	T1L  uint32       `toml:"t1l"`
	TRST uint32       `toml:"trst"`
	Tick TOMLDuration `toml:"tick"`
}

// Timing returns the pulse timing with defaults filled in.
func (c TimingConfig) Timing() pulse.Timing {
	return pulse.Timing{
		T0H:  c.T0H,
		T0L:  c.T0L,
		T1H:  c.T1H,
		T1L:  c.T1L,
		TRST: c.TRST,
		Tick: time.Duration(c.Tick),
	}.WithDefaults()
}

// ChainConfig is the configuration for a single chain of LEDs.
type ChainConfig struct {
	// LEDs is the number of LEDs in the chain.
	LEDs int `toml:"leds"`
	// Pin is the pin the chain is connected to.
	Pin string `toml:"pin"`
	// Channel is the peripheral channel driving the pin.
	Channel int `toml:"channel"`

	// Only one of the following fields should be set.

	// Sequence is the list of colors, either as "#rrggbb" strings or as
	// [r, g, b] arrays.
	Sequence any `toml:"sequence,omitempty"`
	// Pattern generates the sequence instead.
	Pattern *PatternConfig `toml:"pattern,omitempty"`

	// Static disables shifting. The sequence is sent once.
	Static bool `toml:"static"`
}

// Validate validates the chain configuration.
func (c *ChainConfig) Validate() error {
	if c.LEDs <= 0 {
		return errors.Wrapf(ErrInvalidLEDCount, "got %d", c.LEDs)
	}
	if c.Pin == "" {
		return errors.New("missing pin")
	}

	switch {
	case c.Sequence != nil && c.Pattern != nil:
		return errors.New("sequence and pattern are mutually exclusive")
	case c.Sequence == nil && c.Pattern == nil:
		return errors.New("missing sequence or pattern")
	}

	seq, err := c.BuildSequence()
	if err != nil {
		return err
	}
	if len(seq) == 0 {
		return ErrEmptySequence
	}

	return nil
}

// BuildSequence returns the chain's colors.
func (c *ChainConfig) BuildSequence() (led.Sequence, error) {
	if c.Pattern != nil {
		return c.Pattern.Build()
	}
	return led.ParseSequence(c.Sequence)
}

// PatternKind is the kind of generated pattern.
type PatternKind string

const (
	// RainbowPattern is a color wheel ramp: red, yellow, green, cyan, blue,
	// magenta and back to red.
	RainbowPattern PatternKind = "rainbow"
)

// PatternConfig is the configuration for a generated sequence.
type PatternConfig struct {
	Kind PatternKind `toml:"kind"`
	// Brightness is the number of levels per channel, at most 256.
	Brightness int `toml:"brightness"`
	// Step is the distance between two levels. It defaults to 2.
	Step int `toml:"step"`
}

// Build generates the pattern.
func (c *PatternConfig) Build() (led.Sequence, error) {
	switch c.Kind {
	case RainbowPattern:
		brightness := c.Brightness
		if brightness == 0 {
			brightness = 64
		}
		step := c.Step
		if step == 0 {
			step = 2
		}
		return led.Rainbow(brightness, step)
	default:
		return nil, fmt.Errorf("unknown pattern %q", c.Kind)
	}
}

// TOMLDuration is a duration that can be parsed from TOML.
type TOMLDuration time.Duration

var (
	_ encoding.TextUnmarshaler = (*TOMLDuration)(nil)
	_ encoding.TextMarshaler   = (*TOMLDuration)(nil)
)

func (d *TOMLDuration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = TOMLDuration(duration)
	return nil
}

func (d TOMLDuration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ParseConfig parses a configuration from a reader.
func ParseConfig(r io.Reader) (*Config, error) {
	var config Config
	if err := toml.NewDecoder(r).Decode(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
