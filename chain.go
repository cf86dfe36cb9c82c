package runlight

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"libdb.so/runlight/internal/led"
	"libdb.so/runlight/internal/output"
	"libdb.so/runlight/internal/pulse"
)

var (
	// ErrInvalidLEDCount is returned by NewChain for a chain without LEDs.
	ErrInvalidLEDCount = errors.New("LED count must be positive")
	// ErrNotInitialized is returned when a chain is shifted or transmitted
	// before a sequence is set.
	ErrNotInitialized = errors.New("chain has no sequence")

	// ErrInvalidSequenceType is led.ErrInvalidSequenceType.
	ErrInvalidSequenceType = led.ErrInvalidSequenceType
	// ErrMalformedColorEntry is led.ErrMalformedColorEntry.
	ErrMalformedColorEntry = led.ErrMalformedColorEntry
	// ErrEmptySequence is pulse.ErrEmptySequence.
	ErrEmptySequence = pulse.ErrEmptySequence
)

// ChainOptions are the optional parameters of a Chain.
type ChainOptions struct {
	// Channel is the peripheral channel number. It is passed to the
	// peripheral unchanged.
	Channel int
	// Timing is the pulse timing. Zero fields take the WS2812B defaults.
	Timing pulse.Timing
	// Deadline bounds a single Transmit, if non-zero.
	Deadline time.Duration
	// Peripheral sends the frames. Transmit fails without one.
	Peripheral output.Peripheral
}

// Chain is a strip of LEDs showing a repeating color sequence that can be
// shifted along the strip one LED at a time. A Chain is safe for concurrent
// use.
type Chain struct {
	ledCount int
	target   output.Target
	timing   pulse.Timing
	deadline time.Duration
	periph   output.Peripheral

	mu       sync.Mutex
	seq      led.Sequence
	shiftPos int
	ring     *pulse.Ring
	frame    []uint32
}

// NewChain creates a chain of ledCount LEDs on the given pin. The chain has
// no sequence until SetSequence is called.
func NewChain(ledCount int, pin string, opts ChainOptions) (*Chain, error) {
	if ledCount <= 0 {
		return nil, errors.Wrapf(ErrInvalidLEDCount, "got %d", ledCount)
	}

	timing := opts.Timing.WithDefaults()
	if err := timing.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid timing")
	}

	return &Chain{
		ledCount: ledCount,
		target:   output.Target{Pin: pin, Channel: opts.Channel},
		timing:   timing,
		deadline: opts.Deadline,
		periph:   opts.Peripheral,
	}, nil
}

// LEDCount returns the number of LEDs in the chain.
func (c *Chain) LEDCount() int {
	return c.ledCount
}

// Target returns where the chain's frames are sent.
func (c *Chain) Target() output.Target {
	return c.target
}

// SetSequence replaces the chain's sequence, resets the shift position and
// rebuilds the frame. On error, the chain is left without a sequence.
func (c *Chain) SetSequence(seq led.Sequence) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()

	ring, err := pulse.Build(seq, c.ledCount, c.timing)
	if err != nil {
		return err
	}

	c.seq = seq.Clone()
	c.ring = ring
	return nil
}

// SetSequenceValue is like SetSequence, but it takes a sequence of unknown
// shape, such as one decoded from TOML or JSON. See led.ParseSequence.
func (c *Chain) SetSequenceValue(v any) error {
	seq, err := led.ParseSequence(v)
	if err != nil {
		c.mu.Lock()
		c.reset()
		c.mu.Unlock()
		return err
	}
	return c.SetSequence(seq)
}

func (c *Chain) reset() {
	c.seq = nil
	c.shiftPos = 0
	c.ring = nil
}

// Shift moves the pattern one LED towards the start of the chain. The color
// on the first LED is dropped and the sequence entry at the new shift
// position enters at the end. The pattern scrolls seamlessly when the LED
// count is one more than a multiple of the sequence length, in which case
// one shift per sequence entry restores the original frame.
func (c *Chain) Shift() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ring == nil {
		return ErrNotInitialized
	}

	n := len(c.seq)
	c.shiftPos = (c.shiftPos + 1) % n

	tail := c.timing.Encode(c.seq[c.shiftPos])
	c.ring.Rotate(&tail)
	return nil
}

// ShiftPos returns the sequence index most recently appended at the tail of
// the chain.
func (c *Chain) ShiftPos() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.shiftPos
}

// Frame returns a copy of the chain's pulse train in wire order, without
// the trailing reset. It returns nil if the chain has no sequence.
func (c *Chain) Frame() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ring == nil {
		return nil
	}
	return c.ring.AppendTo(make([]uint32, 0, c.ring.Len()))
}

// Transmit sends the current frame followed by the reset pulse. The
// peripheral channel is acquired right before sending and released right
// after. Peripheral errors are returned as-is.
func (c *Chain) Transmit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ring == nil {
		return ErrNotInitialized
	}
	if c.periph == nil {
		return errors.New("chain has no peripheral")
	}

	c.frame = c.ring.AppendTo(c.frame[:0])
	c.frame = append(c.frame, c.timing.TRST)

	if c.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deadline)
		defer cancel()
	}

	ch, err := c.periph.Acquire(ctx, c.target)
	if err != nil {
		return err
	}

	if err := ch.SendPulses(ctx, c.frame, pulse.High); err != nil {
		ch.Close()
		return err
	}

	return ch.Close()
}
