// Package pulse encodes LED colors into WS2812B high/low pulse durations.
//
// Durations are expressed in peripheral clock ticks. Every bit of a color is
// sent as a (high, low) pair, so one LED takes 24 bits or 48 durations.
//
// Datasheet
//
// https://cdn-shop.adafruit.com/datasheets/WS2812B.pdf
package pulse

import (
	"time"

	"github.com/pkg/errors"
)

const (
	// BitsPerLED is the number of bits sent for one LED: 8 per channel.
	BitsPerLED = 24
	// PulsesPerLED is the number of durations sent for one LED.
	PulsesPerLED = 2 * BitsPerLED
)

// Level is the signal level on the data line.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l == Low {
		return "Low"
	}
	return "High"
}

// Timing holds the fixed bit and reset timings of a chain. It is immutable
// once a chain is constructed.
type Timing struct {
	// T0H and T0L are the high and low times of a 0 bit.
	T0H, T0L uint32
	// T1H and T1L are the high and low times of a 1 bit.
	T1H, T1L uint32
	// TRST is the idle-low time that latches a frame.
	TRST uint32
	// Tick is the duration of one clock tick.
	Tick time.Duration
}

// DefaultTiming is the WS2812B timing at a 100ns tick: 400/900ns for a 0,
// 800/500ns for a 1 and a 50us reset.
var DefaultTiming = Timing{
	T0H:  4,
	T0L:  9,
	T1H:  8,
	T1L:  5,
	TRST: 500,
	Tick: 100 * time.Nanosecond,
}

// WithDefaults returns t with every zero field taken from DefaultTiming.
func (t Timing) WithDefaults() Timing {
	if t.T0H == 0 {
		t.T0H = DefaultTiming.T0H
	}
	if t.T0L == 0 {
		t.T0L = DefaultTiming.T0L
	}
	if t.T1H == 0 {
		t.T1H = DefaultTiming.T1H
	}
	if t.T1L == 0 {
		t.T1L = DefaultTiming.T1L
	}
	if t.TRST == 0 {
		t.TRST = DefaultTiming.TRST
	}
	if t.Tick == 0 {
		t.Tick = DefaultTiming.Tick
	}
	return t
}

// Validate checks that every duration is set and that 0 and 1 bits can be
// told apart.
func (t Timing) Validate() error {
	if t.T0H == 0 || t.T0L == 0 || t.T1H == 0 || t.T1L == 0 {
		return errors.New("bit timings must be non-zero")
	}
	if t.TRST == 0 {
		return errors.New("reset timing must be non-zero")
	}
	if t.Tick <= 0 {
		return errors.New("tick must be positive")
	}
	if t.T0H == t.T1H && t.T0L == t.T1L {
		return errors.New("0 and 1 bit timings are identical")
	}
	return nil
}

// Duration converts a tick count into wall time.
func (t Timing) Duration(ticks uint32) time.Duration {
	return time.Duration(ticks) * t.Tick
}

// FrameDuration returns how long a frame of ledCount LEDs takes on the wire,
// including the reset pulse.
func (t Timing) FrameDuration(ledCount int) time.Duration {
	zero := t.Duration(t.T0H + t.T0L)
	one := t.Duration(t.T1H + t.T1L)
	bit := zero
	if one > bit {
		bit = one
	}
	return time.Duration(ledCount*BitsPerLED)*bit + t.Duration(t.TRST)
}
