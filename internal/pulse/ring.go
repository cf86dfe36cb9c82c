package pulse

import (
	"github.com/pkg/errors"
	"libdb.so/runlight/internal/led"
)

// ErrEmptySequence is returned when a buffer is built for a non-empty chain
// from an empty sequence.
var ErrEmptySequence = errors.New("sequence is empty")

// Ring is the timing buffer of a whole chain. It holds PulsesPerLED
// durations per LED and keeps a head offset so that dropping the first LED
// and appending a new last LED does not move the rest of the buffer.
type Ring struct {
	data []uint32
	head int // LED index of the first LED on the chain
	leds int
}

// Build encodes seq across ledCount LEDs. LED i gets seq[i mod len(seq)].
func Build(seq led.Sequence, ledCount int, t Timing) (*Ring, error) {
	if ledCount < 0 {
		return nil, errors.Errorf("invalid LED count %d", ledCount)
	}
	if ledCount > 0 && len(seq) == 0 {
		return nil, ErrEmptySequence
	}

	data := make([]uint32, 0, ledCount*PulsesPerLED)
	for i := 0; i < ledCount; i++ {
		data = t.Append(data, seq.At(i))
	}

	return &Ring{data: data, leds: ledCount}, nil
}

// Len returns the number of durations in the buffer.
func (r *Ring) Len() int {
	return len(r.data)
}

// LEDs returns the number of LEDs in the buffer.
func (r *Ring) LEDs() int {
	return r.leds
}

// Rotate drops the first LED of the chain and appends p as the new last LED.
// The buffer length is unchanged.
func (r *Ring) Rotate(p *LEDPulses) {
	if r.leds == 0 {
		return
	}
	// The slot that held the first LED becomes the last one.
	copy(r.data[r.head*PulsesPerLED:], p[:])
	r.head++
	if r.head == r.leds {
		r.head = 0
	}
}

// AppendTo appends the buffer in chain order, first LED first.
func (r *Ring) AppendTo(dst []uint32) []uint32 {
	split := r.head * PulsesPerLED
	dst = append(dst, r.data[split:]...)
	return append(dst, r.data[:split]...)
}

// LED returns the encoding of the LED at chain position i.
func (r *Ring) LED(i int) LEDPulses {
	var p LEDPulses
	j := (r.head + i) % r.leds
	copy(p[:], r.data[j*PulsesPerLED:])
	return p
}
