package pulse

import (
	"github.com/pkg/errors"
	"libdb.so/runlight/internal/led"
)

// ErrUnknownPulse is returned by Decode for a (high, low) pair that is
// neither a 0 nor a 1 bit.
var ErrUnknownPulse = errors.New("pulse pair matches neither bit timing")

// LEDPulses is the encoding of a single LED.
type LEDPulses [PulsesPerLED]uint32

// Encode returns the pulse encoding of c.
//
// WS2812B expects the channels in green, red, blue order with the most
// significant bit first.
func (t Timing) Encode(c led.RGBColor) LEDPulses {
	var p LEDPulses
	t.put(p[:], c)
	return p
}

// Append appends the encoding of c to dst and returns the extended slice.
func (t Timing) Append(dst []uint32, c led.RGBColor) []uint32 {
	p := t.Encode(c)
	return append(dst, p[:]...)
}

func (t Timing) put(dst []uint32, c led.RGBColor) {
	_ = dst[PulsesPerLED-1]

	i := 0
	for _, ch := range [3]uint8{c.G(), c.R(), c.B()} {
		for bit := 7; bit >= 0; bit-- {
			if ch&(1<<bit) != 0 {
				dst[i], dst[i+1] = t.T1H, t.T1L
			} else {
				dst[i], dst[i+1] = t.T0H, t.T0L
			}
			i += 2
		}
	}
}

// Decode reverses Encode. p must hold exactly PulsesPerLED durations.
func (t Timing) Decode(p []uint32) (led.RGBColor, error) {
	if len(p) != PulsesPerLED {
		return led.RGBColor{}, errors.Errorf("expected %d pulses, got %d", PulsesPerLED, len(p))
	}

	var grb [3]uint8
	for i := 0; i < BitsPerLED; i++ {
		high, low := p[2*i], p[2*i+1]

		var bit uint8
		switch {
		case high == t.T1H && low == t.T1L:
			bit = 1
		case high == t.T0H && low == t.T0L:
			bit = 0
		default:
			return led.RGBColor{}, errors.Wrapf(ErrUnknownPulse, "bit %d is (%d, %d)", i, high, low)
		}

		grb[i/8] |= bit << (7 - i%8)
	}

	return led.RGB(grb[1], grb[0], grb[2]), nil
}

// DecodeFrame decodes a buffer of whole LEDs, ignoring a trailing reset pulse
// if one is present.
func (t Timing) DecodeFrame(frame []uint32) (led.Sequence, error) {
	if len(frame)%PulsesPerLED == 1 {
		frame = frame[:len(frame)-1]
	}
	if len(frame)%PulsesPerLED != 0 {
		return nil, errors.Errorf("frame of %d pulses is not a whole number of LEDs", len(frame))
	}

	seq := make(led.Sequence, len(frame)/PulsesPerLED)
	for i := range seq {
		c, err := t.Decode(frame[i*PulsesPerLED : (i+1)*PulsesPerLED])
		if err != nil {
			return nil, errors.Wrapf(err, "LED %d", i)
		}
		seq[i] = c
	}

	return seq, nil
}
