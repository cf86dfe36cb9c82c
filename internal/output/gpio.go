package output

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/pkg/errors"
	"libdb.so/runlight/internal/pulse"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiostream"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// GPIO is a Peripheral that streams edges directly on a host GPIO pin through
// periph.io. The pin must support streaming output.
type GPIO struct {
	// Freq is the tick rate of the pulse train.
	Freq   physic.Frequency
	Logger *slog.Logger

	initOnce sync.Once
	initErr  error
}

var _ Peripheral = (*GPIO)(nil)

// NewGPIO returns a GPIO peripheral for pulse trains in timing's ticks.
func NewGPIO(timing pulse.Timing, logger *slog.Logger) *GPIO {
	return &GPIO{
		Freq:   physic.PeriodToFrequency(timing.Tick),
		Logger: logger,
	}
}

// Acquire implements Peripheral. target.Channel is ignored; the pin is the
// channel.
func (g *GPIO) Acquire(ctx context.Context, target Target) (Channel, error) {
	g.initOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			g.initErr = errors.Wrap(err, "failed to initialize host drivers")
		}
	})
	if g.initErr != nil {
		return nil, g.initErr
	}

	p := gpioreg.ByName(target.Pin)
	if p == nil {
		return nil, errors.Errorf("unknown pin %q", target.Pin)
	}

	s, ok := p.(gpiostream.PinOut)
	if !ok {
		return nil, errors.Errorf("pin %s does not support streaming", p)
	}

	if err := p.Out(gpio.Low); err != nil {
		return nil, errors.Wrapf(err, "failed to set pin %s low", p)
	}

	loggerOrDefault(g.Logger).Debug(
		"acquired gpio pin",
		"pin", p.Name(),
		"freq", g.Freq)

	return &gpioChannel{pin: p, stream: s, freq: g.Freq}, nil
}

type gpioChannel struct {
	pin    gpio.PinIO
	stream gpiostream.PinOut
	freq   physic.Frequency
}

func (c *gpioChannel) SendPulses(ctx context.Context, durations []uint32, start pulse.Level) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.stream.StreamOut(&gpiostream.EdgeStream{
		Edges: edges(durations, start),
		Freq:  c.freq,
	})
}

func (c *gpioChannel) Close() error {
	return c.pin.Out(gpio.Low)
}

// edges converts tick durations into an edge stream. Edge streams always begin
// high, so a low start gets a leading empty high edge. Durations that do not
// fit an edge are split with empty edges of the opposite level in between.
func edges(durations []uint32, start pulse.Level) []uint16 {
	out := make([]uint16, 0, len(durations)+1)
	if start == pulse.Low {
		out = append(out, 0)
	}
	for _, d := range durations {
		for d > math.MaxUint16 {
			out = append(out, math.MaxUint16, 0)
			d -= math.MaxUint16
		}
		out = append(out, uint16(d))
	}
	return out
}
