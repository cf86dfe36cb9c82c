package output

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"libdb.so/runlight/internal/pulse"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/nrzled"
	"periph.io/x/host/v3"
)

// DefaultSPIFreq is the SPI clock used to emulate the 800 kHz NRZ bit rate,
// three SPI bits per LED bit.
const DefaultSPIFreq = 2500 * physic.KiloHertz

// SPI is a Peripheral that drives the chain from the MOSI line of an SPI port
// through periph.io's nrzled driver. The target pin names the SPI port, such
// as "SPI0.0". Since the driver does its own NRZ encoding, frames are decoded
// back into colors first and the configured tick timing only applies to
// decoding.
type SPI struct {
	Timing pulse.Timing
	// Freq is the SPI clock. It defaults to DefaultSPIFreq.
	Freq   physic.Frequency
	Logger *slog.Logger
	// Open opens the SPI port. It defaults to spireg.Open after initializing
	// the host drivers.
	Open func(name string) (spi.PortCloser, error)
}

var _ Peripheral = (*SPI)(nil)

func openSPI(name string) (spi.PortCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize host drivers")
	}
	return spireg.Open(name)
}

// Acquire implements Peripheral. target.Channel is ignored.
func (s *SPI) Acquire(ctx context.Context, target Target) (Channel, error) {
	open := s.Open
	if open == nil {
		open = openSPI
	}

	port, err := open(target.Pin)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open SPI port %q", target.Pin)
	}

	freq := s.Freq
	if freq == 0 {
		freq = DefaultSPIFreq
	}

	loggerOrDefault(s.Logger).Debug(
		"acquired spi port",
		"port", port.String(),
		"freq", freq)

	return &spiChannel{port: port, timing: s.Timing, freq: freq}, nil
}

type spiChannel struct {
	port   spi.PortCloser
	timing pulse.Timing
	freq   physic.Frequency
	// dev is created on the first frame, once the LED count is known. A port
	// can only be connected once, so later frames must have the same count.
	dev    *nrzled.Dev
	leds   int
	pixels []byte
}

func (c *spiChannel) SendPulses(ctx context.Context, durations []uint32, start pulse.Level) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if start != pulse.High {
		// The NRZ encoder always drives each bit high first.
		return errors.New("SPI pulse trains must start high")
	}

	colors, err := c.timing.DecodeFrame(durations)
	if err != nil {
		return errors.Wrap(err, "cannot re-encode frame for SPI")
	}

	if c.dev == nil {
		dev, err := nrzled.NewSPI(c.port, &nrzled.Opts{
			NumPixels: len(colors),
			Channels:  3,
			Freq:      c.freq,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create nrzled device")
		}
		c.dev = dev
		c.leds = len(colors)
	}

	if len(colors) != c.leds {
		return errors.Errorf("frame has %d LEDs, channel was opened for %d", len(colors), c.leds)
	}

	c.pixels = c.pixels[:0]
	for _, color := range colors {
		c.pixels = append(c.pixels, color[:]...)
	}

	_, err = c.dev.Write(c.pixels)
	return err
}

func (c *spiChannel) Close() error {
	return c.port.Close()
}
