package output

import (
	"log/slog"

	"github.com/pkg/errors"
	"libdb.so/runlight/internal/pulse"
)

// Kind is the kind of peripheral to use.
type Kind string

const (
	// SerialKind sends pulse trains to a microcontroller over a serial port.
	SerialKind Kind = "serial"
	// GPIOKind streams pulse trains on a host GPIO pin.
	GPIOKind Kind = "gpio"
	// SPIKind drives the chain from an SPI port's MOSI line.
	SPIKind Kind = "spi"
	// LogKind logs decoded frames instead of sending them.
	LogKind Kind = "log"
)

// Config is the configuration for the output peripheral.
type Config struct {
	// Kind is the kind of peripheral. It defaults to serial.
	Kind Kind `toml:"kind"`
	// Device is the serial device, used by the serial kind.
	Device string `toml:"device"`
	// Baud is the serial baud rate, used by the serial kind.
	Baud int `toml:"baud"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.kind() {
	case SerialKind:
		if c.Device == "" {
			return errors.New("serial output needs a device")
		}
		if c.Baud <= 0 {
			return errors.Errorf("invalid baud rate %d", c.Baud)
		}
	case GPIOKind, SPIKind, LogKind:
	default:
		return errors.Errorf("unknown output kind %q", c.Kind)
	}
	return nil
}

func (c *Config) kind() Kind {
	if c.Kind == "" {
		return SerialKind
	}
	return c.Kind
}

// Open creates the peripheral described by cfg. The result is wrapped with
// Exclusive, since every kind drives a single hardware channel.
func Open(cfg Config, timing pulse.Timing, logger *slog.Logger) (Peripheral, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid output configuration")
	}

	var p Peripheral
	switch cfg.kind() {
	case SerialKind:
		p = &Serial{Device: cfg.Device, Baud: cfg.Baud, Logger: logger}
	case GPIOKind:
		p = NewGPIO(timing, logger)
	case SPIKind:
		p = &SPI{Timing: timing, Logger: logger}
	case LogKind:
		p = &Log{Timing: timing, Logger: logger, Level: slog.LevelInfo}
	}

	return Exclusive(p), nil
}
