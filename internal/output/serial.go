package output

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"libdb.so/runlight/internal/pulse"
	"libdb.so/runlight/ledserial"
)

// Serial is a Peripheral behind a microcontroller on a serial port. The port
// is opened on Acquire and closed on Close, and every packet is acknowledged
// by the controller before the call returns.
type Serial struct {
	// Device is the path to the serial device, usually /dev/ttyUSB0 or
	// /dev/ttyACM0.
	Device string
	// Baud is the baud rate for the serial connection.
	Baud   int
	Logger *slog.Logger
	// Open opens the port. It defaults to serial.Open.
	Open func(device string, mode *serial.Mode) (io.ReadWriteCloser, error)
	// ResyncDelay is how long Acquire waits before writing to a controller
	// whose previous exchange was cut off mid-packet. It defaults to twice
	// ledserial.PacketTimeout.
	ResyncDelay time.Duration

	// cutOff is set when a port was closed in the middle of an exchange.
	cutOff atomic.Bool
}

var _ Peripheral = (*Serial)(nil)

func openSerial(device string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(device, mode)
}

// Acquire implements Peripheral.
func (s *Serial) Acquire(ctx context.Context, target Target) (Channel, error) {
	if target.Channel < 0 || target.Channel > 0xFF {
		return nil, errors.Errorf("channel %d out of range", target.Channel)
	}

	open := s.Open
	if open == nil {
		open = openSerial
	}

	logger := loggerOrDefault(s.Logger).With("device", s.Device, "target", target.String())

	if s.cutOff.Load() {
		if err := s.resync(ctx, logger); err != nil {
			return nil, err
		}
	}

	port, err := open(s.Device, &serial.Mode{BaudRate: s.Baud})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open serial port")
	}

	ch := &serialChannel{
		port:   port,
		logger: logger,
		cutOff: &s.cutOff,
	}

	if err := ch.exchange(ctx, ledserial.AcquirePacket{
		Channel: uint8(target.Channel),
		Pin:     target.Pin,
	}); err != nil {
		if ch.closed.CompareAndSwap(false, true) {
			port.Close()
		}
		return nil, errors.Wrap(err, "failed to acquire channel")
	}

	return ch, nil
}

// resync waits until the controller has dropped the packet that a previous
// channel abandoned. The controller still holds that channel's target;
// acquiring the same target again takes it over.
func (s *Serial) resync(ctx context.Context, logger *slog.Logger) error {
	delay := s.ResyncDelay
	if delay == 0 {
		delay = 2 * ledserial.PacketTimeout
	}

	logger.Debug("waiting for controller to resync", "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.cutOff.Store(false)
		return nil
	}
}

// releaseTimeout bounds how long Close waits for the controller to
// acknowledge a release.
const releaseTimeout = 250 * time.Millisecond

type serialChannel struct {
	port   io.ReadWriteCloser
	logger *slog.Logger
	closed atomic.Bool
	cutOff *atomic.Bool
}

func (c *serialChannel) SendPulses(ctx context.Context, durations []uint32, start pulse.Level) error {
	p := ledserial.PulsesPacket{Durations: durations}
	if start == pulse.High {
		p.Start = 1
	}
	return c.exchange(ctx, p)
}

func (c *serialChannel) Close() error {
	if c.closed.Load() {
		return nil
	}

	// The release is best effort. If it does not go through, the next
	// acquire of the same target takes the channel over.
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := c.exchange(ctx, ledserial.ReleasePacket{}); err != nil {
		c.logger.Debug(
			"failed to release channel",
			"error", err)
	}

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.port.Close(); err != nil {
		return errors.Wrap(err, "failed to close serial port")
	}
	return nil
}

// exchange writes p and waits for the controller to acknowledge it. If ctx
// ends first, the port is closed to unblock the read.
func (c *serialChannel) exchange(ctx context.Context, p ledserial.IncomingPacket) error {
	if c.closed.Load() {
		return errors.New("serial port is closed")
	}

	stop := context.AfterFunc(ctx, func() {
		c.logger.Debug("closing serial port", "reason", ctx.Err())
		if c.closed.CompareAndSwap(false, true) {
			c.cutOff.Store(true)
			c.port.Close()
		}
	})
	defer stop()

	err := c.roundTrip(p)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (c *serialChannel) roundTrip(p ledserial.IncomingPacket) error {
	c.logger.Debug(
		"writing packet",
		"type", p.Type())

	if err := ledserial.WriteIncomingPacket(c.port, p); err != nil {
		return errors.Wrap(err, "failed to write packet")
	}

	for {
		reply, err := ledserial.ReadOutgoingPacket(c.port, ledserial.ReadContext{})
		if err != nil {
			return errors.Wrap(err, "failed to read packet")
		}

		switch reply := reply.(type) {
		case ledserial.AckPacket:
			if reply.IncomingPacketType != p.Type() {
				return errors.Errorf("controller acked %s, expected %s", reply.IncomingPacketType, p.Type())
			}
			return nil

		case ledserial.LogPacket:
			c.logger.Info(
				"received log packet from controller",
				"message", reply.Message)

		case ledserial.ErrorPacket:
			return errors.Errorf("controller reported error: %s", reply.Message)

		case ledserial.PanicPacket:
			return errors.New("controller panicked")

		default:
			return errors.Errorf("received unknown packet from controller: %s", reply.Type())
		}
	}
}
