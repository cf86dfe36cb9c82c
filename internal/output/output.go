// Package output contains the peripherals that put a pulse train on the wire.
//
// A Peripheral hands out a Channel for one transmission at a time. Callers
// acquire a Channel right before sending a frame and close it right after, so
// that the hardware channel is never held between frames.
package output

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"
	"libdb.so/runlight/internal/pulse"
)

// Target identifies where a pulse train goes. Both fields are passed through
// to the peripheral unchanged.
type Target struct {
	// Pin is the pin identifier, such as "P22" or "GPIO18".
	Pin string
	// Channel is the peripheral channel number.
	Channel int
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%d", t.Pin, t.Channel)
}

// Peripheral is a pulse generator.
type Peripheral interface {
	// Acquire reserves the peripheral for target. The returned Channel must be
	// closed once the transmission is done.
	Acquire(ctx context.Context, target Target) (Channel, error)
}

// Channel is an acquired peripheral channel.
type Channel interface {
	// SendPulses emits durations as alternating levels beginning with start.
	// Durations are in peripheral clock ticks. Whether it returns once the
	// train is queued or once it is sent is up to the peripheral.
	SendPulses(ctx context.Context, durations []uint32, start pulse.Level) error
	// Close releases the channel.
	Close() error
}

// Exclusive wraps p so that only one Channel can be open at a time. Acquire
// blocks until the previous Channel is closed or ctx is done.
func Exclusive(p Peripheral) Peripheral {
	return &exclusive{
		Peripheral: p,
		sema:       semaphore.NewWeighted(1),
	}
}

type exclusive struct {
	Peripheral
	sema *semaphore.Weighted
}

func (e *exclusive) Acquire(ctx context.Context, target Target) (Channel, error) {
	if err := e.sema.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	ch, err := e.Peripheral.Acquire(ctx, target)
	if err != nil {
		e.sema.Release(1)
		return nil, err
	}

	return &exclusiveChannel{Channel: ch, release: func() { e.sema.Release(1) }}, nil
}

type exclusiveChannel struct {
	Channel
	release func()
}

func (c *exclusiveChannel) Close() error {
	if c.release == nil {
		return nil
	}
	defer func() {
		c.release()
		c.release = nil
	}()
	return c.Channel.Close()
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
