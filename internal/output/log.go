package output

import (
	"context"
	"log/slog"
	"strings"

	"libdb.so/runlight/internal/pulse"
)

// Log is a Peripheral that decodes every pulse train back into colors and
// logs it. It never touches hardware.
type Log struct {
	Timing pulse.Timing
	Logger *slog.Logger
	// Level is the level frames are logged at.
	Level slog.Level
}

var _ Peripheral = (*Log)(nil)

// Acquire implements Peripheral.
func (l *Log) Acquire(ctx context.Context, target Target) (Channel, error) {
	return &logChannel{
		timing: l.Timing,
		logger: loggerOrDefault(l.Logger),
		level:  l.Level,
		target: target,
	}, nil
}

type logChannel struct {
	timing pulse.Timing
	logger *slog.Logger
	level  slog.Level
	target Target
}

func (c *logChannel) SendPulses(ctx context.Context, durations []uint32, start pulse.Level) error {
	if !c.logger.Enabled(ctx, c.level) {
		return nil
	}

	colors, err := c.timing.DecodeFrame(durations)
	if err != nil {
		c.logger.Warn(
			"undecodable frame",
			"target", c.target.String(),
			"pulses", len(durations),
			"error", err)
		return nil
	}

	var sb strings.Builder
	for i, color := range colors {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(color.String())
	}

	c.logger.Log(ctx, c.level,
		"frame",
		"target", c.target.String(),
		"start", start,
		"leds", len(colors),
		"colors", sb.String())
	return nil
}

func (c *logChannel) Close() error { return nil }
