package output

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libdb.so/runlight/internal/led"
	"libdb.so/runlight/internal/pulse"
)

type nopPeripheral struct {
	acquired int
	closed   int
}

func (p *nopPeripheral) Acquire(ctx context.Context, target Target) (Channel, error) {
	p.acquired++
	return nopChannel{p}, nil
}

type nopChannel struct{ p *nopPeripheral }

func (c nopChannel) SendPulses(context.Context, []uint32, pulse.Level) error { return nil }
func (c nopChannel) Close() error                                            { c.p.closed++; return nil }

func TestExclusive(t *testing.T) {
	inner := &nopPeripheral{}
	p := Exclusive(inner)
	target := Target{Pin: "P22", Channel: 3}

	ch, err := p.Acquire(context.Background(), target)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, target)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, inner.acquired)

	acquired := make(chan Channel)
	go func() {
		ch, err := p.Acquire(context.Background(), target)
		if err == nil {
			acquired <- ch
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second channel acquired while the first is open")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close()) // double close releases once

	select {
	case ch := <-acquired:
		require.NoError(t, ch.Close())
	case <-time.After(time.Second):
		t.Fatal("second channel not acquired after release")
	}

	assert.Equal(t, 2, inner.acquired)
	assert.Equal(t, 2, inner.closed)
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	p := &Log{Timing: pulse.DefaultTiming, Logger: logger, Level: slog.LevelInfo}
	ch, err := p.Acquire(context.Background(), Target{Pin: "P22", Channel: 3})
	require.NoError(t, err)

	var frame []uint32
	frame = pulse.DefaultTiming.Append(frame, led.RGB(255, 0, 0))
	frame = pulse.DefaultTiming.Append(frame, led.RGB(0, 0, 16))
	frame = append(frame, pulse.DefaultTiming.TRST)

	require.NoError(t, ch.SendPulses(context.Background(), frame, pulse.High))
	require.NoError(t, ch.Close())

	out := buf.String()
	assert.Contains(t, out, "target=P22/3")
	assert.Contains(t, out, "leds=2")
	assert.Contains(t, out, `colors="#ff0000 #000010"`)
	assert.Contains(t, out, "start=High")
}

func TestEdges(t *testing.T) {
	assert.Equal(t, []uint16{4, 9, 500}, edges([]uint32{4, 9, 500}, pulse.High))
	assert.Equal(t, []uint16{0, 4, 9}, edges([]uint32{4, 9}, pulse.Low))
	assert.Equal(t,
		[]uint16{8, 65535, 0, 65535, 0, 2},
		edges([]uint32{8, 2*65535 + 2}, pulse.High))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"serial", Config{Device: "/dev/ttyUSB0", Baud: 115200}, true},
		{"serial without device", Config{Kind: SerialKind, Baud: 115200}, false},
		{"serial without baud", Config{Kind: SerialKind, Device: "/dev/ttyUSB0"}, false},
		{"gpio", Config{Kind: GPIOKind}, true},
		{"spi", Config{Kind: SPIKind}, true},
		{"log", Config{Kind: LogKind}, true},
		{"unknown", Config{Kind: "rmt"}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.cfg.Validate()
			if test.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOpenLog(t *testing.T) {
	p, err := Open(Config{Kind: LogKind}, pulse.DefaultTiming, slog.Default())
	require.NoError(t, err)

	ch, err := p.Acquire(context.Background(), Target{Pin: "P22"})
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	_, err = Open(Config{Kind: "nope"}, pulse.DefaultTiming, nil)
	assert.Error(t, err)
}
