package runlight

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libdb.so/runlight/internal/led"
	"libdb.so/runlight/internal/output"
)

func testRunnerConfig() *Config {
	return &Config{
		Rate:   100,
		Output: output.Config{Kind: output.LogKind},
		Chains: []ChainConfig{
			{LEDs: 3, Pin: "P22", Sequence: []any{"#ff0000", "#00ff00"}},
			{LEDs: 2, Pin: "P23", Channel: 1, Sequence: []any{"#0000ff"}, Static: true},
		},
	}
}

func TestRunner(t *testing.T) {
	cfg := testRunnerConfig()
	require.NoError(t, cfg.Validate())

	rec := &recorder{}
	r := newRunner(cfg, nil, output.Exclusive(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var moving, static []sentFrame
	for _, f := range rec.sent() {
		switch f.target.Pin {
		case "P22":
			moving = append(moving, f)
		case "P23":
			static = append(static, f)
		}
	}

	require.Len(t, static, 1, "static chain is sent once")
	assert.Equal(t, output.Target{Pin: "P23", Channel: 1}, static[0].target)
	assert.Equal(t, led.Sequence{led.RGB(0, 0, 255), led.RGB(0, 0, 255)}, decodeFrame(t, static[0].pulses))

	require.Greater(t, len(moving), 2, "moving chain is shifted")
	assert.Equal(t,
		led.Sequence{led.RGB(255, 0, 0), led.RGB(0, 255, 0), led.RGB(255, 0, 0)},
		decodeFrame(t, moving[0].pulses))
	assert.Equal(t,
		led.Sequence{led.RGB(0, 255, 0), led.RGB(255, 0, 0), led.RGB(0, 255, 0)},
		decodeFrame(t, moving[1].pulses))

	acquired, closed := rec.counts()
	assert.Equal(t, acquired, closed)
}

func TestRunnerTransmitErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	rec := &recorder{sendErr: errors.New("wire unplugged")}
	r := newRunner(testRunnerConfig(), logger, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Failed frames are logged and dropped; the runner keeps going.
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, buf.String(), "failed to transmit frame")
	assert.Contains(t, buf.String(), "wire unplugged")
}

func TestRunnerStaticRetry(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Chains = cfg.Chains[1:]

	rec := &recorder{sendErr: errors.New("controller rebooting"), failSends: 3}
	r := newRunner(cfg, nil, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The static chain is resent on each tick until one frame gets through,
	// then left alone.
	frames := rec.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, led.Sequence{led.RGB(0, 0, 255), led.RGB(0, 0, 255)}, decodeFrame(t, frames[0].pulses))

	acquired, closed := rec.counts()
	assert.Equal(t, 4, acquired)
	assert.Equal(t, acquired, closed)
}

func TestRunnerInvalidChain(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.Chains[0].Sequence = []any{"red"}

	r := newRunner(cfg, nil, &recorder{})
	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrMalformedColorEntry)
}

func TestNewRunner(t *testing.T) {
	r, err := NewRunner(testRunnerConfig(), slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, r)

	cfg := testRunnerConfig()
	cfg.Rate = 0
	_, err = NewRunner(cfg, slog.Default())
	assert.Error(t, err)
}
