// Package runlight drives chains of WS2812B LEDs with a repeating color
// sequence that runs along the chain.
package runlight

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"libdb.so/runlight/internal/output"
)

// Runner is the main runlight daemon. It shifts and transmits every
// configured chain at the configured rate.
type Runner struct {
	cfg    *Config
	logger *slog.Logger
	periph output.Peripheral
}

// NewRunner creates a new runlight daemon.
func NewRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	periph, err := output.Open(cfg.Output, cfg.Timing.Timing(), logger)
	if err != nil {
		return nil, err
	}

	return newRunner(cfg, logger, periph), nil
}

func newRunner(cfg *Config, logger *slog.Logger, periph output.Peripheral) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		logger: logger,
		periph: periph,
	}
}

// Run starts the daemon. It blocks until the given context is canceled or a
// chain fails to start.
func (r *Runner) Run(ctx context.Context) error {
	chains := make([]*Chain, len(r.cfg.Chains))
	for i, cfg := range r.cfg.Chains {
		c, err := r.newChain(cfg)
		if err != nil {
			return errors.Wrapf(err, "chain %d", i)
		}
		chains[i] = c
	}

	errg, ctx := errgroup.WithContext(ctx)
	for i, c := range chains {
		c := c
		static := r.cfg.Chains[i].Static
		errg.Go(func() error {
			return r.runChain(ctx, c, static)
		})
	}

	return errg.Wait()
}

func (r *Runner) newChain(cfg ChainConfig) (*Chain, error) {
	seq, err := cfg.BuildSequence()
	if err != nil {
		return nil, errors.Wrap(err, "invalid sequence")
	}

	c, err := NewChain(cfg.LEDs, cfg.Pin, ChainOptions{
		Channel:    cfg.Channel,
		Timing:     r.cfg.Timing.Timing(),
		Deadline:   time.Duration(r.cfg.Deadline),
		Peripheral: r.periph,
	})
	if err != nil {
		return nil, err
	}

	if err := c.SetSequence(seq); err != nil {
		return nil, err
	}

	return c, nil
}

func (r *Runner) runChain(ctx context.Context, c *Chain, static bool) error {
	logger := r.logger.With(
		"pin", c.Target().Pin,
		"channel", c.Target().Channel,
		"leds", c.LEDCount())

	logger.Debug("starting chain", "static", static)
	sent := r.transmit(ctx, logger, c)

	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.Rate))
	defer ticker.Stop()

	for {
		if static && sent {
			// Nothing changes on a static chain once it has been sent.
			ticker.Stop()
			<-ctx.Done()
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !static {
				if err := c.Shift(); err != nil {
					return errors.Wrap(err, "failed to shift")
				}
			}
			sent = r.transmit(ctx, logger, c)
		}
	}
}

// transmit sends the chain's frame and reports whether it went through. A
// failed frame is dropped; the next tick sends a fresh one.
func (r *Runner) transmit(ctx context.Context, logger *slog.Logger, c *Chain) bool {
	err := c.Transmit(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Warn(
			"failed to transmit frame",
			"shift_pos", c.ShiftPos(),
			"error", err)
	}
	return err == nil
}
