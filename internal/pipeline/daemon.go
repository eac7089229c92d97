package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/bookpipe/internal/mailbox"
)

// errCyclePanic wraps a recovered panic.
var errCyclePanic = errors.New("cycle panicked")

// DefaultInterval is the pause between daemon cycles.
const DefaultInterval = 60 * time.Second

// RunDaemon runs a cycle immediately and then again interval after each
// cycle ends, until ctx is cancelled. Cycle errors and panics are logged
// and never stop the loop.
func (c *Controller) RunDaemon(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}

	c.log.Infow("daemon started", "interval", interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Infow("daemon stopped")
			return nil
		case <-timer.C:
		}

		if _, err := c.safeCycle(ctx); err != nil && ctx.Err() == nil {
			log := c.log.WithError(err)
			if mailbox.IsAuthError(err) {
				log.Errorw("mailbox authentication failed; check credentials or run setup")
			} else {
				log.Errorw("cycle failed")
			}
		}

		timer.Reset(interval)
	}
}

// safeCycle runs one cycle, converting a panic into an error.
func (c *Controller) safeCycle(ctx context.Context) (sum CycleSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errCyclePanic, r)
		}
	}()
	return c.RunOnce(ctx)
}
