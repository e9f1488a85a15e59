// Package retention runs the periodic TTL sweep over the envelope store.
// Inbox-cap eviction happens inline on every insert (see internal/envelope),
// so the only background retention concern is expiring envelopes whose TTL
// has elapsed without ever being delivered.
package retention

import (
	"context"
	"time"

	"github.com/duskline/relay/internal/telemetry"
)

// Sweeper deletes expired rows, returning how many were removed.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Worker periodically invokes a Sweeper.
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
	log      *telemetry.Logger
}

// DefaultInterval is how often the sweep runs absent an explicit override.
const DefaultInterval = 5 * time.Minute

// New constructs a retention Worker.
func New(sweeper Sweeper, interval time.Duration, log *telemetry.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = telemetry.Nop
	}
	return &Worker{sweeper: sweeper, interval: interval, log: log}
}

// Run sweeps once immediately, then on every interval, until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.sweepOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	n, err := w.sweeper.SweepExpired(ctx)
	if err != nil {
		w.log.Warn(ctx, "retention sweep failed", map[string]any{"error": err.Error()})
		return
	}
	if n > 0 {
		w.log.Info(ctx, "retention sweep removed expired envelopes", map[string]any{"count": n})
	}
}
