// Package collector implements the polling collectors that pull match
// telemetry from the platform API and hand normalized records to ingestion.
package collector

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Poller is one collector's unit of work, invoked on a fixed cadence.
type Poller interface {
	Name() string
	Poll(ctx context.Context) error
}

// Run polls p immediately and then on every interval tick until the context
// is canceled. Poll errors are logged and do not stop the loop; only context
// cancellation ends it.
func Run(ctx context.Context, p Poller, interval time.Duration) error {
	log := zap.L().With(zap.String("collector", p.Name()))
	log.Info("collector started", zap.Duration("interval", interval))

	// Small startup jitter so co-scheduled collectors don't align their
	// first requests.
	if interval >= 10*time.Second {
		jitter := time.Duration(rand.Int64N(int64(interval / 10)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info("collector stopped")
				return ctx.Err()
			}
			log.Error("poll failed", zap.Error(err))
		} else {
			log.Debug("poll complete", zap.Duration("took", time.Since(start)))
		}

		select {
		case <-ctx.Done():
			log.Info("collector stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunAll runs each poller on its own cadence. One poller's failure never
// affects the others; the group ends when the context is canceled.
func RunAll(ctx context.Context, pollers map[Poller]time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for p, interval := range pollers {
		g.Go(func() error {
			return Run(ctx, p, interval)
		})
	}
	return g.Wait()
}
