package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/model"
)

// activeLister is the slice of the platform API the active collector uses.
type activeLister interface {
	ActiveMatches(ctx context.Context) ([]model.ActiveMatch, error)
}

// accountEnqueuer registers accounts for history fetching.
type accountEnqueuer interface {
	EnqueueAccounts(ctx context.Context, accountIDs []uint32) error
}

// ActiveCollectorConfig tunes the active-match collector.
type ActiveCollectorConfig struct {
	// DedupWindow is how long an unchanged snapshot stays suppressed.
	DedupWindow time.Duration
	// FinishedAfter is how long a match must be absent from the live list
	// before its players are queued for history fetching. Defaults to two
	// dedup windows.
	FinishedAfter time.Duration
}

// ActiveCollector polls the live match list, emits changed snapshots, and
// queues the players of finished matches for history fetching.
type ActiveCollector struct {
	api  activeLister
	meta accountEnqueuer
	out  chan<- model.NormalizedRecord
	seen *SeenSet[model.ActiveMatchKey]

	finishedAfter time.Duration
	now           func() time.Time

	// tracked maps live match ids to their last sighting and roster.
	tracked map[uint64]trackedMatch
}

type trackedMatch struct {
	lastSeen time.Time
	accounts []uint32
}

// NewActive creates the active-match collector.
func NewActive(api activeLister, meta accountEnqueuer, out chan<- model.NormalizedRecord, cfg ActiveCollectorConfig) *ActiveCollector {
	finishedAfter := cfg.FinishedAfter
	if finishedAfter <= 0 {
		finishedAfter = 2 * cfg.DedupWindow
	}
	return &ActiveCollector{
		api:           api,
		meta:          meta,
		out:           out,
		seen:          NewSeenSet[model.ActiveMatchKey](cfg.DedupWindow),
		finishedAfter: finishedAfter,
		now:           time.Now,
		tracked:       make(map[uint64]trackedMatch),
	}
}

func (c *ActiveCollector) Name() string { return "active" }

func (c *ActiveCollector) Poll(ctx context.Context) error {
	snaps, err := c.api.ActiveMatches(ctx)
	if err != nil {
		return err
	}

	now := c.now()
	emitted := 0
	for i := range snaps {
		snap := snaps[i]

		accounts := make([]uint32, 0, len(snap.Players))
		for _, p := range snap.Players {
			accounts = append(accounts, p.AccountID)
		}
		c.tracked[snap.MatchID] = trackedMatch{lastSeen: now, accounts: accounts}

		if !c.seen.Observe(snap.DedupKey()) {
			continue
		}
		select {
		case c.out <- model.NormalizedRecord{Kind: model.KindActiveMatch, Active: &snap}:
			emitted++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.flushFinished(ctx, now); err != nil {
		return err
	}

	zap.L().Debug("active matches polled",
		zap.Int("live", len(snaps)),
		zap.Int("emitted", emitted),
		zap.Int("tracked", len(c.tracked)),
	)
	return nil
}

// flushFinished queues the rosters of matches that dropped off the live list
// long enough ago to be considered over.
func (c *ActiveCollector) flushFinished(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-c.finishedAfter)
	var finished []uint32
	for id, tm := range c.tracked {
		if tm.lastSeen.Before(cutoff) {
			finished = append(finished, tm.accounts...)
			delete(c.tracked, id)
		}
	}
	if len(finished) == 0 {
		return nil
	}
	return c.meta.EnqueueAccounts(ctx, finished)
}
