package collector

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riftstats/pipeline/internal/model"
	"github.com/riftstats/pipeline/internal/resilience"
)

// historyFetcher is the slice of the platform API the history collector uses.
type historyFetcher interface {
	MatchHistory(ctx context.Context, accountID uint32, afterMatchID uint64) ([]model.HistoryEntry, error)
}

// historyQueue drains accounts and tracks per-account cursors.
type historyQueue interface {
	NextAccounts(ctx context.Context, limit int) ([]uint32, error)
	HistoryCursor(ctx context.Context, accountID uint32) (uint64, error)
	SetHistoryCursor(ctx context.Context, accountID uint32, matchID uint64) error
}

// HistoryCollectorConfig tunes the match-history collector.
type HistoryCollectorConfig struct {
	BatchSize   int
	Concurrency int
}

// HistoryCollector drains the account queue and fetches each account's match
// history past its cursor. The cursor only advances after every fetched
// entry has been handed to ingestion, so a crash re-fetches rather than
// skips.
type HistoryCollector struct {
	api  historyFetcher
	meta historyQueue
	out  chan<- model.NormalizedRecord
	cfg  HistoryCollectorConfig
}

// NewHistory creates the match-history collector.
func NewHistory(api historyFetcher, meta historyQueue, out chan<- model.NormalizedRecord, cfg HistoryCollectorConfig) *HistoryCollector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return &HistoryCollector{api: api, meta: meta, out: out, cfg: cfg}
}

func (c *HistoryCollector) Name() string { return "history" }

func (c *HistoryCollector) Poll(ctx context.Context) error {
	accounts, err := c.meta.NextAccounts(ctx, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, accountID := range accounts {
		g.Go(func() error {
			if err := c.fetchAccount(ctx, accountID); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// A private or deleted account is not a collector failure.
				if resilience.IsRejected(err) {
					zap.L().Debug("history unavailable",
						zap.Uint32("account_id", accountID), zap.Error(err))
					return nil
				}
				zap.L().Warn("history fetch failed",
					zap.Uint32("account_id", accountID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *HistoryCollector) fetchAccount(ctx context.Context, accountID uint32) error {
	cursor, err := c.meta.HistoryCursor(ctx, accountID)
	if err != nil {
		return err
	}

	entries, err := c.api.MatchHistory(ctx, accountID, cursor)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	maxID := cursor
	for i := range entries {
		e := entries[i]
		select {
		case c.out <- model.NormalizedRecord{Kind: model.KindHistory, History: &e}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.MatchID > maxID {
			maxID = e.MatchID
		}
	}

	if maxID > cursor {
		return c.meta.SetHistoryCursor(ctx, accountID, maxID)
	}
	return nil
}
