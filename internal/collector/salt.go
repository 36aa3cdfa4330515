package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riftstats/pipeline/internal/model"
	"github.com/riftstats/pipeline/internal/resilience"
	"github.com/riftstats/pipeline/pkg/gameapi"
)

// saltResolver is the slice of the platform API the salt collector uses.
type saltResolver interface {
	MatchSalts(ctx context.Context, matchID uint64) (*model.SaltRecord, error)
}

// saltBacklog lists matches still missing a salt row.
type saltBacklog interface {
	MatchIDsMissingSalts(ctx context.Context, limit int) ([]uint64, error)
}

// SaltCollectorConfig tunes the salt collector.
type SaltCollectorConfig struct {
	BatchSize   int
	Concurrency int
	// MaxFailures is the per-match attempt budget before the match is
	// marked terminally failed.
	MaxFailures int
	// RetryDelay is how long a failed match waits before its next attempt.
	RetryDelay time.Duration
}

// SaltCollector resolves replay salts for finished matches. Every failure,
// including an upstream "rate_limited" acknowledgment, counts against the
// match's attempt budget; exhausting the budget emits a terminal failed salt
// record so the match is never retried again.
type SaltCollector struct {
	api   saltResolver
	facts saltBacklog
	out   chan<- model.NormalizedRecord
	cfg   SaltCollectorConfig
	now   func() time.Time

	mu       sync.Mutex
	failures map[uint64]int
	nextTry  map[uint64]time.Time
}

// NewSalt creates the salt collector.
func NewSalt(api saltResolver, facts saltBacklog, out chan<- model.NormalizedRecord, cfg SaltCollectorConfig) *SaltCollector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 30
	}
	return &SaltCollector{
		api:      api,
		facts:    facts,
		out:      out,
		cfg:      cfg,
		now:      time.Now,
		failures: make(map[uint64]int),
		nextTry:  make(map[uint64]time.Time),
	}
}

func (c *SaltCollector) Name() string { return "salts" }

func (c *SaltCollector) Poll(ctx context.Context) error {
	ids, err := c.facts.MatchIDsMissingSalts(ctx, c.cfg.BatchSize)
	if err != nil {
		return err
	}

	now := c.now()
	var due []uint64
	c.mu.Lock()
	for _, id := range ids {
		if t, ok := c.nextTry[id]; ok && now.Before(t) {
			continue
		}
		due = append(due, id)
	}
	c.mu.Unlock()
	if len(due) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, id := range due {
		g.Go(func() error {
			return c.resolve(ctx, id)
		})
	}
	return g.Wait()
}

func (c *SaltCollector) resolve(ctx context.Context, matchID uint64) error {
	salt, err := c.api.MatchSalts(ctx, matchID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.recordFailure(ctx, matchID, err)
	}

	c.mu.Lock()
	delete(c.failures, matchID)
	delete(c.nextTry, matchID)
	c.mu.Unlock()

	select {
	case c.out <- model.NormalizedRecord{Kind: model.KindSalt, Salt: salt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SaltCollector) recordFailure(ctx context.Context, matchID uint64, cause error) error {
	c.mu.Lock()
	c.failures[matchID]++
	n := c.failures[matchID]
	c.nextTry[matchID] = c.now().Add(c.cfg.RetryDelay)
	exhausted := n >= c.cfg.MaxFailures
	if exhausted {
		delete(c.failures, matchID)
		delete(c.nextTry, matchID)
	}
	c.mu.Unlock()

	rateLimited := resilience.IsRateLimited(cause) || errors.Is(cause, gameapi.ErrSaltsUnavailable)
	zap.L().Warn("salt fetch failed",
		zap.Uint64("match_id", matchID),
		zap.Int("failures", n),
		zap.Bool("rate_limited", rateLimited),
		zap.Error(cause),
	)

	if !exhausted {
		return nil
	}

	zap.L().Error("salt fetch abandoned",
		zap.Uint64("match_id", matchID),
		zap.Int("attempts", n),
	)
	select {
	case c.out <- model.NormalizedRecord{
		Kind: model.KindSalt,
		Salt: &model.SaltRecord{MatchID: matchID, Failed: true},
	}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
