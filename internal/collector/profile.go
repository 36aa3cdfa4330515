package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/model"
)

// profileFetcher is the slice of the platform API the profile collector uses.
type profileFetcher interface {
	Profiles(ctx context.Context, accountIDs []uint32) ([]model.ProfileRecord, error)
}

// profileBacklog lists accounts with stale stored profiles.
type profileBacklog interface {
	StaleProfileAccounts(ctx context.Context, before time.Time, limit int) ([]uint32, error)
}

// protectedLister lists accounts whose profiles must never be retracted.
type protectedLister interface {
	ProtectedAccounts(ctx context.Context) (map[uint32]bool, error)
}

// ProfileCollectorConfig tunes the profile collector.
type ProfileCollectorConfig struct {
	BatchSize  int
	StaleAfter time.Duration
}

// ProfileCollector refreshes profiles older than the staleness cutoff.
// Accounts the platform no longer serves are emitted as retractions unless
// they are protected.
type ProfileCollector struct {
	api       profileFetcher
	facts     profileBacklog
	meta      protectedLister
	out       chan<- model.NormalizedRecord
	cfg       ProfileCollectorConfig
	now       func() time.Time
}

// NewProfiles creates the profile collector.
func NewProfiles(api profileFetcher, facts profileBacklog, meta protectedLister, out chan<- model.NormalizedRecord, cfg ProfileCollectorConfig) *ProfileCollector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 14 * 24 * time.Hour
	}
	return &ProfileCollector{api: api, facts: facts, meta: meta, out: out, cfg: cfg, now: time.Now}
}

func (c *ProfileCollector) Name() string { return "profiles" }

func (c *ProfileCollector) Poll(ctx context.Context) error {
	cutoff := c.now().Add(-c.cfg.StaleAfter)
	accounts, err := c.facts.StaleProfileAccounts(ctx, cutoff, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	profiles, err := c.api.Profiles(ctx, accounts)
	if err != nil {
		return err
	}

	returned := make(map[uint32]bool, len(profiles))
	for i := range profiles {
		p := profiles[i]
		returned[p.AccountID] = true
		select {
		case c.out <- model.NormalizedRecord{Kind: model.KindProfile, Profile: &p}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	missing := make([]uint32, 0)
	for _, id := range accounts {
		if !returned[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	protected, err := c.meta.ProtectedAccounts(ctx)
	if err != nil {
		return err
	}
	for _, id := range missing {
		if protected[id] {
			continue
		}
		zap.L().Info("profile no longer served, retracting", zap.Uint32("account_id", id))
		select {
		case c.out <- model.NormalizedRecord{
			Kind:    model.KindProfile,
			Profile: &model.ProfileRecord{AccountID: id, Retracted: true},
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
