package collector

import (
	"context"

	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/model"
)

// buildSearcher is the slice of the platform API the build collector uses.
type buildSearcher interface {
	HeroBuilds(ctx context.Context, heroID uint32, langs []int32, search string) ([]model.BuildRecord, error)
	HeroIDs(ctx context.Context) ([]uint32, error)
}

// BuildsCollectorConfig tunes the hero-build collector.
type BuildsCollectorConfig struct {
	// Languages to sweep. Empty means the platform default language only.
	Languages []int32
	// SearchPrefixes widen result coverage: the search endpoint caps its
	// result count, so sweeping prefixes surfaces builds a single broad
	// query would miss. Empty means one unfiltered query.
	SearchPrefixes []string
}

// BuildsCollector sweeps community builds one hero per poll, cycling through
// the hero roster. Results are emitted as upsert records keyed by
// (hero, build, version); re-seeing a build is harmless.
type BuildsCollector struct {
	api buildSearcher
	out chan<- model.NormalizedRecord
	cfg BuildsCollectorConfig

	heroes []uint32
	pos    int
}

// NewBuilds creates the hero-build collector.
func NewBuilds(api buildSearcher, out chan<- model.NormalizedRecord, cfg BuildsCollectorConfig) *BuildsCollector {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []int32{0}
	}
	if len(cfg.SearchPrefixes) == 0 {
		cfg.SearchPrefixes = []string{""}
	}
	return &BuildsCollector{api: api, out: out, cfg: cfg}
}

func (c *BuildsCollector) Name() string { return "builds" }

func (c *BuildsCollector) Poll(ctx context.Context) error {
	if c.pos >= len(c.heroes) {
		heroes, err := c.api.HeroIDs(ctx)
		if err != nil {
			return err
		}
		c.heroes = heroes
		c.pos = 0
		if len(heroes) == 0 {
			return nil
		}
	}

	heroID := c.heroes[c.pos]
	c.pos++

	// Dedup within the sweep: the same build shows up under several
	// prefixes.
	seen := make(map[[3]uint32]bool)
	emitted := 0
	for _, prefix := range c.cfg.SearchPrefixes {
		builds, err := c.api.HeroBuilds(ctx, heroID, c.cfg.Languages, prefix)
		if err != nil {
			return err
		}
		for i := range builds {
			b := builds[i]
			key := [3]uint32{b.HeroID, b.BuildID, b.Version}
			if seen[key] {
				continue
			}
			seen[key] = true
			select {
			case c.out <- model.NormalizedRecord{Kind: model.KindBuild, Build: &b}:
				emitted++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	zap.L().Debug("hero builds swept",
		zap.Uint32("hero_id", heroID),
		zap.Int("emitted", emitted),
	)
	return nil
}
