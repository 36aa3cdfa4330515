package rating

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/model"
)

// ratingStore is the slice of the fact store the engine reads and writes.
type ratingStore interface {
	RatingCheckpoint(ctx context.Context) (uint64, error)
	MatchesForRating(ctx context.Context, afterMatchID uint64, limit int) ([]model.RatingMatch, error)
	LatestRatings(ctx context.Context, accountIDs []uint32) (map[uint32]model.RatingState, error)
	InsertRatings(ctx context.Context, states []model.RatingState) error
}

// EngineConfig tunes the incremental rating scan.
type EngineConfig struct {
	Params    Params
	ScanLimit int
}

// Engine folds rated matches into per-player Glicko-2 snapshots. Matches are
// processed strictly in (start_time, match_id) order; rating rows are
// append-only and the checkpoint is simply the highest rated match id, so an
// interrupted run resumes without double-rating.
//
// A match the fold rejects is skipped for good once the checkpoint moves
// past its id. That is deliberate: ingestion only commits matches with a
// decided winner and the scan query requires both rosters, so a rejected
// match is a malformed row, not a late outcome, and revisiting it would
// trade the cheap high-water checkpoint for per-match bookkeeping.
type Engine struct {
	facts ratingStore
	cfg   EngineConfig
}

// NewEngine creates the rating engine.
func NewEngine(facts ratingStore, cfg EngineConfig) *Engine {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 100000
	}
	return &Engine{facts: facts, cfg: cfg}
}

func (e *Engine) Name() string { return "rating" }

// Poll rates one scan batch, satisfying the collector runner contract.
func (e *Engine) Poll(ctx context.Context) error {
	_, err := e.RunOnce(ctx)
	return err
}

// RunOnce rates the next batch of matches past the checkpoint and returns
// how many matches were folded.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	checkpoint, err := e.facts.RatingCheckpoint(ctx)
	if err != nil {
		return 0, err
	}

	matches, err := e.facts.MatchesForRating(ctx, checkpoint, e.cfg.ScanLimit)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, nil
	}

	// The scan query orders its results, but folding is only correct in
	// strict (start_time, match_id) order, so sort again here rather than
	// trust the store.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].StartTime.Equal(matches[j].StartTime) {
			return matches[i].MatchID < matches[j].MatchID
		}
		return matches[i].StartTime.Before(matches[j].StartTime)
	})

	accounts := make(map[uint32]bool)
	for i := range matches {
		for _, id := range matches[i].Participants() {
			accounts[id] = true
		}
	}
	ids := make([]uint32, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	stored, err := e.facts.LatestRatings(ctx, ids)
	if err != nil {
		return 0, err
	}

	fold := newFold(e.cfg.Params, stored)
	rated := 0
	var out []model.RatingState
	for i := range matches {
		m := &matches[i]
		states, ok := fold.rate(m)
		if !ok {
			zap.L().Warn("match skipped by rating fold",
				zap.Uint64("match_id", m.MatchID),
				zap.Int("team0", len(m.Team0)),
				zap.Int("team1", len(m.Team1)),
			)
			continue
		}
		out = append(out, states...)
		rated++
	}

	if err := e.facts.InsertRatings(ctx, out); err != nil {
		return 0, err
	}

	fields := []zap.Field{
		zap.Uint64("checkpoint", checkpoint),
		zap.Int("matches", rated),
		zap.Int("skipped", len(matches)-rated),
		zap.Int("snapshots", len(out)),
	}
	if len(out) > 0 {
		var mu, phi float64
		for i := range out {
			mu += out[i].Mu
			phi += out[i].Phi
		}
		mu /= float64(len(out))
		phi /= float64(len(out))
		fields = append(fields,
			zap.Float64("mean_display_rating", DisplayRating(mu)),
			zap.Float64("mean_display_deviation", DisplayDeviation(phi)),
			zap.Uint32("mean_badge", Badge(mu)),
		)
	}
	zap.L().Info("rating batch complete", fields...)
	return rated, nil
}

// fold carries the in-memory rating states across one batch so each match
// sees the updates of the matches rated before it.
type fold struct {
	params Params
	states map[uint32]Rating
	lastAt map[uint32]time.Time
}

func newFold(params Params, stored map[uint32]model.RatingState) *fold {
	f := &fold{
		params: params,
		states: make(map[uint32]Rating, len(stored)),
		lastAt: make(map[uint32]time.Time, len(stored)),
	}
	for id, st := range stored {
		f.states[id] = Rating{Mu: st.Mu, Phi: st.Phi, Sigma: st.Sigma}
		f.lastAt[id] = st.RatedAt
	}
	return f
}

// current returns the player's pre-match rating with inactivity drift
// applied.
func (f *fold) current(accountID uint32, at time.Time) Rating {
	r, ok := f.states[accountID]
	if !ok {
		return f.params.Seed()
	}
	if last, ok := f.lastAt[accountID]; ok {
		r = f.params.Drift(r, at.Sub(last))
	}
	return r
}

// seedFromBadges initializes unseen participants from the lobby's average
// rank badge, anchoring new accounts to the ladder calibration instead of
// the global seed. Lobbies without badge data change nothing.
func (f *fold) seedFromBadges(m *model.RatingMatch) {
	seed := func(team []uint32, badge uint32) {
		if badge == 0 {
			return
		}
		mu := BadgeMu(badge)
		for _, id := range team {
			if _, ok := f.states[id]; !ok {
				f.states[id] = Rating{Mu: mu, Phi: f.params.PhiSeed, Sigma: f.params.SigmaSeed}
				f.lastAt[id] = m.StartTime
			}
		}
	}
	seed(m.Team0, m.AvgBadge0)
	seed(m.Team1, m.AvgBadge1)
}

// rate folds one match, returning the new snapshots for every participant.
// All players are updated from pre-match states. Matches without both
// rosters or a decided winner are rejected.
func (f *fold) rate(m *model.RatingMatch) ([]model.RatingState, bool) {
	if len(m.Team0) == 0 || len(m.Team1) == 0 {
		return nil, false
	}
	if m.WinningTeam != model.Team0 && m.WinningTeam != model.Team1 {
		return nil, false
	}

	f.seedFromBadges(m)

	pre := make(map[uint32]Rating, len(m.Team0)+len(m.Team1))
	for _, id := range m.Participants() {
		pre[id] = f.current(id, m.StartTime)
	}

	composite := func(team []uint32) Rating {
		rs := make([]Rating, len(team))
		for i, id := range team {
			rs[i] = pre[id]
		}
		return CompositeOpponent(rs)
	}
	opp0 := composite(m.Team1)
	opp1 := composite(m.Team0)

	score0, score1 := 0.0, 1.0
	if m.WinningTeam == model.Team0 {
		score0, score1 = 1.0, 0.0
	}

	out := make([]model.RatingState, 0, len(pre))
	apply := func(team []uint32, opp Rating, score float64) {
		for _, id := range team {
			next := f.params.Update(pre[id], opp, score)
			f.states[id] = next
			f.lastAt[id] = m.StartTime
			out = append(out, model.RatingState{
				AccountID: id,
				MatchID:   m.MatchID,
				Mu:        next.Mu,
				Phi:       next.Phi,
				Sigma:     next.Sigma,
				RatedAt:   m.StartTime,
			})
		}
	}
	apply(m.Team0, opp0, score0)
	apply(m.Team1, opp1, score1)

	return out, true
}
