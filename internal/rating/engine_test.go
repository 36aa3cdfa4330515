package rating

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftstats/pipeline/internal/model"
)

type fakeRatingStore struct {
	checkpoint uint64
	matches    []model.RatingMatch
	stored     map[uint32]model.RatingState
	inserted   []model.RatingState

	scannedAfter uint64
}

func (f *fakeRatingStore) RatingCheckpoint(context.Context) (uint64, error) {
	return f.checkpoint, nil
}

func (f *fakeRatingStore) MatchesForRating(_ context.Context, after uint64, _ int) ([]model.RatingMatch, error) {
	f.scannedAfter = after
	var out []model.RatingMatch
	for _, m := range f.matches {
		if m.MatchID > after {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRatingStore) LatestRatings(_ context.Context, ids []uint32) (map[uint32]model.RatingState, error) {
	out := make(map[uint32]model.RatingState)
	for _, id := range ids {
		if st, ok := f.stored[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (f *fakeRatingStore) InsertRatings(_ context.Context, states []model.RatingState) error {
	f.inserted = append(f.inserted, states...)
	return nil
}

func ratingMatch(matchID uint64, start time.Time, winner model.Team) model.RatingMatch {
	return model.RatingMatch{
		MatchID:     matchID,
		StartTime:   start,
		Team0:       []uint32{1, 2},
		Team1:       []uint32{3, 4},
		WinningTeam: winner,
	}
}

func TestFold_SeedsUnseenAccountsFromLobbyBadge(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	f := newFold(DefaultParams(), nil)

	m := ratingMatch(42, start, model.Team0)
	m.AvgBadge0 = 91 // Phantom 1
	m.AvgBadge1 = 31 // Alchemist 1
	f.seedFromBadges(&m)

	assert.InDelta(t, BadgeMu(91), f.states[1].Mu, 1e-9)
	assert.InDelta(t, BadgeMu(91), f.states[2].Mu, 1e-9)
	assert.InDelta(t, BadgeMu(31), f.states[3].Mu, 1e-9)
	assert.Greater(t, f.states[1].Mu, f.states[3].Mu,
		"a higher-ranked lobby starts above a lower-ranked one")

	// Known accounts keep their history; lobbies without badges stay at
	// the global seed.
	known := f.states[1]
	bare := ratingMatch(43, start.Add(time.Hour), model.Team0)
	bare.Team1 = []uint32{5, 6}
	f.seedFromBadges(&bare)
	assert.Equal(t, known, f.states[1])
	_, seeded := f.states[5]
	assert.False(t, seeded)
}

func TestEngine_RatesPastCheckpointOnly(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	facts := &fakeRatingStore{
		checkpoint: 100,
		matches: []model.RatingMatch{
			ratingMatch(100, start, model.Team0),
			ratingMatch(101, start.Add(time.Hour), model.Team0),
		},
	}
	e := NewEngine(facts, EngineConfig{Params: DefaultParams()})

	rated, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rated)
	assert.Equal(t, uint64(100), facts.scannedAfter)
	require.Len(t, facts.inserted, 4, "one snapshot per participant")
	for _, st := range facts.inserted {
		assert.Equal(t, uint64(101), st.MatchID)
	}
}

func TestEngine_WinnersGainLosersLose(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	facts := &fakeRatingStore{
		matches: []model.RatingMatch{ratingMatch(42, start, model.Team0)},
	}
	e := NewEngine(facts, EngineConfig{Params: DefaultParams()})

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	byAccount := make(map[uint32]model.RatingState)
	for _, st := range facts.inserted {
		byAccount[st.AccountID] = st
	}
	assert.Positive(t, byAccount[1].Mu)
	assert.Positive(t, byAccount[2].Mu)
	assert.Negative(t, byAccount[3].Mu)
	assert.Negative(t, byAccount[4].Mu)
	for _, st := range byAccount {
		assert.Less(t, st.Phi, DefaultParams().PhiSeed)
	}
}

func TestEngine_IntraBatchUpdatesCarryForward(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	facts := &fakeRatingStore{
		matches: []model.RatingMatch{
			ratingMatch(42, start, model.Team0),
			ratingMatch(43, start.Add(time.Hour), model.Team0),
		},
	}
	e := NewEngine(facts, EngineConfig{Params: DefaultParams()})

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	var first, second model.RatingState
	for _, st := range facts.inserted {
		if st.AccountID == 1 && st.MatchID == 42 {
			first = st
		}
		if st.AccountID == 1 && st.MatchID == 43 {
			second = st
		}
	}
	assert.Greater(t, second.Mu, first.Mu, "second win builds on the first update")
	assert.Less(t, second.Phi, first.Phi)
}

func TestEngine_SkipsMalformedMatches(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	noRoster := model.RatingMatch{MatchID: 50, StartTime: start, Team0: []uint32{1}, WinningTeam: model.Team0}
	noWinner := ratingMatch(51, start, model.TeamUnknown)
	facts := &fakeRatingStore{
		matches: []model.RatingMatch{noRoster, noWinner, ratingMatch(52, start, model.Team1)},
	}
	e := NewEngine(facts, EngineConfig{Params: DefaultParams()})

	rated, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rated)
	assert.Len(t, facts.inserted, 4)
}

func TestEngine_ResumesFromStoredStates(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	stored := map[uint32]model.RatingState{
		1: {AccountID: 1, MatchID: 10, Mu: 1.2, Phi: 0.3, Sigma: 0.06, RatedAt: start.Add(-time.Hour)},
	}
	facts := &fakeRatingStore{
		checkpoint: 10,
		stored:     stored,
		matches:    []model.RatingMatch{ratingMatch(42, start, model.Team1)},
	}
	e := NewEngine(facts, EngineConfig{Params: DefaultParams()})

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	var st model.RatingState
	for _, s := range facts.inserted {
		if s.AccountID == 1 {
			st = s
		}
	}
	assert.Less(t, st.Mu, 1.2, "stored rating moved down by the loss")
	assert.Greater(t, st.Mu, 0.0, "prior rating is the starting point, not the seed")
}

func TestEngine_ReversedScanOrderConvergesToSameRatings(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	ordered := []model.RatingMatch{
		ratingMatch(42, start, model.Team0),
		ratingMatch(43, start.Add(time.Hour), model.Team1),
		ratingMatch(44, start.Add(2*time.Hour), model.Team0),
	}
	reversed := []model.RatingMatch{ordered[2], ordered[1], ordered[0]}

	run := func(matches []model.RatingMatch) map[uint32]model.RatingState {
		facts := &fakeRatingStore{matches: matches}
		e := NewEngine(facts, EngineConfig{Params: DefaultParams()})
		_, err := e.RunOnce(context.Background())
		require.NoError(t, err)
		final := make(map[uint32]model.RatingState)
		for _, st := range facts.inserted {
			if cur, ok := final[st.AccountID]; !ok || st.MatchID > cur.MatchID {
				final[st.AccountID] = st
			}
		}
		return final
	}

	fromOrdered := run(ordered)
	fromReversed := run(reversed)
	require.Len(t, fromReversed, 4)
	for id, want := range fromOrdered {
		got := fromReversed[id]
		assert.InDelta(t, want.Mu, got.Mu, 1e-12)
		assert.InDelta(t, want.Phi, got.Phi, 1e-12)
		assert.InDelta(t, want.Sigma, got.Sigma, 1e-12)
	}
}

func TestEngine_EmptyScanIsNoOp(t *testing.T) {
	facts := &fakeRatingStore{checkpoint: 10}
	e := NewEngine(facts, EngineConfig{Params: DefaultParams()})

	rated, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rated)
	assert.Empty(t, facts.inserted)
}
