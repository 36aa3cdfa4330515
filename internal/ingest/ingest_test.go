package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftstats/pipeline/internal/model"
	"github.com/riftstats/pipeline/internal/store"
)

type fakeFacts struct {
	matches  []model.MatchRecord
	players  []store.PlayerRow
	actives  []model.ActiveMatch
	salts    []model.SaltRecord
	history  []model.HistoryEntry
	profiles []model.ProfileRecord
	deleted  []uint32

	outcomes map[uint64]model.Team
	liveRows map[uint64][]store.PlayerRow

	matchInsertCalls  int
	failMatchInserts  int
	playerInsertCalls int
	failPlayerInserts int
	saltInsertCalls   int
	failSaltInserts   int
	committedOverride map[uint64]bool
}

func (f *fakeFacts) InsertMatches(_ context.Context, matches []model.MatchRecord) error {
	f.matchInsertCalls++
	if f.matchInsertCalls <= f.failMatchInserts {
		return eris.New("socket reset mid-batch")
	}
	f.matches = append(f.matches, matches...)
	return nil
}

func (f *fakeFacts) InsertMatchPlayers(_ context.Context, rows []store.PlayerRow) error {
	f.playerInsertCalls++
	if f.playerInsertCalls <= f.failPlayerInserts {
		return eris.New("socket reset mid-batch")
	}
	f.players = append(f.players, rows...)
	return nil
}

func (f *fakeFacts) InsertActiveMatches(_ context.Context, snaps []model.ActiveMatch, _ time.Time) error {
	f.actives = append(f.actives, snaps...)
	return nil
}

func (f *fakeFacts) InsertHistory(_ context.Context, entries []model.HistoryEntry) error {
	f.history = append(f.history, entries...)
	return nil
}

func (f *fakeFacts) InsertSalts(_ context.Context, salts []model.SaltRecord) error {
	f.saltInsertCalls++
	if f.saltInsertCalls <= f.failSaltInserts {
		return eris.New("socket reset mid-batch")
	}
	f.salts = append(f.salts, salts...)
	return nil
}

func (f *fakeFacts) InsertProfiles(_ context.Context, profiles []model.ProfileRecord) error {
	f.profiles = append(f.profiles, profiles...)
	return nil
}

func (f *fakeFacts) DeleteProfiles(_ context.Context, ids []uint32) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeFacts) CommittedMatchIDs(_ context.Context, ids []uint64) (map[uint64]bool, error) {
	if f.committedOverride != nil {
		return f.committedOverride, nil
	}
	out := make(map[uint64]bool)
	for _, m := range f.matches {
		out[m.MatchID] = true
	}
	return out, nil
}

func (f *fakeFacts) CommittedOutcomes(_ context.Context, ids []uint64) (map[uint64]model.Team, error) {
	out := make(map[uint64]model.Team)
	for _, id := range ids {
		if team, ok := f.outcomes[id]; ok {
			out[id] = team
		}
	}
	return out, nil
}

func (f *fakeFacts) CommittedPlayerRows(_ context.Context, matchID uint64) ([]store.PlayerRow, error) {
	return f.liveRows[matchID], nil
}

type fakeMeta struct {
	quarantined []store.QuarantineRow
	builds      []model.BuildRecord
}

func (f *fakeMeta) Quarantine(_ context.Context, rows []store.QuarantineRow) error {
	f.quarantined = append(f.quarantined, rows...)
	return nil
}

func (f *fakeMeta) UpsertBuilds(_ context.Context, builds []model.BuildRecord) (int64, error) {
	f.builds = append(f.builds, builds...)
	return int64(len(builds)), nil
}

func matchRecord(matchID uint64, winner model.Team) model.MatchRecord {
	return model.MatchRecord{
		MatchID:     matchID,
		StartTime:   time.Unix(1700000000, 0).UTC(),
		DurationS:   1800,
		WinningTeam: winner,
		MatchMode:   model.ModeRanked,
		Players: []model.PlayerParticipation{
			{AccountID: 1, Team: model.Team0, HeroID: 10, Kills: 5},
			{AccountID: 2, Team: model.Team1, HeroID: 11, Deaths: 5},
		},
	}
}

func matchBatch(matches ...model.MatchRecord) []model.NormalizedRecord {
	out := make([]model.NormalizedRecord, len(matches))
	for i := range matches {
		out[i] = model.NormalizedRecord{Kind: model.KindMatch, Match: &matches[i]}
	}
	return out
}

func TestIngest_FreshMatchCommitsSignedPlayerRows(t *testing.T) {
	facts := &fakeFacts{}
	meta := &fakeMeta{}
	in := New(facts, meta)

	report, err := in.Ingest(context.Background(), matchBatch(matchRecord(42, model.Team0)))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Committed)
	assert.Zero(t, report.Quarantined)
	require.Len(t, facts.matches, 1)
	require.Len(t, facts.players, 2)
	for _, row := range facts.players {
		assert.Equal(t, int8(1), row.Sign)
		assert.Equal(t, model.Team0, row.WinningTeam)
		assert.Equal(t, uint64(42), row.MatchID)
	}
}

func TestIngest_ReingestSameOutcomeIsNoOp(t *testing.T) {
	rec := matchRecord(42, model.Team0)
	facts := &fakeFacts{
		outcomes: map[uint64]model.Team{42: model.Team0},
		liveRows: map[uint64][]store.PlayerRow{42: assertRows(&rec)},
	}
	in := New(facts, &fakeMeta{})

	report, err := in.Ingest(context.Background(), matchBatch(matchRecord(42, model.Team0)))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Committed)
	assert.Empty(t, facts.matches)
	assert.Empty(t, facts.players)
}

func TestIngest_OutcomeCorrectionRetractsAndReasserts(t *testing.T) {
	live := assertRows(&model.MatchRecord{
		MatchID:     42,
		StartTime:   time.Unix(1700000000, 0).UTC(),
		WinningTeam: model.Team0,
		Players: []model.PlayerParticipation{
			{AccountID: 1, Team: model.Team0},
			{AccountID: 2, Team: model.Team1},
		},
	})
	facts := &fakeFacts{
		outcomes: map[uint64]model.Team{42: model.Team0},
		liveRows: map[uint64][]store.PlayerRow{42: live},
	}
	in := New(facts, &fakeMeta{})

	report, err := in.Ingest(context.Background(), matchBatch(matchRecord(42, model.Team1)))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Corrected)
	require.Len(t, facts.players, 4)

	var retractions, assertions int
	for _, row := range facts.players {
		switch row.Sign {
		case -1:
			retractions++
			assert.Equal(t, model.Team0, row.WinningTeam)
		case 1:
			assertions++
			assert.Equal(t, model.Team1, row.WinningTeam)
		}
	}
	assert.Equal(t, 2, retractions)
	assert.Equal(t, 2, assertions)
}

func TestIngest_PartialFailureRetriesOnlyRemainder(t *testing.T) {
	// First insert attempt dies, but match 42 made it in before the failure.
	facts := &fakeFacts{
		failMatchInserts:  1,
		committedOverride: map[uint64]bool{42: true},
	}
	in := New(facts, &fakeMeta{})

	report, err := in.Ingest(context.Background(),
		matchBatch(matchRecord(42, model.Team0), matchRecord(43, model.Team1)))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Committed)
	assert.Equal(t, 2, facts.matchInsertCalls)
	require.Len(t, facts.matches, 1, "only the uncommitted match is retried")
	assert.Equal(t, uint64(43), facts.matches[0].MatchID)
}

func TestIngest_ReingestRepairsMissingPlayerRows(t *testing.T) {
	// The first run committed the info row but died before any player row
	// landed, including the in-batch recovery retry.
	facts := &fakeFacts{failPlayerInserts: 2}
	in := New(facts, &fakeMeta{})

	_, err := in.Ingest(context.Background(), matchBatch(matchRecord(42, model.Team0)))
	require.Error(t, err)
	require.Len(t, facts.matches, 1)
	require.Empty(t, facts.players)

	facts.outcomes = map[uint64]model.Team{42: model.Team0}
	report, err := in.Ingest(context.Background(), matchBatch(matchRecord(42, model.Team0)))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	require.Len(t, facts.players, 2, "player rows for match 42 must exist after re-ingest")
	for _, row := range facts.players {
		assert.Equal(t, int8(1), row.Sign)
		assert.Equal(t, uint64(42), row.MatchID)
	}
}

func TestIngest_ReingestAssertsOnlyMissingPlayerRows(t *testing.T) {
	rec := matchRecord(42, model.Team0)
	full := assertRows(&rec)
	facts := &fakeFacts{
		outcomes: map[uint64]model.Team{42: model.Team0},
		liveRows: map[uint64][]store.PlayerRow{42: full[:1]},
	}
	in := New(facts, &fakeMeta{})

	report, err := in.Ingest(context.Background(), matchBatch(rec))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	require.Len(t, facts.players, 1, "only the absent row is re-asserted")
	assert.Equal(t, uint32(2), facts.players[0].AccountID)
}

func TestIngest_PlayerRowFailureRetriesOnlyRemainder(t *testing.T) {
	// The write failed after one account's row took effect; only the other
	// row is retried.
	rec := matchRecord(42, model.Team0)
	full := assertRows(&rec)
	facts := &fakeFacts{
		failPlayerInserts: 1,
		liveRows:          map[uint64][]store.PlayerRow{42: full[:1]},
	}
	in := New(facts, &fakeMeta{})

	report, err := in.Ingest(context.Background(), matchBatch(rec))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 2, facts.playerInsertCalls)
	require.Len(t, facts.players, 1, "only the uncommitted row is retried")
	assert.Equal(t, uint32(2), facts.players[0].AccountID)
}

func TestIngest_InvalidRecordsAreQuarantinedNotDropped(t *testing.T) {
	facts := &fakeFacts{}
	meta := &fakeMeta{}
	in := New(facts, meta)

	bad := matchRecord(0, model.Team0)
	noWinner := matchRecord(44, model.TeamUnknown)
	good := matchRecord(42, model.Team0)

	report, err := in.Ingest(context.Background(), matchBatch(bad, noWinner, good))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Quarantined)
	assert.Equal(t, 1, report.Committed)
	require.Len(t, meta.quarantined, 2)
	assert.Equal(t, "match", meta.quarantined[0].Kind)
	assert.Equal(t, "match_id is zero", meta.quarantined[0].Reason)
	assert.Equal(t, "winning_team out of range", meta.quarantined[1].Reason)
	assert.NotEmpty(t, meta.quarantined[0].ID)
	assert.NotEmpty(t, meta.quarantined[0].Payload)
}

func TestIngest_ProfileRetractionDeletesRow(t *testing.T) {
	facts := &fakeFacts{}
	in := New(facts, &fakeMeta{})

	report, err := in.Ingest(context.Background(), []model.NormalizedRecord{
		{Kind: model.KindProfile, Profile: &model.ProfileRecord{AccountID: 1001, Personaname: "alpha"}},
		{Kind: model.KindProfile, Profile: &model.ProfileRecord{AccountID: 1002, Retracted: true}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 1, report.Retracted)
	require.Len(t, facts.profiles, 1)
	assert.Equal(t, []uint32{1002}, facts.deleted)
}

func TestIngest_RoutesRemainingKinds(t *testing.T) {
	facts := &fakeFacts{}
	meta := &fakeMeta{}
	in := New(facts, meta)

	report, err := in.Ingest(context.Background(), []model.NormalizedRecord{
		{Kind: model.KindSalt, Salt: &model.SaltRecord{MatchID: 42, MetadataSalt: 1}},
		{Kind: model.KindHistory, History: &model.HistoryEntry{AccountID: 1, MatchID: 42}},
		{Kind: model.KindActiveMatch, Active: &model.ActiveMatch{MatchID: 42}},
		{Kind: model.KindBuild, Build: &model.BuildRecord{HeroID: 15, BuildID: 900, Version: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Committed)
	assert.Len(t, facts.salts, 1)
	assert.Len(t, facts.history, 1)
	assert.Len(t, facts.actives, 1)
	assert.Len(t, meta.builds, 1)
}

func TestIngest_TerminalFailedSaltIsValid(t *testing.T) {
	facts := &fakeFacts{}
	in := New(facts, &fakeMeta{})

	report, err := in.Ingest(context.Background(), []model.NormalizedRecord{
		{Kind: model.KindSalt, Salt: &model.SaltRecord{MatchID: 42, Failed: true}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Committed)
	assert.Zero(t, report.Quarantined)
	require.Len(t, facts.salts, 1)
	assert.True(t, facts.salts[0].Failed)
}
