// Package ingest owns every durable write in the pipeline. Collectors hand
// it normalized records; it validates them, quarantines rejects, and commits
// the rest idempotently to the fact and meta stores.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/model"
	"github.com/riftstats/pipeline/internal/store"
)

// FactSink is the slice of the fact store ingestion writes to.
type FactSink interface {
	InsertMatches(ctx context.Context, matches []model.MatchRecord) error
	InsertMatchPlayers(ctx context.Context, rows []store.PlayerRow) error
	InsertActiveMatches(ctx context.Context, snaps []model.ActiveMatch, observedAt time.Time) error
	InsertHistory(ctx context.Context, entries []model.HistoryEntry) error
	InsertSalts(ctx context.Context, salts []model.SaltRecord) error
	InsertProfiles(ctx context.Context, profiles []model.ProfileRecord) error
	DeleteProfiles(ctx context.Context, accountIDs []uint32) error
	CommittedMatchIDs(ctx context.Context, matchIDs []uint64) (map[uint64]bool, error)
	CommittedOutcomes(ctx context.Context, matchIDs []uint64) (map[uint64]model.Team, error)
	CommittedPlayerRows(ctx context.Context, matchID uint64) ([]store.PlayerRow, error)
}

// MetaSink is the slice of the meta store ingestion writes to.
type MetaSink interface {
	Quarantine(ctx context.Context, rows []store.QuarantineRow) error
	UpsertBuilds(ctx context.Context, builds []model.BuildRecord) (int64, error)
}

// Report summarizes one ingested batch.
type Report struct {
	Committed   int
	Quarantined int
	Corrected   int
	Retracted   int
	Skipped     int
}

// Ingester validates and commits normalized records.
type Ingester struct {
	facts FactSink
	meta  MetaSink
	now   func() time.Time
}

// New creates an Ingester.
func New(facts FactSink, meta MetaSink) *Ingester {
	return &Ingester{facts: facts, meta: meta, now: time.Now}
}

// Ingest commits a batch. Records that fail validation are quarantined, not
// dropped; everything else is written idempotently. Re-ingesting a committed
// match with an unchanged outcome is a no-op, and a changed outcome produces
// retraction rows plus corrected rows.
func (in *Ingester) Ingest(ctx context.Context, batch []model.NormalizedRecord) (*Report, error) {
	report := &Report{}
	if len(batch) == 0 {
		return report, nil
	}

	var (
		matches  []model.MatchRecord
		actives  []model.ActiveMatch
		salts    []model.SaltRecord
		history  []model.HistoryEntry
		profiles []model.ProfileRecord
		retracts []uint32
		builds   []model.BuildRecord
		rejects  []store.QuarantineRow
	)

	for i := range batch {
		rec := &batch[i]
		if reason := validate(rec); reason != "" {
			payload, _ := json.Marshal(rec)
			rejects = append(rejects, store.QuarantineRow{
				ID:      uuid.NewString(),
				Kind:    rec.Kind.String(),
				Key:     rec.Key(),
				Reason:  reason,
				Payload: payload,
			})
			continue
		}
		switch rec.Kind {
		case model.KindMatch:
			matches = append(matches, *rec.Match)
		case model.KindActiveMatch:
			actives = append(actives, *rec.Active)
		case model.KindSalt:
			salts = append(salts, *rec.Salt)
		case model.KindHistory:
			history = append(history, *rec.History)
		case model.KindProfile:
			if rec.Profile.Retracted {
				retracts = append(retracts, rec.Profile.AccountID)
			} else {
				profiles = append(profiles, *rec.Profile)
			}
		case model.KindBuild:
			builds = append(builds, *rec.Build)
		}
	}

	if len(rejects) > 0 {
		if err := in.meta.Quarantine(ctx, rejects); err != nil {
			return report, eris.Wrap(err, "ingest: quarantine")
		}
		report.Quarantined = len(rejects)
	}

	if err := in.ingestMatches(ctx, matches, report); err != nil {
		return report, err
	}

	if err := in.facts.InsertActiveMatches(ctx, actives, in.now().UTC()); err != nil {
		return report, eris.Wrap(err, "ingest: active matches")
	}
	report.Committed += len(actives)

	if err := in.facts.InsertSalts(ctx, salts); err != nil {
		return report, eris.Wrap(err, "ingest: salts")
	}
	report.Committed += len(salts)

	if err := in.facts.InsertHistory(ctx, history); err != nil {
		return report, eris.Wrap(err, "ingest: history")
	}
	report.Committed += len(history)

	if err := in.facts.InsertProfiles(ctx, profiles); err != nil {
		return report, eris.Wrap(err, "ingest: profiles")
	}
	report.Committed += len(profiles)

	if err := in.facts.DeleteProfiles(ctx, retracts); err != nil {
		return report, eris.Wrap(err, "ingest: retract profiles")
	}
	report.Retracted += len(retracts)

	if len(builds) > 0 {
		if _, err := in.meta.UpsertBuilds(ctx, builds); err != nil {
			return report, eris.Wrap(err, "ingest: builds")
		}
		report.Committed += len(builds)
	}

	return report, nil
}

// ingestMatches commits finalized matches with idempotence and outcome
// correction. A partial store failure is recovered by re-deriving which
// match rows committed and retrying the remainder once.
func (in *Ingester) ingestMatches(ctx context.Context, matches []model.MatchRecord, report *Report) error {
	if len(matches) == 0 {
		return nil
	}

	// Last record wins within one batch.
	byID := make(map[uint64]model.MatchRecord, len(matches))
	ids := make([]uint64, 0, len(matches))
	for _, m := range matches {
		if _, ok := byID[m.MatchID]; !ok {
			ids = append(ids, m.MatchID)
		}
		byID[m.MatchID] = m
	}

	outcomes, err := in.facts.CommittedOutcomes(ctx, ids)
	if err != nil {
		return eris.Wrap(err, "ingest: load committed outcomes")
	}

	var (
		fresh      []model.MatchRecord
		corrected  []model.MatchRecord
		playerRows []store.PlayerRow
	)
	for _, id := range ids {
		m := byID[id]
		stored, committed := outcomes[id]
		switch {
		case !committed:
			fresh = append(fresh, m)
			playerRows = append(playerRows, assertRows(&m)...)
		case stored == m.WinningTeam:
			// The info row landed but an earlier run may have died before
			// its player rows did. Re-assert whichever are missing so a
			// replayed batch converges to the full logical row set.
			live, err := in.facts.CommittedPlayerRows(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "ingest: load player rows for %d", id)
			}
			present := make(map[uint32]bool, len(live))
			for _, r := range live {
				present[r.AccountID] = true
			}
			for _, row := range assertRows(&m) {
				if !present[row.AccountID] {
					playerRows = append(playerRows, row)
				}
			}
			report.Skipped++
		default:
			// Outcome correction: retract the live rows, then assert the
			// corrected ones.
			live, err := in.facts.CommittedPlayerRows(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "ingest: load player rows for %d", id)
			}
			for i := range live {
				live[i].Sign = -1
			}
			playerRows = append(playerRows, live...)
			playerRows = append(playerRows, assertRows(&m)...)
			corrected = append(corrected, m)
			zap.L().Info("match outcome corrected",
				zap.Uint64("match_id", id),
				zap.Uint8("stored", uint8(stored)),
				zap.Uint8("corrected", uint8(m.WinningTeam)),
			)
		}
	}

	toInsert := append(fresh, corrected...)
	if err := in.insertMatchesWithRecovery(ctx, toInsert); err != nil {
		return err
	}
	if err := in.insertPlayersWithRecovery(ctx, playerRows); err != nil {
		return err
	}

	report.Committed += len(fresh)
	report.Corrected += len(corrected)
	return nil
}

// insertMatchesWithRecovery retries the uncommitted remainder of a failed
// match batch once, using the store itself as the source of truth for what
// landed.
func (in *Ingester) insertMatchesWithRecovery(ctx context.Context, matches []model.MatchRecord) error {
	if len(matches) == 0 {
		return nil
	}
	firstErr := in.facts.InsertMatches(ctx, matches)
	if firstErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return firstErr
	}

	ids := make([]uint64, len(matches))
	for i, m := range matches {
		ids[i] = m.MatchID
	}
	committed, err := in.facts.CommittedMatchIDs(ctx, ids)
	if err != nil {
		return eris.Wrap(firstErr, "ingest: matches (recovery probe also failed)")
	}

	var remainder []model.MatchRecord
	for _, m := range matches {
		if !committed[m.MatchID] {
			remainder = append(remainder, m)
		}
	}
	if len(remainder) == 0 {
		return nil
	}

	zap.L().Warn("retrying uncommitted matches after partial failure",
		zap.Int("batch", len(matches)),
		zap.Int("remainder", len(remainder)),
		zap.Error(firstErr),
	)
	if err := in.facts.InsertMatches(ctx, remainder); err != nil {
		return eris.Wrap(err, "ingest: matches retry")
	}
	return nil
}

// insertPlayersWithRecovery writes the signed player rows, retrying only
// the rows that still have not taken effect when the first write fails.
// An assert row already visible in the store is dropped from the retry; a
// retract row is retried only while its target is still visible.
func (in *Ingester) insertPlayersWithRecovery(ctx context.Context, rows []store.PlayerRow) error {
	if len(rows) == 0 {
		return nil
	}
	firstErr := in.facts.InsertMatchPlayers(ctx, rows)
	if firstErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return firstErr
	}

	type rowKey struct {
		account uint32
		winner  model.Team
	}
	live := make(map[uint64]map[rowKey]bool)
	for _, r := range rows {
		if _, ok := live[r.MatchID]; ok {
			continue
		}
		committed, err := in.facts.CommittedPlayerRows(ctx, r.MatchID)
		if err != nil {
			return eris.Wrap(firstErr, "ingest: player rows (recovery probe also failed)")
		}
		set := make(map[rowKey]bool, len(committed))
		for _, c := range committed {
			set[rowKey{account: c.AccountID, winner: c.WinningTeam}] = true
		}
		live[r.MatchID] = set
	}

	var remainder []store.PlayerRow
	for _, r := range rows {
		visible := live[r.MatchID][rowKey{account: r.AccountID, winner: r.WinningTeam}]
		if (r.Sign > 0 && !visible) || (r.Sign < 0 && visible) {
			remainder = append(remainder, r)
		}
	}
	if len(remainder) == 0 {
		return nil
	}

	zap.L().Warn("retrying uncommitted player rows after partial failure",
		zap.Int("batch", len(rows)),
		zap.Int("remainder", len(remainder)),
		zap.Error(firstErr),
	)
	if err := in.facts.InsertMatchPlayers(ctx, remainder); err != nil {
		return eris.Wrap(err, "ingest: player rows retry")
	}
	return nil
}

func assertRows(m *model.MatchRecord) []store.PlayerRow {
	rows := make([]store.PlayerRow, 0, len(m.Players))
	for _, p := range m.Players {
		rows = append(rows, store.PlayerRow{
			MatchID:     m.MatchID,
			AccountID:   p.AccountID,
			Team:        p.Team,
			HeroID:      p.HeroID,
			Kills:       p.Kills,
			Deaths:      p.Deaths,
			Assists:     p.Assists,
			NetWorth:    p.NetWorth,
			WinningTeam: m.WinningTeam,
			StartTime:   m.StartTime,
			Sign:        1,
		})
	}
	return rows
}

// validate returns an empty string for a valid record, or the quarantine
// reason.
func validate(rec *model.NormalizedRecord) string {
	switch rec.Kind {
	case model.KindMatch:
		m := rec.Match
		if m == nil {
			return "missing match payload"
		}
		if m.MatchID == 0 {
			return "match_id is zero"
		}
		if m.StartTime.IsZero() {
			return "start_time is zero"
		}
		if m.WinningTeam != model.Team0 && m.WinningTeam != model.Team1 {
			return "winning_team out of range"
		}
		if len(m.Players) == 0 {
			return "no players"
		}
		for _, p := range m.Players {
			if p.AccountID == 0 {
				return "player account_id is zero"
			}
			if p.Team != model.Team0 && p.Team != model.Team1 {
				return "player team out of range"
			}
		}
		return ""
	case model.KindActiveMatch:
		a := rec.Active
		if a == nil {
			return "missing active payload"
		}
		if a.MatchID == 0 {
			return "match_id is zero"
		}
		return ""
	case model.KindSalt:
		s := rec.Salt
		if s == nil {
			return "missing salt payload"
		}
		if s.MatchID == 0 {
			return "match_id is zero"
		}
		if !s.Failed && s.MetadataSalt == 0 && s.ReplaySalt == 0 {
			return "salts are zero"
		}
		return ""
	case model.KindHistory:
		h := rec.History
		if h == nil {
			return "missing history payload"
		}
		if h.AccountID == 0 || h.MatchID == 0 {
			return "account_id or match_id is zero"
		}
		return ""
	case model.KindProfile:
		p := rec.Profile
		if p == nil {
			return "missing profile payload"
		}
		if p.AccountID == 0 {
			return "account_id is zero"
		}
		return ""
	case model.KindBuild:
		b := rec.Build
		if b == nil {
			return "missing build payload"
		}
		if b.HeroID == 0 || b.BuildID == 0 {
			return "hero_id or build_id is zero"
		}
		return ""
	default:
		return "unknown record kind"
	}
}
