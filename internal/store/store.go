// Package store persists pipeline data across two backends: ClickHouse holds
// the high-volume fact tables (matches, player rows, history, salts,
// profiles, ratings) and Postgres holds the operational metadata (history
// cursors, account queue, quarantine, hero builds).
package store

import (
	"context"
	"time"

	"github.com/riftstats/pipeline/internal/model"
)

// PlayerRow is one signed player fact row. Sign +1 asserts the row, -1
// retracts a previously written one; aggregations sum the sign so an
// outcome correction nets out to the corrected values.
type PlayerRow struct {
	MatchID     uint64
	AccountID   uint32
	Team        model.Team
	HeroID      uint32
	Kills       uint32
	Deaths      uint32
	Assists     uint32
	NetWorth    uint32
	WinningTeam model.Team
	StartTime   time.Time
	Sign        int8
}

// QuarantineRow is one rejected record held for inspection.
type QuarantineRow struct {
	ID      string
	Kind    string
	Key     string
	Reason  string
	Payload []byte
}

// FactStore is the ClickHouse-backed fact table interface.
type FactStore interface {
	InsertMatches(ctx context.Context, matches []model.MatchRecord) error
	InsertMatchPlayers(ctx context.Context, rows []PlayerRow) error
	InsertActiveMatches(ctx context.Context, snaps []model.ActiveMatch, observedAt time.Time) error
	InsertHistory(ctx context.Context, entries []model.HistoryEntry) error
	InsertSalts(ctx context.Context, salts []model.SaltRecord) error
	InsertProfiles(ctx context.Context, profiles []model.ProfileRecord) error
	DeleteProfiles(ctx context.Context, accountIDs []uint32) error

	// CommittedMatchIDs reports which of the given match ids already have a
	// match row, used to re-derive progress after a partial batch failure.
	CommittedMatchIDs(ctx context.Context, matchIDs []uint64) (map[uint64]bool, error)
	// CommittedOutcomes returns the stored winning team per match id, for
	// detecting outcome corrections on re-ingest.
	CommittedOutcomes(ctx context.Context, matchIDs []uint64) (map[uint64]model.Team, error)
	// CommittedPlayerRows returns the net live player rows for a match,
	// for building retraction rows on an outcome correction.
	CommittedPlayerRows(ctx context.Context, matchID uint64) ([]PlayerRow, error)

	// MatchIDsMissingSalts lists finished matches without a salt row and
	// without a terminal failure marker, oldest first.
	MatchIDsMissingSalts(ctx context.Context, limit int) ([]uint64, error)
	// StaleProfileAccounts lists accounts whose stored profile is older than
	// the cutoff, least recently updated first.
	StaleProfileAccounts(ctx context.Context, before time.Time, limit int) ([]uint32, error)

	// MatchesForRating returns rated matches with id greater than
	// afterMatchID, ordered by (start_time, match_id).
	MatchesForRating(ctx context.Context, afterMatchID uint64, limit int) ([]model.RatingMatch, error)
	// LatestRatings returns the newest rating snapshot per account.
	LatestRatings(ctx context.Context, accountIDs []uint32) (map[uint32]model.RatingState, error)
	InsertRatings(ctx context.Context, states []model.RatingState) error
	// RatingCheckpoint returns the highest match id any rating row was
	// produced from, or zero when no ratings exist.
	RatingCheckpoint(ctx context.Context) (uint64, error)

	Migrate(ctx context.Context) error
	Close() error
}

// MetaStore is the Postgres-backed operational metadata interface.
type MetaStore interface {
	// EnqueueAccounts registers accounts for history fetching. Known
	// accounts are left untouched.
	EnqueueAccounts(ctx context.Context, accountIDs []uint32) error
	// NextAccounts returns up to limit accounts, least recently fetched
	// first, and stamps them as fetched.
	NextAccounts(ctx context.Context, limit int) ([]uint32, error)

	// HistoryCursor returns the highest match id already fetched for the
	// account, zero when the account has no cursor yet.
	HistoryCursor(ctx context.Context, accountID uint32) (uint64, error)
	SetHistoryCursor(ctx context.Context, accountID uint32, matchID uint64) error

	// ProtectedAccounts lists accounts whose profiles must never be
	// retracted even when the upstream stops serving them.
	ProtectedAccounts(ctx context.Context) (map[uint32]bool, error)

	Quarantine(ctx context.Context, rows []QuarantineRow) error

	// UpsertBuilds writes hero builds keyed by (hero_id, build_id, version).
	UpsertBuilds(ctx context.Context, builds []model.BuildRecord) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}
