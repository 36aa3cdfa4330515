package store

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rotisserie/eris"

	"github.com/riftstats/pipeline/internal/model"
)

// ClickHouseConfig holds the fact store connection settings.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseStore implements FactStore on a native-protocol connection.
type ClickHouseStore struct {
	conn driver.Conn
	now  func() time.Time
}

// NewClickHouse opens the fact store connection and verifies it with a ping.
func NewClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 10 * time.Second,
		Settings: clickhouse.Settings{
			"max_execution_time": 120,
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "clickhouse: open")
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, eris.Wrap(err, "clickhouse: ping")
	}
	return &ClickHouseStore{conn: conn, now: time.Now}, nil
}

var factTables = []string{
	`CREATE TABLE IF NOT EXISTS match_info (
		match_id              UInt64,
		start_time            DateTime,
		duration_s            UInt32,
		winning_team          UInt8,
		match_mode            Int8,
		avg_badge_team0       UInt32,
		avg_badge_team1       UInt32,
		objectives_mask_team0 UInt16,
		objectives_mask_team1 UInt16,
		ingested_at           DateTime
	) ENGINE = ReplacingMergeTree(ingested_at)
	ORDER BY match_id`,

	`CREATE TABLE IF NOT EXISTS match_player (
		match_id     UInt64,
		account_id   UInt32,
		team         UInt8,
		hero_id      UInt32,
		kills        UInt32,
		deaths       UInt32,
		assists      UInt32,
		net_worth    UInt32,
		winning_team UInt8,
		start_time   DateTime,
		sign         Int8
	) ENGINE = CollapsingMergeTree(sign)
	ORDER BY (match_id, account_id)`,

	`CREATE TABLE IF NOT EXISTS active_match (
		match_id              UInt64,
		start_time            DateTime,
		match_mode            Int8,
		net_worth_team0       UInt32,
		net_worth_team1       UInt32,
		objectives_mask_team0 UInt16,
		objectives_mask_team1 UInt16,
		spectators            UInt16,
		account_ids           Array(UInt32),
		observed_at           DateTime
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(observed_at)
	ORDER BY (match_id, observed_at)`,

	`CREATE TABLE IF NOT EXISTS player_match_history (
		account_id       UInt32,
		match_id         UInt64,
		hero_id          UInt32,
		start_time       DateTime,
		match_mode       Int8,
		player_team      UInt8,
		player_kills     UInt32,
		player_deaths    UInt32,
		player_assists   UInt32,
		net_worth        UInt32,
		match_duration_s UInt32,
		match_result     UInt8
	) ENGINE = ReplacingMergeTree
	ORDER BY (account_id, match_id)`,

	`CREATE TABLE IF NOT EXISTS match_salts (
		match_id      UInt64,
		cluster_id    UInt32,
		metadata_salt UInt32,
		replay_salt   UInt32,
		username      String,
		failed        UInt8
	) ENGINE = ReplacingMergeTree
	ORDER BY match_id`,

	`CREATE TABLE IF NOT EXISTS player_profile (
		account_id   UInt32,
		personaname  String,
		avatar_url   String,
		visibility   UInt8,
		last_updated DateTime
	) ENGINE = ReplacingMergeTree(last_updated)
	ORDER BY account_id`,

	`CREATE TABLE IF NOT EXISTS player_rating (
		account_id UInt32,
		match_id   UInt64,
		mu         Float64,
		phi        Float64,
		sigma      Float64,
		rated_at   DateTime
	) ENGINE = MergeTree
	ORDER BY (account_id, match_id)`,
}

// Migrate creates the fact tables.
func (s *ClickHouseStore) Migrate(ctx context.Context) error {
	for _, ddl := range factTables {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return eris.Wrap(err, "clickhouse: migrate")
		}
	}
	return nil
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func (s *ClickHouseStore) InsertMatches(ctx context.Context, matches []model.MatchRecord) error {
	if len(matches) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO match_info")
	if err != nil {
		return eris.Wrap(err, "clickhouse: prepare match_info batch")
	}
	now := s.now().UTC()
	for _, m := range matches {
		err := batch.Append(
			m.MatchID,
			m.StartTime,
			m.DurationS,
			uint8(m.WinningTeam),
			int8(m.MatchMode),
			m.AvgBadgeTeam0,
			m.AvgBadgeTeam1,
			m.ObjectivesMask[0],
			m.ObjectivesMask[1],
			now,
		)
		if err != nil {
			return eris.Wrapf(err, "clickhouse: append match %d", m.MatchID)
		}
	}
	if err := batch.Send(); err != nil {
		return eris.Wrap(err, "clickhouse: send match_info batch")
	}
	return nil
}

func (s *ClickHouseStore) InsertMatchPlayers(ctx context.Context, rows []PlayerRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO match_player")
	if err != nil {
		return eris.Wrap(err, "clickhouse: prepare match_player batch")
	}
	for _, r := range rows {
		err := batch.Append(
			r.MatchID,
			r.AccountID,
			uint8(r.Team),
			r.HeroID,
			r.Kills,
			r.Deaths,
			r.Assists,
			r.NetWorth,
			uint8(r.WinningTeam),
			r.StartTime,
			r.Sign,
		)
		if err != nil {
			return eris.Wrapf(err, "clickhouse: append player row %d/%d", r.MatchID, r.AccountID)
		}
	}
	if err := batch.Send(); err != nil {
		return eris.Wrap(err, "clickhouse: send match_player batch")
	}
	return nil
}

func (s *ClickHouseStore) InsertActiveMatches(ctx context.Context, snaps []model.ActiveMatch, observedAt time.Time) error {
	if len(snaps) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO active_match")
	if err != nil {
		return eris.Wrap(err, "clickhouse: prepare active_match batch")
	}
	for _, a := range snaps {
		ids := make([]uint32, 0, len(a.Players))
		for _, p := range a.Players {
			ids = append(ids, p.AccountID)
		}
		err := batch.Append(
			a.MatchID,
			a.StartTime,
			int8(a.MatchMode),
			a.NetWorthTeam0,
			a.NetWorthTeam1,
			a.ObjectivesMask[0],
			a.ObjectivesMask[1],
			a.Spectators,
			ids,
			observedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "clickhouse: append active match %d", a.MatchID)
		}
	}
	if err := batch.Send(); err != nil {
		return eris.Wrap(err, "clickhouse: send active_match batch")
	}
	return nil
}

func (s *ClickHouseStore) InsertHistory(ctx context.Context, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO player_match_history")
	if err != nil {
		return eris.Wrap(err, "clickhouse: prepare history batch")
	}
	for _, e := range entries {
		err := batch.Append(
			e.AccountID,
			e.MatchID,
			e.HeroID,
			e.StartTime,
			int8(e.MatchMode),
			uint8(e.Team),
			e.Kills,
			e.Deaths,
			e.Assists,
			e.NetWorth,
			e.DurationS,
			uint8(e.MatchResult),
		)
		if err != nil {
			return eris.Wrapf(err, "clickhouse: append history %d/%d", e.AccountID, e.MatchID)
		}
	}
	if err := batch.Send(); err != nil {
		return eris.Wrap(err, "clickhouse: send history batch")
	}
	return nil
}

func (s *ClickHouseStore) InsertSalts(ctx context.Context, salts []model.SaltRecord) error {
	if len(salts) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO match_salts")
	if err != nil {
		return eris.Wrap(err, "clickhouse: prepare salts batch")
	}
	for _, sr := range salts {
		failed := uint8(0)
		if sr.Failed {
			failed = 1
		}
		err := batch.Append(sr.MatchID, sr.ClusterID, sr.MetadataSalt, sr.ReplaySalt, sr.Username, failed)
		if err != nil {
			return eris.Wrapf(err, "clickhouse: append salt %d", sr.MatchID)
		}
	}
	if err := batch.Send(); err != nil {
		return eris.Wrap(err, "clickhouse: send salts batch")
	}
	return nil
}

func (s *ClickHouseStore) InsertProfiles(ctx context.Context, profiles []model.ProfileRecord) error {
	if len(profiles) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO player_profile")
	if err != nil {
		return eris.Wrap(err, "clickhouse: prepare profile batch")
	}
	for _, p := range profiles {
		err := batch.Append(p.AccountID, p.Personaname, p.AvatarURL, uint8(p.Visibility), p.LastUpdated)
		if err != nil {
			return eris.Wrapf(err, "clickhouse: append profile %d", p.AccountID)
		}
	}
	if err := batch.Send(); err != nil {
		return eris.Wrap(err, "clickhouse: send profile batch")
	}
	return nil
}

func (s *ClickHouseStore) DeleteProfiles(ctx context.Context, accountIDs []uint32) error {
	if len(accountIDs) == 0 {
		return nil
	}
	err := s.conn.Exec(ctx, "DELETE FROM player_profile WHERE account_id IN (?)", accountIDs)
	if err != nil {
		return eris.Wrap(err, "clickhouse: delete profiles")
	}
	return nil
}

func (s *ClickHouseStore) CommittedMatchIDs(ctx context.Context, matchIDs []uint64) (map[uint64]bool, error) {
	out := make(map[uint64]bool, len(matchIDs))
	if len(matchIDs) == 0 {
		return out, nil
	}
	rows, err := s.conn.Query(ctx,
		"SELECT DISTINCT match_id FROM match_info WHERE match_id IN (?)", matchIDs)
	if err != nil {
		return nil, eris.Wrap(err, "clickhouse: committed match ids")
	}
	defer rows.Close()
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "clickhouse: scan committed match id")
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) CommittedOutcomes(ctx context.Context, matchIDs []uint64) (map[uint64]model.Team, error) {
	out := make(map[uint64]model.Team, len(matchIDs))
	if len(matchIDs) == 0 {
		return out, nil
	}
	rows, err := s.conn.Query(ctx, `
		SELECT match_id, argMax(winning_team, ingested_at)
		FROM match_info
		WHERE match_id IN (?)
		GROUP BY match_id`, matchIDs)
	if err != nil {
		return nil, eris.Wrap(err, "clickhouse: committed outcomes")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   uint64
			team uint8
		)
		if err := rows.Scan(&id, &team); err != nil {
			return nil, eris.Wrap(err, "clickhouse: scan committed outcome")
		}
		out[id] = model.Team(team)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) CommittedPlayerRows(ctx context.Context, matchID uint64) ([]PlayerRow, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT match_id, account_id, team, hero_id, kills, deaths, assists,
		       net_worth, winning_team, start_time, sum(sign) AS net
		FROM match_player
		WHERE match_id = ?
		GROUP BY match_id, account_id, team, hero_id, kills, deaths, assists,
		         net_worth, winning_team, start_time
		HAVING net > 0`, matchID)
	if err != nil {
		return nil, eris.Wrap(err, "clickhouse: committed player rows")
	}
	defer rows.Close()
	var out []PlayerRow
	for rows.Next() {
		var (
			r    PlayerRow
			team uint8
			win  uint8
			net  int64
		)
		err := rows.Scan(&r.MatchID, &r.AccountID, &team, &r.HeroID, &r.Kills,
			&r.Deaths, &r.Assists, &r.NetWorth, &win, &r.StartTime, &net)
		if err != nil {
			return nil, eris.Wrap(err, "clickhouse: scan player row")
		}
		r.Team = model.Team(team)
		r.WinningTeam = model.Team(win)
		r.Sign = 1
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) MatchIDsMissingSalts(ctx context.Context, limit int) ([]uint64, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT match_id
		FROM match_info
		WHERE match_id NOT IN (SELECT match_id FROM match_salts)
		ORDER BY match_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "clickhouse: matches missing salts")
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "clickhouse: scan match id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) StaleProfileAccounts(ctx context.Context, before time.Time, limit int) ([]uint32, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT account_id
		FROM player_profile
		GROUP BY account_id
		HAVING max(last_updated) < ?
		ORDER BY max(last_updated)
		LIMIT ?`, before, limit)
	if err != nil {
		return nil, eris.Wrap(err, "clickhouse: stale profiles")
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "clickhouse: scan account id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) MatchesForRating(ctx context.Context, afterMatchID uint64, limit int) ([]model.RatingMatch, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT m.match_id,
		       any(m.start_time),
		       any(m.winning_team),
		       any(m.avg_badge_team0),
		       any(m.avg_badge_team1),
		       groupUniqArrayIf(p.account_id, p.team = 0),
		       groupUniqArrayIf(p.account_id, p.team = 1)
		FROM match_info AS m
		INNER JOIN match_player AS p ON p.match_id = m.match_id
		WHERE m.match_id > ?
		  AND m.match_mode IN (1, 2)
		  AND m.winning_team IN (0, 1)
		  AND p.sign = 1
		GROUP BY m.match_id
		ORDER BY any(m.start_time), m.match_id
		LIMIT ?`, afterMatchID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "clickhouse: matches for rating")
	}
	defer rows.Close()
	var out []model.RatingMatch
	for rows.Next() {
		var (
			m   model.RatingMatch
			win uint8
		)
		err := rows.Scan(&m.MatchID, &m.StartTime, &win, &m.AvgBadge0, &m.AvgBadge1,
			&m.Team0, &m.Team1)
		if err != nil {
			return nil, eris.Wrap(err, "clickhouse: scan rating match")
		}
		m.WinningTeam = model.Team(win)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) LatestRatings(ctx context.Context, accountIDs []uint32) (map[uint32]model.RatingState, error) {
	out := make(map[uint32]model.RatingState, len(accountIDs))
	if len(accountIDs) == 0 {
		return out, nil
	}
	rows, err := s.conn.Query(ctx, `
		SELECT account_id,
		       max(match_id),
		       argMax(mu, match_id),
		       argMax(phi, match_id),
		       argMax(sigma, match_id),
		       argMax(rated_at, match_id)
		FROM player_rating
		WHERE account_id IN (?)
		GROUP BY account_id`, accountIDs)
	if err != nil {
		return nil, eris.Wrap(err, "clickhouse: latest ratings")
	}
	defer rows.Close()
	for rows.Next() {
		var st model.RatingState
		err := rows.Scan(&st.AccountID, &st.MatchID, &st.Mu, &st.Phi, &st.Sigma, &st.RatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "clickhouse: scan rating state")
		}
		out[st.AccountID] = st
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) InsertRatings(ctx context.Context, states []model.RatingState) error {
	if len(states) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO player_rating")
	if err != nil {
		return eris.Wrap(err, "clickhouse: prepare rating batch")
	}
	for _, st := range states {
		err := batch.Append(st.AccountID, st.MatchID, st.Mu, st.Phi, st.Sigma, st.RatedAt)
		if err != nil {
			return eris.Wrapf(err, "clickhouse: append rating %d/%d", st.AccountID, st.MatchID)
		}
	}
	if err := batch.Send(); err != nil {
		return eris.Wrap(err, "clickhouse: send rating batch")
	}
	return nil
}

func (s *ClickHouseStore) RatingCheckpoint(ctx context.Context) (uint64, error) {
	row := s.conn.QueryRow(ctx, "SELECT max(match_id) FROM player_rating")
	var id uint64
	if err := row.Scan(&id); err != nil {
		return 0, eris.Wrap(err, "clickhouse: rating checkpoint")
	}
	return id, nil
}
