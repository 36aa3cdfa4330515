package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/riftstats/pipeline/internal/db"
	"github.com/riftstats/pipeline/internal/model"
)

// PostgresStore implements MetaStore using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest meta store operations.
var preparedStatements = map[string]string{
	"get_history_cursor": `SELECT match_id FROM history_cursors WHERE account_id = $1`,
	"set_history_cursor": `INSERT INTO history_cursors (account_id, match_id, updated_at) VALUES ($1, $2, now()) ON CONFLICT (account_id) DO UPDATE SET match_id = EXCLUDED.match_id, updated_at = now()`,
	"enqueue_accounts":   `INSERT INTO account_queue (account_id, enqueued_at) SELECT unnest($1::bigint[]), now() ON CONFLICT (account_id) DO NOTHING`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS account_queue (
	account_id  BIGINT PRIMARY KEY,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	fetched_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS history_cursors (
	account_id BIGINT PRIMARY KEY,
	match_id   BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS protected_accounts (
	account_id BIGINT PRIMARY KEY,
	note       TEXT,
	added_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quarantine (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	key            TEXT NOT NULL,
	reason         TEXT NOT NULL,
	payload        JSONB,
	quarantined_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS hero_builds (
	hero_id      BIGINT NOT NULL,
	build_id     BIGINT NOT NULL,
	version      BIGINT NOT NULL,
	author_id    BIGINT NOT NULL,
	language     INTEGER NOT NULL,
	favorites    BIGINT NOT NULL DEFAULT 0,
	reports      BIGINT NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	data         JSONB,
	PRIMARY KEY (hero_id, build_id, version)
);

CREATE INDEX IF NOT EXISTS idx_account_queue_fetched ON account_queue (fetched_at NULLS FIRST, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_quarantine_kind ON quarantine (kind, quarantined_at);
`

// Migrate creates the meta tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Pool returns the underlying pool for subsystems that need direct access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) EnqueueAccounts(ctx context.Context, accountIDs []uint32) error {
	if len(accountIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(accountIDs))
	for i, id := range accountIDs {
		ids[i] = int64(id)
	}
	if _, err := s.pool.Exec(ctx, "enqueue_accounts", ids); err != nil {
		return eris.Wrap(err, "postgres: enqueue accounts")
	}
	return nil
}

func (s *PostgresStore) NextAccounts(ctx context.Context, limit int) ([]uint32, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE account_queue SET fetched_at = now()
		WHERE account_id IN (
			SELECT account_id FROM account_queue
			ORDER BY fetched_at NULLS FIRST, enqueued_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING account_id`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: next accounts")
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan account id")
		}
		out = append(out, uint32(id))
	}
	return out, rows.Err()
}

func (s *PostgresStore) HistoryCursor(ctx context.Context, accountID uint32) (uint64, error) {
	var matchID int64
	err := s.pool.QueryRow(ctx, "get_history_cursor", int64(accountID)).Scan(&matchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, eris.Wrapf(err, "postgres: history cursor for %d", accountID)
	}
	return uint64(matchID), nil
}

func (s *PostgresStore) SetHistoryCursor(ctx context.Context, accountID uint32, matchID uint64) error {
	_, err := s.pool.Exec(ctx, "set_history_cursor", int64(accountID), int64(matchID))
	if err != nil {
		return eris.Wrapf(err, "postgres: set history cursor for %d", accountID)
	}
	return nil
}

func (s *PostgresStore) ProtectedAccounts(ctx context.Context) (map[uint32]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id FROM protected_accounts`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: protected accounts")
	}
	defer rows.Close()
	out := make(map[uint32]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan protected account")
		}
		out[uint32(id)] = true
	}
	return out, rows.Err()
}

func (s *PostgresStore) Quarantine(ctx context.Context, qrows []QuarantineRow) error {
	if len(qrows) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(qrows))
	now := time.Now().UTC()
	for _, q := range qrows {
		rows = append(rows, []any{q.ID, q.Kind, q.Key, q.Reason, q.Payload, now})
	}
	_, err := db.CopyFrom(ctx, s.pool, "quarantine",
		[]string{"id", "kind", "key", "reason", "payload", "quarantined_at"}, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: quarantine")
	}
	return nil
}

func (s *PostgresStore) UpsertBuilds(ctx context.Context, builds []model.BuildRecord) (int64, error) {
	if len(builds) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(builds))
	for _, b := range builds {
		rows = append(rows, []any{
			int64(b.HeroID), int64(b.BuildID), int64(b.Version), int64(b.AuthorID),
			b.Language, int64(b.Favorites), int64(b.Reports),
			b.UpdatedAt, b.PublishedAt, b.Data,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "hero_builds",
		Columns: []string{
			"hero_id", "build_id", "version", "author_id", "language",
			"favorites", "reports", "updated_at", "published_at", "data",
		},
		ConflictKeys: []string{"hero_id", "build_id", "version"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert builds")
	}
	return n, nil
}
