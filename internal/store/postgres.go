package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/vitalstream/healthsync/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS import_runs (
	id           TEXT PRIMARY KEY,
	source_hash  TEXT NOT NULL,
	source_path  TEXT NOT NULL,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'in_progress',
	stats        JSONB,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS checkpoints (
	source_hash TEXT NOT NULL,
	category    TEXT NOT NULL,
	last_seq    BIGINT NOT NULL DEFAULT 0,
	last_time   TIMESTAMPTZ,
	status      TEXT NOT NULL DEFAULT 'in_progress',
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_hash, category)
);

CREATE TABLE IF NOT EXISTS fingerprints (
	category    TEXT NOT NULL,
	hash        BIGINT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	written_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (category, hash)
);

CREATE TABLE IF NOT EXISTS watermarks (
	category TEXT PRIMARY KEY,
	max_time TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_import_runs_source ON import_runs(source_hash);
CREATE INDEX IF NOT EXISTS idx_import_runs_status ON import_runs(status);
CREATE INDEX IF NOT EXISTS idx_fingerprints_observed ON fingerprints(observed_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.ImportRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_runs (id, source_hash, source_path, mode, status, started_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.SourceHash, run.SourcePath, string(run.Mode), string(run.Status), run.StartedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE import_runs SET status = $1, stats = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(status), statsJSON, runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.ImportRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_hash, source_path, mode, status, stats, error, started_at, completed_at
		 FROM import_runs WHERE id = $1`,
		runID,
	)
	return scanRunPG(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ImportRun, error) {
	query := `SELECT id, source_hash, source_path, mode, status, stats, error, started_at, completed_at
	          FROM import_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + itoa(len(args))
	}
	if filter.SourceHash != "" {
		args = append(args, filter.SourceHash)
		query += ` AND source_hash = $` + itoa(len(args))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ImportRun
	for rows.Next() {
		r, err := scanRunPG(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) LatestRunForSource(ctx context.Context, sourceHash string) (*model.ImportRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_hash, source_path, mode, status, stats, error, started_at, completed_at
		 FROM import_runs WHERE source_hash = $1 ORDER BY started_at DESC LIMIT 1`,
		sourceHash,
	)
	run, err := scanRunPG(row)
	if eris.Is(err, ErrRunNotFound) {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) GetCheckpoints(ctx context.Context, sourceHash string) (map[model.Category]model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_hash, category, last_seq, last_time, status, updated_at FROM checkpoints WHERE source_hash = $1`,
		sourceHash,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get checkpoints")
	}
	defer rows.Close()

	out := make(map[model.Category]model.Checkpoint)
	for rows.Next() {
		var cp model.Checkpoint
		var lastTime *time.Time
		if err := rows.Scan(&cp.SourceHash, &cp.Category, &cp.LastSeq, &lastTime, &cp.Status, &cp.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan checkpoint")
		}
		if lastTime != nil {
			cp.LastTime = *lastTime
		}
		out[cp.Category] = cp
	}
	return out, eris.Wrap(rows.Err(), "postgres: checkpoints iterate")
}

func (s *PostgresStore) MarkSourceComplete(ctx context.Context, sourceHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE checkpoints SET status = $1, updated_at = $2 WHERE source_hash = $3`,
		string(model.RunStatusComplete), time.Now().UTC(), sourceHash,
	)
	return eris.Wrapf(err, "postgres: mark source complete %s", sourceHash)
}

func (s *PostgresStore) ResetSource(ctx context.Context, sourceHash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE source_hash = $1`, sourceHash)
	return eris.Wrapf(err, "postgres: reset source %s", sourceHash)
}

func (s *PostgresStore) RecentFingerprints(ctx context.Context, category model.Category, since time.Time) ([]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hash FROM fingerprints WHERE category = $1 AND observed_at >= $2`,
		string(category), since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent fingerprints")
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fingerprint")
		}
		out = append(out, uint64(h))
	}
	return out, eris.Wrap(rows.Err(), "postgres: fingerprints iterate")
}

func (s *PostgresStore) PruneFingerprints(ctx context.Context, category model.Category, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fingerprints WHERE category = $1 AND observed_at < $2`,
		string(category), before.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune fingerprints")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Watermark(ctx context.Context, category model.Category) (time.Time, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT max_time FROM watermarks WHERE category = $1`, string(category),
	)
	var t time.Time
	err := row.Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return t, eris.Wrap(err, "postgres: watermark")
}

func (s *PostgresStore) CommitBatch(ctx context.Context, commit BatchCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin commit")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, fp := range commit.Fingerprints {
		if _, err := tx.Exec(ctx,
			`INSERT INTO fingerprints (category, hash, observed_at, written_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (category, hash) DO NOTHING`,
			string(commit.Category), int64(fp.Hash), fp.Time.UTC(), now,
		); err != nil {
			return eris.Wrap(err, "postgres: insert fingerprint")
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (source_hash, category, last_seq, last_time, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_hash, category) DO UPDATE SET
			last_seq = excluded.last_seq,
			last_time = excluded.last_time,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		commit.SourceHash, string(commit.Category), commit.LastSeq, commit.LastTime.UTC(),
		string(model.RunStatusInProgress), now,
	); err != nil {
		return eris.Wrap(err, "postgres: advance checkpoint")
	}

	if !commit.MaxObservationTime.IsZero() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO watermarks (category, max_time) VALUES ($1, $2)
			 ON CONFLICT (category) DO UPDATE SET max_time = excluded.max_time
			 WHERE excluded.max_time > watermarks.max_time`,
			string(commit.Category), commit.MaxObservationTime.UTC(),
		); err != nil {
			return eris.Wrap(err, "postgres: advance watermark")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit batch")
}

func scanRunPG(row pgx.Row) (*model.ImportRun, error) {
	var r model.ImportRun
	var statsJSON []byte
	var runErr *string
	var completedAt *time.Time

	err := row.Scan(&r.ID, &r.SourceHash, &r.SourcePath, &r.Mode, &r.Status, &statsJSON, &runErr, &r.StartedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if len(statsJSON) > 0 && string(statsJSON) != "null" {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal(statsJSON, r.Stats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stats")
		}
	}
	if runErr != nil {
		r.Error = *runErr
	}
	r.CompletedAt = completedAt
	return &r, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
