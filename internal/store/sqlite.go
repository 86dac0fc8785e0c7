package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/vitalstream/healthsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path. Synchronous mode is
// FULL rather than NORMAL: a checkpoint commit that returns success must
// survive power loss, otherwise resume could re-deliver past it.
//
// busy_timeout and synchronous are connection-scoped, so the pragmas ride
// on the DSN where the driver applies them to every pooled connection.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+
		"_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(FULL)"+
		"&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS import_runs (
	id           TEXT PRIMARY KEY,
	source_hash  TEXT NOT NULL,
	source_path  TEXT NOT NULL,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'in_progress',
	stats        TEXT,
	error        TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS checkpoints (
	source_hash TEXT NOT NULL,
	category    TEXT NOT NULL,
	last_seq    INTEGER NOT NULL DEFAULT 0,
	last_time   DATETIME,
	status      TEXT NOT NULL DEFAULT 'in_progress',
	updated_at  DATETIME NOT NULL,
	PRIMARY KEY (source_hash, category)
);

CREATE TABLE IF NOT EXISTS fingerprints (
	category    TEXT NOT NULL,
	hash        INTEGER NOT NULL,
	observed_at DATETIME NOT NULL,
	written_at  DATETIME NOT NULL,
	PRIMARY KEY (category, hash)
);

CREATE TABLE IF NOT EXISTS watermarks (
	category TEXT PRIMARY KEY,
	max_time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_import_runs_source ON import_runs(source_hash);
CREATE INDEX IF NOT EXISTS idx_import_runs_status ON import_runs(status);
CREATE INDEX IF NOT EXISTS idx_fingerprints_observed ON fingerprints(observed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.ImportRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_runs (id, source_hash, source_path, mode, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.SourceHash, run.SourcePath, string(run.Mode), string(run.Status), run.StartedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE import_runs SET status = ?, stats = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), string(statsJSON), runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.ImportRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_hash, source_path, mode, status, stats, error, started_at, completed_at
		 FROM import_runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ImportRun, error) {
	query := `SELECT id, source_hash, source_path, mode, status, stats, error, started_at, completed_at
	          FROM import_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SourceHash != "" {
		query += ` AND source_hash = ?`
		args = append(args, filter.SourceHash)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.ImportRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) LatestRunForSource(ctx context.Context, sourceHash string) (*model.ImportRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_hash, source_path, mode, status, stats, error, started_at, completed_at
		 FROM import_runs WHERE source_hash = ? ORDER BY started_at DESC LIMIT 1`,
		sourceHash,
	)
	run, err := scanRun(row)
	if eris.Is(err, ErrRunNotFound) {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) GetCheckpoints(ctx context.Context, sourceHash string) (map[model.Category]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_hash, category, last_seq, last_time, status, updated_at FROM checkpoints WHERE source_hash = ?`,
		sourceHash,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get checkpoints")
	}
	defer rows.Close()

	out := make(map[model.Category]model.Checkpoint)
	for rows.Next() {
		var cp model.Checkpoint
		var lastTime sql.NullTime
		if err := rows.Scan(&cp.SourceHash, &cp.Category, &cp.LastSeq, &lastTime, &cp.Status, &cp.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan checkpoint")
		}
		if lastTime.Valid {
			cp.LastTime = lastTime.Time
		}
		out[cp.Category] = cp
	}
	return out, eris.Wrap(rows.Err(), "sqlite: checkpoints iterate")
}

func (s *SQLiteStore) MarkSourceComplete(ctx context.Context, sourceHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, updated_at = ? WHERE source_hash = ?`,
		string(model.RunStatusComplete), time.Now().UTC(), sourceHash,
	)
	return eris.Wrapf(err, "sqlite: mark source complete %s", sourceHash)
}

func (s *SQLiteStore) ResetSource(ctx context.Context, sourceHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE source_hash = ?`, sourceHash)
	return eris.Wrapf(err, "sqlite: reset source %s", sourceHash)
}

func (s *SQLiteStore) RecentFingerprints(ctx context.Context, category model.Category, since time.Time) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM fingerprints WHERE category = ? AND observed_at >= ?`,
		string(category), since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent fingerprints")
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fingerprint")
		}
		out = append(out, uint64(h))
	}
	return out, eris.Wrap(rows.Err(), "sqlite: fingerprints iterate")
}

func (s *SQLiteStore) PruneFingerprints(ctx context.Context, category model.Category, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE category = ? AND observed_at < ?`,
		string(category), before.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune fingerprints")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) Watermark(ctx context.Context, category model.Category) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT max_time FROM watermarks WHERE category = ?`, string(category),
	)
	var t time.Time
	err := row.Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return t, eris.Wrap(err, "sqlite: watermark")
}

func (s *SQLiteStore) CommitBatch(ctx context.Context, commit BatchCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, fp := range commit.Fingerprints {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fingerprints (category, hash, observed_at, written_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (category, hash) DO NOTHING`,
			string(commit.Category), int64(fp.Hash), fp.Time.UTC(), now,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert fingerprint")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (source_hash, category, last_seq, last_time, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_hash, category) DO UPDATE SET
			last_seq = excluded.last_seq,
			last_time = excluded.last_time,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		commit.SourceHash, string(commit.Category), commit.LastSeq, commit.LastTime.UTC(),
		string(model.RunStatusInProgress), now,
	); err != nil {
		return eris.Wrap(err, "sqlite: advance checkpoint")
	}

	if !commit.MaxObservationTime.IsZero() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO watermarks (category, max_time) VALUES (?, ?)
			 ON CONFLICT (category) DO UPDATE SET max_time = excluded.max_time
			 WHERE excluded.max_time > watermarks.max_time`,
			string(commit.Category), commit.MaxObservationTime.UTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: advance watermark")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.ImportRun, error) {
	var r model.ImportRun
	var statsJSON, runErr sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.SourceHash, &r.SourcePath, &r.Mode, &r.Status, &statsJSON, &runErr, &r.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if statsJSON.Valid && statsJSON.String != "" {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal([]byte(statsJSON.String), r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stats")
		}
	}
	if runErr.Valid {
		r.Error = runErr.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}
