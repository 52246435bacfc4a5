package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/discovery-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It holds a single
// connection so every transaction is serialized.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "discovery.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("sqlite: open", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, unavailable("sqlite: exec "+pragma, err)
		}
	}
	return &SQLiteStore{db: db, nowFunc: func() time.Time { return time.Now().UTC() }}, nil
}

// Timestamps are fixed-width UTC text so that string comparison in SQL
// orders them correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func sqliteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTime(*t)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseSQLiteTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseSQLiteTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	client_id        TEXT NOT NULL,
	engagement_id    TEXT NOT NULL,
	stage            TEXT NOT NULL DEFAULT 'pending',
	status           TEXT NOT NULL DEFAULT 'pending',
	budget_ceiling   REAL NOT NULL,
	accumulated_cost REAL NOT NULL DEFAULT 0,
	attempt          INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  TEXT,
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_until      TEXT,
	abort_requested  INTEGER NOT NULL DEFAULT 0,
	failure          TEXT,
	snapshot         TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	version          INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_client_id ON runs(client_id, created_at);

CREATE TABLE IF NOT EXISTS stage_results (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	stage       TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	cost        REAL NOT NULL DEFAULT 0,
	cache_hit   INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, stage, attempt)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	stage      TEXT NOT NULL,
	units      INTEGER NOT NULL DEFAULT 0,
	cost       REAL NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_run_id ON ledger_entries(run_id, created_at);

CREATE TABLE IF NOT EXISTS reports (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	report     TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	stage       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	value       TEXT,
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL,
	claim_until TEXT
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return unavailable("sqlite: ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return unavailable("sqlite: migrate", err)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	failure, err := marshalFailure(run.Failure)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ClientID, run.EngagementID, string(run.Stage), string(run.Status),
		run.BudgetCeiling, run.AccumulatedCost, run.Attempt, sqliteTimePtr(run.NextAttemptAt),
		run.LeaseOwner, sqliteTimePtr(run.LeaseUntil), run.AbortRequested, nullText(failure), nullText(run.Snapshot),
		sqliteTime(run.CreatedAt), sqliteTime(run.UpdatedAt), run.Version,
	)
	return unavailable("sqlite: insert run", err)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	return run, unavailable("sqlite: get run", err)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, filter.limit(), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("sqlite: list runs", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, unavailable("sqlite: scan run", err)
		}
		runs = append(runs, *r)
	}
	return runs, unavailable("sqlite: list runs iterate", rows.Err())
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var (
		r                       model.Run
		stage, status           string
		nextAttempt, leaseUntil sql.NullString
		failure, snapshot       sql.NullString
		createdAt, updatedAt    string
	)
	err := row.Scan(&r.ID, &r.ClientID, &r.EngagementID, &stage, &status,
		&r.BudgetCeiling, &r.AccumulatedCost, &r.Attempt, &nextAttempt,
		&r.LeaseOwner, &leaseUntil, &r.AbortRequested, &failure, &snapshot,
		&createdAt, &updatedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	r.Stage = model.Stage(stage)
	r.Status = model.RunStatus(status)
	if r.NextAttemptAt, err = parseSQLiteTimePtr(nextAttempt); err != nil {
		return nil, err
	}
	if r.LeaseUntil, err = parseSQLiteTimePtr(leaseUntil); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	if snapshot.Valid && snapshot.String != "" {
		r.Snapshot = json.RawMessage(snapshot.String)
	}
	if r.Failure, err = unmarshalFailure([]byte(failure.String)); err != nil {
		return nil, err
	}
	return &r, nil
}

// Checkpoint applies cp in one transaction guarded by the run version.
func (s *SQLiteStore) Checkpoint(ctx context.Context, cp Checkpoint) (bool, error) {
	run := cp.Run
	failure, err := marshalFailure(run.Failure)
	if err != nil {
		return false, err
	}
	var report []byte
	if cp.Report != nil {
		if report, err = json.Marshal(cp.Report); err != nil {
			return false, eris.Wrap(err, "sqlite: marshal report")
		}
	}
	now := s.nowFunc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("sqlite: begin checkpoint", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET stage = ?, status = ?, accumulated_cost = ?, attempt = ?,
			next_attempt_at = ?, lease_owner = ?, lease_until = ?, abort_requested = ?,
			failure = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(run.Stage), string(run.Status), run.AccumulatedCost, run.Attempt,
		sqliteTimePtr(run.NextAttemptAt), run.LeaseOwner, sqliteTimePtr(run.LeaseUntil), run.AbortRequested,
		nullText(failure), sqliteTime(now), run.ID, run.Version,
	)
	if err != nil {
		return false, unavailable("sqlite: update run", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, unavailable("sqlite: rows affected", err)
	} else if n == 0 {
		return false, nil
	}

	if r := cp.Result; r != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_results (run_id, stage, attempt, fingerprint, payload, cost, cache_hit, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, string(r.Stage), r.Attempt, r.Fingerprint, string(r.Payload), r.Cost, r.CacheHit, sqliteTime(r.CreatedAt),
		); err != nil {
			return false, unavailable("sqlite: insert result", err)
		}
	}

	for _, e := range cp.Ledger {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, run_id, stage, units, cost, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.RunID, string(e.Stage), e.Units, e.Cost, sqliteTime(e.CreatedAt),
		); err != nil {
			return false, unavailable("sqlite: insert ledger entry", err)
		}
	}

	if report != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reports (run_id, report, created_at) VALUES (?, ?, ?) ON CONFLICT (run_id) DO NOTHING`,
			run.ID, string(report), sqliteTime(now),
		); err != nil {
			return false, unavailable("sqlite: insert report", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable("sqlite: commit checkpoint", err)
	}
	run.Version++
	run.UpdatedAt = now
	return true, nil
}

func (s *SQLiteStore) LatestResults(ctx context.Context, runID string) (map[model.Stage]*model.StageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.run_id, r.stage, r.attempt, r.fingerprint, r.payload, r.cost, r.cache_hit, r.created_at
		 FROM stage_results r
		 WHERE r.run_id = ? AND r.attempt = (
			SELECT MAX(attempt) FROM stage_results WHERE run_id = r.run_id AND stage = r.stage
		 )`,
		runID,
	)
	if err != nil {
		return nil, unavailable("sqlite: latest results", err)
	}
	defer rows.Close()

	out := make(map[model.Stage]*model.StageResult)
	for rows.Next() {
		var (
			r                  model.StageResult
			stage, payload, at string
		)
		if err := rows.Scan(&r.RunID, &stage, &r.Attempt, &r.Fingerprint, &payload, &r.Cost, &r.CacheHit, &at); err != nil {
			return nil, unavailable("sqlite: scan result", err)
		}
		if r.CreatedAt, err = parseSQLiteTime(at); err != nil {
			return nil, err
		}
		r.Stage = model.Stage(stage)
		r.Payload = json.RawMessage(payload)
		out[r.Stage] = &r
	}
	return out, unavailable("sqlite: latest results iterate", rows.Err())
}

func (s *SQLiteStore) ListLedger(ctx context.Context, runID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, units, cost, created_at FROM ledger_entries WHERE run_id = ? ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, unavailable("sqlite: list ledger", err)
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		var (
			e         model.LedgerEntry
			stage, at string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stage, &e.Units, &e.Cost, &at); err != nil {
			return nil, unavailable("sqlite: scan ledger entry", err)
		}
		if e.CreatedAt, err = parseSQLiteTime(at); err != nil {
			return nil, err
		}
		e.Stage = model.Stage(stage)
		entries = append(entries, e)
	}
	return entries, unavailable("sqlite: list ledger iterate", rows.Err())
}

func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*model.Report, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM reports WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: report for run %s", runID)
	}
	if err != nil {
		return nil, unavailable("sqlite: get report", err)
	}
	var rep model.Report
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal report")
	}
	return &rep, nil
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	var (
		e                    model.CacheEntry
		stage, status        string
		value, claimUntil    sql.NullString
		createdAt, expiresAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, stage, status, value, created_at, expires_at, claim_until
		 FROM cache_entries WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&e.Fingerprint, &stage, &status, &value, &createdAt, &expiresAt, &claimUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("sqlite: get cache entry", err)
	}
	e.Stage = model.Stage(stage)
	e.Status = model.CacheStatus(status)
	if value.Valid {
		e.Value = json.RawMessage(value.String)
	}
	if e.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if e.ExpiresAt, err = parseSQLiteTime(expiresAt); err != nil {
		return nil, err
	}
	if e.ClaimUntil, err = parseSQLiteTimePtr(claimUntil); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) ClaimCacheEntry(ctx context.Context, fingerprint string, stage model.Stage, claimUntil time.Time) (bool, error) {
	now := sqliteTime(s.nowFunc())
	until := sqliteTime(claimUntil)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, stage, status, value, created_at, expires_at, claim_until)
		 VALUES (?, ?, 'pending', NULL, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			stage = excluded.stage, status = 'pending', value = NULL,
			created_at = excluded.created_at, expires_at = excluded.expires_at, claim_until = excluded.claim_until
		 WHERE (cache_entries.status = 'ready' AND cache_entries.expires_at <= ?)
			OR (cache_entries.status = 'pending' AND cache_entries.claim_until <= ?)`,
		fingerprint, string(stage), now, until, until, now, now,
	)
	if err != nil {
		return false, unavailable("sqlite: claim cache entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("sqlite: rows affected", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) FillCacheEntry(ctx context.Context, fingerprint string, value []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, status, value, created_at, expires_at)
		 VALUES (?, 'ready', ?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			status = 'ready', value = excluded.value, expires_at = excluded.expires_at, claim_until = NULL`,
		fingerprint, string(value), sqliteTime(s.nowFunc()), sqliteTime(expiresAt),
	)
	return unavailable("sqlite: fill cache entry", err)
}

func (s *SQLiteStore) ReleaseCacheEntry(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ? AND status = 'pending'`, fingerprint)
	return unavailable("sqlite: release cache entry", err)
}

func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
	return unavailable("sqlite: delete cache entry", err)
}

func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context) (int, error) {
	now := sqliteTime(s.nowFunc())
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries
		 WHERE (status = 'ready' AND expires_at <= ?) OR (status = 'pending' AND claim_until <= ?)`,
		now, now,
	)
	if err != nil {
		return 0, unavailable("sqlite: delete expired cache", err)
	}
	n, err := res.RowsAffected()
	return int(n), unavailable("sqlite: rows affected", err)
}

func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
