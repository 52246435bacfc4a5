package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/discovery-cli/internal/db"
	"github.com/sells-group/discovery-cli/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	nowFunc func() time.Time
}

// NewPostgres connects to Postgres and returns a store.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, db.PoolConfig{MaxConns: maxConns, MinConns: minConns})
	if err != nil {
		return nil, unavailable("postgres: connect", err)
	}
	return newPostgres(pool), nil
}

func newPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, nowFunc: func() time.Time { return time.Now().UTC() }}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	client_id        TEXT NOT NULL,
	engagement_id    TEXT NOT NULL,
	stage            TEXT NOT NULL DEFAULT 'pending',
	status           TEXT NOT NULL DEFAULT 'pending',
	budget_ceiling   NUMERIC(18,6) NOT NULL,
	accumulated_cost NUMERIC(18,6) NOT NULL DEFAULT 0,
	attempt          INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  TIMESTAMPTZ,
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_until      TIMESTAMPTZ,
	abort_requested  BOOLEAN NOT NULL DEFAULT false,
	failure          JSONB,
	snapshot         JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	version          BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_client_id ON runs(client_id, created_at DESC);

CREATE TABLE IF NOT EXISTS stage_results (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	stage       TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL,
	cost        NUMERIC(18,6) NOT NULL DEFAULT 0,
	cache_hit   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, stage, attempt)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	stage      TEXT NOT NULL,
	units      BIGINT NOT NULL DEFAULT 0,
	cost       NUMERIC(18,6) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_run_id ON ledger_entries(run_id, created_at);

CREATE TABLE IF NOT EXISTS reports (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	report     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	stage       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	value       JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL,
	claim_until TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return unavailable("postgres: ping", err)
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return unavailable("postgres: migrate", err)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const runColumns = `id, client_id, engagement_id, stage, status, budget_ceiling, accumulated_cost, attempt,
	next_attempt_at, lease_owner, lease_until, abort_requested, failure, snapshot, created_at, updated_at, version`

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	failure, err := marshalFailure(run.Failure)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		run.ID, run.ClientID, run.EngagementID, string(run.Stage), string(run.Status),
		run.BudgetCeiling, run.AccumulatedCost, run.Attempt, run.NextAttemptAt,
		run.LeaseOwner, run.LeaseUntil, run.AbortRequested, failure, nullJSON(run.Snapshot),
		run.CreatedAt, run.UpdatedAt, run.Version,
	)
	return unavailable("postgres: insert run", err)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	return run, unavailable("postgres: get run", err)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE ($1 = '' OR status = $1) AND ($2 = '' OR client_id = $2)
		 ORDER BY created_at DESC, id
		 LIMIT $3 OFFSET $4`,
		string(filter.Status), filter.ClientID, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, unavailable("postgres: list runs", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, unavailable("postgres: scan run", err)
		}
		runs = append(runs, *r)
	}
	return runs, unavailable("postgres: list runs iterate", rows.Err())
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var (
		r                 model.Run
		stage, status     string
		failure, snapshot []byte
	)
	err := row.Scan(&r.ID, &r.ClientID, &r.EngagementID, &stage, &status,
		&r.BudgetCeiling, &r.AccumulatedCost, &r.Attempt, &r.NextAttemptAt,
		&r.LeaseOwner, &r.LeaseUntil, &r.AbortRequested, &failure, &snapshot,
		&r.CreatedAt, &r.UpdatedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	r.Stage = model.Stage(stage)
	r.Status = model.RunStatus(status)
	if len(snapshot) > 0 {
		r.Snapshot = json.RawMessage(snapshot)
	}
	if r.Failure, err = unmarshalFailure(failure); err != nil {
		return nil, err
	}
	return &r, nil
}

// Checkpoint applies cp in one transaction guarded by the run version.
func (s *PostgresStore) Checkpoint(ctx context.Context, cp Checkpoint) (bool, error) {
	run := cp.Run
	failure, err := marshalFailure(run.Failure)
	if err != nil {
		return false, err
	}
	now := s.nowFunc()

	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE runs SET stage = $1, status = $2, accumulated_cost = $3, attempt = $4,
				next_attempt_at = $5, lease_owner = $6, lease_until = $7, abort_requested = $8,
				failure = $9, updated_at = $10, version = version + 1
			 WHERE id = $11 AND version = $12`,
			string(run.Stage), string(run.Status), run.AccumulatedCost, run.Attempt,
			run.NextAttemptAt, run.LeaseOwner, run.LeaseUntil, run.AbortRequested,
			failure, now, run.ID, run.Version,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: update run")
		}
		if tag.RowsAffected() == 0 {
			return errConflict
		}

		if res := cp.Result; res != nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO stage_results (run_id, stage, attempt, fingerprint, payload, cost, cache_hit, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				res.RunID, string(res.Stage), res.Attempt, res.Fingerprint, []byte(res.Payload),
				res.Cost, res.CacheHit, res.CreatedAt,
			); err != nil {
				return eris.Wrapf(err, "postgres: insert %s result", res.Stage)
			}
		}

		if len(cp.Ledger) > 0 {
			rows := make([][]any, len(cp.Ledger))
			for i, e := range cp.Ledger {
				rows[i] = []any{e.ID, e.RunID, string(e.Stage), e.Units, e.Cost, e.CreatedAt}
			}
			if _, err := db.CopyFrom(ctx, tx, "ledger_entries",
				[]string{"id", "run_id", "stage", "units", "cost", "created_at"}, rows); err != nil {
				return err
			}
		}

		if cp.Report != nil {
			report, err := json.Marshal(cp.Report)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal report")
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO reports (run_id, report, created_at) VALUES ($1, $2, $3) ON CONFLICT (run_id) DO NOTHING`,
				run.ID, report, now,
			); err != nil {
				return eris.Wrap(err, "postgres: insert report")
			}
		}
		return nil
	})
	if errors.Is(err, errConflict) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("postgres: checkpoint "+run.ID, err)
	}
	run.Version++
	run.UpdatedAt = now
	return true, nil
}

func (s *PostgresStore) LatestResults(ctx context.Context, runID string) (map[model.Stage]*model.StageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (stage) run_id, stage, attempt, fingerprint, payload, cost, cache_hit, created_at
		 FROM stage_results WHERE run_id = $1
		 ORDER BY stage, attempt DESC`,
		runID,
	)
	if err != nil {
		return nil, unavailable("postgres: latest results", err)
	}
	defer rows.Close()

	out := make(map[model.Stage]*model.StageResult)
	for rows.Next() {
		var (
			r       model.StageResult
			stage   string
			payload []byte
		)
		if err := rows.Scan(&r.RunID, &stage, &r.Attempt, &r.Fingerprint, &payload, &r.Cost, &r.CacheHit, &r.CreatedAt); err != nil {
			return nil, unavailable("postgres: scan result", err)
		}
		r.Stage = model.Stage(stage)
		r.Payload = json.RawMessage(payload)
		out[r.Stage] = &r
	}
	return out, unavailable("postgres: latest results iterate", rows.Err())
}

func (s *PostgresStore) ListLedger(ctx context.Context, runID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, units, cost, created_at FROM ledger_entries WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, unavailable("postgres: list ledger", err)
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		var (
			e     model.LedgerEntry
			stage string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stage, &e.Units, &e.Cost, &e.CreatedAt); err != nil {
			return nil, unavailable("postgres: scan ledger entry", err)
		}
		e.Stage = model.Stage(stage)
		entries = append(entries, e)
	}
	return entries, unavailable("postgres: list ledger iterate", rows.Err())
}

func (s *PostgresStore) GetReport(ctx context.Context, runID string) (*model.Report, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT report FROM reports WHERE run_id = $1`, runID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: report for run %s", runID)
	}
	if err != nil {
		return nil, unavailable("postgres: get report", err)
	}
	var rep model.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal report")
	}
	return &rep, nil
}

func (s *PostgresStore) GetCacheEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	var (
		e             model.CacheEntry
		stage, status string
		value         []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT fingerprint, stage, status, value, created_at, expires_at, claim_until
		 FROM cache_entries WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&e.Fingerprint, &stage, &status, &value, &e.CreatedAt, &e.ExpiresAt, &e.ClaimUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("postgres: get cache entry", err)
	}
	e.Stage = model.Stage(stage)
	e.Status = model.CacheStatus(status)
	if len(value) > 0 {
		e.Value = json.RawMessage(value)
	}
	return &e, nil
}

// ClaimCacheEntry inserts a pending marker, or takes over an expired value
// or an abandoned claim. RowsAffected tells the caller whether it won.
func (s *PostgresStore) ClaimCacheEntry(ctx context.Context, fingerprint string, stage model.Stage, claimUntil time.Time) (bool, error) {
	now := s.nowFunc()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (fingerprint, stage, status, value, created_at, expires_at, claim_until)
		 VALUES ($1, $2, 'pending', NULL, $3, $4, $4)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			stage = EXCLUDED.stage, status = 'pending', value = NULL,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at, claim_until = EXCLUDED.claim_until
		 WHERE (cache_entries.status = 'ready' AND cache_entries.expires_at <= $3)
			OR (cache_entries.status = 'pending' AND cache_entries.claim_until <= $3)`,
		fingerprint, string(stage), now, claimUntil,
	)
	if err != nil {
		return false, unavailable("postgres: claim cache entry", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FillCacheEntry(ctx context.Context, fingerprint string, value []byte, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (fingerprint, status, value, created_at, expires_at)
		 VALUES ($1, 'ready', $2, $3, $4)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			status = 'ready', value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, claim_until = NULL`,
		fingerprint, value, s.nowFunc(), expiresAt,
	)
	return unavailable("postgres: fill cache entry", err)
}

func (s *PostgresStore) ReleaseCacheEntry(ctx context.Context, fingerprint string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE fingerprint = $1 AND status = 'pending'`, fingerprint)
	return unavailable("postgres: release cache entry", err)
}

func (s *PostgresStore) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE fingerprint = $1`, fingerprint)
	return unavailable("postgres: delete cache entry", err)
}

func (s *PostgresStore) DeleteExpiredCache(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries
		 WHERE (status = 'ready' AND expires_at <= $1) OR (status = 'pending' AND claim_until <= $1)`,
		s.nowFunc(),
	)
	if err != nil {
		return 0, unavailable("postgres: delete expired cache", err)
	}
	return int(tag.RowsAffected()), nil
}

// helpers

func marshalFailure(f *model.Failure) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	return b, eris.Wrap(err, "store: marshal failure")
}

func unmarshalFailure(b []byte) (*model.Failure, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var f model.Failure
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal failure")
	}
	return &f, nil
}

func nullJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
