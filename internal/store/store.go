// Package store persists runs, stage results, ledger entries, reports and
// fingerprint cache rows. Every implementation makes a Checkpoint atomic:
// the run row, its new result, its ledger entries and its report land
// together or not at all.
package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/model"
)

// ErrNotFound is returned when a run or report does not exist.
var ErrNotFound = eris.New("store: not found")

// errConflict aborts a checkpoint transaction whose expected version no
// longer matches. It never leaves the package.
var errConflict = eris.New("store: version conflict")

// UnavailableError wraps any I/O failure talking to the backing store.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string { return "store unavailable: " + e.Op + ": " + e.Err.Error() }

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a store I/O failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// unavailable wraps err for op, passing nil and ErrNotFound through.
func unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   model.RunStatus `json:"status,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Checkpoint is one state transition. Run carries the new state with
// Version set to the version the caller observed; on success the store
// bumps Run.Version. Result, Ledger and Report are optional.
type Checkpoint struct {
	Run    *model.Run
	Result *model.StageResult
	Ledger []model.LedgerEntry
	Report *model.Report
}

// Store defines the persistence interface for the discovery pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Checkpoint applies cp if the stored version equals cp.Run.Version.
	// It returns false, nil when another writer got there first.
	Checkpoint(ctx context.Context, cp Checkpoint) (bool, error)

	// Results, ledger and report
	LatestResults(ctx context.Context, runID string) (map[model.Stage]*model.StageResult, error)
	ListLedger(ctx context.Context, runID string) ([]model.LedgerEntry, error)
	GetReport(ctx context.Context, runID string) (*model.Report, error)

	// Fingerprint cache rows
	cache.Backing

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and tunes a store implementation.
type Config struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Open builds the store named by cfg.Driver: "postgres", "sqlite" or
// "memory".
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns, cfg.MinConns)
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
