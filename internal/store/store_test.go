package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/discovery-cli/internal/model"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 0, 123456000, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// implementations runs every contract test against each local store.
var implementations = map[string]func(t *testing.T) Store{
	"memory": func(*testing.T) Store { return NewMemory() },
	"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
}

func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, mk := range implementations {
		t.Run(name, func(t *testing.T) {
			fn(t, mk(t))
		})
	}
}

func testRun(id string) *model.Run {
	return &model.Run{
		ID:            id,
		ClientID:      "client-1",
		EngagementID:  "eng-1",
		Stage:         model.StagePending,
		Status:        model.RunStatusPending,
		BudgetCeiling: 100,
		Snapshot:      json.RawMessage(`{"client_name":"Acme"}`),
		CreatedAt:     t0,
		UpdatedAt:     t0,
		Version:       1,
	}
}

func TestStore_CreateAndGetRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateRun(ctx, testRun("run-1")))

		got, err := st.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "client-1", got.ClientID)
		assert.Equal(t, "eng-1", got.EngagementID)
		assert.Equal(t, model.StagePending, got.Stage)
		assert.Equal(t, model.RunStatusPending, got.Status)
		assert.Equal(t, 100.0, got.BudgetCeiling)
		assert.Equal(t, int64(1), got.Version)
		assert.JSONEq(t, `{"client_name":"Acme"}`, string(got.Snapshot))
		assert.True(t, got.CreatedAt.Equal(t0))
		assert.Nil(t, got.Failure)
		assert.Nil(t, got.LeaseUntil)
	})
}

func TestStore_GetRunNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		_, err := st.GetRun(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
		assert.False(t, IsUnavailable(err))

		_, err = st.GetReport(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CheckpointCAS(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateRun(ctx, testRun("run-1")))

		first, err := st.GetRun(ctx, "run-1")
		require.NoError(t, err)
		stale := first.Clone()

		lease := t0.Add(time.Minute)
		first.Status = model.RunStatusRunning
		first.Stage = model.StageExtracting
		first.LeaseOwner = "worker-a"
		first.LeaseUntil = &lease
		ok, err := st.Checkpoint(ctx, Checkpoint{Run: first})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), first.Version)

		stale.Status = model.RunStatusRunning
		stale.LeaseOwner = "worker-b"
		ok, err = st.Checkpoint(ctx, Checkpoint{
			Run:    stale,
			Result: &model.StageResult{RunID: "run-1", Stage: model.StageExtracting, Attempt: 0, Payload: json.RawMessage(`{}`), CreatedAt: t0},
			Ledger: []model.LedgerEntry{{ID: "e-stale", RunID: "run-1", Stage: model.StageExtracting, Cost: 1, CreatedAt: t0}},
		})
		require.NoError(t, err)
		assert.False(t, ok, "stale version must lose")

		got, err := st.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "worker-a", got.LeaseOwner)
		assert.Equal(t, int64(2), got.Version)
		require.NotNil(t, got.LeaseUntil)
		assert.True(t, got.LeaseUntil.Equal(lease))

		results, err := st.LatestResults(ctx, "run-1")
		require.NoError(t, err)
		assert.Empty(t, results, "losing checkpoint writes nothing")
		entries, err := st.ListLedger(ctx, "run-1")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestStore_CheckpointWritesEverythingTogether(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateRun(ctx, testRun("run-1")))
		run, err := st.GetRun(ctx, "run-1")
		require.NoError(t, err)

		entries := []model.LedgerEntry{
			{ID: "e1", RunID: "run-1", Stage: model.StageSynthesizing, Units: 1500, Cost: 0.25, CreatedAt: t0},
			{ID: "e2", RunID: "run-1", Stage: model.StageSynthesizing, Units: 900, Cost: 0.125, CreatedAt: t0.Add(time.Second)},
		}
		run.Stage = model.StageMapping
		run.Status = model.RunStatusPending
		run.AccumulatedCost = model.SumCost(entries)
		ok, err := st.Checkpoint(ctx, Checkpoint{
			Run: run,
			Result: &model.StageResult{
				RunID: "run-1", Stage: model.StageSynthesizing, Fingerprint: "abc",
				Payload: json.RawMessage(`{"sections":[]}`), Cost: 0.375, CreatedAt: t0,
			},
			Ledger: entries,
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := st.GetRun(ctx, "run-1")
		require.NoError(t, err)
		ledger, err := st.ListLedger(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, ledger, 2)
		assert.Equal(t, "e1", ledger[0].ID)
		assert.Equal(t, int64(1500), ledger[0].Units)
		assert.InDelta(t, got.AccumulatedCost, model.SumCost(ledger), 1e-9)

		results, err := st.LatestResults(ctx, "run-1")
		require.NoError(t, err)
		require.Contains(t, results, model.StageSynthesizing)
		assert.Equal(t, "abc", results[model.StageSynthesizing].Fingerprint)
		assert.JSONEq(t, `{"sections":[]}`, string(results[model.StageSynthesizing].Payload))
	})
}

func TestStore_LatestResultsTakesHighestAttempt(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateRun(ctx, testRun("run-1")))
		run, _ := st.GetRun(ctx, "run-1")

		for attempt, payload := range []string{`{"v":0}`, `{"v":1}`} {
			ok, err := st.Checkpoint(ctx, Checkpoint{
				Run:    run,
				Result: &model.StageResult{RunID: "run-1", Stage: model.StageExtracting, Attempt: attempt, Payload: json.RawMessage(payload), CreatedAt: t0},
			})
			require.NoError(t, err)
			require.True(t, ok)
		}

		results, err := st.LatestResults(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 1, results[model.StageExtracting].Attempt)
		assert.JSONEq(t, `{"v":1}`, string(results[model.StageExtracting].Payload))
	})
}

func TestStore_ReportIsImmutable(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateRun(ctx, testRun("run-1")))
		run, _ := st.GetRun(ctx, "run-1")

		first := &model.Report{RunID: "run-1", ClientID: "client-1", Metadata: model.ReportMetadata{TotalCost: 1.5, Models: []string{"sonnet"}}}
		run.Status = model.RunStatusComplete
		run.Stage = model.StageComplete
		run.Failure = &model.Failure{Stage: model.StageMapping, Kind: model.FailureValidation, Message: "kept"}
		ok, err := st.Checkpoint(ctx, Checkpoint{Run: run, Report: first})
		require.NoError(t, err)
		require.True(t, ok)

		second := &model.Report{RunID: "run-1", Metadata: model.ReportMetadata{TotalCost: 99}}
		ok, err = st.Checkpoint(ctx, Checkpoint{Run: run, Report: second})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := st.GetReport(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, 1.5, got.Metadata.TotalCost)
		assert.Equal(t, []string{"sonnet"}, got.Metadata.Models)

		r, err := st.GetRun(ctx, "run-1")
		require.NoError(t, err)
		require.NotNil(t, r.Failure)
		assert.Equal(t, model.FailureValidation, r.Failure.Kind)
	})
}

func TestStore_ListRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i, id := range []string{"a", "b", "c"} {
			r := testRun(id)
			r.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
			if id == "b" {
				r.ClientID = "client-2"
				r.Status = model.RunStatusFailed
			}
			require.NoError(t, st.CreateRun(ctx, r))
		}

		all, err := st.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].ID, "newest first")

		failed, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "b", failed[0].ID)

		client, err := st.ListRuns(ctx, RunFilter{ClientID: "client-1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, client, 1)
		assert.Equal(t, "c", client[0].ID)

		page, err := st.ListRuns(ctx, RunFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "a", page[0].ID)
	})
}

func TestStore_CacheClaimLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		entry, err := st.GetCacheEntry(ctx, "fp")
		require.NoError(t, err)
		assert.Nil(t, entry)

		ok, err := st.ClaimCacheEntry(ctx, "fp", model.StageMapping, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.ClaimCacheEntry(ctx, "fp", model.StageMapping, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "live claim blocks a second claimant")

		entry, err = st.GetCacheEntry(ctx, "fp")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, model.CacheStatusPending, entry.Status)
		assert.Equal(t, model.StageMapping, entry.Stage)

		require.NoError(t, st.FillCacheEntry(ctx, "fp", []byte(`{"ok":true}`), now.Add(time.Hour)))
		entry, err = st.GetCacheEntry(ctx, "fp")
		require.NoError(t, err)
		assert.Equal(t, model.CacheStatusReady, entry.Status)
		assert.JSONEq(t, `{"ok":true}`, string(entry.Value))
		assert.Nil(t, entry.ClaimUntil)

		ok, err = st.ClaimCacheEntry(ctx, "fp", model.StageMapping, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "fresh value cannot be claimed")

		require.NoError(t, st.ReleaseCacheEntry(ctx, "fp"))
		entry, _ = st.GetCacheEntry(ctx, "fp")
		assert.NotNil(t, entry, "release only removes pending markers")

		require.NoError(t, st.DeleteCacheEntry(ctx, "fp"))
		entry, _ = st.GetCacheEntry(ctx, "fp")
		assert.Nil(t, entry)
	})
}

func TestStore_CacheTakeoverAndPurge(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		ok, err := st.ClaimCacheEntry(ctx, "abandoned", model.StageSynthesizing, now.Add(-time.Second))
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = st.ClaimCacheEntry(ctx, "abandoned", model.StageSynthesizing, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok, "expired claim is taken over")

		require.NoError(t, st.FillCacheEntry(ctx, "stale", []byte(`1`), now.Add(-time.Minute)))
		ok, err = st.ClaimCacheEntry(ctx, "stale", model.StageSynthesizing, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok, "expired value is recomputed")

		require.NoError(t, st.FillCacheEntry(ctx, "old", []byte(`2`), now.Add(-time.Minute)))
		require.NoError(t, st.FillCacheEntry(ctx, "fresh", []byte(`3`), now.Add(time.Hour)))
		n, err := st.DeleteExpiredCache(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		entry, _ := st.GetCacheEntry(ctx, "fresh")
		assert.NotNil(t, entry)
	})
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, unavailable("op", nil))
	assert.ErrorIs(t, unavailable("op", ErrNotFound), ErrNotFound)
	assert.False(t, IsUnavailable(unavailable("op", ErrNotFound)))

	err := unavailable("sqlite: ping", errors.New("disk I/O error"))
	assert.True(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "sqlite: ping")
}

func TestOpen(t *testing.T) {
	st, err := Open(context.Background(), Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, st)

	st, err = Open(context.Background(), Config{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, st)
	require.NoError(t, st.Close())

	_, err = Open(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
}
