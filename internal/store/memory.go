package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/discovery-cli/internal/model"
)

// MemoryStore is an in-process Store for tests and the --store memory dev
// mode. All state is lost on exit.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[string]*model.Run
	results map[string][]model.StageResult
	ledger  map[string][]model.LedgerEntry
	reports map[string][]byte
	cache   map[string]*model.CacheEntry

	nowFunc func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*model.Run),
		results: make(map[string][]model.StageResult),
		ledger:  make(map[string][]model.LedgerEntry),
		reports: make(map[string][]byte),
		cache:   make(map[string]*model.CacheEntry),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(context.Context) error    { return nil }
func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateRun(ctx context.Context, run *model.Run) error {
	if err := ctx.Err(); err != nil {
		return unavailable("memory: insert run", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return unavailable("memory: insert run", eris.Errorf("duplicate run id %s", run.ID))
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: get run %s", runID)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]model.Run, error) {
	m.mu.Lock()
	var runs []model.Run
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.ClientID != "" && r.ClientID != filter.ClientID {
			continue
		}
		runs = append(runs, *r.Clone())
	}
	m.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	if filter.Offset >= len(runs) {
		return nil, nil
	}
	runs = runs[filter.Offset:]
	if n := filter.limit(); len(runs) > n {
		runs = runs[:n]
	}
	return runs, nil
}

func (m *MemoryStore) Checkpoint(ctx context.Context, cp Checkpoint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("memory: checkpoint", err)
	}
	var report []byte
	if cp.Report != nil {
		var err error
		if report, err = json.Marshal(cp.Report); err != nil {
			return false, eris.Wrap(err, "memory: marshal report")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.runs[cp.Run.ID]
	if !ok {
		return false, eris.Wrapf(ErrNotFound, "memory: checkpoint run %s", cp.Run.ID)
	}
	if cur.Version != cp.Run.Version {
		return false, nil
	}

	now := m.nowFunc()
	next := cp.Run.Clone()
	next.Version++
	next.UpdatedAt = now
	next.Snapshot = cur.Snapshot
	next.CreatedAt = cur.CreatedAt
	m.runs[next.ID] = next

	if cp.Result != nil {
		r := *cp.Result
		r.Payload = append(json.RawMessage(nil), r.Payload...)
		m.results[next.ID] = append(m.results[next.ID], r)
	}
	m.ledger[next.ID] = append(m.ledger[next.ID], cp.Ledger...)
	if report != nil {
		if _, exists := m.reports[next.ID]; !exists {
			m.reports[next.ID] = report
		}
	}

	cp.Run.Version = next.Version
	cp.Run.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) LatestResults(_ context.Context, runID string) (map[model.Stage]*model.StageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.Stage]*model.StageResult)
	for _, r := range m.results[runID] {
		if prev, ok := out[r.Stage]; ok && prev.Attempt > r.Attempt {
			continue
		}
		cp := r
		out[r.Stage] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListLedger(_ context.Context, runID string) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.LedgerEntry, len(m.ledger[runID]))
	copy(out, m.ledger[runID])
	return out, nil
}

func (m *MemoryStore) GetReport(_ context.Context, runID string) (*model.Report, error) {
	m.mu.Lock()
	raw, ok := m.reports[runID]
	m.mu.Unlock()
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: report for run %s", runID)
	}
	var rep model.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, eris.Wrap(err, "memory: unmarshal report")
	}
	return &rep, nil
}

func (m *MemoryStore) GetCacheEntry(_ context.Context, fingerprint string) (*model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[fingerprint]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ClaimCacheEntry(_ context.Context, fingerprint string, stage model.Stage, claimUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	if e, ok := m.cache[fingerprint]; ok {
		switch e.Status {
		case model.CacheStatusReady:
			if !e.Expired(now) {
				return false, nil
			}
		case model.CacheStatusPending:
			if e.ClaimUntil != nil && now.Before(*e.ClaimUntil) {
				return false, nil
			}
		}
	}
	until := claimUntil
	m.cache[fingerprint] = &model.CacheEntry{
		Fingerprint: fingerprint,
		Stage:       stage,
		Status:      model.CacheStatusPending,
		CreatedAt:   now,
		ExpiresAt:   claimUntil,
		ClaimUntil:  &until,
	}
	return true, nil
}

func (m *MemoryStore) FillCacheEntry(_ context.Context, fingerprint string, value []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[fingerprint]
	if !ok {
		e = &model.CacheEntry{Fingerprint: fingerprint, CreatedAt: m.nowFunc()}
		m.cache[fingerprint] = e
	}
	e.Status = model.CacheStatusReady
	e.Value = append(json.RawMessage(nil), value...)
	e.ExpiresAt = expiresAt
	e.ClaimUntil = nil
	return nil
}

func (m *MemoryStore) ReleaseCacheEntry(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[fingerprint]; ok && e.Status == model.CacheStatusPending {
		delete(m.cache, fingerprint)
	}
	return nil
}

func (m *MemoryStore) DeleteCacheEntry(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, fingerprint)
	return nil
}

func (m *MemoryStore) DeleteExpiredCache(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	n := 0
	for k, e := range m.cache {
		expired := e.Status == model.CacheStatusReady && e.Expired(now)
		abandoned := e.Status == model.CacheStatusPending && e.ClaimUntil != nil && !now.Before(*e.ClaimUntil)
		if expired || abandoned {
			delete(m.cache, k)
			n++
		}
	}
	return n, nil
}
