// Package cache deduplicates expensive computations by fingerprint, within
// a process (singleflight) and across processes sharing a store (claim rows).
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/discovery-cli/internal/model"
)

// Backing is the shared persistence a Cache coordinates through. Get
// returns nil, nil for a missing fingerprint. Claim inserts a pending
// marker and reports whether the caller now owns the computation.
type Backing interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (*model.CacheEntry, error)
	ClaimCacheEntry(ctx context.Context, fingerprint string, stage model.Stage, claimUntil time.Time) (bool, error)
	FillCacheEntry(ctx context.Context, fingerprint string, value []byte, expiresAt time.Time) error
	ReleaseCacheEntry(ctx context.Context, fingerprint string) error
	DeleteCacheEntry(ctx context.Context, fingerprint string) error
	DeleteExpiredCache(ctx context.Context) (int, error)
}

// Options tunes cross-process coordination.
type Options struct {
	// ClaimTTL bounds how long a pending marker blocks other processes.
	ClaimTTL time.Duration
	// PollInterval is how often a waiting process re-reads a claimed entry.
	PollInterval time.Duration
	// ComputeTimeout bounds one compute, which is not cancelled with the
	// caller that started it.
	ComputeTimeout time.Duration
}

// Result is the outcome of GetOrCompute. Hit is false only for the caller
// whose compute function actually ran.
type Result struct {
	Value []byte
	Hit   bool
}

// Stats counts lookups since the cache was created.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	backing Backing
	opts    Options
	group   singleflight.Group

	mu    sync.RWMutex
	local map[string]localEntry

	hits   atomic.Int64
	misses atomic.Int64

	nowFunc func() time.Time
}

// New creates a Cache. backing may be nil for a process-local cache.
func New(backing Backing, opts Options) *Cache {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.ComputeTimeout <= 0 {
		opts.ComputeTimeout = 10 * time.Minute
	}
	return &Cache{
		backing: backing,
		opts:    opts,
		local:   make(map[string]localEntry),
		nowFunc: time.Now,
	}
}

// GetOrCompute returns the cached value for fp or runs compute exactly once
// across all concurrent callers and stores the value for ttl. A failed
// compute is not cached. Once started, compute runs to completion or
// ComputeTimeout even if the caller that started it is cancelled.
func (c *Cache) GetOrCompute(ctx context.Context, fp Fingerprint, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) (Result, error) {
	var ran bool
	v, err, _ := c.group.Do(fp.Hash, func() (any, error) {
		return c.load(ctx, fp, ttl, func(ctx context.Context) ([]byte, error) {
			ran = true
			return compute(ctx)
		})
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Value: v.([]byte), Hit: !ran}
	if res.Hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return res, nil
}

func (c *Cache) load(ctx context.Context, fp Fingerprint, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.getLocal(fp.Hash); ok {
		return v, nil
	}

	if c.backing != nil {
		v, claimed, err := c.awaitClaim(ctx, fp)
		if err != nil {
			return nil, err
		}
		if !claimed {
			c.setLocal(fp.Hash, v, ttl)
			return v, nil
		}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ComputeTimeout)
	defer cancel()
	value, err := compute(cctx)
	if err != nil {
		if c.backing != nil {
			if rerr := c.backing.ReleaseCacheEntry(context.WithoutCancel(ctx), fp.Hash); rerr != nil {
				zap.L().Warn("cache: release claim failed", zap.String("fingerprint", fp.Hash), zap.Error(rerr))
			}
		}
		return nil, err
	}

	if c.backing != nil {
		expiresAt := c.nowFunc().Add(ttl)
		if ferr := c.backing.FillCacheEntry(context.WithoutCancel(ctx), fp.Hash, value, expiresAt); ferr != nil {
			zap.L().Warn("cache: fill failed, value kept locally",
				zap.String("fingerprint", fp.Hash),
				zap.String("stage", string(fp.Stage)),
				zap.Error(ferr),
			)
		}
	}
	c.setLocal(fp.Hash, value, ttl)
	return value, nil
}

// awaitClaim returns a ready value written by another process, or
// claimed=true once this process owns the computation.
func (c *Cache) awaitClaim(ctx context.Context, fp Fingerprint) ([]byte, bool, error) {
	for {
		now := c.nowFunc()
		entry, err := c.backing.GetCacheEntry(ctx, fp.Hash)
		if err != nil {
			return nil, false, eris.Wrapf(err, "cache: get %s", fp.Hash)
		}
		if entry != nil && entry.Status == model.CacheStatusReady && !entry.Expired(now) {
			return entry.Value, false, nil
		}

		claimed, err := c.backing.ClaimCacheEntry(ctx, fp.Hash, fp.Stage, now.Add(c.opts.ClaimTTL))
		if err != nil {
			return nil, false, eris.Wrapf(err, "cache: claim %s", fp.Hash)
		}
		if claimed {
			return nil, true, nil
		}

		zap.L().Debug("cache: waiting on claim held elsewhere", zap.String("fingerprint", fp.Hash))
		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, eris.Wrap(ctx.Err(), "cache: wait for claim")
		case <-timer.C:
		}
	}
}

func (c *Cache) getLocal(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.local[key]
	if !ok || !c.nowFunc().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) setLocal(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[key] = localEntry{value: value, expiresAt: c.nowFunc().Add(ttl)}
}

// Invalidate drops fp locally and in the backing store.
func (c *Cache) Invalidate(ctx context.Context, fp Fingerprint) error {
	c.mu.Lock()
	delete(c.local, fp.Hash)
	c.mu.Unlock()

	if c.backing == nil {
		return nil
	}
	return eris.Wrapf(c.backing.DeleteCacheEntry(ctx, fp.Hash), "cache: invalidate %s", fp.Hash)
}

// Purge removes expired entries and returns how many backing rows went.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	now := c.nowFunc()
	c.mu.Lock()
	for k, e := range c.local {
		if !now.Before(e.expiresAt) {
			delete(c.local, k)
		}
	}
	c.mu.Unlock()

	if c.backing == nil {
		return 0, nil
	}
	n, err := c.backing.DeleteExpiredCache(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "cache: purge")
	}
	return n, nil
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
