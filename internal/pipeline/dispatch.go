package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Resumer drives a run forward. *Orchestrator implements it.
type Resumer interface {
	ResumeRun(ctx context.Context, runID string) (*RunStatus, error)
}

// Dispatcher resumes runs in the background with bounded concurrency. A
// run already being resumed by this dispatcher is not queued twice.
type Dispatcher struct {
	resumer Resumer
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
	closed bool
}

// NewDispatcher creates a Dispatcher running at most maxConcurrent runs.
func NewDispatcher(r Resumer, maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		resumer: r,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]struct{}),
	}
}

// Dispatch queues runID. It returns false when the run is already queued
// or the dispatcher is shutting down.
func (d *Dispatcher) Dispatch(runID string) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if _, ok := d.active[runID]; ok {
		d.mu.Unlock()
		return false
	}
	d.active[runID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(runID)
	return true
}

func (d *Dispatcher) run(runID string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.active, runID)
		d.mu.Unlock()
	}()

	log := zap.L().With(zap.String("run_id", runID))
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		log.Warn("pipeline: dispatch cancelled before start", zap.Error(err))
		return
	}
	defer d.sem.Release(1)

	status, err := d.resumer.ResumeRun(d.ctx, runID)
	if err != nil {
		log.Error("pipeline: background resume failed", zap.Error(err))
		return
	}
	log.Info("pipeline: background resume finished",
		zap.String("status", string(status.Status)),
		zap.String("stage", string(status.CurrentStage)),
		zap.Float64("cost", status.CostSoFar),
	)
}

// Active reports how many runs are queued or executing.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Shutdown stops accepting runs and waits for in-flight ones. When ctx
// expires first, in-flight runs are cancelled (their stages are released
// for another worker) and Shutdown waits for them to unwind.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return eris.Wrap(ctx.Err(), "pipeline: dispatcher shutdown")
	}
}
