package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/catalog"
	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/gateway"
	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/resilience"
	"github.com/sells-group/discovery-cli/internal/stage"
	"github.com/sells-group/discovery-cli/internal/store"
)

const (
	synthModel = "synth-model"
	mapModel   = "map-model"
)

const testSnapshot = `{
  "client_name": "Acme Widgets",
  "industry": "Software",
  "currency": "GBP",
  "exit_timeline": "3-5 years",
  "responses": {
    "dd_five_year_vision": "I work three days a week and the team runs delivery",
    "dd_weekly_hours": "60-70",
    "dd_last_real_break": "Over a year ago",
    "dd_owner_bottleneck": "Everything comes through me"
  },
  "financials": {
    "turnover": "£1.2m",
    "prior_turnover": 1000000,
    "gross_profit": 720000,
    "operating_profit": "150k",
    "ebitda": 200000,
    "payroll": "600,000",
    "headcount": 10
  }
}`

const sectionReply = `{
  "headerLine": "Where you are heading",
  "visionProvided": true,
  "visionVerbatim": "three days a week",
  "destinationClarityScore": 7,
  "gaps": [{"title": "You are the bottleneck", "priority": "critical"}],
  "phases": [],
  "costOfStaying": "£912k",
  "thisWeek": "Block out two hours",
  "firstStep": "Delegate operations",
  "closingLine": "Let's talk",
  "body": "text"
}`

const mappingReply = `{
  "opportunities": [
    {"code": "founder", "title": "You are the bottleneck", "severity": "critical", "priority": "must_address_now",
     "financial_impact": {"amount": 50000, "calculation": "founder time"},
     "service": {"code": "fractional_coo", "rationale": "frees the founder"}}
  ],
  "overall_assessment": {"summary": "fixable"}
}`

const offCatalogReply = `{
  "opportunities": [
    {"code": "founder", "title": "You are the bottleneck", "severity": "critical",
     "service": {"code": "crypto_consulting"}}
  ]
}`

// fakeGenerator answers by model and applies Validate like the gateway.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(req gateway.Request, call int) (*gateway.Response, error)
	// hold, when set, runs before every call with the caller's context.
	hold func(ctx context.Context) error
}

func newFakeGenerator(respond func(req gateway.Request, call int) (*gateway.Response, error)) *fakeGenerator {
	return &fakeGenerator{calls: make(map[string]int), respond: respond}
}

func (f *fakeGenerator) Generate(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	f.mu.Lock()
	f.calls[req.Params.Model]++
	n := f.calls[req.Params.Model]
	f.mu.Unlock()

	if f.hold != nil {
		if err := f.hold(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := f.respond(req, n)
	if err != nil {
		return nil, err
	}
	if req.Validate != nil {
		if verr := req.Validate(resp.Content); verr != nil {
			return nil, &gateway.BilledError{Err: resilience.NewPermanentError(verr, 0), Usage: resp.Usage, Cost: resp.Cost}
		}
	}
	return resp, nil
}

func (f *fakeGenerator) Calls(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[model]
}

func reply(content string, costUSD float64) *gateway.Response {
	return &gateway.Response{
		Content:  content,
		Usage:    cost.Usage{InputTokens: 1000, OutputTokens: 500},
		Cost:     costUSD,
		Attempts: 1,
	}
}

// standardReplies answers synthesis at synthCost per section and mapping
// at mapCost.
func standardReplies(synthCost, mapCost float64) func(gateway.Request, int) (*gateway.Response, error) {
	return func(req gateway.Request, _ int) (*gateway.Response, error) {
		if req.Params.Model == mapModel {
			return reply(mappingReply, mapCost), nil
		}
		return reply(sectionReply, synthCost), nil
	}
}

// estimates prices requests per model.
type estimates map[string]float64

func (e estimates) Estimate(model, _ string, _ int) float64 { return e[model] }

// countingExecutor counts executions and can hold them at a gate.
type countingExecutor struct {
	stage.Executor

	mu      sync.Mutex
	count   int
	entered chan struct{}
	gate    chan struct{}
}

func (c *countingExecutor) Execute(ctx context.Context, in stage.Input) (*stage.Output, error) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Executor.Execute(ctx, in)
}

func (c *countingExecutor) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// env is one simulated worker process over a shared store.
type env struct {
	store  store.Store
	gen    *fakeGenerator
	ledger *cost.Ledger
	execs  map[model.Stage]*countingExecutor
	orch   *Orchestrator
}

type envOptions struct {
	sections  []string
	estimates estimates
	respond   func(gateway.Request, int) (*gateway.Response, error)
	cfg       func(*Config)
}

func testConfig() Config {
	return Config{
		MaxStageRetries: 2,
		StageBackoff:    resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		CheckpointRetry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		LeaseDuration:   time.Minute,
		PollInterval:    5 * time.Millisecond,
		PartialReports:  true,
		DefaultBudget:   10,
		WorkerID:        "test",
	}
}

func newEnv(t *testing.T, st store.Store, opts envOptions) *env {
	t.Helper()
	if opts.sections == nil {
		opts.sections = []string{"destination", "gaps"}
	}
	if opts.estimates == nil {
		opts.estimates = estimates{synthModel: 0.2, mapModel: 0.3}
	}
	if opts.respond == nil {
		opts.respond = standardReplies(0.1, 0.25)
	}

	scfg := stage.DefaultConfig()
	scfg.Synthesis.Model = synthModel
	scfg.Mapping.Model = mapModel
	scfg.SynthesisTTL = time.Hour
	scfg.MappingTTL = time.Hour
	scfg.Sections = opts.sections

	gen := newFakeGenerator(opts.respond)
	ledger := cost.NewLedger(cost.WindowConfig{})
	set := stage.NewExecutors(scfg, stage.Deps{
		Gateway:   gen,
		Cache:     cache.New(st, cache.Options{PollInterval: 5 * time.Millisecond}),
		Budget:    ledger,
		Estimator: opts.estimates,
		Catalog:   catalog.Default(),
	})

	e := &env{store: st, gen: gen, ledger: ledger, execs: make(map[model.Stage]*countingExecutor)}
	wrapped := make([]stage.Executor, 0, len(set))
	for _, st := range model.RequiredStages() {
		x, ok := set.Get(st)
		require.True(t, ok)
		c := &countingExecutor{Executor: x}
		e.execs[st] = c
		wrapped = append(wrapped, c)
	}

	cfg := testConfig()
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}
	e.orch = New(st, stage.NewSet(wrapped...), ledger, cfg)
	return e
}

func (e *env) start(t *testing.T, ceiling float64) *model.Run {
	t.Helper()
	run, err := e.orch.StartRun(context.Background(), StartRequest{
		ClientID:      "client-1",
		EngagementID:  "eng-1",
		Snapshot:      json.RawMessage(testSnapshot),
		BudgetCeiling: ceiling,
	})
	require.NoError(t, err)
	return run
}

func (e *env) counts() map[model.Stage]int {
	out := make(map[model.Stage]int, len(e.execs))
	for st, c := range e.execs {
		out[st] = c.Count()
	}
	return out
}

// requireLedgerBalanced checks that the stored ledger sums to the run's
// accumulated cost.
func requireLedgerBalanced(t *testing.T, st store.Store, runID string) *model.Run {
	t.Helper()
	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	entries, err := st.ListLedger(context.Background(), runID)
	require.NoError(t, err)
	require.InDelta(t, run.AccumulatedCost, model.SumCost(entries), 1e-6)
	return run
}

// flakyStore fails the first n checkpoints with StoreUnavailable.
type flakyStore struct {
	store.Store

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) Checkpoint(ctx context.Context, cp store.Checkpoint) (bool, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return false, &store.UnavailableError{Op: "checkpoint", Err: context.DeadlineExceeded}
	}
	return f.Store.Checkpoint(ctx, cp)
}
