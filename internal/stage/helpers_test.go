package stage

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
)

// fakeGenerator answers generation requests and applies Validate the way
// the real gateway does.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	respond func(req gateway.Request) (*gateway.Response, error)
}

func (f *fakeGenerator) Generate(_ context.Context, req gateway.Request) (*gateway.Response, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()

	resp, err := f.respond(req)
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

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func reply(content string, costUSD float64) *gateway.Response {
	return &gateway.Response{
		Content:  content,
		Model:    "sonnet",
		Usage:    cost.Usage{InputTokens: 1000, OutputTokens: 500},
		Cost:     costUSD,
		Attempts: 1,
	}
}

type fixedEstimate float64

func (f fixedEstimate) Estimate(string, string, int) float64 { return float64(f) }

func testStageConfig(sections ...string) Config {
	cfg := DefaultConfig()
	cfg.Synthesis.Model = "sonnet"
	cfg.Mapping.Model = "sonnet"
	cfg.SynthesisTTL = time.Hour
	cfg.MappingTTL = time.Hour
	if len(sections) > 0 {
		cfg.Sections = sections
	}
	return cfg
}

type harness struct {
	gen    *fakeGenerator
	ledger *cost.Ledger
	deps   Deps
}

func newHarness(estimate float64, respond func(req gateway.Request) (*gateway.Response, error)) *harness {
	gen := &fakeGenerator{respond: respond}
	ledger := cost.NewLedger(cost.WindowConfig{})
	return &harness{
		gen:    gen,
		ledger: ledger,
		deps: Deps{
			Gateway:   gen,
			Cache:     cache.New(nil, cache.Options{}),
			Budget:    ledger,
			Estimator: fixedEstimate(estimate),
			Catalog:   catalog.Default(),
		},
	}
}

func (h *harness) open(runID string, ceiling float64) *model.Run {
	h.ledger.Open(runID, "client-1", ceiling, 0)
	return &model.Run{ID: runID, ClientID: "client-1", BudgetCeiling: ceiling}
}

func testSnapshot() *model.Snapshot {
	return &model.Snapshot{
		ClientName:   "  Acme   Widgets ",
		Industry:     "Software",
		Currency:     "gbp",
		ExitTimeline: "3-5 years - need to start thinking",
		Responses: map[string]any{
			"dd_five_year_vision":       "I step back to a board role and spend time with my family",
			"dd_success_definition":     "Creating a business that runs profitably without me",
			"dd_weekly_hours":           "70+ hours",
			"dd_last_real_break":        "I honestly can't remember",
			"dd_time_allocation":        "90% firefighting / 10% strategic",
			"dd_core_frustration":       "Everything is manual and we automate nothing",
			"dd_change_readiness":       "Ready - as long as I understand the why",
			"sd_founder_dependency":     "Chaos - I'm essential to everything",
			"sd_manual_work_percentage": "Significant - probably 30-50%",
			"dd_non_negotiables":        []any{"More time with family/loved ones", "Better health and energy"},
		},
		Financials: &model.Financials{
			Turnover:        "£1.2m",
			PriorTurnover:   "1,000,000",
			GrossProfit:     "720000",
			OperatingProfit: "150k",
			EBITDA:          "200000",
			Payroll:         "600,000",
			Headcount:       10,
		},
		BlockedServices: []string{"Business_Advisory"},
	}
}

func result(t *testing.T, runID string, st model.Stage, v any) *model.StageResult {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return &model.StageResult{RunID: runID, Stage: st, Payload: b}
}

// priorThrough runs the deterministic stages for snap and returns their
// results keyed by stage.
func priorThrough(t *testing.T, runID string, snap *model.Snapshot) map[model.Stage]*model.StageResult {
	t.Helper()
	ext, err := Extract(snap)
	require.NoError(t, err)
	calc, err := NewCalculation(catalog.Default()).Calculate(context.Background(), ext)
	require.NoError(t, err)
	return map[model.Stage]*model.StageResult{
		model.StageExtracting:  result(t, runID, model.StageExtracting, ext),
		model.StageCalculating: result(t, runID, model.StageCalculating, calc),
	}
}
