package stage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/discovery-cli/internal/catalog"
	"github.com/sells-group/discovery-cli/internal/gateway"
	"github.com/sells-group/discovery-cli/internal/model"
)

const mappingReply = `{
  "opportunities": [
    {"code": "founder", "title": "You can't leave", "severity": "high", "priority": "next_3_months",
     "financial_impact": {"amount": 50000, "calculation": "founder time"},
     "service": {"code": "fractional_coo", "name": "Made-up COO", "price": 1, "fit_score": 80, "rationale": "r1"}},
    {"code": "team", "title": "Team can't run without you", "severity": "critical", "priority": "must_address_now",
     "financial_impact": {"amount": 20000},
     "service": {"code": "fractional_coo", "rationale": "r2"}},
    {"code": "numbers", "title": "You don't know your numbers", "severity": "critical",
     "financial_impact": {"amount": 90000},
     "service": {"code": "business_intelligence"}},
    {"code": "exit", "title": "No exit plan", "severity": "medium", "service": {"code": "business_advisory"}},
    {"code": "vision", "title": "No written plan", "severity": "opportunity"}
  ],
  "overall_assessment": {"summary": "fixable"}
}`

func decodeMapping(t *testing.T, raw string) Mapping {
	t.Helper()
	var m Mapping
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestPostProcess(t *testing.T) {
	out, err := PostProcess(catalog.Default(), decodeMapping(t, mappingReply), []string{"business_advisory"})
	require.NoError(t, err)

	require.Len(t, out.Opportunities, 3)
	titles := []string{out.Opportunities[0].Title, out.Opportunities[1].Title, out.Opportunities[2].Title}
	assert.Equal(t, []string{"You don't know your numbers", "You can't leave", "No written plan"}, titles)

	numbers := out.Opportunities[0]
	require.NotNil(t, numbers.Service)
	assert.Equal(t, "management_accounts", numbers.Service.Code, "aliases resolve to the canonical code")
	assert.Equal(t, 2000.0, numbers.Service.Price)
	assert.Equal(t, "monthly", numbers.Service.Period)

	coo := out.Opportunities[1]
	assert.Equal(t, "critical", coo.Severity)
	assert.Equal(t, "must_address_now", coo.Priority)
	assert.Equal(t, 70000.0, coo.FinancialImpact.Amount)
	assert.Equal(t, []string{"Team can't run without you"}, coo.Service.AlsoAddresses)
	assert.Equal(t, "Fractional COO", coo.Service.Name, "catalog name overrides the model")
	assert.Equal(t, 3750.0, coo.Service.Price)
	assert.Equal(t, 80, coo.Service.FitScore)

	assert.Nil(t, out.Opportunities[2].Service)

	require.Len(t, out.Blocked, 1)
	assert.Equal(t, BlockedService{Code: "business_advisory", Title: "No exit plan", Reason: "blocked by advisor"}, out.Blocked[0])

	assert.Equal(t, 160000.0, out.TotalOpportunityValue)
	assert.JSONEq(t, `{"summary":"fixable"}`, string(out.Assessment))
}

func TestPostProcess_UnknownServiceIsValidationError(t *testing.T) {
	raw := decodeMapping(t, `{"opportunities":[
		{"title":"ok","severity":"high","service":{"code":"automation"}},
		{"title":"bad","severity":"high","service":{"code":"crypto_advice"}}
	]}`)
	_, err := PostProcess(catalog.Default(), raw, nil)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "opportunities[1].service.code", ve.Field)
	assert.Contains(t, ve.Reason, "crypto_advice")
}

func TestPostProcess_Empty(t *testing.T) {
	out, err := PostProcess(catalog.Default(), Mapping{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, out.Opportunities)
	assert.NotNil(t, out.Blocked)
	assert.Zero(t, out.TotalOpportunityValue)
}

func mappingPrior(t *testing.T, runID string) map[model.Stage]*model.StageResult {
	t.Helper()
	prior := priorThrough(t, runID, testSnapshot())
	prior[model.StageSynthesizing] = result(t, runID, model.StageSynthesizing, Synthesis{Sections: []NarrativeSection{
		{Name: "gaps", Content: json.RawMessage(`{"gaps":[{"title":"You are the bottleneck","priority":"critical"}]}`)},
	}})
	return prior
}

func TestMapping_Execute(t *testing.T) {
	h := newHarness(0.3, func(req gateway.Request) (*gateway.Response, error) {
		return reply(mappingReply, 0.25), nil
	})
	run := h.open("run-1", 5)
	x := NewMapping(testStageConfig(), h.deps)
	assert.Equal(t, model.StageMapping, x.Stage())

	out, err := x.Execute(context.Background(), Input{Run: run, Prior: mappingPrior(t, run.ID)})
	require.NoError(t, err)
	assert.Equal(t, 0.25, out.Cost)
	assert.False(t, out.CacheHit)
	assert.NotEmpty(t, out.Fingerprint)

	var m Mapping
	require.NoError(t, json.Unmarshal(out.Payload, &m))
	assert.Len(t, m.Opportunities, 3)
	assert.Len(t, m.Blocked, 1, "snapshot blocks business_advisory")
	assert.Equal(t, "sonnet", m.Model)

	require.Len(t, h.gen.prompts, 1)
	p := h.gen.prompts[0]
	assert.Contains(t, p, "You are the bottleneck (critical)")
	assert.Contains(t, p, "- automation: 24")
}

func TestMapping_OffCatalogFailsWithoutPartialPayload(t *testing.T) {
	h := newHarness(0.3, func(gateway.Request) (*gateway.Response, error) {
		return reply(`{"opportunities":[{"title":"x","service":{"code":"astrology"}}]}`, 0.25), nil
	})
	run := h.open("run-1", 5)
	x := NewMapping(testStageConfig(), h.deps)

	out, err := x.Execute(context.Background(), Input{Run: run, Prior: mappingPrior(t, run.ID)})
	assert.Nil(t, out)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "opportunities[0].service.code", ve.Field)

	// The spend was real and stays on the ledger.
	entries := h.ledger.Drain(run.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, model.StageMapping, entries[0].Stage)
}

func TestMapping_RequiresCatalog(t *testing.T) {
	h := newHarness(0.1, nil)
	h.deps.Catalog = nil
	_, err := NewMapping(testStageConfig(), h.deps).Execute(context.Background(), Input{Run: h.open("run-1", 1)})
	assert.Error(t, err)
}

func TestNewExecutors(t *testing.T) {
	h := newHarness(0.1, nil)
	set := NewExecutors(Config{}, h.deps)
	for _, st := range []model.Stage{model.StageExtracting, model.StageCalculating, model.StageSynthesizing, model.StageMapping} {
		x, ok := set.Get(st)
		require.True(t, ok, st)
		assert.Equal(t, st, x.Stage())
	}
	_, ok := set.Get(model.StageComplete)
	assert.False(t, ok)
}
