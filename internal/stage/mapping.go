package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/catalog"
	"github.com/sells-group/discovery-cli/internal/model"
)

// FinancialImpact is the model's estimate of what an opportunity is worth.
type FinancialImpact struct {
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	Confidence  string  `json:"confidence"`
	Calculation string  `json:"calculation"`
}

// ServiceMapping ties an opportunity to a catalog service. Name, price and
// pricing come from the catalog, never from the model.
type ServiceMapping struct {
	Code          string   `json:"code"`
	Name          string   `json:"name"`
	Price         float64  `json:"price"`
	Period        string   `json:"period"`
	PricingModel  string   `json:"pricing_model"`
	Outcome       string   `json:"outcome,omitempty"`
	FitScore      int      `json:"fit_score"`
	Rationale     string   `json:"rationale"`
	AlsoAddresses []string `json:"also_addresses"`
}

// Opportunity is one problem worth solving.
type Opportunity struct {
	Code            string           `json:"code"`
	Title           string           `json:"title"`
	Category        string           `json:"category"`
	Severity        string           `json:"severity"`
	Priority        string           `json:"priority"`
	DataEvidence    string           `json:"data_evidence"`
	FinancialImpact *FinancialImpact `json:"financial_impact,omitempty"`
	LifeImpact      string           `json:"life_impact,omitempty"`
	Service         *ServiceMapping  `json:"service,omitempty"`
}

func (o *Opportunity) impact() float64 {
	if o.FinancialImpact == nil {
		return 0
	}
	return o.FinancialImpact.Amount
}

// BlockedService records an opportunity dropped because the advisor
// blocked its service.
type BlockedService struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// Mapping is the opportunities payload.
type Mapping struct {
	Opportunities         []Opportunity    `json:"opportunities"`
	Blocked               []BlockedService `json:"blocked"`
	Assessment            json.RawMessage  `json:"overall_assessment,omitempty"`
	TotalOpportunityValue float64          `json:"total_opportunity_value"`
	Model                 string           `json:"model,omitempty"`
}

var severityRank = map[string]int{"critical": 0, "high": 1, "medium": 2, "opportunity": 3}

var priorityRank = map[string]int{"must_address_now": 0, "next_3_months": 1, "next_12_months": 2, "when_ready": 3}

func rank(m map[string]int, key string) int {
	if r, ok := m[strings.ToLower(key)]; ok {
		return r
	}
	return len(m)
}

// MappingExecutor turns metrics and narrative into catalog-bound
// opportunities.
type MappingExecutor struct {
	cfg  Config
	deps Deps
}

// NewMapping creates the mapping executor.
func NewMapping(cfg Config, deps Deps) *MappingExecutor {
	return &MappingExecutor{cfg: cfg, deps: deps}
}

// Stage implements Executor.
func (m *MappingExecutor) Stage() model.Stage { return model.StageMapping }

// Execute implements Executor.
func (m *MappingExecutor) Execute(ctx context.Context, in Input) (*Output, error) {
	if m.deps.Catalog == nil {
		return nil, eris.New("stage: mapping requires a catalog")
	}
	ext, err := decodePrior[Extraction](in, model.StageExtracting)
	if err != nil {
		return nil, err
	}
	calc, err := decodePrior[Calculation](in, model.StageCalculating)
	if err != nil {
		return nil, err
	}
	syn, err := decodePrior[Synthesis](in, model.StageSynthesizing)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(mappingUserPrompt,
		ext.ClientName, ext.Industry,
		renderMetrics(calc),
		calc.CostOfInaction.HorizonYears, calc.CostOfInaction.Formatted,
		renderScores(calc.ServiceScores),
		renderGaps(syn),
		renderCatalog(m.deps.Catalog),
		renderBlocked(ext.BlockedServices),
	)
	res, err := m.deps.generate(ctx, in.Run.ID, m.cfg.SchemaVersion, call{
		stage:    model.StageMapping,
		name:     "opportunities",
		system:   mappingSystemPrompt,
		prompt:   prompt,
		model:    m.cfg.Mapping,
		ttl:      m.cfg.MappingTTL,
		required: []string{"opportunities"},
	})
	if err != nil {
		return nil, eris.Wrap(err, "stage: map opportunities")
	}

	var raw Mapping
	if err := json.Unmarshal(res.value, &raw); err != nil {
		return nil, &ValidationError{Field: "opportunities", Reason: "malformed mapping: " + err.Error()}
	}
	mapping, err := PostProcess(m.deps.Catalog, raw, ext.BlockedServices)
	if err != nil {
		return nil, err
	}
	mapping.Model = res.model

	payload, err := json.Marshal(mapping)
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal mapping")
	}
	return &Output{
		Payload:     payload,
		Fingerprint: res.fingerprint,
		Cost:        res.cost,
		CacheHit:    res.hit,
	}, nil
}

// PostProcess validates every service against the catalog, then drops
// blocked services, merges opportunities that map to the same service,
// applies catalog pricing and orders the result by severity, then
// financial impact.
func PostProcess(cat *catalog.Catalog, raw Mapping, blocked []string) (*Mapping, error) {
	for i := range raw.Opportunities {
		svc := raw.Opportunities[i].Service
		if svc == nil || svc.Code == "" {
			raw.Opportunities[i].Service = nil
			continue
		}
		entry, ok := cat.Get(svc.Code)
		if !ok {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("opportunities[%d].service.code", i),
				Reason: fmt.Sprintf("unknown service %q", svc.Code),
			}
		}
		svc.Code = entry.Code
	}

	blockedSet := make(map[string]bool, len(blocked))
	for _, code := range blocked {
		if svc, ok := cat.Get(code); ok {
			code = svc.Code
		}
		blockedSet[strings.ToLower(code)] = true
	}

	out := &Mapping{Assessment: raw.Assessment, Opportunities: []Opportunity{}, Blocked: []BlockedService{}}
	seen := map[string]int{}
	for _, opp := range raw.Opportunities {
		if opp.Service != nil && blockedSet[opp.Service.Code] {
			zap.L().Info("stage: dropping blocked service",
				zap.String("service", opp.Service.Code),
				zap.String("opportunity", opp.Title),
			)
			out.Blocked = append(out.Blocked, BlockedService{Code: opp.Service.Code, Title: opp.Title, Reason: "blocked by advisor"})
			continue
		}
		if opp.Service == nil {
			out.Opportunities = append(out.Opportunities, opp)
			continue
		}

		if idx, dup := seen[opp.Service.Code]; dup {
			mergeOpportunity(&out.Opportunities[idx], opp)
			continue
		}

		entry, _ := cat.Get(opp.Service.Code)
		opp.Service.Name = entry.Name
		opp.Service.Price = entry.Price
		opp.Service.Period = entry.Period
		opp.Service.PricingModel = entry.PricingModel
		opp.Service.Outcome = entry.Outcome
		if opp.Service.AlsoAddresses == nil {
			opp.Service.AlsoAddresses = []string{}
		}
		seen[opp.Service.Code] = len(out.Opportunities)
		out.Opportunities = append(out.Opportunities, opp)
	}

	sort.SliceStable(out.Opportunities, func(i, j int) bool {
		a, b := &out.Opportunities[i], &out.Opportunities[j]
		if ra, rb := rank(severityRank, a.Severity), rank(severityRank, b.Severity); ra != rb {
			return ra < rb
		}
		return a.impact() > b.impact()
	})
	for i := range out.Opportunities {
		out.TotalOpportunityValue += out.Opportunities[i].impact()
	}
	out.TotalOpportunityValue = roundMoney(out.TotalOpportunityValue)
	return out, nil
}

// mergeOpportunity folds dup into existing: the higher severity and
// priority win, financial impacts add up and dup's title is recorded as
// also addressed.
func mergeOpportunity(existing *Opportunity, dup Opportunity) {
	existing.Service.AlsoAddresses = append(existing.Service.AlsoAddresses, dup.Title)
	if dup.Service.Rationale != "" {
		existing.Service.Rationale = strings.TrimSpace(existing.Service.Rationale + "\n\nAlso addresses: " + dup.Title)
	}
	if rank(severityRank, dup.Severity) < rank(severityRank, existing.Severity) {
		existing.Severity = dup.Severity
	}
	if rank(priorityRank, dup.Priority) < rank(priorityRank, existing.Priority) {
		existing.Priority = dup.Priority
	}
	switch {
	case dup.FinancialImpact == nil:
	case existing.FinancialImpact == nil:
		fi := *dup.FinancialImpact
		existing.FinancialImpact = &fi
	default:
		existing.FinancialImpact.Amount = roundMoney(existing.FinancialImpact.Amount + dup.FinancialImpact.Amount)
		existing.FinancialImpact.Calculation = strings.TrimSpace(fmt.Sprintf("%s\n+ %s: %.0f",
			existing.FinancialImpact.Calculation, dup.Title, dup.FinancialImpact.Amount))
	}
	zap.L().Debug("stage: merged duplicate service",
		zap.String("service", existing.Service.Code),
		zap.String("merged", dup.Title),
		zap.String("into", existing.Title),
	)
}

func renderScores(scores []ServiceScore) string {
	var lines []string
	for _, s := range scores {
		if s.Score == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %d (%s)", s.Code, s.Score, strings.Join(s.Triggers, "; ")))
	}
	if len(lines) == 0 {
		return "- No strong signals"
	}
	return strings.Join(lines, "\n")
}

func renderGaps(syn *Synthesis) string {
	sec := syn.Section("gaps")
	if sec == nil {
		return "(not generated)"
	}
	var gaps struct {
		Gaps []struct {
			Title    string `json:"title"`
			Priority string `json:"priority"`
		} `json:"gaps"`
	}
	if err := json.Unmarshal(sec.Content, &gaps); err != nil || len(gaps.Gaps) == 0 {
		return "(none)"
	}
	lines := make([]string, len(gaps.Gaps))
	for i, g := range gaps.Gaps {
		lines[i] = fmt.Sprintf("- %s (%s)", g.Title, g.Priority)
	}
	return strings.Join(lines, "\n")
}

func renderCatalog(cat *catalog.Catalog) string {
	svcs := cat.Services()
	lines := make([]string, len(svcs))
	for i, s := range svcs {
		lines[i] = fmt.Sprintf("- %s: %s, %.0f %s", s.Code, s.Name, s.Price, s.Period)
	}
	return strings.Join(lines, "\n")
}

func renderBlocked(blocked []string) string {
	if len(blocked) == 0 {
		return "- None"
	}
	return "- " + strings.Join(blocked, "\n- ")
}
