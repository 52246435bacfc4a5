package stage

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/discovery-cli/internal/catalog"
	"github.com/sells-group/discovery-cli/internal/model"
)

// Metric units.
const (
	UnitCurrency = "currency"
	UnitPercent  = "percent"
	UnitScore    = "score"
)

// Revenue trajectories.
const (
	TrajectoryGrowing   = "growing"
	TrajectoryStable    = "stable"
	TrajectoryDeclining = "declining"
	TrajectoryUnknown   = "unknown"
)

// Metric is one calculated figure with its audit trail.
type Metric struct {
	Name      string             `json:"name"`
	Label     string             `json:"label"`
	Value     *float64           `json:"value"`
	Unit      string             `json:"unit"`
	Formatted string             `json:"formatted"`
	Benchmark *float64           `json:"benchmark"`
	Status    string             `json:"status"`
	Formula   string             `json:"formula"`
	Inputs    map[string]float64 `json:"inputs"`
}

// Valuation is an indicative earnings-multiple range.
type Valuation struct {
	Basis        string  `json:"basis"`
	Earnings     float64 `json:"earnings"`
	MultipleLow  float64 `json:"multiple_low"`
	MultipleHigh float64 `json:"multiple_high"`
	Low          float64 `json:"low"`
	High         float64 `json:"high"`
	Formatted    string  `json:"formatted"`
}

// ReadinessFactor is one component of the exit readiness score.
type ReadinessFactor struct {
	Name     string `json:"name"`
	Score    int    `json:"score"`
	MaxScore int    `json:"max_score"`
	Status   string `json:"status"`
	Note     string `json:"note"`
}

// ExitReadiness scores how sellable the business is today, 0-100.
type ExitReadiness struct {
	Score     int               `json:"score"`
	Status    string            `json:"status"`
	Factors   []ReadinessFactor `json:"factors"`
	Strengths []string          `json:"strengths"`
	Blockers  []string          `json:"blockers"`
}

// CostComponent is one source of ongoing loss.
type CostComponent struct {
	Category    string  `json:"category"`
	Annual      float64 `json:"annual"`
	OverHorizon float64 `json:"over_horizon"`
	Formatted   string  `json:"formatted"`
	Confidence  string  `json:"confidence"`
	Formula     string  `json:"formula"`
}

// CostOfInaction totals what standing still costs over the exit horizon.
type CostOfInaction struct {
	Components   []CostComponent `json:"components"`
	Annual       float64         `json:"annual"`
	OverHorizon  float64         `json:"over_horizon"`
	HorizonYears int             `json:"horizon_years"`
	Formatted    string          `json:"formatted"`
}

// ServiceScore is the keyword and pattern score for one catalog service.
type ServiceScore struct {
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	Score       int      `json:"score"`
	Triggers    []string `json:"triggers"`
	Priority    int      `json:"priority"`
	Recommended bool     `json:"recommended"`
}

// Calculation is the deterministic metrics payload.
type Calculation struct {
	Industry       string         `json:"industry"`
	Benchmark      Benchmark      `json:"benchmark"`
	Currency       string         `json:"currency"`
	Trajectory     string         `json:"trajectory"`
	Metrics        []Metric       `json:"metrics"`
	Valuation      *Valuation     `json:"valuation"`
	ExitReadiness  ExitReadiness  `json:"exit_readiness"`
	CostOfInaction CostOfInaction `json:"cost_of_inaction"`
	ServiceScores  []ServiceScore `json:"service_scores"`
}

// Metric returns the named metric, or nil.
func (c *Calculation) Metric(name string) *Metric {
	for i := range c.Metrics {
		if c.Metrics[i].Name == name {
			return &c.Metrics[i]
		}
	}
	return nil
}

// Metric names.
const (
	MetricRevenuePerHead  = "revenue_per_head"
	MetricGrossMargin     = "gross_margin"
	MetricOperatingMargin = "operating_margin"
	MetricPayrollRatio    = "payroll_ratio"
	MetricRevenueGrowth   = "revenue_growth"
	MetricValuation       = "indicative_valuation"
	MetricExitReadiness   = "exit_readiness"
	MetricCostOfInaction  = "cost_of_inaction"
)

// founderHourlyRate values an owner hour spent on work that could be
// delegated.
const founderHourlyRate = 75.0

type calcInput struct {
	ext   *Extraction
	bench Benchmark
	f     formatter
}

type calculator func(in *calcInput) Metric

// metricCalculators run in parallel; results keep this order.
var metricCalculators = []calculator{
	revenuePerHead,
	grossMargin,
	operatingMargin,
	payrollRatio,
	revenueGrowth,
}

// CalculationExecutor derives metrics from the extraction. It makes no
// external calls and reruns produce byte-identical payloads.
type CalculationExecutor struct {
	catalog *catalog.Catalog
}

// NewCalculation creates the calculation executor. cat may be nil, in which
// case no service scores are produced.
func NewCalculation(cat *catalog.Catalog) *CalculationExecutor {
	return &CalculationExecutor{catalog: cat}
}

// Stage implements Executor.
func (c *CalculationExecutor) Stage() model.Stage { return model.StageCalculating }

// Execute implements Executor.
func (c *CalculationExecutor) Execute(ctx context.Context, in Input) (*Output, error) {
	ext, err := decodePrior[Extraction](in, model.StageExtracting)
	if err != nil {
		return nil, err
	}
	calc, err := c.Calculate(ctx, ext)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(calc)
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal calculation")
	}
	return &Output{Payload: payload}, nil
}

// Calculate runs every calculator over ext.
func (c *CalculationExecutor) Calculate(ctx context.Context, ext *Extraction) (*Calculation, error) {
	in := &calcInput{ext: ext, bench: BenchmarkFor(ext.Industry), f: newFormatter(ext.Currency)}

	metrics := make([]Metric, len(metricCalculators))
	var valuation *Valuation
	var scores []ServiceScore

	var g errgroup.Group
	for i, calc := range metricCalculators {
		g.Go(func() error {
			metrics[i] = calc(in)
			return nil
		})
	}
	g.Go(func() error {
		valuation = indicativeValuation(in)
		return nil
	})
	g.Go(func() error {
		scores = scoreServices(c.catalog, ext)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "stage: calculate")
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "stage: calculate")
	}

	out := &Calculation{
		Industry:      ext.Industry,
		Benchmark:     in.bench,
		Currency:      ext.Currency,
		Metrics:       metrics,
		Valuation:     valuation,
		ServiceScores: scores,
	}
	out.Trajectory = trajectory(out.Metric(MetricRevenueGrowth))
	out.Metrics = append(out.Metrics, valuationMetric(in, valuation))

	out.ExitReadiness = exitReadiness(ext, out)
	out.Metrics = append(out.Metrics, readinessMetric(out.ExitReadiness))

	out.CostOfInaction = costOfInaction(in, out)
	out.Metrics = append(out.Metrics, inactionMetric(in, out.CostOfInaction))
	return out, nil
}

func ptr(v float64) *float64 { return &v }

func unknownMetric(name, label, unit, formula string) Metric {
	return Metric{
		Name:      name,
		Label:     label,
		Unit:      unit,
		Formatted: "Unknown",
		Status:    StatusNeutral,
		Formula:   formula,
		Inputs:    map[string]float64{},
	}
}

func revenuePerHead(in *calcInput) Metric {
	const formula = "turnover / headcount"
	m := unknownMetric(MetricRevenuePerHead, "Revenue per head", UnitCurrency, formula)
	fin := in.ext.Financials
	if fin.Turnover == nil || fin.Headcount <= 0 {
		return m
	}
	v := roundMoney(*fin.Turnover / float64(fin.Headcount))
	m.Value = ptr(v)
	m.Benchmark = ptr(in.bench.RevenuePerHead)
	m.Formatted = in.f.compact(v)
	m.Inputs = map[string]float64{"turnover": *fin.Turnover, "headcount": float64(fin.Headcount)}
	// Banded on percent of benchmark so the thresholds scale by industry.
	pct := (v - in.bench.RevenuePerHead) / in.bench.RevenuePerHead * 100
	m.Status = rateStatus(pct, 0, true, thresholds{excellent: 20, good: 5, concern: 15})
	return m
}

func ratioMetric(in *calcInput, name, label, formula string, num *float64, numName string, bench float64, higher bool, t thresholds) Metric {
	m := unknownMetric(name, label, UnitPercent, formula)
	fin := in.ext.Financials
	if num == nil || fin.Turnover == nil || *fin.Turnover == 0 {
		return m
	}
	v := roundRatio(*num / *fin.Turnover * 100)
	m.Value = ptr(v)
	m.Benchmark = ptr(bench)
	m.Formatted = in.f.percent(v)
	m.Inputs = map[string]float64{numName: *num, "turnover": *fin.Turnover}
	m.Status = rateStatus(v, bench, higher, t)
	return m
}

func grossMargin(in *calcInput) Metric {
	return ratioMetric(in, MetricGrossMargin, "Gross margin", "gross_profit / turnover * 100",
		in.ext.Financials.GrossProfit, "gross_profit", in.bench.GrossMargin, true,
		thresholds{excellent: 10, good: 3, concern: 5})
}

func operatingMargin(in *calcInput) Metric {
	return ratioMetric(in, MetricOperatingMargin, "Operating margin", "operating_profit / turnover * 100",
		in.ext.Financials.OperatingProfit, "operating_profit", in.bench.OperatingMargin, true,
		thresholds{excellent: 5, good: 2, concern: 3})
}

func payrollRatio(in *calcInput) Metric {
	return ratioMetric(in, MetricPayrollRatio, "Payroll as % of turnover", "payroll / turnover * 100",
		in.ext.Financials.Payroll, "payroll", in.bench.PayrollRatio, false,
		thresholds{excellent: 8, good: 3, concern: 5})
}

func revenueGrowth(in *calcInput) Metric {
	const formula = "(turnover - prior_turnover) / prior_turnover * 100"
	m := unknownMetric(MetricRevenueGrowth, "Revenue growth", UnitPercent, formula)
	fin := in.ext.Financials
	if fin.Turnover == nil || fin.PriorTurnover == nil || *fin.PriorTurnover == 0 {
		return m
	}
	v := roundRatio((*fin.Turnover - *fin.PriorTurnover) / math.Abs(*fin.PriorTurnover) * 100)
	m.Value = ptr(v)
	m.Benchmark = ptr(in.bench.RevenueGrowth)
	m.Formatted = in.f.percent(v)
	m.Inputs = map[string]float64{"turnover": *fin.Turnover, "prior_turnover": *fin.PriorTurnover}
	m.Status = rateStatus(v, in.bench.RevenueGrowth, true, thresholds{excellent: 10, good: 3, concern: 8})
	return m
}

func trajectory(growth *Metric) string {
	if growth == nil || growth.Value == nil {
		return TrajectoryUnknown
	}
	switch g := *growth.Value; {
	case g > 5:
		return TrajectoryGrowing
	case g < -5:
		return TrajectoryDeclining
	default:
		return TrajectoryStable
	}
}

func indicativeValuation(in *calcInput) *Valuation {
	fin := in.ext.Financials
	basis, earnings := "ebitda", fin.EBITDA
	if earnings == nil {
		basis, earnings = "operating_profit", fin.OperatingProfit
	}
	if earnings == nil || *earnings <= 0 {
		return nil
	}
	v := &Valuation{
		Basis:        basis,
		Earnings:     *earnings,
		MultipleLow:  in.bench.MultipleLow,
		MultipleHigh: in.bench.MultipleHigh,
		Low:          roundMoney(*earnings * in.bench.MultipleLow),
		High:         roundMoney(*earnings * in.bench.MultipleHigh),
	}
	v.Formatted = in.f.compact(v.Low) + " - " + in.f.compact(v.High)
	return v
}

func valuationMetric(in *calcInput, v *Valuation) Metric {
	m := unknownMetric(MetricValuation, "Indicative valuation", UnitCurrency, "earnings * industry multiple (low, high)")
	if v == nil {
		return m
	}
	m.Value = ptr(roundMoney((v.Low + v.High) / 2))
	m.Formatted = v.Formatted
	m.Inputs = map[string]float64{v.Basis: v.Earnings, "multiple_low": v.MultipleLow, "multiple_high": v.MultipleHigh}
	return m
}

func factorStatus(score, maxScore int) string {
	switch r := float64(score) / float64(maxScore); {
	case r >= 0.7:
		return "green"
	case r >= 0.4:
		return "amber"
	default:
		return "red"
	}
}

func exitReadiness(ext *Extraction, calc *Calculation) ExitReadiness {
	fin := ext.Financials
	answers := ext.Answers
	var factors []ReadinessFactor

	// Financial visibility.
	fv := ReadinessFactor{Name: "Financial visibility", MaxScore: 25}
	switch {
	case fin.Turnover != nil && (fin.OperatingProfit != nil || fin.EBITDA != nil):
		fv.Score, fv.Note = 25, "Turnover and profit are known"
	case fin.Turnover != nil:
		fv.Score, fv.Note = 12, "Turnover known, profit not supplied"
	default:
		fv.Note = "No financial figures supplied"
	}
	if containsAny(answers[qFinConfidence], []string{"uncertain", "guess", "avoid"}) {
		fv.Score /= 2
		fv.Note += "; owner does not trust the numbers"
	}
	factors = append(factors, fv)

	// Founder dependency.
	fd := ReadinessFactor{Name: "Founder dependency", MaxScore: 25}
	dep := answers[qFounderDep]
	switch {
	case containsAny(dep, []string{"chaos", "essential"}):
		fd.Score, fd.Note = 5, "Business depends on the founder for everything"
	case containsAny(dep, []string{"don't know", "never tested"}):
		fd.Score, fd.Note = 10, "Founder absence never tested"
	case dep != "":
		fd.Score, fd.Note = 20, "Runs with limited founder involvement"
	default:
		fd.Score, fd.Note = 10, "Founder dependency not assessed"
	}
	factors = append(factors, fd)

	// Growth trajectory.
	gt := ReadinessFactor{Name: "Growth trajectory", MaxScore: 20}
	switch calc.Trajectory {
	case TrajectoryGrowing:
		gt.Score, gt.Note = 20, "Revenue is growing"
	case TrajectoryStable:
		gt.Score, gt.Note = 12, "Revenue is flat"
	case TrajectoryDeclining:
		gt.Score, gt.Note = 4, "Revenue is declining"
	default:
		gt.Score, gt.Note = 8, "Prior year turnover not supplied"
	}
	factors = append(factors, gt)

	// Profitability.
	pr := ReadinessFactor{Name: "Profitability", MaxScore: 15}
	if om := calc.Metric(MetricOperatingMargin); om != nil && om.Value != nil {
		switch {
		case *om.Value >= *om.Benchmark:
			pr.Score, pr.Note = 15, "Operating margin at or above benchmark"
		case *om.Value > 0:
			pr.Score, pr.Note = 8, "Profitable but below benchmark"
		default:
			pr.Score, pr.Note = 0, "Loss making"
		}
	} else {
		pr.Score, pr.Note = 5, "Operating margin unknown"
	}
	factors = append(factors, pr)

	// Systems.
	sy := ReadinessFactor{Name: "Systems and processes", MaxScore: 15}
	manual := answers[qManualWork]
	switch {
	case containsAny(manual, []string{"over half", "50%+"}):
		sy.Score, sy.Note = 3, "Over half of effort is manual"
	case containsAny(manual, []string{"30-50%"}):
		sy.Score, sy.Note = 7, "A third or more of effort is manual"
	case manual != "":
		sy.Score, sy.Note = 12, "Manual work is limited"
	default:
		sy.Score, sy.Note = 7, "Manual workload not assessed"
	}
	factors = append(factors, sy)

	er := ExitReadiness{Factors: factors, Strengths: []string{}, Blockers: []string{}}
	for i := range er.Factors {
		f := &er.Factors[i]
		f.Status = factorStatus(f.Score, f.MaxScore)
		er.Score += f.Score
		switch f.Status {
		case "green":
			er.Strengths = append(er.Strengths, f.Name)
		case "red":
			er.Blockers = append(er.Blockers, f.Name)
		}
	}
	er.Status = readinessStatus(er.Score)
	return er
}

func readinessStatus(score int) string {
	switch {
	case score >= 80:
		return StatusExcellent
	case score >= 65:
		return StatusGood
	case score >= 50:
		return StatusNeutral
	case score >= 35:
		return StatusConcern
	default:
		return StatusCritical
	}
}

func readinessMetric(er ExitReadiness) Metric {
	m := unknownMetric(MetricExitReadiness, "Exit readiness", UnitScore, "sum of readiness factor scores")
	m.Value = ptr(float64(er.Score))
	m.Benchmark = ptr(65)
	m.Formatted = strconv.Itoa(er.Score) + "/100"
	m.Status = er.Status
	for _, f := range er.Factors {
		m.Inputs[strings.ToLower(strings.ReplaceAll(f.Name, " ", "_"))] = float64(f.Score)
	}
	return m
}

// weeklyHours maps the hours answer to a representative figure.
func weeklyHours(answer string) float64 {
	a := strings.ToLower(answer)
	switch {
	case strings.Contains(a, "stopped counting"), strings.Contains(a, "70+"):
		return 75
	case strings.Contains(a, "60-70"):
		return 65
	case strings.Contains(a, "50-60"):
		return 55
	default:
		return 0
	}
}

func costOfInaction(in *calcInput, calc *Calculation) CostOfInaction {
	horizon := in.ext.ExitHorizonYears
	if horizon <= 0 {
		horizon = 2
	}
	fin := in.ext.Financials
	var comps []CostComponent

	annualComponent := func(category string, annual float64, confidence, formula string) {
		annual = roundMoney(annual)
		comps = append(comps, CostComponent{
			Category:    category,
			Annual:      annual,
			OverHorizon: roundMoney(annual * float64(horizon)),
			Formatted:   in.f.compact(annual) + "/year",
			Confidence:  confidence,
			Formula:     formula,
		})
	}

	if pr := calc.Metric(MetricPayrollRatio); pr != nil && pr.Value != nil && *pr.Value > *pr.Benchmark {
		annualComponent("payroll_excess", (*pr.Value-*pr.Benchmark)/100*(*fin.Turnover),
			"calculated", "(payroll_ratio - benchmark) / 100 * turnover")
	}
	if fin.Turnover != nil && fin.PriorTurnover != nil && *fin.Turnover < *fin.PriorTurnover {
		annualComponent("revenue_decline", *fin.PriorTurnover-*fin.Turnover,
			"calculated", "prior_turnover - turnover")
	}
	if hours := weeklyHours(in.ext.Answers[qWeeklyHours]); hours > 45 {
		annualComponent("founder_time", (hours-45)*48*founderHourlyRate,
			"inferred", "(weekly_hours - 45) * 48 weeks * hourly rate")
	}
	if v := calc.Valuation; v != nil && calc.ExitReadiness.Score < 65 {
		gap := v.Earnings * (v.MultipleHigh - v.MultipleLow) * float64(65-calc.ExitReadiness.Score) / 65
		gap = roundMoney(gap)
		comps = append(comps, CostComponent{
			Category:    "valuation_multiple",
			Annual:      roundMoney(gap / float64(horizon)),
			OverHorizon: gap,
			Formatted:   in.f.compact(gap) + " of value",
			Confidence:  "estimated",
			Formula:     "earnings * (multiple_high - multiple_low) * (65 - readiness) / 65",
		})
	}

	out := CostOfInaction{Components: comps, HorizonYears: horizon}
	if out.Components == nil {
		out.Components = []CostComponent{}
	}
	for _, c := range out.Components {
		out.Annual += c.Annual
		out.OverHorizon += c.OverHorizon
	}
	out.Annual = roundMoney(out.Annual)
	out.OverHorizon = roundMoney(out.OverHorizon)
	out.Formatted = in.f.compact(out.OverHorizon)
	return out
}

func inactionMetric(in *calcInput, coi CostOfInaction) Metric {
	m := unknownMetric(MetricCostOfInaction, "Cost of inaction", UnitCurrency, "sum of cost components over the exit horizon")
	m.Value = ptr(coi.OverHorizon)
	m.Formatted = in.f.compact(coi.OverHorizon)
	m.Inputs = map[string]float64{"horizon_years": float64(coi.HorizonYears)}
	for _, c := range coi.Components {
		m.Inputs[c.Category] = c.OverHorizon
	}
	if coi.OverHorizon > 0 {
		m.Status = StatusConcern
	}
	return m
}

// pointsPerKeyword is the score a single catalog keyword hit is worth.
const pointsPerKeyword = 10

// scoreServices scores every active catalog service from keyword hits in
// the answers, then applies the detected pattern and urgency multipliers.
func scoreServices(cat *catalog.Catalog, ext *Extraction) []ServiceScore {
	if cat == nil {
		return []ServiceScore{}
	}

	keys := make([]string, 0, len(ext.Answers))
	for k := range ext.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = ext.Answers[k]
	}
	hits := map[string]catalog.Score{}
	for _, s := range cat.Score(strings.Join(parts, "\n")) {
		hits[s.Code] = s
	}

	byCode := map[string]*ServiceScore{}
	var out []ServiceScore
	for _, svc := range cat.Services() {
		s := ServiceScore{Code: svc.Code, Name: svc.Name, Triggers: []string{}}
		if h, ok := hits[svc.Code]; ok {
			s.Score = h.Score * pointsPerKeyword
			for _, kw := range h.Matched {
				s.Triggers = append(s.Triggers, "Keyword: "+kw)
			}
		}
		out = append(out, s)
	}
	for i := range out {
		byCode[out[i].Code] = &out[i]
	}

	boost := func(code string, mul float64, trigger string) {
		if s, ok := byCode[code]; ok && s.Score > 0 {
			s.Score = int(math.Round(float64(s.Score) * mul))
			if trigger != "" {
				s.Triggers = append(s.Triggers, trigger)
			}
		}
	}
	sig := ext.Signals
	if sig.Burnout {
		boost("365_method", 1.4, "Burnout pattern detected")
	}
	if sig.CapitalRaising {
		boost("fractional_cfo", 1.5, "Capital raising pattern detected")
		boost("management_accounts", 1.3, "")
		boost("business_advisory", 1.3, "")
	}
	if sig.Lifestyle {
		boost("365_method", 1.5, "Lifestyle transformation pattern detected")
		boost("fractional_coo", 1.3, "")
		boost("systems_audit", 1.2, "")
	}
	if sig.UrgencyMultiplier > 0 && sig.UrgencyMultiplier != 1 {
		for code := range byCode {
			boost(code, sig.UrgencyMultiplier, "")
		}
	}

	cfo, coo, combined := byCode["fractional_cfo"], byCode["fractional_coo"], byCode["combined_advisory"]
	if cfo != nil && coo != nil && combined != nil && cfo.Score >= 40 && coo.Score >= 40 {
		combined.Score = int(math.Round(float64(cfo.Score+coo.Score) / 2))
		combined.Triggers = append(combined.Triggers, "Combined: both CFO and COO needs")
	}

	for i := range out {
		s := &out[i]
		if s.Score > 100 {
			s.Score = 100
		}
		switch {
		case s.Score >= 70:
			s.Priority, s.Recommended = 1, true
		case s.Score >= 50:
			s.Priority, s.Recommended = 2, true
		case s.Score >= 30:
			s.Priority = 3
		default:
			s.Priority = 4
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Code < out[j].Code
	})
	return out
}
