package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/discovery-cli/internal/model"
)

// Completeness statuses.
const (
	CompletenessComplete     = "complete"
	CompletenessPartial      = "partial"
	CompletenessInsufficient = "insufficient"
)

// Extraction is the normalized view of the intake snapshot.
type Extraction struct {
	ClientName       string            `json:"client_name"`
	Industry         string            `json:"industry"`
	IndustryMatched  bool              `json:"industry_matched"`
	Currency         string            `json:"currency"`
	Answers          map[string]string `json:"answers"`
	Financials       Figures           `json:"financials"`
	Signals          Signals           `json:"signals"`
	ExitHorizonYears int               `json:"exit_horizon_years"`
	Completeness     Completeness      `json:"completeness"`
	BlockedServices  []string          `json:"blocked_services,omitempty"`
}

// Figures are parsed financials. Nil means not supplied.
type Figures struct {
	Turnover        *float64 `json:"turnover"`
	PriorTurnover   *float64 `json:"prior_turnover"`
	GrossProfit     *float64 `json:"gross_profit"`
	OperatingProfit *float64 `json:"operating_profit"`
	EBITDA          *float64 `json:"ebitda"`
	Payroll         *float64 `json:"payroll"`
	Headcount       int      `json:"headcount"`
}

// Signals are behavioural patterns detected in the answers.
type Signals struct {
	Burnout           bool     `json:"burnout"`
	BurnoutIndicators []string `json:"burnout_indicators"`
	CapitalRaising    bool     `json:"capital_raising"`
	CapitalSignals    []string `json:"capital_signals"`
	Lifestyle         bool     `json:"lifestyle"`
	LifestyleSignals  []string `json:"lifestyle_signals"`
	ExitIntent        bool     `json:"exit_intent"`
	UrgencyMultiplier float64  `json:"urgency_multiplier"`
}

// Completeness scores how much of the intake was filled in.
type Completeness struct {
	Score   int      `json:"score"`
	Status  string   `json:"status"`
	Missing []string `json:"missing"`
}

// Well-known intake question ids.
const (
	qVision          = "dd_five_year_vision"
	qSuccess         = "dd_success_definition"
	qUnlimitedChange = "dd_unlimited_change"
	qWeeklyHours     = "dd_weekly_hours"
	qTimeAllocation  = "dd_time_allocation"
	qLastBreak       = "dd_last_real_break"
	qSleepThief      = "dd_sleep_thief"
	qCoreFrustration = "dd_core_frustration"
	qExternalView    = "dd_external_perspective"
	qRelationship    = "dd_relationship_mirror"
	qChangeReadiness = "dd_change_readiness"
	qFinalInsight    = "dd_final_insight"
	qFinConfidence   = "sd_financial_confidence"
	qFounderDep      = "sd_founder_dependency"
	qManualWork      = "sd_manual_work_percentage"
	qGrowthBlocker   = "sd_growth_blocker"
	qExitTimeline    = "sd_exit_timeline"
)

// legacyAnswers maps retired question ids onto their replacements.
var legacyAnswers = map[string]string{
	"dd_five_year_picture":   qVision,
	"dd_biggest_frustration": qCoreFrustration,
	"dd_what_would_change":   qUnlimitedChange,
	"dd_final_message":       qFinalInsight,
}

var (
	kwCapital        = []string{"capital", "raise", "invest", "funding", "investor"}
	kwLifestyleRole  = []string{"invest", "portfolio", "ceo", "advisory", "board", "chairman", "non-exec", "step back"}
	kwLifestyleLife  = []string{"family", "children", "wife", "husband", "holiday", "travel", "health"}
	kwTrapped        = []string{"bad marriage", "can't leave", "trapped", "divorce", "ball and chain", "prison", "stuck"}
	kwExhausted      = []string{"needy child", "exhausting", "demanding", "draining"}
	kwExit           = []string{"sell", "exit", "succession", "retire", "buyer"}
	burnoutHours     = []string{"60-70", "70+", "stopped counting"}
	burnoutBreaks    = []string{"more than 2 years", "can't remember", "never done"}
	burnoutExternal  = []string{"given up complaining", "source of tension", "married to my business"}
	burnoutFirefight = []string{"90% firefighting", "70% firefighting"}
	lifestyleSuccess = []string{"runs profitably without me", "legacy that outlasts me", "control over my time"}
)

// urgencyByReadiness is checked in order; the first prefix match wins.
var urgencyByReadiness = []struct {
	prefix string
	mul    float64
}{
	{"completely ready", 1.3},
	{"ready", 1.2},
	{"open", 1.0},
	{"hesitant", 0.9},
	{"resistant", 0.7},
}

type completenessCheck struct {
	field  string
	weight int
	ok     func(e *Extraction) bool
}

func hasAnswer(key string) func(e *Extraction) bool {
	return func(e *Extraction) bool { return e.Answers[key] != "" }
}

var completenessChecks = []completenessCheck{
	{"financials.turnover", 20, func(e *Extraction) bool { return e.Financials.Turnover != nil }},
	{"financials.headcount", 10, func(e *Extraction) bool { return e.Financials.Headcount > 0 }},
	{"financials.payroll", 10, func(e *Extraction) bool { return e.Financials.Payroll != nil }},
	{"financials.gross_profit", 10, func(e *Extraction) bool { return e.Financials.GrossProfit != nil }},
	{"financials.operating_profit", 10, func(e *Extraction) bool {
		return e.Financials.OperatingProfit != nil || e.Financials.EBITDA != nil
	}},
	{"responses." + qVision, 15, hasAnswer(qVision)},
	{"responses." + qCoreFrustration, 10, hasAnswer(qCoreFrustration)},
	{"industry", 5, func(e *Extraction) bool { return e.IndustryMatched }},
	{"exit_timeline", 5, func(e *Extraction) bool { return e.Answers[qExitTimeline] != "" }},
	{"responses." + qChangeReadiness, 5, hasAnswer(qChangeReadiness)},
}

// ExtractionExecutor normalizes the snapshot. It makes no external calls.
type ExtractionExecutor struct{}

// NewExtraction creates the extraction executor.
func NewExtraction() *ExtractionExecutor { return &ExtractionExecutor{} }

// Stage implements Executor.
func (x *ExtractionExecutor) Stage() model.Stage { return model.StageExtracting }

// Execute implements Executor.
func (x *ExtractionExecutor) Execute(_ context.Context, in Input) (*Output, error) {
	if in.Snapshot == nil {
		return nil, &ValidationError{Field: "input_snapshot", Reason: "is required"}
	}
	ext, err := Extract(in.Snapshot)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ext)
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal extraction")
	}
	return &Output{Payload: payload}, nil
}

// Extract builds the normalized extraction from a snapshot.
func Extract(s *model.Snapshot) (*Extraction, error) {
	industry, matched := IndustryKey(s.Industry)
	ext := &Extraction{
		ClientName:      normalizeText(s.ClientName),
		Industry:        industry,
		IndustryMatched: matched,
		Currency:        s.CurrencyCode(),
		Answers:         normalizeAnswers(s.Responses),
	}
	if s.ExitTimeline != "" {
		ext.Answers[qExitTimeline] = normalizeText(s.ExitTimeline)
	}
	for _, code := range s.BlockedServices {
		if code = strings.ToLower(strings.TrimSpace(code)); code != "" {
			ext.BlockedServices = append(ext.BlockedServices, code)
		}
	}

	figs, err := parseFigures(s.Financials)
	if err != nil {
		return nil, err
	}
	ext.Financials = figs
	ext.Signals = detectSignals(ext.Answers)
	ext.ExitHorizonYears = ExitHorizon(ext.Answers[qExitTimeline])
	ext.Completeness = scoreCompleteness(ext)
	return ext, nil
}

// normalizeText NFC-normalizes, trims and collapses internal whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// normalizeAnswers flattens responses into text. Lists join with ", ",
// objects keep their JSON form, and empty answers are dropped.
func normalizeAnswers(responses map[string]any) map[string]string {
	out := make(map[string]string, len(responses))
	for k, v := range responses {
		text := answerText(v)
		if text == "" {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(k))
		if canonical, ok := legacyAnswers[key]; ok {
			if answerText(responses[canonical]) != "" {
				continue
			}
			key = canonical
		}
		out[key] = text
	}
	return out
}

func answerText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return normalizeText(t)
	case bool:
		if t {
			return "yes"
		}
		return "no"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := answerText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return normalizeText(fmt.Sprint(t))
		}
		return string(b)
	}
}

func parseFigures(f *model.Financials) (Figures, error) {
	var figs Figures
	if f == nil {
		return figs, nil
	}
	figs.Headcount = f.Headcount

	fields := []struct {
		name string
		in   model.Amount
		out  **float64
	}{
		{"turnover", f.Turnover, &figs.Turnover},
		{"prior_turnover", f.PriorTurnover, &figs.PriorTurnover},
		{"gross_profit", f.GrossProfit, &figs.GrossProfit},
		{"operating_profit", f.OperatingProfit, &figs.OperatingProfit},
		{"ebitda", f.EBITDA, &figs.EBITDA},
		{"payroll", f.Payroll, &figs.Payroll},
	}
	for _, fld := range fields {
		v, ok, err := fld.in.Value()
		if err != nil {
			return figs, &ValidationError{Field: "financials." + fld.name, Reason: err.Error()}
		}
		if ok {
			v := roundMoney(v)
			*fld.out = &v
		}
	}
	return figs, nil
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func detectSignals(answers map[string]string) Signals {
	sig := Signals{UrgencyMultiplier: 1.0}

	burnout := []struct {
		question  string
		phrases   []string
		indicator string
	}{
		{qWeeklyHours, burnoutHours, "Excessive hours"},
		{qLastBreak, burnoutBreaks, "No real breaks"},
		{qExternalView, burnoutExternal, "Relationship strain"},
		{qTimeAllocation, burnoutFirefight, "High firefighting"},
		{qSleepThief, []string{"health or burnout"}, "Health/burnout concerns"},
	}
	for _, b := range burnout {
		if containsAny(answers[b.question], b.phrases) {
			sig.BurnoutIndicators = append(sig.BurnoutIndicators, b.indicator)
		}
	}
	sig.Burnout = len(sig.BurnoutIndicators) >= 3

	if containsAny(answers[qGrowthBlocker], []string{"capital"}) {
		sig.CapitalSignals = append(sig.CapitalSignals, "Growth blocker: capital")
	}
	if containsAny(answers[qUnlimitedChange], kwCapital) {
		sig.CapitalSignals = append(sig.CapitalSignals, "Unlimited change: capital")
	}
	if containsAny(answers[qExitTimeline], []string{"already exploring", "1-3 years"}) {
		sig.CapitalSignals = append(sig.CapitalSignals, "Exit timeline: near-term")
	}
	if containsAny(answers[qVision], kwCapital) {
		sig.CapitalSignals = append(sig.CapitalSignals, "Vision: capital/investment")
	}
	sig.CapitalRaising = len(sig.CapitalSignals) >= 2

	vision := answers[qVision]
	if containsAny(vision, kwLifestyleRole) {
		sig.LifestyleSignals = append(sig.LifestyleSignals, "Vision: role change")
	}
	if containsAny(vision, kwLifestyleLife) {
		sig.LifestyleSignals = append(sig.LifestyleSignals, "Vision: lifestyle")
	}
	if containsAny(answers[qSuccess], lifestyleSuccess) {
		sig.LifestyleSignals = append(sig.LifestyleSignals, "Success: lifestyle-focused")
	}
	if rel := answers[qRelationship]; containsAny(rel, kwTrapped) || containsAny(rel, kwExhausted) {
		sig.LifestyleSignals = append(sig.LifestyleSignals, "Relationship: negative")
	}
	sig.Lifestyle = len(sig.LifestyleSignals) >= 3

	sig.ExitIntent = containsAny(vision, kwExit) ||
		containsAny(answers[qUnlimitedChange], kwExit) ||
		containsAny(answers[qExitTimeline], []string{"already exploring", "1-3", "3-5"})

	readiness := strings.ToLower(answers[qChangeReadiness])
	for _, u := range urgencyByReadiness {
		if strings.HasPrefix(readiness, u.prefix) {
			sig.UrgencyMultiplier = u.mul
			break
		}
	}
	return sig
}

// ExitHorizon converts an exit timeline answer into the number of years
// costs are projected over: 1-3 years → 2, 3-5 years → 4, 5+ → 5. Anything
// else, including no answer, is 2.
func ExitHorizon(timeline string) int {
	t := strings.ToLower(timeline)
	switch {
	case strings.Contains(t, "1-3"):
		return 2
	case strings.Contains(t, "3-5"):
		return 4
	case strings.Contains(t, "5+"), strings.Contains(t, "5-10"), strings.Contains(t, "10+"),
		strings.Contains(t, "5 years+"), strings.Contains(t, "more than 5"):
		return 5
	default:
		return 2
	}
}

func scoreCompleteness(e *Extraction) Completeness {
	c := Completeness{Missing: []string{}}
	for _, chk := range completenessChecks {
		if chk.ok(e) {
			c.Score += chk.weight
		} else {
			c.Missing = append(c.Missing, chk.field)
		}
	}
	sort.Strings(c.Missing)
	switch {
	case c.Score >= 70:
		c.Status = CompletenessComplete
	case c.Score >= 40:
		c.Status = CompletenessPartial
	default:
		c.Status = CompletenessInsufficient
	}
	return c
}
