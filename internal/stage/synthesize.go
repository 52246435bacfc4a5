package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/model"
)

// NarrativeSection is one generated report section.
type NarrativeSection struct {
	Name        string          `json:"name"`
	Content     json.RawMessage `json:"content"`
	Fingerprint string          `json:"fingerprint"`
	Model       string          `json:"model"`
	CacheHit    bool            `json:"cache_hit"`
}

// Synthesis is the narrative payload, sections in configured order.
type Synthesis struct {
	Sections []NarrativeSection `json:"sections"`
}

// Section returns the named section, or nil.
func (s *Synthesis) Section(name string) *NarrativeSection {
	for i := range s.Sections {
		if s.Sections[i].Name == name {
			return &s.Sections[i]
		}
	}
	return nil
}

// SynthesisExecutor writes one narrative section per generation request,
// fanned out in parallel.
type SynthesisExecutor struct {
	cfg  Config
	deps Deps
}

// NewSynthesis creates the synthesis executor.
func NewSynthesis(cfg Config, deps Deps) *SynthesisExecutor {
	return &SynthesisExecutor{cfg: cfg, deps: deps}
}

// Stage implements Executor.
func (s *SynthesisExecutor) Stage() model.Stage { return model.StageSynthesizing }

// Execute implements Executor. Sections that completed before another
// failed stay cached and their cost stays recorded.
func (s *SynthesisExecutor) Execute(ctx context.Context, in Input) (*Output, error) {
	ext, err := decodePrior[Extraction](in, model.StageExtracting)
	if err != nil {
		return nil, err
	}
	calc, err := decodePrior[Calculation](in, model.StageCalculating)
	if err != nil {
		return nil, err
	}

	shared := synthesisContext(ext, calc)
	sections := make([]NarrativeSection, len(s.cfg.Sections))
	costs := make([]float64, len(s.cfg.Sections))

	g, gCtx := errgroup.WithContext(ctx)
	for i, name := range s.cfg.Sections {
		g.Go(func() error {
			sb := briefFor(name)
			prompt := fmt.Sprintf(synthesisUserPrompt,
				ext.ClientName, ext.Industry, calc.Benchmark.Name,
				ext.Completeness.Score, ext.Completeness.Status,
				shared.patterns, shared.metrics, shared.answers,
				name, sb.brief, strings.Join(sb.required, ", "),
			)
			res, err := s.deps.generate(gCtx, in.Run.ID, s.cfg.SchemaVersion, call{
				stage:    model.StageSynthesizing,
				name:     name,
				system:   synthesisSystemPrompt,
				prompt:   prompt,
				model:    s.cfg.Synthesis,
				ttl:      s.cfg.SynthesisTTL,
				required: sb.required,
			})
			if err != nil {
				return eris.Wrapf(err, "stage: synthesize %s", name)
			}
			sections[i] = NarrativeSection{Name: name, Content: res.value, Fingerprint: res.fingerprint, Model: res.model, CacheHit: res.hit}
			costs[i] = res.cost
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Output{CacheHit: true}
	hashes := make([]string, len(sections))
	for i, sec := range sections {
		out.Cost += costs[i]
		out.CacheHit = out.CacheHit && sec.CacheHit
		hashes[i] = sec.Fingerprint
	}
	fp, err := cache.NewFingerprint(cache.Key{Stage: model.StageSynthesizing, SchemaVersion: s.cfg.SchemaVersion, Input: hashes})
	if err != nil {
		return nil, eris.Wrap(err, "stage: synthesis fingerprint")
	}
	out.Fingerprint = fp.Hash

	out.Payload, err = json.Marshal(Synthesis{Sections: sections})
	if err != nil {
		return nil, eris.Wrap(err, "stage: marshal synthesis")
	}
	return out, nil
}

type promptContext struct {
	patterns string
	metrics  string
	answers  string
}

// synthesisContext renders the deterministic parts shared by every section
// prompt. Ordering is fixed so identical inputs produce identical prompts.
func synthesisContext(ext *Extraction, calc *Calculation) promptContext {
	return promptContext{
		patterns: renderPatterns(ext.Signals),
		metrics:  renderMetrics(calc),
		answers:  renderAnswers(ext.Answers),
	}
}

func renderPatterns(sig Signals) string {
	var lines []string
	if sig.Burnout {
		lines = append(lines, "- Burnout: "+strings.Join(sig.BurnoutIndicators, ", "))
	}
	if sig.CapitalRaising {
		lines = append(lines, "- Capital raising: "+strings.Join(sig.CapitalSignals, ", "))
	}
	if sig.Lifestyle {
		lines = append(lines, "- Lifestyle transformation: "+strings.Join(sig.LifestyleSignals, ", "))
	}
	if sig.ExitIntent {
		lines = append(lines, "- Exit intent")
	}
	if len(lines) == 0 {
		return "- None detected"
	}
	return strings.Join(lines, "\n")
}

func renderMetrics(calc *Calculation) string {
	var lines []string
	for _, m := range calc.Metrics {
		if m.Value == nil {
			lines = append(lines, fmt.Sprintf("- %s: unknown", m.Label))
			continue
		}
		line := fmt.Sprintf("- %s: %s (%s)", m.Label, m.Formatted, m.Status)
		if m.Benchmark != nil && m.Unit == UnitPercent {
			line += fmt.Sprintf(" vs %.1f%% benchmark", *m.Benchmark)
		}
		lines = append(lines, line)
	}
	if v := calc.Valuation; v != nil {
		lines = append(lines, "- Valuation range: "+v.Formatted)
	}
	for _, c := range calc.CostOfInaction.Components {
		lines = append(lines, fmt.Sprintf("- Cost of inaction (%s): %s", c.Category, c.Formatted))
	}
	return strings.Join(lines, "\n")
}

func renderAnswers(answers map[string]string) string {
	if len(answers) == 0 {
		return "(none supplied)"
	}
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, answers[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
