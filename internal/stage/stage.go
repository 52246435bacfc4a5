// Package stage implements the executors behind each pipeline stage.
// Extraction and calculation are deterministic; synthesis and mapping call
// the generation gateway through the fingerprint cache and the cost ledger.
package stage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/catalog"
	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/gateway"
	"github.com/sells-group/discovery-cli/internal/model"
)

// ValidationError is returned when input or model output breaks a contract,
// for example a mapping that names a service outside the catalog.
type ValidationError = model.ValidationError

// Input is everything an executor may read.
type Input struct {
	Run      *model.Run
	Snapshot *model.Snapshot
	Prior    map[model.Stage]*model.StageResult
}

// Output is what a stage hands back for checkpointing.
type Output struct {
	Payload     json.RawMessage
	Fingerprint string
	Cost        float64
	CacheHit    bool
}

// Executor runs one stage.
type Executor interface {
	Stage() model.Stage
	Execute(ctx context.Context, in Input) (*Output, error)
}

// Cache is the subset of *cache.Cache the executors use.
type Cache interface {
	GetOrCompute(ctx context.Context, fp cache.Fingerprint, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) (cache.Result, error)
}

// Budget is the subset of *cost.Ledger the executors use.
type Budget interface {
	Reserve(runID string, estimate float64) (*cost.Reservation, error)
	Record(res *cost.Reservation, stage model.Stage, units int64, actual float64) (model.LedgerEntry, error)
	Release(res *cost.Reservation)
}

// Estimator prices a request before it is sent.
type Estimator interface {
	Estimate(model, prompt string, maxTokens int) float64
}

// Deps are the collaborators shared by the cached executors.
type Deps struct {
	Gateway   gateway.Generator
	Cache     Cache
	Budget    Budget
	Estimator Estimator
	Catalog   *catalog.Catalog
}

// ModelConfig selects the model and limits for one kind of request.
type ModelConfig struct {
	Model       string        `yaml:"model" mapstructure:"model"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

func (m ModelConfig) params() gateway.Params {
	return gateway.Params{Model: m.Model, MaxTokens: m.MaxTokens, Temperature: m.Temperature}
}

// Config tunes the executors.
type Config struct {
	SchemaVersion int
	Synthesis     ModelConfig
	Mapping       ModelConfig
	SynthesisTTL  time.Duration
	MappingTTL    time.Duration
	Sections      []string
}

// DefaultSections are the narrative sections synthesis writes.
var DefaultSections = []string{"destination", "gaps", "journey", "numbers", "next_steps"}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SchemaVersion: 1,
		Synthesis:     ModelConfig{Model: "claude-sonnet-4-5-20250929", MaxTokens: 4000, Temperature: 0.4, Timeout: 2 * time.Minute},
		Mapping:       ModelConfig{Model: "claude-sonnet-4-5-20250929", MaxTokens: 6000, Temperature: 0.2, Timeout: 2 * time.Minute},
		SynthesisTTL:  7 * 24 * time.Hour,
		MappingTTL:    7 * 24 * time.Hour,
		Sections:      DefaultSections,
	}
}

// Set maps each executable stage to its executor.
type Set map[model.Stage]Executor

// NewSet indexes executors by stage.
func NewSet(execs ...Executor) Set {
	s := make(Set, len(execs))
	for _, e := range execs {
		s[e.Stage()] = e
	}
	return s
}

// Get returns the executor for st.
func (s Set) Get(st model.Stage) (Executor, bool) {
	e, ok := s[st]
	return e, ok
}

// NewExecutors builds the standard four-stage set.
func NewExecutors(cfg Config, deps Deps) Set {
	if len(cfg.Sections) == 0 {
		cfg.Sections = DefaultSections
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = 1
	}
	return NewSet(
		NewExtraction(),
		NewCalculation(deps.Catalog),
		NewSynthesis(cfg, deps),
		NewMapping(cfg, deps),
	)
}

// decodePrior reads an earlier stage's payload.
func decodePrior[T any](in Input, st model.Stage) (*T, error) {
	res, ok := in.Prior[st]
	if !ok || res == nil {
		return nil, eris.Errorf("stage: %s result missing", st)
	}
	var v T
	if err := json.Unmarshal(res.Payload, &v); err != nil {
		return nil, eris.Wrapf(err, "stage: decode %s result", st)
	}
	return &v, nil
}
