package stage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/gateway"
	"github.com/sells-group/discovery-cli/internal/model"
)

// call is one cached generation request.
type call struct {
	stage    model.Stage
	name     string
	system   string
	prompt   string
	model    ModelConfig
	ttl      time.Duration
	required []string
}

type callResult struct {
	value       json.RawMessage
	fingerprint string
	model       string
	cost        float64
	hit         bool
}

// maxJoinRetries bounds how often a caller retries after sharing a compute
// that failed for reasons belonging to another run.
const maxJoinRetries = 3

// generate serves c from the cache or, on a miss, reserves budget, calls
// the gateway and records the actual cost against the run. A cache hit
// costs nothing. Calls the provider billed are recorded even when they
// failed.
func (d Deps) generate(ctx context.Context, runID string, schemaVersion int, c call) (*callResult, error) {
	params := c.model.params()
	fp, err := cache.NewFingerprint(cache.Key{
		Stage:         c.stage,
		SchemaVersion: schemaVersion,
		Model:         params.Model,
		Params:        params,
		Input: map[string]string{
			"name":   c.name,
			"system": c.system,
			"prompt": c.prompt,
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "stage: fingerprint %s", c.name)
	}

	var (
		spent float64
		used  = params.Model
	)
	compute := func(ctx context.Context) ([]byte, error) {
		estimate := d.Estimator.Estimate(params.Model, c.system+c.prompt, params.MaxTokens)
		rsv, err := d.Budget.Reserve(runID, estimate)
		if err != nil {
			return nil, err
		}

		resp, err := d.Gateway.Generate(ctx, gateway.Request{
			Prompt:   c.prompt,
			System:   c.system,
			Params:   params,
			Timeout:  c.model.Timeout,
			Validate: requireObject(c.required),
		})
		if err != nil {
			usage, billed, ok := gateway.Billed(err)
			if !ok {
				d.Budget.Release(rsv)
				return nil, err
			}
			entry, rerr := d.Budget.Record(rsv, c.stage, usage.Total(), billed)
			if rerr != nil {
				return nil, rerr
			}
			spent = entry.Cost
			zap.L().Warn("stage: failed generation billed",
				zap.String("run_id", runID),
				zap.String("stage", string(c.stage)),
				zap.String("name", c.name),
				zap.Float64("cost", entry.Cost),
			)
			return nil, err
		}

		entry, err := d.Budget.Record(rsv, c.stage, resp.Usage.Total(), resp.Cost)
		if err != nil {
			return nil, err
		}
		spent = entry.Cost
		if resp.Model != "" {
			used = resp.Model
		}

		zap.L().Debug("stage: generated",
			zap.String("run_id", runID),
			zap.String("stage", string(c.stage)),
			zap.String("name", c.name),
			zap.Int("attempts", resp.Attempts),
			zap.Float64("estimate", estimate),
			zap.Float64("cost", entry.Cost),
		)
		return []byte(cleanJSON(resp.Content)), nil
	}

	var res cache.Result
	for try := 0; ; try++ {
		res, err = d.Cache.GetOrCompute(ctx, fp, c.ttl, compute)
		if err == nil || try >= maxJoinRetries || !foreignFailure(ctx, runID, err) {
			break
		}
		zap.L().Info("stage: shared generation failed for another run, retrying",
			zap.String("run_id", runID),
			zap.String("stage", string(c.stage)),
			zap.String("name", c.name),
			zap.Error(err),
		)
	}
	if err != nil {
		return nil, err
	}

	return &callResult{value: res.Value, fingerprint: fp.Hash, model: used, cost: spent, hit: res.Hit}, nil
}

// foreignFailure reports whether err came from a compute this caller only
// joined: a cancellation while the caller's own context is live, or a
// budget refusal for a different run.
func foreignFailure(ctx context.Context, runID string, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var budget *cost.BudgetError
	return errors.As(err, &budget) && budget.RunID != runID
}

// requireObject validates that content is a JSON object carrying keys.
func requireObject(keys []string) func(string) error {
	return func(content string) error {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(cleanJSON(content)), &obj); err != nil {
			return eris.Wrap(err, "response is not a JSON object")
		}
		for _, k := range keys {
			if _, ok := obj[k]; !ok {
				return eris.Errorf("response missing required key %q", k)
			}
		}
		return nil
	}
}

// cleanJSON extracts a JSON object from text that may carry markdown
// fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
