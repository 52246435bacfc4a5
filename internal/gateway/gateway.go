// Package gateway is the single path to the text generation provider. It
// rate-limits, circuit-breaks, retries and times out every call and
// reduces every failure to a transient or permanent error.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/resilience"
	"github.com/sells-group/discovery-cli/pkg/anthropic"
)

// Params are the generation settings that affect output.
type Params struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Request is one generation call.
type Request struct {
	Prompt string
	System string
	Params Params
	// Timeout bounds each attempt. Zero uses the gateway default.
	Timeout time.Duration
	// Validate checks the content of a successful response. A non-nil
	// error turns the call into a permanent failure.
	Validate func(content string) error
}

// Response is a successful generation. Usage and Cost cover every billed
// attempt, including ones discarded before the attempt that succeeded.
type Response struct {
	Content  string
	Model    string
	Usage    cost.Usage
	Cost     float64
	Attempts int
}

// BilledError wraps a failed call the provider still charged for: a
// response that failed validation, or an empty response retried until the
// attempts ran out.
type BilledError struct {
	Err   error
	Usage cost.Usage
	Cost  float64
}

func (e *BilledError) Error() string { return e.Err.Error() }

func (e *BilledError) Unwrap() error { return e.Err }

// Billed returns what the provider charged for the call that produced err.
func Billed(err error) (cost.Usage, float64, bool) {
	var be *BilledError
	if errors.As(err, &be) {
		return be.Usage, be.Cost, true
	}
	return cost.Usage{}, 0, false
}

// Config tunes the gateway.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	Retry             resilience.RetryConfig
	Circuit           resilience.CircuitBreakerConfig
}

// Generator is implemented by Gateway.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Gateway is safe for concurrent use.
type Gateway struct {
	client   anthropic.Client
	calc     *cost.Calculator
	limiter  *rate.Limiter
	breakers *resilience.ServiceBreakers
	cfg      Config
}

// New creates a Gateway.
func New(client anthropic.Client, calc *cost.Calculator, cfg Config) *Gateway {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("anthropic", "generate")
	}
	if cfg.Circuit.OnStateChange == nil {
		cfg.Circuit.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("gateway: circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	return &Gateway{
		client:   client,
		calc:     calc,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breakers: resilience.NewServiceBreakers(cfg.Circuit),
		cfg:      cfg,
	}
}

// Breakers exposes per-model circuit state for health reporting.
func (g *Gateway) Breakers() map[string]resilience.CircuitState {
	return g.breakers.States()
}

// Generate runs req. Every error it returns is a *resilience.TransientError
// or a *resilience.PermanentError, wrapped in a *BilledError when any
// attempt was charged.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Params.Model == "" || req.Params.MaxTokens <= 0 {
		return nil, resilience.NewPermanentError(eris.New("gateway: model and max_tokens are required"), 0)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "gateway: rate limit wait"), 0)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}

	msg := anthropic.MessageRequest{
		Model:       req.Params.Model,
		MaxTokens:   int64(req.Params.MaxTokens),
		System:      anthropic.BuildCachedSystemBlocks(req.System),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &req.Params.Temperature,
	}

	var (
		attempts  int
		billed    cost.Usage
		billedUSD float64
	)
	cb := g.breakers.Get(req.Params.Model)
	resp, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Response, error) {
		return resilience.DoVal(ctx, g.cfg.Retry, func(ctx context.Context) (*Response, error) {
			attempts++
			out, err := g.attempt(ctx, msg, timeout, req.Validate)
			if out != nil {
				billed = billed.Add(out.Usage)
				billedUSD += out.Cost
			}
			if err != nil {
				return nil, err
			}
			return out, nil
		})
	})
	if err != nil {
		err = resilience.Classify(err, anthropic.StatusCode(err))
		zap.L().Warn("gateway: generate failed",
			zap.String("model", req.Params.Model),
			zap.Int("attempts", attempts),
			zap.String("class", resilience.ClassName(err)),
			zap.Float64("billed_usd", cost.Round(billedUSD)),
			zap.Error(err),
		)
		if billed.Total() > 0 || billedUSD > 0 {
			return nil, &BilledError{Err: err, Usage: billed, Cost: cost.Round(billedUSD)}
		}
		return nil, err
	}

	resp.Attempts = attempts
	resp.Usage = billed
	resp.Cost = cost.Round(billedUSD)
	zap.L().Debug("gateway: generate complete",
		zap.String("model", resp.Model),
		zap.Int("attempts", attempts),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Int("cache_write_tokens", resp.Usage.CacheWriteTokens),
		zap.Int("cache_read_tokens", resp.Usage.CacheReadTokens),
		zap.Float64("cost_usd", resp.Cost),
	)
	return resp, nil
}

// attempt makes one provider call. A response that arrived but is unusable
// is returned alongside the error so its usage can still be billed.
func (g *Gateway) attempt(ctx context.Context, msg anthropic.MessageRequest, timeout time.Duration, validate func(string) error) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := g.client.CreateMessage(actx, msg)
	if err != nil {
		return nil, resilience.Classify(err, anthropic.StatusCode(err))
	}

	model := out.Model
	if model == "" {
		model = msg.Model
	}
	usage := cost.Usage{
		InputTokens:      int(out.Usage.InputTokens),
		OutputTokens:     int(out.Usage.OutputTokens),
		CacheWriteTokens: int(out.Usage.CacheCreationInputTokens),
		CacheReadTokens:  int(out.Usage.CacheReadInputTokens),
	}
	resp := &Response{
		Content: out.Text(),
		Model:   model,
		Usage:   usage,
		Cost:    g.calc.Claude(msg.Model, usage),
	}

	if resp.Content == "" {
		return resp, resilience.NewTransientError(eris.Errorf("gateway: empty response (stop_reason=%s)", out.StopReason), 0)
	}
	if validate != nil {
		if verr := validate(resp.Content); verr != nil {
			return resp, resilience.NewPermanentError(eris.Wrap(verr, "gateway: response failed validation"), 0)
		}
	}
	return resp, nil
}
