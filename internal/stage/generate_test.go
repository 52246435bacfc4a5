package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/discovery-cli/internal/cache"
	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/gateway"
	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/resilience"
)

func testCall(prompt string) call {
	return call{
		stage:    model.StageSynthesizing,
		name:     "gaps",
		system:   "system",
		prompt:   prompt,
		model:    ModelConfig{Model: "sonnet", MaxTokens: 1000, Temperature: 0.4},
		ttl:      time.Hour,
		required: []string{"gaps"},
	}
}

func TestGenerate_MissRecordsCost(t *testing.T) {
	h := newHarness(0.2, func(gateway.Request) (*gateway.Response, error) {
		return reply("```json\n{\"gaps\":[]}\n```", 0.07), nil
	})
	h.open("run-1", 10)

	res, err := h.deps.generate(context.Background(), "run-1", 1, testCall("p"))
	require.NoError(t, err)
	assert.False(t, res.hit)
	assert.Equal(t, 0.07, res.cost)
	assert.JSONEq(t, `{"gaps":[]}`, string(res.value))
	assert.Len(t, res.fingerprint, 64)

	bal, err := h.ledger.Balance("run-1")
	require.NoError(t, err)
	assert.Equal(t, 0.07, bal.Pending)
	assert.Zero(t, bal.Reserved)

	entries := h.ledger.Drain("run-1")
	require.Len(t, entries, 1)
	assert.Equal(t, model.StageSynthesizing, entries[0].Stage)
	assert.Equal(t, int64(1500), entries[0].Units)
}

func TestGenerate_HitCostsNothing(t *testing.T) {
	h := newHarness(0.2, func(gateway.Request) (*gateway.Response, error) {
		return reply(`{"gaps":[]}`, 0.07), nil
	})
	h.open("run-1", 10)
	h.open("run-2", 10)

	first, err := h.deps.generate(context.Background(), "run-1", 1, testCall("p"))
	require.NoError(t, err)
	second, err := h.deps.generate(context.Background(), "run-2", 1, testCall("p"))
	require.NoError(t, err)

	assert.True(t, second.hit)
	assert.Zero(t, second.cost)
	assert.Equal(t, first.fingerprint, second.fingerprint)
	assert.Equal(t, 1, h.gen.Calls())
	assert.Empty(t, h.ledger.Drain("run-2"))
}

func TestGenerate_FingerprintVariesWithInput(t *testing.T) {
	h := newHarness(0.2, func(gateway.Request) (*gateway.Response, error) {
		return reply(`{"gaps":[]}`, 0.01), nil
	})
	h.open("run-1", 10)

	a, err := h.deps.generate(context.Background(), "run-1", 1, testCall("one"))
	require.NoError(t, err)
	b, err := h.deps.generate(context.Background(), "run-1", 1, testCall("two"))
	require.NoError(t, err)
	c, err := h.deps.generate(context.Background(), "run-1", 2, testCall("one"))
	require.NoError(t, err)

	assert.NotEqual(t, a.fingerprint, b.fingerprint)
	assert.NotEqual(t, a.fingerprint, c.fingerprint, "schema version is part of the key")
	assert.Equal(t, 3, h.gen.Calls())
}

func TestGenerate_BudgetExceededSkipsGateway(t *testing.T) {
	h := newHarness(0.6, func(gateway.Request) (*gateway.Response, error) {
		t.Error("gateway must not be called over budget")
		return nil, nil
	})
	h.open("run-1", 0.5)

	_, err := h.deps.generate(context.Background(), "run-1", 1, testCall("p"))
	require.ErrorIs(t, err, cost.ErrBudgetExceeded)

	var be *cost.BudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0.5, be.Remaining)
	assert.Zero(t, h.gen.Calls())
}

func TestGenerate_FailureReleasesReservation(t *testing.T) {
	boom := resilience.NewTransientError(errors.New("overloaded"), 529)
	h := newHarness(0.3, func(gateway.Request) (*gateway.Response, error) {
		return nil, boom
	})
	h.open("run-1", 1)

	_, err := h.deps.generate(context.Background(), "run-1", 1, testCall("p"))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	bal, err := h.ledger.Balance("run-1")
	require.NoError(t, err)
	assert.Zero(t, bal.Reserved)
	assert.Zero(t, bal.Pending)
	assert.Equal(t, 1.0, bal.Remaining())
}

func TestGenerate_MissingRequiredKeyIsPermanent(t *testing.T) {
	h := newHarness(0.1, func(gateway.Request) (*gateway.Response, error) {
		return reply(`{"headerLine":"x"}`, 0.05), nil
	})
	h.open("run-1", 1)

	_, err := h.deps.generate(context.Background(), "run-1", 1, testCall("p"))
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), `missing required key "gaps"`)

	entries := h.ledger.Drain("run-1")
	require.Len(t, entries, 1, "the rejected response was still billed")
	assert.Equal(t, 0.05, entries[0].Cost)
	assert.Equal(t, int64(1500), entries[0].Units)

	bal, err := h.ledger.Balance("run-1")
	require.NoError(t, err)
	assert.Zero(t, bal.Reserved)
	assert.Equal(t, 0.95, bal.Remaining())
}

func TestGenerate_ResolvedModelIsReported(t *testing.T) {
	h := newHarness(0.1, func(gateway.Request) (*gateway.Response, error) {
		resp := reply(`{"gaps":[]}`, 0.01)
		resp.Model = "sonnet-20250101"
		return resp, nil
	})
	h.open("run-1", 1)

	res, err := h.deps.generate(context.Background(), "run-1", 1, testCall("p"))
	require.NoError(t, err)
	assert.Equal(t, "sonnet-20250101", res.model)
}

// scriptedCache fails the first lookups with queued errors, then computes.
type scriptedCache struct {
	mu      sync.Mutex
	fail    []error
	lookups int
}

func (s *scriptedCache) GetOrCompute(ctx context.Context, _ cache.Fingerprint, _ time.Duration, compute func(ctx context.Context) ([]byte, error)) (cache.Result, error) {
	s.mu.Lock()
	s.lookups++
	var err error
	if len(s.fail) > 0 {
		err, s.fail = s.fail[0], s.fail[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return cache.Result{}, err
	}
	v, err := compute(ctx)
	if err != nil {
		return cache.Result{}, err
	}
	return cache.Result{Value: v}, nil
}

func TestGenerate_RetriesSharedFailureOfAnotherRun(t *testing.T) {
	tests := []struct {
		name   string
		shared error
	}{
		{"other run over budget", &cost.BudgetError{RunID: "run-2", Estimate: 1, Remaining: 0}},
		{"other caller cancelled", eris.Wrap(context.Canceled, "stage: synthesize gaps")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(0.1, func(gateway.Request) (*gateway.Response, error) {
				return reply(`{"gaps":[]}`, 0.02), nil
			})
			sc := &scriptedCache{fail: []error{tt.shared}}
			h.deps.Cache = sc
			h.open("run-1", 1)

			res, err := h.deps.generate(context.Background(), "run-1", 1, testCall("p"))
			require.NoError(t, err)
			assert.Equal(t, 0.02, res.cost)
			assert.Equal(t, 2, sc.lookups)
			assert.Equal(t, 1, h.gen.Calls())
			assert.Len(t, h.ledger.Drain("run-1"), 1)
		})
	}
}

func TestGenerate_OwnFailuresAreNotRetried(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name   string
		ctx    context.Context
		shared error
	}{
		{"own budget", context.Background(), &cost.BudgetError{RunID: "run-1", Estimate: 1, Remaining: 0}},
		{"own cancellation", cancelled, context.Canceled},
		{"provider failure", context.Background(), resilience.NewPermanentError(errors.New("bad request"), 400)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(0.1, func(gateway.Request) (*gateway.Response, error) {
				return reply(`{"gaps":[]}`, 0.02), nil
			})
			sc := &scriptedCache{fail: []error{tt.shared}}
			h.deps.Cache = sc
			h.open("run-1", 1)

			_, err := h.deps.generate(tt.ctx, "run-1", 1, testCall("p"))
			require.Error(t, err)
			assert.Equal(t, 1, sc.lookups)
			assert.Zero(t, h.gen.Calls())
		})
	}
}

func TestGenerate_SharedFailureRetriesAreBounded(t *testing.T) {
	foreign := &cost.BudgetError{RunID: "run-2"}
	h := newHarness(0.1, func(gateway.Request) (*gateway.Response, error) {
		return reply(`{"gaps":[]}`, 0.02), nil
	})
	sc := &scriptedCache{fail: []error{foreign, foreign, foreign, foreign, foreign}}
	h.deps.Cache = sc
	h.open("run-1", 1)

	_, err := h.deps.generate(context.Background(), "run-1", 1, testCall("p"))
	require.ErrorIs(t, err, cost.ErrBudgetExceeded)
	assert.Equal(t, maxJoinRetries+1, sc.lookups)
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding prose", "Here you go:\n{\"a\":{\"b\":2}}\nThanks", `{"a":{"b":2}}`},
		{"no object", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestRequireObject(t *testing.T) {
	v := requireObject([]string{"a", "b"})
	assert.NoError(t, v(`{"a":1,"b":2}`))
	assert.Error(t, v(`{"a":1}`))
	assert.Error(t, v(`[1,2]`))
	assert.Error(t, v(`not json`))
	assert.NoError(t, requireObject(nil)(`{}`))
}
