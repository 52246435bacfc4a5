package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/discovery-cli/internal/cost"
	"github.com/sells-group/discovery-cli/internal/resilience"
	"github.com/sells-group/discovery-cli/pkg/anthropic"
	"github.com/sells-group/discovery-cli/pkg/anthropic/mocks"
)

const testModel = "sonnet"

func testCalc() *cost.Calculator {
	return cost.NewCalculator(cost.Rates{Anthropic: map[string]cost.ModelRate{
		testModel: {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
	}})
}

func testConfig() Config {
	return Config{
		RequestsPerSecond: 1000,
		Burst:             1000,
		Timeout:           time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
		Circuit: resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	}
}

func testRequest() Request {
	return Request{
		Prompt: "Write the gaps section",
		System: "You are a business advisor",
		Params: Params{Model: testModel, MaxTokens: 1000, Temperature: 0.4},
	}
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg_1",
		Model:   testModel,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 1000000, OutputTokens: 100000},
	}
}

func TestGenerate_Success(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == testModel &&
			req.MaxTokens == 1000 &&
			*req.Temperature == 0.4 &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			req.Messages[0].Content == "Write the gaps section"
	})).Return(textResponse(`{"summary":"ok"}`), nil).Once()

	g := New(client, testCalc(), testConfig())
	resp, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, resp.Content)
	assert.Equal(t, testModel, resp.Model)
	assert.Equal(t, 1, resp.Attempts)
	assert.InDelta(t, 3.00+1.50, resp.Cost, 0.000001)
	assert.Equal(t, 1000000, resp.Usage.InputTokens)
}

func TestGenerate_RetriesTransient(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Twice()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("{}"), nil).Once()

	g := New(client, testCalc(), testConfig())
	resp, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
}

func TestGenerate_TransientExhausted(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Times(3)

	g := New(client, testCalc(), testConfig())
	_, err := g.Generate(context.Background(), testRequest())
	require.Error(t, err)

	var te *resilience.TransientError
	assert.ErrorAs(t, err, &te)
}

func TestGenerate_PermanentNotRetried(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewPermanentError(errors.New("content policy"), 400)).Once()

	g := New(client, testCalc(), testConfig())
	_, err := g.Generate(context.Background(), testRequest())

	var pe *resilience.PermanentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 400, pe.StatusCode)
}

func TestGenerate_UnclassifiedErrorBecomesPermanent(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("invalid x-api-key")).Once()

	g := New(client, testCalc(), testConfig())
	_, err := g.Generate(context.Background(), testRequest())
	assert.True(t, resilience.IsPermanent(err))
}

func TestGenerate_ValidationFailureIsPermanent(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("not json"), nil).Once()

	req := testRequest()
	req.Validate = func(content string) error {
		if !json.Valid([]byte(content)) {
			return errors.New("response is not JSON")
		}
		return nil
	}

	g := New(client, testCalc(), testConfig())
	_, err := g.Generate(context.Background(), req)
	require.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "response is not JSON")

	usage, spent, ok := Billed(err)
	require.True(t, ok, "a rejected response is still billed")
	assert.Equal(t, 1000000, usage.InputTokens)
	assert.Equal(t, 100000, usage.OutputTokens)
	assert.InDelta(t, 3.00+1.50, spent, 0.000001)
}

func TestGenerate_BilledAttemptsAddUp(t *testing.T) {
	empty := &anthropic.MessageResponse{
		StopReason: "max_tokens",
		Usage:      anthropic.TokenUsage{InputTokens: 1000000},
	}
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(empty, nil).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("{}"), nil).Once()

	g := New(client, testCalc(), testConfig())
	resp, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 2000000, resp.Usage.InputTokens)
	assert.InDelta(t, 3.00+3.00+1.50, resp.Cost, 0.000001)
}

func TestGenerate_EmptyResponsesExhaustedAreBilled(t *testing.T) {
	empty := &anthropic.MessageResponse{
		StopReason: "max_tokens",
		Usage:      anthropic.TokenUsage{InputTokens: 1000000},
	}
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(empty, nil).Times(3)

	g := New(client, testCalc(), testConfig())
	_, err := g.Generate(context.Background(), testRequest())
	require.True(t, resilience.IsTransient(err))

	usage, spent, ok := Billed(err)
	require.True(t, ok)
	assert.Equal(t, 3000000, usage.InputTokens)
	assert.InDelta(t, 9.00, spent, 0.000001)
}

func TestGenerate_UnbilledFailureHasNoCharge(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewPermanentError(errors.New("bad request"), 400)).Once()

	g := New(client, testCalc(), testConfig())
	_, err := g.Generate(context.Background(), testRequest())
	require.Error(t, err)
	_, _, ok := Billed(err)
	assert.False(t, ok)
}

func TestGenerate_EmptyResponseRetried(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(&anthropic.MessageResponse{StopReason: "max_tokens"}, nil).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("{}"), nil).Once()

	g := New(client, testCalc(), testConfig())
	resp, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}

func TestGenerate_AttemptTimeout(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).Times(3)

	req := testRequest()
	req.Timeout = 10 * time.Millisecond

	g := New(client, testCalc(), testConfig())
	_, err := g.Generate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestGenerate_CircuitOpensPerModel(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool { return r.Model == testModel })).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529))
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool { return r.Model == "haiku" })).
		Return(textResponse("{}"), nil).Once()

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	g := New(client, testCalc(), cfg)

	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), testRequest())
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, g.Breakers()[testModel])

	_, err := g.Generate(context.Background(), testRequest())
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.True(t, resilience.IsTransient(err))
	client.AssertNumberOfCalls(t, "CreateMessage", 2)

	other := testRequest()
	other.Params.Model = "haiku"
	_, err = g.Generate(context.Background(), other)
	assert.NoError(t, err)
}

func TestGenerate_RejectsIncompleteParams(t *testing.T) {
	g := New(mocks.NewMockClient(t), testCalc(), testConfig())
	_, err := g.Generate(context.Background(), Request{Prompt: "x"})
	assert.True(t, resilience.IsPermanent(err))
}

func TestGenerate_CancelledContext(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("{}"), nil).Once()
	g := New(client, testCalc(), cfg)

	_, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, testRequest())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestGenerate_ProviderStatusClassification(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(529)
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"type":  "error",
				"error": map[string]any{"type": "overloaded_error", "message": "Overloaded"},
			})
		case 2:
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"id": "msg_ok", "type": "message", "role": "assistant",
				"content":     []map[string]any{{"type": "text", "text": `{"ok":true}`}},
				"model":       testModel,
				"stop_reason": "end_turn",
				"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"type":  "error",
				"error": map[string]any{"type": "invalid_request_error", "message": "bad"},
			})
		}
	}))
	defer ts.Close()

	client := anthropic.NewClient("test-key", option.WithBaseURL(ts.URL))
	g := New(client, testCalc(), testConfig())

	resp, err := g.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)

	_, err = g.Generate(context.Background(), testRequest())
	var pe *resilience.PermanentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}
