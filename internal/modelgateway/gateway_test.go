package modelgateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"archivecore/internal/errs"
)

// scriptedProvider is a deterministic Provider fake returning canned results
// keyed by call index, following the injectable-fake pattern used by
// internal/rag/service's Option-driven fakes, so the tool-loop and
// structured-output paths can be exercised without a network call.
type scriptedProvider struct {
	turns     []GenerateResult
	callCount int
	embedFn   func([]string) (EmbedResult, error)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) GenerateTurn(ctx context.Context, req GenerateRequest, priorTurns []Turn) (GenerateResult, error) {
	if p.callCount >= len(p.turns) {
		panic("scriptedProvider: ran out of scripted turns")
	}
	r := p.turns[p.callCount]
	p.callCount++
	return r, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string) (EmbedResult, error) {
	if p.embedFn != nil {
		return p.embedFn(texts)
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{0.1, 0.2, 0.3}
	}
	return EmbedResult{Vectors: vecs, ModelDim: 3}, nil
}

func TestGenerate_PlainText(t *testing.T) {
	provider := &scriptedProvider{turns: []GenerateResult{
		{Kind: OutputText, Text: "hello", Usage: Usage{PromptTokens: 10, OutputTokens: 5}},
	}}
	gw := New(provider, 100000, 10)
	result, err := gw.Generate(context.Background(), GenerateRequest{Prompt: "hi"}, nil, "run1")
	require.NoError(t, err)
	require.Equal(t, OutputText, result.Kind)
	require.Equal(t, "hello", result.Text)
}

func TestGenerate_ToolCallLoopThenFinalAnswer(t *testing.T) {
	provider := &scriptedProvider{turns: []GenerateResult{
		{Kind: OutputToolCall, ToolCall: &ToolCall{Name: "inspect_discussion", Arguments: json.RawMessage(`{"discussion_id":1}`)}},
		{Kind: OutputText, Text: "done"},
	}}
	gw := New(provider, 100000, 10)
	called := false
	handler := func(ctx context.Context, call ToolCall) (string, error) {
		called = true
		require.Equal(t, "inspect_discussion", call.Name)
		return `{"messages":[]}`, nil
	}
	result, err := gw.Generate(context.Background(), GenerateRequest{
		Prompt: "classify",
		Tools:  []Tool{{Name: "inspect_discussion"}},
	}, handler, "run1")
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, "done", result.Text)
}

func TestGenerate_ToolLoopExhausted(t *testing.T) {
	var turns []GenerateResult
	for i := 0; i < 15; i++ {
		turns = append(turns, GenerateResult{Kind: OutputToolCall, ToolCall: &ToolCall{Name: "inspect_discussion"}})
	}
	provider := &scriptedProvider{turns: turns}
	gw := New(provider, 1000000, 10)
	handler := func(ctx context.Context, call ToolCall) (string, error) { return "{}", nil }
	_, err := gw.Generate(context.Background(), GenerateRequest{
		Prompt: "classify",
		Tools:  []Tool{{Name: "inspect_discussion"}},
	}, handler, "run1")
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindToolLoopExhausted, e.Kind)
}

func TestGenerate_StructuredOutputRepairsTrailingComma(t *testing.T) {
	provider := &scriptedProvider{turns: []GenerateResult{
		{Kind: OutputStructured, Structured: json.RawMessage(`{"a":1,}`)},
	}}
	gw := New(provider, 100000, 10)
	result, err := gw.Generate(context.Background(), GenerateRequest{
		Prompt:         "classify",
		ResponseSchema: json.RawMessage(`{"type":"object"}`),
	}, nil, "run1")
	require.NoError(t, err)
	require.True(t, json.Valid(result.Structured))
}

func TestGenerate_ToolCallWithoutToolsOfferedFails(t *testing.T) {
	provider := &scriptedProvider{turns: []GenerateResult{
		{Kind: OutputToolCall, ToolCall: &ToolCall{Name: "x"}},
	}}
	gw := New(provider, 100000, 10)
	_, err := gw.Generate(context.Background(), GenerateRequest{Prompt: "hi"}, nil, "run1")
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindBadModelOutput, e.Kind)
}

func TestEmbed_ReturnsVectorsForEachText(t *testing.T) {
	provider := &scriptedProvider{}
	gw := New(provider, 100000, 10)
	result, err := gw.Embed(context.Background(), []string{"a", "b"}, "run1")
	require.NoError(t, err)
	require.Len(t, result.Vectors, 2)
	require.Equal(t, 3, result.ModelDim)
}

func TestRateLimiter_AdmitsUnderCapRejectsOverCap(t *testing.T) {
	l := NewRateLimiter(100)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Admit(now, 60))
	require.NoError(t, l.Admit(now, 30))
	err := l.Admit(now, 20)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindRateLimited, e.Kind)
}

func TestRateLimiter_WindowSlidesAfterAMinute(t *testing.T) {
	l := NewRateLimiter(100)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Admit(now, 90))
	err := l.Admit(now.Add(30*time.Second), 20)
	require.Error(t, err)
	require.NoError(t, l.Admit(now.Add(61*time.Second), 20))
}

func TestRateLimiter_SettleReplacesEstimateWithActual(t *testing.T) {
	l := NewRateLimiter(100)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Admit(now, 50))
	l.Settle(now, 10)
	require.NoError(t, l.Admit(now, 85))
}

func TestGenerateProfileSummary_ReturnsTrimmedText(t *testing.T) {
	provider := &scriptedProvider{turns: []GenerateResult{
		{Kind: OutputText, Text: "  Mostly discusses deploy pipelines.  "},
	}}
	gw := New(provider, 100000, 10)
	summary, err := gw.GenerateProfileSummary(context.Background(), "Alex", []string{"msg1", "msg2"}, "run1")
	require.NoError(t, err)
	require.Equal(t, "Mostly discusses deploy pipelines.", summary)
}
