// Package modelgateway implements the Model Gateway (C2): one uniform
// request/response surface over the remote generation/embedding provider,
// a shared sliding-window rate limiter, a well-formed-JSON check on
// structured output (not validation against the schema) with a single
// repair pass, and a bounded tool-call loop. Adapted from
// internal/llm (provider.go's Provider interface, anthropic/client.go's
// request-span/tool-loop shape), generalized from a chat-completion surface
// to the generate-and-embed pair this package exposes.
package modelgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"archivecore/internal/errs"
)

// Usage reports token accounting for one generate/embed call.
type Usage struct {
	PromptTokens int
	OutputTokens int
}

// OutputKind tags which branch of GenerateResult is populated — the gateway's
// return type is a tagged variant, not subclass polymorphism.
type OutputKind string

const (
	OutputText       OutputKind = "text"
	OutputStructured OutputKind = "structured"
	OutputToolCall   OutputKind = "tool_call"
)

// ToolCall is one function-call turn the provider asked the caller to run.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// GenerateResult is the tagged variant {TextOutput|StructuredOutput|ToolCall}
// used in place of subclass polymorphism.
type GenerateResult struct {
	Kind       OutputKind
	Text       string
	Structured json.RawMessage
	ToolCall   *ToolCall
	Usage      Usage
}

// Tool is one function the tool-call loop may offer the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema for the tool's arguments
}

// GenerateRequest is one generate() call's full parameter set.
type GenerateRequest struct {
	SystemInstruction string
	Prompt            string
	ResponseSchema    json.RawMessage // non-nil requires well-formed JSON back; the gateway does not validate it against the schema
	Tools             []Tool
	Temperature       float64
	MaxOutputTokens   int
	ThinkingBudget    int
}

// ToolHandler invokes a caller-supplied tool and returns its result as text
// fed back into the next turn of the loop.
type ToolHandler func(ctx context.Context, call ToolCall) (string, error)

// EmbedResult is the batched-embedding response.
type EmbedResult struct {
	Vectors  [][]float32
	ModelDim int
	Usage    Usage
}

// Provider is the remote backend the gateway drives: a single generate turn
// and a batched embed call, with no rate-limiting or tool-loop logic of its
// own — that's the gateway's job, kept provider-agnostic so Anthropic/OpenAI/
// Gemini backends are interchangeable, mirroring
// internal/llm/provider.go's Provider interface.
type Provider interface {
	Name() string
	GenerateTurn(ctx context.Context, req GenerateRequest, priorTurns []Turn) (GenerateResult, error)
	Embed(ctx context.Context, texts []string) (EmbedResult, error)
}

// Turn is one exchange already completed within a tool-call loop, replayed
// to the provider so it has the full conversation on the next turn.
type Turn struct {
	Role    string // "model" | "tool"
	Text    string
	Tool    *ToolCall
	Result  string // tool result text, when Role == "tool"
}

// UsageSink records a per-call usage ledger row (ClickHouse-backed in
// production, adapting internal/agentd/metrics_clickhouse.go's aggregate
// sink down to one row per call). Optional: a nil sink just skips
// recording.
type UsageSink interface {
	RecordUsage(ctx context.Context, provider, kind string, usage Usage, runID string)
}

// Option configures a Gateway, following internal/rag/service's
// functional-options pattern (WithLogger, WithClock, WithEmbedder) so tests
// inject fakes instead of reaching for ambient globals.
type Option func(*Gateway)

func WithUsageSink(sink UsageSink) Option {
	return func(g *Gateway) { g.usage = sink }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func WithStructuredRepairRetries(n int) Option {
	return func(g *Gateway) { g.repairRetries = n }
}

// Gateway is the Model Gateway (C2): Provider + rate limiter + structured
// output enforcement + tool-call loop.
type Gateway struct {
	provider      Provider
	limiter       *RateLimiter
	usage         UsageSink
	now           func() time.Time
	repairRetries int
	maxToolTurns  int
}

// New constructs a Gateway over provider, rate-limited to maxPerMinute
// estimated tokens, allowing up to maxToolTurns tool-call round trips.
func New(provider Provider, maxPerMinute int, maxToolTurns int, opts ...Option) *Gateway {
	g := &Gateway{
		provider:      provider,
		limiter:       NewRateLimiter(maxPerMinute),
		now:           time.Now,
		repairRetries: 1,
		maxToolTurns:  maxToolTurns,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate drives one generate() call, including the bounded tool-call loop
// when req.Tools is non-empty and structured-output repair when
// req.ResponseSchema is set. handler is ignored when req.Tools is empty.
func (g *Gateway) Generate(ctx context.Context, req GenerateRequest, handler ToolHandler, runID string) (GenerateResult, error) {
	estimate := estimateTokens(req.SystemInstruction, req.Prompt)
	if err := g.limiter.Admit(g.now(), estimate); err != nil {
		return GenerateResult{}, err
	}

	var turns []Turn
	for turn := 0; ; turn++ {
		if turn >= g.maxToolTurns {
			return GenerateResult{}, errs.ToolLoopExhausted(fmt.Sprintf("exceeded %d tool-call turns", g.maxToolTurns), nil)
		}
		result, err := g.provider.GenerateTurn(ctx, req, turns)
		if err != nil {
			return GenerateResult{}, errs.TransientNetwork("generate turn failed", err)
		}
		if actual := result.Usage.PromptTokens + result.Usage.OutputTokens; actual > 0 {
			g.limiter.Settle(g.now(), actual)
		}
		if g.usage != nil {
			g.usage.RecordUsage(ctx, g.provider.Name(), "generate", result.Usage, runID)
		}

		switch result.Kind {
		case OutputToolCall:
			if handler == nil || len(req.Tools) == 0 {
				return GenerateResult{}, errs.BadModelOutput("provider returned a tool call but no tools were offered", nil)
			}
			out, herr := handler(ctx, *result.ToolCall)
			if herr != nil {
				out = fmt.Sprintf("tool error: %v", herr)
			}
			turns = append(turns,
				Turn{Role: "model", Tool: result.ToolCall},
				Turn{Role: "tool", Tool: result.ToolCall, Result: out})
			continue
		case OutputStructured:
			if req.ResponseSchema != nil {
				if !json.Valid(result.Structured) {
					repaired, ok := repairJSON(result.Structured, g.repairRetries)
					if !ok {
						return GenerateResult{}, errs.BadModelOutput("structured output is not valid JSON after repair", nil)
					}
					result.Structured = repaired
				}
			}
			return result, nil
		case OutputText:
			return result, nil
		default:
			return GenerateResult{}, errs.BadModelOutput("provider returned an unrecognized output kind", nil)
		}
	}
}

// Embed computes embeddings for up to B texts in one batch call.
func (g *Gateway) Embed(ctx context.Context, texts []string, runID string) (EmbedResult, error) {
	var estimate int
	for _, t := range texts {
		estimate += estimateTokens("", t)
	}
	if err := g.limiter.Admit(g.now(), estimate); err != nil {
		return EmbedResult{}, err
	}
	result, err := g.provider.Embed(ctx, texts)
	if err != nil {
		return EmbedResult{}, errs.TransientNetwork("embed call failed", err)
	}
	if actual := result.Usage.PromptTokens + result.Usage.OutputTokens; actual > 0 {
		g.limiter.Settle(g.now(), actual)
	}
	if g.usage != nil {
		g.usage.RecordUsage(ctx, g.provider.Name(), "embed", result.Usage, runID)
	}
	return result, nil
}

// GenerateProfileSummary asks the provider for a short free-text summary of
// a person's chat activity, reusing the same rate limiter and gateway as the
// discussion analyzer (SPEC_FULL §3 supplement — the original's AIService
// is a sibling of DiscussionAnalyzer sharing one TokenBucket).
func (g *Gateway) GenerateProfileSummary(ctx context.Context, displayName string, recentMessages []string, runID string) (string, error) {
	prompt := buildProfileSummaryPrompt(displayName, recentMessages)
	result, err := g.Generate(ctx, GenerateRequest{
		SystemInstruction: "You summarize a chat participant's activity in 2-3 sentences. Be specific and neutral.",
		Prompt:            prompt,
		Temperature:       0.3,
		MaxOutputTokens:   256,
	}, nil, runID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}

func buildProfileSummaryPrompt(displayName string, recentMessages []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Participant: %s\n\nRecent messages:\n", displayName)
	for _, m := range recentMessages {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	return b.String()
}

// estimateTokens applies a len(text)/4 estimate to each part and sums them.
func estimateTokens(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += len(p) / 4
	}
	return total
}

// repairJSON attempts a one-pass repair: strip
// trailing commas, truncate at the last closed object, re-parse.
func repairJSON(raw json.RawMessage, retries int) (json.RawMessage, bool) {
	if retries <= 0 {
		return nil, false
	}
	s := string(raw)
	s = strings.ReplaceAll(s, ",}", "}")
	s = strings.ReplaceAll(s, ",]", "]")
	if idx := strings.LastIndex(s, "}"); idx >= 0 {
		s = s[:idx+1]
	}
	candidate := json.RawMessage(s)
	if json.Valid(candidate) {
		return candidate, true
	}
	log.Debug().Str("component", "modelgateway").Msg("structured output repair failed, giving up")
	return nil, false
}
