package modelgateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"archivecore/internal/observability"
)

// anthropicProvider is the primary generate provider, adapting the
// teacher's internal/llm/anthropic/client.go request/response shape:
// one text-generation call per turn, tool-use blocks surfaced as a single
// ToolCall, JSON-schema-constrained output forced via a synthetic
// "emit_result" tool since the Anthropic Messages API has no native
// response_format parameter.
type anthropicProvider struct {
	client     anthropic.Client
	model      string
	embedModel string
}

// NewAnthropicProvider constructs a Provider backed by the Anthropic
// Messages API.
func NewAnthropicProvider(apiKey, baseURL, generationModel, embeddingModel string) Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &anthropicProvider{
		client:     anthropic.NewClient(opts...),
		model:      generationModel,
		embedModel: embeddingModel,
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

const structuredOutputToolName = "emit_result"

func (p *anthropicProvider) GenerateTurn(ctx context.Context, req GenerateRequest, priorTurns []Turn) (GenerateResult, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokensOrDefault(req.MaxOutputTokens)),
	}
	if req.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemInstruction}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))
	for _, t := range priorTurns {
		switch t.Role {
		case "model":
			if t.Tool != nil {
				var args map[string]any
				_ = json.Unmarshal(t.Tool.Arguments, &args)
				params.Messages = append(params.Messages,
					anthropic.NewAssistantMessage(anthropic.NewToolUseBlock(t.Tool.Name, args, t.Tool.Name)))
			} else if t.Text != "" {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
			}
		case "tool":
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(t.Tool.Name, t.Result, false)))
		}
	}

	var tools []anthropic.ToolUnionParam
	for _, tl := range req.Tools {
		tools = append(tools, toAnthropicTool(tl))
	}
	if req.ResponseSchema != nil {
		tools = append(tools, toAnthropicTool(Tool{
			Name:        structuredOutputToolName,
			Description: "Emit the final structured result matching the required schema.",
			Parameters:  req.ResponseSchema,
		}))
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	usage := Usage{PromptTokens: int(resp.Usage.InputTokens), OutputTokens: int(resp.Usage.OutputTokens)}

	var text string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			if tu.Name == structuredOutputToolName {
				return GenerateResult{Kind: OutputStructured, Structured: json.RawMessage(tu.Input), Usage: usage}, nil
			}
			return GenerateResult{
				Kind:  OutputToolCall,
				Usage: usage,
				ToolCall: &ToolCall{
					Name:      tu.Name,
					Arguments: json.RawMessage(tu.Input),
				},
			}, nil
		}
	}
	return GenerateResult{Kind: OutputText, Text: text, Usage: usage}, nil
}

func (p *anthropicProvider) Embed(ctx context.Context, texts []string) (EmbedResult, error) {
	// Anthropic does not expose an embeddings endpoint, so Embed always fails.
	// A Gateway drives one provider for both generate and embed, so with
	// anthropic configured every embedding call (reindex, search) fails.
	return EmbedResult{}, fmt.Errorf("anthropic provider does not support embed")
}

func toAnthropicTool(t Tool) anthropic.ToolUnionParam {
	var schema map[string]any
	_ = json.Unmarshal(t.Parameters, &schema)
	props, _ := schema["properties"].(map[string]any)
	var required []string
	if reqs, ok := schema["required"].([]any); ok {
		for _, r := range reqs {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	tool := anthropic.ToolParam{
		Name: t.Name,
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: props,
			Required:   required,
		},
	}
	if t.Description != "" {
		tool.Description = anthropic.String(t.Description)
	}
	return anthropic.ToolUnionParam{OfTool: &tool}
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}
