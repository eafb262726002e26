package modelgateway

import (
	"context"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"archivecore/internal/observability"
)

// openaiProvider is the secondary generate/embed provider, adapting internal/llm/openai/client.go's sdk.Client wrapping
// (same option.RequestOption construction, same
// sdk.ChatModel/sdk.ChatCompletionNewParams call shape for generation) plus
// an added Embeddings.New call for embedding support.
type openaiProvider struct {
	client     sdk.Client
	model      string
	embedModel string
}

// NewOpenAIProvider constructs a Provider backed by the OpenAI API (or any
// OpenAI-compatible endpoint via baseURL, following the self-hosted-endpoint
// support in openai/client.go).
func NewOpenAIProvider(apiKey, baseURL, generationModel, embeddingModel string) Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openaiProvider{
		client:     sdk.NewClient(opts...),
		model:      generationModel,
		embedModel: embeddingModel,
	}
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) GenerateTurn(ctx context.Context, req GenerateRequest, priorTurns []Turn) (GenerateResult, error) {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(p.model),
	}
	var messages []sdk.ChatCompletionMessageParamUnion
	if req.SystemInstruction != "" {
		messages = append(messages, sdk.SystemMessage(req.SystemInstruction))
	}
	messages = append(messages, sdk.UserMessage(req.Prompt))
	for _, t := range priorTurns {
		switch t.Role {
		case "model":
			messages = append(messages, sdk.AssistantMessage(t.Text))
		case "tool":
			messages = append(messages, sdk.UserMessage(t.Result))
		}
	}
	params.Messages = messages
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxOutputTokens))
	}

	comp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	usage := Usage{PromptTokens: int(comp.Usage.PromptTokens), OutputTokens: int(comp.Usage.CompletionTokens)}
	if len(comp.Choices) == 0 {
		return GenerateResult{}, fmt.Errorf("openai returned no choices")
	}
	text := comp.Choices[0].Message.Content
	return GenerateResult{Kind: OutputText, Text: text, Usage: usage}, nil
}

func (p *openaiProvider) Embed(ctx context.Context, texts []string) (EmbedResult, error) {
	resp, err := p.client.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(p.embedModel),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return EmbedResult{}, fmt.Errorf("openai embeddings.new: %w", err)
	}
	vectors := make([][]float32, len(resp.Data))
	dim := 0
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
		dim = len(vec)
	}
	return EmbedResult{
		Vectors:  vectors,
		ModelDim: dim,
		Usage:    Usage{PromptTokens: int(resp.Usage.PromptTokens)},
	}, nil
}
