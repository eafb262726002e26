package modelgateway

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// geminiProvider is the tertiary generate/embed provider. internal/llm/
// gemini.go is a raw streaming HTTP proxy with no structured output or
// embedding support, so this backend follows the genai Go SDK's client
// shape directly instead of proxying raw HTTP.
type geminiProvider struct {
	client     *genai.Client
	model      string
	embedModel string
}

// NewGeminiProvider constructs a Provider backed by the Gemini API.
func NewGeminiProvider(ctx context.Context, apiKey, generationModel, embeddingModel string) (Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &geminiProvider{client: client, model: generationModel, embedModel: embeddingModel}, nil
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) GenerateTurn(ctx context.Context, req GenerateRequest, priorTurns []Turn) (GenerateResult, error) {
	var contents []*genai.Content
	for _, t := range priorTurns {
		switch t.Role {
		case "model":
			contents = append(contents, genai.NewContentFromText(t.Text, genai.RoleModel))
		case "tool":
			contents = append(contents, genai.NewContentFromText(t.Result, genai.RoleUser))
		}
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.ResponseSchema != nil {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("genai GenerateContent: %w", err)
	}

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	text := resp.Text()
	if req.ResponseSchema != nil {
		return GenerateResult{Kind: OutputStructured, Structured: []byte(text), Usage: usage}, nil
	}
	return GenerateResult{Kind: OutputText, Text: text, Usage: usage}, nil
}

func (p *geminiProvider) Embed(ctx context.Context, texts []string) (EmbedResult, error) {
	var contents []*genai.Content
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}
	resp, err := p.client.Models.EmbedContent(ctx, p.embedModel, contents, nil)
	if err != nil {
		return EmbedResult{}, fmt.Errorf("genai EmbedContent: %w", err)
	}
	vectors := make([][]float32, len(resp.Embeddings))
	dim := 0
	for i, e := range resp.Embeddings {
		vectors[i] = e.Values
		dim = len(e.Values)
	}
	return EmbedResult{Vectors: vectors, ModelDim: dim}, nil
}
