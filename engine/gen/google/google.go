// Package google provides a gen.Generator backed by Google's Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/buildforge/buildforge/engine/gen"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Generator implements gen.Generator for Gemini models. Safety filter
// blocks surface as ordinary errors naming the blocked category.
type Generator struct {
	modelName string
	client    googleClient
}

type googleClient interface {
	generateContent(ctx context.Context, prompt string) (*genai.GenerateContentResponse, error)
}

// New creates a Gemini-backed generator. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string) *Generator {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Generator{
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// Generate implements gen.Generator.
func (g *Generator) Generate(ctx context.Context, req gen.Request) (gen.Response, error) {
	if err := ctx.Err(); err != nil {
		return gen.Response{}, err
	}

	start := time.Now()
	resp, err := g.client.generateContent(ctx, req.Prompt)
	if err != nil {
		return gen.Response{}, translateError(err)
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}

	usage := gen.Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return gen.Response{
		Text:          text.String(),
		Usage:         usage,
		ExecutionTime: time.Since(start),
		Model:         g.modelName,
	}, nil
}

func translateError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "api key") || strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated") {
		return fmt.Errorf("%w: %v", gen.ErrAuthentication, err)
	}
	return fmt.Errorf("google: %w", err)
}

type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, prompt string) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(c.modelName)
	genModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text("You are a code generator inside an automated build pipeline. Respond with complete file contents in fenced code blocks; name each file on the fence's info line.")},
	}

	resp, err := genModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("google API error: %w", err)
	}
	return resp, nil
}
