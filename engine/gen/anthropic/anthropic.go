// Package anthropic provides a gen.Generator backed by Anthropic's Claude
// API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/buildforge/buildforge/engine/gen"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5-20250929"

// Generator implements gen.Generator for Claude models.
//
// The API key comes from ANTHROPIC_API_KEY in the usual setup; the engine
// passes it through from the environment.
type Generator struct {
	modelName string
	maxTokens int64
	client    anthropicClient
}

// anthropicClient narrows the SDK surface so tests can substitute a fake.
type anthropicClient interface {
	createMessage(ctx context.Context, system, prompt string) (*anthropicsdk.Message, error)
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxTokens overrides the default 8192 output token limit.
func WithMaxTokens(n int64) Option {
	return func(g *Generator) { g.maxTokens = n }
}

// New creates a Claude-backed generator. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string, opts ...Option) *Generator {
	if modelName == "" {
		modelName = DefaultModel
	}
	g := &Generator{
		modelName: modelName,
		maxTokens: 8192,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
	for _, opt := range opts {
		opt(g)
	}
	if dc, ok := g.client.(*defaultClient); ok {
		dc.maxTokens = g.maxTokens
	}
	return g
}

// Generate implements gen.Generator.
func (g *Generator) Generate(ctx context.Context, req gen.Request) (gen.Response, error) {
	if err := ctx.Err(); err != nil {
		return gen.Response{}, err
	}

	system := systemPrompt(req)
	start := time.Now()
	resp, err := g.client.createMessage(ctx, system, req.Prompt)
	if err != nil {
		return gen.Response{}, translateError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(tb.Text)
		}
	}

	return gen.Response{
		Text: text.String(),
		Usage: gen.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		ExecutionTime: time.Since(start),
		Model:         g.modelName,
	}, nil
}

// systemPrompt frames the request with its build coordinates so generated
// code stays scoped to the project being built.
func systemPrompt(req gen.Request) string {
	var b strings.Builder
	b.WriteString("You are a code generator inside an automated build pipeline. ")
	b.WriteString("Respond with complete file contents in fenced code blocks; name each file on the fence's info line.")
	if req.ProjectID != "" {
		fmt.Fprintf(&b, "\nProject: %s", req.ProjectID)
	}
	if req.PhaseID != "" {
		fmt.Fprintf(&b, "\nPhase: %s", req.PhaseID)
	}
	return b.String()
}

// translateError maps SDK failures into values the recovery manager can
// classify.
func translateError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "authentication") || strings.Contains(msg, "api key") || strings.Contains(msg, "401") {
		return fmt.Errorf("%w: %v", gen.ErrAuthentication, err)
	}
	return fmt.Errorf("anthropic: %w", err)
}

type defaultClient struct {
	apiKey    string
	modelName string
	maxTokens int64
}

func (c *defaultClient) createMessage(ctx context.Context, system, prompt string) (*anthropicsdk.Message, error) {
	if c.apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.modelName),
		MaxTokens: c.maxTokens,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}
	return resp, nil
}
