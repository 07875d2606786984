// Package openai provides a gen.Generator backed by OpenAI's chat API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/buildforge/buildforge/engine/gen"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o"

// Generator implements gen.Generator for OpenAI models.
//
// Transient failures (rate limits, 5xx, network) are retried up to three
// times with a linearly growing delay; the task runner's own retry policy
// sits above this and handles everything else.
type Generator struct {
	modelName  string
	maxRetries int
	retryDelay time.Duration
	client     openaiClient
}

type openaiClient interface {
	createChatCompletion(ctx context.Context, prompt string) (*openaisdk.ChatCompletion, error)
}

// New creates an OpenAI-backed generator. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string) *Generator {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Generator{
		modelName:  modelName,
		maxRetries: 3,
		retryDelay: time.Second,
		client:     &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// Generate implements gen.Generator.
func (g *Generator) Generate(ctx context.Context, req gen.Request) (gen.Response, error) {
	if err := ctx.Err(); err != nil {
		return gen.Response{}, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		resp, err := g.client.createChatCompletion(ctx, req.Prompt)
		if err == nil {
			return convertResponse(resp, g.modelName, time.Since(start)), nil
		}
		lastErr = err

		if !isTransient(err) {
			return gen.Response{}, translateError(err)
		}
		if attempt >= g.maxRetries {
			break
		}
		select {
		case <-time.After(g.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return gen.Response{}, ctx.Err()
		}
	}
	return gen.Response{}, fmt.Errorf("openai: failed after %d retries: %w", g.maxRetries, lastErr)
}

func convertResponse(resp *openaisdk.ChatCompletion, model string, elapsed time.Duration) gen.Response {
	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return gen.Response{
		Text: text,
		Usage: gen.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		ExecutionTime: elapsed,
		Model:         model,
	}
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "rate limit", "429", "503", "504"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func translateError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "authentication") || strings.Contains(msg, "api key") || strings.Contains(msg, "401") {
		return fmt.Errorf("%w: %v", gen.ErrAuthentication, err)
	}
	return fmt.Errorf("openai: %w", err)
}

type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) createChatCompletion(ctx context.Context, prompt string) (*openaisdk.ChatCompletion, error) {
	if c.apiKey == "" {
		return nil, errors.New("openai API key is required")
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(c.modelName),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage("You are a code generator inside an automated build pipeline. Respond with complete file contents in fenced code blocks; name each file on the fence's info line."),
			openaisdk.UserMessage(prompt),
		},
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai API error: %w", err)
	}
	return resp, nil
}
