// Package gen defines the code-generation and research interfaces the
// engine drives, and ships backends for the Anthropic, OpenAI and Google
// APIs plus a scriptable mock for tests.
package gen

import (
	"context"
	"errors"
	"time"
)

// ErrAuthentication marks credential failures. The recovery manager treats
// these as non-recoverable.
var ErrAuthentication = errors.New("authentication failed")

// Request carries the prompt plus the execution coordinates a backend may
// use for logging, caching or routing. Params is the task's opaque
// parameter bag.
type Request struct {
	Prompt      string
	ExecutionID string
	ProjectID   string
	PhaseID     string
	TaskID      string
	Params      map[string]any
}

// Usage reports token consumption for one generation call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the result of one generation call.
type Response struct {
	Text          string        `json:"text"`
	Usage         Usage         `json:"usage"`
	ExecutionTime time.Duration `json:"execution_time"`
	Model         string        `json:"model"`
}

// Generator turns a prompt into generated output. Implementations handle
// provider authentication and translate provider errors into values the
// recovery manager can classify (timeouts, rate limits, ErrAuthentication).
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ResearchResult is the outcome of a research query.
type ResearchResult struct {
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
	Sources         []string `json:"sources"`
	Confidence      float64  `json:"confidence"`
}

// Researcher answers research queries ahead of phase execution. Optional;
// a nil Researcher disables research tasks and phase preparation research.
type Researcher interface {
	Research(ctx context.Context, query, kind string, req Request) (ResearchResult, error)
}
