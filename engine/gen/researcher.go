package gen

import (
	"context"
	"fmt"
	"strings"
)

// GeneratorResearcher adapts any Generator into a Researcher by prompting
// it for findings, recommendations and sources as labeled bullet lists.
// It is the default Researcher when none is injected explicitly.
type GeneratorResearcher struct {
	Generator Generator
}

// NewGeneratorResearcher wraps a generator.
func NewGeneratorResearcher(g Generator) *GeneratorResearcher {
	return &GeneratorResearcher{Generator: g}
}

// Research implements Researcher.
func (r *GeneratorResearcher) Research(ctx context.Context, query, kind string, req Request) (ResearchResult, error) {
	prompt := fmt.Sprintf(
		"Research the following for a software build (%s research):\n%s\n\n"+
			"Answer with three sections, each a bullet list:\n"+
			"FINDINGS:\nRECOMMENDATIONS:\nSOURCES:\n",
		kind, query)

	req.Prompt = prompt
	resp, err := r.Generator.Generate(ctx, req)
	if err != nil {
		return ResearchResult{}, fmt.Errorf("research %q: %w", query, err)
	}

	result := parseSections(resp.Text)
	// Confidence is a coarse signal: answered all three sections or not.
	sections := 0
	if len(result.Findings) > 0 {
		sections++
	}
	if len(result.Recommendations) > 0 {
		sections++
	}
	if len(result.Sources) > 0 {
		sections++
	}
	result.Confidence = float64(sections) / 3.0
	return result, nil
}

func parseSections(text string) ResearchResult {
	var result ResearchResult
	var current *[]string

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "FINDINGS"):
			current = &result.Findings
			continue
		case strings.HasPrefix(upper, "RECOMMENDATIONS"):
			current = &result.Recommendations
			continue
		case strings.HasPrefix(upper, "SOURCES"):
			current = &result.Sources
			continue
		}
		if current == nil {
			continue
		}
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") {
			item := strings.TrimSpace(strings.TrimLeft(trimmed, "-* "))
			if item != "" {
				*current = append(*current, item)
			}
		}
	}
	return result
}
