package gen

import (
	"context"
	"errors"
	"testing"
)

func TestMockGeneratorConsumesScript(t *testing.T) {
	boom := errors.New("boom")
	m := &MockGenerator{
		Script: []MockCall{
			{Err: boom},
			{Response: Response{Text: "scripted"}},
		},
		Default: Response{Text: "default"},
	}

	if _, err := m.Generate(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Errorf("first call err = %v", err)
	}
	resp, err := m.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil || resp.Text != "scripted" {
		t.Errorf("second call = %v, %v", resp, err)
	}
	resp, _ = m.Generate(context.Background(), Request{})
	if resp.Text != "default" {
		t.Errorf("exhausted script should fall to default, got %q", resp.Text)
	}
	if m.Calls() != 3 {
		t.Errorf("calls = %d", m.Calls())
	}
	if len(m.Requests()) != 3 || m.Requests()[1].Prompt != "p" {
		t.Errorf("requests not recorded: %v", m.Requests())
	}
}

func TestGeneratorResearcherParsesSections(t *testing.T) {
	m := &MockGenerator{
		Default: Response{Text: `Some preamble.
FINDINGS:
- first finding
* second finding
RECOMMENDATIONS:
- do the thing
SOURCES:
- https://example.com
`},
	}
	r := NewGeneratorResearcher(m)

	result, err := r.Research(context.Background(), "how to build", "technology", Request{})
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if len(result.Findings) != 2 {
		t.Errorf("findings = %v", result.Findings)
	}
	if len(result.Recommendations) != 1 || result.Recommendations[0] != "do the thing" {
		t.Errorf("recommendations = %v", result.Recommendations)
	}
	if len(result.Sources) != 1 {
		t.Errorf("sources = %v", result.Sources)
	}
	if result.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0 with all sections", result.Confidence)
	}
}

func TestGeneratorResearcherPartialConfidence(t *testing.T) {
	m := &MockGenerator{Default: Response{Text: "FINDINGS:\n- only one section\n"}}
	r := NewGeneratorResearcher(m)

	result, err := r.Research(context.Background(), "q", "general", Request{})
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if result.Confidence <= 0.3 || result.Confidence >= 0.4 {
		t.Errorf("confidence = %v, want 1/3", result.Confidence)
	}
}
