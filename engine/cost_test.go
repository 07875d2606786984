package engine

import (
	"strings"
	"testing"
	"time"
)

func TestCostTotalsMatchEntries(t *testing.T) {
	tracker := NewCostTracker("s", 0, nil)

	entries := []CostEntry{
		{Category: CostClaudeCode, Amount: 1.5, Description: "gen a", TokensUsed: 100, APICalls: 1},
		{Category: CostClaudeCode, Amount: 0.5, Description: "gen b", TokensUsed: 50, APICalls: 1},
		{Category: CostResearch, Amount: 2.0, Description: "research"},
	}
	for _, e := range entries {
		if err := tracker.Add(e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if got := tracker.Total(); got != 4.0 {
		t.Errorf("Total = %v, want 4.0", got)
	}
	if got := tracker.TotalFor(CostClaudeCode); got != 2.0 {
		t.Errorf("TotalFor(claude-code) = %v, want 2.0", got)
	}

	// Grand total equals the sum of breakdown totals.
	var sum float64
	for _, cat := range costCategories {
		sum += tracker.TotalFor(cat)
	}
	if sum != tracker.Total() {
		t.Errorf("breakdown sum %v != grand total %v", sum, tracker.Total())
	}

	bd := tracker.Breakdown(CostClaudeCode)
	if bd.Count != 2 || bd.AverageCost != 1.0 || bd.TokensUsed != 150 {
		t.Errorf("breakdown wrong: %+v", bd)
	}
}

func TestCostRejectsNegativeAmounts(t *testing.T) {
	tracker := NewCostTracker("s", 0, nil)
	if err := tracker.Add(CostEntry{Category: CostExecution, Amount: -1}); err == nil {
		t.Error("negative amount accepted")
	}
	if err := tracker.Add(CostEntry{Category: CostExecution, APICalls: -1}); err == nil {
		t.Error("negative api_calls accepted")
	}
}

func TestBudgetAlertMonotonicity(t *testing.T) {
	tracker := NewCostTracker("s", 10, []float64{0.5, 0.75, 0.9, 1.0})

	var fired []float64
	tracker.SetAlertFunc(func(threshold, _ float64) {
		fired = append(fired, threshold)
	})

	for _, amount := range []float64{4, 2, 3, 2} {
		if err := tracker.Add(CostEntry{Category: CostExecution, Amount: amount}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	want := []float64{0.5, 0.75, 0.9, 1.0}
	if len(fired) != len(want) {
		t.Fatalf("fired %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("fired[%d] = %v, want %v", i, fired[i], want[i])
		}
	}

	triggered := tracker.AlertsTriggered()
	seen := map[float64]int{}
	for _, th := range triggered {
		seen[th]++
	}
	for th, n := range seen {
		if n != 1 {
			t.Errorf("threshold %v fired %d times", th, n)
		}
	}

	// More spend must not re-fire anything.
	if err := tracker.Add(CostEntry{Category: CostExecution, Amount: 100}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(tracker.AlertsTriggered()) != 4 {
		t.Errorf("thresholds re-fired: %v", tracker.AlertsTriggered())
	}
}

func TestZeroBudgetDisablesAlerts(t *testing.T) {
	tracker := NewCostTracker("s", 0, nil)
	tracker.SetAlertFunc(func(_, _ float64) { t.Error("alert fired without budget") })

	if err := tracker.Add(CostEntry{Category: CostExecution, Amount: 1000}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := tracker.UsagePercent(); got != 0 {
		t.Errorf("UsagePercent = %v without budget", got)
	}
	if got := tracker.RemainingBudget(); got != -1 {
		t.Errorf("RemainingBudget = %v, want -1 sentinel", got)
	}
}

func TestCostsForPhaseAndTask(t *testing.T) {
	tracker := NewCostTracker("s", 0, nil)
	_ = tracker.Add(CostEntry{Category: CostExecution, Amount: 1, Phase: "p1", Task: "a"})
	_ = tracker.Add(CostEntry{Category: CostExecution, Amount: 2, Phase: "p1", Task: "b"})
	_ = tracker.Add(CostEntry{Category: CostExecution, Amount: 3, Phase: "p2", Task: "c"})

	if got := tracker.CostsForPhase("p1"); len(got) != 2 {
		t.Errorf("CostsForPhase(p1) = %d entries", len(got))
	}
	if got := tracker.CostsForTask("c"); len(got) != 1 || got[0].Amount != 3 {
		t.Errorf("CostsForTask(c) wrong: %v", got)
	}
}

func TestExportCSVRoundTrips(t *testing.T) {
	tracker := NewCostTracker("s", 0, nil)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_ = tracker.Add(CostEntry{
		Category: CostClaudeCode, Amount: 1.23456, Description: "gen, with comma",
		Phase: "p1", Task: "a", APICalls: 2, TokensUsed: 300,
		Duration: 1500 * time.Millisecond, Timestamp: at,
	})

	csv := tracker.ExportCSV()
	lines := strings.Split(csv, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), csv)
	}
	if lines[0] != "Timestamp,Category,Phase,Task,Description,Amount,API Calls,Tokens,Duration" {
		t.Errorf("header = %q", lines[0])
	}
	row := lines[1]
	for _, want := range []string{"claude-code", "p1", "a", "1.2346", "2", "300", "1.5", `"gen, with comma"`} {
		if !strings.Contains(row, want) {
			t.Errorf("row missing %q: %s", want, row)
		}
	}
}

func TestSummaryPercentages(t *testing.T) {
	tracker := NewCostTracker("session-1", 0, nil)
	_ = tracker.Add(CostEntry{Category: CostClaudeCode, Amount: 3})
	_ = tracker.Add(CostEntry{Category: CostResearch, Amount: 1})

	summary := tracker.Summary()
	if summary["session_id"] != "session-1" {
		t.Errorf("session_id = %v", summary["session_id"])
	}
	categories := summary["categories"].(map[string]any)
	cc := categories["claude-code"].(map[string]any)
	if cc["percentage"].(float64) != 75 {
		t.Errorf("claude-code percentage = %v, want 75", cc["percentage"])
	}
}

func TestEstimateModelCost(t *testing.T) {
	got := EstimateModelCost("gpt-4o", 1_000_000, 1_000_000)
	if got != 12.50 {
		t.Errorf("gpt-4o estimate = %v, want 12.50", got)
	}
	if EstimateModelCost("unknown-model", 1000, 1000) != 0 {
		t.Error("unknown model should estimate to zero")
	}
}
