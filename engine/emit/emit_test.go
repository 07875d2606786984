package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestBufferedEmitterHistoryAndFilter(t *testing.T) {
	b := NewBufferedEmitter()

	b.Emit(Event{ExecutionID: "e1", PhaseID: "p1", TaskID: "a", Msg: TaskStart})
	b.Emit(Event{ExecutionID: "e1", PhaseID: "p1", TaskID: "a", Msg: TaskComplete})
	b.Emit(Event{ExecutionID: "e1", PhaseID: "p2", TaskID: "b", Msg: TaskFailed})
	b.Emit(Event{ExecutionID: "e2", Msg: ExecutionStart})

	if got := b.History("e1"); len(got) != 3 {
		t.Errorf("history = %d events, want 3", len(got))
	}
	if got := b.HistoryWithFilter("e1", HistoryFilter{PhaseID: "p1"}); len(got) != 2 {
		t.Errorf("phase filter = %d events, want 2", len(got))
	}
	if got := b.HistoryWithFilter("e1", HistoryFilter{Msg: TaskFailed}); len(got) != 1 || got[0].TaskID != "b" {
		t.Errorf("msg filter wrong: %v", got)
	}

	b.Clear("e1")
	if got := b.History("e1"); len(got) != 0 {
		t.Errorf("history after clear = %d", len(got))
	}
	if got := b.History("e2"); len(got) != 1 {
		t.Errorf("other execution cleared too: %d", len(got))
	}
}

func TestLogEmitterFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	l := NewLogEmitter(logger)

	l.Emit(Event{
		ExecutionID: "e1",
		PhaseID:     "p1",
		TaskID:      "a",
		Msg:         TaskFailed,
		Meta:        map[string]any{"attempt": 2},
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if line["level"] != "warn" {
		t.Errorf("level = %v, want warn for failures", line["level"])
	}
	if line["execution_id"] != "e1" || line["phase_id"] != "p1" || line["task_id"] != "a" {
		t.Errorf("missing ids: %v", line)
	}
	if line["attempt"] != float64(2) {
		t.Errorf("meta not carried: %v", line)
	}
	if line["message"] != TaskFailed {
		t.Errorf("message = %v", line["message"])
	}
}

func TestNullEmitterIsSilent(t *testing.T) {
	n := NewNullEmitter()
	n.Emit(Event{ExecutionID: "e1", Msg: TaskStart})
	if err := n.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}
