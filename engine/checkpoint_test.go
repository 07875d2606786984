package engine

import (
	"context"
	"testing"
	"time"

	"github.com/buildforge/buildforge/engine/store"
)

func newCheckpointFixture(t *testing.T) (*CheckpointManager, *store.Manager) {
	t.Helper()
	manager, err := store.NewManager(store.NewMemoryBackend(), store.ManagerOptions{AutoSnapshot: false})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewCheckpointManager(manager), manager
}

func TestCheckpointTagsAndListing(t *testing.T) {
	cm, _ := newCheckpointFixture(t)
	ctx := context.Background()

	ps := ProjectState{ProjectID: "demo", PhaseIndex: 1, CompletedTasks: []string{"a"}}
	if _, err := cm.Create(ctx, "exec", ps, []string{PhaseCheckpointTag("p2")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := cm.Create(ctx, "exec", ps, []string{"manual"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	all, err := cm.List(ctx, "demo", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d checkpoints, want 2", len(all))
	}

	tagged, err := cm.List(ctx, "demo", []string{"phase_p2"})
	if err != nil {
		t.Fatalf("List tagged: %v", err)
	}
	if len(tagged) != 1 {
		t.Fatalf("tag filter returned %d", len(tagged))
	}

	latest, err := cm.LatestTagged(ctx, "exec", "phase_p2")
	if err != nil {
		t.Fatalf("LatestTagged: %v", err)
	}
	if latest == nil {
		t.Fatal("phase-tagged checkpoint not found")
	}
}

func TestCheckpointRestoreCarriesProjectState(t *testing.T) {
	cm, manager := newCheckpointFixture(t)
	ctx := context.Background()

	ps := ProjectState{
		ProjectID:       "demo",
		PhaseIndex:      2,
		CompletedPhases: []string{"p1", "p2"},
		CompletedTasks:  []string{"a", "b", "c"},
	}
	id, err := cm.Create(ctx, "exec", ps, []string{PhaseCheckpointTag("p3")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Damage the live project state entry, then restore.
	if _, err := manager.Save(ctx, "exec", store.TypeCheckpoint, "project_state", ProjectState{ProjectID: "demo"}, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for i := 0; i < 2; i++ {
		cp, err := cm.Restore(ctx, id)
		if err != nil {
			t.Fatalf("Restore #%d: %v", i+1, err)
		}
		if cp.ProjectState.PhaseIndex != 2 || len(cp.ProjectState.CompletedTasks) != 3 {
			t.Errorf("restore #%d project state = %+v", i+1, cp.ProjectState)
		}
		if len(cp.Tags) != 1 || cp.Tags[0] != "phase_p3" {
			t.Errorf("tags = %v", cp.Tags)
		}
	}
}

func TestLatestReturnsNewest(t *testing.T) {
	cm, _ := newCheckpointFixture(t)
	ctx := context.Background()

	if _, err := cm.Create(ctx, "exec", ProjectState{ProjectID: "demo", PhaseIndex: 0}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	secondID, err := cm.Create(ctx, "exec", ProjectState{ProjectID: "demo", PhaseIndex: 1}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	latest, err := cm.Latest(ctx, "exec")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.ID != secondID {
		t.Errorf("latest = %v, want %v", latest, secondID)
	}
}
