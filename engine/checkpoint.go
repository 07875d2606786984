package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/buildforge/buildforge/engine/store"
)

// PhaseCheckpointTag derives the tag marking the moment before a phase
// begins; recovery locates pre-phase rollback points by this tag.
func PhaseCheckpointTag(phaseID string) string { return "phase_" + phaseID }

// ProjectState is the compacted project serialization stored alongside a
// checkpoint: enough to resume without reparsing prior results.
type ProjectState struct {
	ProjectID       string   `json:"project_id"`
	PhaseIndex      int      `json:"phase_index"`
	CompletedPhases []string `json:"completed_phases,omitempty"`
	CompletedTasks  []string `json:"completed_tasks,omitempty"`
}

// Checkpoint is a restored checkpoint: the snapshot plus its semantic
// metadata.
type Checkpoint struct {
	ID           string
	ExecutionID  string
	Timestamp    time.Time
	Tags         []string
	ProjectState ProjectState
	Size         int64
}

// CheckpointInfo describes a checkpoint without restoring it.
type CheckpointInfo struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	ProjectID   string    `json:"project_id"`
	Timestamp   time.Time `json:"timestamp"`
	Tags        []string  `json:"tags,omitempty"`
	Size        int64     `json:"size"`
}

// CheckpointManager is a thin layer over the state store that gives
// snapshots semantic tags and a typed project state, so recovery can find
// rollback points by meaning rather than by timestamp.
type CheckpointManager struct {
	state *store.Manager
}

// NewCheckpointManager wraps a state store.
func NewCheckpointManager(state *store.Manager) *CheckpointManager {
	return &CheckpointManager{state: state}
}

// Create writes the project state entry and captures a tagged snapshot,
// returning the checkpoint (snapshot) id.
func (cm *CheckpointManager) Create(ctx context.Context, executionID string, ps ProjectState, tags []string) (string, error) {
	if _, err := cm.state.Save(ctx, executionID, store.TypeCheckpoint, "project_state", ps, nil); err != nil {
		return "", fmt.Errorf("save project state: %w", err)
	}

	metadata := map[string]string{
		"checkpoint": "true",
		"project_id": ps.ProjectID,
	}
	if len(tags) > 0 {
		metadata["tags"] = strings.Join(tags, ",")
	}

	id, err := cm.state.CreateSnapshot(ctx, executionID, metadata)
	if err != nil {
		return "", fmt.Errorf("create checkpoint snapshot: %w", err)
	}
	return id, nil
}

// List returns checkpoints newest first, optionally filtered by project id
// and by tags (a checkpoint matches when it carries every requested tag).
func (cm *CheckpointManager) List(ctx context.Context, projectID string, tags []string) ([]CheckpointInfo, error) {
	snaps, err := cm.state.ListSnapshots(ctx, "")
	if err != nil {
		return nil, err
	}

	var infos []CheckpointInfo
	for _, snap := range snaps {
		if snap.Metadata["checkpoint"] != "true" {
			continue
		}
		if projectID != "" && snap.Metadata["project_id"] != projectID {
			continue
		}
		snapTags := splitTags(snap.Metadata["tags"])
		if !containsAll(snapTags, tags) {
			continue
		}
		infos = append(infos, CheckpointInfo{
			ID:          snap.ID,
			ExecutionID: snap.ExecutionID,
			ProjectID:   snap.Metadata["project_id"],
			Timestamp:   snap.Timestamp,
			Tags:        snapTags,
			Size:        snap.Size,
		})
	}
	return infos, nil
}

// ListForExecution returns an execution's checkpoints newest first.
func (cm *CheckpointManager) ListForExecution(ctx context.Context, executionID string) ([]CheckpointInfo, error) {
	snaps, err := cm.state.ListSnapshots(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var infos []CheckpointInfo
	for _, snap := range snaps {
		if snap.Metadata["checkpoint"] != "true" {
			continue
		}
		infos = append(infos, CheckpointInfo{
			ID:          snap.ID,
			ExecutionID: snap.ExecutionID,
			ProjectID:   snap.Metadata["project_id"],
			Timestamp:   snap.Timestamp,
			Tags:        splitTags(snap.Metadata["tags"]),
			Size:        snap.Size,
		})
	}
	return infos, nil
}

// Restore reinserts the checkpoint's entries and returns the restored
// checkpoint with its decoded project state. Restoring the same checkpoint
// twice yields identical state.
func (cm *CheckpointManager) Restore(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	snap, err := cm.state.RestoreSnapshot(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", checkpointID, err)
	}

	cp := &Checkpoint{
		ID:          snap.ID,
		ExecutionID: snap.ExecutionID,
		Timestamp:   snap.Timestamp,
		Tags:        splitTags(snap.Metadata["tags"]),
	}
	for _, entry := range snap.Entries {
		cp.Size += int64(len(entry.Value))
	}

	// The project state entry travels inside the snapshot, so it is
	// already restored; read it back through the store.
	if err := cm.state.Load(ctx, snap.ExecutionID, store.TypeCheckpoint, "project_state", &cp.ProjectState); err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("load project state: %w", err)
	}
	return cp, nil
}

// Latest returns the newest checkpoint for an execution, or nil when none
// exists.
func (cm *CheckpointManager) Latest(ctx context.Context, executionID string) (*CheckpointInfo, error) {
	infos, err := cm.ListForExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	return &infos[0], nil
}

// LatestTagged returns the newest checkpoint carrying the tag, or nil.
func (cm *CheckpointManager) LatestTagged(ctx context.Context, executionID, tag string) (*CheckpointInfo, error) {
	infos, err := cm.ListForExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if containsAll(infos[i].Tags, []string{tag}) {
			return &infos[i], nil
		}
	}
	return nil, nil
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
