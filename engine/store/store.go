// Package store provides durable persistence for build execution state.
//
// A Store backend keeps two kinds of rows: state entries, unique per
// (execution, type, key) with last-write-wins semantics, and snapshots,
// point-in-time captures of every entry of an execution. Backends exist for
// SQLite (single-file, zero setup), MySQL (shared server) and memory
// (tests). The Manager type layers caching, value framing and the
// execution-state composite operations on top of a backend.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// timeLayout is fixed-width so stored timestamps sort lexicographically;
// RFC3339Nano trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// EntryType classifies a state entry.
type EntryType string

const (
	TypeExecution  EntryType = "execution"
	TypePhase      EntryType = "phase"
	TypeTask       EntryType = "task"
	TypeArtifact   EntryType = "artifact"
	TypeMetric     EntryType = "metric"
	TypeConfig     EntryType = "config"
	TypeCheckpoint EntryType = "checkpoint"
)

// Entry is one persisted state record. Value holds the framed serialization
// produced by the Manager; backends treat it as opaque bytes.
type Entry struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	Type        EntryType         `json:"type"`
	Key         string            `json:"key"`
	Value       []byte            `json:"value"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SnapshotRow is the persisted form of a snapshot: the framed serialization
// of all entries captured at one instant.
type SnapshotRow struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Data        []byte            `json:"data"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SnapshotInfo describes a snapshot without its payload.
type SnapshotInfo struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Size        int64             `json:"size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Backend is the persistence contract implemented by each database driver.
//
// Writes are serialized by the backend; a write that violates the
// (execution, type, key) uniqueness constraint replaces the previous value.
// All methods are safe for concurrent use.
type Backend interface {
	// SaveEntry upserts an entry under the uniqueness constraint.
	SaveEntry(ctx context.Context, entry Entry) error

	// LoadEntry returns the latest entry for (execution, type, key), or
	// ErrNotFound.
	LoadEntry(ctx context.Context, executionID string, typ EntryType, key string) (Entry, error)

	// LoadEntries returns the latest entry per key for one type.
	LoadEntries(ctx context.Context, executionID string, typ EntryType) ([]Entry, error)

	// AllEntries returns every entry of an execution, newest first.
	AllEntries(ctx context.Context, executionID string) ([]Entry, error)

	// History returns entries filtered by optional type and key, newest
	// first, bounded by limit.
	History(ctx context.Context, executionID string, typ EntryType, key string, limit int) ([]Entry, error)

	// SaveSnapshot persists a snapshot row.
	SaveSnapshot(ctx context.Context, snap SnapshotRow) error

	// LoadSnapshot returns a snapshot row by id, or ErrNotFound.
	LoadSnapshot(ctx context.Context, snapshotID string) (SnapshotRow, error)

	// ListSnapshots returns snapshot metadata newest first; an empty
	// executionID lists snapshots across all executions.
	ListSnapshots(ctx context.Context, executionID string) ([]SnapshotInfo, error)

	// PruneSnapshots deletes the oldest snapshots of an execution beyond
	// max, returning the number deleted.
	PruneSnapshots(ctx context.Context, executionID string, max int) (int, error)

	// DeleteExecution removes all entries for an execution, and its
	// snapshots unless keepSnapshots is set. Returns rows deleted.
	DeleteExecution(ctx context.Context, executionID string, keepSnapshots bool) (int, error)

	// Close releases the underlying resources. Double-close is a no-op.
	Close() error
}
