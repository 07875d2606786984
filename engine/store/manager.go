package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Manager is the state store used by the engine: a Backend plus an
// in-process LRU cache, value framing, composite execution-state
// save/load, snapshot lifecycle management and JSON export/import.
//
// All methods are safe for concurrent use. Writes are serialized by the
// backend; the cache is updated after a successful write, so a read that
// races a write may observe the pre-write value until the write commits.
type Manager struct {
	backend Backend
	cache   *lru.Cache[string, []byte]

	// Snapshot policy.
	autoSnapshot        bool
	snapshotMinInterval time.Duration
	maxSnapshots        int

	mu           sync.Mutex
	lastSnapshot map[string]time.Time // execution id -> last auto-snapshot
}

// ManagerOptions configures a Manager. Zero values select the defaults.
type ManagerOptions struct {
	CacheCapacity       int           // default 1000
	AutoSnapshot        bool          // default true (set via DefaultManagerOptions)
	SnapshotMinInterval time.Duration // default 300s
	MaxSnapshots        int           // default 100
}

// DefaultManagerOptions returns the documented defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		CacheCapacity:       1000,
		AutoSnapshot:        true,
		SnapshotMinInterval: 300 * time.Second,
		MaxSnapshots:        100,
	}
}

// NewManager wraps a backend with caching and snapshot policy.
func NewManager(backend Backend, opts ManagerOptions) (*Manager, error) {
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = 1000
	}
	if opts.SnapshotMinInterval <= 0 {
		opts.SnapshotMinInterval = 300 * time.Second
	}
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = 100
	}

	cache, err := lru.New[string, []byte](opts.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	return &Manager{
		backend:             backend,
		cache:               cache,
		autoSnapshot:        opts.AutoSnapshot,
		snapshotMinInterval: opts.SnapshotMinInterval,
		maxSnapshots:        opts.MaxSnapshots,
		lastSnapshot:        make(map[string]time.Time),
	}, nil
}

// Backend exposes the wrapped backend, mainly for tests.
func (m *Manager) Backend() Backend { return m.backend }

// Close closes the underlying backend.
func (m *Manager) Close() error { return m.backend.Close() }

// EntryID derives the stable id for (execution, type, key): the first 16
// hex chars of the SHA-256 of the joined triple.
func EntryID(executionID string, typ EntryType, key string) string {
	sum := sha256.Sum256([]byte(executionID + ":" + string(typ) + ":" + key))
	return hex.EncodeToString(sum[:])[:16]
}

func cacheKey(executionID string, typ EntryType, key string) string {
	return executionID + ":" + string(typ) + ":" + key
}

// Save frames and upserts a value, updating the cache on success. A write
// that fails is retried once before the persistence error is surfaced.
func (m *Manager) Save(ctx context.Context, executionID string, typ EntryType, key string, value any, metadata map[string]string) (string, error) {
	framed, err := EncodeValue(value)
	if err != nil {
		return "", err
	}

	entry := Entry{
		ID:          EntryID(executionID, typ, key),
		ExecutionID: executionID,
		Type:        typ,
		Key:         key,
		Value:       framed,
		Timestamp:   time.Now().UTC(),
		Metadata:    metadata,
	}

	if err := m.backend.SaveEntry(ctx, entry); err != nil {
		// One retry on persistence errors, then give up.
		if err = m.backend.SaveEntry(ctx, entry); err != nil {
			return "", fmt.Errorf("persist %s/%s/%s: %w", executionID, typ, key, err)
		}
	}

	m.cache.Add(cacheKey(executionID, typ, key), framed)
	return entry.ID, nil
}

// Load reads a value into out, cache first, then the backend. Returns
// ErrNotFound when the key was never written.
func (m *Manager) Load(ctx context.Context, executionID string, typ EntryType, key string, out any) error {
	if framed, ok := m.cache.Get(cacheKey(executionID, typ, key)); ok {
		return DecodeValue(framed, out)
	}

	entry, err := m.backend.LoadEntry(ctx, executionID, typ, key)
	if err != nil {
		return err
	}
	m.cache.Add(cacheKey(executionID, typ, key), entry.Value)
	return DecodeValue(entry.Value, out)
}

// LoadAll returns the latest decoded value per key for one entry type.
func (m *Manager) LoadAll(ctx context.Context, executionID string, typ EntryType) (map[string]any, error) {
	entries, err := m.backend.LoadEntries(ctx, executionID, typ)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(entries))
	for _, entry := range entries {
		var v any
		if err := DecodeValue(entry.Value, &v); err != nil {
			return nil, fmt.Errorf("entry %s/%s: %w", typ, entry.Key, err)
		}
		values[entry.Key] = v
	}
	return values, nil
}

// ExecutionState is the composite state saved per execution. Phases, Tasks
// and Artifacts expand into individually addressable typed entries.
type ExecutionState struct {
	Status    string         `json:"status,omitempty"`
	Phases    map[string]any `json:"phases,omitempty"`
	Tasks     map[string]any `json:"tasks,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// SaveExecutionState writes the main execution entry and expands the nested
// maps into typed entries. When auto-snapshot is enabled a snapshot is taken
// afterwards, honoring the minimum inter-snapshot interval.
func (m *Manager) SaveExecutionState(ctx context.Context, executionID string, state ExecutionState) error {
	if _, err := m.Save(ctx, executionID, TypeExecution, "main", state, nil); err != nil {
		return err
	}

	for phaseID, data := range state.Phases {
		if _, err := m.Save(ctx, executionID, TypePhase, phaseID, data, nil); err != nil {
			return err
		}
	}
	for taskID, data := range state.Tasks {
		if _, err := m.Save(ctx, executionID, TypeTask, taskID, data, nil); err != nil {
			return err
		}
	}
	for artifactID, data := range state.Artifacts {
		if _, err := m.Save(ctx, executionID, TypeArtifact, artifactID, data, nil); err != nil {
			return err
		}
	}

	if m.autoSnapshot && m.snapshotDue(executionID) {
		if _, err := m.CreateSnapshot(ctx, executionID, map[string]string{"auto": "true"}); err != nil {
			return fmt.Errorf("auto snapshot: %w", err)
		}
	}
	return nil
}

func (m *Manager) snapshotDue(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSnapshot[executionID]
	if ok && time.Since(last) < m.snapshotMinInterval {
		return false
	}
	m.lastSnapshot[executionID] = time.Now()
	return true
}

// LoadExecutionState reads the main entry back and overlays the expanded
// phase/task/artifact entries. Returns ErrNotFound when the execution was
// never saved.
func (m *Manager) LoadExecutionState(ctx context.Context, executionID string) (ExecutionState, error) {
	var state ExecutionState
	if err := m.Load(ctx, executionID, TypeExecution, "main", &state); err != nil {
		return ExecutionState{}, err
	}

	phases, err := m.LoadAll(ctx, executionID, TypePhase)
	if err != nil {
		return ExecutionState{}, err
	}
	if len(phases) > 0 {
		state.Phases = phases
	}

	tasks, err := m.LoadAll(ctx, executionID, TypeTask)
	if err != nil {
		return ExecutionState{}, err
	}
	if len(tasks) > 0 {
		state.Tasks = tasks
	}

	artifacts, err := m.LoadAll(ctx, executionID, TypeArtifact)
	if err != nil {
		return ExecutionState{}, err
	}
	if len(artifacts) > 0 {
		state.Artifacts = artifacts
	}
	return state, nil
}

// UpdateExecutionStatus writes the status entry for an execution.
func (m *Manager) UpdateExecutionStatus(ctx context.Context, executionID, status string, metadata map[string]string) error {
	payload := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	_, err := m.Save(ctx, executionID, TypeExecution, "status", payload, metadata)
	return err
}

// TrackMetric appends a time-series metric entry. Each sample gets a unique
// key so earlier samples are preserved.
func (m *Manager) TrackMetric(ctx context.Context, executionID, name string, value any) error {
	payload := map[string]any{
		"name":      name,
		"value":     value,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	key := fmt.Sprintf("%s_%d", name, time.Now().UnixNano())
	_, err := m.Save(ctx, executionID, TypeMetric, key, payload, nil)
	return err
}

// Metrics returns recorded metric samples, optionally filtered by name.
func (m *Manager) Metrics(ctx context.Context, executionID, name string) ([]map[string]any, error) {
	all, err := m.LoadAll(ctx, executionID, TypeMetric)
	if err != nil {
		return nil, err
	}
	var samples []map[string]any
	for _, v := range all {
		sample, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if name != "" && sample["name"] != name {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// snapshotPayload is the framed content of a snapshot row.
type snapshotPayload struct {
	SnapshotID  string            `json:"snapshot_id"`
	ExecutionID string            `json:"execution_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Entries     []Entry           `json:"entries"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CreateSnapshot captures all current entries of an execution into one
// snapshot row and prunes the oldest snapshots beyond the configured
// maximum. Returns the snapshot id.
func (m *Manager) CreateSnapshot(ctx context.Context, executionID string, metadata map[string]string) (string, error) {
	entries, err := m.backend.AllEntries(ctx, executionID)
	if err != nil {
		return "", err
	}

	payload := snapshotPayload{
		SnapshotID:  uuid.NewString(),
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Entries:     entries,
		Metadata:    metadata,
	}
	framed, err := EncodeValue(payload)
	if err != nil {
		return "", err
	}

	row := SnapshotRow{
		ID:          payload.SnapshotID,
		ExecutionID: executionID,
		Timestamp:   payload.Timestamp,
		Data:        framed,
		Metadata:    metadata,
	}
	if err := m.backend.SaveSnapshot(ctx, row); err != nil {
		return "", err
	}
	if _, err := m.backend.PruneSnapshots(ctx, executionID, m.maxSnapshots); err != nil {
		return "", fmt.Errorf("prune snapshots: %w", err)
	}
	return payload.SnapshotID, nil
}

// Snapshot is a restored snapshot: decoded metadata plus the captured
// entries.
type Snapshot struct {
	ID          string
	ExecutionID string
	Timestamp   time.Time
	Entries     []Entry
	Metadata    map[string]string
}

// RestoreSnapshot reinserts every entry captured in the snapshot (upsert
// semantics) and returns the restored data. A corrupt snapshot blob fails
// this restore only; other executions are unaffected.
func (m *Manager) RestoreSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	row, err := m.backend.LoadSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	var payload snapshotPayload
	if err := DecodeValue(row.Data, &payload); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, err)
	}

	for _, entry := range payload.Entries {
		if err := m.backend.SaveEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("restore entry %s/%s: %w", entry.Type, entry.Key, err)
		}
		m.cache.Add(cacheKey(entry.ExecutionID, entry.Type, entry.Key), entry.Value)
	}

	return &Snapshot{
		ID:          payload.SnapshotID,
		ExecutionID: payload.ExecutionID,
		Timestamp:   payload.Timestamp,
		Entries:     payload.Entries,
		Metadata:    payload.Metadata,
	}, nil
}

// ListSnapshots returns snapshot metadata newest first; empty executionID
// lists across executions.
func (m *Manager) ListSnapshots(ctx context.Context, executionID string) ([]SnapshotInfo, error) {
	return m.backend.ListSnapshots(ctx, executionID)
}

// History returns stored writes, newest first. The memory backend keeps
// every write; the SQL backends keep only the latest write per key.
func (m *Manager) History(ctx context.Context, executionID string, typ EntryType, key string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.backend.History(ctx, executionID, typ, key, limit)
}

// Cleanup removes an execution's entries (and snapshots unless kept) and
// drops its cached values.
func (m *Manager) Cleanup(ctx context.Context, executionID string, keepSnapshots bool) (int, error) {
	deleted, err := m.backend.DeleteExecution(ctx, executionID, keepSnapshots)
	if err != nil {
		return deleted, err
	}
	for _, key := range m.cache.Keys() {
		if len(key) > len(executionID) && key[:len(executionID)+1] == executionID+":" {
			m.cache.Remove(key)
		}
	}
	m.mu.Lock()
	delete(m.lastSnapshot, executionID)
	m.mu.Unlock()
	return deleted, nil
}

// exportEnvelope is the JSON document written by Export and read by Import.
type exportEnvelope struct {
	ExecutionID string         `json:"execution_id"`
	ExportedAt  string         `json:"exported_at"`
	State       ExecutionState `json:"state"`
}

// Export writes the execution state as an indented JSON document.
func (m *Manager) Export(ctx context.Context, executionID, path string) error {
	state, err := m.LoadExecutionState(ctx, executionID)
	if err != nil {
		return fmt.Errorf("export %s: %w", executionID, err)
	}

	envelope := exportEnvelope{
		ExecutionID: executionID,
		ExportedAt:  time.Now().UTC().Format(time.RFC3339),
		State:       state,
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// Import reads an exported document and recreates its entries, returning
// the execution id.
func (m *Manager) Import(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read import: %w", err)
	}

	var envelope exportEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("parse import: %w", err)
	}
	if envelope.ExecutionID == "" {
		return "", fmt.Errorf("import %s: missing execution_id", path)
	}

	if err := m.SaveExecutionState(ctx, envelope.ExecutionID, envelope.State); err != nil {
		return "", err
	}
	return envelope.ExecutionID, nil
}
