package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is an in-memory Backend for tests and throwaway runs.
// Data is lost when the process exits. Safe for concurrent use.
type MemoryBackend struct {
	mu        sync.RWMutex
	closed    bool
	entries   map[string]Entry       // entryKey(execution, type, key) -> latest entry
	snapshots map[string]SnapshotRow // snapshot id -> row
	// history keeps every write in order, newest appended last, so History
	// can report superseded values. The SQL backends upsert in place and
	// report only the latest write per key.
	history []Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:   make(map[string]Entry),
		snapshots: make(map[string]SnapshotRow),
	}
}

func entryKey(executionID string, typ EntryType, key string) string {
	return executionID + ":" + string(typ) + ":" + key
}

// SaveEntry upserts an entry (implements Backend).
func (m *MemoryBackend) SaveEntry(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[entryKey(entry.ExecutionID, entry.Type, entry.Key)] = entry
	m.history = append(m.history, entry)
	return nil
}

// LoadEntry returns the latest entry for (execution, type, key).
func (m *MemoryBackend) LoadEntry(_ context.Context, executionID string, typ EntryType, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, ErrClosed
	}
	entry, ok := m.entries[entryKey(executionID, typ, key)]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// LoadEntries returns the latest entry per key for one type.
func (m *MemoryBackend) LoadEntries(_ context.Context, executionID string, typ EntryType) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var entries []Entry
	for _, entry := range m.entries {
		if entry.ExecutionID == executionID && entry.Type == typ {
			entries = append(entries, entry)
		}
	}
	sortNewestFirst(entries)
	return entries, nil
}

// AllEntries returns every current entry of an execution, newest first.
func (m *MemoryBackend) AllEntries(_ context.Context, executionID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var entries []Entry
	for _, entry := range m.entries {
		if entry.ExecutionID == executionID {
			entries = append(entries, entry)
		}
	}
	sortNewestFirst(entries)
	return entries, nil
}

// History returns writes filtered by optional type/key, newest first.
func (m *MemoryBackend) History(_ context.Context, executionID string, typ EntryType, key string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var entries []Entry
	for i := len(m.history) - 1; i >= 0 && len(entries) < limit; i-- {
		entry := m.history[i]
		if entry.ExecutionID != executionID {
			continue
		}
		if typ != "" && entry.Type != typ {
			continue
		}
		if key != "" && entry.Key != key {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SaveSnapshot persists a snapshot row.
func (m *MemoryBackend) SaveSnapshot(_ context.Context, snap SnapshotRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.snapshots[snap.ID] = snap
	return nil
}

// LoadSnapshot returns a snapshot row by id.
func (m *MemoryBackend) LoadSnapshot(_ context.Context, snapshotID string) (SnapshotRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return SnapshotRow{}, ErrClosed
	}
	snap, ok := m.snapshots[snapshotID]
	if !ok {
		return SnapshotRow{}, ErrNotFound
	}
	return snap, nil
}

// ListSnapshots returns snapshot metadata newest first.
func (m *MemoryBackend) ListSnapshots(_ context.Context, executionID string) ([]SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var infos []SnapshotInfo
	for _, snap := range m.snapshots {
		if executionID != "" && snap.ExecutionID != executionID {
			continue
		}
		infos = append(infos, SnapshotInfo{
			ID:          snap.ID,
			ExecutionID: snap.ExecutionID,
			Timestamp:   snap.Timestamp,
			Size:        int64(len(snap.Data)),
			Metadata:    snap.Metadata,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
	return infos, nil
}

// PruneSnapshots deletes the oldest snapshots beyond max.
func (m *MemoryBackend) PruneSnapshots(_ context.Context, executionID string, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var rows []SnapshotRow
	for _, snap := range m.snapshots {
		if snap.ExecutionID == executionID {
			rows = append(rows, snap)
		}
	}
	if len(rows) <= max {
		return 0, nil
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
	excess := len(rows) - max
	for i := 0; i < excess; i++ {
		delete(m.snapshots, rows[i].ID)
	}
	return excess, nil
}

// DeleteExecution removes all entries for an execution.
func (m *MemoryBackend) DeleteExecution(_ context.Context, executionID string, keepSnapshots bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	deleted := 0
	for key, entry := range m.entries {
		if entry.ExecutionID == executionID {
			delete(m.entries, key)
			deleted++
		}
	}
	kept := m.history[:0]
	for _, entry := range m.history {
		if entry.ExecutionID != executionID {
			kept = append(kept, entry)
		}
	}
	m.history = kept
	if !keepSnapshots {
		for id, snap := range m.snapshots {
			if snap.ExecutionID == executionID {
				delete(m.snapshots, id)
				deleted++
			}
		}
	}
	return deleted, nil
}

// Close marks the backend closed.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortNewestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}
