package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is the default Backend: a single-file embedded database.
//
// Designed for single-process builds with zero setup. WAL mode keeps
// readers unblocked during writes, and all writes are serialized through a
// single connection, matching SQLite's one-writer model.
//
// Schema:
//   - state_entries: latest value per (execution_id, type, key)
//   - snapshots: point-in-time captures of all entries of an execution
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteBackend opens (or creates) the database file at path and runs
// the schema migration. Use ":memory:" for a throwaway in-process database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	b := &SQLiteBackend{db: db, path: path}
	if err := b.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS state_entries (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			type TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			timestamp TEXT NOT NULL,
			metadata TEXT DEFAULT '{}',
			UNIQUE(execution_id, type, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_state_execution ON state_entries(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_state_type ON state_entries(type)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data BLOB NOT NULL,
			metadata TEXT DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_execution ON snapshots(execution_id)`,
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// SaveEntry upserts an entry (implements Backend).
func (b *SQLiteBackend) SaveEntry(ctx context.Context, entry Entry) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO state_entries (id, execution_id, type, key, value, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, type, key) DO UPDATE SET
			value = excluded.value,
			timestamp = excluded.timestamp,
			metadata = excluded.metadata
	`
	_, err = b.db.ExecContext(ctx, query,
		entry.ID, entry.ExecutionID, string(entry.Type), entry.Key,
		entry.Value, entry.Timestamp.Format(timeLayout), string(meta))
	if err != nil {
		return fmt.Errorf("save entry: %w", err)
	}
	return nil
}

// LoadEntry returns the latest entry for (execution, type, key).
func (b *SQLiteBackend) LoadEntry(ctx context.Context, executionID string, typ EntryType, key string) (Entry, error) {
	if err := b.checkOpen(); err != nil {
		return Entry{}, err
	}

	query := `
		SELECT id, execution_id, type, key, value, timestamp, metadata
		FROM state_entries
		WHERE execution_id = ? AND type = ? AND key = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	row := b.db.QueryRowContext(ctx, query, executionID, string(typ), key)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load entry: %w", err)
	}
	return entry, nil
}

// LoadEntries returns the latest entry per key for one type.
func (b *SQLiteBackend) LoadEntries(ctx context.Context, executionID string, typ EntryType) ([]Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, execution_id, type, key, value, timestamp, metadata
		FROM state_entries
		WHERE execution_id = ? AND type = ?
		ORDER BY timestamp DESC
	`
	return b.queryEntries(ctx, query, executionID, string(typ))
}

// AllEntries returns every entry of an execution, newest first.
func (b *SQLiteBackend) AllEntries(ctx context.Context, executionID string) ([]Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, execution_id, type, key, value, timestamp, metadata
		FROM state_entries
		WHERE execution_id = ?
		ORDER BY timestamp DESC
	`
	return b.queryEntries(ctx, query, executionID)
}

// History returns entries filtered by optional type/key, newest first.
func (b *SQLiteBackend) History(ctx context.Context, executionID string, typ EntryType, key string, limit int) ([]Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, execution_id, type, key, value, timestamp, metadata
		FROM state_entries
		WHERE execution_id = ?
	`
	args := []any{executionID}
	if typ != "" {
		query += " AND type = ?"
		args = append(args, string(typ))
	}
	if key != "" {
		query += " AND key = ?"
		args = append(args, key)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	return b.queryEntries(ctx, query, args...)
}

func (b *SQLiteBackend) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry     Entry
		typ       string
		timestamp string
		meta      string
	)
	if err := row.Scan(&entry.ID, &entry.ExecutionID, &typ, &entry.Key, &entry.Value, &timestamp, &meta); err != nil {
		return Entry{}, err
	}
	entry.Type = EntryType(typ)

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("parse timestamp: %w", err)
	}
	entry.Timestamp = ts

	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &entry.Metadata); err != nil {
			return Entry{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return entry, nil
}

// SaveSnapshot persists a snapshot row.
func (b *SQLiteBackend) SaveSnapshot(ctx context.Context, snap SnapshotRow) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	meta, err := json.Marshal(snap.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO snapshots (id, execution_id, timestamp, data, metadata)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		snap.ID, snap.ExecutionID, snap.Timestamp.Format(timeLayout), snap.Data, string(meta))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns a snapshot row by id.
func (b *SQLiteBackend) LoadSnapshot(ctx context.Context, snapshotID string) (SnapshotRow, error) {
	if err := b.checkOpen(); err != nil {
		return SnapshotRow{}, err
	}

	query := `SELECT id, execution_id, timestamp, data, metadata FROM snapshots WHERE id = ?`

	var (
		snap      SnapshotRow
		timestamp string
		meta      string
	)
	err := b.db.QueryRowContext(ctx, query, snapshotID).Scan(
		&snap.ID, &snap.ExecutionID, &timestamp, &snap.Data, &meta)
	if err == sql.ErrNoRows {
		return SnapshotRow{}, ErrNotFound
	}
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("load snapshot: %w", err)
	}

	snap.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("parse timestamp: %w", err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &snap.Metadata); err != nil {
			return SnapshotRow{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return snap, nil
}

// ListSnapshots returns snapshot metadata newest first.
func (b *SQLiteBackend) ListSnapshots(ctx context.Context, executionID string) ([]SnapshotInfo, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, execution_id, timestamp, LENGTH(data), metadata
		FROM snapshots
	`
	var args []any
	if executionID != "" {
		query += " WHERE execution_id = ?"
		args = append(args, executionID)
	}
	query += " ORDER BY timestamp DESC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []SnapshotInfo
	for rows.Next() {
		var (
			info      SnapshotInfo
			timestamp string
			meta      string
		)
		if err := rows.Scan(&info.ID, &info.ExecutionID, &timestamp, &info.Size, &meta); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		info.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &info.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return infos, nil
}

// PruneSnapshots deletes the oldest snapshots beyond max.
func (b *SQLiteBackend) PruneSnapshots(ctx context.Context, executionID string, max int) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE execution_id = ?`, executionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	if count <= max {
		return 0, nil
	}

	query := `
		DELETE FROM snapshots
		WHERE execution_id = ? AND id IN (
			SELECT id FROM snapshots
			WHERE execution_id = ?
			ORDER BY timestamp ASC
			LIMIT ?
		)
	`
	res, err := b.db.ExecContext(ctx, query, executionID, executionID, count-max)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

// DeleteExecution removes all entries for an execution.
func (b *SQLiteBackend) DeleteExecution(ctx context.Context, executionID string, keepSnapshots bool) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	res, err := b.db.ExecContext(ctx,
		`DELETE FROM state_entries WHERE execution_id = ?`, executionID)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if !keepSnapshots {
		res, err = b.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE execution_id = ?`, executionID)
		if err != nil {
			return int(deleted), fmt.Errorf("delete snapshots: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return int(deleted), nil
}

// Close closes the database connection. Safe to call twice.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Ping verifies the database connection is alive.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.PingContext(ctx)
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.path
}
