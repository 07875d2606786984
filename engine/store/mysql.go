package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLBackend is a MySQL/MariaDB implementation of Backend.
//
// Use it when several build hosts share one state server, or when execution
// history must outlive the machine that produced it. Connection pooling and
// InnoDB row locking replace SQLite's single-writer model; the semantics of
// SaveEntry (upsert under the uniqueness constraint, last write wins) are
// identical.
//
// DSN format follows go-sql-driver/mysql:
//
//	user:password@tcp(localhost:3306)/buildforge?parseTime=true
//
// Credentials should come from the environment, never from source.
type MySQLBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLBackend connects to the server, verifies the connection and runs
// the schema migration.
func NewMySQLBackend(dsn string) (*MySQLBackend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	b := &MySQLBackend{db: db}
	if err := b.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return b, nil
}

func (b *MySQLBackend) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS state_entries (
			id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			type VARCHAR(32) NOT NULL,
			entry_key VARCHAR(255) NOT NULL,
			value LONGBLOB NOT NULL,
			timestamp VARCHAR(64) NOT NULL,
			metadata TEXT,
			UNIQUE KEY unique_entry (execution_id, type, entry_key),
			INDEX idx_state_execution (execution_id),
			INDEX idx_state_type (type)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			timestamp VARCHAR(64) NOT NULL,
			data LONGBLOB NOT NULL,
			metadata TEXT,
			INDEX idx_snapshot_execution (execution_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *MySQLBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// SaveEntry upserts an entry (implements Backend).
func (b *MySQLBackend) SaveEntry(ctx context.Context, entry Entry) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO state_entries (id, execution_id, type, entry_key, value, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			value = VALUES(value),
			timestamp = VALUES(timestamp),
			metadata = VALUES(metadata)
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
func (b *MySQLBackend) LoadEntry(ctx context.Context, executionID string, typ EntryType, key string) (Entry, error) {
	if err := b.checkOpen(); err != nil {
		return Entry{}, err
	}

	query := `
		SELECT id, execution_id, type, entry_key, value, timestamp, metadata
		FROM state_entries
		WHERE execution_id = ? AND type = ? AND entry_key = ?
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
func (b *MySQLBackend) LoadEntries(ctx context.Context, executionID string, typ EntryType) ([]Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, execution_id, type, entry_key, value, timestamp, metadata
		FROM state_entries
		WHERE execution_id = ? AND type = ?
		ORDER BY timestamp DESC
	`
	return b.queryEntries(ctx, query, executionID, string(typ))
}

// AllEntries returns every entry of an execution, newest first.
func (b *MySQLBackend) AllEntries(ctx context.Context, executionID string) ([]Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, execution_id, type, entry_key, value, timestamp, metadata
		FROM state_entries
		WHERE execution_id = ?
		ORDER BY timestamp DESC
	`
	return b.queryEntries(ctx, query, executionID)
}

// History returns entries filtered by optional type/key, newest first.
func (b *MySQLBackend) History(ctx context.Context, executionID string, typ EntryType, key string, limit int) ([]Entry, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, execution_id, type, entry_key, value, timestamp, metadata
		FROM state_entries
		WHERE execution_id = ?
	`
	args := []any{executionID}
	if typ != "" {
		query += " AND type = ?"
		args = append(args, string(typ))
	}
	if key != "" {
		query += " AND entry_key = ?"
		args = append(args, key)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	return b.queryEntries(ctx, query, args...)
}

func (b *MySQLBackend) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
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

// SaveSnapshot persists a snapshot row.
func (b *MySQLBackend) SaveSnapshot(ctx context.Context, snap SnapshotRow) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	meta, err := json.Marshal(snap.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `INSERT INTO snapshots (id, execution_id, timestamp, data, metadata) VALUES (?, ?, ?, ?, ?)`
	_, err = b.db.ExecContext(ctx, query,
		snap.ID, snap.ExecutionID, snap.Timestamp.Format(timeLayout), snap.Data, string(meta))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns a snapshot row by id.
func (b *MySQLBackend) LoadSnapshot(ctx context.Context, snapshotID string) (SnapshotRow, error) {
	if err := b.checkOpen(); err != nil {
		return SnapshotRow{}, err
	}

	query := `SELECT id, execution_id, timestamp, data, metadata FROM snapshots WHERE id = ?`

	var (
		snap      SnapshotRow
		timestamp string
		meta      sql.NullString
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
	if meta.Valid && meta.String != "" && meta.String != "{}" {
		if err := json.Unmarshal([]byte(meta.String), &snap.Metadata); err != nil {
			return SnapshotRow{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return snap, nil
}

// ListSnapshots returns snapshot metadata newest first.
func (b *MySQLBackend) ListSnapshots(ctx context.Context, executionID string) ([]SnapshotInfo, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, execution_id, timestamp, LENGTH(data), metadata FROM snapshots`
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
			meta      sql.NullString
		)
		if err := rows.Scan(&info.ID, &info.ExecutionID, &timestamp, &info.Size, &meta); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		info.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		if meta.Valid && meta.String != "" && meta.String != "{}" {
			if err := json.Unmarshal([]byte(meta.String), &info.Metadata); err != nil {
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
func (b *MySQLBackend) PruneSnapshots(ctx context.Context, executionID string, max int) (int, error) {
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

	// MySQL cannot delete from a table it subqueries, so collect ids first.
	rows, err := b.db.QueryContext(ctx, `
		SELECT id FROM snapshots
		WHERE execution_id = ?
		ORDER BY timestamp ASC
		LIMIT ?
	`, executionID, count-max)
	if err != nil {
		return 0, fmt.Errorf("select prune candidates: %w", err)
	}
	var ids []any
	placeholders := ""
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan prune candidate: %w", err)
		}
		if placeholders != "" {
			placeholders += ", "
		}
		placeholders += "?"
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate prune candidates: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// #nosec G201 -- placeholders are "?" marks for a parameterized query
	res, err := b.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM snapshots WHERE id IN (%s)", placeholders), ids...)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

// DeleteExecution removes all entries for an execution.
func (b *MySQLBackend) DeleteExecution(ctx context.Context, executionID string, keepSnapshots bool) (int, error) {
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

// Close closes the connection pool. Safe to call twice.
func (b *MySQLBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Ping verifies the database connection is alive.
func (b *MySQLBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.PingContext(ctx)
}
