package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OfflineQueue is the local sqlite cache used while the durable store is
// unreachable: writes queue in arrival order for replay on reconnection,
// and a local copy of every document serves reads.
type OfflineQueue struct {
	db *sql.DB
}

// QueuedWrite is one deferred Set call.
type QueuedWrite struct {
	ID         int64
	Collection string
	Key        string
	Doc        Document
	Merge      bool
	CreatedAt  int64
}

// OpenOfflineQueue creates or opens the local queue database.
func OpenOfflineQueue(path string) (*OfflineQueue, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline queue database: %w", err)
	}

	q := &OfflineQueue{db: db}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run offline queue migrations: %w", err)
	}
	return q, nil
}

func (q *OfflineQueue) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS queued_writes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			merge INTEGER NOT NULL,
			created_unix_millis INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS local_documents (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			updated_unix_millis INTEGER NOT NULL,
			PRIMARY KEY (collection, key)
		)`,
	}
	for _, query := range queries {
		if _, err := q.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// Enqueue records a deferred write and updates the local document copy so
// offline reads observe it.
func (q *OfflineQueue) Enqueue(ctx context.Context, collection, key string, doc Document, merge bool) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal queued write: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queued_writes (collection, key, payload_json, merge, created_unix_millis)
		 VALUES (?, ?, ?, ?, ?)`,
		collection, key, string(payload), boolToInt(merge), now,
	); err != nil {
		return fmt.Errorf("failed to insert queued write: %w", err)
	}

	local := doc
	if merge {
		if existing, err := q.getLocal(ctx, tx, collection, key); err == nil {
			for k, v := range doc {
				existing[k] = v
			}
			local = existing
		}
	}
	localPayload, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("failed to marshal local document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO local_documents (collection, key, payload_json, updated_unix_millis)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET
			payload_json = excluded.payload_json,
			updated_unix_millis = excluded.updated_unix_millis`,
		collection, key, string(localPayload), now,
	); err != nil {
		return fmt.Errorf("failed to upsert local document: %w", err)
	}

	return tx.Commit()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (q *OfflineQueue) getLocal(ctx context.Context, db queryRower, collection, key string) (Document, error) {
	var payload string
	err := db.QueryRowContext(ctx,
		"SELECT payload_json FROM local_documents WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("corrupt local document %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

// Get returns the local copy of a document.
func (q *OfflineQueue) Get(ctx context.Context, collection, key string) (Document, error) {
	return q.getLocal(ctx, q.db, collection, key)
}

// Pending lists queued writes in original arrival order.
func (q *OfflineQueue) Pending(ctx context.Context, limit int) ([]QueuedWrite, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, collection, key, payload_json, merge, created_unix_millis
		 FROM queued_writes ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued writes: %w", err)
	}
	defer rows.Close()

	var out []QueuedWrite
	for rows.Next() {
		var w QueuedWrite
		var payload string
		var merge int
		if err := rows.Scan(&w.ID, &w.Collection, &w.Key, &payload, &merge, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queued write: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &w.Doc); err != nil {
			return nil, fmt.Errorf("corrupt queued write %d: %w", w.ID, err)
		}
		w.Merge = merge != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// Delete removes a replayed write from the queue.
func (q *OfflineQueue) Delete(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM queued_writes WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete queued write %d: %w", id, err)
	}
	return nil
}

// Depth returns the number of writes waiting for replay.
func (q *OfflineQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queued_writes").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued writes: %w", err)
	}
	return n, nil
}

// Close closes the queue database.
func (q *OfflineQueue) Close() error {
	if q.db != nil {
		return q.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
