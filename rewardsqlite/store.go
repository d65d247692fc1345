// Package rewardsqlite is the SQLite-backed Local Store for the rewardsync
// core: durable cached records plus the persistent sync queue, in one
// database file so cross-table invariants (id remaps, category reassignment)
// hold atomically.
// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/713zhao/airewards-sub006/rewardsync"
)

// Store implements rewardsync.LocalStore and rewardsync.QueueStore over a
// single SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path, enables WAL and foreign keys,
// runs pending migrations and recovers queue entries that were in flight when
// the process last died.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle (tests use :memory:).
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}

	// Entries stuck in_flight mean the process died mid-drain; the remote
	// call may or may not have landed, and replay is idempotent either way.
	if _, err := db.Exec(`UPDATE sync_queue SET state = 'pending' WHERE state = 'in_flight'`); err != nil {
		return nil, fmt.Errorf("failed to recover in-flight queue entries: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `entity_type, id, owner_id, payload, version, sync_status, created_at, updated_at, conflict`

func (s *Store) Upsert(ctx context.Context, rec *rewardsync.Record) error {
	return upsertRecord(ctx, s.db, rec)
}

func upsertRecord(ctx context.Context, q execer, rec *rewardsync.Record) error {
	const op = "store.upsert"
	var conflict any
	if rec.Conflict != nil {
		data, err := json.Marshal(rec.Conflict)
		if err != nil {
			return rewardsync.Storage(op, fmt.Errorf("failed to marshal conflict note: %w", err))
		}
		conflict = string(data)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, owner_id, payload, version, sync_status, created_at, updated_at, conflict)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			owner_id = excluded.owner_id,
			payload = excluded.payload,
			version = excluded.version,
			sync_status = excluded.sync_status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			conflict = excluded.conflict
	`, rec.EntityType, rec.ID, rec.OwnerID, string(rec.Payload), rec.Version, string(rec.Status),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), conflict)
	if err != nil {
		return rewardsync.Storage(op, err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, entityType, id string) (*rewardsync.Record, error) {
	const op = "store.get"
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND id = ?
	`, entityType, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rewardsync.NotFoundErr(op, entityType, id)
	}
	if err != nil {
		return nil, rewardsync.Storage(op, err)
	}
	return rec, nil
}

// Query compiles the structured filter to SQL. The WHERE clause mirrors
// Filter.Match exactly; the read-path equivalence tests hold both to it.
func (s *Store) Query(ctx context.Context, entityType string, f rewardsync.Filter) ([]*rewardsync.Record, error) {
	const op = "store.query"
	query := `SELECT ` + recordColumns + ` FROM records WHERE entity_type = ?`
	args := []any{entityType}
	if f.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.CategoryID != "" {
		query += ` AND json_extract(payload, '$.category_id') = ?`
		args = append(args, f.CategoryID)
	}
	if f.OptionID != "" {
		query += ` AND json_extract(payload, '$.option_id') = ?`
		args = append(args, f.OptionID)
	}
	if f.CreatedAfter != nil {
		query += ` AND created_at > ?`
		args = append(args, f.CreatedAfter.UnixNano())
	}
	if f.CreatedBefore != nil {
		query += ` AND created_at < ?`
		args = append(args, f.CreatedBefore.UnixNano())
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rewardsync.Storage(op, err)
	}
	defer rows.Close()

	var out []*rewardsync.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, rewardsync.Storage(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, rewardsync.Storage(op, err)
	}
	return out, nil
}

func (s *Store) DeleteByID(ctx context.Context, entityType, id string) error {
	const op = "store.delete"
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, id)
	if err != nil {
		return rewardsync.Storage(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rewardsync.NotFoundErr(op, entityType, id)
	}
	return nil
}

// RemapID renames a record id everywhere it appears: the entity row, every
// queue entry (key and snapshot) and every payload reference to it. All
// inside one transaction, or not at all.
func (s *Store) RemapID(ctx context.Context, entityType, oldID, newID string) error {
	const op = "store.remap"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rewardsync.Storage(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET id = ? WHERE entity_type = ? AND id = ?
	`, newID, entityType, oldID); err != nil {
		return rewardsync.Storage(op, err)
	}

	refField := referenceField(entityType)
	if refField != "" {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE records
			SET payload = json_set(payload, '$.%s', ?)
			WHERE json_extract(payload, '$.%s') = ?
		`, refField, refField), newID, oldID); err != nil {
			return rewardsync.Storage(op, err)
		}
	}

	if err := remapQueueInTx(ctx, tx, entityType, oldID, newID, refField); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return rewardsync.Storage(op, err)
	}
	return nil
}

// referenceField names the payload field other entities use to reference
// this entity type.
func referenceField(entityType string) string {
	switch entityType {
	case rewardsync.TypeCategory:
		return "category_id"
	case rewardsync.TypeRedemptionOption:
		return "option_id"
	default:
		return ""
	}
}

// remapQueueInTx rewrites queue keys and captured snapshots for a remap.
func remapQueueInTx(ctx context.Context, tx *sql.Tx, entityType, oldID, newID, refField string) error {
	const op = "store.remap"
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET entity_id = ? WHERE entity_type = ? AND entity_id = ?
	`, newID, entityType, oldID); err != nil {
		return rewardsync.Storage(op, err)
	}

	// Snapshots are opaque JSON: fix the record id and any payload reference
	// in Go rather than guessing at json paths.
	rows, err := tx.QueryContext(ctx, `SELECT entity_type, entity_id, op, snapshot FROM sync_queue`)
	if err != nil {
		return rewardsync.Storage(op, err)
	}
	type patch struct {
		entityType, entityID, qop, snapshot string
	}
	var patches []patch
	for rows.Next() {
		var p patch
		if err := rows.Scan(&p.entityType, &p.entityID, &p.qop, &p.snapshot); err != nil {
			rows.Close()
			return rewardsync.Storage(op, err)
		}
		var rec rewardsync.Record
		if err := json.Unmarshal([]byte(p.snapshot), &rec); err != nil {
			continue
		}
		changed := false
		if rec.EntityType == entityType && rec.ID == oldID {
			rec.ID = newID
			changed = true
		}
		if refField != "" {
			var refs map[string]any
			if err := json.Unmarshal(rec.Payload, &refs); err == nil {
				if v, ok := refs[refField]; ok && v == oldID {
					refs[refField] = newID
					if data, err := json.Marshal(refs); err == nil {
						rec.Payload = data
						changed = true
					}
				}
			}
		}
		if !changed {
			continue
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			continue
		}
		p.snapshot = string(data)
		patches = append(patches, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return rewardsync.Storage(op, err)
	}
	rows.Close()

	for _, p := range patches {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET snapshot = ? WHERE entity_type = ? AND entity_id = ? AND op = ?
		`, p.snapshot, p.entityType, p.entityID, p.qop); err != nil {
			return rewardsync.Storage(op, err)
		}
	}
	return nil
}

// DeleteCategoryReassign deletes a category and moves its reward entries to
// the fallback category in one transaction. Either both happen or neither.
func (s *Store) DeleteCategoryReassign(ctx context.Context, categoryID, fallbackID string) error {
	const op = "store.delete_category"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rewardsync.Storage(op, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		UPDATE records
		SET payload = json_set(payload, '$.category_id', ?), updated_at = ?
		WHERE entity_type = ? AND json_extract(payload, '$.category_id') = ?
	`, fallbackID, now, rewardsync.TypeRewardEntry, categoryID); err != nil {
		return rewardsync.Storage(op, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM records WHERE entity_type = ? AND id = ?
	`, rewardsync.TypeCategory, categoryID); err != nil {
		return rewardsync.Storage(op, err)
	}

	if err := tx.Commit(); err != nil {
		return rewardsync.Storage(op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*rewardsync.Record, error) {
	var rec rewardsync.Record
	var payload, status string
	var createdAt, updatedAt int64
	var conflict sql.NullString
	err := row.Scan(&rec.EntityType, &rec.ID, &rec.OwnerID, &payload, &rec.Version,
		&status, &createdAt, &updatedAt, &conflict)
	if err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.Status = rewardsync.SyncStatus(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if conflict.Valid && conflict.String != "" {
		var note rewardsync.ConflictNote
		if err := json.Unmarshal([]byte(conflict.String), &note); err != nil {
			return nil, fmt.Errorf("corrupt conflict note: %w", err)
		}
		rec.Conflict = &note
	}
	return &rec, nil
}
