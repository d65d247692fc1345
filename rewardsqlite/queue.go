// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/713zhao/airewards-sub006/rewardsync"
)

const queueColumns = `entity_type, entity_id, op, snapshot, priority, retry_count, max_retries, last_error, scheduled_at, enqueued_at, state`

// Enqueue inserts or replaces the entry keyed by (type, id, op). Replacement
// keeps the original enqueue time so per-id FIFO order is preserved when a
// mutation is coalesced into an existing entry.
func (s *Store) Enqueue(ctx context.Context, e *rewardsync.QueueEntry) error {
	const op = "queue.enqueue"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (entity_type, entity_id, op, snapshot, priority, retry_count,
			max_retries, last_error, scheduled_at, enqueued_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id, op) DO UPDATE SET
			snapshot = excluded.snapshot,
			priority = excluded.priority,
			retry_count = 0,
			max_retries = excluded.max_retries,
			last_error = '',
			scheduled_at = excluded.scheduled_at,
			state = 'pending',
			dead_lettered_at = NULL,
			first_failed_at = NULL
	`, e.EntityType, e.EntityID, string(e.Op), string(e.Snapshot), e.Priority, e.RetryCount,
		e.MaxRetries, e.LastError, e.ScheduledAt.UnixNano(), e.EnqueuedAt.UnixNano(), string(e.State))
	if err != nil {
		return rewardsync.Storage(op, err)
	}
	return nil
}

// Due returns pending entries eligible for replay, priority first, FIFO
// within a tier. Dead-lettered and conflicted entries never come back here.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*rewardsync.QueueEntry, error) {
	const op = "queue.due"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE state = 'pending' AND scheduled_at <= ?
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT ?
	`, now.UnixNano(), limit)
	if err != nil {
		return nil, rewardsync.Storage(op, err)
	}
	defer rows.Close()

	var out []*rewardsync.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, rewardsync.Storage(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, rewardsync.Storage(op, err)
	}
	return out, nil
}

func (s *Store) MarkInFlight(ctx context.Context, entityType, entityID string, op rewardsync.Op) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET state = 'in_flight'
		WHERE entity_type = ? AND entity_id = ? AND op = ? AND state = 'pending'
	`, entityType, entityID, string(op))
	if err != nil {
		return rewardsync.Storage("queue.in_flight", err)
	}
	return nil
}

// Confirm removes the entry; called only after the remote store acknowledged
// the mutation.
func (s *Store) Confirm(ctx context.Context, entityType, entityID string, op rewardsync.Op) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ? AND op = ?
	`, entityType, entityID, string(op))
	if err != nil {
		return rewardsync.Storage("queue.confirm", err)
	}
	return nil
}

func (s *Store) Reschedule(ctx context.Context, e *rewardsync.QueueEntry, nextAt time.Time, lastError string) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET state = 'pending', retry_count = retry_count + 1, last_error = ?, scheduled_at = ?,
			first_failed_at = COALESCE(first_failed_at, ?)
		WHERE entity_type = ? AND entity_id = ? AND op = ?
	`, lastError, nextAt.UnixNano(), now, e.EntityType, e.EntityID, string(e.Op))
	if err != nil {
		return rewardsync.Storage("queue.reschedule", err)
	}
	return nil
}

// DeadLetter parks the entry permanently. The guard on state keeps a racing
// second drain from resurrecting or double-counting an already parked entry.
func (s *Store) DeadLetter(ctx context.Context, e *rewardsync.QueueEntry, lastError string) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET state = 'dead_lettered', retry_count = retry_count + 1, last_error = ?,
			dead_lettered_at = COALESCE(dead_lettered_at, ?),
			first_failed_at = COALESCE(first_failed_at, ?)
		WHERE entity_type = ? AND entity_id = ? AND op = ? AND state != 'dead_lettered'
	`, lastError, now, now, e.EntityType, e.EntityID, string(e.Op))
	if err != nil {
		return rewardsync.Storage("queue.dead_letter", err)
	}
	return nil
}

func (s *Store) MarkConflicted(ctx context.Context, e *rewardsync.QueueEntry, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET state = 'conflicted', last_error = ?
		WHERE entity_type = ? AND entity_id = ? AND op = ?
	`, lastError, e.EntityType, e.EntityID, string(e.Op))
	if err != nil {
		return rewardsync.Storage("queue.conflicted", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, entityType, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	if err != nil {
		return rewardsync.Storage("queue.remove", err)
	}
	return nil
}

func (s *Store) PendingFor(ctx context.Context, entityType, entityID string) ([]*rewardsync.QueueEntry, error) {
	return s.queueWhere(ctx, `entity_type = ? AND entity_id = ? AND state IN ('pending', 'in_flight')
		ORDER BY enqueued_at`, entityType, entityID)
}

// DeadLetters lists parked entries for the diagnostics surface.
func (s *Store) DeadLetters(ctx context.Context) ([]*rewardsync.QueueEntry, error) {
	return s.queueWhere(ctx, `state = 'dead_lettered' ORDER BY enqueued_at`)
}

func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE state IN ('pending', 'in_flight')
	`).Scan(&n)
	if err != nil {
		return 0, rewardsync.Storage("queue.depth", err)
	}
	return n, nil
}

func (s *Store) queueWhere(ctx context.Context, where string, args ...any) ([]*rewardsync.QueueEntry, error) {
	const op = "queue.list"
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE `+where, args...)
	if err != nil {
		return nil, rewardsync.Storage(op, err)
	}
	defer rows.Close()

	var out []*rewardsync.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, rewardsync.Storage(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, rewardsync.Storage(op, err)
	}
	return out, nil
}

func scanQueueEntry(row rowScanner) (*rewardsync.QueueEntry, error) {
	var e rewardsync.QueueEntry
	var opStr, snapshot, state string
	var scheduledAt, enqueuedAt int64
	err := row.Scan(&e.EntityType, &e.EntityID, &opStr, &snapshot, &e.Priority,
		&e.RetryCount, &e.MaxRetries, &e.LastError, &scheduledAt, &enqueuedAt, &state)
	if err != nil {
		return nil, err
	}
	e.Op = rewardsync.Op(opStr)
	e.Snapshot = json.RawMessage(snapshot)
	e.ScheduledAt = time.Unix(0, scheduledAt).UTC()
	e.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	e.State = rewardsync.EntryState(state)
	return &e, nil
}

var _ rewardsync.LocalStore = (*Store)(nil)
var _ rewardsync.QueueStore = (*Store)(nil)
