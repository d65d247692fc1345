// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"context"
	"encoding/json"
	"time"
)

// Op identifies a queued mutation type.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// EntryState is the sync queue entry state machine:
// pending → in_flight → {confirmed (removed) | pending (retry) | dead_lettered | conflicted}.
type EntryState string

const (
	EntryPending      EntryState = "pending"
	EntryInFlight     EntryState = "in_flight"
	EntryDeadLettered EntryState = "dead_lettered"
	EntryConflicted   EntryState = "conflicted"
)

// QueueEntry is one durable pending mutation. The triple
// (EntityType, EntityID, Op) is unique: re-enqueuing the same logical
// mutation replaces the prior entry instead of duplicating it.
type QueueEntry struct {
	EntityType string
	EntityID   string
	Op         Op
	// Snapshot is the full record captured at enqueue time. It must survive
	// process restart; the drain never reads live state to build the replay.
	Snapshot    json.RawMessage
	Priority    int
	RetryCount  int
	MaxRetries  int
	LastError   string
	ScheduledAt time.Time
	EnqueuedAt  time.Time
	State       EntryState
}

// DecodeSnapshot unmarshals the captured record.
func (e *QueueEntry) DecodeSnapshot() (*Record, error) {
	var rec Record
	if err := json.Unmarshal(e.Snapshot, &rec); err != nil {
		return nil, E(KindStorage, "queue.decode", "corrupt payload snapshot", err)
	}
	return &rec, nil
}

// LocalStore is the narrow contract over the durable embedded database. It is
// the sole mutation path for cached rows; nothing writes around it.
// Implementations return errors with KindStorage (or KindNotFound for reads).
type LocalStore interface {
	Upsert(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, entityType, id string) (*Record, error)
	Query(ctx context.Context, entityType string, f Filter) ([]*Record, error)
	DeleteByID(ctx context.Context, entityType, id string) error

	// RemapID atomically renames a record id across the entity row, every
	// queue entry for that id, and every payload reference to it
	// (category_id, option_id). All-or-nothing: one transaction.
	RemapID(ctx context.Context, entityType, oldID, newID string) error

	// DeleteCategoryReassign deletes a category and reassigns dependent
	// reward entries to the fallback category in one transaction.
	DeleteCategoryReassign(ctx context.Context, categoryID, fallbackID string) error
}

// QueueStore is the durable FIFO-with-priority queue of pending mutations.
type QueueStore interface {
	// Enqueue inserts or replaces the entry keyed by (type, id, op).
	Enqueue(ctx context.Context, e *QueueEntry) error
	// Due returns pending entries whose ScheduledAt has passed, ordered by
	// priority (high first) then enqueue time.
	Due(ctx context.Context, now time.Time, limit int) ([]*QueueEntry, error)
	MarkInFlight(ctx context.Context, entityType, entityID string, op Op) error
	// Confirm removes the entry after the remote store acknowledged it.
	Confirm(ctx context.Context, entityType, entityID string, op Op) error
	// Reschedule returns the entry to pending with an updated retry count,
	// error note and next-eligible time.
	Reschedule(ctx context.Context, e *QueueEntry, nextAt time.Time, lastError string) error
	// DeadLetter parks the entry permanently; it is never auto-retried.
	DeadLetter(ctx context.Context, e *QueueEntry, lastError string) error
	// MarkConflicted parks the entry for the conflict resolver's verdict.
	MarkConflicted(ctx context.Context, e *QueueEntry, lastError string) error
	// Remove drops all queue entries for a record regardless of state.
	Remove(ctx context.Context, entityType, entityID string) error
	PendingFor(ctx context.Context, entityType, entityID string) ([]*QueueEntry, error)
	DeadLetters(ctx context.Context) ([]*QueueEntry, error)
	Depth(ctx context.Context) (int, error)
}

// Remote is the thin transactional contract to the authoritative cloud store.
// Implementations classify every failure into the closed taxonomy at this
// boundary: KindTransient, KindNotFound, KindPermission, KindValidation or
// KindConflict (with the server copy attached).
type Remote interface {
	// Create writes a new record and returns the canonical stored copy. The
	// returned id may differ from the client-generated one; callers must
	// treat the returned record as authoritative.
	Create(ctx context.Context, rec *Record) (*Record, error)
	Update(ctx context.Context, rec *Record) (*Record, error)
	Delete(ctx context.Context, entityType, id string, expectedVersion int64) error
	Get(ctx context.Context, entityType, id string) (*Record, error)
	Query(ctx context.Context, entityType string, f Filter) ([]*Record, error)
	// Aggregate returns the confirmed point total for an owner.
	Aggregate(ctx context.Context, ownerID string) (int64, error)
}

// Oracle reports current reachability of the remote store. Advisory only:
// callers must not treat true as a guarantee that a write will succeed.
type Oracle interface {
	HasConnection() bool
}
