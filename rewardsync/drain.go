// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// QueueManager drives the durable sync queue: it replays pending mutations
// against the remote store in priority order (FIFO per entity id), applies
// retry with capped exponential backoff, parks exhausted entries as dead
// letters and hands permanent rejections to the conflict resolver.
type QueueManager struct {
	queue    QueueStore
	local    LocalStore
	remote   Remote
	oracle   Oracle
	resolver *Resolver
	locks    *keyedMutex
	cfg      *Config
	logger   *slog.Logger
	publish  func(ctx context.Context, ownerID string)

	drainCh chan struct{}
	rngMu   sync.Mutex
	rng     *rand.Rand

	wasOnline bool
}

// DrainStats summarizes one drain cycle.
type DrainStats struct {
	Attempted    int
	Confirmed    int
	Rescheduled  int
	DeadLettered int
	Conflicted   int
}

type entryOutcome int

const (
	outcomeConfirmed entryOutcome = iota
	outcomeRescheduled
	outcomeDeadLettered
	outcomeConflicted
)

// Run executes the drain loop until the context is cancelled. Drains fire on
// the periodic ticker, on TriggerDrain, and on an observed offline→online
// transition. Triggers are coalesced: a connectivity flap while a drain is in
// progress results in at most one follow-up drain, never concurrent ones.
func (m *QueueManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()

	probe := time.NewTicker(time.Second)
	defer probe.Stop()

	m.wasOnline = m.oracle.HasConnection()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.drainCh:
		case <-ticker.C:
		case <-probe.C:
			online := m.oracle.HasConnection()
			regained := online && !m.wasOnline
			m.wasOnline = online
			if !regained {
				continue
			}
			m.logger.Info("connectivity regained, draining sync queue")
		}
		if _, err := m.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("drain cycle failed", "error", err)
		}
	}
}

// TriggerDrain requests a drain (connectivity regained, app foregrounded).
// Non-blocking; redundant triggers coalesce into one pending drain.
func (m *QueueManager) TriggerDrain() {
	select {
	case m.drainCh <- struct{}{}:
	default:
	}
}

// DrainOnce walks the due queue entries once. Entries are grouped by entity
// id; groups run concurrently up to the fan-out limit while entries within a
// group stay strictly sequential. An entry not confirmed when the context is
// cancelled simply remains pending for the next cycle; queue entries are only
// removed after the remote store confirmed the mutation.
func (m *QueueManager) DrainOnce(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	if !m.oracle.HasConnection() {
		return stats, nil
	}

	entries, err := m.queue.Due(ctx, time.Now().UTC(), m.cfg.DrainBatch)
	if err != nil {
		return stats, err
	}
	if len(entries) == 0 {
		return stats, nil
	}

	// Group per entity id in first-seen (priority) order. Within a group the
	// replay order is enqueue order, regardless of priority: a CREATE must
	// reach the remote before the UPDATE that follows it.
	type group struct {
		key     string
		entries []*QueueEntry
	}
	index := make(map[string]int)
	var groups []*group
	for _, e := range entries {
		key := lockKey(e.EntityType, e.EntityID)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, &group{key: key})
		}
		groups[i].entries = append(groups[i].entries, e)
	}
	for _, g := range groups {
		entriesByEnqueue(g.entries)
	}

	var mu sync.Mutex
	owners := make(map[string]struct{})

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(m.cfg.DrainFanOut)
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			for _, e := range g.entries {
				if gctx.Err() != nil {
					return nil
				}
				unlock := m.locks.Lock(g.key)
				outcome, ownerID := m.processEntry(gctx, e)
				unlock()

				mu.Lock()
				stats.Attempted++
				switch outcome {
				case outcomeConfirmed:
					stats.Confirmed++
				case outcomeRescheduled:
					stats.Rescheduled++
				case outcomeDeadLettered:
					stats.DeadLettered++
				case outcomeConflicted:
					stats.Conflicted++
				}
				if ownerID != "" {
					owners[ownerID] = struct{}{}
				}
				mu.Unlock()

				if outcome == outcomeRescheduled {
					// Transient failure: later entries for this id would
					// apply out of order, leave them for the next cycle.
					return nil
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return stats, err
	}

	if m.publish != nil {
		for ownerID := range owners {
			m.publish(ctx, ownerID)
		}
	}
	m.logger.Debug("drain cycle finished",
		"attempted", stats.Attempted, "confirmed", stats.Confirmed,
		"rescheduled", stats.Rescheduled, "dead_lettered", stats.DeadLettered,
		"conflicted", stats.Conflicted)
	return stats, nil
}

// processEntry replays one queue entry. Caller holds the per-id lock.
func (m *QueueManager) processEntry(ctx context.Context, e *QueueEntry) (entryOutcome, string) {
	if err := m.queue.MarkInFlight(ctx, e.EntityType, e.EntityID, e.Op); err != nil {
		m.logger.Warn("failed to mark entry in flight", "type", e.EntityType, "id", e.EntityID, "error", err)
		return outcomeRescheduled, ""
	}

	snapshot, err := e.DecodeSnapshot()
	if err != nil {
		// A snapshot that cannot be decoded will never replay; park it.
		if derr := m.queue.DeadLetter(ctx, e, err.Error()); derr != nil {
			m.logger.Error("failed to dead-letter corrupt entry", "error", derr)
		}
		return outcomeDeadLettered, ""
	}
	ownerID := snapshot.OwnerID

	rctx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
	defer cancel()

	switch e.Op {
	case OpCreate:
		return m.replayCreate(ctx, rctx, e, snapshot), ownerID
	case OpUpdate:
		return m.replayUpdate(ctx, rctx, e, snapshot), ownerID
	case OpDelete:
		return m.replayDelete(ctx, rctx, e, snapshot), ownerID
	default:
		if derr := m.queue.DeadLetter(ctx, e, fmt.Sprintf("unknown operation %q", e.Op)); derr != nil {
			m.logger.Error("failed to dead-letter entry", "error", derr)
		}
		return outcomeDeadLettered, ownerID
	}
}

func (m *QueueManager) replayCreate(ctx, rctx context.Context, e *QueueEntry, snapshot *Record) entryOutcome {
	canonical, err := m.remote.Create(rctx, snapshot)
	switch {
	case err == nil:
		if canonical.ID != snapshot.ID {
			// The remote assigned its own key. The row, its queue entries
			// and every payload reference move together or not at all.
			if rerr := m.local.RemapID(ctx, e.EntityType, snapshot.ID, canonical.ID); rerr != nil {
				return m.retryOrDeadLetter(ctx, e, rerr)
			}
			e.EntityID = canonical.ID
		}
		return m.confirm(ctx, e, canonical)
	case IsConflict(err):
		remote := RemoteCopy(err)
		if remote != nil && payloadsEqual(snapshot.Payload, remote.Payload) {
			// Replay after a crash that lost the dequeue: the remote already
			// holds this exact write. Confirming instead of re-applying keeps
			// replay idempotent.
			return m.confirm(ctx, e, remote)
		}
		return m.conflicted(ctx, e, snapshot, remote, err)
	case IsTransient(err):
		return m.retryOrDeadLetter(ctx, e, err)
	default:
		return m.conflicted(ctx, e, snapshot, RemoteCopy(err), err)
	}
}

func (m *QueueManager) replayUpdate(ctx, rctx context.Context, e *QueueEntry, snapshot *Record) entryOutcome {
	updated, err := m.remote.Update(rctx, snapshot)
	switch {
	case err == nil:
		return m.confirm(ctx, e, updated)
	case IsConflict(err):
		remote := RemoteCopy(err)
		if remote != nil && payloadsEqual(snapshot.Payload, remote.Payload) {
			return m.confirm(ctx, e, remote)
		}
		return m.conflicted(ctx, e, snapshot, remote, err)
	case IsNotFound(err):
		// The record vanished remotely. Keep the local copy but flag it so
		// the user sees the divergence instead of a silent revert.
		return m.conflicted(ctx, e, snapshot, nil, err)
	case IsTransient(err):
		return m.retryOrDeadLetter(ctx, e, err)
	default:
		return m.conflicted(ctx, e, snapshot, RemoteCopy(err), err)
	}
}

func (m *QueueManager) replayDelete(ctx, rctx context.Context, e *QueueEntry, snapshot *Record) entryOutcome {
	err := m.remote.Delete(rctx, e.EntityType, e.EntityID, snapshot.Version)
	switch {
	case err == nil, IsNotFound(err):
		// Already-gone is success: deletes replay idempotently.
		if serr := m.local.DeleteByID(ctx, e.EntityType, e.EntityID); serr != nil && !IsNotFound(serr) {
			return m.retryOrDeadLetter(ctx, e, serr)
		}
		if cerr := m.queue.Confirm(ctx, e.EntityType, e.EntityID, e.Op); cerr != nil {
			m.logger.Error("failed to confirm delete entry", "error", cerr)
			return outcomeRescheduled
		}
		return outcomeConfirmed
	case IsConflict(err):
		return m.conflicted(ctx, e, snapshot, RemoteCopy(err), err)
	case IsTransient(err):
		return m.retryOrDeadLetter(ctx, e, err)
	default:
		return m.conflicted(ctx, e, snapshot, RemoteCopy(err), err)
	}
}

// confirm finalizes a confirmed replay: the local row takes the remote's
// version stamp and synced status, then the queue entry is removed. The order
// matters; a crash in between re-runs the replay, which is idempotent.
func (m *QueueManager) confirm(ctx context.Context, e *QueueEntry, canonical *Record) entryOutcome {
	canonical = canonical.Clone()
	canonical.Status = StatusSynced
	canonical.Conflict = nil
	if err := m.local.Upsert(ctx, canonical); err != nil {
		m.logger.Error("failed to mirror confirmed record", "type", e.EntityType, "id", e.EntityID, "error", err)
		return outcomeRescheduled
	}
	if err := m.queue.Confirm(ctx, e.EntityType, e.EntityID, e.Op); err != nil {
		m.logger.Error("failed to remove confirmed entry", "type", e.EntityType, "id", e.EntityID, "error", err)
		return outcomeRescheduled
	}
	return outcomeConfirmed
}

// retryOrDeadLetter pushes the entry's next attempt out with backoff, or
// parks it once the retry ceiling is reached.
func (m *QueueManager) retryOrDeadLetter(ctx context.Context, e *QueueEntry, cause error) entryOutcome {
	retry := e.RetryCount + 1
	if retry >= e.MaxRetries {
		if err := m.queue.DeadLetter(ctx, e, cause.Error()); err != nil {
			m.logger.Error("failed to dead-letter entry", "type", e.EntityType, "id", e.EntityID, "error", err)
			return outcomeRescheduled
		}
		m.logger.Warn("queue entry dead-lettered",
			"type", e.EntityType, "id", e.EntityID, "op", e.Op, "retries", retry, "error", cause)
		return outcomeDeadLettered
	}

	m.rngMu.Lock()
	delay := nextBackoff(retry, m.cfg.BackoffMin, m.cfg.BackoffMax, m.rng)
	m.rngMu.Unlock()

	nextAt := time.Now().UTC().Add(delay)
	if err := m.queue.Reschedule(ctx, e, nextAt, cause.Error()); err != nil {
		m.logger.Error("failed to reschedule entry", "type", e.EntityType, "id", e.EntityID, "error", err)
	}
	return outcomeRescheduled
}

// conflicted routes a permanent rejection to the resolver. The queue entry is
// parked either way; when the local copy wins a fresh UPDATE is queued on the
// remote's version so the local intent is re-pushed rather than retried
// blindly.
func (m *QueueManager) conflicted(ctx context.Context, e *QueueEntry, snapshot, remote *Record, cause error) entryOutcome {
	if remote == nil {
		// No server copy to merge against: flag the local row and park.
		local, lerr := m.local.GetByID(ctx, e.EntityType, e.EntityID)
		if lerr == nil {
			local.Status = StatusConflicted
			local.Conflict = &ConflictNote{
				Discarded:        append([]byte(nil), snapshot.Payload...),
				DiscardedVersion: snapshot.Version,
				Reason:           cause.Error(),
				NotedAt:          time.Now().UTC(),
			}
			if serr := m.local.Upsert(ctx, local); serr != nil {
				m.logger.Error("failed to flag conflicted record", "error", serr)
			}
		}
		if err := m.queue.MarkConflicted(ctx, e, cause.Error()); err != nil {
			m.logger.Error("failed to park conflicted entry", "error", err)
		}
		return outcomeConflicted
	}

	res := m.resolver.Resolve(snapshot, remote)
	winner := res.Winner
	if res.RemoteWon {
		winner.Status = StatusConflicted
		if err := m.local.Upsert(ctx, winner); err != nil {
			m.logger.Error("failed to store conflict winner", "error", err)
			return outcomeRescheduled
		}
		if err := m.queue.MarkConflicted(ctx, e, cause.Error()); err != nil {
			m.logger.Error("failed to park conflicted entry", "error", err)
		}
		return outcomeConflicted
	}

	// Local intent survives: re-push it as an UPDATE based on the remote's
	// current version.
	winner.Version = remote.Version
	winner.Status = StatusPendingUpdate
	if err := m.local.Upsert(ctx, winner); err != nil {
		m.logger.Error("failed to store conflict winner", "error", err)
		return outcomeRescheduled
	}
	if err := m.queue.Confirm(ctx, e.EntityType, e.EntityID, e.Op); err != nil {
		m.logger.Error("failed to retire superseded entry", "error", err)
	}
	entry, err := newQueueEntry(OpUpdate, winner, m.cfg.MaxRetries)
	if err != nil {
		m.logger.Error("failed to snapshot re-push", "error", err)
		return outcomeRescheduled
	}
	if err := m.queue.Enqueue(ctx, entry); err != nil {
		m.logger.Error("failed to enqueue re-push", "error", err)
		return outcomeRescheduled
	}
	return outcomeConflicted
}

// entriesByEnqueue sorts a group's entries into replay order.
func entriesByEnqueue(entries []*QueueEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].EnqueuedAt.Before(entries[j-1].EnqueuedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// payloadsEqual compares two JSON payloads structurally.
func payloadsEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
