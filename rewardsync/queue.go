// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"encoding/json"
	"math/rand"
	"time"
)

// Priority tiers for queued mutations. Deletes and point-affecting mutations
// drain before cosmetic updates.
const (
	PriorityCosmetic = 10
	PriorityPoints   = 20
	PriorityDelete   = 30
)

// priorityFor assigns the drain priority of a mutation.
func priorityFor(op Op, entityType string) int {
	if op == OpDelete {
		return PriorityDelete
	}
	switch entityType {
	case TypeRewardEntry, TypeRedemptionTransaction:
		return PriorityPoints
	default:
		return PriorityCosmetic
	}
}

// newQueueEntry snapshots a record into a pending queue entry. The snapshot
// is a full serialized copy, not a live reference; replay after a process
// restart works from exactly what was captured here.
func newQueueEntry(op Op, rec *Record, maxRetries int) (*QueueEntry, error) {
	snapshot, err := json.Marshal(rec)
	if err != nil {
		return nil, E(KindStorage, "queue.enqueue", "failed to snapshot record", err)
	}
	now := time.Now().UTC()
	return &QueueEntry{
		EntityType:  rec.EntityType,
		EntityID:    rec.ID,
		Op:          op,
		Snapshot:    snapshot,
		Priority:    priorityFor(op, rec.EntityType),
		MaxRetries:  maxRetries,
		ScheduledAt: now,
		EnqueuedAt:  now,
		State:       EntryPending,
	}, nil
}

// nextBackoff computes the retry delay: exponential with jitter, capped.
// scheduledAt = now + min(cap, base * 2^retryCount) + jitter.
func nextBackoff(retryCount int, base, cap time.Duration, rng *rand.Rand) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	jitter := time.Duration(rng.Int63n(int64(base) + 1))
	return d + jitter
}
