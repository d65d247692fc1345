// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import "sync"

// aggregateHub fans out derived-value updates (the running point total per
// owner) to subscribers. Channels are buffered with capacity one and stale
// values are replaced rather than blocking the publisher, so a slow UI
// subscriber only ever misses intermediate totals, never the latest one.
type aggregateHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan int64
	last   map[string]int64
	seeded map[string]bool
}

func newAggregateHub() *aggregateHub {
	return &aggregateHub{
		subs:   make(map[string]map[int]chan int64),
		last:   make(map[string]int64),
		seeded: make(map[string]bool),
	}
}

// Subscribe registers a watcher for an owner's total. The returned cancel
// function must be called to release the subscription.
func (h *aggregateHub) Subscribe(ownerID string) (<-chan int64, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan int64, 1)
	if h.seeded[ownerID] {
		ch <- h.last[ownerID]
	}
	id := h.nextID
	h.nextID++
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[int]chan int64)
	}
	h.subs[ownerID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[ownerID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(h.subs, ownerID)
			}
		}
	}
	return ch, cancel
}

// Publish pushes a new total to every subscriber of the owner.
func (h *aggregateHub) Publish(ownerID string, total int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last[ownerID] = total
	h.seeded[ownerID] = true
	for _, ch := range h.subs[ownerID] {
		select {
		case ch <- total:
		default:
			// Replace the stale buffered value with the latest.
			select {
			case <-ch:
			default:
			}
			ch <- total
		}
	}
}
