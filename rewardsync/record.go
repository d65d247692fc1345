// Package rewardsync implements the offline-first synchronization core for
// the airewards reward-tracking application.
//
// Every domain read/write flows through the Repository façade, which keeps a
// local SQLite cache and a remote authoritative store consistent under
// intermittent connectivity. Writes that cannot be confirmed remotely are
// committed locally and appended to a durable queue that a background drain
// replays with retry/backoff; divergent copies of a record are reconciled by
// a last-writer-wins conflict resolver.
// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity type constants. These double as table identifiers in the local store
// and as path segments in the remote wire protocol.
const (
	TypeRewardEntry           = "reward_entries"
	TypeCategory              = "categories"
	TypeRedemptionOption      = "redemption_options"
	TypeRedemptionTransaction = "redemption_transactions"
	TypeProfile               = "profiles"
)

// SyncStatus tracks where a record stands relative to the remote store.
type SyncStatus string

const (
	StatusSynced        SyncStatus = "synced"
	StatusPendingCreate SyncStatus = "pending_create"
	StatusPendingUpdate SyncStatus = "pending_update"
	StatusPendingDelete SyncStatus = "pending_delete"
	StatusConflicted    SyncStatus = "conflicted"
)

// ConflictNote preserves the losing copy of a resolved conflict. The payload
// is never silently dropped; it stays attached to the winner until the user
// acknowledges it.
type ConflictNote struct {
	Discarded        json.RawMessage `json:"discarded"`
	DiscardedVersion int64           `json:"discarded_version"`
	Reason           string          `json:"reason"`
	NotedAt          time.Time       `json:"noted_at"`
}

// Record is the generic synchronized entity. Domain payloads (reward entries,
// categories, redemption options/transactions, profiles) are carried as JSON
// so that the store, queue, resolver and wire protocol are written once.
type Record struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	EntityType string          `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	Version    int64           `json:"version"`
	Status     SyncStatus      `json:"sync_status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Conflict   *ConflictNote   `json:"conflict,omitempty"`
}

// NewRecord creates a record with a client-generated UUID id and version 0.
// Version 0 means "never confirmed by the remote store"; the first confirmed
// remote write bumps it to 1.
func NewRecord(entityType, ownerID string, payload any) (*Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	now := time.Now().UTC()
	return &Record{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		EntityType: entityType,
		Payload:    data,
		Version:    0,
		Status:     StatusPendingCreate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Conflict != nil {
		note := *r.Conflict
		note.Discarded = append(json.RawMessage(nil), r.Conflict.Discarded...)
		cp.Conflict = &note
	}
	return &cp
}

// Decode unmarshals the record payload into the given domain struct.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", r.EntityType, err)
	}
	return nil
}

// SetPayload replaces the record payload and refreshes the update timestamp.
func (r *Record) SetPayload(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	r.Payload = data
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Pending reports whether the record carries a local mutation the remote
// store has not confirmed yet.
func (r *Record) Pending() bool {
	switch r.Status {
	case StatusPendingCreate, StatusPendingUpdate, StatusPendingDelete:
		return true
	default:
		return false
	}
}
