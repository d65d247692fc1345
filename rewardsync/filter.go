// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"encoding/json"
	"sort"
	"time"
)

// Filter is the single structured predicate used by both read paths. The
// local store compiles it to SQL and the remote client to query parameters,
// so list() returns the same logical set regardless of which path served it.
type Filter struct {
	OwnerID       string
	CategoryID    string // matches payload category_id (reward entries)
	OptionID      string // matches payload option_id (redemption transactions)
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// payloadRefs is the subset of payload fields the filter can reach into.
type payloadRefs struct {
	CategoryID string `json:"category_id"`
	OptionID   string `json:"option_id"`
}

// Match is the canonical in-memory form of the predicate. It is the reference
// semantics that both storage backends must reproduce; tests compare their
// results against it.
func (f Filter) Match(r *Record) bool {
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	if f.CreatedAfter != nil && !r.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !r.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.CategoryID != "" || f.OptionID != "" {
		var refs payloadRefs
		if err := json.Unmarshal(r.Payload, &refs); err != nil {
			return false
		}
		if f.CategoryID != "" && refs.CategoryID != f.CategoryID {
			return false
		}
		if f.OptionID != "" && refs.OptionID != f.OptionID {
			return false
		}
	}
	return true
}

// Page bounds a list call. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

// PageResult is one page of list results.
type PageResult struct {
	Records []*Record
	HasMore bool
}

// sortRecords orders records deterministically: creation time, then id as a
// tiebreak. Both read paths page over this order.
func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// paginate applies page bounds after deterministic ordering.
func paginate(records []*Record, page Page) *PageResult {
	sortRecords(records)
	if page.Offset > len(records) {
		return &PageResult{Records: nil, HasMore: false}
	}
	records = records[page.Offset:]
	hasMore := false
	if page.Limit > 0 && len(records) > page.Limit {
		records = records[:page.Limit]
		hasMore = true
	}
	return &PageResult{Records: records, HasMore: hasMore}
}
