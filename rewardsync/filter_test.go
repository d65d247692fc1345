// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	now := time.Now().UTC()
	rec, err := NewRecord(TypeRewardEntry, "owner-1", RewardEntry{
		Title: "Chore", Points: 100, CategoryID: "cat-1",
	})
	require.NoError(t, err)
	rec.CreatedAt = now

	require.True(t, Filter{}.Match(rec))
	require.True(t, Filter{OwnerID: "owner-1"}.Match(rec))
	require.False(t, Filter{OwnerID: "owner-2"}.Match(rec))
	require.True(t, Filter{CategoryID: "cat-1"}.Match(rec))
	require.False(t, Filter{CategoryID: "cat-2"}.Match(rec))
	require.False(t, Filter{OptionID: "opt-1"}.Match(rec), "reward entries carry no option_id")

	before := now.Add(-time.Minute)
	after := now.Add(time.Minute)
	require.True(t, Filter{CreatedAfter: &before}.Match(rec))
	require.False(t, Filter{CreatedAfter: &after}.Match(rec))
	require.True(t, Filter{CreatedBefore: &after}.Match(rec))
	require.False(t, Filter{CreatedBefore: &before}.Match(rec))

	// Bounds are strict: a record created exactly at the bound is excluded.
	require.False(t, Filter{CreatedAfter: &now}.Match(rec))
	require.False(t, Filter{CreatedBefore: &now}.Match(rec))
}

func TestPaginateDeterministicOrder(t *testing.T) {
	base := time.Now().UTC()
	recs := []*Record{
		{ID: "b", CreatedAt: base},
		{ID: "a", CreatedAt: base},
		{ID: "c", CreatedAt: base.Add(-time.Minute)},
	}

	page := paginate(recs, Page{})
	require.Equal(t, []string{"c", "a", "b"}, recordIDs(page.Records),
		"creation time first, id as tiebreak")
	require.False(t, page.HasMore)
}

func TestPaginateBounds(t *testing.T) {
	base := time.Now().UTC()
	var recs []*Record
	for _, id := range []string{"a", "b", "c", "d"} {
		recs = append(recs, &Record{ID: id, CreatedAt: base})
	}

	page := paginate(recs, Page{Limit: 3})
	require.Equal(t, []string{"a", "b", "c"}, recordIDs(page.Records))
	require.True(t, page.HasMore)

	page = paginate(recs, Page{Limit: 3, Offset: 3})
	require.Equal(t, []string{"d"}, recordIDs(page.Records))
	require.False(t, page.HasMore)

	page = paginate(recs, Page{Offset: 10})
	require.Empty(t, page.Records)
	require.False(t, page.HasMore)
}

func recordIDs(recs []*Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestAggregateHubReplacesStaleValues(t *testing.T) {
	hub := newAggregateHub()
	ch, cancel := hub.Subscribe("owner-1")
	defer cancel()

	// A slow subscriber misses intermediate totals but never the latest.
	hub.Publish("owner-1", 100)
	hub.Publish("owner-1", 200)
	hub.Publish("owner-1", 300)
	require.Equal(t, int64(300), <-ch)

	// A late subscriber is seeded with the last published value.
	late, cancelLate := hub.Subscribe("owner-1")
	defer cancelLate()
	require.Equal(t, int64(300), <-late)
}

func TestAggregateHubCancelReleasesSubscription(t *testing.T) {
	hub := newAggregateHub()
	_, cancel := hub.Subscribe("owner-1")
	cancel()

	// Publishing after cancel must not block or panic.
	hub.Publish("owner-1", 42)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Empty(t, hub.subs["owner-1"])
}
