// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func conflictPair(t *testing.T, localVersion, remoteVersion int64, localAt, remoteAt time.Time) (*Record, *Record) {
	t.Helper()
	local, err := NewRecord(TypeProfile, "owner-1", Profile{DisplayName: "local"})
	require.NoError(t, err)
	local.ID = "rec-1"
	local.Version = localVersion
	local.UpdatedAt = localAt

	remote := local.Clone()
	require.NoError(t, remote.SetPayload(Profile{DisplayName: "remote"}))
	remote.Version = remoteVersion
	remote.UpdatedAt = remoteAt
	return local, remote
}

func TestResolveHigherVersionWins(t *testing.T) {
	now := time.Now().UTC()
	r := NewResolver(nil)

	local, remote := conflictPair(t, 5, 2, now.Add(-time.Hour), now)
	res := r.Resolve(local, remote)
	require.False(t, res.RemoteWon, "version outranks recency")
	require.Equal(t, int64(5), res.Winner.Version)

	local, remote = conflictPair(t, 2, 5, now, now.Add(-time.Hour))
	res = r.Resolve(local, remote)
	require.True(t, res.RemoteWon)
	require.Equal(t, int64(5), res.Winner.Version)
}

func TestResolveEqualVersionsLaterTimestampWins(t *testing.T) {
	now := time.Now().UTC()
	r := NewResolver(nil)

	local, remote := conflictPair(t, 3, 3, now, now.Add(-time.Minute))
	res := r.Resolve(local, remote)
	require.False(t, res.RemoteWon)

	local, remote = conflictPair(t, 3, 3, now.Add(-time.Minute), now)
	res = r.Resolve(local, remote)
	require.True(t, res.RemoteWon)
}

func TestResolveFullTieRemoteWins(t *testing.T) {
	now := time.Now().UTC()
	r := NewResolver(nil)

	local, remote := conflictPair(t, 3, 3, now, now)
	res := r.Resolve(local, remote)
	require.True(t, res.RemoteWon, "the authoritative store breaks full ties")
}

func TestResolveIsDeterministic(t *testing.T) {
	now := time.Now().UTC()
	r := NewResolver(nil)
	local, remote := conflictPair(t, 3, 3, now.Add(-time.Second), now)

	first := r.Resolve(local, remote)
	for i := 0; i < 10; i++ {
		again := r.Resolve(local, remote)
		require.Equal(t, first.RemoteWon, again.RemoteWon)
		require.JSONEq(t, string(first.Winner.Payload), string(again.Winner.Payload))
	}
}

func TestResolvePreservesLoserInConflictNote(t *testing.T) {
	now := time.Now().UTC()
	fixed := func() time.Time { return now }
	r := NewResolver(fixed)

	local, remote := conflictPair(t, 1, 4, now, now)
	res := r.Resolve(local, remote)

	require.NotNil(t, res.Winner.Conflict)
	require.JSONEq(t, string(local.Payload), string(res.Winner.Conflict.Discarded))
	require.Equal(t, int64(1), res.Winner.Conflict.DiscardedVersion)
	require.Equal(t, "remote version higher", res.Winner.Conflict.Reason)
	require.Equal(t, now, res.Winner.Conflict.NotedAt)

	// The inputs are never mutated.
	require.Nil(t, local.Conflict)
	require.Nil(t, remote.Conflict)
}
