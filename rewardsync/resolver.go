// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import "time"

// Resolver reconciles divergent copies of the same record. Policy is
// last-writer-wins: the strictly higher version wins outright; on equal
// versions the later updated_at wins; on a full tie the remote copy wins
// because the remote store is authoritative. The losing payload is preserved
// in a ConflictNote on the winner.
//
// Field-level merge is deliberately out of scope: the domain is
// single-user-per-account, so overlapping edits are rare and recency is an
// acceptable arbiter.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a resolver. A nil clock uses time.Now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolution is the resolver's verdict.
type Resolution struct {
	// Winner is a copy of the surviving record with the loser's payload
	// attached as a ConflictNote.
	Winner *Record
	Loser  *Record
	// RemoteWon reports whether the remote copy survived. When false the
	// local copy must be re-pushed against the remote's version.
	RemoteWon bool
}

// Resolve picks the surviving copy of a record. Deterministic: the same two
// copies always produce the same winner.
func (r *Resolver) Resolve(local, remote *Record) Resolution {
	remoteWins := true
	switch {
	case local.Version > remote.Version:
		remoteWins = false
	case local.Version < remote.Version:
		remoteWins = true
	case local.UpdatedAt.After(remote.UpdatedAt):
		remoteWins = false
	}

	winner, loser := remote, local
	if !remoteWins {
		winner, loser = local, remote
	}

	resolved := winner.Clone()
	resolved.Conflict = &ConflictNote{
		Discarded:        append([]byte(nil), loser.Payload...),
		DiscardedVersion: loser.Version,
		Reason:           reasonFor(local, remote, remoteWins),
		NotedAt:          r.now().UTC(),
	}
	return Resolution{Winner: resolved, Loser: loser.Clone(), RemoteWon: remoteWins}
}

func reasonFor(local, remote *Record, remoteWins bool) string {
	if local.Version != remote.Version {
		if remoteWins {
			return "remote version higher"
		}
		return "local version higher"
	}
	if remoteWins {
		return "equal versions, remote more recent"
	}
	return "equal versions, local more recent"
}
