// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("airewards sync core - Offline-First Synchronization Layer")
	fmt.Println("=========================================================")
	fmt.Println()
	fmt.Println("airewards keeps a child's reward ledger usable with or without a network:")
	fmt.Println("writes land in a local SQLite store first, a durable queue replays them")
	fmt.Println("against the authoritative server, and version-based last-writer-wins")
	fmt.Println("resolution reconciles divergent copies.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("1. rewardsync/")
	fmt.Println("   Repository façade, sync queue manager, conflict resolver, HTTP remote")
	fmt.Println("   Features: offline fallback, retry/backoff, dead-letter queue, point streams")
	fmt.Println()

	fmt.Println("2. rewardsqlite/")
	fmt.Println("   SQLite local store and durable queue with versioned migrations")
	fmt.Println("   Features: WAL mode, idempotent schema upgrades, atomic id remapping")
	fmt.Println()

	fmt.Println("3. rewardserver/")
	fmt.Println("   Reference authoritative server on PostgreSQL (pgx)")
	fmt.Println("   Features: JWT auth, version-checked writes, conflict envelopes")
	fmt.Println("   Run: see rewardserver tests for wiring against a live database")
	fmt.Println()
}
