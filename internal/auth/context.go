// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import "context"

type contextKey string

const ownerIDKey contextKey = "owner_id"

// SetOwnerID sets the authenticated account id in the context.
func SetOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// GetOwnerID retrieves the authenticated account id from the context.
func GetOwnerID(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerIDKey).(string)
	return ownerID, ok
}
