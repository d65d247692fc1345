// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The taxonomy is closed: every error crossing a
// component boundary carries exactly one kind, constructed at the boundary
// where the failure is first observed (remote client, local store, or
// validation). Layers above switch on kind, never on message text.
type Kind int

const (
	// KindValidation is a business-rule violation. Never retried, never
	// queued, always surfaced to the caller immediately.
	KindValidation Kind = iota + 1
	// KindNotFound means the record does not exist in the consulted store.
	KindNotFound
	// KindPermission is a permanent authorization failure from the remote.
	KindPermission
	// KindTransient is a recoverable transport failure (network, timeout,
	// 5xx). Triggers the offline fallback path and queued retry.
	KindTransient
	// KindStorage is a local durable-storage error. Fatal for the call.
	KindStorage
	// KindConflict means local and remote copies of a record diverge. Routed
	// to the conflict resolver, never silently dropped.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindTransient:
		return "transient"
	case KindStorage:
		return "storage"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every core component.
type Error struct {
	Kind    Kind
	Op      string // e.g. "repo.create reward_entries"
	Message string
	Err     error
	// Remote carries the server's copy of the record on conflict responses,
	// so the resolver does not need an extra round trip.
	Remote *Record
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Validationf builds a validation failure with a formatted message.
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFoundErr builds a not-found failure for the given record identity.
func NotFoundErr(op, entityType, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s/%s not found", entityType, id)}
}

// Transient wraps a transport failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Storage wraps a local durable-storage failure.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// Conflictf builds a conflict failure, optionally carrying the remote copy.
func Conflictf(op string, remote *Record, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...), Remote: remote}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// kind 0 so callers can tell "no taxonomy" from any real kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// RemoteCopy extracts the server-side record attached to a conflict error.
func RemoteCopy(err error) *Record {
	var e *Error
	if errors.As(err, &e) {
		return e.Remote
	}
	return nil
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsPermission(err error) bool { return KindOf(err) == KindPermission }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
func IsStorage(err error) bool    { return KindOf(err) == KindStorage }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
