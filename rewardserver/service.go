// Package rewardserver is the reference implementation of the authoritative
// remote store: a PostgreSQL-backed record service with version-checked
// writes, fronted by HTTP handlers that speak the rewardsync wire protocol.
// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/713zhao/airewards-sub006/rewardsync"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("record not found")

// ConflictError reports a version-precondition failure and carries the
// server's current copy so clients can resolve without another round trip.
type ConflictError struct {
	Record *rewardsync.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict, server at version %d", e.Record.Version)
}

// ValidationError reports a request the server refuses permanently.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// RecordStore is the server-side storage contract the HTTP handlers talk to.
type RecordStore interface {
	Create(ctx context.Context, ownerID string, rec *rewardsync.Record) (*rewardsync.Record, error)
	Update(ctx context.Context, ownerID string, rec *rewardsync.Record) (*rewardsync.Record, error)
	Delete(ctx context.Context, ownerID, entityType, id string, expectedVersion int64) error
	Get(ctx context.Context, ownerID, entityType, id string) (*rewardsync.Record, error)
	Query(ctx context.Context, ownerID, entityType string, f rewardsync.Filter) ([]*rewardsync.Record, error)
	Aggregate(ctx context.Context, ownerID string) (int64, error)
}

// Service implements RecordStore over a pgx connection pool.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates the service and initializes the schema.
func NewService(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{pool: pool, logger: logger}
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS rewards`,
		`CREATE TABLE IF NOT EXISTS rewards.records (
			entity_type TEXT        NOT NULL,
			id          TEXT        NOT NULL,
			owner_id    TEXT        NOT NULL,
			payload     JSONB       NOT NULL,
			version     BIGINT      NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (entity_type, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rewards_records_owner
			ON rewards.records (owner_id, entity_type)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

const recordCols = `entity_type, id, owner_id, payload, version, created_at, updated_at`

// Create stores a new record at version 1. Creating an id that already
// exists is a conflict carrying the stored copy; replays of a confirmed
// create resolve against it instead of duplicating the row.
func (s *Service) Create(ctx context.Context, ownerID string, rec *rewardsync.Record) (*rewardsync.Record, error) {
	if rec.OwnerID != ownerID {
		return nil, &ValidationError{Message: "record owner does not match authenticated account"}
	}
	var out *rewardsync.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		existing, err := s.getInTx(ctx, tx, ownerID, rec.EntityType, rec.ID)
		if err == nil {
			return &ConflictError{Record: existing}
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		stored := rec.Clone()
		stored.Version = 1
		stored.CreatedAt = createdAt
		stored.UpdatedAt = now
		stored.Status = rewardsync.StatusSynced
		stored.Conflict = nil

		_, err = tx.Exec(ctx, `
			INSERT INTO rewards.records (entity_type, id, owner_id, payload, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, stored.EntityType, stored.ID, stored.OwnerID, []byte(stored.Payload),
			stored.Version, stored.CreatedAt, stored.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		out = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies a version-checked write: the caller's Version must match the
// stored version, which then increments.
func (s *Service) Update(ctx context.Context, ownerID string, rec *rewardsync.Record) (*rewardsync.Record, error) {
	var out *rewardsync.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.getInTx(ctx, tx, ownerID, rec.EntityType, rec.ID)
		if err != nil {
			return err
		}
		if current.Version != rec.Version {
			return &ConflictError{Record: current}
		}

		stored := current.Clone()
		stored.Payload = append([]byte(nil), rec.Payload...)
		stored.Version = current.Version + 1
		stored.UpdatedAt = time.Now().UTC()

		_, err = tx.Exec(ctx, `
			UPDATE rewards.records SET payload = $1, version = $2, updated_at = $3
			WHERE entity_type = $4 AND id = $5 AND owner_id = $6
		`, []byte(stored.Payload), stored.Version, stored.UpdatedAt,
			stored.EntityType, stored.ID, ownerID)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		out = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a record after a version check. Deleting a category
// reassigns its reward entries to the owner's default category inside the
// same transaction, mirroring the client-side invariant.
func (s *Service) Delete(ctx context.Context, ownerID, entityType, id string, expectedVersion int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.getInTx(ctx, tx, ownerID, entityType, id)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return &ConflictError{Record: current}
		}

		if entityType == rewardsync.TypeCategory {
			if err := s.reassignCategoryInTx(ctx, tx, ownerID, id); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM rewards.records WHERE entity_type = $1 AND id = $2 AND owner_id = $3
		`, entityType, id, ownerID)
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return nil
	})
}

func (s *Service) reassignCategoryInTx(ctx context.Context, tx pgx.Tx, ownerID, categoryID string) error {
	var fallbackID string
	err := tx.QueryRow(ctx, `
		SELECT id FROM rewards.records
		WHERE entity_type = $1 AND owner_id = $2 AND (payload ->> 'is_default')::boolean
		LIMIT 1
	`, rewardsync.TypeCategory, ownerID).Scan(&fallbackID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ValidationError{Message: "no default category to reassign entries to"}
	}
	if err != nil {
		return fmt.Errorf("failed to find default category: %w", err)
	}
	if fallbackID == categoryID {
		return &ValidationError{Message: "the default category cannot be deleted"}
	}

	_, err = tx.Exec(ctx, `
		UPDATE rewards.records
		SET payload = jsonb_set(payload, '{category_id}', to_jsonb($1::text)),
			version = version + 1, updated_at = $2
		WHERE entity_type = $3 AND owner_id = $4 AND payload ->> 'category_id' = $5
	`, fallbackID, time.Now().UTC(), rewardsync.TypeRewardEntry, ownerID, categoryID)
	if err != nil {
		return fmt.Errorf("failed to reassign reward entries: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, ownerID, entityType, id string) (*rewardsync.Record, error) {
	var out *rewardsync.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := s.getInTx(ctx, tx, ownerID, entityType, id)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) getInTx(ctx context.Context, tx pgx.Tx, ownerID, entityType, id string) (*rewardsync.Record, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+recordCols+` FROM rewards.records
		WHERE entity_type = $1 AND id = $2 AND owner_id = $3
	`, entityType, id, ownerID)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

// Query applies the structured filter with the same semantics as the local
// store's SQL and Filter.Match.
func (s *Service) Query(ctx context.Context, ownerID, entityType string, f rewardsync.Filter) ([]*rewardsync.Record, error) {
	query := `SELECT ` + recordCols + ` FROM rewards.records WHERE entity_type = $1 AND owner_id = $2`
	args := []any{entityType, ownerID}
	n := 2
	add := func(clause string, arg any) {
		n++
		query += fmt.Sprintf(clause, n)
		args = append(args, arg)
	}
	if f.CategoryID != "" {
		add(` AND payload ->> 'category_id' = $%d`, f.CategoryID)
	}
	if f.OptionID != "" {
		add(` AND payload ->> 'option_id' = $%d`, f.OptionID)
	}
	if f.CreatedAfter != nil {
		add(` AND created_at > $%d`, f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		add(` AND created_at < $%d`, f.CreatedBefore.UTC())
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*rewardsync.Record
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

// Aggregate computes the owner's confirmed point total: earned entry points
// minus redeemed points.
func (s *Service) Aggregate(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT SUM((payload ->> 'points')::bigint)
			FROM rewards.records WHERE entity_type = $1 AND owner_id = $3
		), 0) - COALESCE((
			SELECT SUM((payload ->> 'points_spent')::bigint)
			FROM rewards.records WHERE entity_type = $2 AND owner_id = $3
		), 0)
	`, rewardsync.TypeRewardEntry, rewardsync.TypeRedemptionTransaction, ownerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to compute aggregate: %w", err)
	}
	return total, nil
}

func scanPgRecord(row pgx.Row) (*rewardsync.Record, error) {
	var rec rewardsync.Record
	var payload []byte
	err := row.Scan(&rec.EntityType, &rec.ID, &rec.OwnerID, &payload,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.Status = rewardsync.StatusSynced
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

var _ RecordStore = (*Service)(nil)
