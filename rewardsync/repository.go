// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Config holds tunables for the repository and its sync queue.
type Config struct {
	// RemoteTimeout bounds every remote call made on a foreground path. A
	// timeout is treated as a transport failure and triggers the offline
	// fallback; foreground calls never block indefinitely on the network.
	RemoteTimeout time.Duration
	MaxRetries    int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	DrainInterval time.Duration
	// DrainFanOut limits how many entity ids are drained concurrently.
	// Entries for the same id are always sequential.
	DrainFanOut int
	DrainBatch  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		RemoteTimeout: 5 * time.Second,
		MaxRetries:    8,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
		DrainInterval: 30 * time.Second,
		DrainFanOut:   4,
		DrainBatch:    100,
	}
}

// ValidateFunc checks a mutation against business rules before any storage or
// queue write. current is the stored record for UPDATE/DELETE (nil for
// CREATE); time-window rules evaluate against current.CreatedAt, never the
// incoming payload.
type ValidateFunc func(op Op, incoming *Record, current *Record, now time.Time) error

// Repository is the orchestration façade every domain read/write passes
// through. It decides the online-vs-offline path, applies validation before
// touching storage, and merges cache with queue state before returning.
//
// All collaborators are constructor-injected; the repository holds no global
// state and can be tested with fake remote/local backends.
type Repository struct {
	local    LocalStore
	queue    QueueStore
	remote   Remote
	oracle   Oracle
	resolver *Resolver
	cfg      *Config
	logger   *slog.Logger

	locks      *keyedMutex
	agg        *aggregateHub
	validators map[string]ValidateFunc
	manager    *QueueManager
}

// NewRepository wires the façade and its background queue manager. A nil
// config uses DefaultConfig; a nil logger uses slog.Default.
func NewRepository(local LocalStore, queue QueueStore, remote Remote, oracle Oracle, cfg *Config, logger *slog.Logger) *Repository {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository{
		local:      local,
		queue:      queue,
		remote:     remote,
		oracle:     oracle,
		resolver:   NewResolver(nil),
		cfg:        cfg,
		logger:     logger,
		locks:      newKeyedMutex(),
		agg:        newAggregateHub(),
		validators: defaultValidators(),
	}
	r.manager = &QueueManager{
		queue:    queue,
		local:    local,
		remote:   remote,
		oracle:   oracle,
		resolver: r.resolver,
		locks:    r.locks,
		cfg:      cfg,
		logger:   logger,
		publish:  r.publishPoints,
		drainCh:  make(chan struct{}, 1),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	return r
}

// Queue exposes the sync queue manager (drain control and diagnostics).
func (r *Repository) Queue() *QueueManager { return r.manager }

// RegisterValidator installs or replaces the business-rule validator for an
// entity type.
func (r *Repository) RegisterValidator(entityType string, fn ValidateFunc) {
	r.validators[entityType] = fn
}

func (r *Repository) validate(op Op, incoming, current *Record, entityType string) error {
	fn, ok := r.validators[entityType]
	if !ok {
		return nil
	}
	return fn(op, incoming, current, time.Now().UTC())
}

func (r *Repository) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.RemoteTimeout)
}

// Create validates the record and writes it remote-first. On a transient
// remote failure the write silently downgrades to the offline path: a locally
// durable commit plus a queued CREATE. Permanent remote failures surface.
func (r *Repository) Create(ctx context.Context, rec *Record) (*Record, error) {
	op := "repo.create " + rec.EntityType
	if rec.ID == "" || rec.OwnerID == "" {
		return nil, Validationf(op, "record requires id and owner_id")
	}
	unlock := r.locks.Lock(lockKey(rec.EntityType, rec.ID))
	defer unlock()

	if err := r.validate(OpCreate, rec, nil, rec.EntityType); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 0

	if r.oracle.HasConnection() {
		rctx, cancel := r.remoteCtx(ctx)
		canonical, err := r.remote.Create(rctx, rec)
		cancel()
		switch {
		case err == nil:
			canonical.Status = StatusSynced
			if serr := r.local.Upsert(ctx, canonical); serr != nil {
				return nil, serr
			}
			r.publishPoints(ctx, canonical.OwnerID)
			return canonical, nil
		case IsTransient(err):
			r.logger.Debug("remote create failed, using offline path",
				"type", rec.EntityType, "id", rec.ID, "error", err)
		default:
			return nil, err
		}
	}

	rec.Status = StatusPendingCreate
	if err := r.local.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	entry, err := newQueueEntry(OpCreate, rec, r.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}
	if err := r.queue.Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	r.publishPoints(ctx, rec.OwnerID)
	return rec.Clone(), nil
}

// Update re-validates against the stored record (time-window rules use the
// original createdAt) and writes remote-first with the offline fallback.
//
// A foreground version conflict is resolved immediately: the store ends up
// with the resolver's winner and, when the remote copy won, the call returns
// the winner together with a KindConflict error so the caller can surface the
// lost update.
func (r *Repository) Update(ctx context.Context, rec *Record) (*Record, error) {
	op := "repo.update " + rec.EntityType
	unlock := r.locks.Lock(lockKey(rec.EntityType, rec.ID))
	defer unlock()

	current, err := r.loadCurrent(ctx, rec.EntityType, rec.ID)
	if err != nil {
		return nil, err
	}
	if err := r.validate(OpUpdate, rec, current, rec.EntityType); err != nil {
		return nil, err
	}

	merged := current.Clone()
	merged.Payload = append([]byte(nil), rec.Payload...)
	merged.UpdatedAt = time.Now().UTC()
	merged.Conflict = nil

	if r.oracle.HasConnection() && current.Status != StatusPendingCreate {
		rctx, cancel := r.remoteCtx(ctx)
		updated, rerr := r.remote.Update(rctx, merged)
		cancel()
		switch {
		case rerr == nil:
			updated.Status = StatusSynced
			if serr := r.local.Upsert(ctx, updated); serr != nil {
				return nil, serr
			}
			r.publishPoints(ctx, updated.OwnerID)
			return updated, nil
		case IsConflict(rerr):
			return r.resolveForeground(ctx, op, merged, RemoteCopy(rerr))
		case IsTransient(rerr):
			r.logger.Debug("remote update failed, using offline path",
				"type", rec.EntityType, "id", rec.ID, "error", rerr)
		default:
			return nil, rerr
		}
	}

	queuedOp := OpUpdate
	if current.Status == StatusPendingCreate {
		// The record never reached the remote; fold the edit into the
		// still-queued CREATE instead of ordering an UPDATE behind it.
		queuedOp = OpCreate
		merged.Status = StatusPendingCreate
	} else {
		merged.Status = StatusPendingUpdate
	}
	if err := r.local.Upsert(ctx, merged); err != nil {
		return nil, err
	}
	entry, err := newQueueEntry(queuedOp, merged, r.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}
	if err := r.queue.Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	r.publishPoints(ctx, merged.OwnerID)
	return merged.Clone(), nil
}

// Delete validates (protected entities, edit windows) and deletes
// remote-first. Offline, a record that was never synced is dropped outright
// together with its queued CREATE; otherwise the row is flagged
// pending_delete and a DELETE is queued.
func (r *Repository) Delete(ctx context.Context, entityType, id string) error {
	unlock := r.locks.Lock(lockKey(entityType, id))
	defer unlock()
	return r.deleteLocked(ctx, entityType, id)
}

func (r *Repository) deleteLocked(ctx context.Context, entityType, id string) error {
	op := "repo.delete " + entityType
	current, err := r.loadCurrent(ctx, entityType, id)
	if err != nil {
		return err
	}
	if err := r.validate(OpDelete, nil, current, entityType); err != nil {
		return err
	}

	if r.oracle.HasConnection() && current.Status != StatusPendingCreate {
		rctx, cancel := r.remoteCtx(ctx)
		rerr := r.remote.Delete(rctx, entityType, id, current.Version)
		cancel()
		switch {
		case rerr == nil || IsNotFound(rerr):
			if serr := r.local.DeleteByID(ctx, entityType, id); serr != nil {
				return serr
			}
			if serr := r.queue.Remove(ctx, entityType, id); serr != nil {
				return serr
			}
			r.publishPoints(ctx, current.OwnerID)
			return nil
		case IsConflict(rerr):
			_, ferr := r.resolveForeground(ctx, op, current, RemoteCopy(rerr))
			return ferr
		case IsTransient(rerr):
			r.logger.Debug("remote delete failed, using offline path",
				"type", entityType, "id", id, "error", rerr)
		default:
			return rerr
		}
	}

	if current.Status == StatusPendingCreate {
		// Never confirmed remotely: nothing to replay, drop it locally.
		if serr := r.local.DeleteByID(ctx, entityType, id); serr != nil {
			return serr
		}
		if serr := r.queue.Remove(ctx, entityType, id); serr != nil {
			return serr
		}
		r.publishPoints(ctx, current.OwnerID)
		return nil
	}

	current.Status = StatusPendingDelete
	current.UpdatedAt = time.Now().UTC()
	if err := r.local.Upsert(ctx, current); err != nil {
		return err
	}
	// A queued UPDATE for this id is moot once a DELETE is ordered.
	if err := r.queue.Remove(ctx, entityType, id); err != nil {
		return err
	}
	entry, err := newQueueEntry(OpDelete, current, r.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if err := r.queue.Enqueue(ctx, entry); err != nil {
		return err
	}
	r.publishPoints(ctx, current.OwnerID)
	return nil
}

// Get reads remote-first with transparent local fallback. A local copy with a
// pending mutation always wins so callers see their own unconfirmed writes.
func (r *Repository) Get(ctx context.Context, entityType, id string) (*Record, error) {
	op := "repo.get " + entityType

	local, lerr := r.local.GetByID(ctx, entityType, id)
	if lerr != nil && !IsNotFound(lerr) {
		return nil, lerr
	}
	if lerr == nil && (local.Pending() || local.Status == StatusConflicted) {
		if local.Status == StatusPendingDelete {
			return nil, NotFoundErr(op, entityType, id)
		}
		return local, nil
	}

	if r.oracle.HasConnection() {
		rctx, cancel := r.remoteCtx(ctx)
		rec, rerr := r.remote.Get(rctx, entityType, id)
		cancel()
		switch {
		case rerr == nil:
			rec.Status = StatusSynced
			if serr := r.local.Upsert(ctx, rec); serr != nil {
				r.logger.Warn("failed to mirror remote read", "type", entityType, "id", id, "error", serr)
			}
			return rec, nil
		case IsNotFound(rerr):
			return nil, NotFoundErr(op, entityType, id)
		default:
			r.logger.Debug("remote get failed, falling back to local",
				"type", entityType, "id", id, "error", rerr)
		}
	}

	if lerr == nil {
		return local, nil
	}
	return nil, NotFoundErr(op, entityType, id)
}

// List queries remote-first with local fallback, then overlays not-yet-synced
// local state: pending creates/updates replace the remote copies and pending
// deletes are hidden. Pagination applies after the overlay over a
// deterministic order.
func (r *Repository) List(ctx context.Context, entityType string, f Filter, page Page) (*PageResult, error) {
	var base []*Record
	fromRemote := false
	if r.oracle.HasConnection() {
		rctx, cancel := r.remoteCtx(ctx)
		recs, rerr := r.remote.Query(rctx, entityType, f)
		cancel()
		if rerr == nil {
			for _, rec := range recs {
				rec.Status = StatusSynced
			}
			base = recs
			fromRemote = true
		} else {
			r.logger.Debug("remote query failed, falling back to local",
				"type", entityType, "error", rerr)
		}
	}

	locals, err := r.local.Query(ctx, entityType, f)
	if err != nil {
		return nil, err
	}
	if !fromRemote {
		base = locals
	}

	merged := make(map[string]*Record, len(base))
	for _, rec := range base {
		merged[rec.ID] = rec
	}
	for _, rec := range locals {
		switch {
		case rec.Status == StatusPendingDelete:
			delete(merged, rec.ID)
		case rec.Pending() || rec.Status == StatusConflicted:
			merged[rec.ID] = rec
		}
	}

	out := make([]*Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	return paginate(out, page), nil
}

// WatchPoints returns a live stream of the owner's point total. The stream
// reflects both confirmed state and not-yet-synced local mutations, so the
// value never jumps backward once a queued write is confirmed. The cancel
// function releases the subscription.
func (r *Repository) WatchPoints(ctx context.Context, ownerID string) (<-chan int64, func(), error) {
	ch, cancel := r.agg.Subscribe(ownerID)
	total, err := r.PointsTotal(ctx, ownerID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	r.agg.Publish(ownerID, total)
	return ch, cancel, nil
}

// PointsTotal computes the owner's running total: earned reward points minus
// redeemed points, over the local cache including pending mutations and
// excluding pending deletes. A cold cache defers to the remote aggregate.
func (r *Repository) PointsTotal(ctx context.Context, ownerID string) (int64, error) {
	entries, err := r.local.Query(ctx, TypeRewardEntry, Filter{OwnerID: ownerID})
	if err != nil {
		return 0, err
	}
	txs, err := r.local.Query(ctx, TypeRedemptionTransaction, Filter{OwnerID: ownerID})
	if err != nil {
		return 0, err
	}

	if len(entries) == 0 && len(txs) == 0 && r.oracle.HasConnection() {
		rctx, cancel := r.remoteCtx(ctx)
		defer cancel()
		total, rerr := r.remote.Aggregate(rctx, ownerID)
		if rerr == nil {
			return total, nil
		}
		r.logger.Debug("remote aggregate failed on cold cache", "owner", ownerID, "error", rerr)
	}

	var total int64
	for _, rec := range entries {
		if rec.Status == StatusPendingDelete {
			continue
		}
		var e RewardEntry
		if err := rec.Decode(&e); err != nil {
			return 0, err
		}
		total += e.Points
	}
	for _, rec := range txs {
		if rec.Status == StatusPendingDelete {
			continue
		}
		var t RedemptionTransaction
		if err := rec.Decode(&t); err != nil {
			return 0, err
		}
		total -= t.PointsSpent
	}
	return total, nil
}

// DeadLetters surfaces queue entries that exhausted their retries. They are
// never retried automatically; an operator (or the UI's diagnostics screen)
// decides what happens to them.
func (r *Repository) DeadLetters(ctx context.Context) ([]*QueueEntry, error) {
	return r.queue.DeadLetters(ctx)
}

// QueueDepth reports how many mutations await replay.
func (r *Repository) QueueDepth(ctx context.Context) (int, error) {
	return r.queue.Depth(ctx)
}

// AcknowledgeConflict clears the conflict note on a record after the user has
// seen it.
func (r *Repository) AcknowledgeConflict(ctx context.Context, entityType, id string) error {
	unlock := r.locks.Lock(lockKey(entityType, id))
	defer unlock()
	rec, err := r.local.GetByID(ctx, entityType, id)
	if err != nil {
		return err
	}
	rec.Conflict = nil
	if rec.Status == StatusConflicted {
		rec.Status = StatusSynced
	}
	return r.local.Upsert(ctx, rec)
}

// loadCurrent fetches the stored record for validation: local first, then
// remote when the cache misses and connectivity is asserted.
func (r *Repository) loadCurrent(ctx context.Context, entityType, id string) (*Record, error) {
	op := "repo.load " + entityType
	current, err := r.local.GetByID(ctx, entityType, id)
	if err == nil {
		if current.Status == StatusPendingDelete {
			return nil, NotFoundErr(op, entityType, id)
		}
		return current, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	if r.oracle.HasConnection() {
		rctx, cancel := r.remoteCtx(ctx)
		defer cancel()
		rec, rerr := r.remote.Get(rctx, entityType, id)
		if rerr == nil {
			rec.Status = StatusSynced
			if serr := r.local.Upsert(ctx, rec); serr != nil {
				return nil, serr
			}
			return rec, nil
		}
		if !IsTransient(rerr) && !IsNotFound(rerr) {
			return nil, rerr
		}
	}
	return nil, NotFoundErr(op, entityType, id)
}

// resolveForeground applies the resolver's verdict to a conflict detected on
// a foreground write. When the remote copy wins the caller's mutation is
// lost; the winner is stored flagged conflicted (with the losing payload
// preserved) and a KindConflict error is returned alongside it so the loss is
// visible. When the local copy wins it is re-pushed through the queue on the
// remote's version.
func (r *Repository) resolveForeground(ctx context.Context, op string, local, remote *Record) (*Record, error) {
	if remote == nil {
		return nil, Conflictf(op, nil, "conflict reported without server copy")
	}
	res := r.resolver.Resolve(local, remote)
	winner := res.Winner
	if res.RemoteWon {
		winner.Status = StatusConflicted
		if err := r.local.Upsert(ctx, winner); err != nil {
			return nil, err
		}
		if err := r.queue.Remove(ctx, winner.EntityType, winner.ID); err != nil {
			return nil, err
		}
		r.publishPoints(ctx, winner.OwnerID)
		return winner, Conflictf(op, remote, "remote copy won, local change preserved in conflict note")
	}

	winner.Version = remote.Version
	winner.Status = StatusPendingUpdate
	if err := r.local.Upsert(ctx, winner); err != nil {
		return nil, err
	}
	entry, err := newQueueEntry(OpUpdate, winner, r.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}
	if err := r.queue.Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	r.publishPoints(ctx, winner.OwnerID)
	return winner, nil
}

func (r *Repository) publishPoints(ctx context.Context, ownerID string) {
	total, err := r.PointsTotal(ctx, ownerID)
	if err != nil {
		r.logger.Warn("failed to recompute point total", "owner", ownerID, "error", err)
		return
	}
	r.agg.Publish(ownerID, total)
}
