// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"context"
	"time"
)

// Business-rule constants.
const (
	// MinRedemptionPoints is the smallest point cost a redemption option may
	// carry.
	MinRedemptionPoints = 100
	// EditWindow is how long after creation a reward entry may still be
	// edited or deleted.
	EditWindow = 24 * time.Hour
)

// RewardEntry is a points-earning event ("cleaned room, 200 points").
type RewardEntry struct {
	Title      string `json:"title"`
	Points     int64  `json:"points"`
	CategoryID string `json:"category_id"`
	Note       string `json:"note,omitempty"`
}

// Category groups reward entries. Every account has one default category that
// cannot be deleted; entries of a deleted category are reassigned to it.
type Category struct {
	Name      string `json:"name"`
	Icon      string `json:"icon,omitempty"`
	IsDefault bool   `json:"is_default"`
}

// RedemptionOption is something points can be spent on.
type RedemptionOption struct {
	Title          string `json:"title"`
	RequiredPoints int64  `json:"required_points"`
	Active         bool   `json:"active"`
}

// RedemptionTransaction records a spend. Transactions are immutable once
// written; correcting a mistake means a compensating entry, not an edit.
type RedemptionTransaction struct {
	OptionID    string    `json:"option_id"`
	PointsSpent int64     `json:"points_spent"`
	RedeemedAt  time.Time `json:"redeemed_at"`
}

// Profile is the account's display data.
type Profile struct {
	DisplayName string `json:"display_name"`
	AvatarID    string `json:"avatar_id,omitempty"`
}

// defaultValidators wires the per-type business rules. Every rule runs before
// any storage or queue write, in the same form online and offline.
func defaultValidators() map[string]ValidateFunc {
	return map[string]ValidateFunc{
		TypeRewardEntry:           validateRewardEntry,
		TypeCategory:              validateCategory,
		TypeRedemptionOption:      validateRedemptionOption,
		TypeRedemptionTransaction: validateRedemptionTransaction,
		TypeProfile:               validateProfile,
	}
}

func validateRewardEntry(op Op, incoming, current *Record, now time.Time) error {
	const vop = "validate reward_entries"
	if op == OpUpdate || op == OpDelete {
		// The window is anchored on the stored record's creation time, not
		// anything the caller sent.
		if now.Sub(current.CreatedAt) > EditWindow {
			return Validationf(vop, "entry is older than the %s edit window", EditWindow)
		}
	}
	if op == OpDelete {
		return nil
	}
	var e RewardEntry
	if err := incoming.Decode(&e); err != nil {
		return Validationf(vop, "malformed payload: %v", err)
	}
	if e.Title == "" {
		return Validationf(vop, "title is required")
	}
	if e.Points <= 0 {
		return Validationf(vop, "points must be positive, got %d", e.Points)
	}
	if e.CategoryID == "" {
		return Validationf(vop, "category_id is required")
	}
	return nil
}

func validateCategory(op Op, incoming, current *Record, now time.Time) error {
	const vop = "validate categories"
	if op == OpDelete {
		var c Category
		if err := current.Decode(&c); err != nil {
			return Validationf(vop, "malformed stored payload: %v", err)
		}
		if c.IsDefault {
			return Validationf(vop, "the default category cannot be deleted")
		}
		return nil
	}
	var c Category
	if err := incoming.Decode(&c); err != nil {
		return Validationf(vop, "malformed payload: %v", err)
	}
	if c.Name == "" {
		return Validationf(vop, "name is required")
	}
	if op == OpUpdate {
		var cur Category
		if err := current.Decode(&cur); err != nil {
			return Validationf(vop, "malformed stored payload: %v", err)
		}
		if cur.IsDefault && !c.IsDefault {
			return Validationf(vop, "the default category cannot lose its default flag")
		}
	}
	return nil
}

func validateRedemptionOption(op Op, incoming, current *Record, now time.Time) error {
	const vop = "validate redemption_options"
	if op == OpDelete {
		return nil
	}
	var o RedemptionOption
	if err := incoming.Decode(&o); err != nil {
		return Validationf(vop, "malformed payload: %v", err)
	}
	if o.Title == "" {
		return Validationf(vop, "title is required")
	}
	if o.RequiredPoints < MinRedemptionPoints {
		return Validationf(vop, "required_points must be at least %d, got %d",
			MinRedemptionPoints, o.RequiredPoints)
	}
	return nil
}

func validateRedemptionTransaction(op Op, incoming, current *Record, now time.Time) error {
	const vop = "validate redemption_transactions"
	switch op {
	case OpUpdate:
		return Validationf(vop, "redemption transactions are immutable")
	case OpDelete:
		return Validationf(vop, "redemption transactions cannot be deleted")
	}
	var t RedemptionTransaction
	if err := incoming.Decode(&t); err != nil {
		return Validationf(vop, "malformed payload: %v", err)
	}
	if t.OptionID == "" {
		return Validationf(vop, "option_id is required")
	}
	if t.PointsSpent <= 0 {
		return Validationf(vop, "points_spent must be positive")
	}
	return nil
}

func validateProfile(op Op, incoming, current *Record, now time.Time) error {
	const vop = "validate profiles"
	if op == OpDelete {
		return Validationf(vop, "profiles cannot be deleted")
	}
	var p Profile
	if err := incoming.Decode(&p); err != nil {
		return Validationf(vop, "malformed payload: %v", err)
	}
	if p.DisplayName == "" {
		return Validationf(vop, "display_name is required")
	}
	return nil
}

// Rewards is the typed façade over reward entries.
type Rewards struct{ repo *Repository }

func (r *Repository) Rewards() *Rewards { return &Rewards{repo: r} }

func (w *Rewards) Create(ctx context.Context, ownerID string, e RewardEntry) (*Record, error) {
	rec, err := NewRecord(TypeRewardEntry, ownerID, e)
	if err != nil {
		return nil, Storage("rewards.create", err)
	}
	return w.repo.Create(ctx, rec)
}

func (w *Rewards) Update(ctx context.Context, id string, e RewardEntry) (*Record, error) {
	current, err := w.repo.loadCurrent(ctx, TypeRewardEntry, id)
	if err != nil {
		return nil, err
	}
	rec := current.Clone()
	if err := rec.SetPayload(e); err != nil {
		return nil, Storage("rewards.update", err)
	}
	return w.repo.Update(ctx, rec)
}

func (w *Rewards) Get(ctx context.Context, id string) (*Record, error) {
	return w.repo.Get(ctx, TypeRewardEntry, id)
}

func (w *Rewards) Delete(ctx context.Context, id string) error {
	return w.repo.Delete(ctx, TypeRewardEntry, id)
}

func (w *Rewards) List(ctx context.Context, f Filter, page Page) (*PageResult, error) {
	return w.repo.List(ctx, TypeRewardEntry, f, page)
}

// Categories is the typed façade over categories.
type Categories struct{ repo *Repository }

func (r *Repository) Categories() *Categories { return &Categories{repo: r} }

func (w *Categories) Create(ctx context.Context, ownerID string, c Category) (*Record, error) {
	rec, err := NewRecord(TypeCategory, ownerID, c)
	if err != nil {
		return nil, Storage("categories.create", err)
	}
	return w.repo.Create(ctx, rec)
}

func (w *Categories) Update(ctx context.Context, id string, c Category) (*Record, error) {
	current, err := w.repo.loadCurrent(ctx, TypeCategory, id)
	if err != nil {
		return nil, err
	}
	rec := current.Clone()
	if err := rec.SetPayload(c); err != nil {
		return nil, Storage("categories.update", err)
	}
	return w.repo.Update(ctx, rec)
}

func (w *Categories) Get(ctx context.Context, id string) (*Record, error) {
	return w.repo.Get(ctx, TypeCategory, id)
}

func (w *Categories) List(ctx context.Context, f Filter, page Page) (*PageResult, error) {
	return w.repo.List(ctx, TypeCategory, f, page)
}

// Default returns the owner's default category.
func (w *Categories) Default(ctx context.Context, ownerID string) (*Record, error) {
	page, err := w.repo.List(ctx, TypeCategory, Filter{OwnerID: ownerID}, Page{})
	if err != nil {
		return nil, err
	}
	for _, rec := range page.Records {
		var c Category
		if err := rec.Decode(&c); err != nil {
			continue
		}
		if c.IsDefault {
			return rec, nil
		}
	}
	return nil, NotFoundErr("categories.default", TypeCategory, "default")
}

// Delete removes a category and atomically reassigns its reward entries to
// the owner's default category. The default category itself is protected by
// validation regardless of connectivity.
func (w *Categories) Delete(ctx context.Context, id string) error {
	const op = "categories.delete"
	unlock := w.repo.locks.Lock(lockKey(TypeCategory, id))
	defer unlock()

	current, err := w.repo.loadCurrent(ctx, TypeCategory, id)
	if err != nil {
		return err
	}
	if err := w.repo.validate(OpDelete, nil, current, TypeCategory); err != nil {
		return err
	}
	fallback, err := w.Default(ctx, current.OwnerID)
	if err != nil {
		return Validationf(op, "no default category to reassign entries to")
	}

	if w.repo.oracle.HasConnection() && current.Status != StatusPendingCreate {
		rctx, cancel := w.repo.remoteCtx(ctx)
		rerr := w.repo.remote.Delete(rctx, TypeCategory, id, current.Version)
		cancel()
		switch {
		case rerr == nil || IsNotFound(rerr):
			if serr := w.repo.local.DeleteCategoryReassign(ctx, id, fallback.ID); serr != nil {
				return serr
			}
			return w.repo.queue.Remove(ctx, TypeCategory, id)
		case IsTransient(rerr):
			w.repo.logger.Debug("remote category delete failed, using offline path",
				"id", id, "error", rerr)
		default:
			return rerr
		}
	}

	if current.Status == StatusPendingCreate {
		if serr := w.repo.local.DeleteCategoryReassign(ctx, id, fallback.ID); serr != nil {
			return serr
		}
		return w.repo.queue.Remove(ctx, TypeCategory, id)
	}

	// Reassign locally now; the server repeats the reassignment when the
	// queued DELETE is replayed, keeping both stores convergent. The replay
	// works from the queue snapshot, so the local row can go immediately.
	if err := w.repo.queue.Remove(ctx, TypeCategory, id); err != nil {
		return err
	}
	entry, err := newQueueEntry(OpDelete, current, w.repo.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if err := w.repo.queue.Enqueue(ctx, entry); err != nil {
		return err
	}
	return w.repo.local.DeleteCategoryReassign(ctx, id, fallback.ID)
}

// Options is the typed façade over redemption options.
type Options struct{ repo *Repository }

func (r *Repository) Options() *Options { return &Options{repo: r} }

func (w *Options) Create(ctx context.Context, ownerID string, o RedemptionOption) (*Record, error) {
	rec, err := NewRecord(TypeRedemptionOption, ownerID, o)
	if err != nil {
		return nil, Storage("options.create", err)
	}
	return w.repo.Create(ctx, rec)
}

func (w *Options) Update(ctx context.Context, id string, o RedemptionOption) (*Record, error) {
	current, err := w.repo.loadCurrent(ctx, TypeRedemptionOption, id)
	if err != nil {
		return nil, err
	}
	rec := current.Clone()
	if err := rec.SetPayload(o); err != nil {
		return nil, Storage("options.update", err)
	}
	return w.repo.Update(ctx, rec)
}

func (w *Options) Get(ctx context.Context, id string) (*Record, error) {
	return w.repo.Get(ctx, TypeRedemptionOption, id)
}

func (w *Options) Delete(ctx context.Context, id string) error {
	return w.repo.Delete(ctx, TypeRedemptionOption, id)
}

func (w *Options) List(ctx context.Context, f Filter, page Page) (*PageResult, error) {
	return w.repo.List(ctx, TypeRedemptionOption, f, page)
}

// Redemptions is the typed façade over redemption transactions.
type Redemptions struct{ repo *Repository }

func (r *Repository) Redemptions() *Redemptions { return &Redemptions{repo: r} }

// Redeem spends points on an option. The affordability check and the
// transaction write are serialized per owner, so two concurrent redeems
// cannot both pass the check before either decrements the balance.
func (w *Redemptions) Redeem(ctx context.Context, ownerID, optionID string) (*Record, error) {
	const op = "redemptions.redeem"
	unlock := w.repo.locks.Lock(lockKey("points", ownerID))
	defer unlock()

	optRec, err := w.repo.Get(ctx, TypeRedemptionOption, optionID)
	if err != nil {
		return nil, err
	}
	var opt RedemptionOption
	if err := optRec.Decode(&opt); err != nil {
		return nil, Validationf(op, "malformed option payload: %v", err)
	}
	if !opt.Active {
		return nil, Validationf(op, "option %q is not active", opt.Title)
	}

	balance, err := w.repo.PointsTotal(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if balance < opt.RequiredPoints {
		return nil, Validationf(op, "insufficient points: have %d, need %d", balance, opt.RequiredPoints)
	}

	rec, err := NewRecord(TypeRedemptionTransaction, ownerID, RedemptionTransaction{
		OptionID:    optionID,
		PointsSpent: opt.RequiredPoints,
		RedeemedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, Storage(op, err)
	}
	return w.repo.Create(ctx, rec)
}

func (w *Redemptions) Get(ctx context.Context, id string) (*Record, error) {
	return w.repo.Get(ctx, TypeRedemptionTransaction, id)
}

func (w *Redemptions) List(ctx context.Context, f Filter, page Page) (*PageResult, error) {
	return w.repo.List(ctx, TypeRedemptionTransaction, f, page)
}
