// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memLocal is an in-memory LocalStore for repository and drain tests.
type memLocal struct {
	mu    sync.Mutex
	recs  map[string]*Record
	queue *memQueue
}

func newMemLocal(queue *memQueue) *memLocal {
	return &memLocal{recs: make(map[string]*Record), queue: queue}
}

func (m *memLocal) Upsert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[lockKey(rec.EntityType, rec.ID)] = rec.Clone()
	return nil
}

func (m *memLocal) GetByID(_ context.Context, entityType, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[lockKey(entityType, id)]
	if !ok {
		return nil, NotFoundErr("memlocal.get", entityType, id)
	}
	return rec.Clone(), nil
}

func (m *memLocal) Query(_ context.Context, entityType string, f Filter) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.recs {
		if rec.EntityType == entityType && f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *memLocal) DeleteByID(_ context.Context, entityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lockKey(entityType, id)
	if _, ok := m.recs[key]; !ok {
		return NotFoundErr("memlocal.delete", entityType, id)
	}
	delete(m.recs, key)
	return nil
}

func (m *memLocal) RemapID(_ context.Context, entityType, oldID, newID string) error {
	m.mu.Lock()
	oldKey := lockKey(entityType, oldID)
	if rec, ok := m.recs[oldKey]; ok {
		rec.ID = newID
		m.recs[lockKey(entityType, newID)] = rec
		delete(m.recs, oldKey)
	}
	m.mu.Unlock()
	if m.queue != nil {
		m.queue.remap(entityType, oldID, newID)
	}
	return nil
}

func (m *memLocal) DeleteCategoryReassign(_ context.Context, categoryID, fallbackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.EntityType != TypeRewardEntry {
			continue
		}
		var e RewardEntry
		if json.Unmarshal(rec.Payload, &e) == nil && e.CategoryID == categoryID {
			e.CategoryID = fallbackID
			rec.Payload, _ = json.Marshal(e)
		}
	}
	delete(m.recs, lockKey(TypeCategory, categoryID))
	return nil
}

// memQueue is an in-memory QueueStore keyed by (type, id, op) with the same
// replace-not-duplicate semantics as the durable implementation.
type memQueue struct {
	mu      sync.Mutex
	entries map[string]*QueueEntry
}

func newMemQueue() *memQueue {
	return &memQueue{entries: make(map[string]*QueueEntry)}
}

func queueKey(entityType, entityID string, op Op) string {
	return entityType + "/" + entityID + "/" + string(op)
}

func (m *memQueue) Enqueue(_ context.Context, e *QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	key := queueKey(e.EntityType, e.EntityID, e.Op)
	if prev, ok := m.entries[key]; ok {
		cp.EnqueuedAt = prev.EnqueuedAt
	}
	cp.RetryCount = 0
	cp.State = EntryPending
	m.entries[key] = &cp
	return nil
}

func (m *memQueue) Due(_ context.Context, now time.Time, limit int) ([]*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QueueEntry
	for _, e := range m.entries {
		if e.State == EntryPending && !e.ScheduledAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	// Priority first, FIFO within a tier.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if b.Priority > a.Priority || (b.Priority == a.Priority && b.EnqueuedAt.Before(a.EnqueuedAt)) {
				out[j-1], out[j] = out[j], out[j-1]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memQueue) MarkInFlight(_ context.Context, entityType, entityID string, op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[queueKey(entityType, entityID, op)]; ok && e.State == EntryPending {
		e.State = EntryInFlight
	}
	return nil
}

func (m *memQueue) Confirm(_ context.Context, entityType, entityID string, op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, queueKey(entityType, entityID, op))
	return nil
}

func (m *memQueue) Reschedule(_ context.Context, e *QueueEntry, nextAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[queueKey(e.EntityType, e.EntityID, e.Op)]; ok {
		cur.State = EntryPending
		cur.RetryCount++
		cur.LastError = lastError
		cur.ScheduledAt = nextAt
	}
	return nil
}

func (m *memQueue) DeadLetter(_ context.Context, e *QueueEntry, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[queueKey(e.EntityType, e.EntityID, e.Op)]; ok && cur.State != EntryDeadLettered {
		cur.State = EntryDeadLettered
		cur.RetryCount++
		cur.LastError = lastError
	}
	return nil
}

func (m *memQueue) MarkConflicted(_ context.Context, e *QueueEntry, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[queueKey(e.EntityType, e.EntityID, e.Op)]; ok {
		cur.State = EntryConflicted
		cur.LastError = lastError
	}
	return nil
}

func (m *memQueue) Remove(_ context.Context, entityType, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *memQueue) PendingFor(_ context.Context, entityType, entityID string) ([]*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QueueEntry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID &&
			(e.State == EntryPending || e.State == EntryInFlight) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memQueue) DeadLetters(_ context.Context) ([]*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QueueEntry
	for _, e := range m.entries {
		if e.State == EntryDeadLettered {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memQueue) Depth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.State == EntryPending || e.State == EntryInFlight {
			n++
		}
	}
	return n, nil
}

func (m *memQueue) remap(entityType, oldID, newID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == oldID {
			e.EntityID = newID
			delete(m.entries, key)
			m.entries[queueKey(entityType, newID, e.Op)] = e
		}
	}
}

func (m *memQueue) state(entityType, entityID string, op Op) EntryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[queueKey(entityType, entityID, op)]; ok {
		return e.State
	}
	return ""
}

// fakeRemote behaves like the authoritative server: version-checked writes,
// conflicts carrying the stored copy. Setting fail makes every call return
// that error, simulating an unreachable or broken backend.
type fakeRemote struct {
	mu   sync.Mutex
	recs map[string]*Record

	fail     error
	assignID string // when set, Create stores under this server-chosen id

	createCalls int
	updateCalls int
	deleteCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{recs: make(map[string]*Record)}
}

func (f *fakeRemote) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

// seed installs a record server-side without going through Create.
func (f *fakeRemote) seed(rec *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := rec.Clone()
	cp.Status = StatusSynced
	f.recs[lockKey(cp.EntityType, cp.ID)] = cp
}

func (f *fakeRemote) get(entityType, id string) *Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.recs[lockKey(entityType, id)]; ok {
		return rec.Clone()
	}
	return nil
}

func (f *fakeRemote) Create(_ context.Context, rec *Record) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.fail != nil {
		return nil, f.fail
	}
	if existing, ok := f.recs[lockKey(rec.EntityType, rec.ID)]; ok {
		return nil, Conflictf("fake.create", existing.Clone(), "already exists")
	}
	stored := rec.Clone()
	if f.assignID != "" {
		stored.ID = f.assignID
	}
	stored.Version = 1
	stored.Status = StatusSynced
	stored.Conflict = nil
	stored.UpdatedAt = time.Now().UTC()
	f.recs[lockKey(stored.EntityType, stored.ID)] = stored
	return stored.Clone(), nil
}

func (f *fakeRemote) Update(_ context.Context, rec *Record) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.fail != nil {
		return nil, f.fail
	}
	current, ok := f.recs[lockKey(rec.EntityType, rec.ID)]
	if !ok {
		return nil, NotFoundErr("fake.update", rec.EntityType, rec.ID)
	}
	if current.Version != rec.Version {
		return nil, Conflictf("fake.update", current.Clone(), "version mismatch")
	}
	stored := current.Clone()
	stored.Payload = append([]byte(nil), rec.Payload...)
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	f.recs[lockKey(stored.EntityType, stored.ID)] = stored
	return stored.Clone(), nil
}

func (f *fakeRemote) Delete(_ context.Context, entityType, id string, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.fail != nil {
		return f.fail
	}
	current, ok := f.recs[lockKey(entityType, id)]
	if !ok {
		return NotFoundErr("fake.delete", entityType, id)
	}
	if current.Version != expectedVersion {
		return Conflictf("fake.delete", current.Clone(), "version mismatch")
	}
	delete(f.recs, lockKey(entityType, id))
	return nil
}

func (f *fakeRemote) Get(_ context.Context, entityType, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	rec, ok := f.recs[lockKey(entityType, id)]
	if !ok {
		return nil, NotFoundErr("fake.get", entityType, id)
	}
	return rec.Clone(), nil
}

func (f *fakeRemote) Query(_ context.Context, entityType string, filter Filter) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	var out []*Record
	for _, rec := range f.recs {
		if rec.EntityType == entityType && filter.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (f *fakeRemote) Aggregate(_ context.Context, ownerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	var total int64
	for _, rec := range f.recs {
		if rec.OwnerID != ownerID {
			continue
		}
		switch rec.EntityType {
		case TypeRewardEntry:
			var e RewardEntry
			if json.Unmarshal(rec.Payload, &e) == nil {
				total += e.Points
			}
		case TypeRedemptionTransaction:
			var t RedemptionTransaction
			if json.Unmarshal(rec.Payload, &t) == nil {
				total -= t.PointsSpent
			}
		}
	}
	return total, nil
}

// testEnv wires the façade over in-memory fakes.
type testEnv struct {
	repo   *Repository
	local  *memLocal
	queue  *memQueue
	remote *fakeRemote
	oracle *StaticOracle
}

func newTestEnv(online bool) *testEnv {
	queue := newMemQueue()
	local := newMemLocal(queue)
	remote := newFakeRemote()
	oracle := NewStaticOracle(online)
	cfg := DefaultConfig()
	cfg.RemoteTimeout = 2 * time.Second
	repo := NewRepository(local, queue, remote, oracle, cfg, testLogger())
	return &testEnv{repo: repo, local: local, queue: queue, remote: remote, oracle: oracle}
}

// seedCategory installs a synced default category locally and remotely and
// returns its id.
func (env *testEnv) seedCategory(ctx context.Context, ownerID string) string {
	rec, _ := NewRecord(TypeCategory, ownerID, Category{Name: "General", IsDefault: true})
	rec.Version = 1
	rec.Status = StatusSynced
	env.local.Upsert(ctx, rec)
	env.remote.seed(rec)
	return rec.ID
}
