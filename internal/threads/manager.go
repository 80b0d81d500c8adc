package threads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hackclub/certpheus/internal/pkg/logger"
)

// Manager mirrors the two store collections in memory and serializes every
// mutation through the store before touching the cache. The caches are never
// exposed directly; callers go through the operations below.
//
// Mutations for the same user are serialized by a per-user lock held across
// the store round trip. Lookups run concurrently and only ever observe fully
// applied cache states.
type Manager struct {
	store Store
	log   *logger.Logger

	// strict makes Initialize fail hard on a load error instead of
	// starting with empty caches.
	strict bool

	mu        sync.RWMutex
	active    map[string]ThreadRecord
	completed map[string][]ThreadRecord

	userMu sync.Mutex
	users  map[string]*sync.Mutex
}

func NewManager(store Store, log *logger.Logger, strict bool) *Manager {
	return &Manager{
		store:     store,
		log:       log,
		strict:    strict,
		active:    make(map[string]ThreadRecord),
		completed: make(map[string][]ThreadRecord),
		users:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	mu, ok := m.users[userID]
	if !ok {
		mu = &sync.Mutex{}
		m.users[userID] = mu
	}
	return mu
}

// Initialize bulk-loads both collections into the caches. By default a load
// error is logged and the manager starts empty; with strict enabled the error
// is returned and the process should refuse to start.
//
// An active row whose (user, thread) pair already appears among the completed
// rows is skipped: it is the leftover of a Complete whose active-row delete
// failed, and the completed copy wins.
func (m *Manager) Initialize(ctx context.Context) error {
	completedRecs, err := m.store.ListCompleted(ctx)
	if err != nil {
		return m.loadFailed(err)
	}
	activeRecs, err := m.store.ListActive(ctx)
	if err != nil {
		return m.loadFailed(err)
	}

	completed := make(map[string][]ThreadRecord)
	for _, rec := range completedRecs {
		completed[rec.UserID] = append(completed[rec.UserID], rec)
	}

	active := make(map[string]ThreadRecord)
	for _, rec := range activeRecs {
		if alreadyCompleted(completed[rec.UserID], rec.ThreadTS) {
			m.log.Warn("skipping stale active row already present as completed",
				"user", rec.UserID, "thread_ts", rec.ThreadTS, "record_id", rec.RecordID)
			continue
		}
		active[rec.UserID] = rec
	}

	m.mu.Lock()
	m.active = active
	m.completed = completed
	m.mu.Unlock()

	m.log.Info("loaded threads from store",
		"active", len(active), "completed", len(completedRecs))
	return nil
}

func (m *Manager) loadFailed(err error) error {
	if m.strict {
		return fmt.Errorf("load threads from store: %w", err)
	}
	m.log.Error("loading threads from store failed, starting with empty caches", "err", err)
	return nil
}

func alreadyCompleted(recs []ThreadRecord, threadTS string) bool {
	for _, rec := range recs {
		if rec.ThreadTS == threadTS {
			return true
		}
	}
	return false
}

// HasActive reports whether the user has an ongoing thread. Pure cache
// lookup.
func (m *Manager) HasActive(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[userID]
	return ok
}

// GetActive returns the user's ongoing thread, if any. Pure cache lookup.
func (m *Manager) GetActive(userID string) (ThreadRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.active[userID]
	return rec, ok
}

// CreateActive persists a new active thread and, once the store has assigned
// its record id, inserts it into the cache. On store failure the cache is
// left untouched and the thread must be treated as nonexistent.
//
// The caller is responsible for checking HasActive first; a stale cache entry
// for the user is overwritten, not merged.
func (m *Manager) CreateActive(ctx context.Context, userID, channel, threadTS, messageTS string) error {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	rec := ThreadRecord{
		UserID:    userID,
		Channel:   channel,
		ThreadTS:  threadTS,
		MessageTS: messageTS,
	}
	recordID, err := m.store.CreateActive(ctx, rec)
	if err != nil {
		return fmt.Errorf("create active thread: %w", err)
	}
	rec.RecordID = recordID

	m.mu.Lock()
	m.active[userID] = rec
	m.mu.Unlock()

	m.log.Info("created active thread", "user", userID, "thread_ts", threadTS)
	return nil
}

// UpdateActivity touches the activity marker on the user's active row.
// Best-effort: a missing entry is a no-op and store failures are only logged.
// Must never block message delivery.
func (m *Manager) UpdateActivity(ctx context.Context, userID string) {
	rec, ok := m.GetActive(userID)
	if !ok {
		return
	}
	if err := m.store.TouchActive(ctx, rec.RecordID, time.Now()); err != nil {
		m.log.Warn("updating thread activity failed", "user", userID, "err", err)
	}
}

// Complete moves the user's active thread to the completed collection:
// create the completed row, delete the active row, then apply both cache
// changes at once. If the completed-row insert fails nothing is deleted and
// the error is returned. If the insert succeeds but the active-row delete
// fails, the stale store row is left behind (and logged) rather than risking
// the record: the cache transition still happens, and the next Initialize
// de-duplicates it.
func (m *Manager) Complete(ctx context.Context, userID string) error {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := m.GetActive(userID)
	if !ok {
		return ErrNoActiveThread
	}

	completedID, err := m.store.CreateCompleted(ctx, rec)
	if err != nil {
		return fmt.Errorf("create completed thread: %w", err)
	}
	if err := m.store.DeleteActive(ctx, rec.RecordID); err != nil {
		m.log.Error("deleting active row after completion failed, leaving stale row",
			"user", userID, "record_id", rec.RecordID, "err", err)
	}

	done := rec
	done.RecordID = completedID

	m.mu.Lock()
	m.completed[userID] = append(m.completed[userID], done)
	delete(m.active, userID)
	m.mu.Unlock()

	m.log.Info("completed thread", "user", userID, "thread_ts", rec.ThreadTS)
	return nil
}

// Delete removes the thread whose action-bearing message matches messageTS,
// checking the active entry first and then the user's completed history. A
// user can have one active and several completed threads at once, so the
// lookup has to match on the message id, not just the user. Returns the
// removed record and whether it was the active one; nil means nothing
// matched.
func (m *Manager) Delete(ctx context.Context, userID, messageTS string) (*ThreadRecord, bool, error) {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if rec, ok := m.GetActive(userID); ok && rec.MessageTS == messageTS {
		if err := m.store.DeleteActive(ctx, rec.RecordID); err != nil {
			return nil, false, fmt.Errorf("delete active thread: %w", err)
		}
		m.mu.Lock()
		delete(m.active, userID)
		m.mu.Unlock()
		m.log.Info("deleted active thread", "user", userID)
		return &rec, true, nil
	}

	m.mu.RLock()
	idx := -1
	var rec ThreadRecord
	for i, cand := range m.completed[userID] {
		if cand.MessageTS == messageTS {
			idx, rec = i, cand
			break
		}
	}
	m.mu.RUnlock()
	if idx < 0 {
		return nil, false, nil
	}

	if err := m.store.DeleteCompleted(ctx, rec.RecordID); err != nil {
		return nil, false, fmt.Errorf("delete completed thread: %w", err)
	}
	m.mu.Lock()
	recs := m.completed[userID]
	m.completed[userID] = append(recs[:idx:idx], recs[idx+1:]...)
	m.mu.Unlock()

	m.log.Info("deleted completed thread", "user", userID)
	return &rec, false, nil
}

// GetCompleted returns the user's completed threads in completion order.
func (m *Manager) GetCompleted(userID string) []ThreadRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.completed[userID]
	out := make([]ThreadRecord, len(recs))
	copy(out, recs)
	return out
}

// FindByThreadTS scans the active cache for the thread anchored at threadTS.
// Used to route staff replies back to the user. A linear scan is fine: the
// cache holds open conversations, not messages.
func (m *Manager) FindByThreadTS(threadTS string) (ThreadRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.active {
		if rec.ThreadTS == threadTS {
			return rec, true
		}
	}
	return ThreadRecord{}, false
}
