package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all three logs in process memory. Used by tests and by
// database.driver=memory for dry runs.
type MemoryStore struct {
	mu            sync.RWMutex
	pulls         []Pull
	events        []Event
	notifications []Notification
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

func (m *MemoryStore) InsertPull(_ context.Context, pull Pull) error {
	rates := make(map[string]RateObservation, len(pull.Rates))
	for id, obs := range pull.Rates {
		rates[id] = obs
	}
	pull.Rates = rates

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls = append(m.pulls, pull)
	return nil
}

func (m *MemoryStore) LatestPull(context.Context) (Pull, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := -1
	for i, p := range m.pulls {
		if idx < 0 || !p.CreatedAt.Before(m.pulls[idx].CreatedAt) {
			idx = i
		}
	}
	if idx < 0 {
		return Pull{}, ErrNotFound
	}
	return m.pulls[idx], nil
}

func (m *MemoryStore) InsertEvent(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStore) LatestEvent(_ context.Context, rateID string) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := -1
	for i, e := range m.events {
		if e.RateID != rateID {
			continue
		}
		if idx < 0 || !e.CreatedAt.Before(m.events[idx].CreatedAt) {
			idx = i
		}
	}
	if idx < 0 {
		return Event{}, ErrNotFound
	}
	return m.events[idx], nil
}

func (m *MemoryStore) InsertNotification(_ context.Context, note Notification) error {
	note.TriggeredRuleIDs = append([]string(nil), note.TriggeredRuleIDs...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, note)
	return nil
}

func (m *MemoryStore) LatestNotification(_ context.Context, rateID string) (Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := -1
	for i, n := range m.notifications {
		if n.RateID != rateID {
			continue
		}
		if idx < 0 || !n.CreatedAt.Before(m.notifications[idx].CreatedAt) {
			idx = i
		}
	}
	if idx < 0 {
		return Notification{}, ErrNotFound
	}
	return m.notifications[idx], nil
}

// ListRecentEvents returns events newest first.
func (m *MemoryStore) ListRecentEvents(_ context.Context, limit int) ([]Event, error) {
	m.mu.RLock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRecentPulls returns pulls newest first.
func (m *MemoryStore) ListRecentPulls(_ context.Context, limit int) ([]Pull, error) {
	m.mu.RLock()
	out := make([]Pull, len(m.pulls))
	copy(out, m.pulls)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPullsBetween returns pulls in [from, to) ordered oldest first.
func (m *MemoryStore) ListPullsBetween(_ context.Context, from, to time.Time) ([]Pull, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Pull, 0)
	for _, p := range m.pulls {
		if !p.CreatedAt.Before(from) && p.CreatedAt.Before(to) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Counts reports the number of records in each log.
func (m *MemoryStore) Counts() (pulls, events, notifications int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pulls), len(m.events), len(m.notifications)
}

var _ Store = (*MemoryStore)(nil)
