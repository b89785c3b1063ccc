package store

import (
	"context"
	"sync"
	"time"

	"callsignal-server/pkg/events"
	"callsignal-server/pkg/metrics"
)

// Default retention for dispatched event logs.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultIndexLimit = 1000
)

// EventStore persists dispatched event logs keyed by type and id, with
// bounded per-type and per-organization id indexes. Persistence is
// advisory: callers treat every failure as non-fatal.
type EventStore interface {
	Store(ctx context.Context, entry *events.EventLog) error
	Get(ctx context.Context, eventType, eventID string) (*events.EventLog, error)
	RecentByType(ctx context.Context, eventType string, limit int) ([]string, error)
	RecentByOrganization(ctx context.Context, organizationID string, limit int) ([]string, error)
	Count(ctx context.Context) (int, error)
}

type storedEntry struct {
	entry     events.EventLog
	expiresAt time.Time
}

// MemoryEventStore provides an in-memory implementation of EventStore,
// suitable for development and testing. Entries expire after the TTL and
// indexes are capped at the configured limit, oldest silently dropped.
type MemoryEventStore struct {
	ttl        time.Duration
	indexLimit int

	mutex      sync.RWMutex
	entries    map[string]storedEntry // "<type>:<id>" -> entry
	typeIndex  map[string][]string    // type -> most-recent-first ids
	orgIndex   map[string][]string    // org -> most-recent-first ids
}

// NewMemoryEventStore creates an in-memory event store with the default
// retention and index bounds.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		ttl:        DefaultTTL,
		indexLimit: DefaultIndexLimit,
		entries:    make(map[string]storedEntry),
		typeIndex:  make(map[string][]string),
		orgIndex:   make(map[string][]string),
	}
}

// Store persists one dispatched envelope and appends its event id to the
// bounded indexes.
func (m *MemoryEventStore) Store(_ context.Context, entry *events.EventLog) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := entryKey(entry.Event.Type, entry.Event.ID)
	m.entries[key] = storedEntry{
		entry:     *entry,
		expiresAt: time.Now().Add(m.ttl),
	}

	m.typeIndex[entry.Event.Type] = pushBounded(m.typeIndex[entry.Event.Type], entry.Event.ID, m.indexLimit)
	if entry.Event.OrganizationID != "" {
		m.orgIndex[entry.Event.OrganizationID] = pushBounded(m.orgIndex[entry.Event.OrganizationID], entry.Event.ID, m.indexLimit)
	}

	metrics.RecordStoreWrite("memory", false)
	return nil
}

// Get retrieves a stored envelope by type and event id. Expired entries
// read as absent.
func (m *MemoryEventStore) Get(_ context.Context, eventType, eventID string) (*events.EventLog, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stored, ok := m.entries[entryKey(eventType, eventID)]
	if !ok || time.Now().After(stored.expiresAt) {
		return nil, nil
	}

	entry := stored.entry
	return &entry, nil
}

// RecentByType returns the most recent event ids of one type, newest first.
func (m *MemoryEventStore) RecentByType(_ context.Context, eventType string, limit int) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return headCopy(m.typeIndex[eventType], limit), nil
}

// RecentByOrganization returns the most recent event ids for one
// organization, newest first.
func (m *MemoryEventStore) RecentByOrganization(_ context.Context, organizationID string, limit int) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return headCopy(m.orgIndex[organizationID], limit), nil
}

// Count returns the number of unexpired stored entries.
func (m *MemoryEventStore) Count(_ context.Context) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	now := time.Now()
	count := 0
	for _, stored := range m.entries {
		if now.Before(stored.expiresAt) {
			count++
		}
	}
	return count, nil
}

// CleanupExpired removes entries past their expiry and returns how many
// were dropped.
func (m *MemoryEventStore) CleanupExpired() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	var expired []string
	for key, stored := range m.entries {
		if now.After(stored.expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(m.entries, key)
	}
	return len(expired)
}

func entryKey(eventType, eventID string) string {
	return eventType + ":" + eventID
}

// pushBounded prepends id and drops the oldest entries beyond limit.
func pushBounded(ids []string, id string, limit int) []string {
	ids = append([]string{id}, ids...)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func headCopy(ids []string, limit int) []string {
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]string, limit)
	copy(out, ids[:limit])
	return out
}
