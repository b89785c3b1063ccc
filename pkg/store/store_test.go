package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-server/pkg/events"
)

func testEntry(eventType, eventID, orgID string) *events.EventLog {
	return &events.EventLog{
		ID: "log-" + eventID,
		Event: events.Event{
			ID:             eventID,
			Type:           eventType,
			Timestamp:      time.Now(),
			OrganizationID: orgID,
		},
		Status:   events.StatusCompleted,
		Priority: events.PriorityMedium,
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, testEntry("call.answered", "ev-1", "org-1")))

	entry, err := s.Get(ctx, "call.answered", "ev-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "ev-1", entry.Event.ID)
	assert.Equal(t, events.StatusCompleted, entry.Status)

	missing, err := s.Get(ctx, "call.answered", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryStoreIndexes(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, testEntry("call.answered", "ev-1", "org-1")))
	require.NoError(t, s.Store(ctx, testEntry("call.answered", "ev-2", "org-1")))
	require.NoError(t, s.Store(ctx, testEntry("call.ended", "ev-3", "")))

	byType, err := s.RecentByType(ctx, "call.answered", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-2", "ev-1"}, byType, "Newest first")

	byOrg, err := s.RecentByOrganization(ctx, "org-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-2", "ev-1"}, byOrg)

	noOrg, err := s.RecentByOrganization(ctx, "org-2", 10)
	require.NoError(t, err)
	assert.Empty(t, noOrg)

	limited, err := s.RecentByType(ctx, "call.answered", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-2"}, limited)
}

func TestMemoryStoreIndexBound(t *testing.T) {
	s := NewMemoryEventStore()
	s.indexLimit = 5
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, s.Store(ctx, testEntry("call.tick", fmt.Sprintf("ev-%d", i), "")))
	}

	ids, err := s.RecentByType(ctx, "call.tick", 0)
	require.NoError(t, err)
	assert.Len(t, ids, 5, "Oldest ids beyond the bound are dropped")
	assert.Equal(t, "ev-7", ids[0])
	assert.Equal(t, "ev-3", ids[4])
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryEventStore()
	s.ttl = time.Millisecond
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, testEntry("call.answered", "ev-1", "")))
	time.Sleep(5 * time.Millisecond)

	entry, err := s.Get(ctx, "call.answered", "ev-1")
	require.NoError(t, err)
	assert.Nil(t, entry, "Expired entries read as absent")

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	assert.Equal(t, 1, s.CleanupExpired())
}
