package events

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "callsignal-server/pkg/errors"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func TestSubscribeValidation(t *testing.T) {
	r := NewRegistry(testLogger())

	_, err := r.Subscribe(SubscriptionSpec{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrInvalidSubscription))

	_, err = r.Subscribe(SubscriptionSpec{EventTypes: []string{}})
	assert.Error(t, err, "Empty event type list is rejected")

	id, err := r.Subscribe(SubscriptionSpec{EventTypes: []string{"call.answered"}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, r.Count())
}

func TestSubscribeIndexesRooms(t *testing.T) {
	r := NewRegistry(testLogger())

	id, err := r.Subscribe(SubscriptionSpec{
		EventTypes: []string{"call.answered"},
		Rooms:      []string{"campaign-1", "campaign-2"},
	})
	require.NoError(t, err)

	counts := r.RoomCounts()
	assert.Equal(t, 1, counts["campaign-1"])
	assert.Equal(t, 1, counts["campaign-2"])

	sub, ok := r.Get(id)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"campaign-1", "campaign-2"}, sub.Rooms)
}

func TestUnsubscribeRemovesRoomIndexes(t *testing.T) {
	r := NewRegistry(testLogger())

	id, err := r.Subscribe(SubscriptionSpec{
		EventTypes: []string{"call.answered"},
		Rooms:      []string{"campaign-1"},
	})
	require.NoError(t, err)

	assert.True(t, r.Unsubscribe(id))
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.RoomCounts(), "Empty rooms are pruned")

	assert.False(t, r.Unsubscribe(id), "Second unsubscribe returns false")
	assert.False(t, r.Unsubscribe("unknown"))
}

func TestMatchTypeAndScopes(t *testing.T) {
	r := NewRegistry(testLogger())

	plain, _ := r.Subscribe(SubscriptionSpec{EventTypes: []string{"call.answered"}})
	orgScoped, _ := r.Subscribe(SubscriptionSpec{
		EventTypes:     []string{"call.answered"},
		OrganizationID: "org-1",
	})
	userScoped, _ := r.Subscribe(SubscriptionSpec{
		EventTypes: []string{"call.answered"},
		UserID:     "user-9",
	})
	otherType, _ := r.Subscribe(SubscriptionSpec{EventTypes: []string{"call.ended"}})

	event := Event{Type: "call.answered", OrganizationID: "org-1"}
	matched := r.Match(event, "")

	assert.Contains(t, matched, plain)
	assert.Contains(t, matched, orgScoped)
	assert.NotContains(t, matched, userScoped, "User filter set but event has no matching user")
	assert.NotContains(t, matched, otherType)
}

func TestMatchRoomScoping(t *testing.T) {
	r := NewRegistry(testLogger())

	roomScoped, _ := r.Subscribe(SubscriptionSpec{
		EventTypes: []string{"call.answered"},
		Rooms:      []string{"campaign-1"},
	})
	global, _ := r.Subscribe(SubscriptionSpec{EventTypes: []string{"call.answered"}})

	event := Event{Type: "call.answered"}

	inRoom := r.Match(event, "campaign-1")
	assert.Contains(t, inRoom, roomScoped)
	assert.Contains(t, inRoom, global, "Non-room-scoped matches are unioned in")

	otherRoom := r.Match(event, "campaign-2")
	assert.NotContains(t, otherRoom, roomScoped)
	assert.Contains(t, otherRoom, global)

	noRoom := r.Match(event, "")
	assert.Contains(t, noRoom, roomScoped, "Room-scoped subs are eligible when the event has no room")
}

func TestMatchCustomFilters(t *testing.T) {
	r := NewRegistry(testLogger())

	filtered, _ := r.Subscribe(SubscriptionSpec{
		EventTypes: []string{"call.amd_result"},
		Filters:    map[string]string{"campaign_id": "42"},
	})

	match := r.Match(Event{
		Type:    "call.amd_result",
		Payload: map[string]interface{}{"campaign_id": 42},
	}, "")
	assert.Contains(t, match, filtered, "Filter values compare against the stringified payload field")

	miss := r.Match(Event{
		Type:    "call.amd_result",
		Payload: map[string]interface{}{"campaign_id": 7},
	}, "")
	assert.NotContains(t, miss, filtered)

	absent := r.Match(Event{Type: "call.amd_result"}, "")
	assert.NotContains(t, absent, filtered, "Missing payload field never matches")
}

func TestSubscribeCopiesSpec(t *testing.T) {
	r := NewRegistry(testLogger())

	spec := SubscriptionSpec{
		EventTypes: []string{"call.amd_result"},
		Filters:    map[string]string{"campaign_id": "42"},
	}
	filtered, err := r.Subscribe(spec)
	require.NoError(t, err)

	// Mutating the caller's spec after Subscribe must not alter matching.
	spec.Filters["campaign_id"] = "7"
	spec.EventTypes[0] = "call.ended"

	match := r.Match(Event{
		Type:    "call.amd_result",
		Payload: map[string]interface{}{"campaign_id": 42},
	}, "")
	assert.Contains(t, match, filtered)

	miss := r.Match(Event{
		Type:    "call.amd_result",
		Payload: map[string]interface{}{"campaign_id": 7},
	}, "")
	assert.NotContains(t, miss, filtered)
}
