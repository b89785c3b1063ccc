package events

import (
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	pkgerrors "callsignal-server/pkg/errors"
	"callsignal-server/pkg/metrics"
)

// Registry tracks which consumers want which event types, optionally scoped
// by organization, user, room, or custom field filters. The flat table and
// the room indexes are always updated together under one lock.
type Registry struct {
	logger   *logrus.Entry
	validate *validator.Validate

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	rooms         map[string]map[string]struct{} // room -> subscriber id set
}

// NewRegistry creates an empty subscription registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger:        logger.WithField("component", "subscription_registry"),
		validate:      validator.New(),
		subscriptions: make(map[string]*Subscription),
		rooms:         make(map[string]map[string]struct{}),
	}
}

// Subscribe validates the spec, assigns an id, and indexes the subscription
// in the flat table and every room index atomically.
func (r *Registry) Subscribe(spec SubscriptionSpec) (string, error) {
	if err := r.validate.Struct(spec); err != nil {
		return "", pkgerrors.NewInvalidSubscription("event types are required", map[string]interface{}{
			"validation": err.Error(),
		})
	}

	sub := &Subscription{
		ID:             uuid.NewString(),
		EventTypes:     append([]string(nil), spec.EventTypes...),
		OrganizationID: spec.OrganizationID,
		UserID:         spec.UserID,
		Rooms:          append([]string(nil), spec.Rooms...),
		Filters:        make(map[string]string, len(spec.Filters)),
		CreatedAt:      time.Now(),
		eventTypes:     make(map[string]struct{}, len(spec.EventTypes)),
		rooms:          make(map[string]struct{}, len(spec.Rooms)),
	}
	for k, v := range spec.Filters {
		sub.Filters[k] = v
	}
	for _, t := range spec.EventTypes {
		sub.eventTypes[t] = struct{}{}
	}
	for _, room := range spec.Rooms {
		sub.rooms[room] = struct{}{}
	}

	r.mu.Lock()
	r.subscriptions[sub.ID] = sub
	for _, room := range sub.Rooms {
		if r.rooms[room] == nil {
			r.rooms[room] = make(map[string]struct{})
		}
		r.rooms[room][sub.ID] = struct{}{}
	}
	count := len(r.subscriptions)
	r.mu.Unlock()

	metrics.SetSubscriptions(count)

	r.logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"event_types":     sub.EventTypes,
		"rooms":           sub.Rooms,
	}).Debug("Subscription registered")

	return sub.ID, nil
}

// Unsubscribe removes the subscription from the flat table and from every
// room index it appeared in, pruning rooms left empty. Returns false if the
// id was unknown.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	sub, exists := r.subscriptions[id]
	if !exists {
		r.mu.Unlock()
		return false
	}

	delete(r.subscriptions, id)
	for _, room := range sub.Rooms {
		if members := r.rooms[room]; members != nil {
			delete(members, id)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	count := len(r.subscriptions)
	r.mu.Unlock()

	metrics.SetSubscriptions(count)

	r.logger.WithField("subscription_id", id).Debug("Subscription removed")
	return true
}

// Get returns a registered subscription by id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subscriptions[id]
	return sub, ok
}

// Match resolves the delivery set for an event: subscriptions whose
// predicate matches, restricted by room scoping. Room-scoped subscriptions
// are eligible only when the event room is in their set or the event
// carries no room; non-room-scoped matches are always included.
func (r *Registry) Match(event Event, room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []string
	for id, sub := range r.subscriptions {
		if !r.isRelevant(event, sub) {
			continue
		}
		if len(sub.rooms) > 0 && room != "" {
			if _, inRoom := sub.rooms[room]; !inRoom {
				continue
			}
		}
		matched = append(matched, id)
	}

	sort.Strings(matched)
	return matched
}

// isRelevant is the base matching predicate: event type membership,
// organization/user equality when the subscription sets them, and equality
// of every filter key against the same-named event field.
func (r *Registry) isRelevant(event Event, sub *Subscription) bool {
	if _, ok := sub.eventTypes[event.Type]; !ok {
		return false
	}
	if sub.OrganizationID != "" && sub.OrganizationID != event.OrganizationID {
		return false
	}
	if sub.UserID != "" && sub.UserID != event.UserID {
		return false
	}
	for key, want := range sub.Filters {
		got, ok := event.Field(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Count returns the number of registered subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}

// RoomCounts returns the per-room subscriber counts for the stats surface.
func (r *Registry) RoomCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.rooms))
	for room, members := range r.rooms {
		counts[room] = len(members)
	}
	return counts
}
