package events

import (
	"fmt"
	"time"
)

// Priority orders envelope processing: critical > high > medium > low.
// High and critical events are dispatched synchronously at emit time; low
// and medium wait for the periodic sweep.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// rank returns the sweep ordering weight; higher processes first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// valid reports whether p is one of the four known priorities.
func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// synchronous reports whether emit must dispatch inline before returning.
func (p Priority) synchronous() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// Status is the envelope state machine:
// pending -> processing -> completed, or
// pending -> processing -> failed -> retrying -> processing -> ...
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// EventData is the caller-supplied payload for Emit. Type is mandatory;
// everything else is optional routing context.
type EventData struct {
	Type           string                 `json:"type" validate:"required"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// Event is a domain fact, immutable once constructed by the dispatcher.
type Event struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Timestamp      time.Time              `json:"timestamp"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// Field resolves a named field for filter matching: the well-known event
// fields by name, then payload keys.
func (e Event) Field(name string) (string, bool) {
	switch name {
	case "type":
		return e.Type, true
	case "organization_id", "organizationId":
		return e.OrganizationID, e.OrganizationID != ""
	case "user_id", "userId":
		return e.UserID, e.UserID != ""
	}
	if v, ok := e.Payload[name]; ok {
		return fmt.Sprint(v), true
	}
	return "", false
}

// EventLog wraps an Event for dispatch, carrying delivery and retry state.
// It is mutated only by the dispatcher and evicted from the live queue once
// terminally completed or out of retries.
type EventLog struct {
	ID          string    `json:"id"`
	Event       Event     `json:"event"`
	Room        string    `json:"room,omitempty"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	RetryCount  int       `json:"retry_count"`
	Subscribers []string  `json:"subscribers,omitempty"`
	Error       string    `json:"error,omitempty"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SubscriptionSpec is the caller-supplied registration request.
type SubscriptionSpec struct {
	EventTypes     []string          `json:"event_types" validate:"required,min=1,dive,required"`
	OrganizationID string            `json:"organization_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Rooms          []string          `json:"rooms,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
}

// Subscription is a registered consumer interest. Never mutated in place;
// destroyed only by Unsubscribe.
type Subscription struct {
	ID             string            `json:"id"`
	EventTypes     []string          `json:"event_types"`
	OrganizationID string            `json:"organization_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Rooms          []string          `json:"rooms,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`

	eventTypes map[string]struct{}
	rooms      map[string]struct{}
}

// BroadcastMessage is the payload handed to the broadcast side channel.
type BroadcastMessage struct {
	Event       Event    `json:"event"`
	Room        string   `json:"room,omitempty"`
	Subscribers []string `json:"subscribers,omitempty"`
}
