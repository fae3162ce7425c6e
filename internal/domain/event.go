package domain

import "time"

type EventKind string

const (
	EventCreated          EventKind = "created"
	EventStatusChanged    EventKind = "status_changed"
	EventStepStarted      EventKind = "step_started"
	EventStepCompleted    EventKind = "step_completed"
	EventAssigned         EventKind = "assigned"
	EventEscalated        EventKind = "escalated"
	EventCancelled        EventKind = "cancelled"
	EventResponseAdded    EventKind = "response_added"
	EventDocumentAttached EventKind = "document_attached"
	EventRated            EventKind = "rated"
)

// Event is one immutable entry of a protocol stream. Sequence is gap-free per
// protocol; Position is the store-wide cursor assigned on append.
type Event struct {
	ProtocolID string    `json:"protocol_id"`
	Sequence   int64     `json:"sequence"`
	Position   int64     `json:"position"`
	Kind       EventKind `json:"kind"`
	ActorID    string    `json:"actor_id"`
	Timestamp  time.Time `json:"timestamp"`
	Data       EventData `json:"data"`
}

// EventData is the payload of every event kind. Only the fields relevant to
// the kind are set.
type EventData struct {
	// created
	Number      string   `json:"number,omitempty"`
	ServiceCode string   `json:"service_code,omitempty"`
	RequesterID string   `json:"requester_id,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Description string   `json:"description,omitempty"`
	Department  string   `json:"department,omitempty"`

	// status_changed
	Command CommandName `json:"command,omitempty"`
	From    Status      `json:"from,omitempty"`
	To      Status      `json:"to,omitempty"`
	Reason  string      `json:"reason,omitempty"`

	// step_started, step_completed, assigned, escalated
	StepIndex  *int       `json:"step_index,omitempty"`
	Next       *int       `json:"next,omitempty"`
	Final      bool       `json:"final,omitempty"`
	AssigneeID string     `json:"assignee_id,omitempty"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`

	// response_added, document_attached
	Response *Response `json:"response,omitempty"`
	Document *Document `json:"document,omitempty"`

	// rated
	Rating *Rating `json:"rating,omitempty"`
}

func IntPtr(v int) *int { return &v }

func TimePtr(t time.Time) *time.Time { return &t }
