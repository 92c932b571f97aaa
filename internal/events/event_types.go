package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventExecutionStarted   EventType = "automation.execution_started"
	EventStepDispatched     EventType = "automation.step_dispatched"
	EventExecutionCompleted EventType = "automation.execution_completed"
	EventExecutionFailed    EventType = "automation.execution_failed"
	EventSLAWarning         EventType = "sla.warning"
	EventSLABreach          EventType = "sla.breach"
)

// AllEventTypes lists every event the engine publishes.
var AllEventTypes = []EventType{
	EventExecutionStarted,
	EventStepDispatched,
	EventExecutionCompleted,
	EventExecutionFailed,
	EventSLAWarning,
	EventSLABreach,
}

// Event represents something the engine did.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SubjectID string    `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// New stamps an event with a fresh id.
func New(eventType EventType, subjectID string, at time.Time, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SubjectID: subjectID,
		Timestamp: at,
		Payload:   payload,
	}
}

// ExecutionPayload describes an automation execution transition.
type ExecutionPayload struct {
	AutomationID string `json:"automation_id"`
	RecipientID  string `json:"recipient_id"`
	StepID       string `json:"step_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SLANoticePayload describes a claimed SLA notice.
type SLANoticePayload struct {
	TicketID        string `json:"ticket_id"`
	Deadline        string `json:"deadline"`
	Recipients      int    `json:"recipients"`
	Delivered       int    `json:"delivered"`
	EscalationLevel int    `json:"escalation_level,omitempty"`
}
