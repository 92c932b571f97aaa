package dto

import (
	"time"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// StartExecutionRequest payload for a manual automation start.
type StartExecutionRequest struct {
	AutomationID string            `json:"automation_id"`
	RecipientID  string            `json:"recipient_id"`
	TriggerData  map[string]string `json:"trigger_data"`
}

// CreateSegmentRequest payload for a saved recipient filter.
type CreateSegmentRequest struct {
	Name     string                 `json:"name"`
	Criteria domain.SegmentCriteria `json:"criteria"`
}

// SegmentResponse describes a stored segment.
type SegmentResponse struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Criteria  domain.SegmentCriteria `json:"criteria"`
	CreatedAt time.Time              `json:"created_at"`
}

// RecipientCreatedRequest payload for the welcome trigger.
type RecipientCreatedRequest struct {
	RecipientID string `json:"recipient_id"`
}

// AttachPolicyRequest payload. An empty priority uses the ticket's own.
type AttachPolicyRequest struct {
	Priority domain.TicketPriority `json:"priority"`
}

// RecordEventRequest payload. A missing timestamp means now.
type RecordEventRequest struct {
	At *time.Time `json:"at"`
}

// ExecutionResponse describes an automation execution.
type ExecutionResponse struct {
	ID            string                 `json:"id"`
	AutomationID  string                 `json:"automation_id"`
	RecipientID   string                 `json:"recipient_id"`
	CurrentStepID *string                `json:"current_step_id"`
	Status        domain.ExecutionStatus `json:"status"`
	NextStepAt    *time.Time             `json:"next_step_at"`
}

// TriggerResponse reports how many executions a trigger started.
type TriggerResponse struct {
	Trigger domain.TriggerType `json:"trigger"`
	Started int                `json:"started"`
}

// DeadlineResponse describes one tracked deadline.
type DeadlineResponse struct {
	Deadline    time.Time             `json:"deadline"`
	Status      domain.DeadlineStatus `json:"status"`
	EventAt     *time.Time            `json:"event_at"`
	WarningSent bool                  `json:"warning_sent"`
	BreachSent  bool                  `json:"breach_sent"`
}

// TrackingResponse describes an SLA tracking record.
type TrackingResponse struct {
	ID         string           `json:"id"`
	TicketID   string           `json:"ticket_id"`
	PolicyID   string           `json:"policy_id"`
	Response   DeadlineResponse `json:"response"`
	Resolution DeadlineResponse `json:"resolution"`
	CreatedAt  time.Time        `json:"created_at"`
}

// RunResponse reports a manually requested job run.
type RunResponse struct {
	Job    string `json:"job"`
	Status string `json:"status"`
}
