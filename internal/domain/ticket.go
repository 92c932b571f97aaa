package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen        TicketStatus = "OPEN"
	TicketStatusInProgress  TicketStatus = "IN_PROGRESS"
	TicketStatusPendingUser TicketStatus = "PENDING_USER"
	TicketStatusResolved    TicketStatus = "RESOLVED"
	TicketStatusClosed      TicketStatus = "CLOSED"
	TicketStatusCancelled   TicketStatus = "CANCELLED"
)

// ClosedTicketStatuses are the states excluded from deadline tracking.
var ClosedTicketStatuses = []TicketStatus{TicketStatusResolved, TicketStatusClosed, TicketStatusCancelled}

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "LOW"
	TicketPriorityMedium TicketPriority = "MEDIUM"
	TicketPriorityHigh   TicketPriority = "HIGH"
	TicketPriorityUrgent TicketPriority = "URGENT"
)

// Label is the human form used in notification content.
func (p TicketPriority) Label() string {
	switch p {
	case TicketPriorityLow:
		return "Low"
	case TicketPriorityMedium:
		return "Medium"
	case TicketPriorityHigh:
		return "High"
	case TicketPriorityUrgent:
		return "Urgent"
	}
	return string(p)
}

// Ticket is the slice of the support ticket aggregate the deadline tracker reads.
type Ticket struct {
	ID              string
	Subject         string
	CustomerName    *string
	Status          TicketStatus
	Priority        TicketPriority
	AssigneeID      *string
	SlaDueDate      *time.Time
	SlaBreached     bool
	EscalationLevel int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
