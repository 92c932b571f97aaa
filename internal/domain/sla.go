package domain

import "time"

// DefaultWarningThresholdPercent applies when a policy omits its own threshold.
const DefaultWarningThresholdPercent = 80

// SlaPolicy is a named response/resolution time budget.
type SlaPolicy struct {
	ID                      string
	Name                    string
	Priority                *TicketPriority
	ResponseTimeMinutes     int
	ResolutionTimeMinutes   int
	WarningThresholdPercent int
	IsActive                bool
	CreatedAt               time.Time
}

// Threshold returns the warning threshold, applying the default for unset values.
func (p *SlaPolicy) Threshold() int {
	if p.WarningThresholdPercent <= 0 || p.WarningThresholdPercent > 100 {
		return DefaultWarningThresholdPercent
	}
	return p.WarningThresholdPercent
}

// DeadlineKind selects one of the two tracked deadlines.
type DeadlineKind string

const (
	DeadlineResponse   DeadlineKind = "response"
	DeadlineResolution DeadlineKind = "resolution"
)

// DeadlineKinds lists both tracked deadlines in evaluation order.
var DeadlineKinds = []DeadlineKind{DeadlineResponse, DeadlineResolution}

// DeadlineStatus is the monotonic compliance state of one deadline.
type DeadlineStatus string

const (
	DeadlinePending  DeadlineStatus = "pending"
	DeadlineWarning  DeadlineStatus = "warning"
	DeadlineBreached DeadlineStatus = "breached"
	DeadlineMet      DeadlineStatus = "met"
)

// NoticeKind distinguishes the two notices sent per deadline.
type NoticeKind string

const (
	NoticeWarning NoticeKind = "warning"
	NoticeBreach  NoticeKind = "breach"
)

// SlaTracking is the per-ticket instantiation of a policy.
type SlaTracking struct {
	ID                    string
	TicketID              string
	PolicyID              string
	ResponseDeadline      time.Time
	ResolutionDeadline    time.Time
	FirstResponseAt       *time.Time
	ResolvedAt            *time.Time
	ResponseStatus        DeadlineStatus
	ResolutionStatus      DeadlineStatus
	ResponseWarningSent   bool
	ResponseBreachSent    bool
	ResolutionWarningSent bool
	ResolutionBreachSent  bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NewSlaTracking computes both deadlines from the policy, starting the clock at now.
func NewSlaTracking(id, ticketID string, policy *SlaPolicy, now time.Time) *SlaTracking {
	return &SlaTracking{
		ID:                 id,
		TicketID:           ticketID,
		PolicyID:           policy.ID,
		ResponseDeadline:   now.Add(time.Duration(policy.ResponseTimeMinutes) * time.Minute),
		ResolutionDeadline: now.Add(time.Duration(policy.ResolutionTimeMinutes) * time.Minute),
		ResponseStatus:     DeadlinePending,
		ResolutionStatus:   DeadlinePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Deadline returns the deadline for kind.
func (t *SlaTracking) Deadline(kind DeadlineKind) time.Time {
	if kind == DeadlineResponse {
		return t.ResponseDeadline
	}
	return t.ResolutionDeadline
}

// Status returns the status for kind.
func (t *SlaTracking) Status(kind DeadlineKind) DeadlineStatus {
	if kind == DeadlineResponse {
		return t.ResponseStatus
	}
	return t.ResolutionStatus
}

// EventAt returns when the deadline's event happened, if it did.
func (t *SlaTracking) EventAt(kind DeadlineKind) *time.Time {
	if kind == DeadlineResponse {
		return t.FirstResponseAt
	}
	return t.ResolvedAt
}

// NoticeSent reports whether the notice flag for kind is set.
func (t *SlaTracking) NoticeSent(kind DeadlineKind, notice NoticeKind) bool {
	switch {
	case kind == DeadlineResponse && notice == NoticeWarning:
		return t.ResponseWarningSent
	case kind == DeadlineResponse && notice == NoticeBreach:
		return t.ResponseBreachSent
	case kind == DeadlineResolution && notice == NoticeWarning:
		return t.ResolutionWarningSent
	default:
		return t.ResolutionBreachSent
	}
}
