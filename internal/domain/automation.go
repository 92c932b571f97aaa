package domain

import "time"

// TriggerType enumerates the events that can enrol a recipient into an automation.
type TriggerType string

const (
	TriggerWelcome      TriggerType = "welcome"
	TriggerBirthday     TriggerType = "birthday"
	TriggerReEngagement TriggerType = "re_engagement"
	TriggerManual       TriggerType = "manual"
)

// TriggerTypes lists every supported trigger.
var TriggerTypes = []TriggerType{TriggerWelcome, TriggerBirthday, TriggerReEngagement, TriggerManual}

// AutomationStatus toggles whether triggers may start new executions.
type AutomationStatus string

const (
	AutomationStatusActive AutomationStatus = "active"
	AutomationStatusPaused AutomationStatus = "paused"
)

// Automation is a named, triggerable sequence of timed messages.
type Automation struct {
	ID          string
	Name        string
	TriggerType TriggerType
	Status      AutomationStatus
	SegmentID   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsActive reports whether the automation accepts new executions.
func (a *Automation) IsActive() bool {
	return a != nil && a.Status == AutomationStatusActive
}

// DelayUnit is the unit of a step delay.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// Duration converts value units into a duration. ok is false for unknown units.
func (u DelayUnit) Duration(value int) (time.Duration, bool) {
	var unit time.Duration
	switch u {
	case DelayMinutes:
		unit = time.Minute
	case DelayHours:
		unit = time.Hour
	case DelayDays:
		unit = 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(value) * unit, true
}

// AutomationStep is one message plus delay within an automation.
type AutomationStep struct {
	ID           string
	AutomationID string
	StepOrder    int
	DelayValue   int
	DelayUnit    DelayUnit
	Subject      string
	Body         string
}

// Delay returns the wait before this step fires.
func (s *AutomationStep) Delay() (time.Duration, bool) {
	return s.DelayUnit.Duration(s.DelayValue)
}

// ExecutionStatus enumerates execution lifecycle states.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// AutomationExecution is one recipient's run through an automation.
type AutomationExecution struct {
	ID            string
	AutomationID  string
	RecipientID   string
	CurrentStepID *string
	Status        ExecutionStatus
	TriggerData   map[string]string
	NextStepAt    *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StepOutcome records how a step dispatch ended.
type StepOutcome string

const (
	StepSent   StepOutcome = "sent"
	StepFailed StepOutcome = "failed"
)

// AutomationStepLog is the write-once audit row for a dispatched step.
type AutomationStepLog struct {
	ID          string
	ExecutionID string
	StepID      string
	Outcome     StepOutcome
	Error       *string
	CreatedAt   time.Time
}
