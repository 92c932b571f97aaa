package domain

import "time"

// StaffRole enumerates internal operator roles.
type StaffRole string

const (
	StaffRoleAgent   StaffRole = "AGENT"
	StaffRoleSupport StaffRole = "SUPPORT"
	StaffRoleAdmin   StaffRole = "ADMIN"
)

// EscalationRoles receive breach notices in addition to the assignee.
var EscalationRoles = []StaffRole{StaffRoleAdmin, StaffRoleSupport}

// StaffMember models a support agent or administrator.
type StaffMember struct {
	ID        string
	Name      string
	Email     string
	Role      StaffRole
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
