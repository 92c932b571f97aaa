package domain

import (
	"strings"
	"time"
)

// RecipientStatus enumerates newsletter subscriber states.
type RecipientStatus string

const (
	RecipientActive       RecipientStatus = "active"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
	RecipientBounced      RecipientStatus = "bounced"
)

// Valid reports whether the status is a known value.
func (s RecipientStatus) Valid() bool {
	switch s {
	case RecipientActive, RecipientUnsubscribed, RecipientBounced:
		return true
	}
	return false
}

// Recipient is a newsletter subscriber targeted by automations.
type Recipient struct {
	ID             string
	Email          string
	FirstName      *string
	LastName       *string
	Status         RecipientStatus
	Tags           []string
	SubscribedAt   time.Time
	LastActivityAt *time.Time
	DateOfBirth    *time.Time
}

// IsActive reports whether the recipient may still receive messages.
func (r *Recipient) IsActive() bool {
	return r != nil && r.Status == RecipientActive
}

// FullName joins first and last name, falling back to the email address.
func (r *Recipient) FullName() string {
	name := strings.TrimSpace(deref(r.FirstName) + " " + deref(r.LastName))
	if name == "" {
		return r.Email
	}
	return name
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
