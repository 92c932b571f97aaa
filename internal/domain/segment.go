package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCriteria is returned when segment criteria fail validation.
var ErrInvalidCriteria = errors.New("invalid segment criteria")

// SegmentCriteria is the structured filter stored with a segment. All fields are optional and AND-combined.
type SegmentCriteria struct {
	Status           *RecipientStatus `json:"status,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
	SubscribedAfter  *time.Time       `json:"subscribedAfter,omitempty"`
	SubscribedBefore *time.Time       `json:"subscribedBefore,omitempty"`
}

// Validate rejects criteria that could never be evaluated meaningfully.
func (c SegmentCriteria) Validate() error {
	if c.Status != nil && !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCriteria, *c.Status)
	}
	for _, tag := range c.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: empty tag", ErrInvalidCriteria)
		}
	}
	if c.SubscribedAfter != nil && c.SubscribedBefore != nil && c.SubscribedAfter.After(*c.SubscribedBefore) {
		return fmt.Errorf("%w: subscribedAfter is later than subscribedBefore", ErrInvalidCriteria)
	}
	return nil
}

// Segment is a saved recipient filter used to gate automation entry.
type Segment struct {
	ID        string
	Name      string
	Criteria  SegmentCriteria
	CreatedAt time.Time
}
