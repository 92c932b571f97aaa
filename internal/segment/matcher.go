// Package segment evaluates recipients against saved segment criteria.
package segment

import "github.com/spec-kit/backoffice-engine/internal/domain"

// Matches reports whether r satisfies every criterion that is set.
func Matches(r *domain.Recipient, c domain.SegmentCriteria) bool {
	if r == nil {
		return false
	}
	if c.Status != nil && r.Status != *c.Status {
		return false
	}
	if !hasAllTags(r.Tags, c.Tags) {
		return false
	}
	if c.SubscribedAfter != nil && r.SubscribedAt.Before(*c.SubscribedAfter) {
		return false
	}
	if c.SubscribedBefore != nil && r.SubscribedAt.After(*c.SubscribedBefore) {
		return false
	}
	return true
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, tag := range have {
		set[tag] = struct{}{}
	}
	for _, tag := range want {
		if _, ok := set[tag]; !ok {
			return false
		}
	}
	return true
}
