package sla

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/backoffice-engine/internal/domain"
	"github.com/spec-kit/backoffice-engine/internal/notify"
	"github.com/spec-kit/backoffice-engine/internal/repository"
)

type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]*domain.Ticket
	listErr error
}

func newTicketStore(tickets ...domain.Ticket) *ticketStore {
	s := &ticketStore{tickets: map[string]*domain.Ticket{}}
	for i := range tickets {
		tk := tickets[i]
		s.tickets[tk.ID] = &tk
	}
	return s
}

func (s *ticketStore) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.tickets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *tk
	return &cp, nil
}

func (s *ticketStore) get(id string) domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tickets[id]
}

func (s *ticketStore) ListOpenWithDeadline(_ context.Context) ([]domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Ticket
	for _, tk := range s.tickets {
		if tk.SlaDueDate != nil && tk.Status != domain.TicketStatusClosed && tk.Status != domain.TicketStatusResolved {
			out = append(out, *tk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *ticketStore) MarkBreached(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk := s.tickets[id]
	if tk.SlaBreached {
		return false, nil
	}
	tk.SlaBreached = true
	tk.EscalationLevel++
	return true, nil
}

func (s *ticketStore) MarkWarned(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk := s.tickets[id]
	if tk.EscalationLevel != 0 || tk.SlaBreached {
		return false, nil
	}
	tk.EscalationLevel = 1
	return true, nil
}

type staffStore struct {
	members []domain.StaffMember
}

func (s *staffStore) GetByID(_ context.Context, id string) (*domain.StaffMember, error) {
	for i := range s.members {
		if s.members[i].ID == id {
			m := s.members[i]
			return &m, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *staffStore) ListByRoles(_ context.Context, roles ...domain.StaffRole) ([]domain.StaffMember, error) {
	var out []domain.StaffMember
	for _, m := range s.members {
		if !m.Active {
			continue
		}
		for _, r := range roles {
			if m.Role == r {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

type policyStore struct {
	policies []domain.SlaPolicy
}

func (s *policyStore) GetByID(_ context.Context, id string) (*domain.SlaPolicy, error) {
	for i := range s.policies {
		if s.policies[i].ID == id {
			p := s.policies[i]
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *policyStore) ResolveForPriority(_ context.Context, priority domain.TicketPriority) (*domain.SlaPolicy, error) {
	var fallback *domain.SlaPolicy
	for i := range s.policies {
		p := s.policies[i]
		if !p.IsActive {
			continue
		}
		if p.Priority != nil && *p.Priority == priority {
			return &p, nil
		}
		if p.Priority == nil && fallback == nil {
			fallback = &p
		}
	}
	if fallback == nil {
		return nil, repository.ErrNotFound
	}
	return fallback, nil
}

type trackingStore struct {
	mu      sync.Mutex
	records map[string]*domain.SlaTracking
}

func newTrackingStore() *trackingStore {
	return &trackingStore{records: map[string]*domain.SlaTracking{}}
}

func (s *trackingStore) Create(_ context.Context, rec *domain.SlaTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.TicketID == rec.TicketID {
			return repository.ErrDuplicate
		}
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *trackingStore) GetByTicketID(_ context.Context, ticketID string) (*domain.SlaTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.TicketID == ticketID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *trackingStore) get(id string) domain.SlaTracking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

func open(status domain.DeadlineStatus, breachSent bool) bool {
	return status == domain.DeadlinePending || status == domain.DeadlineWarning ||
		(status == domain.DeadlineBreached && !breachSent)
}

func (s *trackingStore) ListOpen(_ context.Context) ([]domain.SlaTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SlaTracking
	for _, r := range s.records {
		if open(r.ResponseStatus, r.ResponseBreachSent) || open(r.ResolutionStatus, r.ResolutionBreachSent) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *trackingStore) status(r *domain.SlaTracking, kind domain.DeadlineKind) *domain.DeadlineStatus {
	if kind == domain.DeadlineResponse {
		return &r.ResponseStatus
	}
	return &r.ResolutionStatus
}

func (s *trackingStore) UpdateStatus(_ context.Context, id string, kind domain.DeadlineKind, from []domain.DeadlineStatus, to domain.DeadlineStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, nil
	}
	current := s.status(r, kind)
	for _, f := range from {
		if *current == f {
			*current = to
			return true, nil
		}
	}
	return false, nil
}

func (s *trackingStore) ClaimNotice(_ context.Context, id string, kind domain.DeadlineKind, notice domain.NoticeKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, nil
	}
	var flag *bool
	switch {
	case kind == domain.DeadlineResponse && notice == domain.NoticeWarning:
		flag = &r.ResponseWarningSent
	case kind == domain.DeadlineResponse:
		flag = &r.ResponseBreachSent
	case notice == domain.NoticeWarning:
		flag = &r.ResolutionWarningSent
	default:
		flag = &r.ResolutionBreachSent
	}
	if *flag {
		return false, nil
	}
	*flag = true
	return true, nil
}

func (s *trackingStore) RecordEvent(_ context.Context, id string, kind domain.DeadlineKind, at time.Time) (*domain.SlaTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	eventAt := &r.FirstResponseAt
	if kind == domain.DeadlineResolution {
		eventAt = &r.ResolvedAt
	}
	if *eventAt == nil {
		*eventAt = &at
	}
	status := s.status(r, kind)
	if *status == domain.DeadlinePending || *status == domain.DeadlineWarning {
		*status = domain.DeadlineMet
	}
	cp := *r
	return &cp, nil
}

type templateStore struct {
	templates map[string]domain.EmailTemplate
}

func defaultTemplates() *templateStore {
	return &templateStore{templates: map[string]domain.EmailTemplate{
		domain.TemplateSlaWarning: {Name: domain.TemplateSlaWarning, Subject: "SLA warning #{{ticketId}}", Body: "{{remainingTime}} left", IsActive: true},
		domain.TemplateSlaBreach:  {Name: domain.TemplateSlaBreach, Subject: "SLA breach #{{ticketId}}", Body: "{{overdueTime}} overdue", IsActive: true},
	}}
}

func (s *templateStore) GetActiveByName(_ context.Context, name string) (*domain.EmailTemplate, error) {
	tmpl, ok := s.templates[name]
	if !ok || !tmpl.IsActive {
		return nil, repository.ErrNotFound
	}
	return &tmpl, nil
}

type sentNotice struct {
	to   string
	data map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (n *fakeNotifier) Dispatch(_ context.Context, to, _, _ string, data map[string]string) notify.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{to: to, data: data})
	return notify.Result{Outcome: notify.Delivered}
}

func (n *fakeNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.to
	}
	return out
}
