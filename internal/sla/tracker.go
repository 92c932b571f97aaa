// Package sla escalates ticket deadlines from pending to warning to breached and sends
// the matching notices at most once.
package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/backoffice-engine/internal/domain"
	"github.com/spec-kit/backoffice-engine/internal/events"
	"github.com/spec-kit/backoffice-engine/internal/notify"
	"github.com/spec-kit/backoffice-engine/internal/observability"
	"github.com/spec-kit/backoffice-engine/internal/repository"
)

// ErrNoPolicy is returned by AttachPolicy when no active policy covers the priority.
var ErrNoPolicy = errors.New("no active sla policy for priority")

// Notifier renders and sends one message.
type Notifier interface {
	Dispatch(ctx context.Context, to, subject, body string, data map[string]string) notify.Result
}

// Config tunes the tracker.
type Config struct {
	// WarningWindow is the ticket-level warning window.
	WarningWindow time.Duration
	TicketBaseURL string
	Location      *time.Location
}

func (c Config) withDefaults() Config {
	if c.WarningWindow <= 0 {
		c.WarningWindow = 2 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Dependencies bundles the tracker collaborators.
type Dependencies struct {
	Tickets   repository.TicketRepository
	Staff     repository.StaffRepository
	Policies  repository.SlaPolicyRepository
	Tracking  repository.SlaTrackingRepository
	Templates repository.TemplateRepository
	Notifier  Notifier
	Events    events.Dispatcher
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Tracker checks deadlines and records deadline events.
type Tracker struct {
	cfg       Config
	tickets   repository.TicketRepository
	staff     repository.StaffRepository
	policies  repository.SlaPolicyRepository
	tracking  repository.SlaTrackingRepository
	templates repository.TemplateRepository
	notifier  Notifier
	events    events.Dispatcher
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewTracker wires a tracker.
func NewTracker(cfg Config, deps Dependencies) *Tracker {
	t := &Tracker{
		cfg:       cfg.withDefaults(),
		tickets:   deps.Tickets,
		staff:     deps.Staff,
		policies:  deps.Policies,
		tracking:  deps.Tracking,
		templates: deps.Templates,
		notifier:  deps.Notifier,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Clock,
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// CheckResult summarises one check.
type CheckResult struct {
	Checked  int
	Warnings int
	Breaches int
}

func (r CheckResult) add(o CheckResult) CheckResult {
	return CheckResult{
		Checked:  r.Checked + o.Checked,
		Warnings: r.Warnings + o.Warnings,
		Breaches: r.Breaches + o.Breaches,
	}
}

// Check runs the ticket-level and the tracking-level checks. Either scan failing is
// returned; the other still runs.
func (t *Tracker) Check(ctx context.Context) (CheckResult, error) {
	tickets, ticketErr := t.CheckTickets(ctx)
	tracked, trackingErr := t.CheckTracking(ctx)
	res := tickets.add(tracked)
	t.logger.Info("sla check finished",
		zap.Int("checked", res.Checked),
		zap.Int("warnings", res.Warnings),
		zap.Int("breaches", res.Breaches))
	return res, errors.Join(ticketErr, trackingErr)
}

// CheckTickets applies the single due-date model to open tickets.
func (t *Tracker) CheckTickets(ctx context.Context) (CheckResult, error) {
	tickets, err := t.tickets.ListOpenWithDeadline(ctx)
	if err != nil {
		return CheckResult{}, fmt.Errorf("list open tickets: %w", err)
	}

	now := t.now()
	res := CheckResult{Checked: len(tickets)}
	for i := range tickets {
		ticket := &tickets[i]
		if ticket.SlaDueDate == nil {
			continue
		}
		remaining := ticket.SlaDueDate.Sub(now)
		switch {
		case remaining < 0 && !ticket.SlaBreached:
			if t.ticketBreach(ctx, ticket, now) {
				res.Breaches++
			}
		case remaining > 0 && remaining <= t.cfg.WarningWindow && ticket.EscalationLevel == 0:
			if t.ticketWarning(ctx, ticket, now) {
				res.Warnings++
			}
		}
	}
	return res, nil
}

func (t *Tracker) ticketBreach(ctx context.Context, ticket *domain.Ticket, now time.Time) bool {
	log := t.logger.With(zap.String("ticket_id", ticket.ID), zap.String("notice", string(domain.NoticeBreach)))
	tmpl, ok := t.template(ctx, log, domain.TemplateSlaBreach)
	if !ok {
		return false
	}
	claimed, err := t.tickets.MarkBreached(ctx, ticket.ID)
	if err != nil {
		log.Error("mark ticket breached", zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}

	n := notice{
		ticket:     ticket,
		deadline:   *ticket.SlaDueDate,
		label:      ticketDeadline,
		kind:       domain.NoticeBreach,
		escalation: ticket.EscalationLevel + 1,
	}
	t.send(ctx, log, tmpl, n, t.breachRecipients(ctx, log, ticket), now)
	return true
}

func (t *Tracker) ticketWarning(ctx context.Context, ticket *domain.Ticket, now time.Time) bool {
	log := t.logger.With(zap.String("ticket_id", ticket.ID), zap.String("notice", string(domain.NoticeWarning)))
	tmpl, ok := t.template(ctx, log, domain.TemplateSlaWarning)
	if !ok {
		return false
	}
	claimed, err := t.tickets.MarkWarned(ctx, ticket.ID)
	if err != nil {
		log.Error("mark ticket warned", zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}

	n := notice{
		ticket:     ticket,
		deadline:   *ticket.SlaDueDate,
		label:      ticketDeadline,
		kind:       domain.NoticeWarning,
		escalation: 1,
	}
	t.send(ctx, log, tmpl, n, t.assignee(ctx, log, ticket), now)
	return true
}

// CheckTracking escalates both deadlines of every open tracking record.
func (t *Tracker) CheckTracking(ctx context.Context) (CheckResult, error) {
	records, err := t.tracking.ListOpen(ctx)
	if err != nil {
		return CheckResult{}, fmt.Errorf("list open sla tracking: %w", err)
	}

	now := t.now()
	res := CheckResult{Checked: len(records)}
	for i := range records {
		rec := &records[i]
		log := t.logger.With(zap.String("tracking_id", rec.ID), zap.String("ticket_id", rec.TicketID))

		ticket, err := t.tickets.GetByID(ctx, rec.TicketID)
		if err != nil {
			log.Error("load tracked ticket", zap.Error(err))
			continue
		}
		threshold := domain.DefaultWarningThresholdPercent
		policy, err := t.policies.GetByID(ctx, rec.PolicyID)
		switch {
		case err == nil:
			threshold = policy.Threshold()
		case errors.Is(err, repository.ErrNotFound):
			log.Warn("tracking references missing policy, using default threshold", zap.String("policy_id", rec.PolicyID))
		default:
			log.Error("load sla policy", zap.Error(err))
			continue
		}

		for _, kind := range domain.DeadlineKinds {
			switch t.evaluate(ctx, log.With(zap.String("deadline", string(kind))), rec, ticket, kind, threshold, now) {
			case domain.NoticeWarning:
				res.Warnings++
			case domain.NoticeBreach:
				res.Breaches++
			}
		}
	}
	return res, nil
}

// evaluate moves one deadline forward and returns the notice it sent, if any.
func (t *Tracker) evaluate(ctx context.Context, log *zap.Logger, rec *domain.SlaTracking, ticket *domain.Ticket, kind domain.DeadlineKind, threshold int, now time.Time) domain.NoticeKind {
	if rec.EventAt(kind) != nil {
		return ""
	}
	status := rec.Status(kind)
	if status == domain.DeadlineMet {
		return ""
	}

	deadline := rec.Deadline(kind)
	remaining := deadline.Sub(now)
	n := notice{ticket: ticket, deadline: deadline, label: string(kind), trackingID: rec.ID, deadlineKind: kind}

	if remaining < 0 {
		if status != domain.DeadlineBreached {
			if _, err := t.tracking.UpdateStatus(ctx, rec.ID, kind,
				[]domain.DeadlineStatus{domain.DeadlinePending, domain.DeadlineWarning}, domain.DeadlineBreached); err != nil {
				log.Error("mark deadline breached", zap.Error(err))
				return ""
			}
		}
		if rec.NoticeSent(kind, domain.NoticeBreach) {
			return ""
		}
		n.kind = domain.NoticeBreach
		n.escalation = ticket.EscalationLevel + 1
		if !t.claimAndSend(ctx, log, n, now) {
			return ""
		}
		return domain.NoticeBreach
	}

	if status == domain.DeadlinePending && withinThreshold(remaining, deadline.Sub(rec.CreatedAt), threshold) {
		if _, err := t.tracking.UpdateStatus(ctx, rec.ID, kind,
			[]domain.DeadlineStatus{domain.DeadlinePending}, domain.DeadlineWarning); err != nil {
			log.Error("mark deadline warning", zap.Error(err))
			return ""
		}
		status = domain.DeadlineWarning
	}
	if status != domain.DeadlineWarning || rec.NoticeSent(kind, domain.NoticeWarning) {
		return ""
	}
	n.kind = domain.NoticeWarning
	n.escalation = max(ticket.EscalationLevel, 1)
	if !t.claimAndSend(ctx, log, n, now) {
		return ""
	}
	return domain.NoticeWarning
}

// withinThreshold reports whether remaining is at most threshold percent of total.
func withinThreshold(remaining, total time.Duration, threshold int) bool {
	if remaining <= 0 || total <= 0 {
		return false
	}
	return remaining.Milliseconds()*100 <= int64(threshold)*total.Milliseconds()
}

func (t *Tracker) claimAndSend(ctx context.Context, log *zap.Logger, n notice, now time.Time) bool {
	log = log.With(zap.String("notice", string(n.kind)))
	name := domain.TemplateSlaWarning
	if n.kind == domain.NoticeBreach {
		name = domain.TemplateSlaBreach
	}
	tmpl, ok := t.template(ctx, log, name)
	if !ok {
		return false
	}

	claimed, err := t.tracking.ClaimNotice(ctx, n.trackingID, n.deadlineKind, n.kind)
	if err != nil {
		log.Error("claim sla notice", zap.Error(err))
		return false
	}
	if !claimed {
		log.Debug("sla notice already claimed")
		return false
	}

	recipients := t.assignee(ctx, log, n.ticket)
	if n.kind == domain.NoticeBreach {
		recipients = t.breachRecipients(ctx, log, n.ticket)
	}
	t.send(ctx, log, tmpl, n, recipients, now)
	return true
}

// template loads a stored notice template. A missing one is a configuration defect.
func (t *Tracker) template(ctx context.Context, log *zap.Logger, name string) (*domain.EmailTemplate, bool) {
	tmpl, err := t.templates.GetActiveByName(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		log.Error("sla notice template missing or inactive", zap.String("template", name))
		return nil, false
	}
	if err != nil {
		log.Error("load sla notice template", zap.String("template", name), zap.Error(err))
		return nil, false
	}
	return tmpl, true
}

func (t *Tracker) assignee(ctx context.Context, log *zap.Logger, ticket *domain.Ticket) []domain.StaffMember {
	if ticket.AssigneeID == nil {
		return nil
	}
	member, err := t.staff.GetByID(ctx, *ticket.AssigneeID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Error("load assignee", zap.Error(err))
		}
		return nil
	}
	if member.Email == "" {
		return nil
	}
	return []domain.StaffMember{*member}
}

func (t *Tracker) breachRecipients(ctx context.Context, log *zap.Logger, ticket *domain.Ticket) []domain.StaffMember {
	recipients := t.assignee(ctx, log, ticket)
	escalation, err := t.staff.ListByRoles(ctx, domain.EscalationRoles...)
	if err != nil {
		log.Error("list escalation staff", zap.Error(err))
	}
	return uniqueByEmail(append(recipients, escalation...))
}

func (t *Tracker) send(ctx context.Context, log *zap.Logger, tmpl *domain.EmailTemplate, n notice, recipients []domain.StaffMember, now time.Time) {
	if len(recipients) == 0 {
		log.Warn("sla notice has no recipients")
	}
	delivered := 0
	for _, member := range recipients {
		res := t.notifier.Dispatch(ctx, member.Email, tmpl.Subject, tmpl.Body, t.noticeData(n, member, now))
		if res.Delivered() {
			delivered++
			continue
		}
		log.Warn("sla notice not delivered", zap.String("to", member.Email), zap.Error(res.Err))
	}

	log.Info("sla notice sent", zap.Int("recipients", len(recipients)), zap.Int("delivered", delivered))
	t.metrics.RecordSLANotice(n.label, string(n.kind))

	if t.events == nil {
		return
	}
	eventType := events.EventSLAWarning
	if n.kind == domain.NoticeBreach {
		eventType = events.EventSLABreach
	}
	event := events.New(eventType, n.ticket.ID, now, events.SLANoticePayload{
		TicketID:        n.ticket.ID,
		Deadline:        n.label,
		Recipients:      len(recipients),
		Delivered:       delivered,
		EscalationLevel: n.escalation,
	})
	if err := t.events.Publish(ctx, event); err != nil {
		log.Warn("publish event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

// AttachPolicy starts tracking a ticket under the active policy for priority, or the
// ticket's own priority when priority is empty. An existing record is returned as is.
func (t *Tracker) AttachPolicy(ctx context.Context, ticketID string, priority domain.TicketPriority) (*domain.SlaTracking, error) {
	ticket, err := t.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if priority == "" {
		priority = ticket.Priority
	}

	policy, err := t.policies.ResolveForPriority(ctx, priority)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w %s", ErrNoPolicy, priority)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve sla policy: %w", err)
	}

	rec := domain.NewSlaTracking(uuid.NewString(), ticket.ID, policy, t.now())
	if err := t.tracking.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return t.tracking.GetByTicketID(ctx, ticket.ID)
		}
		return nil, fmt.Errorf("create sla tracking: %w", err)
	}
	t.logger.Info("sla policy attached",
		zap.String("ticket_id", ticket.ID),
		zap.String("policy_id", policy.ID),
		zap.Time("response_deadline", rec.ResponseDeadline),
		zap.Time("resolution_deadline", rec.ResolutionDeadline))
	return rec, nil
}

// RecordFirstResponse marks the response deadline met unless it already breached.
func (t *Tracker) RecordFirstResponse(ctx context.Context, ticketID string, at time.Time) (*domain.SlaTracking, error) {
	return t.recordEvent(ctx, ticketID, domain.DeadlineResponse, at)
}

// RecordResolution marks the resolution deadline met unless it already breached.
func (t *Tracker) RecordResolution(ctx context.Context, ticketID string, at time.Time) (*domain.SlaTracking, error) {
	return t.recordEvent(ctx, ticketID, domain.DeadlineResolution, at)
}

func (t *Tracker) recordEvent(ctx context.Context, ticketID string, kind domain.DeadlineKind, at time.Time) (*domain.SlaTracking, error) {
	rec, err := t.tracking.GetByTicketID(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load sla tracking: %w", err)
	}
	if at.IsZero() {
		at = t.now()
	}
	updated, err := t.tracking.RecordEvent(ctx, rec.ID, kind, at)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", kind, err)
	}
	t.logger.Info("sla deadline event recorded",
		zap.String("ticket_id", ticketID),
		zap.String("deadline", string(kind)),
		zap.String("status", string(updated.Status(kind))))
	return updated, nil
}
