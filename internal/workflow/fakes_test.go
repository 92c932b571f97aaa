package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/backoffice-engine/internal/domain"
	"github.com/spec-kit/backoffice-engine/internal/notify"
	"github.com/spec-kit/backoffice-engine/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type automationStore struct {
	mu          sync.Mutex
	automations map[string]*domain.Automation
	steps       map[string]*domain.AutomationStep
}

func newAutomationStore() *automationStore {
	return &automationStore{automations: map[string]*domain.Automation{}, steps: map[string]*domain.AutomationStep{}}
}

func (s *automationStore) add(a domain.Automation, steps ...domain.AutomationStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automations[a.ID] = &a
	for i := range steps {
		st := steps[i]
		st.AutomationID = a.ID
		s.steps[st.ID] = &st
	}
}

func (s *automationStore) GetByID(_ context.Context, id string) (*domain.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *automationStore) ListActiveByTrigger(_ context.Context, trigger domain.TriggerType) ([]domain.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Automation
	for _, a := range s.automations {
		if a.TriggerType == trigger && a.IsActive() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *automationStore) ordered(automationID string) []domain.AutomationStep {
	var out []domain.AutomationStep
	for _, st := range s.steps {
		if st.AutomationID == automationID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

func (s *automationStore) FirstStep(_ context.Context, automationID string) (*domain.AutomationStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.ordered(automationID)
	if len(steps) == 0 {
		return nil, repository.ErrNotFound
	}
	return &steps[0], nil
}

func (s *automationStore) GetStep(_ context.Context, stepID string) (*domain.AutomationStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *automationStore) NextStep(_ context.Context, automationID string, afterOrder int) (*domain.AutomationStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.ordered(automationID) {
		if st.StepOrder > afterOrder {
			return &st, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *automationStore) removeStep(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.steps, id)
}

type executionStore struct {
	mu         sync.Mutex
	execs      map[string]*domain.AutomationExecution
	listErr    error
	stealClaim bool
	mutations  int

	// failAdvance and failComplete make the next n calls return errStore.
	failAdvance  int
	failComplete int
}

var errStore = errors.New("connection reset by peer")

// injected consumes one scheduled failure from n.
func injected(mu *sync.Mutex, n *int) error {
	mu.Lock()
	defer mu.Unlock()
	if *n > 0 {
		*n--
		return errStore
	}
	return nil
}

func newExecutionStore() *executionStore {
	return &executionStore{execs: map[string]*domain.AutomationExecution{}}
}

func (s *executionStore) Create(_ context.Context, exec *domain.AutomationExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.AutomationID == exec.AutomationID && e.RecipientID == exec.RecipientID && !e.Status.IsTerminal() {
			return repository.ErrDuplicate
		}
	}
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (s *executionStore) GetByID(_ context.Context, id string) (*domain.AutomationExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *executionStore) get(id string) domain.AutomationExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.execs[id]
}

func (s *executionStore) HasActive(_ context.Context, automationID, recipientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.AutomationID == automationID && e.RecipientID == recipientID && !e.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *executionStore) LatestFinishedAt(_ context.Context, automationID, recipientID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *time.Time
	for _, e := range s.execs {
		if e.AutomationID != automationID || e.RecipientID != recipientID || !e.Status.IsTerminal() {
			continue
		}
		at := e.UpdatedAt
		if e.CompletedAt != nil {
			at = *e.CompletedAt
		}
		if latest == nil || at.After(*latest) {
			latest = &at
		}
	}
	return latest, nil
}

func (s *executionStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.AutomationExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var due []domain.AutomationExecution
	for _, e := range s.execs {
		if e.Status == domain.ExecutionPending && e.NextStepAt != nil && !e.NextStepAt.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextStepAt.Before(*due[j].NextStepAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *executionStore) transition(id string, from []domain.ExecutionStatus, apply func(e *domain.AutomationExecution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return repository.ErrNotFound
	}
	for _, st := range from {
		if e.Status == st {
			apply(e)
			s.mutations++
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *executionStore) Claim(_ context.Context, id string) (bool, error) {
	if s.stealClaim {
		return false, nil
	}
	err := s.transition(id, []domain.ExecutionStatus{domain.ExecutionPending}, func(e *domain.AutomationExecution) {
		e.Status = domain.ExecutionInProgress
	})
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *executionStore) Release(_ context.Context, id string) error {
	return s.transition(id, []domain.ExecutionStatus{domain.ExecutionInProgress}, func(e *domain.AutomationExecution) {
		e.Status = domain.ExecutionPending
	})
}

func (s *executionStore) Advance(_ context.Context, id, nextStepID string, nextStepAt time.Time) error {
	if err := injected(&s.mu, &s.failAdvance); err != nil {
		return err
	}
	return s.transition(id, []domain.ExecutionStatus{domain.ExecutionInProgress}, func(e *domain.AutomationExecution) {
		e.Status = domain.ExecutionPending
		e.CurrentStepID = &nextStepID
		e.NextStepAt = &nextStepAt
	})
}

func (s *executionStore) Complete(_ context.Context, id string, at time.Time) error {
	if err := injected(&s.mu, &s.failComplete); err != nil {
		return err
	}
	return s.transition(id, []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionInProgress}, func(e *domain.AutomationExecution) {
		e.Status = domain.ExecutionCompleted
		e.CompletedAt = &at
		e.NextStepAt = nil
		e.UpdatedAt = at
	})
}

func (s *executionStore) Fail(_ context.Context, id string, at time.Time) error {
	return s.transition(id, []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionInProgress}, func(e *domain.AutomationExecution) {
		e.Status = domain.ExecutionFailed
		e.NextStepAt = nil
		e.UpdatedAt = at
	})
}

type stepLogStore struct {
	mu         sync.Mutex
	logs       map[string]domain.AutomationStepLog
	failAppend int
	appends    int
}

func newStepLogStore() *stepLogStore {
	return &stepLogStore{logs: map[string]domain.AutomationStepLog{}}
}

func (s *stepLogStore) Append(_ context.Context, log *domain.AutomationStepLog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.failAppend > 0 {
		s.failAppend--
		return false, errStore
	}
	key := log.ExecutionID + "/" + log.StepID
	if _, ok := s.logs[key]; ok {
		return false, nil
	}
	s.logs[key] = *log
	return true, nil
}

func (s *stepLogStore) Find(_ context.Context, executionID, stepID string) (*domain.AutomationStepLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[executionID+"/"+stepID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &log, nil
}

type recipientStore struct {
	mu            sync.Mutex
	recipients    map[string]*domain.Recipient
	inactivePages int
}

func newRecipientStore(rs ...domain.Recipient) *recipientStore {
	s := &recipientStore{recipients: map[string]*domain.Recipient{}}
	for i := range rs {
		r := rs[i]
		s.recipients[r.ID] = &r
	}
	return s
}

func (s *recipientStore) GetByID(_ context.Context, id string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *recipientStore) setStatus(id string, status domain.RecipientStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[id].Status = status
}

func (s *recipientStore) sorted(keep func(r *domain.Recipient) bool) []domain.Recipient {
	var out []domain.Recipient
	for _, r := range s.recipients {
		if r.IsActive() && keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *recipientStore) ListBirthdays(_ context.Context, month time.Month, day int) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(r *domain.Recipient) bool {
		return r.DateOfBirth != nil && r.DateOfBirth.Month() == month && r.DateOfBirth.Day() == day
	}), nil
}

func (s *recipientStore) ListInactiveSince(_ context.Context, cutoff time.Time, afterID string, limit int) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inactivePages++
	out := s.sorted(func(r *domain.Recipient) bool {
		return r.LastActivityAt != nil && r.LastActivityAt.Before(cutoff) && r.ID > afterID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type segmentStore struct {
	segments map[string]*domain.Segment
}

func (s *segmentStore) GetByID(_ context.Context, id string) (*domain.Segment, error) {
	seg, ok := s.segments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return seg, nil
}

func (s *segmentStore) Create(_ context.Context, seg *domain.Segment) error {
	if err := seg.Criteria.Validate(); err != nil {
		return err
	}
	s.segments[seg.ID] = seg
	return nil
}

type sentMessage struct {
	at   time.Time
	msg  notify.Message
	data map[string]string
}

type fakeNotifier struct {
	mu    sync.Mutex
	clock *fakeClock
	sent  []sentMessage
	fail  error
}

func (n *fakeNotifier) Dispatch(_ context.Context, to, subject, body string, data map[string]string) notify.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return notify.Result{Outcome: notify.Failed, Err: n.fail}
	}
	n.sent = append(n.sent, sentMessage{
		at:   n.clock.Now(),
		msg:  notify.Message{To: to, Subject: subject, HTML: body},
		data: data,
	})
	return notify.Result{Outcome: notify.Delivered}
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}
