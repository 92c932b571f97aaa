package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/backoffice-engine/internal/domain"
	"github.com/spec-kit/backoffice-engine/internal/events"
)

var t0 = time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)

type harness struct {
	clock       *fakeClock
	automations *automationStore
	executions  *executionStore
	logs        *stepLogStore
	recipients  *recipientStore
	segments    *segmentStore
	notifier    *fakeNotifier
	events      events.Dispatcher
	engine      *Engine
}

func newHarness(cfg Config, recipients ...domain.Recipient) *harness {
	clock := newClock(t0)
	h := &harness{
		clock:       clock,
		automations: newAutomationStore(),
		executions:  newExecutionStore(),
		logs:        newStepLogStore(),
		recipients:  newRecipientStore(recipients...),
		segments:    &segmentStore{segments: map[string]*domain.Segment{}},
		notifier:    &fakeNotifier{clock: clock},
		events:      events.NewInMemoryDispatcher(),
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	h.engine = NewEngine(cfg, Dependencies{
		Automations: h.automations,
		Executions:  h.executions,
		StepLogs:    h.logs,
		Recipients:  h.recipients,
		Segments:    h.segments,
		Notifier:    h.notifier,
		Events:      h.events,
		Logger:      zap.NewNop(),
		Clock:       clock.Now,
	})
	return h
}

func strPtr(s string) *string { return &s }

func activeRecipient(id string, tags ...string) domain.Recipient {
	return domain.Recipient{
		ID:           id,
		Email:        id + "@example.com",
		FirstName:    strPtr("Ada"),
		LastName:     strPtr("Lovelace"),
		Status:       domain.RecipientActive,
		Tags:         tags,
		SubscribedAt: t0.Add(-24 * time.Hour),
	}
}

func step(id string, order, delay int, unit domain.DelayUnit) domain.AutomationStep {
	return domain.AutomationStep{
		ID:         id,
		StepOrder:  order,
		DelayValue: delay,
		DelayUnit:  unit,
		Subject:    "Step " + id + " for {{firstName}}",
		Body:       "Hello {{fullName}}",
	}
}

func automation(id string, trigger domain.TriggerType) domain.Automation {
	return domain.Automation{ID: id, Name: id, TriggerType: trigger, Status: domain.AutomationStatusActive}
}

func TestWelcomeScenarioTwoSteps(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerWelcome),
		step("s1", 1, 0, domain.DelayMinutes),
		step("s2", 2, 60, domain.DelayMinutes))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.False(t, exec.NextStepAt.After(h.clock.Now()))
	assert.Equal(t, domain.ExecutionPending, exec.Status)

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Sent: 1}, res)

	got := h.executions.get(exec.ID)
	assert.Equal(t, domain.ExecutionPending, got.Status)
	assert.Equal(t, "s2", *got.CurrentStepID)
	assert.Equal(t, t0.Add(60*time.Minute), *got.NextStepAt)
	require.Equal(t, 1, h.notifier.count())
	assert.Equal(t, "Step s1 for {{firstName}}", h.notifier.sent[0].msg.Subject)
	assert.Equal(t, "Ada", h.notifier.sent[0].data["firstName"])

	h.clock.Advance(10 * time.Minute)
	res, err = h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)
	assert.Equal(t, got, h.executions.get(exec.ID))
	assert.Equal(t, 1, h.notifier.count())

	h.clock.Advance(51 * time.Minute)
	res, err = h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Completed: 1}, res)

	got = h.executions.get(exec.ID)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, t0.Add(61*time.Minute), *got.CompletedAt)
	assert.Equal(t, 2, h.notifier.count())

	for _, id := range []string{"s1", "s2"} {
		log, err := h.logs.Find(ctx, exec.ID, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StepSent, log.Outcome)
	}
}

func TestStepOrderingRespectsDelays(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual),
		step("s3", 30, 1, domain.DelayDays),
		step("s1", 10, 0, domain.DelayMinutes),
		step("s2", 20, 1, domain.DelayHours))
	ctx := context.Background()

	_, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)

	for i := 0; i < 3*24*4; i++ {
		_, err := h.engine.Tick(ctx)
		require.NoError(t, err)
		h.clock.Advance(15 * time.Minute)
	}

	require.Equal(t, 3, h.notifier.count())
	sent := h.notifier.sent
	assert.Equal(t, "Step s1 for {{firstName}}", sent[0].msg.Subject)
	assert.Equal(t, "Step s2 for {{firstName}}", sent[1].msg.Subject)
	assert.Equal(t, "Step s3 for {{firstName}}", sent[2].msg.Subject)
	assert.Equal(t, t0, sent[0].at)
	assert.GreaterOrEqual(t, sent[1].at.Sub(sent[0].at), time.Hour)
	assert.GreaterOrEqual(t, sent[2].at.Sub(sent[1].at), 24*time.Hour)
}

func TestSegmentGatesEntry(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("plain"), activeRecipient("vip", "vip"))
	active := domain.RecipientActive
	require.NoError(t, h.segments.Create(context.Background(), &domain.Segment{
		ID:       "seg-vip",
		Criteria: domain.SegmentCriteria{Status: &active, Tags: []string{"vip"}},
	}))
	a := automation("a1", domain.TriggerManual)
	a.SegmentID = strPtr("seg-vip")
	h.automations.add(a, step("s1", 1, 0, domain.DelayMinutes))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "plain", nil)
	require.NoError(t, err)
	assert.Nil(t, exec)

	exec, err = h.engine.StartExecution(ctx, "a1", "vip", nil)
	require.NoError(t, err)
	assert.NotNil(t, exec)
}

func TestMissingSegmentSkipsEntry(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	a := automation("a1", domain.TriggerManual)
	a.SegmentID = strPtr("deleted")
	h.automations.add(a, step("s1", 1, 0, domain.DelayMinutes))

	exec, err := h.engine.StartExecution(context.Background(), "a1", "r1", nil)
	require.NoError(t, err)
	assert.Nil(t, exec)
}

func TestStartExecutionNoOps(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	paused := automation("paused", domain.TriggerManual)
	paused.Status = domain.AutomationStatusPaused
	h.automations.add(paused, step("p1", 1, 0, domain.DelayMinutes))
	h.automations.add(automation("empty", domain.TriggerManual))
	h.automations.add(automation("a1", domain.TriggerManual), step("s1", 1, 0, domain.DelayMinutes))
	ctx := context.Background()

	for _, tc := range []struct{ automation, recipient string }{
		{"missing", "r1"},
		{"paused", "r1"},
		{"empty", "r1"},
		{"a1", "nobody"},
	} {
		exec, err := h.engine.StartExecution(ctx, tc.automation, tc.recipient, nil)
		require.NoError(t, err, tc.automation)
		assert.Nil(t, exec, tc.automation)
	}

	first, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestDeliveryFailureIsTerminal(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual),
		step("s1", 1, 0, domain.DelayMinutes),
		step("s2", 2, 0, domain.DelayMinutes))
	h.notifier.fail = errors.New("mailbox unavailable")
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := h.executions.get(exec.ID)
	assert.Equal(t, domain.ExecutionFailed, got.Status)
	assert.Equal(t, "s1", *got.CurrentStepID)

	log, err := h.logs.Find(ctx, exec.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, log.Outcome)
	require.NotNil(t, log.Error)
	assert.Equal(t, "mailbox unavailable", *log.Error)

	h.notifier.fail = nil
	mutations := h.executions.mutations
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Hour)
		res, err := h.engine.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Due)
	}
	assert.Equal(t, got, h.executions.get(exec.ID))
	assert.Equal(t, mutations, h.executions.mutations)
	assert.Zero(t, h.notifier.count())
}

func TestIneligibleRecipientCompletesSilently(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual), step("s1", 1, 0, domain.DelayMinutes))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	h.recipients.setStatus("r1", domain.RecipientUnsubscribed)

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, domain.ExecutionCompleted, h.executions.get(exec.ID).Status)
	assert.Zero(t, h.notifier.count())
}

func TestMissingStepFailsExecution(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual), step("s1", 1, 0, domain.DelayMinutes))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	h.automations.removeStep("s1")

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, domain.ExecutionFailed, h.executions.get(exec.ID).Status)
}

func TestUnknownDelayUnitFiresOnNextTick(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual),
		step("s1", 1, 0, domain.DelayMinutes),
		step("s2", 2, 3, domain.DelayUnit("fortnights")))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)

	_, err = h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, *h.executions.get(exec.ID).NextStepAt)

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
}

func TestAlreadySentStepIsNotResent(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual),
		step("s1", 1, 0, domain.DelayMinutes),
		step("s2", 2, 5, domain.DelayMinutes))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	_, err = h.logs.Append(ctx, &domain.AutomationStepLog{ID: "l1", ExecutionID: exec.ID, StepID: "s1", Outcome: domain.StepSent})
	require.NoError(t, err)

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, h.notifier.count())
	assert.Equal(t, "s2", *h.executions.get(exec.ID).CurrentStepID)
}

func TestStateWriteErrorReleasesClaim(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual),
		step("s1", 1, 0, domain.DelayMinutes),
		step("s2", 2, 5, domain.DelayMinutes))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	h.executions.failAdvance = 1
	h.executions.failComplete = 1

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Skipped: 1}, res)
	got := h.executions.get(exec.ID)
	assert.Equal(t, domain.ExecutionPending, got.Status)
	assert.Equal(t, "s1", *got.CurrentStepID)

	res, err = h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, "s2", *h.executions.get(exec.ID).CurrentStepID)

	h.clock.Advance(5 * time.Minute)
	res, err = h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, domain.ExecutionPending, h.executions.get(exec.ID).Status)

	res, err = h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, domain.ExecutionCompleted, h.executions.get(exec.ID).Status)
	require.Equal(t, 2, h.notifier.count())
	assert.Equal(t, "r1@example.com", h.notifier.sent[0].msg.To)
	assert.Contains(t, h.notifier.sent[1].msg.Subject, "s2")
}

func TestStepLogWriteIsRetried(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual),
		step("s1", 1, 0, domain.DelayMinutes),
		step("s2", 2, 5, domain.DelayMinutes))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	h.logs.failAppend = stepLogAttempts - 1

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, stepLogAttempts, h.logs.appends)
	entry, err := h.logs.Find(ctx, exec.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepSent, entry.Outcome)
}

func TestUnrecordedDeliveryIsNeverResent(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual),
		step("s1", 1, 0, domain.DelayMinutes),
		step("s2", 2, 5, domain.DelayMinutes))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	h.logs.failAppend = stepLogAttempts

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, "s2", *h.executions.get(exec.ID).CurrentStepID)
	assert.Equal(t, 1, h.notifier.count())

	h.clock.Advance(5 * time.Minute)
	h.logs.failAppend = stepLogAttempts
	h.executions.failComplete = 1
	res, err = h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Skipped: 1}, res)
	assert.Equal(t, domain.ExecutionInProgress, h.executions.get(exec.ID).Status)

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Hour)
		res, err = h.engine.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Due)
	}
	assert.Equal(t, 2, h.notifier.count())
}

func TestClaimLostToAnotherPoller(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual), step("s1", 1, 0, domain.DelayMinutes))
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	h.executions.stealClaim = true

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Skipped: 1}, res)
	assert.Zero(t, h.notifier.count())
	assert.Equal(t, domain.ExecutionPending, h.executions.get(exec.ID).Status)
}

func TestTickHonoursBatchSizeAndConcurrency(t *testing.T) {
	var recipients []domain.Recipient
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		recipients = append(recipients, activeRecipient(id))
	}
	h := newHarness(Config{BatchSize: 4, Concurrency: 2, BatchDelay: time.Millisecond}, recipients...)
	h.automations.add(automation("a1", domain.TriggerManual), step("s1", 1, 0, domain.DelayMinutes))
	ctx := context.Background()

	for _, r := range recipients {
		_, err := h.engine.StartExecution(ctx, "a1", r.ID, nil)
		require.NoError(t, err)
	}

	res, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Due)
	assert.Equal(t, 4, res.Completed)

	res, err = h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 5, h.notifier.count())
}

func TestTickAbortsWhenStoreUnavailable(t *testing.T) {
	h := newHarness(Config{})
	h.executions.listErr = errors.New("connection refused")

	_, err := h.engine.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")
}

func TestTemplateDataMergesTriggerData(t *testing.T) {
	r := activeRecipient("r1")
	data := templateData(&r, map[string]string{"coupon": "SPRING", "email": "spoofed"})
	assert.Equal(t, "SPRING", data["coupon"])
	assert.Equal(t, "r1@example.com", data["email"])
	assert.Equal(t, "Ada Lovelace", data["fullName"])
	assert.Equal(t, "Lovelace", data["lastName"])

	anon := domain.Recipient{ID: "r2", Email: "anon@example.com"}
	data = templateData(&anon, nil)
	assert.Equal(t, "", data["firstName"])
	assert.Equal(t, "anon@example.com", data["fullName"])
}

func TestExecutionEventsArePublished(t *testing.T) {
	h := newHarness(Config{}, activeRecipient("r1"))
	h.automations.add(automation("a1", domain.TriggerManual), step("s1", 1, 0, domain.DelayMinutes))
	var seen []events.EventType
	for _, et := range events.AllEventTypes {
		h.events.Subscribe(et, func(_ context.Context, e events.Event) error {
			seen = append(seen, e.Type)
			return nil
		})
	}
	ctx := context.Background()

	_, err := h.engine.StartExecution(ctx, "a1", "r1", nil)
	require.NoError(t, err)
	_, err = h.engine.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, []events.EventType{
		events.EventExecutionStarted,
		events.EventStepDispatched,
		events.EventExecutionCompleted,
	}, seen)
}
