// Package workflow advances automation executions through their timed steps.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/backoffice-engine/internal/domain"
	"github.com/spec-kit/backoffice-engine/internal/events"
	"github.com/spec-kit/backoffice-engine/internal/notify"
	"github.com/spec-kit/backoffice-engine/internal/observability"
	"github.com/spec-kit/backoffice-engine/internal/repository"
	"github.com/spec-kit/backoffice-engine/internal/segment"
)

// Notifier renders and sends one message.
type Notifier interface {
	Dispatch(ctx context.Context, to, subject, body string, data map[string]string) notify.Result
}

// Config tunes batch processing and the daily triggers.
type Config struct {
	BatchSize              int
	Concurrency            int
	BatchDelay             time.Duration
	ReEngagementInactivity time.Duration
	ReEngagementBatch      int
	// ReEngagementCooldown blocks re-enrolment for this long after a finished run. Zero disables it.
	ReEngagementCooldown time.Duration
	Location             *time.Location
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.ReEngagementInactivity <= 0 {
		c.ReEngagementInactivity = 30 * 24 * time.Hour
	}
	if c.ReEngagementBatch <= 0 {
		c.ReEngagementBatch = 100
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Dependencies bundles the engine collaborators.
type Dependencies struct {
	Automations repository.AutomationRepository
	Executions  repository.ExecutionRepository
	StepLogs    repository.StepLogRepository
	Recipients  repository.RecipientRepository
	Segments    repository.SegmentRepository
	Notifier    Notifier
	Events      events.Dispatcher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Engine owns automation executions.
type Engine struct {
	cfg         Config
	automations repository.AutomationRepository
	executions  repository.ExecutionRepository
	stepLogs    repository.StepLogRepository
	recipients  repository.RecipientRepository
	segments    repository.SegmentRepository
	notifier    Notifier
	events      events.Dispatcher
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
	triggers    map[domain.TriggerType]triggerHandler
}

// NewEngine wires an engine.
func NewEngine(cfg Config, deps Dependencies) *Engine {
	e := &Engine{
		cfg:         cfg.withDefaults(),
		automations: deps.Automations,
		executions:  deps.Executions,
		stepLogs:    deps.StepLogs,
		recipients:  deps.Recipients,
		segments:    deps.Segments,
		notifier:    deps.Notifier,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         deps.Clock,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.triggers = e.triggerTable()
	return e
}

// StartExecution enrols recipientID into automationID. It returns nil without error when
// the automation is inactive, the recipient does not qualify, or an execution is already running.
func (e *Engine) StartExecution(ctx context.Context, automationID, recipientID string, triggerData map[string]string) (*domain.AutomationExecution, error) {
	log := e.logger.With(zap.String("automation_id", automationID), zap.String("recipient_id", recipientID))

	automation, err := e.automations.GetByID(ctx, automationID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug("skip start: automation not found")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load automation: %w", err)
	}
	if !automation.IsActive() {
		log.Debug("skip start: automation not active")
		return nil, nil
	}

	recipient, err := e.recipients.GetByID(ctx, recipientID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug("skip start: recipient not found")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load recipient: %w", err)
	}

	if automation.SegmentID != nil {
		ok, err := e.inSegment(ctx, *automation.SegmentID, recipient)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Debug("skip start: recipient outside segment", zap.String("segment_id", *automation.SegmentID))
			return nil, nil
		}
	}

	active, err := e.executions.HasActive(ctx, automationID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("check active execution: %w", err)
	}
	if active {
		log.Debug("skip start: execution already running")
		return nil, nil
	}

	first, err := e.automations.FirstStep(ctx, automationID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("skip start: automation has no steps")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load first step: %w", err)
	}

	now := e.now()
	nextAt := now.Add(e.delay(first, log))
	if triggerData == nil {
		triggerData = map[string]string{}
	}
	exec := &domain.AutomationExecution{
		ID:            uuid.NewString(),
		AutomationID:  automationID,
		RecipientID:   recipientID,
		CurrentStepID: &first.ID,
		Status:        domain.ExecutionPending,
		TriggerData:   triggerData,
		NextStepAt:    &nextAt,
	}
	if err := e.executions.Create(ctx, exec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			log.Debug("skip start: lost race to a concurrent enrolment")
			return nil, nil
		}
		return nil, fmt.Errorf("create execution: %w", err)
	}

	log.Info("automation execution started", zap.String("execution_id", exec.ID), zap.Time("next_step_at", nextAt))
	e.metrics.RecordExecution("started")
	e.publish(ctx, events.EventExecutionStarted, exec, "", "")
	return exec, nil
}

func (e *Engine) inSegment(ctx context.Context, segmentID string, recipient *domain.Recipient) (bool, error) {
	seg, err := e.segments.GetByID(ctx, segmentID)
	if errors.Is(err, repository.ErrNotFound) {
		e.logger.Warn("automation references missing segment", zap.String("segment_id", segmentID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load segment: %w", err)
	}
	return segment.Matches(recipient, seg.Criteria), nil
}

// TickResult summarises one workflow tick.
type TickResult struct {
	Due       int
	Sent      int
	Completed int
	Failed    int
	Skipped   int
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAdvanced
	outcomeCompleted
	outcomeFailed
)

// stepLogAttempts bounds how often a step log write is retried within one tick.
const stepLogAttempts = 3

// Tick processes the due executions, at most BatchSize of them. Only a failure to list
// due executions is returned; per-execution problems are logged and recorded.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	due, err := e.executions.ListDue(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("list due executions: %w", err)
	}

	var sent, completed, failed, skipped atomic.Int64
	for start := 0; start < len(due); start += e.cfg.Concurrency {
		if start > 0 && e.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return e.summary(len(due), &sent, &completed, &failed, &skipped), ctx.Err()
			case <-time.After(e.cfg.BatchDelay):
			}
		}

		end := min(start+e.cfg.Concurrency, len(due))
		var g errgroup.Group
		for i := start; i < end; i++ {
			exec := due[i]
			g.Go(func() error {
				switch e.processExecution(ctx, exec) {
				case outcomeAdvanced:
					sent.Add(1)
				case outcomeCompleted:
					completed.Add(1)
				case outcomeFailed:
					failed.Add(1)
				default:
					skipped.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	res := e.summary(len(due), &sent, &completed, &failed, &skipped)
	if res.Due > 0 {
		e.logger.Info("workflow tick finished",
			zap.Int("due", res.Due),
			zap.Int("advanced", res.Sent),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}

func (e *Engine) summary(due int, sent, completed, failed, skipped *atomic.Int64) TickResult {
	return TickResult{
		Due:       due,
		Sent:      int(sent.Load()),
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}
}

func (e *Engine) processExecution(ctx context.Context, exec domain.AutomationExecution) outcome {
	log := e.logger.With(
		zap.String("execution_id", exec.ID),
		zap.String("automation_id", exec.AutomationID),
		zap.String("recipient_id", exec.RecipientID))

	claimed, err := e.executions.Claim(ctx, exec.ID)
	if err != nil {
		log.Error("claim execution", zap.Error(err))
		return outcomeSkipped
	}
	if !claimed {
		log.Debug("execution claimed elsewhere")
		return outcomeSkipped
	}

	if exec.CurrentStepID == nil {
		return e.fail(ctx, log, exec, "", "execution has no current step")
	}
	step, err := e.automations.GetStep(ctx, *exec.CurrentStepID)
	if errors.Is(err, repository.ErrNotFound) {
		return e.fail(ctx, log, exec, *exec.CurrentStepID, "current step no longer exists")
	}
	if err != nil {
		return e.release(ctx, log, exec, fmt.Errorf("load step: %w", err))
	}
	log = log.With(zap.String("step_id", step.ID), zap.Int("step_order", step.StepOrder))

	recipient, err := e.recipients.GetByID(ctx, exec.RecipientID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return e.exit(ctx, log, exec, "recipient no longer exists")
	case err != nil:
		return e.release(ctx, log, exec, fmt.Errorf("load recipient: %w", err))
	case !recipient.IsActive():
		return e.exit(ctx, log, exec, "recipient status "+string(recipient.Status))
	}

	prior, err := e.stepLogs.Find(ctx, exec.ID, step.ID)
	switch {
	case err == nil && prior.Outcome == domain.StepSent:
		log.Warn("step already sent, advancing without resending")
		return e.advance(ctx, log, exec, step, true)
	case err == nil:
		return e.fail(ctx, log, exec, step.ID, "step previously logged as failed")
	case !errors.Is(err, repository.ErrNotFound):
		return e.release(ctx, log, exec, fmt.Errorf("check step log: %w", err))
	}

	res := e.notifier.Dispatch(ctx, recipient.Email, step.Subject, step.Body, templateData(recipient, exec.TriggerData))

	entry := &domain.AutomationStepLog{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Outcome:     domain.StepSent,
		CreatedAt:   e.now(),
	}
	if !res.Delivered() {
		entry.Outcome = domain.StepFailed
		if res.Err != nil {
			msg := res.Err.Error()
			entry.Error = &msg
		}
	}
	recorded := e.recordStep(ctx, log, entry)

	if !res.Delivered() {
		reason := "delivery failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		return e.fail(ctx, log, exec, step.ID, reason)
	}

	e.publish(ctx, events.EventStepDispatched, &exec, step.ID, "")
	return e.advance(ctx, log, exec, step, recorded)
}

// recordStep appends the step log, retrying store errors. It reports whether the entry was written.
func (e *Engine) recordStep(ctx context.Context, log *zap.Logger, entry *domain.AutomationStepLog) bool {
	var err error
	for attempt := 0; attempt < stepLogAttempts; attempt++ {
		if _, err = e.stepLogs.Append(ctx, entry); err == nil {
			return true
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Error("append step log",
		zap.String("outcome", string(entry.Outcome)),
		zap.Int("attempts", stepLogAttempts),
		zap.Error(err))
	return false
}

// advance moves to the next step by order, or completes when none is left.
// recorded reports whether the current step's sent log exists; without it a
// failed state write must not hand the execution back for another send.
func (e *Engine) advance(ctx context.Context, log *zap.Logger, exec domain.AutomationExecution, current *domain.AutomationStep, recorded bool) outcome {
	next, err := e.automations.NextStep(ctx, exec.AutomationID, current.StepOrder)
	if errors.Is(err, repository.ErrNotFound) {
		if err := e.executions.Complete(ctx, exec.ID, e.now()); err != nil {
			return e.interrupt(ctx, log, exec, recorded, fmt.Errorf("complete execution: %w", err))
		}
		log.Info("automation execution completed")
		e.metrics.RecordExecution("completed")
		e.publish(ctx, events.EventExecutionCompleted, &exec, current.ID, "")
		return outcomeCompleted
	}
	if err != nil {
		return e.interrupt(ctx, log, exec, recorded, fmt.Errorf("load next step: %w", err))
	}

	nextAt := e.now().Add(e.delay(next, log))
	if err := e.executions.Advance(ctx, exec.ID, next.ID, nextAt); err != nil {
		return e.interrupt(ctx, log, exec, recorded, fmt.Errorf("advance to step %s: %w", next.ID, err))
	}
	log.Debug("execution advanced", zap.String("next_step_id", next.ID), zap.Time("next_step_at", nextAt))
	e.metrics.RecordExecution("advanced")
	return outcomeAdvanced
}

// exit completes an execution whose recipient is no longer eligible.
func (e *Engine) exit(ctx context.Context, log *zap.Logger, exec domain.AutomationExecution, reason string) outcome {
	if err := e.executions.Complete(ctx, exec.ID, e.now()); err != nil {
		return e.release(ctx, log, exec, fmt.Errorf("complete ineligible execution: %w", err))
	}
	log.Info("recipient left automation", zap.String("reason", reason))
	e.metrics.RecordExecution("exited")
	e.publish(ctx, events.EventExecutionCompleted, &exec, "", reason)
	return outcomeCompleted
}

func (e *Engine) fail(ctx context.Context, log *zap.Logger, exec domain.AutomationExecution, stepID, reason string) outcome {
	if err := e.executions.Fail(ctx, exec.ID, e.now()); err != nil {
		return e.release(ctx, log, exec, fmt.Errorf("mark execution failed (%s): %w", reason, err))
	}
	log.Warn("automation execution failed", zap.String("reason", reason))
	e.metrics.RecordExecution("failed")
	e.publish(ctx, events.EventExecutionFailed, &exec, stepID, reason)
	return outcomeFailed
}

// release hands a claimed execution back after a store error so a later tick retries it.
func (e *Engine) release(ctx context.Context, log *zap.Logger, exec domain.AutomationExecution, cause error) outcome {
	log.Error("execution processing interrupted", zap.Error(cause))
	if err := e.executions.Release(ctx, exec.ID); err != nil {
		log.Error("release execution", zap.Error(err))
	}
	return outcomeSkipped
}

// interrupt releases the claim when the sent step is recorded. Otherwise the
// execution stays in_progress, since a pending one would be delivered again.
func (e *Engine) interrupt(ctx context.Context, log *zap.Logger, exec domain.AutomationExecution, recorded bool, cause error) outcome {
	if recorded {
		return e.release(ctx, log, exec, cause)
	}
	log.Error("execution held in progress: step delivered but not recorded, re-drive manually", zap.Error(cause))
	e.metrics.RecordExecution("held")
	return outcomeSkipped
}

func (e *Engine) delay(step *domain.AutomationStep, log *zap.Logger) time.Duration {
	d, ok := step.Delay()
	if !ok {
		log.Warn("unknown delay unit, step fires on next tick",
			zap.String("step_id", step.ID),
			zap.String("delay_unit", string(step.DelayUnit)))
		return 0
	}
	return d
}

func (e *Engine) publish(ctx context.Context, eventType events.EventType, exec *domain.AutomationExecution, stepID, reason string) {
	if e.events == nil {
		return
	}
	event := events.New(eventType, exec.ID, e.now(), events.ExecutionPayload{
		AutomationID: exec.AutomationID,
		RecipientID:  exec.RecipientID,
		StepID:       stepID,
		Reason:       reason,
	})
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Warn("publish event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

// templateData exposes recipient fields to step templates. Recipient fields win over trigger data.
func templateData(r *domain.Recipient, triggerData map[string]string) map[string]string {
	data := make(map[string]string, len(triggerData)+4)
	for k, v := range triggerData {
		data[k] = v
	}
	data["firstName"] = valueOr(r.FirstName, "")
	data["lastName"] = valueOr(r.LastName, "")
	data["email"] = r.Email
	data["fullName"] = r.FullName()
	return data
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
