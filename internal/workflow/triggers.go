package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// ErrUnknownTrigger is returned by Fire for a trigger type without a handler.
var ErrUnknownTrigger = errors.New("unknown trigger type")

// TriggerRequest carries the inputs a trigger may use. Daily triggers ignore it.
type TriggerRequest struct {
	AutomationID string
	RecipientID  string
	Data         map[string]string
}

type triggerHandler func(ctx context.Context, req TriggerRequest) (int, error)

func (e *Engine) triggerTable() map[domain.TriggerType]triggerHandler {
	return map[domain.TriggerType]triggerHandler{
		domain.TriggerWelcome:      e.fireWelcome,
		domain.TriggerBirthday:     e.fireBirthday,
		domain.TriggerReEngagement: e.fireReEngagement,
		domain.TriggerManual:       e.fireManual,
	}
}

// Fire runs the handler for trigger and returns how many executions it started.
func (e *Engine) Fire(ctx context.Context, trigger domain.TriggerType, req TriggerRequest) (int, error) {
	handler, ok := e.triggers[trigger]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTrigger, trigger)
	}
	return handler(ctx, req)
}

// OnRecipientCreated starts every active welcome automation for a new recipient.
func (e *Engine) OnRecipientCreated(ctx context.Context, recipientID string) (int, error) {
	return e.Fire(ctx, domain.TriggerWelcome, TriggerRequest{RecipientID: recipientID})
}

// RunBirthdayTrigger starts birthday automations for recipients born today.
func (e *Engine) RunBirthdayTrigger(ctx context.Context) (int, error) {
	return e.Fire(ctx, domain.TriggerBirthday, TriggerRequest{})
}

// RunReEngagementTrigger starts re-engagement automations for inactive recipients.
func (e *Engine) RunReEngagementTrigger(ctx context.Context) (int, error) {
	return e.Fire(ctx, domain.TriggerReEngagement, TriggerRequest{})
}

func (e *Engine) fireWelcome(ctx context.Context, req TriggerRequest) (int, error) {
	if req.RecipientID == "" {
		return 0, errors.New("welcome trigger requires a recipient")
	}
	automations, err := e.automations.ListActiveByTrigger(ctx, domain.TriggerWelcome)
	if err != nil {
		return 0, fmt.Errorf("list welcome automations: %w", err)
	}
	started := 0
	for _, a := range automations {
		started += e.tryStart(ctx, a.ID, req.RecipientID, req.Data)
	}
	return started, nil
}

func (e *Engine) fireBirthday(ctx context.Context, _ TriggerRequest) (int, error) {
	automations, err := e.automations.ListActiveByTrigger(ctx, domain.TriggerBirthday)
	if err != nil {
		return 0, fmt.Errorf("list birthday automations: %w", err)
	}
	if len(automations) == 0 {
		return 0, nil
	}

	today := e.now().In(e.cfg.Location)
	recipients, err := e.recipients.ListBirthdays(ctx, today.Month(), today.Day())
	if err != nil {
		return 0, fmt.Errorf("list birthdays: %w", err)
	}

	started := 0
	for _, r := range recipients {
		for _, a := range automations {
			started += e.tryStart(ctx, a.ID, r.ID, nil)
		}
	}
	e.logger.Info("birthday trigger finished", zap.Int("recipients", len(recipients)), zap.Int("started", started))
	return started, nil
}

func (e *Engine) fireReEngagement(ctx context.Context, _ TriggerRequest) (int, error) {
	automations, err := e.automations.ListActiveByTrigger(ctx, domain.TriggerReEngagement)
	if err != nil {
		return 0, fmt.Errorf("list re-engagement automations: %w", err)
	}
	if len(automations) == 0 {
		return 0, nil
	}

	cutoff := e.now().Add(-e.cfg.ReEngagementInactivity)
	inactiveDays := strconv.Itoa(int(e.cfg.ReEngagementInactivity.Hours() / 24))
	scanned, started := 0, 0
	// Page through every inactive recipient; enrolled or cooling-down ones must not hide the rest.
	for after := ""; ; {
		if err := ctx.Err(); err != nil {
			return started, err
		}
		page, err := e.recipients.ListInactiveSince(ctx, cutoff, after, e.cfg.ReEngagementBatch)
		if err != nil {
			return started, fmt.Errorf("list inactive recipients after %q: %w", after, err)
		}
		for _, r := range page {
			for _, a := range automations {
				ok, err := e.reEngagementEligible(ctx, a.ID, r.ID)
				if err != nil {
					e.logger.Error("re-engagement eligibility check",
						zap.String("automation_id", a.ID),
						zap.String("recipient_id", r.ID),
						zap.Error(err))
					continue
				}
				if ok {
					started += e.tryStart(ctx, a.ID, r.ID, map[string]string{"inactiveDays": inactiveDays})
				}
			}
		}
		scanned += len(page)
		if len(page) < e.cfg.ReEngagementBatch {
			break
		}
		after = page[len(page)-1].ID
	}
	e.logger.Info("re-engagement trigger finished", zap.Int("recipients", scanned), zap.Int("started", started))
	return started, nil
}

// reEngagementEligible requires no running execution and, when a cooldown is set, no recently finished one.
func (e *Engine) reEngagementEligible(ctx context.Context, automationID, recipientID string) (bool, error) {
	active, err := e.executions.HasActive(ctx, automationID, recipientID)
	if err != nil || active {
		return false, err
	}
	if e.cfg.ReEngagementCooldown <= 0 {
		return true, nil
	}
	last, err := e.executions.LatestFinishedAt(ctx, automationID, recipientID)
	if err != nil {
		return false, err
	}
	return last == nil || e.now().Sub(*last) >= e.cfg.ReEngagementCooldown, nil
}

func (e *Engine) fireManual(ctx context.Context, req TriggerRequest) (int, error) {
	if req.AutomationID == "" || req.RecipientID == "" {
		return 0, errors.New("manual trigger requires automation and recipient")
	}
	exec, err := e.StartExecution(ctx, req.AutomationID, req.RecipientID, req.Data)
	if err != nil || exec == nil {
		return 0, err
	}
	return 1, nil
}

// tryStart starts one execution, logging rather than returning store errors so one pair cannot stop a trigger run.
func (e *Engine) tryStart(ctx context.Context, automationID, recipientID string, data map[string]string) int {
	exec, err := e.StartExecution(ctx, automationID, recipientID, data)
	if err != nil {
		e.logger.Error("start execution",
			zap.String("automation_id", automationID),
			zap.String("recipient_id", recipientID),
			zap.Error(err))
		return 0
	}
	if exec == nil {
		return 0
	}
	return 1
}
