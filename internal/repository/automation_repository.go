package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// AutomationRepository reads automations and their steps. The engine never writes them.
type AutomationRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Automation, error)
	ListActiveByTrigger(ctx context.Context, trigger domain.TriggerType) ([]domain.Automation, error)
	FirstStep(ctx context.Context, automationID string) (*domain.AutomationStep, error)
	GetStep(ctx context.Context, stepID string) (*domain.AutomationStep, error)
	// NextStep returns the step with the smallest order strictly greater than afterOrder.
	NextStep(ctx context.Context, automationID string, afterOrder int) (*domain.AutomationStep, error)
}

type automationRepository struct {
	pool *pgxpool.Pool
}

// NewAutomationRepository instantiates the repository.
func NewAutomationRepository(pool *pgxpool.Pool) AutomationRepository {
	return &automationRepository{pool: pool}
}

const automationColumns = `id, name, trigger_type, status, segment_id, created_at, updated_at`

const stepColumns = `id, automation_id, step_order, delay_value, delay_unit, subject, body`

func (r *automationRepository) GetByID(ctx context.Context, id string) (*domain.Automation, error) {
	const query = `SELECT ` + automationColumns + ` FROM automations WHERE id=$1`
	a, err := scanAutomation(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

func (r *automationRepository) ListActiveByTrigger(ctx context.Context, trigger domain.TriggerType) ([]domain.Automation, error) {
	const query = `SELECT ` + automationColumns + `
        FROM automations WHERE trigger_type=$1 AND status='active'
        ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, trigger)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var automations []domain.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, *a)
	}
	return automations, rows.Err()
}

func (r *automationRepository) FirstStep(ctx context.Context, automationID string) (*domain.AutomationStep, error) {
	const query = `SELECT ` + stepColumns + `
        FROM automation_steps WHERE automation_id=$1
        ORDER BY step_order ASC LIMIT 1`
	return r.fetchStep(ctx, query, automationID)
}

func (r *automationRepository) GetStep(ctx context.Context, stepID string) (*domain.AutomationStep, error) {
	const query = `SELECT ` + stepColumns + ` FROM automation_steps WHERE id=$1`
	return r.fetchStep(ctx, query, stepID)
}

func (r *automationRepository) NextStep(ctx context.Context, automationID string, afterOrder int) (*domain.AutomationStep, error) {
	const query = `SELECT ` + stepColumns + `
        FROM automation_steps WHERE automation_id=$1 AND step_order > $2
        ORDER BY step_order ASC LIMIT 1`
	return r.fetchStep(ctx, query, automationID, afterOrder)
}

func (r *automationRepository) fetchStep(ctx context.Context, query string, args ...any) (*domain.AutomationStep, error) {
	var step domain.AutomationStep
	if err := r.pool.QueryRow(ctx, query, args...).Scan(
		&step.ID,
		&step.AutomationID,
		&step.StepOrder,
		&step.DelayValue,
		&step.DelayUnit,
		&step.Subject,
		&step.Body,
	); err != nil {
		return nil, mapError(err)
	}
	return &step, nil
}

func scanAutomation(row pgx.Row) (*domain.Automation, error) {
	var a domain.Automation
	if err := row.Scan(
		&a.ID,
		&a.Name,
		&a.TriggerType,
		&a.Status,
		&a.SegmentID,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}
