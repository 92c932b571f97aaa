package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// ExecutionRepository persists automation executions. Every state change is a
// conditional update so that a second poller sees zero affected rows.
type ExecutionRepository interface {
	// Create inserts a pending execution, returning ErrDuplicate when the pair already has a non-terminal one.
	Create(ctx context.Context, exec *domain.AutomationExecution) error
	GetByID(ctx context.Context, id string) (*domain.AutomationExecution, error)
	HasActive(ctx context.Context, automationID, recipientID string) (bool, error)
	// LatestFinishedAt returns when the pair last reached a terminal state, or nil.
	LatestFinishedAt(ctx context.Context, automationID, recipientID string) (*time.Time, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.AutomationExecution, error)
	// Claim moves pending to in_progress and reports whether this caller won.
	Claim(ctx context.Context, id string) (bool, error)
	// Release returns an in_progress execution to pending without changing its step.
	Release(ctx context.Context, id string) error
	Advance(ctx context.Context, id, nextStepID string, nextStepAt time.Time) error
	Complete(ctx context.Context, id string, at time.Time) error
	Fail(ctx context.Context, id string, at time.Time) error
}

type executionRepository struct {
	pool *pgxpool.Pool
}

// NewExecutionRepository instantiates the repository.
func NewExecutionRepository(pool *pgxpool.Pool) ExecutionRepository {
	return &executionRepository{pool: pool}
}

const executionColumns = `id, automation_id, recipient_id, current_step_id, status, trigger_data,
               next_step_at, completed_at, created_at, updated_at`

func (r *executionRepository) Create(ctx context.Context, exec *domain.AutomationExecution) error {
	const query = `
        INSERT INTO automation_executions (id, automation_id, recipient_id, current_step_id, status, trigger_data, next_step_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING created_at, updated_at`
	data := exec.TriggerData
	if data == nil {
		data = map[string]string{}
	}
	err := r.pool.QueryRow(ctx, query,
		exec.ID,
		exec.AutomationID,
		exec.RecipientID,
		exec.CurrentStepID,
		exec.Status,
		data,
		exec.NextStepAt,
	).Scan(&exec.CreatedAt, &exec.UpdatedAt)
	return mapError(err)
}

func (r *executionRepository) GetByID(ctx context.Context, id string) (*domain.AutomationExecution, error) {
	const query = `SELECT ` + executionColumns + ` FROM automation_executions WHERE id=$1`
	exec, err := scanExecution(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return exec, nil
}

func (r *executionRepository) HasActive(ctx context.Context, automationID, recipientID string) (bool, error) {
	const query = `
        SELECT EXISTS (
            SELECT 1 FROM automation_executions
            WHERE automation_id=$1 AND recipient_id=$2 AND status IN ('pending','in_progress'))`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, automationID, recipientID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *executionRepository) LatestFinishedAt(ctx context.Context, automationID, recipientID string) (*time.Time, error) {
	const query = `
        SELECT MAX(COALESCE(completed_at, updated_at)) FROM automation_executions
        WHERE automation_id=$1 AND recipient_id=$2 AND status IN ('completed','failed')`
	var at *time.Time
	if err := r.pool.QueryRow(ctx, query, automationID, recipientID).Scan(&at); err != nil {
		return nil, err
	}
	return at, nil
}

func (r *executionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.AutomationExecution, error) {
	const query = `SELECT ` + executionColumns + `
        FROM automation_executions
        WHERE status='pending' AND next_step_at <= $1
        ORDER BY next_step_at ASC
        LIMIT $2`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.AutomationExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, *exec)
	}
	return due, rows.Err()
}

func (r *executionRepository) Claim(ctx context.Context, id string) (bool, error) {
	const query = `
        UPDATE automation_executions SET status='in_progress', updated_at=NOW()
        WHERE id=$1 AND status='pending'`
	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *executionRepository) Release(ctx context.Context, id string) error {
	const query = `
        UPDATE automation_executions SET status='pending', updated_at=NOW()
        WHERE id=$1 AND status='in_progress'`
	return r.execExpectingRow(ctx, query, id)
}

func (r *executionRepository) Advance(ctx context.Context, id, nextStepID string, nextStepAt time.Time) error {
	const query = `
        UPDATE automation_executions
        SET status='pending', current_step_id=$2, next_step_at=$3, updated_at=NOW()
        WHERE id=$1 AND status='in_progress'`
	return r.execExpectingRow(ctx, query, id, nextStepID, nextStepAt)
}

func (r *executionRepository) Complete(ctx context.Context, id string, at time.Time) error {
	const query = `
        UPDATE automation_executions
        SET status='completed', completed_at=$2, next_step_at=NULL, updated_at=NOW()
        WHERE id=$1 AND status IN ('pending','in_progress')`
	return r.execExpectingRow(ctx, query, id, at)
}

func (r *executionRepository) Fail(ctx context.Context, id string, at time.Time) error {
	const query = `
        UPDATE automation_executions
        SET status='failed', next_step_at=NULL, updated_at=$2
        WHERE id=$1 AND status IN ('pending','in_progress')`
	return r.execExpectingRow(ctx, query, id, at)
}

func (r *executionRepository) execExpectingRow(ctx context.Context, query string, args ...any) error {
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanExecution(row pgx.Row) (*domain.AutomationExecution, error) {
	var exec domain.AutomationExecution
	if err := row.Scan(
		&exec.ID,
		&exec.AutomationID,
		&exec.RecipientID,
		&exec.CurrentStepID,
		&exec.Status,
		&exec.TriggerData,
		&exec.NextStepAt,
		&exec.CompletedAt,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &exec, nil
}
