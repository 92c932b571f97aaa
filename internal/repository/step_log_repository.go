package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// StepLogRepository stores the write-once audit trail of dispatched steps.
type StepLogRepository interface {
	// Append inserts the log and reports false when (execution, step) was already logged.
	Append(ctx context.Context, log *domain.AutomationStepLog) (bool, error)
	Find(ctx context.Context, executionID, stepID string) (*domain.AutomationStepLog, error)
}

type stepLogRepository struct {
	pool *pgxpool.Pool
}

// NewStepLogRepository instantiates the repository.
func NewStepLogRepository(pool *pgxpool.Pool) StepLogRepository {
	return &stepLogRepository{pool: pool}
}

func (r *stepLogRepository) Append(ctx context.Context, log *domain.AutomationStepLog) (bool, error) {
	const query = `
        INSERT INTO automation_step_logs (id, execution_id, step_id, outcome, error, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (execution_id, step_id) DO NOTHING`
	cmd, err := r.pool.Exec(ctx, query,
		log.ID,
		log.ExecutionID,
		log.StepID,
		log.Outcome,
		log.Error,
		log.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *stepLogRepository) Find(ctx context.Context, executionID, stepID string) (*domain.AutomationStepLog, error) {
	const query = `
        SELECT id, execution_id, step_id, outcome, error, created_at
        FROM automation_step_logs WHERE execution_id=$1 AND step_id=$2`
	var log domain.AutomationStepLog
	if err := r.pool.QueryRow(ctx, query, executionID, stepID).Scan(
		&log.ID,
		&log.ExecutionID,
		&log.StepID,
		&log.Outcome,
		&log.Error,
		&log.CreatedAt,
	); err != nil {
		return nil, mapError(err)
	}
	return &log, nil
}
