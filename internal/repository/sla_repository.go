package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// SlaPolicyRepository reads SLA policies.
type SlaPolicyRepository interface {
	GetByID(ctx context.Context, id string) (*domain.SlaPolicy, error)
	// ResolveForPriority prefers an active policy for the exact priority over a catch-all one.
	ResolveForPriority(ctx context.Context, priority domain.TicketPriority) (*domain.SlaPolicy, error)
}

// SlaTrackingRepository persists per-ticket SLA tracking. Status and flag
// writes are conditional so concurrent checkers cannot double-apply them.
type SlaTrackingRepository interface {
	Create(ctx context.Context, tracking *domain.SlaTracking) error
	GetByTicketID(ctx context.Context, ticketID string) (*domain.SlaTracking, error)
	// ListOpen returns records with at least one deadline still pending or warning.
	ListOpen(ctx context.Context) ([]domain.SlaTracking, error)
	// UpdateStatus moves kind to status only when the current status is one of from.
	UpdateStatus(ctx context.Context, id string, kind domain.DeadlineKind, from []domain.DeadlineStatus, to domain.DeadlineStatus) (bool, error)
	// ClaimNotice flips the notice flag from false to true and reports whether this caller did it.
	ClaimNotice(ctx context.Context, id string, kind domain.DeadlineKind, notice domain.NoticeKind) (bool, error)
	// RecordEvent stores the first response or resolution time and marks the deadline met unless it already breached.
	RecordEvent(ctx context.Context, id string, kind domain.DeadlineKind, at time.Time) (*domain.SlaTracking, error)
}

type slaPolicyRepository struct {
	pool *pgxpool.Pool
}

// NewSlaPolicyRepository instantiates the repository.
func NewSlaPolicyRepository(pool *pgxpool.Pool) SlaPolicyRepository {
	return &slaPolicyRepository{pool: pool}
}

const policyColumns = `id, name, priority, response_time_minutes, resolution_time_minutes,
               warning_threshold_percent, is_active, created_at`

func (r *slaPolicyRepository) GetByID(ctx context.Context, id string) (*domain.SlaPolicy, error) {
	const query = `SELECT ` + policyColumns + ` FROM sla_policies WHERE id=$1`
	return r.fetch(ctx, query, id)
}

func (r *slaPolicyRepository) ResolveForPriority(ctx context.Context, priority domain.TicketPriority) (*domain.SlaPolicy, error) {
	const query = `SELECT ` + policyColumns + `
        FROM sla_policies
        WHERE is_active=TRUE AND (priority=$1 OR priority IS NULL)
        ORDER BY priority NULLS LAST, created_at ASC
        LIMIT 1`
	return r.fetch(ctx, query, priority)
}

func (r *slaPolicyRepository) fetch(ctx context.Context, query string, arg any) (*domain.SlaPolicy, error) {
	var p domain.SlaPolicy
	if err := r.pool.QueryRow(ctx, query, arg).Scan(
		&p.ID,
		&p.Name,
		&p.Priority,
		&p.ResponseTimeMinutes,
		&p.ResolutionTimeMinutes,
		&p.WarningThresholdPercent,
		&p.IsActive,
		&p.CreatedAt,
	); err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

type slaTrackingRepository struct {
	pool *pgxpool.Pool
}

// NewSlaTrackingRepository instantiates the repository.
func NewSlaTrackingRepository(pool *pgxpool.Pool) SlaTrackingRepository {
	return &slaTrackingRepository{pool: pool}
}

const trackingColumns = `id, ticket_id, policy_id, response_deadline, resolution_deadline,
               first_response_at, resolved_at, response_status, resolution_status,
               response_warning_sent, response_breach_sent, resolution_warning_sent, resolution_breach_sent,
               created_at, updated_at`

func (r *slaTrackingRepository) Create(ctx context.Context, t *domain.SlaTracking) error {
	const query = `
        INSERT INTO sla_tracking (id, ticket_id, policy_id, response_deadline, resolution_deadline,
            response_status, resolution_status, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`
	_, err := r.pool.Exec(ctx, query,
		t.ID,
		t.TicketID,
		t.PolicyID,
		t.ResponseDeadline,
		t.ResolutionDeadline,
		t.ResponseStatus,
		t.ResolutionStatus,
		t.CreatedAt,
	)
	return mapError(err)
}

func (r *slaTrackingRepository) GetByTicketID(ctx context.Context, ticketID string) (*domain.SlaTracking, error) {
	const query = `SELECT ` + trackingColumns + ` FROM sla_tracking WHERE ticket_id=$1`
	t, err := scanTracking(r.pool.QueryRow(ctx, query, ticketID))
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

func (r *slaTrackingRepository) ListOpen(ctx context.Context) ([]domain.SlaTracking, error) {
	const query = `SELECT ` + trackingColumns + `
        FROM sla_tracking
        WHERE response_status IN ('pending','warning') OR resolution_status IN ('pending','warning')
           OR (response_status='breached' AND response_breach_sent=FALSE)
           OR (resolution_status='breached' AND resolution_breach_sent=FALSE)
        ORDER BY resolution_deadline ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.SlaTracking
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *t)
	}
	return records, rows.Err()
}

func (r *slaTrackingRepository) UpdateStatus(ctx context.Context, id string, kind domain.DeadlineKind, from []domain.DeadlineStatus, to domain.DeadlineStatus) (bool, error) {
	column, err := statusColumn(kind)
	if err != nil {
		return false, err
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	query := fmt.Sprintf(`
        UPDATE sla_tracking SET %[1]s=$2, updated_at=NOW()
        WHERE id=$1 AND %[1]s = ANY($3)`, column)
	cmd, err := r.pool.Exec(ctx, query, id, to, allowed)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *slaTrackingRepository) ClaimNotice(ctx context.Context, id string, kind domain.DeadlineKind, notice domain.NoticeKind) (bool, error) {
	column, err := noticeColumn(kind, notice)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
        UPDATE sla_tracking SET %[1]s=TRUE, updated_at=NOW()
        WHERE id=$1 AND %[1]s=FALSE`, column)
	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *slaTrackingRepository) RecordEvent(ctx context.Context, id string, kind domain.DeadlineKind, at time.Time) (*domain.SlaTracking, error) {
	status, err := statusColumn(kind)
	if err != nil {
		return nil, err
	}
	eventColumn := "first_response_at"
	if kind == domain.DeadlineResolution {
		eventColumn = "resolved_at"
	}
	query := fmt.Sprintf(`
        UPDATE sla_tracking
        SET %[1]s=COALESCE(%[1]s, $2),
            %[2]s=CASE WHEN %[2]s IN ('pending','warning') THEN 'met' ELSE %[2]s END,
            updated_at=NOW()
        WHERE id=$1
        RETURNING `+trackingColumns, eventColumn, status)
	t, err := scanTracking(r.pool.QueryRow(ctx, query, id, at))
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

func statusColumn(kind domain.DeadlineKind) (string, error) {
	switch kind {
	case domain.DeadlineResponse:
		return "response_status", nil
	case domain.DeadlineResolution:
		return "resolution_status", nil
	}
	return "", fmt.Errorf("unknown deadline kind %q", kind)
}

func noticeColumn(kind domain.DeadlineKind, notice domain.NoticeKind) (string, error) {
	if notice != domain.NoticeWarning && notice != domain.NoticeBreach {
		return "", fmt.Errorf("unknown notice kind %q", notice)
	}
	if kind != domain.DeadlineResponse && kind != domain.DeadlineResolution {
		return "", fmt.Errorf("unknown deadline kind %q", kind)
	}
	return fmt.Sprintf("%s_%s_sent", kind, notice), nil
}

func scanTracking(row pgx.Row) (*domain.SlaTracking, error) {
	var t domain.SlaTracking
	if err := row.Scan(
		&t.ID,
		&t.TicketID,
		&t.PolicyID,
		&t.ResponseDeadline,
		&t.ResolutionDeadline,
		&t.FirstResponseAt,
		&t.ResolvedAt,
		&t.ResponseStatus,
		&t.ResolutionStatus,
		&t.ResponseWarningSent,
		&t.ResponseBreachSent,
		&t.ResolutionWarningSent,
		&t.ResolutionBreachSent,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}
