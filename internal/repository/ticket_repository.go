package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// TicketRepository exposes the ticket fields used for deadline tracking.
type TicketRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	// ListOpenWithDeadline returns tickets that are not closed and carry an SLA due date.
	ListOpenWithDeadline(ctx context.Context) ([]domain.Ticket, error)
	// MarkBreached flags the breach and bumps the escalation level, once.
	MarkBreached(ctx context.Context, id string) (bool, error)
	// MarkWarned records the warning by raising escalation from zero to one, once.
	MarkWarned(ctx context.Context, id string) (bool, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, subject, customer_name, status, priority, assignee_staff_id,
               sla_due_date, sla_breached, escalation_level, created_at, updated_at`

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	const query = `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return ticket, nil
}

func (r *ticketRepository) ListOpenWithDeadline(ctx context.Context) ([]domain.Ticket, error) {
	const query = `SELECT ` + ticketColumns + `
        FROM tickets
        WHERE sla_due_date IS NOT NULL AND status <> ALL($1)
        ORDER BY sla_due_date ASC`
	closed := make([]string, len(domain.ClosedTicketStatuses))
	for i, s := range domain.ClosedTicketStatuses {
		closed[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, query, closed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *ticket)
	}
	return tickets, rows.Err()
}

func (r *ticketRepository) MarkBreached(ctx context.Context, id string) (bool, error) {
	const query = `
        UPDATE tickets SET sla_breached=TRUE, escalation_level=escalation_level+1, updated_at=NOW()
        WHERE id=$1 AND sla_breached=FALSE`
	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *ticketRepository) MarkWarned(ctx context.Context, id string) (bool, error) {
	const query = `
        UPDATE tickets SET escalation_level=1, updated_at=NOW()
        WHERE id=$1 AND escalation_level=0 AND sla_breached=FALSE`
	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.Subject,
		&ticket.CustomerName,
		&ticket.Status,
		&ticket.Priority,
		&ticket.AssigneeID,
		&ticket.SlaDueDate,
		&ticket.SlaBreached,
		&ticket.EscalationLevel,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}
