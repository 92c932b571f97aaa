package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// RecipientRepository reads newsletter subscribers.
type RecipientRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Recipient, error)
	// ListBirthdays returns active recipients born on the given month and day.
	ListBirthdays(ctx context.Context, month time.Month, day int) ([]domain.Recipient, error)
	// ListInactiveSince returns one page of active recipients whose last activity predates
	// cutoff, ordered by id and starting after afterID ("" for the first page).
	ListInactiveSince(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]domain.Recipient, error)
}

type recipientRepository struct {
	pool *pgxpool.Pool
}

// NewRecipientRepository instantiates the repository.
func NewRecipientRepository(pool *pgxpool.Pool) RecipientRepository {
	return &recipientRepository{pool: pool}
}

const recipientColumns = `id, email, first_name, last_name, status, tags, subscribed_at, last_activity_at, date_of_birth`

func (r *recipientRepository) GetByID(ctx context.Context, id string) (*domain.Recipient, error) {
	const query = `SELECT ` + recipientColumns + ` FROM newsletter_subscribers WHERE id=$1`
	rec, err := scanRecipient(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

func (r *recipientRepository) ListBirthdays(ctx context.Context, month time.Month, day int) ([]domain.Recipient, error) {
	const query = `SELECT ` + recipientColumns + `
        FROM newsletter_subscribers
        WHERE status='active' AND date_of_birth IS NOT NULL
          AND EXTRACT(MONTH FROM date_of_birth)=$1 AND EXTRACT(DAY FROM date_of_birth)=$2
        ORDER BY id`
	return r.list(ctx, query, int(month), day)
}

func (r *recipientRepository) ListInactiveSince(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]domain.Recipient, error) {
	const query = `SELECT ` + recipientColumns + `
        FROM newsletter_subscribers
        WHERE status='active' AND last_activity_at < $1
          AND ($2::text = '' OR id > $2::uuid)
        ORDER BY id
        LIMIT $3`
	return r.list(ctx, query, cutoff, afterID, limit)
}

func (r *recipientRepository) list(ctx context.Context, query string, args ...any) ([]domain.Recipient, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rec)
	}
	return recipients, rows.Err()
}

func scanRecipient(row pgx.Row) (*domain.Recipient, error) {
	var rec domain.Recipient
	if err := row.Scan(
		&rec.ID,
		&rec.Email,
		&rec.FirstName,
		&rec.LastName,
		&rec.Status,
		&rec.Tags,
		&rec.SubscribedAt,
		&rec.LastActivityAt,
		&rec.DateOfBirth,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
