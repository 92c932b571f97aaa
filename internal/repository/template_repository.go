package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// TemplateRepository loads stored email templates by name.
type TemplateRepository interface {
	GetActiveByName(ctx context.Context, name string) (*domain.EmailTemplate, error)
}

type templateRepository struct {
	pool *pgxpool.Pool
}

// NewTemplateRepository instantiates the repository.
func NewTemplateRepository(pool *pgxpool.Pool) TemplateRepository {
	return &templateRepository{pool: pool}
}

func (r *templateRepository) GetActiveByName(ctx context.Context, name string) (*domain.EmailTemplate, error) {
	const query = `
        SELECT id, name, subject, body, is_active
        FROM email_templates WHERE name=$1 AND is_active=TRUE`
	var tmpl domain.EmailTemplate
	if err := r.pool.QueryRow(ctx, query, name).Scan(
		&tmpl.ID,
		&tmpl.Name,
		&tmpl.Subject,
		&tmpl.Body,
		&tmpl.IsActive,
	); err != nil {
		return nil, mapError(err)
	}
	return &tmpl, nil
}
