package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/backoffice-engine/internal/domain"
)

// SegmentRepository stores saved recipient filters.
type SegmentRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Segment, error)
	// Create validates the criteria before storing them.
	Create(ctx context.Context, segment *domain.Segment) error
}

type segmentRepository struct {
	pool *pgxpool.Pool
}

// NewSegmentRepository instantiates the repository.
func NewSegmentRepository(pool *pgxpool.Pool) SegmentRepository {
	return &segmentRepository{pool: pool}
}

func (r *segmentRepository) GetByID(ctx context.Context, id string) (*domain.Segment, error) {
	const query = `SELECT id, name, criteria, created_at FROM newsletter_segments WHERE id=$1`
	var seg domain.Segment
	if err := r.pool.QueryRow(ctx, query, id).Scan(&seg.ID, &seg.Name, &seg.Criteria, &seg.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &seg, nil
}

func (r *segmentRepository) Create(ctx context.Context, segment *domain.Segment) error {
	if err := segment.Criteria.Validate(); err != nil {
		return err
	}
	const query = `
        INSERT INTO newsletter_segments (name, criteria)
        VALUES ($1,$2)
        RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query, segment.Name, segment.Criteria).Scan(&segment.ID, &segment.CreatedAt)
	return mapError(err)
}
