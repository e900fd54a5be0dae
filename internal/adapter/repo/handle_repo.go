package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"creatorforge/internal/domain"
)

// HandleRepositoryPG implements domain.HandleRepository.
type HandleRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewHandleRepository creates a new request handle repository.
func NewHandleRepository(pool *pgxpool.Pool) *HandleRepositoryPG {
	return &HandleRepositoryPG{pool: pool}
}

const handleColumns = `id, provider, external_id, job_id, step, issued_at, deadline`

// Create inserts a new outstanding request handle.
func (r *HandleRepositoryPG) Create(ctx context.Context, handle *domain.RequestHandle) error {
	query := `
INSERT INTO request_handles (id, provider, external_id, job_id, step, issued_at, deadline)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err := r.pool.Exec(ctx, query,
		handle.ID,
		handle.Provider,
		handle.ExternalID,
		handle.JobID,
		handle.Step,
		handle.IssuedAt,
		handle.Deadline,
	)
	return err
}

// GetByExternalID resolves a provider callback to its handle.
func (r *HandleRepositoryPG) GetByExternalID(ctx context.Context, provider, externalID string) (*domain.RequestHandle, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+handleColumns+` FROM request_handles WHERE provider = $1 AND external_id = $2`,
		provider, externalID)
	return scanHandle(row)
}

// GetByJobID returns the job's outstanding handle, if any.
func (r *HandleRepositoryPG) GetByJobID(ctx context.Context, jobID string) (*domain.RequestHandle, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+handleColumns+` FROM request_handles WHERE job_id = $1`, jobID)
	return scanHandle(row)
}

// Delete removes a resolved handle.
func (r *HandleRepositoryPG) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM request_handles WHERE id = $1`, id)
	return err
}

// ListExpired returns handles whose callback window has closed.
func (r *HandleRepositoryPG) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.RequestHandle, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+handleColumns+` FROM request_handles WHERE deadline < $1 ORDER BY deadline LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var handles []domain.RequestHandle
	for rows.Next() {
		h, err := scanHandle(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, *h)
	}
	return handles, rows.Err()
}

func scanHandle(row pgx.Row) (*domain.RequestHandle, error) {
	var h domain.RequestHandle
	if err := row.Scan(&h.ID, &h.Provider, &h.ExternalID, &h.JobID, &h.Step, &h.IssuedAt, &h.Deadline); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &h, nil
}
