package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"creatorforge/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `id, account_id, job_type, status, current_step, progress, priced_total, cost_accrued,
config, charged_steps, outputs, motion_prompt, error_message, retry_count, cancel_requested, created_at, updated_at`

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	chargedJSON, outputsJSON, err := encodeJobState(job)
	if err != nil {
		return err
	}
	query := `
INSERT INTO jobs (id, account_id, job_type, status, current_step, progress, priced_total, cost_accrued,
                  config, charged_steps, outputs, motion_prompt, error_message, retry_count, cancel_requested)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.AccountID,
		job.Type,
		job.Status,
		job.CurrentStep,
		job.Progress,
		job.PricedTotal,
		job.CostAccrued,
		configJSON,
		chargedJSON,
		outputsJSON,
		job.MotionPrompt,
		job.ErrorMessage,
		job.RetryCount,
		job.CancelRequested,
	)
	return err
}

// Update persists the full mutable pipeline state. Terminal rows are left
// untouched so a late callback cannot overwrite a completed or failed job.
func (r *JobRepositoryPG) Update(ctx context.Context, job *domain.Job) error {
	chargedJSON, outputsJSON, err := encodeJobState(job)
	if err != nil {
		return err
	}
	query := `
UPDATE jobs
SET status = $2,
    current_step = $3,
    progress = $4,
    cost_accrued = $5,
    charged_steps = $6,
    outputs = $7,
    motion_prompt = $8,
    error_message = $9,
    retry_count = $10,
    cancel_requested = $11,
    updated_at = now()
WHERE id = $1
  AND status NOT IN ('completed', 'failed');
`
	tag, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		job.CurrentStep,
		job.Progress,
		job.CostAccrued,
		chargedJSON,
		outputsJSON,
		job.MotionPrompt,
		job.ErrorMessage,
		job.RetryCount,
		job.CancelRequested,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := r.GetByID(ctx, job.ID)
		if getErr != nil {
			return getErr
		}
		if existing.Status.IsTerminal() {
			return domain.ErrJobTerminal
		}
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetForAccount fetches a job scoped to its owning account.
func (r *JobRepositoryPG) GetForAccount(ctx context.Context, id, accountID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND account_id = $2`, id, accountID)
	return scanJob(row)
}

// RequestCancel flags a non-terminal job for cancellation and returns its
// current state. The orchestrator honors the flag at the next step boundary.
func (r *JobRepositoryPG) RequestCancel(ctx context.Context, id, accountID string) (*domain.Job, error) {
	query := `
UPDATE jobs
SET cancel_requested = TRUE, updated_at = now()
WHERE id = $1
  AND account_id = $2
  AND status IN ('queued', 'processing', 'awaiting_callback')
RETURNING ` + jobColumns + `;
`
	row := r.pool.QueryRow(ctx, query, id, accountID)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrNotFound) {
		// Distinguish missing from non-cancelable.
		if _, getErr := r.GetForAccount(ctx, id, accountID); getErr == nil {
			return nil, domain.ErrNotCancelable
		}
		return nil, domain.ErrNotFound
	}
	return job, err
}

func encodeJobState(job *domain.Job) (charged, outputs []byte, err error) {
	steps := job.ChargedSteps
	if steps == nil {
		steps = []domain.Step{}
	}
	charged, err = json.Marshal(steps)
	if err != nil {
		return nil, nil, fmt.Errorf("encode charged steps: %w", err)
	}
	arts := job.Outputs
	if arts == nil {
		arts = []domain.Artifact{}
	}
	outputs, err = json.Marshal(arts)
	if err != nil {
		return nil, nil, fmt.Errorf("encode outputs: %w", err)
	}
	return charged, outputs, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var configJSON, chargedJSON, outputsJSON []byte
	if err := row.Scan(
		&job.ID,
		&job.AccountID,
		&job.Type,
		&job.Status,
		&job.CurrentStep,
		&job.Progress,
		&job.PricedTotal,
		&job.CostAccrued,
		&configJSON,
		&chargedJSON,
		&outputsJSON,
		&job.MotionPrompt,
		&job.ErrorMessage,
		&job.RetryCount,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	if len(chargedJSON) > 0 {
		if err := json.Unmarshal(chargedJSON, &job.ChargedSteps); err != nil {
			return nil, fmt.Errorf("decode charged steps: %w", err)
		}
	}
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &job.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	return &job, nil
}
