package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"creatorforge/internal/domain"
)

// LedgerPG implements domain.Ledger. The account row lock taken inside
// ReserveAndDebit is the per-account serialization point: two concurrent
// submissions for the same account cannot both pass the balance check.
type LedgerPG struct {
	pool *pgxpool.Pool
}

// NewLedger creates a new ledger backed by PostgreSQL.
func NewLedger(pool *pgxpool.Pool) *LedgerPG {
	return &LedgerPG{pool: pool}
}

// ReserveAndDebit atomically checks the balance, debits it, and appends the
// debit entry. Fails closed with domain.ErrInsufficientFunds.
func (l *LedgerPG) ReserveAndDebit(ctx context.Context, accountID string, amount int64, reason, jobID string) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: debit amount must be positive, got %d", amount)
	}
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx,
			`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}
		if balance < amount {
			return domain.ErrInsufficientFunds
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance - $2, updated_at = now() WHERE id = $1`,
			accountID, amount); err != nil {
			return err
		}
		return appendEntry(ctx, tx, accountID, jobID, -amount, reason)
	})
}

// Refund appends a compensating credit entry; the original debit is never
// mutated.
func (l *LedgerPG) Refund(ctx context.Context, accountID, jobID string, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: refund amount must be positive, got %d", amount)
	}
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2, updated_at = now() WHERE id = $1`,
			accountID, amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return appendEntry(ctx, tx, accountID, jobID, amount, reason)
	})
}

// Balance reads the cached account balance.
func (l *LedgerPG) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return balance, err
}

// EntriesForJob lists all credit movements tied to a job, oldest first.
func (l *LedgerPG) EntriesForJob(ctx context.Context, jobID string) ([]domain.LedgerEntry, error) {
	rows, err := l.pool.Query(ctx, `
SELECT id, account_id, COALESCE(job_id::text, ''), amount, reason, created_at
FROM ledger_entries
WHERE job_id = $1
ORDER BY created_at
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.JobID, &e.Amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func appendEntry(ctx context.Context, tx pgx.Tx, accountID, jobID string, amount int64, reason string) error {
	var jobRef any
	if jobID != "" {
		jobRef = jobID
	}
	_, err := tx.Exec(ctx, `
INSERT INTO ledger_entries (id, account_id, job_id, amount, reason)
VALUES ($1, $2, $3, $4, $5)
`, uuid.NewString(), accountID, jobRef, amount, reason)
	return err
}

var _ domain.Ledger = (*LedgerPG)(nil)
