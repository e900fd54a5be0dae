package domain

import (
	"context"
	"time"
)

// AccountRepository defines access methods for accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, account *Account) error
	SetTier(ctx context.Context, id string, tier Tier) error
}

// JobRepository defines persistence for jobs. Update persists the full
// mutable pipeline state; it must refuse to overwrite a terminal row so a
// duplicate callback cannot race a timeout-driven failure.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id string) (*Job, error)
	GetForAccount(ctx context.Context, id, accountID string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	RequestCancel(ctx context.Context, id, accountID string) (*Job, error)
}

// HandleRepository defines persistence for outstanding async request handles.
type HandleRepository interface {
	Create(ctx context.Context, handle *RequestHandle) error
	GetByExternalID(ctx context.Context, provider, externalID string) (*RequestHandle, error)
	GetByJobID(ctx context.Context, jobID string) (*RequestHandle, error)
	Delete(ctx context.Context, id string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]RequestHandle, error)
}

// Ledger is the atomic credit movement surface. ReserveAndDebit must be safe
// under concurrent calls for the same account: two simultaneous submissions
// must not both succeed when only one can be afforded.
type Ledger interface {
	ReserveAndDebit(ctx context.Context, accountID string, amount int64, reason, jobID string) error
	Refund(ctx context.Context, accountID string, jobID string, amount int64, reason string) error
	Balance(ctx context.Context, accountID string) (int64, error)
	EntriesForJob(ctx context.Context, jobID string) ([]LedgerEntry, error)
}
