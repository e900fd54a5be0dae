package domain

import "time"

// Ledger entry reason codes.
const (
	ReasonJobReserve = "job_reserve"
	ReasonStepTopup  = "step_topup"
	ReasonJobRefund  = "job_refund"
	ReasonGrant      = "grant"
)

// LedgerEntry is one immutable credit movement. Positive amounts credit the
// account, negative amounts debit it. Entries are never mutated or deleted;
// refunds append a compensating credit.
type LedgerEntry struct {
	ID        string
	AccountID string
	JobID     string // empty for movements not tied to a job
	Amount    int64
	Reason    string
	CreatedAt time.Time
}
