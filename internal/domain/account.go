package domain

import "time"

// Tier enumerates subscription tiers, ordered starter < creator < studio.
type Tier string

const (
	TierStarter Tier = "starter"
	TierCreator Tier = "creator"
	TierStudio  Tier = "studio"
)

var tierRank = map[Tier]int{
	TierStarter: 0,
	TierCreator: 1,
	TierStudio:  2,
}

// AtLeast reports whether the tier meets or exceeds the required tier.
func (t Tier) AtLeast(required Tier) bool {
	return tierRank[t] >= tierRank[required]
}

// Valid reports whether the tier is a known value.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Account is the billing identity behind every job. The balance is a cached
// counter kept consistent with the ledger entries inside the same
// transaction.
type Account struct {
	ID        string
	Tier      Tier
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
