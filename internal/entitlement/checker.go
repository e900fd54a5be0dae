// Package entitlement gates requested configurations on the account's
// subscription tier. Checks run strictly before any ledger debit.
package entitlement

import (
	"fmt"

	"creatorforge/internal/domain"
)

// Video duration ceilings in seconds.
const (
	durationStarterMax = 5
	durationCreatorMax = 10
)

// DenialError names the specific rule that failed so the caller can render
// an upgrade prompt.
type DenialError struct {
	Rule    string
	Require domain.Tier
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("entitlement denied: %s requires the %s tier", e.Rule, e.Require)
}

// Check validates that the tier permits the requested generation config.
// Returns nil on allow, or a *DenialError naming the failed rule.
func Check(tier domain.Tier, cfg domain.GenerationConfig) error {
	if cfg.Explicit && !tier.AtLeast(domain.TierCreator) {
		return &DenialError{Rule: "explicit_content", Require: domain.TierCreator}
	}
	if cfg.Video {
		if cfg.VideoDuration > durationCreatorMax && !tier.AtLeast(domain.TierStudio) {
			return &DenialError{Rule: "video_duration_extended", Require: domain.TierStudio}
		}
		if cfg.VideoDuration > durationStarterMax && !tier.AtLeast(domain.TierCreator) {
			return &DenialError{Rule: "video_duration", Require: domain.TierCreator}
		}
		if cfg.VideoRes == domain.Resolution4K && !tier.AtLeast(domain.TierStudio) {
			return &DenialError{Rule: "video_resolution_4k", Require: domain.TierStudio}
		}
		if cfg.VideoRes == domain.Resolution1080p && !tier.AtLeast(domain.TierCreator) {
			return &DenialError{Rule: "video_resolution_1080p", Require: domain.TierCreator}
		}
	}
	return nil
}

// CheckJob validates a wrapped job config. Training jobs have no tier gate.
func CheckJob(tier domain.Tier, cfg domain.JobConfig) error {
	if cfg.Generation != nil {
		return Check(tier, *cfg.Generation)
	}
	return nil
}
