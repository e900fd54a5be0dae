package pipeline

import (
	"context"
	"time"

	"creatorforge/internal/domain"
	"creatorforge/internal/infra"
)

const sweepBatchSize = 100

// Sweeper periodically fails jobs whose async step produced no callback
// before the handle deadline. It is the timeout half of the at-least-once
// callback contract; the per-job lock in the orchestrator arbitrates races
// with a callback arriving at the same moment.
type Sweeper struct {
	handles  domain.HandleRepository
	orch     *Orchestrator
	interval time.Duration
	logger   infra.Logger
}

func NewSweeper(handles domain.HandleRepository, orch *Orchestrator, interval time.Duration, logger infra.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{handles: handles, orch: orch, interval: interval, logger: logger}
}

// Run sweeps on a fixed interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep: scan failed")
				continue
			}
			if n > 0 {
				s.logger.Info().Int("expired", n).Msg("sweep: failed timed-out jobs")
			}
		}
	}
}

// Sweep expires one batch of overdue handles and returns how many it
// resolved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.handles.ListExpired(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for i := range expired {
		if err := s.orch.ExpireHandle(ctx, &expired[i]); err != nil {
			s.logger.Error().Err(err).
				Str("handle_id", expired[i].ID).
				Str("job_id", expired[i].JobID).
				Msg("sweep: expire failed")
			continue
		}
		resolved++
	}
	return resolved, nil
}
