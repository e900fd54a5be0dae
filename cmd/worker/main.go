package main

import (
	"context"
	"errors"
	"time"

	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"creatorforge/internal/bootstrap"
	"creatorforge/internal/infra"
	"creatorforge/internal/pipeline"
	"creatorforge/internal/sqlinline"
)

const jobPollInterval = 2 * time.Second

var errNoJobAvailable = errors.New("no job available")

type jobWorker struct {
	ctx    context.Context
	runner *infra.SQLRunner
	orch   *pipeline.Orchestrator
	logger infra.Logger
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	components, err := bootstrap.Build(ctx, cfg, logger, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: wiring failed")
	}

	worker := &jobWorker{
		ctx:    ctx,
		runner: infra.NewSQLRunner(pool, logger),
		orch:   components.Orchestrator,
		logger: logger,
	}

	// Jobs a dead worker left mid-step are resumed before new work starts;
	// suspended jobs with a live handle stay with the callback or the sweep.
	worker.recoverOrphans()

	sweeper := pipeline.NewSweeper(components.Handles, components.Orchestrator, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	if err := worker.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func (w *jobWorker) Run() error {
	w.logger.Info().Msg("worker: started")
	for {
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		default:
		}

		jobID, err := w.claimJob()
		if err != nil {
			if errors.Is(err, errNoJobAvailable) {
				time.Sleep(jobPollInterval)
				continue
			}
			w.logger.Error().Err(err).Msg("worker: failed to claim job")
			time.Sleep(jobPollInterval)
			continue
		}

		w.logger.Info().Str("job_id", jobID).Msg("worker: picked job")
		if err := w.orch.Run(w.ctx, jobID); err != nil {
			w.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: job run failed")
		}
	}
}

func (w *jobWorker) claimJob() (string, error) {
	row := w.runner.QueryRow(w.ctx, sqlinline.QWorkerClaimJob)
	var id string
	if err := row.Scan(&id); err != nil {
		if infra.IsNoRows(err) {
			return "", errNoJobAvailable
		}
		return "", err
	}
	return id, nil
}

func (w *jobWorker) recoverOrphans() {
	rows, err := w.runner.Query(w.ctx, sqlinline.QSelectOrphanJobs)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: orphan scan failed")
		return
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		w.logger.Info().Str("job_id", id).Msg("worker: resuming orphaned job")
		if err := w.orch.Rerun(w.ctx, id); err != nil {
			w.logger.Error().Err(err).Str("job_id", id).Msg("worker: orphan resume failed")
		}
	}
}
