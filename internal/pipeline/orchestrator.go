// Package pipeline drives a job's step state machine from claim to terminal
// state. Synchronous steps block the driving goroutine; asynchronous steps
// suspend the job in awaiting_callback until the provider callback or the
// deadline sweep resolves the outstanding handle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"creatorforge/internal/capability"
	"creatorforge/internal/domain"
	"creatorforge/internal/infra"
	"creatorforge/internal/notify"
	"creatorforge/internal/pricing"
	"creatorforge/internal/providers/prompt"
	"creatorforge/internal/storage"
)

// Gateway is the orchestrator's view of the capability dispatcher.
type Gateway interface {
	InvokeSync(ctx context.Context, cap capability.Capability, in capability.Input) (*capability.Result, error)
	InvokeAsync(ctx context.Context, cap capability.Capability, in capability.Input, jobID string, step domain.Step) (*domain.RequestHandle, error)
}

// CallbackResult is the normalized outcome a provider callback reports for an
// outstanding request handle.
type CallbackResult struct {
	Succeeded bool
	OutputURL string
	MIME      string
	Error     string
}

const referencePreviewPrompt = "studio portrait of the trained character, soft light, neutral background"

// Options wires the orchestrator's collaborators.
type Options struct {
	Jobs     domain.JobRepository
	Handles  domain.HandleRepository
	Ledger   domain.Ledger
	Gateway  Gateway
	Store    storage.ArtifactStore
	Prompts  prompt.Synthesizer
	Notifier notify.Notifier
	Logger   infra.Logger
}

// Orchestrator sequences pipeline steps for one job at a time per job id. A
// per-job in-process lock plus the terminal re-check on load make duplicate
// callbacks and sweep races safe.
type Orchestrator struct {
	jobs     domain.JobRepository
	handles  domain.HandleRepository
	ledger   domain.Ledger
	gateway  Gateway
	store    storage.ArtifactStore
	prompts  prompt.Synthesizer
	notifier notify.Notifier
	logger   infra.Logger

	locks jobLocks
}

func New(opts Options) *Orchestrator {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Orchestrator{
		jobs:     opts.Jobs,
		handles:  opts.Handles,
		ledger:   opts.Ledger,
		gateway:  opts.Gateway,
		store:    opts.Store,
		prompts:  opts.Prompts,
		notifier: notifier,
		logger:   opts.Logger,
		locks:    jobLocks{entries: make(map[string]*lockEntry)},
	}
}

// Run drives the job identified by jobID until it suspends, pauses for
// review, or reaches a terminal state. A job the worker already failed or
// completed is a no-op.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	unlock := o.locks.lock(jobID)
	defer unlock()

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	return o.drive(ctx, job)
}

// Rerun resumes a job that was interrupted mid-processing, bumping its retry
// counter so operators can see how often recovery kicked in.
func (o *Orchestrator) Rerun(ctx context.Context, jobID string) error {
	unlock := o.locks.lock(jobID)
	defer unlock()

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusProcessing {
		return nil
	}
	job.RetryCount++
	return o.drive(ctx, job)
}

// HandleCallback resolves the outstanding handle for (provider, externalID)
// and resumes the suspended job synchronously. Unknown handles return
// domain.ErrNotFound so the receiver can acknowledge late or duplicate
// deliveries without acting on them.
func (o *Orchestrator) HandleCallback(ctx context.Context, provider, externalID string, res CallbackResult) error {
	handle, err := o.handles.GetByExternalID(ctx, provider, externalID)
	if err != nil {
		return err
	}

	unlock := o.locks.lock(handle.JobID)
	defer unlock()

	job, err := o.jobs.GetByID(ctx, handle.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		// The sweep beat the callback; nothing left to resolve.
		return o.handles.Delete(ctx, handle.ID)
	}
	if job.OutputFor(handle.Step) != nil {
		// The result already landed but an earlier delivery stopped before
		// shedding the handle. Drop it and push the job forward.
		if err := o.handles.Delete(ctx, handle.ID); err != nil {
			return err
		}
		return o.drive(ctx, job)
	}

	// The handle is deleted only after the resolved state is durable, so a
	// crash mid-resolution leaves the provider retry and the sweep a record
	// to act on instead of a stranded job.
	if !res.Succeeded {
		msg := res.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		if err := o.fail(ctx, job, handle.Step, fmt.Sprintf("%s: %s", handle.Provider, msg)); err != nil {
			return err
		}
		return o.handles.Delete(ctx, handle.ID)
	}

	pl := planFor(job)
	job.Status = domain.JobStatusProcessing
	if err := o.recordAsyncResult(ctx, job, pl, handle.Step, res); err != nil {
		if ferr := o.fail(ctx, job, handle.Step, err.Error()); ferr != nil {
			return ferr
		}
		return o.handles.Delete(ctx, handle.ID)
	}
	if err := o.handles.Delete(ctx, handle.ID); err != nil {
		return err
	}
	// A cancel that arrived while the external call was in flight is honored
	// now that the paid-for work has resolved.
	if job.CancelRequested {
		return o.fail(ctx, job, "", "canceled by user")
	}
	return o.drive(ctx, job)
}

// ExpireHandle fails a job whose async step produced no callback before the
// handle deadline. Called by the sweep; terminal jobs only shed the handle.
func (o *Orchestrator) ExpireHandle(ctx context.Context, handle *domain.RequestHandle) error {
	unlock := o.locks.lock(handle.JobID)
	defer unlock()

	job, err := o.jobs.GetByID(ctx, handle.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return o.handles.Delete(ctx, handle.ID)
		}
		return err
	}
	if job.Status.IsTerminal() {
		return o.handles.Delete(ctx, handle.ID)
	}
	if job.OutputFor(handle.Step) != nil {
		// The callback landed but its delivery stopped before shedding the
		// handle; this is a stale record, not a timeout.
		if err := o.handles.Delete(ctx, handle.ID); err != nil {
			return err
		}
		return o.drive(ctx, job)
	}
	// Persist the failure before dropping the handle: if either write faults,
	// the next sweep still finds the handle and retries.
	msg := fmt.Sprintf("%s: no callback before deadline for step %s", handle.Provider, handle.Step)
	if err := o.fail(ctx, job, handle.Step, msg); err != nil {
		return err
	}
	return o.handles.Delete(ctx, handle.ID)
}

// ApproveReview releases an explicit-content job held in review.
func (o *Orchestrator) ApproveReview(ctx context.Context, jobID string) (*domain.Job, error) {
	unlock := o.locks.lock(jobID)
	defer unlock()

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, domain.ErrJobTerminal
	}
	if job.Status != domain.JobStatusReview {
		return nil, domain.ErrNotInReview
	}
	if err := o.complete(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RejectReview fails an explicit-content job held in review. Completed steps
// stay charged; only unconsumed reservation is refunded.
func (o *Orchestrator) RejectReview(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	unlock := o.locks.lock(jobID)
	defer unlock()

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, domain.ErrJobTerminal
	}
	if job.Status != domain.JobStatusReview {
		return nil, domain.ErrNotInReview
	}
	if reason == "" {
		reason = "rejected by moderation"
	}
	if err := o.fail(ctx, job, "", reason); err != nil {
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) drive(ctx context.Context, job *domain.Job) error {
	switch job.Status {
	case domain.JobStatusCompleted, domain.JobStatusFailed,
		domain.JobStatusAwaitingCallback, domain.JobStatusReview:
		return nil
	}
	if job.Status == domain.JobStatusQueued {
		job.Status = domain.JobStatusProcessing
		if err := o.jobs.Update(ctx, job); err != nil {
			return err
		}
	}

	pl := planFor(job)
	for {
		step, ok := pl.next(job.Progress)
		if !ok {
			return o.finalize(ctx, job)
		}
		// Re-read before each step: a cancel request or a sweep-driven
		// failure may have landed while the previous step ran.
		fresh, err := o.jobs.GetByID(ctx, job.ID)
		if err == nil {
			if fresh.Status.IsTerminal() {
				return nil
			}
			job.CancelRequested = fresh.CancelRequested
		}
		if job.CancelRequested {
			return o.fail(ctx, job, "", "canceled by user")
		}

		suspended, err := o.runStep(ctx, job, pl, step)
		if err != nil {
			return o.fail(ctx, job, step, err.Error())
		}
		if suspended {
			return nil
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, job *domain.Job, pl plan, step domain.Step) (suspended bool, err error) {
	job.CurrentStep = step
	gen := job.Config.Generation

	switch step {
	case domain.StepBaseGen:
		if err := o.chargeStep(ctx, job, step); err != nil {
			return false, err
		}
		res, err := o.gateway.InvokeSync(ctx, capability.BaseImage, capability.Input{
			Prompt:      o.synthesize(ctx, prompt.KindImage, gen),
			AspectRatio: gen.AspectRatio,
			ModelRef:    gen.CharacterID,
		})
		if err != nil {
			return false, err
		}
		return false, o.recordArtifact(ctx, job, pl, step, res, "image/png")

	case domain.StepClothSwap:
		// Best effort: a swap failure skips the charge and continues the
		// pipeline on the pre-swap image.
		res, err := o.gateway.InvokeSync(ctx, capability.ClothSwap, capability.Input{
			ImageURL:   lastImageURL(job),
			ClothesURL: gen.ClothesURL,
		})
		if err != nil {
			o.logger.Warn().Err(err).
				Str("job_id", job.ID).
				Msg("pipeline: cloth swap failed, continuing without it")
			job.Progress = pl.checkpoint(step)
			return false, o.jobs.Update(ctx, job)
		}
		if err := o.chargeStep(ctx, job, step); err != nil {
			return false, err
		}
		return false, o.recordArtifact(ctx, job, pl, step, res, "image/png")

	case domain.StepUpscale:
		if err := o.chargeStep(ctx, job, step); err != nil {
			return false, err
		}
		res, err := o.gateway.InvokeSync(ctx, capability.Upscale, capability.Input{
			ImageURL:      lastImageURL(job),
			UpscaleFactor: gen.UpscaleFactor,
		})
		if err != nil {
			return false, err
		}
		return false, o.recordArtifact(ctx, job, pl, step, res, "image/png")

	case domain.StepVideoPrep:
		if err := o.chargeStep(ctx, job, step); err != nil {
			return false, err
		}
		job.MotionPrompt = o.synthesize(ctx, prompt.KindMotion, gen)
		job.Progress = pl.checkpoint(step)
		return false, o.jobs.Update(ctx, job)

	case domain.StepVideoGen:
		if err := o.chargeStep(ctx, job, step); err != nil {
			return false, err
		}
		motion := job.MotionPrompt
		if motion == "" {
			motion = gen.Prompt
		}
		return true, o.suspend(ctx, job, capability.VideoRender, capability.Input{
			Prompt:      motion,
			ImageURL:    lastImageURL(job),
			DurationSec: gen.VideoDuration,
			Resolution:  gen.VideoRes,
			Tier:        gen.VideoTier,
		}, step)

	case domain.StepTrain:
		if err := o.chargeStep(ctx, job, step); err != nil {
			return false, err
		}
		return true, o.suspend(ctx, job, capability.TrainIdentity, capability.Input{
			ModelRef: job.Config.Training.CharacterID,
			Steps:    job.Config.Training.Steps,
		}, step)

	case domain.StepReferenceGen:
		if err := o.chargeStep(ctx, job, step); err != nil {
			return false, err
		}
		res, err := o.gateway.InvokeSync(ctx, capability.BaseImage, capability.Input{
			Prompt:   referencePreviewPrompt,
			ModelRef: trainedModelRef(job),
		})
		if err != nil {
			return false, err
		}
		return false, o.recordArtifact(ctx, job, pl, step, res, "image/png")

	default:
		return false, fmt.Errorf("unknown pipeline step %q", step)
	}
}

// chargeStep consumes the step's share of the up-front reservation, debiting
// a top-up only if earlier accounting left the reservation short. A top-up
// grows the priced total by the same amount, so accrued cost never exceeds
// it. Charged steps are recorded on the job so a retried step is never
// charged twice.
func (o *Orchestrator) chargeStep(ctx context.Context, job *domain.Job, step domain.Step) error {
	if job.StepCharged(step) {
		return nil
	}
	price := pricing.StepPrice(job.Config, step)
	if price > 0 {
		if short := job.CostAccrued + price - job.PricedTotal; short > 0 {
			if err := o.ledger.ReserveAndDebit(ctx, job.AccountID, short, domain.ReasonStepTopup, job.ID); err != nil {
				return err
			}
			job.PricedTotal += short
		}
		job.CostAccrued += price
	}
	job.ChargedSteps = append(job.ChargedSteps, step)
	return nil
}

// suspend submits the async call, then parks the job. The handle is persisted
// by the gateway before the status flips, so a crash in between leaves a
// record the callback or the sweep can still resolve.
func (o *Orchestrator) suspend(ctx context.Context, job *domain.Job, cap capability.Capability, in capability.Input, step domain.Step) error {
	if _, err := o.gateway.InvokeAsync(ctx, cap, in, job.ID, step); err != nil {
		return err
	}
	job.Status = domain.JobStatusAwaitingCallback
	return o.jobs.Update(ctx, job)
}

// recordArtifact copies the ephemeral provider URL into durable storage,
// appends the output, and persists the advanced state in one update.
func (o *Orchestrator) recordArtifact(ctx context.Context, job *domain.Job, pl plan, step domain.Step, res *capability.Result, fallbackMIME string) error {
	mime := res.MIME
	if mime == "" {
		mime = fallbackMIME
	}
	key := storage.ArtifactKey(job.ID, strings.ToLower(string(step)), extForMIME(mime))
	savedKey, size, err := storage.CopyFromURL(ctx, o.store, key, res.URL)
	if err != nil {
		return fmt.Errorf("store %s output: %w", step, err)
	}
	job.Outputs = append(job.Outputs, domain.Artifact{
		Step:       step,
		StorageKey: savedKey,
		MIME:       mime,
		SourceURL:  res.URL,
		Bytes:      size,
	})
	job.Progress = pl.checkpoint(step)
	return o.jobs.Update(ctx, job)
}

// recordAsyncResult lands a callback-delivered output. A training result is a
// provider-side model reference, not a downloadable file, so it is recorded
// without a storage copy.
func (o *Orchestrator) recordAsyncResult(ctx context.Context, job *domain.Job, pl plan, step domain.Step, res CallbackResult) error {
	if step == domain.StepTrain {
		job.Outputs = append(job.Outputs, domain.Artifact{
			Step:      step,
			MIME:      "application/x-model-ref",
			SourceURL: res.OutputURL,
		})
		job.Progress = pl.checkpoint(step)
		return o.jobs.Update(ctx, job)
	}
	mime := res.MIME
	if mime == "" {
		mime = "video/mp4"
	}
	return o.recordArtifact(ctx, job, pl, step, &capability.Result{URL: res.OutputURL, MIME: mime}, mime)
}

// finalize runs once every planned step has landed. Explicit-content
// generation jobs pause in review instead of completing.
func (o *Orchestrator) finalize(ctx context.Context, job *domain.Job) error {
	if gen := job.Config.Generation; gen != nil && gen.Explicit {
		job.Status = domain.JobStatusReview
		if err := o.jobs.Update(ctx, job); err != nil {
			return err
		}
		o.notifier.JobChanged(ctx, job)
		return nil
	}
	return o.complete(ctx, job)
}

func (o *Orchestrator) complete(ctx context.Context, job *domain.Job) error {
	refund := job.PricedTotal - job.CostAccrued
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	if err := o.jobs.Update(ctx, job); err != nil {
		return err
	}
	o.refund(ctx, job, refund)
	o.notifier.JobChanged(ctx, job)
	return nil
}

// fail transitions the job to failed and refunds the unconsumed reservation.
// A step that was charged but produced no output (a failing sync call, a
// failure callback, or a timed-out async submission) gets its share back.
func (o *Orchestrator) fail(ctx context.Context, job *domain.Job, failedStep domain.Step, msg string) error {
	refund := job.PricedTotal - job.CostAccrued
	if failedStep != "" && job.StepCharged(failedStep) && job.OutputFor(failedStep) == nil {
		refund += pricing.StepPrice(job.Config, failedStep)
	}
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = msg
	if err := o.jobs.Update(ctx, job); err != nil {
		return err
	}
	o.refund(ctx, job, refund)
	o.notifier.JobChanged(ctx, job)
	return nil
}

func (o *Orchestrator) refund(ctx context.Context, job *domain.Job, amount int64) {
	if amount <= 0 {
		return
	}
	if err := o.ledger.Refund(ctx, job.AccountID, job.ID, amount, domain.ReasonJobRefund); err != nil {
		o.logger.Error().Err(err).
			Str("job_id", job.ID).
			Int64("amount", amount).
			Msg("pipeline: refund failed, needs reconciliation")
	}
}

func (o *Orchestrator) synthesize(ctx context.Context, kind prompt.Kind, gen *domain.GenerationConfig) string {
	out, err := o.prompts.Synthesize(ctx, prompt.Request{
		Kind:        kind,
		Prompt:      gen.Prompt,
		Character:   gen.CharacterID,
		AspectRatio: gen.AspectRatio,
	})
	if err != nil || strings.TrimSpace(out) == "" {
		return gen.Prompt
	}
	return out
}

// lastImageURL returns the provider URL of the most recent image output, the
// chaining input for swap, upscale, and video rendering.
func lastImageURL(job *domain.Job) string {
	for i := len(job.Outputs) - 1; i >= 0; i-- {
		if strings.HasPrefix(job.Outputs[i].MIME, "image/") {
			return job.Outputs[i].SourceURL
		}
	}
	return ""
}

func trainedModelRef(job *domain.Job) string {
	if out := job.OutputFor(domain.StepTrain); out != nil {
		return out.SourceURL
	}
	return ""
}

func extForMIME(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "video/mp4":
		return "mp4"
	default:
		return "bin"
	}
}

// jobLocks serializes pipeline mutations per job id within this process.
type jobLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *jobLocks) lock(jobID string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.entries[jobID]
	if !ok {
		e = &lockEntry{}
		l.entries[jobID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, jobID)
		}
		l.mu.Unlock()
	}
}
