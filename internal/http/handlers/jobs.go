package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"creatorforge/internal/domain"
	"creatorforge/internal/entitlement"
	"creatorforge/internal/pricing"
	"creatorforge/pkg/zip"
)

type jobSubmitRequest struct {
	Type       string                   `json:"type"`
	Generation *domain.GenerationConfig `json:"generation,omitempty"`
	Training   *domain.TrainingConfig   `json:"training,omitempty"`
}

type jobSubmitResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	PricedTotal int64  `json:"priced_total"`
	Balance     int64  `json:"balance"`
}

// JobsSubmit validates, prices, reserves the full total, and enqueues the
// job. Rejections happen strictly before any ledger movement, so a denied or
// unaffordable request leaves no trace.
func (a *App) JobsSubmit(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(r, w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	var req jobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(r, w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	jobType := domain.JobType(req.Type)
	if req.Type == "" {
		jobType = domain.JobTypeGeneration
	}
	cfg := domain.JobConfig{
		Version:    domain.ConfigVersion,
		Generation: req.Generation,
		Training:   req.Training,
	}
	if err := cfg.Validate(jobType); err != nil {
		a.error(r, w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	account, err := a.Accounts.GetByID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(r, w, http.StatusUnauthorized, "unauthorized", "unknown account")
			return
		}
		a.error(r, w, http.StatusInternalServerError, "internal", "failed to load account")
		return
	}

	if err := entitlement.CheckJob(account.Tier, cfg); err != nil {
		var denial *entitlement.DenialError
		if errors.As(err, &denial) {
			a.json(w, http.StatusForbidden, map[string]any{
				"error": map[string]string{
					"code":     "entitlement_denied",
					"message":  denial.Error(),
					"rule":     denial.Rule,
					"requires": string(denial.Require),
				},
			})
			return
		}
		a.error(r, w, http.StatusForbidden, "entitlement_denied", err.Error())
		return
	}

	total := pricing.Total(cfg)
	jobID := uuid.NewString()
	if err := a.Ledger.ReserveAndDebit(r.Context(), accountID, total, domain.ReasonJobReserve, jobID); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			a.error(r, w, http.StatusPaymentRequired, "insufficient_funds", "credit balance too low for this configuration")
			return
		}
		a.error(r, w, http.StatusInternalServerError, "internal", "failed to reserve credits")
		return
	}

	job := &domain.Job{
		ID:          jobID,
		AccountID:   accountID,
		Type:        jobType,
		Status:      domain.JobStatusQueued,
		Config:      cfg,
		PricedTotal: total,
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		// Undo the reservation so a persistence fault cannot strand credits.
		if rerr := a.Ledger.Refund(r.Context(), accountID, jobID, total, domain.ReasonJobRefund); rerr != nil {
			a.Logger.Error().Err(rerr).Str("job_id", jobID).Msg("handlers: reservation rollback failed")
		}
		a.error(r, w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	balance, _ := a.Ledger.Balance(r.Context(), accountID)
	a.json(w, http.StatusAccepted, jobSubmitResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		PricedTotal: total,
		Balance:     balance,
	})
}

func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(r, w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(r, w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Jobs.GetForAccount(r.Context(), jobID, accountID)
	if err != nil {
		a.error(r, w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, jobView(job))
}

func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(r, w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Jobs.RequestCancel(r.Context(), jobID, accountID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.error(r, w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, domain.ErrNotCancelable):
			a.error(r, w, http.StatusConflict, "not_cancelable", "job can no longer be canceled")
		default:
			a.error(r, w, http.StatusInternalServerError, "internal", "failed to cancel job")
		}
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

type reviewRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// JobReview resolves an explicit-content job held for moderation. Admin only;
// the router enforces the role claim.
func (a *App) JobReview(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(r, w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	var job *domain.Job
	var err error
	switch strings.ToLower(req.Action) {
	case "approve":
		job, err = a.Pipeline.ApproveReview(r.Context(), jobID)
	case "reject":
		job, err = a.Pipeline.RejectReview(r.Context(), jobID, req.Reason)
	default:
		a.error(r, w, http.StatusBadRequest, "bad_request", "action must be approve or reject")
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.error(r, w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, domain.ErrJobTerminal), errors.Is(err, domain.ErrNotInReview):
			a.error(r, w, http.StatusConflict, "not_in_review", "job is not awaiting review")
		default:
			a.error(r, w, http.StatusInternalServerError, "internal", "failed to apply review decision")
		}
		return
	}
	a.json(w, http.StatusOK, jobView(job))
}

// JobArchive streams a zip of the job's durably stored outputs.
func (a *App) JobArchive(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(r, w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Jobs.GetForAccount(r.Context(), jobID, accountID)
	if err != nil {
		a.error(r, w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	var assets []zip.Asset
	for _, out := range job.Outputs {
		if out.StorageKey == "" {
			continue
		}
		data, err := a.Store.Read(r.Context(), out.StorageKey)
		if err != nil {
			a.Logger.Warn().Err(err).
				Str("job_id", job.ID).
				Str("storage_key", out.StorageKey).
				Msg("handlers: archive skipping unreadable output")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: archiveFilename(job.ID, out),
			MIME:     out.MIME,
			Data:     data,
		})
	}
	if len(assets) == 0 {
		a.error(r, w, http.StatusNotFound, "not_found", "job has no stored outputs")
		return
	}

	archive, err := zip.ArchiveAssets(assets)
	if err != nil {
		a.error(r, w, http.StatusInternalServerError, "internal", "failed to build archive")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=job-%s.zip", job.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func archiveFilename(jobID string, out domain.Artifact) string {
	name := strings.ToLower(string(out.Step))
	if i := strings.LastIndex(out.StorageKey, "."); i >= 0 {
		return fmt.Sprintf("%s-%s%s", jobID, name, out.StorageKey[i:])
	}
	return fmt.Sprintf("%s-%s", jobID, name)
}

func jobView(job *domain.Job) map[string]any {
	outputs := make([]map[string]any, 0, len(job.Outputs))
	for _, out := range job.Outputs {
		outputs = append(outputs, map[string]any{
			"step":        out.Step,
			"storage_key": out.StorageKey,
			"mime":        out.MIME,
			"bytes":       out.Bytes,
		})
	}
	view := map[string]any{
		"id":           job.ID,
		"account_id":   job.AccountID,
		"type":         job.Type,
		"status":       job.Status,
		"current_step": job.CurrentStep,
		"progress":     job.Progress,
		"priced_total": job.PricedTotal,
		"cost_accrued": job.CostAccrued,
		"outputs":      outputs,
		"created_at":   job.CreatedAt,
		"updated_at":   job.UpdatedAt,
	}
	if job.ErrorMessage != "" {
		view["error"] = job.ErrorMessage
	}
	return view
}
