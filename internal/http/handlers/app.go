package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"creatorforge/internal/domain"
	"creatorforge/internal/infra"
	"creatorforge/internal/middleware"
	"creatorforge/internal/pipeline"
	"creatorforge/internal/storage"
)

// Pipeline is the handler-facing surface of the orchestrator: callback
// resolution and review moderation.
type Pipeline interface {
	HandleCallback(ctx context.Context, provider, externalID string, res pipeline.CallbackResult) error
	ApproveReview(ctx context.Context, jobID string) (*domain.Job, error)
	RejectReview(ctx context.Context, jobID, reason string) (*domain.Job, error)
}

// App bundles the collaborators every handler needs.
type App struct {
	Config   *infra.Config
	Logger   infra.Logger
	Jobs     domain.JobRepository
	Accounts domain.AccountRepository
	Ledger   domain.Ledger
	Store    storage.ArtifactStore
	Pipeline Pipeline
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(r *http.Request, w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		a.Logger.Error().
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("code", code).
			Int("status", status).
			Msg(message)
	}
	a.json(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func (a *App) currentAccountID(r *http.Request) string {
	return middleware.AccountIDFromContext(r.Context())
}
