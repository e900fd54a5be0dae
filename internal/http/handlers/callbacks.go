package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"creatorforge/internal/domain"
	"creatorforge/internal/pipeline"
)

// CallbackSecretHeader authenticates provider callbacks; the value is shared
// out-of-band with each provider at submission time.
const CallbackSecretHeader = "X-Callback-Secret"

type callbackPayload struct {
	ExternalRequestID string `json:"external_request_id"`
	Status            string `json:"status"`
	Output            string `json:"output,omitempty"`
	MIME              string `json:"mime,omitempty"`
	Error             string `json:"error,omitempty"`
}

// ProviderCallback receives async results. Deliveries are at-least-once:
// unknown handles and terminal jobs are acknowledged with 200 and ignored, so
// providers stop retrying.
func (a *App) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(CallbackSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(a.Config.CallbackSecret)) != 1 {
		a.error(r, w, http.StatusUnauthorized, "unauthorized", "invalid callback secret")
		return
	}

	provider := chi.URLParam(r, "provider")
	var payload callbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.error(r, w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if payload.ExternalRequestID == "" {
		a.error(r, w, http.StatusBadRequest, "bad_request", "external_request_id required")
		return
	}

	res := pipeline.CallbackResult{
		Succeeded: strings.EqualFold(payload.Status, "COMPLETED"),
		OutputURL: payload.Output,
		MIME:      payload.MIME,
		Error:     payload.Error,
	}
	err := a.Pipeline.HandleCallback(r.Context(), provider, payload.ExternalRequestID, res)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrJobTerminal) {
			a.json(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		a.Logger.Error().Err(err).
			Str("provider", provider).
			Str("external_id", payload.ExternalRequestID).
			Msg("handlers: callback resume failed")
		a.error(r, w, http.StatusInternalServerError, "internal", "failed to process callback")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
