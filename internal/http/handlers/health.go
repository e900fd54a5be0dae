package handlers

import (
	"net/http"
)

// Health reports process liveness. It deliberately avoids touching the
// database or providers so a degraded dependency does not flap the probe.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "creatorforge",
	})
}
