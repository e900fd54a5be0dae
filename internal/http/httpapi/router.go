package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"creatorforge/internal/http/handlers"
	"creatorforge/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.CORS(app.Config.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	// Providers authenticate with the shared callback secret, not a session.
	r.Post("/v1/callbacks/{provider}", app.ProviderCallback)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(app.Config.JWTSecret))
		r.Use(middleware.RateLimit(app.Config.RateLimitPerMin, time.Minute))

		r.Post("/v1/jobs", app.JobsSubmit)
		r.Get("/v1/jobs/{job_id}", app.JobStatus)
		r.Post("/v1/jobs/{job_id}/cancel", app.JobCancel)
		r.Get("/v1/jobs/{job_id}/archive", app.JobArchive)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Post("/v1/jobs/{job_id}/review", app.JobReview)
		})
	})

	return r
}
