package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/genqueue/internal/api/middleware"
	"github.com/kiranshivaraju/genqueue/internal/api/response"
	"github.com/kiranshivaraju/genqueue/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.TokenAuth
	RateLimit *mw.RateLimit
	Metrics   *metrics.Metrics

	HealthHandler  http.HandlerFunc
	SubmitHandler  http.HandlerFunc
	PollHandler    http.HandlerFunc
	ImageHandler   http.HandlerFunc
	ArchiveHandler http.HandlerFunc
	ClaimHandler   http.HandlerFunc
	ReportHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger(deps.Metrics))
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	// Submitter routes
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.With(deps.RateLimit.Limit).Post("/api/v1/jobs", orNotImplemented(deps.SubmitHandler))
		} else {
			r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitHandler))
		}
		r.Get("/api/v1/jobs/{id}", orNotImplemented(deps.PollHandler))
		r.Get("/api/v1/jobs/{id}/images/{index}", orNotImplemented(deps.ImageHandler))
		r.Get("/api/v1/jobs/{id}/archive", orNotImplemented(deps.ArchiveHandler))
	})

	// Worker routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Post("/api/v1/tasks/claim", orNotImplemented(deps.ClaimHandler))
		r.Post("/api/v1/tasks/report", orNotImplemented(deps.ReportHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
