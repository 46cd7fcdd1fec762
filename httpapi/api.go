package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"collabflow/application"
	"collabflow/auth"
	"collabflow/cancellation"
	"collabflow/collaboration"
	"collabflow/dispute"
	"collabflow/obs"
	"collabflow/review"
)

// API is the HTTP facade over the domain services. The UI layer consumes the
// core exclusively through these command/query routes.
type API struct {
	mux           *http.ServeMux
	pool          *pgxpool.Pool
	tokens        TokenVerifier
	authSvc       *auth.Service
	collabs       *collaboration.Service
	applications  *application.Service
	reviews       *review.Service
	disputes      *dispute.Service
	cancellations *cancellation.Service
	version       string
}

func New(
	pool *pgxpool.Pool,
	authSvc *auth.Service,
	collabs *collaboration.Service,
	applications *application.Service,
	reviews *review.Service,
	disputes *dispute.Service,
	cancellations *cancellation.Service,
	version string,
) *API {
	a := &API{
		mux:           http.NewServeMux(),
		pool:          pool,
		tokens:        authSvc,
		authSvc:       authSvc,
		collabs:       collabs,
		applications:  applications,
		reviews:       reviews,
		disputes:      disputes,
		cancellations: cancellations,
		version:       version,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /api/auth/register", a.Register)
	a.mux.HandleFunc("POST /api/auth/login", a.Login)

	a.mux.HandleFunc("GET /api/collaborations", a.ListCollaborations)
	a.mux.HandleFunc("POST /api/collaborations", a.Authenticate(a.CreateCollaboration))
	a.mux.HandleFunc("GET /api/collaborations/{id}", a.GetCollaboration)
	a.mux.HandleFunc("POST /api/collaborations/{id}/applications", a.Authenticate(a.Apply))
	a.mux.HandleFunc("GET /api/collaborations/{id}/applications", a.Authenticate(a.ListApplications))
	a.mux.HandleFunc("POST /api/applications/{id}/decision", a.Authenticate(a.DecideApplication))
	a.mux.HandleFunc("POST /api/collaborations/{id}/complete", a.Authenticate(a.CompleteCollaboration))
	a.mux.HandleFunc("POST /api/collaborations/{id}/release", a.Authenticate(a.ReleaseFunds))

	a.mux.HandleFunc("POST /api/reviews", a.Authenticate(a.SubmitReview))
	a.mux.HandleFunc("GET /api/reviews/pending", a.Authenticate(a.PendingReviews))
	a.mux.HandleFunc("GET /api/applications/{id}/reviews", a.Authenticate(a.ListReviews))

	a.mux.HandleFunc("POST /api/disputes/create/{collabId}", a.Authenticate(a.OpenDispute))
	a.mux.HandleFunc("POST /api/disputes/{id}/resolve", a.RequireAdmin(a.ResolveDispute))

	a.mux.HandleFunc("POST /api/collaborations/{id}/cancel", a.Authenticate(a.RequestCancellation))
	a.mux.HandleFunc("POST /api/cancellations/{id}/resolve", a.RequireAdmin(a.ResolveCancellation))

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	limited := RateLimit(rate.Limit(50), 100)(a.mux)
	return RequestID(Logging(obs.Instrument(limited)))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "collabflow-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
