// Package api mounts FlakeGuard's inbound REST surface (spec.md §6.3):
// repository listing, the quarantine-plan/policy endpoints, a jobs
// view, health, metrics, and the webhook intake endpoint, all routed
// with go-chi/chi and go-chi/cors.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
	"github.com/thc1006/flakeguard-sub006/pkg/policy"
	"github.com/thc1006/flakeguard-sub006/pkg/query"
	"github.com/thc1006/flakeguard-sub006/pkg/queue"
	"github.com/thc1006/flakeguard-sub006/pkg/storage"
	"github.com/thc1006/flakeguard-sub006/pkg/webhook"
)

// Deps is everything the REST surface needs; webhook may be nil if the
// caller mounts webhook intake separately (e.g. a dedicated ingress
// path), in which case POST /webhook is not registered here.
type Deps struct {
	Repositories    *storage.RepositoryStore
	PolicyOverrides *storage.PolicyOverrideStore
	PolicyDefaults  policy.Config
	Queue           *queue.Queue
	Query           *query.Service
	Webhook         *webhook.Handler
	MetricsGatherer prometheus.Gatherer
	Logger          *logrus.Logger
}

// Router builds the full chi.Router: request-ID, real-IP and CORS
// middleware, and every route in spec.md §6.3.
func Router(deps Deps) chi.Router {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Hub-Signature-256", "X-GitHub-Event", "X-GitHub-Delivery"},
		MaxAge:           300,
	}))

	r.Get("/health", h.health)
	if deps.MetricsGatherer != nil {
		r.Get("/metrics", metrics.Handler(deps.MetricsGatherer).ServeHTTP)
	}
	r.Get("/openapi.json", serveOpenAPIDocument)

	r.Get("/repositories", h.listRepositories)
	r.Get("/repositories/{id}", h.getRepository)

	r.Route("/v1/quarantine", func(r chi.Router) {
		r.Post("/plan", h.quarantinePlan)
		r.Get("/policy", h.quarantinePolicy)
	})

	r.Get("/tasks", h.listTasks)

	if deps.Webhook != nil {
		deps.Webhook.Mount(r)
	}
	return r
}
