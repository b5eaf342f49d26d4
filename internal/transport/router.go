package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/hazen/internal/config"
	"github.com/pitabwire/hazen/internal/definition"
	"github.com/pitabwire/hazen/internal/observability"
	"github.com/pitabwire/hazen/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *workflow.Engine
	Registry     *definition.Registry
	Loader       *definition.Loader
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	Health       http.HandlerFunc
	Ready        http.HandlerFunc
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes, bypass authentication.
	health := deps.Health
	if health == nil {
		health = observability.HandleHealth()
	}
	ready := deps.Ready
	if ready == nil {
		ready = func(w http.ResponseWriter, _ *http.Request) {
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		}
	}
	r.Get("/health", health)
	r.Get("/ready", ready)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	// Authenticated routes, full middleware chain.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/api/cases", func(r chi.Router) {
			r.Post("/", handleCaseCreate(deps.Engine))
			r.Get("/", handleCaseList(deps.Engine))
			r.Get("/{caseId}", handleCaseGet(deps.Engine))
			r.Get("/{caseId}/history", handleCaseHistory(deps.Engine))
			r.Post("/{caseId}/transition", handleCaseTransition(deps.Engine))
			r.Post("/{caseId}/reject", handleCaseReject(deps.Engine))
			r.Post("/{caseId}/void", handleCaseVoid(deps.Engine))
		})

		r.Route("/api/workflow", func(r chi.Router) {
			r.Get("/", handleDefinitionGet(deps.Registry))
			r.Put("/", handleDefinitionUpdate(deps.Registry, deps.Loader))
		})
	})

	return r
}
