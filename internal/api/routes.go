package api

import (
	"net/http"
	"pce/internal/health"
	"pce/internal/job"
	"pce/internal/module"
	"pce/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Modules       *module.Orchestrator
	Jobs          *job.Orchestrator
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Modules, cfg.Jobs, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	// Module endpoints
	route("GET /v1/modules", handler.ListModules)
	route("POST /v1/modules", handler.InstallModule)
	route("GET /v1/modules/{modId}", handler.GetModule)
	route("DELETE /v1/modules/{modId}", handler.DeleteModule)
	route("POST /v1/modules/{modId}/deploy", handler.DeployModule)
	route("POST /v1/modules/{modId}/ready", handler.MarkModuleReady)

	// Job endpoints
	route("GET /v1/jobs", handler.ListJobs)
	route("POST /v1/jobs", handler.LaunchJob)
	route("GET /v1/jobs/{jobId}", handler.GetJob)
	route("DELETE /v1/jobs/{jobId}", handler.DeleteJob)
	route("GET /v1/jobs/{jobId}/files/{path...}", handler.GetJobFile)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
