package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/agentplane/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router.
// Authentication runs before this; every route except the agent heartbeat
// additionally requires an administrator. Lifecycle mutations pass through
// h.Throttle and deploys through h.Dedupe when set.
func MountRoutes(r chi.Router, h *Handlers) {
	throttle := orPassThrough(h.Throttle)
	dedupe := orPassThrough(h.Dedupe)

	r.Get("/health", h.Health)
	if h.Hub != nil {
		r.With(middleware.RequireAdmin).Get("/ws", h.Hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			// Definitions
			r.Route("/projects/{projectID}/agents", func(r chi.Router) {
				r.Get("/", h.ListDefinitions)
				r.Post("/", h.CreateDefinition)
				r.Get("/stats", h.ProjectStats)
				r.Get("/{agentID}", h.GetDefinition)
				r.Put("/{agentID}", h.UpdateDefinition)
				r.Delete("/{agentID}", h.DeleteDefinition)
				r.With(throttle, dedupe).Post("/{agentID}/deploy", h.Deploy)
				r.Get("/{agentID}/logs", h.DefinitionLogs)
			})
			r.Get("/projects/{projectID}/agent-instances", h.ListInstances)
		})

		// Instances
		r.Route("/agent-instances/{instanceID}", func(r chi.Router) {
			// Agents report liveness with their own identity.
			r.Post("/heartbeat", h.Heartbeat)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Get("/", h.GetInstance)
				r.With(throttle).Post("/start", h.StartInstance)
				r.With(throttle).Post("/stop", h.StopInstance)
				r.With(throttle).Post("/restart", h.RestartInstance)
				r.Get("/logs", h.InstanceLogs)
				r.Get("/logs/stream", h.StreamLogs)
				r.Get("/metrics", h.MetricsHistory)
				r.Post("/metrics/collect", h.CollectMetrics)
			})
		})
	})
}

func orPassThrough(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}
