package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/agentplane/internal/adapter/ws"
	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/service"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Definitions *service.DefinitionService
	Lifecycle   *service.LifecycleService
	Metrics     *service.MetricsSampler
	Hub         *ws.Hub
	Store       Pinger
	// Throttle wraps the lifecycle mutation routes.
	Throttle func(http.Handler) http.Handler
	// Dedupe wraps the deploy route.
	Dedupe func(http.Handler) http.Handler
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			slog.WarnContext(r.Context(), "health check failed", "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// ---------------------------------------------------------------------------
// Definitions
// ---------------------------------------------------------------------------

// ListDefinitions handles GET /api/v1/projects/{projectID}/agents
func (h *Handlers) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	handleListByParam(paramProject, h.Definitions.List, "project not found")(w, r)
}

// CreateDefinition handles POST /api/v1/projects/{projectID}/agents
func (h *Handlers) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	handleCreate(bodyLimit, h.Definitions.Create, "project not found")(w, r)
}

// GetDefinition handles GET /api/v1/projects/{projectID}/agents/{agentID}
func (h *Handlers) GetDefinition(w http.ResponseWriter, r *http.Request) {
	handleProjectGet(h.Definitions.Get, "agent not found")(w, r)
}

// UpdateDefinition handles PUT /api/v1/projects/{projectID}/agents/{agentID}
func (h *Handlers) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	handleUpdate(bodyLimit, h.Definitions.Update, "agent not found")(w, r)
}

// DeleteDefinition handles DELETE /api/v1/projects/{projectID}/agents/{agentID}
func (h *Handlers) DeleteDefinition(w http.ResponseWriter, r *http.Request) {
	handleDelete(h.Definitions.Delete, "agent not found")(w, r)
}

// ProjectStats handles GET /api/v1/projects/{projectID}/agents/stats
func (h *Handlers) ProjectStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Definitions.Stats(r.Context(), urlParam(r, paramProject))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---------------------------------------------------------------------------
// Deployment & lifecycle
// ---------------------------------------------------------------------------

// Deploy handles POST /api/v1/projects/{projectID}/agents/{agentID}/deploy
func (h *Handlers) Deploy(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[agent.DeployRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	inst, err := h.Lifecycle.Deploy(r.Context(), urlParam(r, paramProject), urlParam(r, paramAgent), req)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// ListInstances handles GET /api/v1/projects/{projectID}/agent-instances
// with an optional ?agent_id= filter.
func (h *Handlers) ListInstances(w http.ResponseWriter, r *http.Request) {
	items, err := h.Lifecycle.ListInstances(r.Context(), urlParam(r, paramProject), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	if items == nil {
		items = []agent.Instance{}
	}
	writeJSON(w, http.StatusOK, items)
}

// GetInstance handles GET /api/v1/agent-instances/{instanceID}
func (h *Handlers) GetInstance(w http.ResponseWriter, r *http.Request) {
	handleInstanceAction(h.Lifecycle.GetInstance)(w, r)
}

// StartInstance handles POST /api/v1/agent-instances/{instanceID}/start
func (h *Handlers) StartInstance(w http.ResponseWriter, r *http.Request) {
	handleInstanceAction(h.Lifecycle.Start)(w, r)
}

// StopInstance handles POST /api/v1/agent-instances/{instanceID}/stop
func (h *Handlers) StopInstance(w http.ResponseWriter, r *http.Request) {
	handleInstanceAction(h.Lifecycle.Stop)(w, r)
}

// RestartInstance handles POST /api/v1/agent-instances/{instanceID}/restart
func (h *Handlers) RestartInstance(w http.ResponseWriter, r *http.Request) {
	handleInstanceAction(h.Lifecycle.Restart)(w, r)
}

// Heartbeat handles POST /api/v1/agent-instances/{instanceID}/heartbeat
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.Lifecycle.Heartbeat(r.Context(), urlParam(r, paramInstance)); err != nil {
		writeDomainError(w, err, "instance not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

// InstanceLogs handles GET /api/v1/agent-instances/{instanceID}/logs
func (h *Handlers) InstanceLogs(w http.ResponseWriter, r *http.Request) {
	page, ok := readPage(w, r)
	if !ok {
		return
	}
	out, err := h.Lifecycle.Logs(r.Context(), urlParam(r, paramInstance), page)
	if err != nil {
		writeDomainError(w, err, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// DefinitionLogs handles GET /api/v1/projects/{projectID}/agents/{agentID}/logs
func (h *Handlers) DefinitionLogs(w http.ResponseWriter, r *http.Request) {
	page, ok := readPage(w, r)
	if !ok {
		return
	}
	out, err := h.Lifecycle.DefinitionLogs(r.Context(), urlParam(r, paramProject), urlParam(r, paramAgent), page)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// StreamLogs handles GET /api/v1/agent-instances/{instanceID}/logs/stream.
// The response is a plain-text snapshot, one line per log entry.
func (h *Handlers) StreamLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Lifecycle.StreamLogs(r.Context(), urlParam(r, paramInstance))
	if err != nil {
		writeDomainError(w, err, "instance not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		slog.Error("failed to write log snapshot", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// CollectMetrics handles POST /api/v1/agent-instances/{instanceID}/metrics/collect
func (h *Handlers) CollectMetrics(w http.ResponseWriter, r *http.Request) {
	samples, err := h.Metrics.Collect(r.Context(), urlParam(r, paramInstance))
	if err != nil {
		writeDomainError(w, err, "instance not found")
		return
	}
	if samples == nil {
		samples = []agent.MetricSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// MetricsHistory handles GET /api/v1/agent-instances/{instanceID}/metrics
func (h *Handlers) MetricsHistory(w http.ResponseWriter, r *http.Request) {
	page, ok := readPage(w, r)
	if !ok {
		return
	}
	samples, err := h.Metrics.History(r.Context(), urlParam(r, paramInstance), page)
	if err != nil {
		writeDomainError(w, err, "instance not found")
		return
	}
	if samples == nil {
		samples = []agent.MetricSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}
