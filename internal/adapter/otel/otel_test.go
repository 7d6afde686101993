package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/agentplane/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.OTEL{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		desc := sampler(tt.rate).Description()
		if want := "ParentBased{root:" + tt.want; !strings.HasPrefix(desc, want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.rate, desc, want)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordDeploy(ctx, "container")
	m.RecordTransition(ctx, "running", "crashed")
	m.RecordLogLine(ctx, "stdout")
	m.RecordBackendCall(ctx, "process", "launch", time.Now(), errors.New("x"))
}

func TestNewMetricsOnNoopProvider(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordDeploy(ctx, "container")
	m.RecordTransition(ctx, "running", "stopped")
	m.RecordBackendCall(ctx, "container", "start", time.Now(), nil)
}

func TestSpansAndMiddleware(t *testing.T) {
	ctx, span := StartLifecycleSpan(context.Background(), "deploy", "agent_1", "")
	_, inner := StartBackendSpan(ctx, "container", "launch")
	EndSpan(inner, errors.New("boom"))
	EndSpan(span, nil)

	h := HTTPMiddleware("agentplane")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}
