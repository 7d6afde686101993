package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/agent"
)

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"not found", fmt.Errorf("get: %w", domain.ErrNotFound), http.StatusNotFound, "agent not found"},
		{"forbidden", fmt.Errorf("%w: other owner", domain.ErrForbidden), http.StatusForbidden, "forbidden"},
		{"conflict", domain.ErrConflict, http.StatusConflict, "resource was modified by another request"},
		{"invalid transition", fmt.Errorf("%w: instance is running", domain.ErrInvalidTransition), http.StatusConflict, "instance is running"},
		{"disabled", fmt.Errorf("%w: agent_x", domain.ErrDefinitionDisabled), http.StatusBadRequest, "disabled"},
		{"validation", fmt.Errorf("%w: image is required", domain.ErrValidation), http.StatusBadRequest, "image is required"},
		{"dependency", fmt.Errorf("probe: %w", domain.ErrDependencyUnavailable), http.StatusFailedDependency, "dependency unavailable"},
		{"launch failed", fmt.Errorf("%w: docker run", domain.ErrLaunchFailed), http.StatusInternalServerError, "internal server error"},
		{"operation failed", domain.ErrOperationFailed, http.StatusInternalServerError, "internal server error"},
		{"inconsistency", domain.ErrInternalInconsistency, http.StatusInternalServerError, "internal server error"},
		{"bad uuid", errors.New("ERROR: invalid input syntax for type uuid"), http.StatusBadRequest, "invalid identifier format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, tt.err, "agent not found")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestReadPage(t *testing.T) {
	tests := []struct {
		query  string
		want   agent.Page
		wantOK bool
	}{
		{"", agent.Page{Limit: agent.DefaultPageLimit}, true},
		{"limit=25&offset=50", agent.Page{Limit: 25, Offset: 50}, true},
		{"limit=0", agent.Page{Limit: agent.DefaultPageLimit}, true},
		{"limit=-1", agent.Page{}, false},
		{"offset=x", agent.Page{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/logs?"+tt.query, http.NoBody)
			rec := httptest.NewRecorder()
			got, ok := readPage(rec, req)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				if rec.Code != http.StatusBadRequest {
					t.Errorf("status = %d, want 400", rec.Code)
				}
				return
			}
			if got != tt.want {
				t.Errorf("page = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReadJSONTooLarge(t *testing.T) {
	body := `{"display_name":"` + strings.Repeat("a", 64) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	if _, ok := readJSON[agent.CreateRequest](rec, req, 16); ok {
		t.Fatal("expected oversized body to be rejected")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestReadOptionalJSONEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	rec := httptest.NewRecorder()
	got, ok := readOptionalJSON[agent.DeployRequest](rec, req, bodyLimit)
	if !ok || got.DeploymentType != "" {
		t.Errorf("expected zero request, got %+v ok=%v", got, ok)
	}
}
