package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ---------------------------------------------------------------------------
// Generic CRUD handler factories
// ---------------------------------------------------------------------------

// Route parameters shared by the factories.
const (
	paramProject  = "projectID"
	paramAgent    = "agentID"
	paramInstance = "instanceID"
)

// handleListByParam creates a handler that lists resources scoped by a URL parameter.
func handleListByParam[T any](param string, listFn func(ctx context.Context, paramVal string) ([]T, error), notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		val := chi.URLParam(r, param)
		items, err := listFn(r.Context(), val)
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// handleGet creates a handler that retrieves a single resource by URL param.
func handleGet[T any](param string, getFn func(ctx context.Context, id string) (*T, error), notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := getFn(r.Context(), chi.URLParam(r, param))
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleProjectGet retrieves a resource addressed by project and agent id.
func handleProjectGet[T any](getFn func(ctx context.Context, projectID, agentID string) (*T, error), notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := getFn(r.Context(), chi.URLParam(r, paramProject), chi.URLParam(r, paramAgent))
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleCreate creates a handler that decodes a JSON body and creates a
// resource inside the project named by the URL.
func handleCreate[Req any, Res any](bodyLimit int64, createFn func(ctx context.Context, projectID string, req Req) (*Res, error), notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readJSON[Req](w, r, bodyLimit)
		if !ok {
			return
		}
		res, err := createFn(r.Context(), chi.URLParam(r, paramProject), req)
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// handleUpdate creates a handler that decodes a JSON body and updates a
// project-scoped resource.
func handleUpdate[Req any, Res any](bodyLimit int64, updateFn func(ctx context.Context, projectID, agentID string, req Req) (*Res, error), notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readJSON[Req](w, r, bodyLimit)
		if !ok {
			return
		}
		res, err := updateFn(r.Context(), chi.URLParam(r, paramProject), chi.URLParam(r, paramAgent), req)
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// handleDelete creates a handler that deletes a project-scoped resource.
func handleDelete(deleteFn func(ctx context.Context, projectID, agentID string) error, notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deleteFn(r.Context(), chi.URLParam(r, paramProject), chi.URLParam(r, paramAgent)); err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleInstanceAction runs a lifecycle action on the instance named by the URL.
func handleInstanceAction[T any](actionFn func(ctx context.Context, instanceID string) (*T, error)) http.HandlerFunc {
	return handleGet(paramInstance, actionFn, "instance not found")
}
