package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/port/cache"
	"github.com/Strob0t/agentplane/internal/port/database"
)

// DefinitionService manages agent definitions. Deleting a definition tears
// down its instances and is therefore delegated to the lifecycle service.
type DefinitionService struct {
	store     database.Store
	lifecycle *LifecycleService
	access    *access
}

// NewDefinitionService creates a DefinitionService.
func NewDefinitionService(store database.Store, lifecycle *LifecycleService) *DefinitionService {
	return &DefinitionService{store: store, lifecycle: lifecycle, access: &access{store: store}}
}

// SetCache attaches the cache used for ownership lookups.
func (s *DefinitionService) SetCache(c cache.Cache) { s.access.cache = c }

// Create stores a new definition built from req.
func (s *DefinitionService) Create(ctx context.Context, projectID string, req agent.CreateRequest) (*agent.Definition, error) {
	if err := s.access.project(ctx, projectID); err != nil {
		return nil, err
	}
	d, err := req.Build(projectID)
	if err != nil {
		return nil, err
	}
	out, err := s.store.CreateDefinition(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}
	slog.InfoContext(ctx, "agent definition created", "project_id", projectID, "agent_id", out.AgentID)
	return out, nil
}

// Get returns one definition.
func (s *DefinitionService) Get(ctx context.Context, projectID, agentID string) (*agent.Definition, error) {
	if err := s.access.project(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.GetDefinition(ctx, projectID, agentID)
}

// List returns the definitions of a project.
func (s *DefinitionService) List(ctx context.Context, projectID string) ([]agent.Definition, error) {
	if err := s.access.project(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListDefinitions(ctx, projectID)
}

// Update applies a partial update. Running instances keep the configuration
// they were deployed with.
func (s *DefinitionService) Update(ctx context.Context, projectID, agentID string, req agent.UpdateRequest) (*agent.Definition, error) {
	if err := s.access.project(ctx, projectID); err != nil {
		return nil, err
	}
	d, err := s.store.GetDefinition(ctx, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	if req.Version != nil && *req.Version != d.Version {
		return nil, fmt.Errorf("%w: definition %s is at version %d", domain.ErrConflict, agentID, d.Version)
	}
	if err := req.ApplyTo(d); err != nil {
		return nil, err
	}
	out, err := s.store.UpdateDefinition(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("update definition: %w", err)
	}
	return out, nil
}

// Delete removes a definition together with its instances.
func (s *DefinitionService) Delete(ctx context.Context, projectID, agentID string) error {
	return s.lifecycle.DeleteDefinition(ctx, projectID, agentID)
}

// Stats summarizes agent usage in a project.
func (s *DefinitionService) Stats(ctx context.Context, projectID string) (agent.ProjectStats, error) {
	if err := s.access.project(ctx, projectID); err != nil {
		return agent.ProjectStats{}, err
	}
	instances, err := s.store.ListProjectInstances(ctx, projectID)
	if err != nil {
		return agent.ProjectStats{}, fmt.Errorf("list project instances: %w", err)
	}
	return agent.ComputeStats(instances), nil
}
