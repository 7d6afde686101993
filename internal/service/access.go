// Package service implements the agent supervisor use cases on top of ports.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/domain/principal"
	"github.com/Strob0t/agentplane/internal/port/cache"
	"github.com/Strob0t/agentplane/internal/port/database"
)

const ownerCacheTTL = time.Minute

// access enforces the admin and project-ownership rules shared by every
// service in this package.
type access struct {
	store database.ProjectStore
	cache cache.Cache
}

func ownerCacheKey(projectID string) string { return "owner." + projectID }

// admin returns the caller when it is an administrator.
func (a *access) admin(ctx context.Context) (*principal.Principal, error) {
	p := principal.FromContext(ctx)
	if p == nil {
		return nil, fmt.Errorf("%w: no authenticated principal", domain.ErrForbidden)
	}
	if !p.Admin {
		return nil, fmt.Errorf("%w: admin role required", domain.ErrForbidden)
	}
	return p, nil
}

// project checks that the caller is an admin owning projectID.
func (a *access) project(ctx context.Context, projectID string) error {
	p, err := a.admin(ctx)
	if err != nil {
		return err
	}
	return a.owns(ctx, p, projectID)
}

func (a *access) owns(ctx context.Context, p *principal.Principal, projectID string) error {
	if p.System {
		return nil
	}
	owner, err := cache.GetOrLoad(ctx, a.cache, ownerCacheKey(projectID), ownerCacheTTL, func(ctx context.Context) ([]byte, error) {
		id, err := a.store.ProjectOwner(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return []byte(id), nil
	})
	if err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	if string(owner) != p.UserID {
		return fmt.Errorf("%w: project %s is owned by another user", domain.ErrForbidden, projectID)
	}
	return nil
}

// instanceStore is the slice of the store needed to resolve an instance
// together with its owning definition.
type instanceStore interface {
	GetInstance(ctx context.Context, instanceID string) (*agent.Instance, error)
	GetDefinitionByID(ctx context.Context, id string) (*agent.Definition, error)
}

// loadInstance resolves instanceID and its definition, checking that the
// caller may act on the definition's project.
func (a *access) loadInstance(ctx context.Context, store instanceStore, instanceID string) (*agent.Instance, *agent.Definition, error) {
	p, err := a.admin(ctx)
	if err != nil {
		return nil, nil, err
	}
	inst, err := store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, fmt.Errorf("get instance: %w", err)
	}
	def, err := store.GetDefinitionByID(ctx, inst.DefinitionID)
	if err != nil {
		return nil, nil, fmt.Errorf("get definition for instance %s: %w", instanceID, err)
	}
	if err := a.owns(ctx, p, def.ProjectID); err != nil {
		return nil, nil, err
	}
	return inst, def, nil
}
