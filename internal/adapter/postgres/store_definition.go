package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/agent"
)

const definitionColumns = `id, agent_id, project_id, display_name, image, entrypoint, env_vars,
	livekit_permissions, default_room_behavior, auto_restart_policy, resource_limits,
	is_enabled, version, created_at, updated_at`

func scanDefinition(row scannable) (agent.Definition, error) {
	var (
		d                          agent.Definition
		envJSON, permJSON, limJSON []byte
		policy                     string
	)
	err := row.Scan(&d.ID, &d.AgentID, &d.ProjectID, &d.DisplayName, &d.Image, &d.Entrypoint, &envJSON,
		&permJSON, &d.DefaultRoomBehavior, &policy, &limJSON,
		&d.Enabled, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	d.RestartPolicy = agent.RestartPolicy(policy)
	if err := json.Unmarshal(envJSON, &d.EnvVars); err != nil {
		return d, fmt.Errorf("unmarshal env_vars: %w", err)
	}
	if err := json.Unmarshal(permJSON, &d.Permissions); err != nil {
		return d, fmt.Errorf("unmarshal livekit_permissions: %w", err)
	}
	if err := json.Unmarshal(limJSON, &d.ResourceLimits); err != nil {
		return d, fmt.Errorf("unmarshal resource_limits: %w", err)
	}
	if d.EnvVars == nil {
		d.EnvVars = map[string]string{}
	}
	return d, nil
}

type definitionJSON struct {
	env, perms, limits []byte
}

func marshalDefinition(d *agent.Definition) (definitionJSON, error) {
	var out definitionJSON
	var err error
	env := d.EnvVars
	if env == nil {
		env = map[string]string{}
	}
	if out.env, err = json.Marshal(env); err != nil {
		return out, fmt.Errorf("marshal env_vars: %w", err)
	}
	if out.perms, err = json.Marshal(d.Permissions); err != nil {
		return out, fmt.Errorf("marshal livekit_permissions: %w", err)
	}
	if out.limits, err = json.Marshal(d.ResourceLimits); err != nil {
		return out, fmt.Errorf("marshal resource_limits: %w", err)
	}
	return out, nil
}

// --- Definitions ---

func (s *Store) CreateDefinition(ctx context.Context, d *agent.Definition) (*agent.Definition, error) {
	j, err := marshalDefinition(d)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (agent_id, project_id, display_name, image, entrypoint, env_vars,
			livekit_permissions, default_room_behavior, auto_restart_policy, resource_limits, is_enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+definitionColumns,
		d.AgentID, d.ProjectID, d.DisplayName, d.Image, d.Entrypoint, j.env,
		j.perms, d.DefaultRoomBehavior, string(d.RestartPolicy), j.limits, d.Enabled)

	created, err := scanDefinition(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("create definition: project %s: %w", d.ProjectID, domain.ErrNotFound)
		}
		if isCheckViolation(err) {
			return nil, fmt.Errorf("create definition: %w", domain.ErrValidation)
		}
		return nil, fmt.Errorf("create definition: %w", err)
	}
	return &created, nil
}

func (s *Store) GetDefinition(ctx context.Context, projectID, agentID string) (*agent.Definition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM agents WHERE project_id = $1 AND agent_id = $2`,
		projectID, agentID)
	d, err := scanDefinition(row)
	if err != nil {
		return nil, notFoundWrap(err, "get definition %s", agentID)
	}
	return &d, nil
}

func (s *Store) GetDefinitionByID(ctx context.Context, id string) (*agent.Definition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM agents WHERE id = $1`, id)
	d, err := scanDefinition(row)
	if err != nil {
		return nil, notFoundWrap(err, "get definition by id %s", id)
	}
	return &d, nil
}

func (s *Store) ListDefinitions(ctx context.Context, projectID string) ([]agent.Definition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+definitionColumns+` FROM agents WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []agent.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, d)
	}
	return orEmpty(defs), rows.Err()
}

func (s *Store) UpdateDefinition(ctx context.Context, d *agent.Definition) (*agent.Definition, error) {
	j, err := marshalDefinition(d)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE agents SET display_name = $3, image = $4, entrypoint = $5, env_vars = $6,
			livekit_permissions = $7, default_room_behavior = $8, auto_restart_policy = $9,
			resource_limits = $10, is_enabled = $11, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING `+definitionColumns,
		d.ID, d.Version, d.DisplayName, d.Image, d.Entrypoint, j.env,
		j.perms, d.DefaultRoomBehavior, string(d.RestartPolicy), j.limits, d.Enabled)

	updated, err := scanDefinition(row)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isCheckViolation(err) {
			return nil, fmt.Errorf("update definition %s: %w", d.AgentID, domain.ErrValidation)
		}
		return nil, fmt.Errorf("update definition %s: %w", d.AgentID, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("update definition %s: %w", d.AgentID, err)
	}
	if !exists {
		return nil, fmt.Errorf("update definition %s: %w", d.AgentID, domain.ErrNotFound)
	}
	return nil, fmt.Errorf("update definition %s: %w", d.AgentID, domain.ErrConflict)
}

func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete definition %s", id)
}
