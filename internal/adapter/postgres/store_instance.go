package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/port/database"
)

const instanceColumns = `id, instance_id, agent_id, container_id, process_pid, status,
	last_heartbeat, exit_code, crash_reason, started_at, stopped_at`

func scanInstance(row scannable) (agent.Instance, error) {
	var (
		inst        agent.Instance
		containerID *string
		pid         *int
		status      string
	)
	err := row.Scan(&inst.ID, &inst.InstanceID, &inst.DefinitionID, &containerID, &pid, &status,
		&inst.LastHeartbeat, &inst.ExitCode, &inst.CrashReason, &inst.StartedAt, &inst.StoppedAt)
	if err != nil {
		return inst, err
	}
	inst.Status = agent.Status(status)
	h, err := agent.HandleFromColumns(containerID, pid)
	if err != nil {
		return inst, fmt.Errorf("instance %s: %w", inst.InstanceID, err)
	}
	inst.Handle = h
	return inst, nil
}

func (s *Store) queryInstances(ctx context.Context, op, query string, args ...any) ([]agent.Instance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []agent.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, inst)
	}
	return orEmpty(out), rows.Err()
}

// --- Instances ---

func (s *Store) CreateInstance(ctx context.Context, req agent.CreateInstanceRequest) (*agent.Instance, error) {
	if err := req.Handle.Validate(); err != nil {
		return nil, fmt.Errorf("create instance %s: %w", req.InstanceID, err)
	}
	containerID, pid := req.Handle.Columns()
	startedAt := req.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO agent_instances (instance_id, agent_id, container_id, process_pid, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+instanceColumns,
		req.InstanceID, req.DefinitionID, containerID, pid, string(agent.StatusRunning), startedAt)

	inst, err := scanInstance(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("create instance %s: definition %s: %w", req.InstanceID, req.DefinitionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("create instance %s: %w", req.InstanceID, err)
	}
	return &inst, nil
}

func (s *Store) GetInstance(ctx context.Context, instanceID string) (*agent.Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM agent_instances WHERE instance_id = $1`, instanceID)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, notFoundWrap(err, "get instance %s", instanceID)
	}
	return &inst, nil
}

func (s *Store) ListInstances(ctx context.Context, definitionID string) ([]agent.Instance, error) {
	return s.queryInstances(ctx, "list instances",
		`SELECT `+instanceColumns+` FROM agent_instances WHERE agent_id = $1 ORDER BY started_at DESC`, definitionID)
}

func (s *Store) ListProjectInstances(ctx context.Context, projectID string) ([]agent.Instance, error) {
	return s.queryInstances(ctx, "list project instances",
		`SELECT i.id, i.instance_id, i.agent_id, i.container_id, i.process_pid, i.status,
			i.last_heartbeat, i.exit_code, i.crash_reason, i.started_at, i.stopped_at
		 FROM agent_instances i JOIN agents a ON a.id = i.agent_id
		 WHERE a.project_id = $1 ORDER BY i.started_at DESC`, projectID)
}

func (s *Store) CountInstances(ctx context.Context, definitionID string, status agent.Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_instances WHERE agent_id = $1 AND status = $2`,
		definitionID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// transitionSQL builds the compare-and-set UPDATE for upd. $1 is the
// instance id and $2 the expected status.
func transitionSQL(upd database.InstanceUpdate) (string, []any) {
	sets := []string{"status = $3"}
	args := []any{string(upd.Status)}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)+2))
	}

	if upd.Handle != nil {
		containerID, pid := upd.Handle.Columns()
		add("container_id", containerID)
		add("process_pid", pid)
	}
	if upd.StartedAt != nil {
		add("started_at", *upd.StartedAt)
	}
	if upd.Status == agent.StatusRunning {
		sets = append(sets, "stopped_at = NULL", "exit_code = NULL", "crash_reason = NULL")
	} else {
		if upd.StoppedAt != nil {
			add("stopped_at", *upd.StoppedAt)
		}
		if upd.ExitCode != nil {
			add("exit_code", *upd.ExitCode)
		}
		if upd.CrashReason != nil {
			add("crash_reason", *upd.CrashReason)
		}
	}

	query := `UPDATE agent_instances SET ` + strings.Join(sets, ", ") +
		` WHERE instance_id = $1 AND status = $2 RETURNING ` + instanceColumns
	return query, args
}

func (s *Store) TransitionInstance(ctx context.Context, instanceID string, expected agent.Status, upd database.InstanceUpdate) (*agent.Instance, error) {
	query, extra := transitionSQL(upd)
	args := append([]any{instanceID, string(expected)}, extra...)

	inst, err := scanInstance(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return &inst, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition instance %s: %w", instanceID, err)
	}

	var current string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM agent_instances WHERE instance_id = $1`, instanceID).Scan(&current); err != nil {
		return nil, notFoundWrap(err, "transition instance %s", instanceID)
	}
	return nil, fmt.Errorf("transition instance %s from %s (currently %s): %w",
		instanceID, expected, current, domain.ErrInvalidTransition)
}

func (s *Store) TouchHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agent_instances SET last_heartbeat = $2 WHERE instance_id = $1`, instanceID, at)
	return execExpectOne(tag, err, "touch heartbeat %s", instanceID)
}
