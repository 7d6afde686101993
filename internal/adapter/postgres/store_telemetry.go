package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/agentplane/internal/domain/agent"
)

// --- Logs ---

func (s *Store) AppendLog(ctx context.Context, rec agent.LogRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_logs (agent_id, instance_id, log_level, message, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.DefinitionID, rec.InstanceID, string(rec.Level), rec.Message, stamp(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// stamp defaults a zero timestamp to now.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func (s *Store) listLogs(ctx context.Context, column, id string, page agent.Page) ([]agent.LogRecord, int, error) {
	page = page.Normalize()

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM agent_logs WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, instance_id, log_level, message, timestamp
		 FROM agent_logs WHERE `+column+` = $1
		 ORDER BY timestamp DESC, id LIMIT $2 OFFSET $3`,
		id, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []agent.LogRecord
	for rows.Next() {
		var (
			r     agent.LogRecord
			level string
		)
		if err := rows.Scan(&r.ID, &r.DefinitionID, &r.InstanceID, &level, &r.Message, &r.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan log: %w", err)
		}
		r.Level = agent.Level(level)
		out = append(out, r)
	}
	return orEmpty(out), total, rows.Err()
}

func (s *Store) ListInstanceLogs(ctx context.Context, instanceID string, page agent.Page) ([]agent.LogRecord, int, error) {
	return s.listLogs(ctx, "instance_id", instanceID, page)
}

func (s *Store) ListDefinitionLogs(ctx context.Context, definitionID string, page agent.Page) ([]agent.LogRecord, int, error) {
	return s.listLogs(ctx, "agent_id", definitionID, page)
}

// --- Metrics ---

func (s *Store) AppendMetric(ctx context.Context, m agent.MetricSample) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_metrics (agent_id, instance_id, metric_name, metric_value, unit, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.DefinitionID, m.InstanceID, m.Name, m.Value, m.Unit, stamp(m.Timestamp))
	if err != nil {
		return fmt.Errorf("append metric: %w", err)
	}
	return nil
}

func (s *Store) ListMetrics(ctx context.Context, instanceID string, page agent.Page) ([]agent.MetricSample, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, instance_id, metric_name, metric_value, unit, timestamp
		 FROM agent_metrics WHERE instance_id = $1
		 ORDER BY timestamp DESC, id LIMIT $2 OFFSET $3`,
		instanceID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []agent.MetricSample
	for rows.Next() {
		var m agent.MetricSample
		if err := rows.Scan(&m.ID, &m.DefinitionID, &m.InstanceID, &m.Name, &m.Value, &m.Unit, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, m)
	}
	return orEmpty(out), rows.Err()
}
