package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/port/cache"
	"github.com/Strob0t/agentplane/internal/port/database"
	"github.com/Strob0t/agentplane/internal/port/execbackend"
)

// MetricsSampler takes on-demand resource readings of an instance and keeps
// them as history. It has no timer of its own; callers decide the cadence.
type MetricsSampler struct {
	store     database.Store
	container execbackend.Container
	process   execbackend.Process
	access    *access
	now       func() time.Time
}

// NewMetricsSampler creates a MetricsSampler.
func NewMetricsSampler(store database.Store, container execbackend.Container, process execbackend.Process) *MetricsSampler {
	return &MetricsSampler{
		store:     store,
		container: container,
		process:   process,
		access:    &access{store: store},
		now:       time.Now,
	}
}

// SetCache attaches the cache used for ownership lookups.
func (m *MetricsSampler) SetCache(c cache.Cache) { m.access.cache = c }

// Collect samples the instance's backend and persists every reading.
// A reading that fails to persist is logged and still returned.
func (m *MetricsSampler) Collect(ctx context.Context, instanceID string) ([]agent.MetricSample, error) {
	inst, def, err := m.access.loadInstance(ctx, m.store, instanceID)
	if err != nil {
		return nil, err
	}
	if err := inst.Handle.Validate(); err != nil {
		return nil, err
	}

	var readings []agent.Reading
	switch inst.Handle.Kind {
	case agent.KindContainer:
		readings, err = m.container.Sample(ctx, inst.Handle.ContainerID)
	case agent.KindProcess:
		readings, err = m.process.Sample(ctx, inst.Handle.PID)
	}
	if err != nil {
		return nil, fmt.Errorf("sample instance %s: %w", instanceID, err)
	}

	now := m.now()
	samples := make([]agent.MetricSample, 0, len(readings))
	for _, r := range readings {
		sample := agent.MetricSample{
			DefinitionID: def.ID,
			InstanceID:   inst.ID,
			Name:         r.Name,
			Value:        r.Value,
			Unit:         r.Unit,
			Timestamp:    now,
		}
		if err := m.store.AppendMetric(ctx, sample); err != nil {
			slog.WarnContext(ctx, "persist metric sample", "instance_id", instanceID, "metric", r.Name, "error", err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// History returns persisted samples of an instance, newest first.
func (m *MetricsSampler) History(ctx context.Context, instanceID string, page agent.Page) ([]agent.MetricSample, error) {
	inst, _, err := m.access.loadInstance(ctx, m.store, instanceID)
	if err != nil {
		return nil, err
	}
	samples, err := m.store.ListMetrics(ctx, inst.ID, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return samples, nil
}
