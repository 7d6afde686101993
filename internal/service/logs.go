package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/agentplane/internal/domain/agent"
)

// streamSnapshotLimit is how many persisted records a process log snapshot shows.
const streamSnapshotLimit = 100

// LogPage is one page of time-descending log records.
type LogPage struct {
	Logs   []agent.LogRecord `json:"logs"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// Logs returns persisted output of one instance, newest first.
func (s *LifecycleService) Logs(ctx context.Context, instanceID string, page agent.Page) (*LogPage, error) {
	inst, _, err := s.access.loadInstance(ctx, s.store, instanceID)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()
	recs, total, err := s.store.ListInstanceLogs(ctx, inst.ID, page)
	if err != nil {
		return nil, fmt.Errorf("list instance logs: %w", err)
	}
	return &LogPage{Logs: recs, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// DefinitionLogs returns persisted output across every instance of a definition.
func (s *LifecycleService) DefinitionLogs(ctx context.Context, projectID, agentID string, page agent.Page) (*LogPage, error) {
	if err := s.access.project(ctx, projectID); err != nil {
		return nil, err
	}
	def, err := s.store.GetDefinition(ctx, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	page = page.Normalize()
	recs, total, err := s.store.ListDefinitionLogs(ctx, def.ID, page)
	if err != nil {
		return nil, fmt.Errorf("list definition logs: %w", err)
	}
	return &LogPage{Logs: recs, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// StreamLogs returns a bounded snapshot of recent output as display lines.
// Containers are read live from the runtime; process output comes from the
// persisted records, oldest first.
func (s *LifecycleService) StreamLogs(ctx context.Context, instanceID string) ([]string, error) {
	inst, _, err := s.access.loadInstance(ctx, s.store, instanceID)
	if err != nil {
		return nil, err
	}
	if err := inst.Handle.Validate(); err != nil {
		return nil, err
	}

	switch inst.Handle.Kind {
	case agent.KindContainer:
		lines, err := s.container.Logs(ctx, inst.Handle.ContainerID, s.cfg.LogTail)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(lines))
		for _, l := range lines {
			out = append(out, "["+strings.ToUpper(string(l.Stream))+"] "+l.Text)
		}
		return out, nil
	default:
		recs, _, err := s.store.ListInstanceLogs(ctx, inst.ID, agent.Page{Limit: streamSnapshotLimit})
		if err != nil {
			return nil, fmt.Errorf("list instance logs: %w", err)
		}
		out := make([]string, 0, len(recs))
		for i := len(recs) - 1; i >= 0; i-- {
			out = append(out, formatLogLine(recs[i]))
		}
		return out, nil
	}
}

func formatLogLine(r agent.LogRecord) string {
	return fmt.Sprintf("[%s] [%s] %s", r.Timestamp.UTC().Format(time.RFC3339), r.Level, r.Message)
}
