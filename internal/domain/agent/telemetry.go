package agent

import "time"

// Level is the severity of a captured log line.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

// Stream names a workload output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Level maps an output stream to the severity its lines are stored with.
func (s Stream) Level() Level {
	if s == Stderr {
		return LevelError
	}
	return LevelInfo
}

// LogRecord is one captured output line. Records are append-only.
type LogRecord struct {
	ID           string    `json:"id"`
	DefinitionID string    `json:"agent_id"`
	InstanceID   string    `json:"instance_id"`
	Level        Level     `json:"log_level"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// Metric names and units produced by the samplers.
const (
	MetricCPUPercent     = "cpu_percent"
	MetricMemoryUsageMB  = "memory_usage_mb"
	MetricUptimeSeconds  = "uptime_seconds"
	MetricProcessRunning = "process_running"

	UnitPercent = "%"
	UnitMB      = "MB"
	UnitSeconds = "s"
	UnitBoolean = "boolean"
)

// Reading is a single point-in-time value returned by a backend sampler.
type Reading struct {
	Name  string  `json:"metric_name"`
	Value float64 `json:"metric_value"`
	Unit  string  `json:"unit"`
}

// MetricSample is a persisted Reading. Samples are append-only.
type MetricSample struct {
	ID           string    `json:"id"`
	DefinitionID string    `json:"agent_id"`
	InstanceID   string    `json:"instance_id"`
	Name         string    `json:"metric_name"`
	Value        float64   `json:"metric_value"`
	Unit         string    `json:"unit"`
	Timestamp    time.Time `json:"timestamp"`
}

// Page selects a window of time-descending records.
type Page struct {
	Limit  int
	Offset int
}

// DefaultPageLimit is used when a caller asks for a non-positive limit.
const DefaultPageLimit = 100

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ProjectStats summarizes agent usage across a project.
type ProjectStats struct {
	ActiveSessions int `json:"active_sessions"`
	TotalMinutes   int `json:"total_minutes"`
	QuotaMinutes   int `json:"quota_minutes"`
}

// UnlimitedQuota marks a project without a minutes quota.
const UnlimitedQuota = -1

// ComputeStats derives ProjectStats from a project's instances. Running
// instances count as active sessions and contribute no minutes until stopped.
func ComputeStats(instances []Instance) ProjectStats {
	stats := ProjectStats{QuotaMinutes: UnlimitedQuota}
	for i := range instances {
		inst := &instances[i]
		if inst.Status == StatusRunning {
			stats.ActiveSessions++
		}
		if inst.StartedAt.IsZero() || inst.StoppedAt == nil {
			continue
		}
		if d := inst.StoppedAt.Sub(inst.StartedAt); d > 0 {
			stats.TotalMinutes += int(d / time.Minute)
		}
	}
	return stats
}
