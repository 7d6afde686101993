package docker

import (
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/agentplane/internal/domain/agent"
)

// ParseStats parses one `docker stats` line in the
// "{{.CPUPerc}},{{.MemUsage}},{{.NetIO}},{{.BlockIO}}" format.
func ParseStats(line string) []agent.Reading {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) < 2 {
		return nil
	}

	var out []agent.Reading
	if cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[0]), "%"), 64); err == nil {
		out = append(out, agent.Reading{Name: agent.MetricCPUPercent, Value: cpu, Unit: agent.UnitPercent})
	}
	used, _, _ := strings.Cut(parts[1], "/")
	if mb, ok := ParseMemoryUsage(used); ok {
		out = append(out, agent.Reading{Name: agent.MetricMemoryUsageMB, Value: mb, Unit: agent.UnitMB})
	}
	return out
}

// ParseMemoryUsage converts a docker memory figure such as "12.5MiB" to MB.
// Only KiB, MiB and GiB are understood.
func ParseMemoryUsage(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	units := []struct {
		suffix string
		factor float64
	}{
		{"MiB", 1},
		{"GiB", 1024},
		{"KiB", 1.0 / 1024},
	}
	for _, u := range units {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
			if err != nil {
				return 0, false
			}
			return v * u.factor, true
		}
	}
	return 0, false
}

// ParseUptime returns whole seconds since the RFC 3339 start time.
func ParseUptime(startedAt string, now time.Time) (float64, bool) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(startedAt))
	if err != nil {
		return 0, false
	}
	return float64(int64(now.Sub(t).Seconds())), true
}
