// Package resource defines shared resource limit types for agent workloads.
package resource

import "strconv"

// Limits defines resource constraints applied when an agent is launched.
// Nil fields mean "no limit".
type Limits struct {
	CPUCores     *float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	MemoryMB     *int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	MaxInstances *int     `json:"max_instances,omitempty" yaml:"max_instances,omitempty"`
}

// Merge returns a new Limits where set fields from override replace base.
func Merge(base, override Limits) Limits {
	out := base
	if override.CPUCores != nil {
		out.CPUCores = override.CPUCores
	}
	if override.MemoryMB != nil {
		out.MemoryMB = override.MemoryMB
	}
	if override.MaxInstances != nil {
		out.MaxInstances = override.MaxInstances
	}
	return out
}

// Cap returns a new Limits where each field is capped at the corresponding ceiling value.
// A nil ceiling field means no cap for that field. An unset limit is left unset.
func Cap(limits, ceiling Limits) Limits {
	out := limits
	if ceiling.CPUCores != nil && out.CPUCores != nil && *out.CPUCores > *ceiling.CPUCores {
		v := *ceiling.CPUCores
		out.CPUCores = &v
	}
	if ceiling.MemoryMB != nil && out.MemoryMB != nil && *out.MemoryMB > *ceiling.MemoryMB {
		v := *ceiling.MemoryMB
		out.MemoryMB = &v
	}
	if ceiling.MaxInstances != nil && out.MaxInstances != nil && *out.MaxInstances > *ceiling.MaxInstances {
		v := *ceiling.MaxInstances
		out.MaxInstances = &v
	}
	return out
}

// DockerArgs renders the CPU and memory limits as docker run flags.
// MaxInstances is enforced by the controller, not the runtime.
func (l Limits) DockerArgs() []string {
	var args []string
	if l.CPUCores != nil && *l.CPUCores > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(*l.CPUCores, 'f', -1, 64))
	}
	if l.MemoryMB != nil && *l.MemoryMB > 0 {
		args = append(args, "-m", strconv.Itoa(*l.MemoryMB)+"m")
	}
	return args
}

// Float returns a pointer to v. Convenience for building Limits literals.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v. Convenience for building Limits literals.
func Int(v int) *int { return &v }
