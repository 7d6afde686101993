package resource_test

import (
	"reflect"
	"testing"

	"github.com/Strob0t/agentplane/internal/domain/resource"
)

func TestMerge_ZeroInherit(t *testing.T) {
	base := resource.Limits{CPUCores: resource.Float(1.5), MemoryMB: resource.Int(512), MaxInstances: resource.Int(2)}

	result := resource.Merge(base, resource.Limits{})
	if !reflect.DeepEqual(result, base) {
		t.Fatalf("expected base unchanged, got %+v", result)
	}
}

func TestMerge_AllOverride(t *testing.T) {
	base := resource.Limits{CPUCores: resource.Float(1), MemoryMB: resource.Int(512), MaxInstances: resource.Int(1)}
	override := resource.Limits{CPUCores: resource.Float(2), MemoryMB: resource.Int(1024), MaxInstances: resource.Int(4)}

	result := resource.Merge(base, override)
	if !reflect.DeepEqual(result, override) {
		t.Fatalf("expected all overridden, got %+v", result)
	}
}

func TestCap_Enforced(t *testing.T) {
	limits := resource.Limits{CPUCores: resource.Float(8), MemoryMB: resource.Int(4096), MaxInstances: resource.Int(10)}
	ceiling := resource.Limits{CPUCores: resource.Float(2), MemoryMB: resource.Int(1024), MaxInstances: resource.Int(3)}

	result := resource.Cap(limits, ceiling)
	if *result.CPUCores != 2 {
		t.Fatalf("expected CPUCores capped to 2, got %v", *result.CPUCores)
	}
	if *result.MemoryMB != 1024 {
		t.Fatalf("expected MemoryMB capped to 1024, got %d", *result.MemoryMB)
	}
	if *result.MaxInstances != 3 {
		t.Fatalf("expected MaxInstances capped to 3, got %d", *result.MaxInstances)
	}
	// The input must not be mutated through shared pointers.
	if *limits.MemoryMB != 4096 {
		t.Fatalf("input mutated: MemoryMB %d", *limits.MemoryMB)
	}
}

func TestCap_UnsetStaysUnset(t *testing.T) {
	ceiling := resource.Limits{CPUCores: resource.Float(2), MemoryMB: resource.Int(1024)}

	result := resource.Cap(resource.Limits{}, ceiling)
	if result.CPUCores != nil || result.MemoryMB != nil {
		t.Fatalf("expected unset limits to stay unset, got %+v", result)
	}
}

func TestDockerArgs(t *testing.T) {
	tests := []struct {
		name   string
		limits resource.Limits
		want   []string
	}{
		{"none", resource.Limits{}, nil},
		{"cpu only", resource.Limits{CPUCores: resource.Float(0.5)}, []string{"--cpus", "0.5"}},
		{"memory only", resource.Limits{MemoryMB: resource.Int(256)}, []string{"-m", "256m"}},
		{"both", resource.Limits{CPUCores: resource.Float(2), MemoryMB: resource.Int(1024)}, []string{"--cpus", "2", "-m", "1024m"}},
		{"max instances ignored", resource.Limits{MaxInstances: resource.Int(3)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.limits.DockerArgs()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DockerArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}
