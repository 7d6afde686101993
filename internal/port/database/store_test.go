package database

import (
	"testing"
	"time"

	"github.com/Strob0t/agentplane/internal/domain/agent"
)

func TestInstanceUpdateApply(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	code := 137
	reason := "signal: killed"

	tests := []struct {
		name   string
		start  agent.Instance
		upd    InstanceUpdate
		verify func(*testing.T, *agent.Instance)
	}{
		{
			name:  "stop stamps stopped_at",
			start: agent.Instance{Status: agent.StatusRunning, StartedAt: t0},
			upd:   InstanceUpdate{Status: agent.StatusStopped, StoppedAt: &t1},
			verify: func(t *testing.T, i *agent.Instance) {
				if i.Status != agent.StatusStopped || i.StoppedAt == nil || !i.StoppedAt.Equal(t1) {
					t.Errorf("unexpected %+v", i)
				}
				if !i.StartedAt.Equal(t0) {
					t.Errorf("started_at changed to %v", i.StartedAt)
				}
			},
		},
		{
			name:  "crash records exit",
			start: agent.Instance{Status: agent.StatusRunning, StartedAt: t0},
			upd:   InstanceUpdate{Status: agent.StatusCrashed, StoppedAt: &t1, ExitCode: &code, CrashReason: &reason},
			verify: func(t *testing.T, i *agent.Instance) {
				if i.Status != agent.StatusCrashed || i.ExitCode == nil || *i.ExitCode != code {
					t.Errorf("unexpected %+v", i)
				}
				if i.CrashReason == nil || *i.CrashReason != reason {
					t.Errorf("crash reason = %v", i.CrashReason)
				}
			},
		},
		{
			name: "start clears exit and swaps handle",
			start: agent.Instance{
				Status: agent.StatusCrashed, StartedAt: t0, StoppedAt: &t0,
				ExitCode: &code, CrashReason: &reason, Handle: agent.ProcessHandle(10),
			},
			upd: InstanceUpdate{Status: agent.StatusRunning, StartedAt: &t1, Handle: ptr(agent.ProcessHandle(11))},
			verify: func(t *testing.T, i *agent.Instance) {
				if i.Status != agent.StatusRunning || i.StoppedAt != nil || i.ExitCode != nil || i.CrashReason != nil {
					t.Errorf("exit details not cleared: %+v", i)
				}
				if !i.StartedAt.Equal(t1) {
					t.Errorf("started_at = %v, want %v", i.StartedAt, t1)
				}
				if i.Handle.PID != 11 {
					t.Errorf("pid = %d, want 11", i.Handle.PID)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := tt.start
			tt.upd.Apply(&inst)
			tt.verify(t, &inst)
		})
	}
}

func ptr[T any](v T) *T { return &v }
