package messagequeue

import "time"

// InstanceStatusPayload is the schema for agents.instance.status messages.
type InstanceStatusPayload struct {
	InstanceID string    `json:"instance_id"`
	AgentID    string    `json:"agent_id"`
	ProjectID  string    `json:"project_id"`
	Kind       string    `json:"kind"`
	From       string    `json:"from,omitempty"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// InstanceCrashedPayload is the schema for agents.instance.crashed messages.
type InstanceCrashedPayload struct {
	InstanceID  string `json:"instance_id"`
	AgentID     string `json:"agent_id"`
	ProjectID   string `json:"project_id"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	CrashReason string `json:"crash_reason"`
}

// DefinitionDeletePayload is the schema for agents.definition.delete messages.
type DefinitionDeletePayload struct {
	AgentID   string   `json:"agent_id"`
	ProjectID string   `json:"project_id"`
	Instances []string `json:"instances"`
	Failed    []string `json:"failed,omitempty"`
}

// InstanceHeartbeatPayload is the schema for agents.instance.heartbeat messages.
type InstanceHeartbeatPayload struct {
	InstanceID string    `json:"instance_id"`
	At         time.Time `json:"at"`
}
