package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// InstanceStatusEvent is broadcast when an instance changes status.
type InstanceStatusEvent struct {
	InstanceID string    `json:"instance_id"`
	AgentID    string    `json:"agent_id"`
	ProjectID  string    `json:"project_id"`
	From       string    `json:"from,omitempty"`
	Status     string    `json:"status"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	At         time.Time `json:"at"`
}

// InstanceLogEvent is broadcast for each captured output line.
type InstanceLogEvent struct {
	InstanceID string    `json:"instance_id"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// BroadcastEvent marshals a typed event and broadcasts it to the project's watchers.
func (h *Hub) BroadcastEvent(ctx context.Context, projectID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, projectID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
