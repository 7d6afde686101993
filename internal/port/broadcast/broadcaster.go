// Package broadcast defines the port for broadcasting real-time events to connected clients.
package broadcast

import "context"

// Event types pushed to clients.
const (
	EventInstanceStatus = "agent.instance.status"
	EventInstanceLog    = "agent.instance.log"
)

// Broadcaster sends real-time events to connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to every client watching projectID
	// and to unscoped clients.
	BroadcastEvent(ctx context.Context, projectID, eventType string, payload any)
}
