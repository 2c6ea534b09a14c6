package ws

import (
	"context"
	"encoding/json"
)

// Event type constants for WebSocket messages.
const (
	EventTaskStatus    = "task.status"
	EventAgentStatus   = "agent.status"
	EventVoteCast      = "vote.cast"
	EventSessionClosed = "session.closed"
)

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// AgentStatusEvent is broadcast when an agent's status changes.
type AgentStatusEvent struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// VoteCastEvent is broadcast when a ballot is accepted. The voter field is
// omitted for anonymized sessions.
type VoteCastEvent struct {
	SessionID string `json:"session_id"`
	VoterID   string `json:"voter_id,omitempty"`
	Changed   bool   `json:"changed,omitempty"`
}

// SessionClosedEvent is broadcast when a voting session is tallied.
type SessionClosedEvent struct {
	SessionID string `json:"session_id"`
	Winner    string `json:"winner,omitempty"`
	Valid     bool   `json:"valid"`
	Tie       bool   `json:"tie,omitempty"`
}

// BroadcastEvent marshals a typed event and broadcasts it to all clients.
// It satisfies the broadcast port.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
