package messagequeue

import (
	"encoding/json"
	"time"
)

// TaskSubmitPayload is the schema for tasks.submit messages.
type TaskSubmitPayload struct {
	MessageID  string          `json:"message_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	Type       string          `json:"type"`
	Priority   int             `json:"priority"`
	Requires   []string        `json:"requires,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"max_retries"`
	Deadline   time.Time       `json:"deadline,omitempty"`
}

// TaskResultPayload is the schema for tasks.result messages from agents.
type TaskResultPayload struct {
	MessageID string          `json:"message_id,omitempty"`
	TaskID    string          `json:"task_id"`
	AgentID   string          `json:"agent_id"`
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TaskCancelPayload is the schema for tasks.cancel messages.
type TaskCancelPayload struct {
	MessageID string `json:"message_id,omitempty"`
	TaskID    string `json:"task_id"`
	Reason    string `json:"reason,omitempty"`
}

// TaskAssignPayload is the schema for tasks.assign.{agent} dispatch messages.
type TaskAssignPayload struct {
	TaskID   string          `json:"task_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Deadline time.Time       `json:"deadline,omitempty"`
}

// TaskAssignedPayload is the schema for tasks.assigned events.
type TaskAssignedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// TaskCompletedPayload is the schema for tasks.completed events.
type TaskCompletedPayload struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskFailedPayload is the schema for tasks.failed events. Cascaded lists the
// dependent tasks cancelled because of this failure.
type TaskFailedPayload struct {
	TaskID   string   `json:"task_id"`
	Reason   string   `json:"reason"`
	Cascaded []string `json:"cascaded,omitempty"`
}

// TaskCancelledPayload is the schema for tasks.cancelled events.
type TaskCancelledPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// AgentRegisterPayload is the schema for agents.register messages.
type AgentRegisterPayload struct {
	MessageID    string   `json:"message_id,omitempty"`
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

// AgentHeartbeatPayload is the schema for agents.heartbeat messages.
type AgentHeartbeatPayload struct {
	AgentID string `json:"agent_id"`
}

// AgentStatusPayload is the schema for agents.status events.
type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// VoteSubmitPayload is the schema for votes.submit messages.
type VoteSubmitPayload struct {
	MessageID string   `json:"message_id,omitempty"`
	SessionID string   `json:"session_id"`
	VoterID   string   `json:"voter_id"`
	Choice    string   `json:"choice,omitempty"`
	Ranking   []string `json:"ranking,omitempty"`
}

// VoteDelegatePayload is the schema for votes.delegate messages.
type VoteDelegatePayload struct {
	MessageID string `json:"message_id,omitempty"`
	SessionID string `json:"session_id"`
	FromVoter string `json:"from_voter"`
	ToVoter   string `json:"to_voter"`
}

// VoteCastPayload is the schema for votes.cast events. VoterID carries the
// per-session pseudonym when the session anonymizes output.
type VoteCastPayload struct {
	SessionID string `json:"session_id"`
	VoterID   string `json:"voter_id"`
}

// SessionOpenPayload is the schema for sessions.open messages.
type SessionOpenPayload struct {
	MessageID   string             `json:"message_id,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Options     []string           `json:"options"`
	Algorithm   string             `json:"algorithm"`
	Config      json.RawMessage    `json:"config,omitempty"`
	Voters      map[string]float64 `json:"voters"`
	StartsAt    time.Time          `json:"starts_at,omitempty"`
	Deadline    time.Time          `json:"deadline,omitempty"`
}

// SessionClosePayload is the schema for sessions.close messages.
type SessionClosePayload struct {
	MessageID string `json:"message_id,omitempty"`
	SessionID string `json:"session_id"`
}

// SessionClosedPayload is the schema for sessions.closed events.
type SessionClosedPayload struct {
	SessionID string          `json:"session_id"`
	Result    json.RawMessage `json:"result"`
}
