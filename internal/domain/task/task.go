// Package task defines the Task domain entity and the in-memory scheduling queue.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/convoke-io/convoke/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// transitions is the allowed status state machine. failed/timeout back to
// pending covers retry; assigned back to pending covers release when the
// owning agent goes offline before starting.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusPending, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusTimeout, StatusPending, StatusCancelled},
	StatusFailed:     {StatusPending},
	StatusTimeout:    {StatusPending},
	StatusCancelled:  {StatusPending},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// CancelReason values recorded on cancelled tasks.
const (
	CancelReasonUpstreamFailure = "UpstreamFailure"
	CancelReasonRequested       = "Requested"
)

// Task represents a unit of work dispatched to exactly one agent at a time.
type Task struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Priority        int             `json:"priority"`
	Status          Status          `json:"status"`
	Requires        []string        `json:"requires,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	AgentID         string          `json:"agent_id,omitempty"`
	LastFailedAgent string          `json:"last_failed_agent,omitempty"`
	Result          *Result         `json:"result,omitempty"`
	FailReason      string          `json:"fail_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	Deadline        time.Time       `json:"deadline,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int             `json:"version"`
}

// Result holds the output of a finished task.
type Result struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SubmitRequest holds the fields needed to submit a new task.
type SubmitRequest struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Priority   int             `json:"priority"`
	Requires   []string        `json:"requires,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"max_retries"`
	Deadline   time.Time       `json:"deadline,omitempty"`
}

// Validate checks the structural validity of a submit request.
func (r *SubmitRequest) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: task type is required", domain.ErrValidation)
	}
	seen := make(map[string]bool, len(r.DependsOn))
	for _, dep := range r.DependsOn {
		if dep == "" {
			return fmt.Errorf("%w: empty dependency id", domain.ErrValidation)
		}
		if seen[dep] {
			return fmt.Errorf("%w: duplicate dependency %s", domain.ErrValidation, dep)
		}
		seen[dep] = true
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", domain.ErrValidation)
	}
	return nil
}
