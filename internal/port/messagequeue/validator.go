package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	switch {
	case subject == SubjectTaskSubmit:
		target = &TaskSubmitPayload{}
	case subject == SubjectTaskResult:
		target = &TaskResultPayload{}
	case subject == SubjectTaskCancel:
		target = &TaskCancelPayload{}
	case subject == SubjectAgentRegister:
		target = &AgentRegisterPayload{}
	case subject == SubjectAgentHeartbeat:
		target = &AgentHeartbeatPayload{}
	case subject == SubjectVoteSubmit:
		target = &VoteSubmitPayload{}
	case subject == SubjectVoteDelegate:
		target = &VoteDelegatePayload{}
	case subject == SubjectSessionOpen:
		target = &SessionOpenPayload{}
	case subject == SubjectSessionClose:
		target = &SessionClosePayload{}
	case strings.HasPrefix(subject, SubjectTaskAssign+"."):
		target = &TaskAssignPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
