package http

import (
	"context"
	"net/http"

	"github.com/convoke-io/convoke/internal/domain/agent"
	"github.com/convoke-io/convoke/internal/domain/task"
	"github.com/convoke-io/convoke/internal/domain/vote"
	"github.com/convoke-io/convoke/internal/port/messagequeue"
	"github.com/convoke-io/convoke/internal/service"
)

// Pinger reports backing-store liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the service dependencies for all admin API endpoints.
type Handlers struct {
	registry  *service.RegistryService
	orch      *service.OrchestratorService
	consensus *service.ConsensusService
	mq        messagequeue.Queue
	db        Pinger
}

// NewHandlers creates the admin API handler set.
func NewHandlers(
	registry *service.RegistryService,
	orch *service.OrchestratorService,
	consensus *service.ConsensusService,
	mq messagequeue.Queue,
	db Pinger,
) *Handlers {
	return &Handlers{
		registry:  registry,
		orch:      orch,
		consensus: consensus,
		mq:        mq,
		db:        db,
	}
}

// Health reports liveness of the process and its backing services.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]string{"status": "ok", "queue": "connected", "database": "connected"}
	if !h.mq.IsConnected() {
		resp["status"] = "degraded"
		resp["queue"] = "disconnected"
		status = http.StatusServiceUnavailable
	}
	if err := h.db.Ping(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["database"] = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// ListAgents returns all registered agents with breaker-derived statuses.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// GetAgent returns a single agent.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.registry.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetAgentBreaker exposes the agent's circuit breaker state.
func (h *Handlers) GetAgentBreaker(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	state, err := h.registry.BreakerState(id)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "state": state.String()})
}

// RegisterAgent registers an agent over the admin API. Agents normally
// register over the queue; this path exists for operators and tests.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agent.RegisterRequest](w, r)
	if !ok {
		return
	}
	a, err := h.registry.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	h.orch.SchedulePass(r.Context())
	writeJSON(w, http.StatusCreated, a)
}

// HeartbeatAgent refreshes an agent's liveness.
func (h *Handlers) HeartbeatAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Heartbeat(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// SubmitTask enqueues a new task.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.SubmitRequest](w, r)
	if !ok {
		return
	}
	t, err := h.orch.SubmitTask(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTasks returns tasks, optionally filtered by ?status=.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, h.orch.ListTasks(status))
}

// GetTask returns a single task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.orch.GetTask(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask cancels a task and cascades to its dependents.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r)
	if !ok {
		return
	}
	t, err := h.orch.CancelTask(r.Context(), urlParam(r, "id"), body.Reason)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RetryTask requeues a terminal task.
func (h *Handlers) RetryTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.orch.RetryTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// OpenSession opens a new voting session.
func (h *Handlers) OpenSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[vote.OpenRequest](w, r)
	if !ok {
		return
	}
	s, err := h.consensus.OpenSession(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListSessions returns all sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.consensus.List())
}

// GetSession returns a single session.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.consensus.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetSessionResult returns the computed result of a closed session.
func (h *Handlers) GetSessionResult(w http.ResponseWriter, r *http.Request) {
	s, err := h.consensus.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if s.Result == nil {
		writeError(w, http.StatusConflict, "session is still open")
		return
	}
	writeJSON(w, http.StatusOK, s.Result)
}

// GetVotes returns the session's ballots per its anonymity configuration.
func (h *Handlers) GetVotes(w http.ResponseWriter, r *http.Request) {
	ballots, err := h.consensus.GetVotes(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, ballots)
}

// CastVote records a ballot.
func (h *Handlers) CastVote(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[messagequeue.VoteSubmitPayload](w, r)
	if !ok {
		return
	}
	body.SessionID = urlParam(r, "id")
	changed, err := h.consensus.CastVote(r.Context(), body)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// Delegate adds a delegation edge.
func (h *Handlers) Delegate(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[messagequeue.VoteDelegatePayload](w, r)
	if !ok {
		return
	}
	body.SessionID = urlParam(r, "id")
	if err := h.consensus.Delegate(r.Context(), body); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseSession tallies and closes a session. Closing twice returns the same
// result.
func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.consensus.CloseSession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VerifyIntegrity reports ballots whose stored hash no longer matches their
// payload.
func (h *Handlers) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	tampered, err := h.consensus.VerifyIntegrity(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if tampered == nil {
		tampered = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tampered": tampered})
}
