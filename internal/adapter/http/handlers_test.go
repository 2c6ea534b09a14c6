package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	cvkhttp "github.com/convoke-io/convoke/internal/adapter/http"
	"github.com/convoke-io/convoke/internal/adapter/ws"
	"github.com/convoke-io/convoke/internal/config"
	"github.com/convoke-io/convoke/internal/domain/agent"
	"github.com/convoke-io/convoke/internal/domain/task"
	"github.com/convoke-io/convoke/internal/domain/vote"
	"github.com/convoke-io/convoke/internal/port/messagequeue"
	"github.com/convoke-io/convoke/internal/service"
)

// nullStore implements database.Store; the handlers under test exercise the
// in-memory services, not persistence.
type nullStore struct{}

func (nullStore) UpsertAgent(context.Context, agent.Agent) error             { return nil }
func (nullStore) ListAgents(context.Context) ([]agent.Agent, error)          { return nil, nil }
func (nullStore) UpsertTask(context.Context, task.Task) error                { return nil }
func (nullStore) ListTasks(context.Context) ([]task.Task, error)             { return nil, nil }
func (nullStore) UpsertSession(context.Context, vote.Session) error          { return nil }
func (nullStore) ListOpenSessions(context.Context) ([]vote.Session, error)   { return nil, nil }
func (nullStore) AppendAudit(context.Context, string, vote.AuditEntry) error { return nil }

type nullQueue struct {
	connected bool
}

func (nullQueue) Publish(context.Context, string, []byte) error { return nil }
func (nullQueue) PublishWithOptions(context.Context, string, []byte, messagequeue.PublishOptions) error {
	return nil
}
func (nullQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (nullQueue) Drain() error        { return nil }
func (nullQueue) Close() error        { return nil }
func (q nullQueue) IsConnected() bool { return q.connected }

type nullPinger struct{ err error }

func (p nullPinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub(log)
	store := nullStore{}
	mq := nullQueue{connected: true}
	dirty := service.NewDirtySet()
	reg := service.NewRegistryService(store, mq, hub, dirty, nil, config.Registry{
		FailureThreshold: 3,
		BaseCooldown:     time.Second,
		MaxCooldown:      time.Minute,
		HeartbeatTimeout: time.Minute,
	})
	orch := service.NewOrchestratorService(reg, mq, store, hub, dirty, nil, config.Orchestrator{
		SweepInterval:      time.Second,
		EpochInterval:      time.Minute,
		DefaultMaxRetries:  3,
		DefaultTaskTimeout: 5 * time.Minute,
		WorkerPoolSize:     4,
	})
	cons := service.NewConsensusService(store, mq, hub, dirty, nil, config.Consensus{
		SweepInterval:   time.Second,
		DefaultDeadline: time.Hour,
	})
	h := cvkhttp.NewHandlers(reg, orch, cons, mq, nullPinger{})
	return cvkhttp.NewRouter(h, hub)
}

func do(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthOK(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHealthDegradedWhenQueueDown(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub(log)
	h := cvkhttp.NewHandlers(nil, nil, nil, nullQueue{connected: false}, nullPinger{})
	r := cvkhttp.NewRouter(h, hub)

	w := do(t, r, "GET", "/healthz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestRegisterAndGetAgent(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, "POST", "/api/v1/agents", agent.RegisterRequest{AgentID: "a1", Capabilities: []string{"go"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, r, "GET", "/api/v1/agents/a1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	a := decode[agent.Agent](t, w)
	if a.Status != agent.StatusIdle {
		t.Fatalf("expected idle, got %s", a.Status)
	}

	w = do(t, r, "GET", "/api/v1/agents/a1/breaker", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegisterAgentMissingID(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, "POST", "/api/v1/agents", agent.RegisterRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	r := newTestRouter(t)
	w := do(t, r, "GET", "/api/v1/agents/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSubmitAndCancelTask(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, "POST", "/api/v1/tasks", task.SubmitRequest{ID: "t1", Type: "build", Priority: 5})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[task.Task](t, w)
	if created.Status != task.StatusPending {
		t.Fatalf("no agents registered, expected pending, got %s", created.Status)
	}

	w = do(t, r, "POST", "/api/v1/tasks/t1/cancel", map[string]string{"reason": "operator"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Cancelling a terminal task conflicts.
	w = do(t, r, "POST", "/api/v1/tasks/t1/cancel", map[string]string{"reason": "again"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	r := newTestRouter(t)
	do(t, r, "POST", "/api/v1/tasks", task.SubmitRequest{ID: "t1", Type: "build"})
	do(t, r, "POST", "/api/v1/tasks", task.SubmitRequest{ID: "t2", Type: "build"})
	do(t, r, "POST", "/api/v1/tasks/t2/cancel", map[string]string{"reason": "drop"})

	w := do(t, r, "GET", "/api/v1/tasks?status=pending", nil)
	tasks := decode[[]task.Task](t, w)
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("expected only t1 pending, got %v", tasks)
	}
}

func TestSessionVotingRoundTrip(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, "POST", "/api/v1/sessions", vote.OpenRequest{
		ID: "s1", Title: "ship it", Options: []string{"yes", "no"},
		Voters: map[string]float64{"v1": 1, "v2": 1},
		Config: vote.Config{Algorithm: vote.AlgorithmSimpleMajority},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Result of an open session is a conflict.
	w = do(t, r, "GET", "/api/v1/sessions/s1/result", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while open, got %d", w.Code)
	}

	w = do(t, r, "POST", "/api/v1/sessions/s1/votes", messagequeue.VoteSubmitPayload{VoterID: "v1", Choice: "yes"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Recast without vote changes enabled.
	w = do(t, r, "POST", "/api/v1/sessions/s1/votes", messagequeue.VoteSubmitPayload{VoterID: "v1", Choice: "no"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on recast, got %d", w.Code)
	}

	// Ineligible voter.
	w = do(t, r, "POST", "/api/v1/sessions/s1/votes", messagequeue.VoteSubmitPayload{VoterID: "ghost", Choice: "yes"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w = do(t, r, "POST", "/api/v1/sessions/s1/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[vote.Result](t, w)
	if res.Winner != "yes" {
		t.Fatalf("expected yes to win, got %q", res.Winner)
	}

	w = do(t, r, "GET", "/api/v1/sessions/s1/integrity", nil)
	body := decode[map[string][]string](t, w)
	if len(body["tampered"]) != 0 {
		t.Fatalf("expected no tampering, got %v", body["tampered"])
	}
}

func TestDelegateEndpoint(t *testing.T) {
	r := newTestRouter(t)
	do(t, r, "POST", "/api/v1/sessions", vote.OpenRequest{
		ID: "s1", Title: "t", Options: []string{"yes", "no"},
		Voters: map[string]float64{"v1": 1, "v2": 1},
		Config: vote.Config{Algorithm: vote.AlgorithmSimpleMajority},
	})

	w := do(t, r, "POST", "/api/v1/sessions/s1/delegate", messagequeue.VoteDelegatePayload{FromVoter: "v1", ToVoter: "v2"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	// Closing the loop is rejected.
	w = do(t, r, "POST", "/api/v1/sessions/s1/delegate", messagequeue.VoteDelegatePayload{FromVoter: "v2", ToVoter: "v1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on cycle, got %d", w.Code)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest("POST", "/api/v1/tasks", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
