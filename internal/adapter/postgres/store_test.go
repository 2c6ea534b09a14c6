package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoke-io/convoke/internal/adapter/postgres"
	"github.com/convoke-io/convoke/internal/domain/agent"
	"github.com/convoke-io/convoke/internal/domain/task"
	"github.com/convoke-io/convoke/internal/domain/vote"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func TestAgentRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a := agent.Agent{
		ID:            "agent-" + uuid.NewString(),
		Capabilities:  []string{"build", "review"},
		Status:        agent.StatusIdle,
		LastHeartbeat: time.Now().UTC().Truncate(time.Millisecond),
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	// Second upsert with changed status must overwrite, not duplicate.
	a.Status = agent.StatusBusy
	a.Version = 1
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent update: %v", err)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}

	var got *agent.Agent
	for i := range agents {
		if agents[i].ID == a.ID {
			got = &agents[i]
		}
	}
	if got == nil {
		t.Fatalf("agent %s not listed", a.ID)
	}
	if got.Status != agent.StatusBusy {
		t.Errorf("status = %s, want busy", got.Status)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestUpsertAgentIgnoresStaleVersion(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a := agent.Agent{
		ID:        "agent-" + uuid.NewString(),
		Status:    agent.StatusBusy,
		Version:   3,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	// A delayed retry carrying an older snapshot must not win.
	stale := a
	stale.Status = agent.StatusIdle
	stale.Version = 1
	if err := s.UpsertAgent(ctx, stale); err != nil {
		t.Fatalf("UpsertAgent stale: %v", err)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	for i := range agents {
		if agents[i].ID != a.ID {
			continue
		}
		if agents[i].Version != 3 || agents[i].Status != agent.StatusBusy {
			t.Errorf("stale write overwrote row: version=%d status=%s",
				agents[i].Version, agents[i].Status)
		}
		return
	}
	t.Fatalf("agent %s not listed", a.ID)
}

func TestListTasksIncludesTerminal(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	pending := task.Task{
		ID:        "task-" + uuid.NewString(),
		Type:      "build",
		Status:    task.StatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	done := task.Task{
		ID:        "task-" + uuid.NewString(),
		Type:      "build",
		Status:    task.StatusCompleted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertTask(ctx, pending); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if err := s.UpsertTask(ctx, done); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}

	seen := map[string]task.Status{}
	for _, tk := range tasks {
		seen[tk.ID] = tk.Status
	}
	if seen[pending.ID] != task.StatusPending {
		t.Errorf("pending task %s missing from list", pending.ID)
	}
	// Terminal tasks are listed too: recovery rebuilds the dependency graph.
	if seen[done.ID] != task.StatusCompleted {
		t.Errorf("completed task %s missing from list", done.ID)
	}
}

func TestSessionRoundTripWithBallots(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	sess := vote.Session{
		ID:      "sess-" + uuid.NewString(),
		Title:   "release vote",
		Options: []string{"ship", "hold"},
		Config:  vote.Config{Algorithm: vote.AlgorithmSimpleMajority},
		Status:  vote.StatusActive,
		Voters:  map[string]float64{"a": 1, "b": 1},
		Ballots: map[string]*vote.Ballot{
			"a": {VoterID: "a", Choice: "ship", Weight: 1, CastAt: time.Now().UTC()},
		},
		Delegations: map[string]string{},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	open, err := s.ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}

	var got *vote.Session
	for i := range open {
		if open[i].ID == sess.ID {
			got = &open[i]
		}
	}
	if got == nil {
		t.Fatalf("session %s not listed as open", sess.ID)
	}
	if got.Ballots["a"] == nil || got.Ballots["a"].Choice != "ship" {
		t.Error("ballot did not survive the round trip")
	}

	// Closed sessions drop out of the open list.
	sess.Status = vote.StatusClosed
	sess.Version = 1
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession close: %v", err)
	}
	open, err = s.ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}
	for i := range open {
		if open[i].ID == sess.ID {
			t.Errorf("closed session %s still listed as open", sess.ID)
		}
	}
}

func TestAppendAudit(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	sessionID := "sess-" + uuid.NewString()
	entry := vote.AuditEntry{
		At:      time.Now().UTC(),
		Action:  vote.AuditVoteCast,
		VoterID: "a",
		Hash:    "deadbeef",
	}
	if err := s.AppendAudit(ctx, sessionID, entry); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	// Append-only: a second identical entry is a new row, not a conflict.
	if err := s.AppendAudit(ctx, sessionID, entry); err != nil {
		t.Fatalf("AppendAudit repeat: %v", err)
	}
}
