// Package database defines the repository port (interface).
//
// The services hold authoritative state in memory; the repository is a
// write-behind durability log plus the recovery source after a restart.
// A failed write never blocks live coordination — it is flagged dirty and
// retried by the reconciliation sweep.
package database

import (
	"context"

	"github.com/convoke-io/convoke/internal/domain/agent"
	"github.com/convoke-io/convoke/internal/domain/task"
	"github.com/convoke-io/convoke/internal/domain/vote"
)

// Store is the port interface for durability and recovery.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, a agent.Agent) error
	ListAgents(ctx context.Context) ([]agent.Agent, error)

	// Tasks. ListTasks returns every task, terminal ones included, so
	// recovery can rebuild the dependency graph.
	UpsertTask(ctx context.Context, t task.Task) error
	ListTasks(ctx context.Context) ([]task.Task, error)

	// Voting sessions
	UpsertSession(ctx context.Context, s vote.Session) error
	ListOpenSessions(ctx context.Context) ([]vote.Session, error)
	AppendAudit(ctx context.Context, sessionID string, e vote.AuditEntry) error
}
