package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoke-io/convoke/internal/domain/agent"
	"github.com/convoke-io/convoke/internal/domain/task"
	"github.com/convoke-io/convoke/internal/domain/vote"
)

// Store implements database.Store using PostgreSQL.
//
// Each aggregate is persisted as a JSONB snapshot plus a few indexed
// columns. Services own the live state in memory; rows here exist for
// recovery, so the snapshot is always written whole. Upserts are guarded by
// the aggregate version: a write carrying an older version than the stored
// row is a no-op, so a delayed retry cannot clobber a newer snapshot.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Agents ---

func (s *Store) UpsertAgent(ctx context.Context, a agent.Agent) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", a.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (id, status, doc, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, doc = EXCLUDED.doc,
		     version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		 WHERE agents.version <= EXCLUDED.version`,
		a.ID, string(a.Status), doc, a.Version, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		var a agent.Agent
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("unmarshal agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Tasks ---

func (s *Store) UpsertTask(ctx context.Context, t task.Task) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, priority, doc, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, priority = EXCLUDED.priority,
		     doc = EXCLUDED.doc, version = EXCLUDED.version,
		     updated_at = EXCLUDED.updated_at
		 WHERE tasks.version <= EXCLUDED.version`,
		t.ID, string(t.Status), t.Priority, doc, t.Version, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM tasks ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Voting sessions ---

func (s *Store) UpsertSession(ctx context.Context, sess vote.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, status, doc, version, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, doc = EXCLUDED.doc,
		     version = EXCLUDED.version, updated_at = now()
		 WHERE sessions.version <= EXCLUDED.version`,
		sess.ID, string(sess.Status), doc, sess.Version)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]vote.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM sessions WHERE status IN ('scheduled', 'active') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []vote.Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess vote.Session
		if err := json.Unmarshal(doc, &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AppendAudit writes one audit entry. The audit table is append-only: rows
// are never updated, so the trail survives session snapshots overwriting
// each other.
func (s *Store) AppendAudit(ctx context.Context, sessionID string, e vote.AuditEntry) error {
	entry, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_audit (session_id, at, action, entry)
		 VALUES ($1, $2, $3, $4)`,
		sessionID, e.At, string(e.Action), entry)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", sessionID, err)
	}
	return nil
}
