package service

import (
	"context"
	"sync"
	"time"

	"github.com/convoke-io/convoke/internal/domain/agent"
	"github.com/convoke-io/convoke/internal/domain/task"
	"github.com/convoke-io/convoke/internal/domain/vote"
	"github.com/convoke-io/convoke/internal/port/messagequeue"
)

// mockStore implements database.Store with in-memory maps and injectable
// failures.
type mockStore struct {
	mu        sync.Mutex
	agents    map[string]agent.Agent
	tasks     map[string]task.Task
	sessions  map[string]vote.Session
	audits    map[string][]vote.AuditEntry
	upsertErr error
	listErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		agents:   make(map[string]agent.Agent),
		tasks:    make(map[string]task.Task),
		sessions: make(map[string]vote.Session),
		audits:   make(map[string][]vote.AuditEntry),
	}
}

func (m *mockStore) UpsertAgent(_ context.Context, a agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.agents[a.ID] = a
	return nil
}

func (m *mockStore) ListAgents(_ context.Context) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out, nil
}

func (m *mockStore) UpsertTask(_ context.Context, t task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) ListTasks(_ context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *mockStore) UpsertSession(_ context.Context, s vote.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *mockStore) ListOpenSessions(_ context.Context) ([]vote.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []vote.Session
	for _, s := range m.sessions {
		if s.Status != vote.StatusClosed {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockStore) AppendAudit(_ context.Context, sessionID string, e vote.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.audits[sessionID] = append(m.audits[sessionID], e)
	return nil
}

func (m *mockStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

func (m *mockStore) task(id string) (task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

func (m *mockStore) agent(id string) (agent.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	return a, ok
}

// published is one recorded publish call.
type published struct {
	subject string
	data    []byte
	opts    messagequeue.PublishOptions
}

// mockQueue implements messagequeue.Queue, recording publishes and exposing
// registered handlers so tests can push inbound messages.
type mockQueue struct {
	mu        sync.Mutex
	publishes []published
	handlers  map[string]messagequeue.Handler
}

func newMockQueue() *mockQueue {
	return &mockQueue{handlers: make(map[string]messagequeue.Handler)}
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publishes = append(q.publishes, published{subject: subject, data: data})
	return nil
}

func (q *mockQueue) PublishWithOptions(_ context.Context, subject string, data []byte, opts messagequeue.PublishOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publishes = append(q.publishes, published{subject: subject, data: data, opts: opts})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = handler
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

// onSubject returns the publishes recorded for one subject.
func (q *mockQueue) onSubject(subject string) []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []published
	for _, p := range q.publishes {
		if p.subject == subject {
			out = append(out, p)
		}
	}
	return out
}

// deliver pushes an inbound message through the registered handler.
func (q *mockQueue) deliver(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	h := q.handlers[subject]
	q.mu.Unlock()
	return h(ctx, subject, data)
}

// mockHub implements broadcast.Broadcaster.
type mockHub struct {
	mu     sync.Mutex
	events []string
}

func (h *mockHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, eventType)
}

func (h *mockHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// fakeCache implements cache.Cache for subscriber dedup tests.
type fakeCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}
