package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/convoke-io/convoke/internal/domain"
)

// Queue is the in-memory task collection shared between scheduling passes.
// It owns all Task instances; callers only ever see copies. Dependency
// readiness is recomputed at dequeue time rather than eagerly maintained, so
// a dependency failing after its dependent was queued cannot leave a stale
// "ready" marker behind.
//
// The queue itself performs no side effects: cascade cancellation and retry
// policy live in the orchestrator.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewQueue creates an empty task queue.
func NewQueue() *Queue {
	return &Queue{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Enqueue adds a task. The task id must be unique and every dependency must
// already be known to the queue.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[t.ID]; exists {
		return fmt.Errorf("enqueue task %s: %w", t.ID, domain.ErrConflict)
	}
	for _, dep := range t.DependsOn {
		if _, ok := q.tasks[dep]; !ok {
			return fmt.Errorf("%w: unknown dependency %s", domain.ErrValidation, dep)
		}
	}

	cp := t
	q.tasks[t.ID] = &cp
	return nil
}

// Get returns a copy of the task with the given id.
func (q *Queue) Get(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return *t, nil
}

// Next returns the highest-priority pending task whose dependencies are all
// completed and whose required capabilities satisfy covers. Ties are broken
// by creation time ascending. Tasks whose last failure came from excludeAgent
// are skipped, so a task is never bounced straight back to the agent that
// just failed it. A nil covers matches only tasks with no requirements.
func (q *Queue) Next(covers func(required []string) bool, excludeAgent string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if covers == nil {
		covers = func(required []string) bool { return len(required) == 0 }
	}
	var best *Task
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		if excludeAgent != "" && t.LastFailedAgent == excludeAgent {
			continue
		}
		if !covers(t.Requires) {
			continue
		}
		if !q.depsCompleted(t) {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return Task{}, false
	}
	return *best, true
}

// CompareAndSwap transitions the task from one status to another atomically.
// It returns false when the task is unknown, not currently in from, or the
// transition is illegal. This is the single point enforcing total ordering of
// status transitions under concurrent dispatch.
func (q *Queue) CompareAndSwap(id string, from, to Status) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.Status != from || !from.CanTransition(to) {
		return false
	}
	t.Status = to
	t.UpdatedAt = q.now()
	t.Version++
	return true
}

// Mutate applies fn to the task under the queue lock.
func (q *Queue) Mutate(id string, fn func(*Task)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	fn(t)
	t.UpdatedAt = q.now()
	t.Version++
	return nil
}

// Dependents returns the ids of tasks that directly depend on id.
func (q *Queue) Dependents(id string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deps []string
	for _, t := range q.tasks {
		for _, d := range t.DependsOn {
			if d == id {
				deps = append(deps, t.ID)
				break
			}
		}
	}
	sort.Strings(deps)
	return deps
}

// List returns copies of all tasks matching filter. A nil filter matches all.
func (q *Queue) List(filter func(*Task) bool) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for _, t := range q.tasks {
		if filter == nil || filter(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// depsCompleted must be called with q.mu held.
func (q *Queue) depsCompleted(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := q.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}
