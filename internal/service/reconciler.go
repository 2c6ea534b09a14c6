package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/convoke-io/convoke/internal/port/database"
)

// DirtySet tracks aggregates whose last write-behind persist failed. The
// reconciliation sweep retries them until the store accepts the snapshot.
type DirtySet struct {
	mu       sync.Mutex
	agents   map[string]struct{}
	tasks    map[string]struct{}
	sessions map[string]struct{}
}

// NewDirtySet creates an empty DirtySet.
func NewDirtySet() *DirtySet {
	return &DirtySet{
		agents:   make(map[string]struct{}),
		tasks:    make(map[string]struct{}),
		sessions: make(map[string]struct{}),
	}
}

// MarkAgent flags an agent snapshot as unpersisted.
func (d *DirtySet) MarkAgent(id string) { d.mark(d.agents, id) }

// MarkTask flags a task snapshot as unpersisted.
func (d *DirtySet) MarkTask(id string) { d.mark(d.tasks, id) }

// MarkSession flags a session snapshot as unpersisted.
func (d *DirtySet) MarkSession(id string) { d.mark(d.sessions, id) }

func (d *DirtySet) mark(set map[string]struct{}, id string) {
	d.mu.Lock()
	set[id] = struct{}{}
	d.mu.Unlock()
}

// Len returns the total number of dirty entries.
func (d *DirtySet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.agents) + len(d.tasks) + len(d.sessions)
}

// drain removes and returns all ids of one kind. Entries that fail to persist
// again are re-marked by the caller.
func (d *DirtySet) drain(set map[string]struct{}) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
		delete(set, id)
	}
	return ids
}

// Reconciler periodically retries failed write-behind persists. The live
// in-memory state is authoritative; the sweep only converges the store
// toward it.
type Reconciler struct {
	dirty     *DirtySet
	store     database.Store
	registry  *RegistryService
	orch      *OrchestratorService
	consensus *ConsensusService
	interval  time.Duration
}

// NewReconciler creates a Reconciler.
func NewReconciler(dirty *DirtySet, store database.Store, registry *RegistryService, orch *OrchestratorService, consensus *ConsensusService, interval time.Duration) *Reconciler {
	return &Reconciler{
		dirty:     dirty,
		store:     store,
		registry:  registry,
		orch:      orch,
		consensus: consensus,
		interval:  interval,
	}
}

// Run sweeps until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep retries every dirty aggregate once. An aggregate that vanished from
// memory is dropped: there is no snapshot left to persist.
func (r *Reconciler) Sweep(ctx context.Context) {
	for _, id := range r.dirty.drain(r.dirty.agents) {
		a, err := r.registry.Get(id)
		if err != nil {
			continue
		}
		if err := r.store.UpsertAgent(ctx, a); err != nil {
			slog.Warn("reconcile agent failed", "agent_id", id, "error", err)
			r.dirty.MarkAgent(id)
		}
	}

	for _, id := range r.dirty.drain(r.dirty.tasks) {
		t, err := r.orch.GetTask(id)
		if err != nil {
			continue
		}
		if err := r.store.UpsertTask(ctx, t); err != nil {
			slog.Warn("reconcile task failed", "task_id", id, "error", err)
			r.dirty.MarkTask(id)
		}
	}

	for _, id := range r.dirty.drain(r.dirty.sessions) {
		sess, err := r.consensus.Snapshot(id)
		if err != nil {
			continue
		}
		if err := r.store.UpsertSession(ctx, sess); err != nil {
			slog.Warn("reconcile session failed", "session_id", id, "error", err)
			r.dirty.MarkSession(id)
		}
	}
}
