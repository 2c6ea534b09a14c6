package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/convoke-io/convoke/internal/adapter/otel"
	"github.com/convoke-io/convoke/internal/adapter/ws"
	"github.com/convoke-io/convoke/internal/config"
	"github.com/convoke-io/convoke/internal/domain"
	"github.com/convoke-io/convoke/internal/domain/agent"
	"github.com/convoke-io/convoke/internal/port/broadcast"
	"github.com/convoke-io/convoke/internal/port/database"
	"github.com/convoke-io/convoke/internal/port/messagequeue"
	"github.com/convoke-io/convoke/internal/resilience"
)

// RegistryService owns the live agent pool. Every agent carries a circuit
// breaker; assignment eligibility is always the pair (status, breaker state).
// State lives in memory and is written behind to the store.
type RegistryService struct {
	mu       sync.Mutex
	agents   map[string]*agent.Agent
	breakers map[string]*resilience.Breaker

	store   database.Store
	mq      messagequeue.Queue
	hub     broadcast.Broadcaster
	dirty   *DirtySet
	metrics *otel.Metrics
	cfg     config.Registry

	now func() time.Time
}

// NewRegistryService creates a RegistryService. metrics may be nil.
func NewRegistryService(store database.Store, mq messagequeue.Queue, hub broadcast.Broadcaster, dirty *DirtySet, metrics *otel.Metrics, cfg config.Registry) *RegistryService {
	return &RegistryService{
		agents:   make(map[string]*agent.Agent),
		breakers: make(map[string]*resilience.Breaker),
		store:    store,
		mq:       mq,
		hub:      hub,
		dirty:    dirty,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Register adds an agent or refreshes an existing registration. Re-registering
// keeps the breaker: a flapping agent does not shed its failure history by
// reconnecting.
func (s *RegistryService) Register(ctx context.Context, req agent.RegisterRequest) (agent.Agent, error) {
	if req.AgentID == "" {
		return agent.Agent{}, fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	now := s.now()
	a, exists := s.agents[req.AgentID]
	if exists {
		a.Capabilities = req.Capabilities
		a.LastHeartbeat = now
		if a.Status == agent.StatusOffline {
			a.Status = agent.StatusIdle
		}
		a.UpdatedAt = now
		a.Version++
	} else {
		a = &agent.Agent{
			ID:            req.AgentID,
			Capabilities:  req.Capabilities,
			Status:        agent.StatusIdle,
			LastHeartbeat: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.agents[a.ID] = a
		s.breakers[a.ID] = resilience.NewBreaker(s.cfg.FailureThreshold, s.cfg.BaseCooldown, s.cfg.MaxCooldown)
	}
	cp := *a
	s.mu.Unlock()

	s.persistAgent(ctx, cp)
	s.announceStatus(ctx, cp.ID, cp.Status)
	slog.Info("agent registered", "agent_id", cp.ID, "capabilities", cp.Capabilities, "rejoined", exists)
	return cp, nil
}

// Heartbeat refreshes an agent's liveness. An offline agent heartbeating
// comes back as idle.
func (s *RegistryService) Heartbeat(ctx context.Context, agentID string) error {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	a.LastHeartbeat = s.now()
	revived := a.Status == agent.StatusOffline
	if revived {
		a.Status = agent.StatusIdle
	}
	a.UpdatedAt = s.now()
	a.Version++
	cp := *a
	s.mu.Unlock()

	s.persistAgent(ctx, cp)
	if revived {
		s.announceStatus(ctx, cp.ID, cp.Status)
	}
	return nil
}

// Get returns a copy of the agent.
func (s *RegistryService) Get(agentID string) (agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return agent.Agent{}, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	cp := *a
	cp.Status = s.effectiveStatus(a)
	return cp, nil
}

// List returns copies of all agents sorted by id, with breaker-derived
// statuses applied.
func (s *RegistryService) List() []agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		cp.Status = s.effectiveStatus(a)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindAvailable returns agents eligible for assignment, least loaded first.
// Ties are broken by least-recent assignment so work spreads over the pool.
func (s *RegistryService) FindAvailable() []agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []agent.Agent
	for id, a := range s.agents {
		if a.Status != agent.StatusIdle {
			continue
		}
		if !s.breakers[id].Assignable() {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EpochLoad != out[j].EpochLoad {
			return out[i].EpochLoad < out[j].EpochLoad
		}
		if !out[i].LastAssignment.Equal(out[j].LastAssignment) {
			return out[i].LastAssignment.Before(out[j].LastAssignment)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkBusy claims the agent for a task. It consumes the half-open trial slot
// when the breaker is probing. Returns false when the agent is not idle or
// the breaker refuses.
func (s *RegistryService) MarkBusy(ctx context.Context, agentID, taskID string) bool {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok || a.Status != agent.StatusIdle {
		s.mu.Unlock()
		return false
	}
	if !s.breakers[agentID].Allow() {
		s.mu.Unlock()
		return false
	}
	a.Status = agent.StatusBusy
	a.CurrentTaskID = taskID
	a.LastAssignment = s.now()
	a.EpochLoad++
	a.UpdatedAt = s.now()
	a.Version++
	cp := *a
	s.mu.Unlock()

	s.persistAgent(ctx, cp)
	return true
}

// RecordSuccess releases the agent after a completed task and closes its
// breaker.
func (s *RegistryService) RecordSuccess(ctx context.Context, agentID string) {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.breakers[agentID].RecordSuccess()
	a.ConsecutiveFailures = 0
	a.CurrentTaskID = ""
	if a.Status == agent.StatusBusy {
		a.Status = agent.StatusIdle
	}
	a.UpdatedAt = s.now()
	a.Version++
	cp := *a
	s.mu.Unlock()

	s.persistAgent(ctx, cp)
	s.announceStatus(ctx, cp.ID, cp.Status)
}

// RecordFailure counts a failed task against the agent. When the breaker
// opens, the agent leaves the assignable pool until its cooldown passes.
// Returns true when this failure tripped the breaker open.
func (s *RegistryService) RecordFailure(ctx context.Context, agentID string) bool {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	br := s.breakers[agentID]
	wasOpen := br.State() == resilience.StateOpen
	br.RecordFailure()
	tripped := !wasOpen && br.State() == resilience.StateOpen

	a.ConsecutiveFailures = br.Failures()
	a.CurrentTaskID = ""
	if a.Status == agent.StatusBusy {
		a.Status = agent.StatusIdle
	}
	a.UpdatedAt = s.now()
	a.Version++
	cp := *a
	status := s.effectiveStatus(a)
	s.mu.Unlock()

	s.persistAgent(ctx, cp)
	s.announceStatus(ctx, cp.ID, status)
	if tripped {
		if s.metrics != nil {
			s.metrics.BreakerTrips.Add(ctx, 1)
		}
		slog.Warn("agent circuit opened", "agent_id", agentID, "failures", cp.ConsecutiveFailures)
	}
	return tripped
}

// Release returns a busy agent to idle without touching the breaker. Used
// when an assignment is withdrawn rather than failed, such as a cancelled
// task.
func (s *RegistryService) Release(ctx context.Context, agentID string) {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok || a.Status != agent.StatusBusy {
		s.mu.Unlock()
		return
	}
	a.Status = agent.StatusIdle
	a.CurrentTaskID = ""
	a.UpdatedAt = s.now()
	a.Version++
	cp := *a
	s.mu.Unlock()

	s.persistAgent(ctx, cp)
}

// SweepHeartbeats marks agents whose heartbeat is older than the timeout as
// offline and returns the task ids they were holding, so the orchestrator
// can requeue the orphaned work.
func (s *RegistryService) SweepHeartbeats(ctx context.Context) []string {
	cutoff := s.now().Add(-s.cfg.HeartbeatTimeout)

	s.mu.Lock()
	var orphaned []string
	var changed []agent.Agent
	for _, a := range s.agents {
		if a.Status == agent.StatusOffline || !a.LastHeartbeat.Before(cutoff) {
			continue
		}
		if a.CurrentTaskID != "" {
			orphaned = append(orphaned, a.CurrentTaskID)
		}
		a.Status = agent.StatusOffline
		a.CurrentTaskID = ""
		a.UpdatedAt = s.now()
		a.Version++
		changed = append(changed, *a)
	}
	s.mu.Unlock()

	for _, cp := range changed {
		s.persistAgent(ctx, cp)
		s.announceStatus(ctx, cp.ID, agent.StatusOffline)
		slog.Warn("agent heartbeat expired", "agent_id", cp.ID)
	}
	sort.Strings(orphaned)
	return orphaned
}

// ResetEpoch zeroes the per-epoch load counters used for least-loaded
// ranking.
func (s *RegistryService) ResetEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		a.EpochLoad = 0
	}
}

// BreakerState exposes the agent's breaker state for the admin API.
func (s *RegistryService) BreakerState(agentID string) (resilience.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.breakers[agentID]
	if !ok {
		return resilience.StateClosed, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return br.State(), nil
}

// Recover rebuilds the pool from the store after a restart. Recovered agents
// start offline; their first heartbeat brings them back. Breaker failure
// counts are rebuilt from the persisted consecutive failure counters.
func (s *RegistryService) Recover(ctx context.Context) error {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("recover agents: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range agents {
		cp := a
		cp.Status = agent.StatusOffline
		cp.CurrentTaskID = ""
		s.agents[cp.ID] = &cp
		br := resilience.NewBreaker(s.cfg.FailureThreshold, s.cfg.BaseCooldown, s.cfg.MaxCooldown)
		for range cp.ConsecutiveFailures {
			br.RecordFailure()
		}
		s.breakers[cp.ID] = br
	}
	slog.Info("agent pool recovered", "agents", len(agents))
	return nil
}

// effectiveStatus overlays the breaker state on the stored status. Must be
// called with s.mu held.
func (s *RegistryService) effectiveStatus(a *agent.Agent) agent.Status {
	if a.Status != agent.StatusIdle {
		return a.Status
	}
	switch s.breakers[a.ID].State() {
	case resilience.StateOpen:
		return agent.StatusCircuitOpen
	case resilience.StateHalfOpen:
		return agent.StatusHalfOpen
	default:
		return a.Status
	}
}

// announceStatus fans an agent status change out to queue observers and
// connected websockets.
func (s *RegistryService) announceStatus(ctx context.Context, agentID string, status agent.Status) {
	payload := messagequeue.AgentStatusPayload{AgentID: agentID, Status: string(status)}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("status marshal failed", "agent_id", agentID, "error", err)
	} else if err := s.mq.Publish(ctx, messagequeue.SubjectAgentStatus, data); err != nil {
		slog.Error("status publish failed", "agent_id", agentID, "error", err)
	}
	s.hub.BroadcastEvent(ctx, ws.EventAgentStatus, ws.AgentStatusEvent{AgentID: agentID, Status: string(status)})
}

// persistAgent writes behind to the store; failures mark the agent dirty for
// the reconciliation sweep instead of failing the operation.
func (s *RegistryService) persistAgent(ctx context.Context, a agent.Agent) {
	if err := s.store.UpsertAgent(ctx, a); err != nil {
		slog.Error("agent persist failed, marked dirty", "agent_id", a.ID, "error", err)
		s.dirty.MarkAgent(a.ID)
	}
}
