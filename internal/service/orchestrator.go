package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/convoke-io/convoke/internal/adapter/otel"
	"github.com/convoke-io/convoke/internal/adapter/ws"
	"github.com/convoke-io/convoke/internal/config"
	"github.com/convoke-io/convoke/internal/domain"
	"github.com/convoke-io/convoke/internal/domain/task"
	"github.com/convoke-io/convoke/internal/port/broadcast"
	"github.com/convoke-io/convoke/internal/port/database"
	"github.com/convoke-io/convoke/internal/port/messagequeue"
)

// OrchestratorService distributes tasks over the agent pool. It owns the
// in-memory task queue; everything observable about a task flows through
// here so status transitions stay totally ordered.
type OrchestratorService struct {
	tasks    *task.Queue
	registry *RegistryService
	mq       messagequeue.Queue
	store    database.Store
	hub      broadcast.Broadcaster
	dirty    *DirtySet
	metrics  *otel.Metrics
	cfg      config.Orchestrator

	now func() time.Time
}

// NewOrchestratorService creates an OrchestratorService. metrics may be nil.
func NewOrchestratorService(
	registry *RegistryService,
	mq messagequeue.Queue,
	store database.Store,
	hub broadcast.Broadcaster,
	dirty *DirtySet,
	metrics *otel.Metrics,
	cfg config.Orchestrator,
) *OrchestratorService {
	return &OrchestratorService{
		tasks:    task.NewQueue(),
		registry: registry,
		mq:       mq,
		store:    store,
		hub:      hub,
		dirty:    dirty,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SubmitTask validates and enqueues a task, then runs a scheduling pass so
// an idle pool picks it up without waiting for the next sweep.
func (s *OrchestratorService) SubmitTask(ctx context.Context, req task.SubmitRequest) (task.Task, error) {
	if err := req.Validate(); err != nil {
		return task.Task{}, err
	}

	now := s.now()
	t := task.Task{
		ID:         req.ID,
		Type:       req.Type,
		Priority:   req.Priority,
		Status:     task.StatusPending,
		Requires:   req.Requires,
		DependsOn:  req.DependsOn,
		Payload:    req.Payload,
		MaxRetries: req.MaxRetries,
		Deadline:   req.Deadline,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = s.cfg.DefaultMaxRetries
	}
	if t.Deadline.IsZero() && s.cfg.DefaultTaskTimeout > 0 {
		t.Deadline = now.Add(s.cfg.DefaultTaskTimeout)
	}

	if err := s.tasks.Enqueue(t); err != nil {
		return task.Task{}, err
	}

	s.persistTask(ctx, t)
	slog.Info("task submitted", "task_id", t.ID, "type", t.Type, "priority", t.Priority)

	s.SchedulePass(ctx)
	return s.tasks.Get(t.ID)
}

// GetTask returns a copy of the task.
func (s *OrchestratorService) GetTask(id string) (task.Task, error) {
	return s.tasks.Get(id)
}

// ListTasks returns tasks, optionally filtered by status.
func (s *OrchestratorService) ListTasks(status task.Status) []task.Task {
	if status == "" {
		return s.tasks.List(nil)
	}
	return s.tasks.List(func(t *task.Task) bool { return t.Status == status })
}

// SchedulePass matches ready tasks to eligible agents, least loaded first.
// Each pass assigns at most one task per agent; the next pass continues.
func (s *OrchestratorService) SchedulePass(ctx context.Context) {
	for _, a := range s.registry.FindAvailable() {
		t, ok := s.tasks.Next(a.HasCapabilities, a.ID)
		if !ok {
			continue
		}
		s.dispatch(ctx, t, a.ID)
	}
}

// dispatch performs the pending to assigned handshake for one task and agent.
func (s *OrchestratorService) dispatch(ctx context.Context, t task.Task, agentID string) {
	ctx, span := otel.StartDispatchSpan(ctx, t.ID, agentID)
	defer span.End()

	if !s.tasks.CompareAndSwap(t.ID, task.StatusPending, task.StatusAssigned) {
		return
	}
	if !s.registry.MarkBusy(ctx, agentID, t.ID) {
		// Agent was claimed between ranking and here; put the task back.
		s.tasks.CompareAndSwap(t.ID, task.StatusAssigned, task.StatusPending)
		return
	}

	_ = s.tasks.Mutate(t.ID, func(t *task.Task) { t.AgentID = agentID })
	cur, err := s.tasks.Get(t.ID)
	if err != nil {
		return
	}

	assign := messagequeue.TaskAssignPayload{
		TaskID:   cur.ID,
		Type:     cur.Type,
		Payload:  cur.Payload,
		Deadline: cur.Deadline,
	}
	data, _ := json.Marshal(assign)
	opts := messagequeue.PublishOptions{
		Persistent: true,
		Priority:   cur.Priority,
		MessageID:  fmt.Sprintf("assign-%s-%d", cur.ID, cur.RetryCount),
	}
	if err := s.mq.PublishWithOptions(ctx, messagequeue.SubjectTaskAssign+"."+agentID, data, opts); err != nil {
		slog.Error("assign publish failed", "task_id", cur.ID, "agent_id", agentID, "error", err)
	}

	s.publishEvent(ctx, messagequeue.SubjectTaskAssigned, messagequeue.TaskAssignedPayload{TaskID: cur.ID, AgentID: agentID})
	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{TaskID: cur.ID, Status: string(task.StatusAssigned), AgentID: agentID})
	s.persistTask(ctx, cur)

	if s.metrics != nil {
		s.metrics.TasksAssigned.Add(ctx, 1)
		s.metrics.DispatchDuration.Record(ctx, s.now().Sub(cur.CreatedAt).Seconds())
	}
	slog.Info("task assigned", "task_id", cur.ID, "agent_id", agentID, "retry", cur.RetryCount)
}

// HandleResult applies an agent's result report. A result for a task already
// in a terminal state is a duplicate delivery and is dropped.
func (s *OrchestratorService) HandleResult(ctx context.Context, res messagequeue.TaskResultPayload) error {
	t, err := s.tasks.Get(res.TaskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		slog.Debug("result for terminal task dropped", "task_id", res.TaskID, "status", t.Status)
		return nil
	}
	if t.AgentID != res.AgentID {
		return fmt.Errorf("%w: result from %s but task %s is held by %s", domain.ErrConflict, res.AgentID, res.TaskID, t.AgentID)
	}

	// An agent may report a result straight from assigned.
	s.tasks.CompareAndSwap(res.TaskID, task.StatusAssigned, task.StatusInProgress)

	if res.Success {
		s.complete(ctx, res)
		return nil
	}
	s.failOrRetry(ctx, res.TaskID, res.AgentID, res.Error, task.StatusFailed)
	return nil
}

func (s *OrchestratorService) complete(ctx context.Context, res messagequeue.TaskResultPayload) {
	if !s.tasks.CompareAndSwap(res.TaskID, task.StatusInProgress, task.StatusCompleted) {
		return
	}
	_ = s.tasks.Mutate(res.TaskID, func(t *task.Task) {
		t.Result = &task.Result{Output: res.Output}
	})
	s.registry.RecordSuccess(ctx, res.AgentID)

	cur, _ := s.tasks.Get(res.TaskID)
	s.publishEvent(ctx, messagequeue.SubjectTaskCompleted, messagequeue.TaskCompletedPayload{TaskID: res.TaskID, Result: res.Output})
	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{TaskID: res.TaskID, Status: string(task.StatusCompleted)})
	s.persistTask(ctx, cur)

	if s.metrics != nil {
		s.metrics.TasksCompleted.Add(ctx, 1)
	}
	slog.Info("task completed", "task_id", res.TaskID, "agent_id", res.AgentID)

	// A completion may unblock dependents.
	s.SchedulePass(ctx)
}

// failOrRetry records the failure against the agent, then either requeues
// the task or finishes it in the given terminal state, cascading
// cancellation to dependents.
func (s *OrchestratorService) failOrRetry(ctx context.Context, taskID, agentID, reason string, terminal task.Status) {
	if agentID != "" {
		s.registry.RecordFailure(ctx, agentID)
	}

	t, err := s.tasks.Get(taskID)
	if err != nil {
		return
	}

	if t.RetryCount < t.MaxRetries {
		_ = s.tasks.Mutate(taskID, func(t *task.Task) {
			t.Status = task.StatusPending
			t.RetryCount++
			t.LastFailedAgent = agentID
			t.AgentID = ""
			t.FailReason = reason
		})
		cur, _ := s.tasks.Get(taskID)
		s.persistTask(ctx, cur)
		slog.Warn("task requeued after failure", "task_id", taskID, "agent_id", agentID, "retry", cur.RetryCount, "max_retries", cur.MaxRetries)
		s.SchedulePass(ctx)
		return
	}

	_ = s.tasks.Mutate(taskID, func(t *task.Task) {
		t.Status = terminal
		t.LastFailedAgent = agentID
		t.AgentID = ""
		t.FailReason = reason
	})
	cur, _ := s.tasks.Get(taskID)
	cascaded := s.cascadeCancel(ctx, taskID)

	s.publishEvent(ctx, messagequeue.SubjectTaskFailed, messagequeue.TaskFailedPayload{TaskID: taskID, Reason: reason, Cascaded: cascaded})
	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{TaskID: taskID, Status: string(terminal), Reason: reason})
	s.persistTask(ctx, cur)

	if s.metrics != nil {
		s.metrics.TasksFailed.Add(ctx, 1)
	}
	slog.Error("task failed permanently", "task_id", taskID, "status", terminal, "reason", reason, "cascaded", len(cascaded))
}

// cascadeCancel cancels every transitive dependent of the failed task and
// returns their ids. Dependents already finished are left alone; agents
// holding a cancelled task are released without a breaker penalty.
func (s *OrchestratorService) cascadeCancel(ctx context.Context, rootID string) []string {
	var cancelled []string
	queue := s.tasks.Dependents(rootID)
	seen := map[string]bool{rootID: true}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		t, err := s.tasks.Get(id)
		if err != nil || t.Status.IsTerminal() {
			continue
		}
		if t.AgentID != "" {
			s.registry.Release(ctx, t.AgentID)
		}
		_ = s.tasks.Mutate(id, func(t *task.Task) {
			t.Status = task.StatusCancelled
			t.FailReason = task.CancelReasonUpstreamFailure
			t.AgentID = ""
		})
		cur, _ := s.tasks.Get(id)
		cancelled = append(cancelled, id)

		s.publishEvent(ctx, messagequeue.SubjectTaskCancelled, messagequeue.TaskCancelledPayload{TaskID: id, Reason: task.CancelReasonUpstreamFailure})
		s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{TaskID: id, Status: string(task.StatusCancelled), Reason: task.CancelReasonUpstreamFailure})
		s.persistTask(ctx, cur)
		if s.metrics != nil {
			s.metrics.TasksCancelled.Add(ctx, 1)
		}

		queue = append(queue, s.tasks.Dependents(id)...)
	}
	return cancelled
}

// CancelTask cancels a task on request. Cancelling a terminal task is a
// conflict; cancelling an assigned task releases its agent. Dependents are
// cascaded like an upstream failure.
func (s *OrchestratorService) CancelTask(ctx context.Context, id, reason string) (task.Task, error) {
	if reason == "" {
		reason = task.CancelReasonRequested
	}

	t, err := s.tasks.Get(id)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status.IsTerminal() {
		return task.Task{}, fmt.Errorf("cancel task %s in %s: %w", id, t.Status, domain.ErrConflict)
	}

	if t.AgentID != "" {
		s.registry.Release(ctx, t.AgentID)
	}
	_ = s.tasks.Mutate(id, func(t *task.Task) {
		t.Status = task.StatusCancelled
		t.FailReason = reason
		t.AgentID = ""
	})
	cur, _ := s.tasks.Get(id)
	cascaded := s.cascadeCancel(ctx, id)

	s.publishEvent(ctx, messagequeue.SubjectTaskCancelled, messagequeue.TaskCancelledPayload{TaskID: id, Reason: reason})
	s.hub.BroadcastEvent(ctx, ws.EventTaskStatus, ws.TaskStatusEvent{TaskID: id, Status: string(task.StatusCancelled), Reason: reason})
	s.persistTask(ctx, cur)

	if s.metrics != nil {
		s.metrics.TasksCancelled.Add(ctx, 1)
	}
	slog.Info("task cancelled", "task_id", id, "reason", reason, "cascaded", len(cascaded))
	return cur, nil
}

// RetryTask requeues a failed, timed out or cancelled task. The retry budget
// starts over; the last failed agent stays excluded from the first new
// attempt.
func (s *OrchestratorService) RetryTask(ctx context.Context, id string) (task.Task, error) {
	t, err := s.tasks.Get(id)
	if err != nil {
		return task.Task{}, err
	}
	if !t.Status.IsTerminal() || t.Status == task.StatusCompleted {
		return task.Task{}, fmt.Errorf("retry task %s in %s: %w", id, t.Status, domain.ErrConflict)
	}

	_ = s.tasks.Mutate(id, func(t *task.Task) {
		t.Status = task.StatusPending
		t.RetryCount = 0
		t.Result = nil
		t.FailReason = ""
		t.AgentID = ""
	})
	cur, _ := s.tasks.Get(id)
	s.persistTask(ctx, cur)
	slog.Info("task retried", "task_id", id)

	s.SchedulePass(ctx)
	return cur, nil
}

// RequeueOrphans returns tasks held by dead agents to the pending pool. The
// dead agent is recorded as last-failed so the retry lands elsewhere first.
func (s *OrchestratorService) RequeueOrphans(ctx context.Context, taskIDs []string) {
	for _, id := range taskIDs {
		t, err := s.tasks.Get(id)
		if err != nil || t.Status.IsTerminal() || t.Status == task.StatusPending {
			continue
		}
		_ = s.tasks.Mutate(id, func(t *task.Task) {
			t.LastFailedAgent = t.AgentID
			t.AgentID = ""
			t.Status = task.StatusPending
		})
		cur, _ := s.tasks.Get(id)
		s.persistTask(ctx, cur)
		slog.Warn("task orphaned by offline agent, requeued", "task_id", id)
	}
	if len(taskIDs) > 0 {
		s.SchedulePass(ctx)
	}
}

// SweepDeadlines times out tasks whose deadline has passed. A timeout counts
// as an agent failure and follows the retry-or-fail path.
func (s *OrchestratorService) SweepDeadlines(ctx context.Context) {
	now := s.now()
	overdue := s.tasks.List(func(t *task.Task) bool {
		return (t.Status == task.StatusAssigned || t.Status == task.StatusInProgress) &&
			!t.Deadline.IsZero() && t.Deadline.Before(now)
	})
	for _, t := range overdue {
		slog.Warn("task deadline exceeded", "task_id", t.ID, "agent_id", t.AgentID)
		s.failOrRetry(ctx, t.ID, t.AgentID, "deadline exceeded", task.StatusTimeout)
	}
}

// Run drives the periodic sweeps until ctx is cancelled: heartbeat expiry,
// deadlines and scheduling on every tick, epoch load reset on a slower
// cadence.
func (s *OrchestratorService) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	epoch := time.NewTicker(s.cfg.EpochInterval)
	defer epoch.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			orphans := s.registry.SweepHeartbeats(ctx)
			s.RequeueOrphans(ctx, orphans)
			s.SweepDeadlines(ctx)
			s.SchedulePass(ctx)
		case <-epoch.C:
			s.registry.ResetEpoch()
		}
	}
}

// Recover reloads the task graph after a restart. Tasks that were assigned
// or running return to pending: their agents are recovered offline and will
// re-register before work resumes. Enqueue requires dependencies to exist
// first, so the load loops until a full pass makes no progress.
func (s *OrchestratorService) Recover(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}

	for i := range tasks {
		t := &tasks[i]
		if t.Status == task.StatusAssigned || t.Status == task.StatusInProgress {
			t.AgentID = ""
			t.Status = task.StatusPending
		}
	}

	pending := tasks
	for len(pending) > 0 {
		var deferred []task.Task
		for _, t := range pending {
			err := s.tasks.Enqueue(t)
			switch {
			case err == nil, errors.Is(err, domain.ErrConflict):
			case errors.Is(err, domain.ErrValidation):
				deferred = append(deferred, t)
			default:
				slog.Error("recover enqueue failed", "task_id", t.ID, "error", err)
			}
		}
		if len(deferred) == len(pending) {
			for _, t := range deferred {
				slog.Error("recover dropped task with unresolvable dependencies", "task_id", t.ID)
			}
			break
		}
		pending = deferred
	}

	slog.Info("task queue recovered", "tasks", len(tasks))
	return nil
}

func (s *OrchestratorService) publishEvent(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event", "subject", subject, "error", err)
		return
	}
	if err := s.mq.Publish(ctx, subject, data); err != nil {
		slog.Error("publish event failed", "subject", subject, "error", err)
	}
}

// persistTask writes behind to the store; failures mark the task dirty for
// the reconciliation sweep.
func (s *OrchestratorService) persistTask(ctx context.Context, t task.Task) {
	if err := s.store.UpsertTask(ctx, t); err != nil {
		slog.Error("task persist failed, marked dirty", "task_id", t.ID, "error", err)
		s.dirty.MarkTask(t.ID)
	}
}
