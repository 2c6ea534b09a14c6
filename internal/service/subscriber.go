package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/convoke-io/convoke/internal/domain/agent"
	"github.com/convoke-io/convoke/internal/domain/task"
	"github.com/convoke-io/convoke/internal/domain/vote"
	"github.com/convoke-io/convoke/internal/port/cache"
	"github.com/convoke-io/convoke/internal/port/messagequeue"
)

// dedupTTL bounds how long processed message ids are remembered. Redeliveries
// arrive within seconds; anything older is a replay we accept reprocessing
// idempotently.
const dedupTTL = 10 * time.Minute

// Subscriber binds the inbound command subjects to service operations. Every
// handler is idempotent: delivery is at-least-once and the dedup cache only
// narrows the redelivery window, it does not close it.
type Subscriber struct {
	mq        messagequeue.Queue
	orch      *OrchestratorService
	registry  *RegistryService
	consensus *ConsensusService
	dedup     cache.Cache

	sem     *semaphore.Weighted
	cancels []func()
}

// NewSubscriber creates a Subscriber with a worker pool of the given size
// bounding concurrent message processing across all subjects.
func NewSubscriber(
	mq messagequeue.Queue,
	orch *OrchestratorService,
	registry *RegistryService,
	consensus *ConsensusService,
	dedup cache.Cache,
	workers int,
) *Subscriber {
	if workers < 1 {
		workers = 1
	}
	return &Subscriber{
		mq:        mq,
		orch:      orch,
		registry:  registry,
		consensus: consensus,
		dedup:     dedup,
		sem:       semaphore.NewWeighted(int64(workers)),
	}
}

// Start subscribes to all inbound subjects. Returns an error if any
// subscription fails; already-established subscriptions are torn down.
func (s *Subscriber) Start(ctx context.Context) error {
	bindings := []struct {
		subject string
		handler messagequeue.Handler
	}{
		{messagequeue.SubjectTaskSubmit, s.handleTaskSubmit},
		{messagequeue.SubjectTaskResult, s.handleTaskResult},
		{messagequeue.SubjectTaskCancel, s.handleTaskCancel},
		{messagequeue.SubjectAgentRegister, s.handleAgentRegister},
		{messagequeue.SubjectAgentHeartbeat, s.handleAgentHeartbeat},
		{messagequeue.SubjectVoteSubmit, s.handleVoteSubmit},
		{messagequeue.SubjectVoteDelegate, s.handleVoteDelegate},
		{messagequeue.SubjectSessionOpen, s.handleSessionOpen},
		{messagequeue.SubjectSessionClose, s.handleSessionClose},
	}

	for _, b := range bindings {
		cancel, err := s.mq.Subscribe(ctx, b.subject, s.wrap(b.subject, b.handler))
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", b.subject, err)
		}
		s.cancels = append(s.cancels, cancel)
	}
	slog.Info("subscriber started", "subjects", len(bindings))
	return nil
}

// Stop cancels all subscriptions.
func (s *Subscriber) Stop() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

// wrap applies the shared pipeline around a handler: worker-pool admission,
// schema validation, and message-id dedup. Malformed payloads and permanent
// domain rejections are discarded so poison messages cannot loop; only
// context cancellation propagates as a redeliverable error.
func (s *Subscriber) wrap(subject string, handler messagequeue.Handler) messagequeue.Handler {
	return func(ctx context.Context, subj string, data []byte) error {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer s.sem.Release(1)

		if err := messagequeue.Validate(subject, data); err != nil {
			slog.Warn("malformed message discarded", "subject", subject, "error", err)
			return messagequeue.ErrDiscard
		}

		msgID := extractMessageID(data)
		if msgID != "" {
			if _, hit, err := s.dedup.Get(ctx, "msg:"+msgID); err == nil && hit {
				slog.Debug("duplicate message dropped", "subject", subject, "message_id", msgID)
				return nil
			}
		}

		if err := handler(ctx, subj, data); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			slog.Warn("message rejected", "subject", subject, "error", err)
			return messagequeue.ErrDiscard
		}

		if msgID != "" {
			if err := s.dedup.Set(ctx, "msg:"+msgID, []byte{1}, dedupTTL); err != nil {
				slog.Warn("dedup mark failed", "message_id", msgID, "error", err)
			}
		}
		return nil
	}
}

func (s *Subscriber) handleTaskSubmit(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskSubmitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	_, err := s.orch.SubmitTask(ctx, task.SubmitRequest{
		ID:         p.TaskID,
		Type:       p.Type,
		Priority:   p.Priority,
		Requires:   p.Requires,
		DependsOn:  p.DependsOn,
		Payload:    p.Payload,
		MaxRetries: p.MaxRetries,
		Deadline:   p.Deadline,
	})
	return err
}

func (s *Subscriber) handleTaskResult(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskResultPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	return s.orch.HandleResult(ctx, p)
}

func (s *Subscriber) handleTaskCancel(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskCancelPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	_, err := s.orch.CancelTask(ctx, p.TaskID, p.Reason)
	return err
}

func (s *Subscriber) handleAgentRegister(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.AgentRegisterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if _, err := s.registry.Register(ctx, agent.RegisterRequest{AgentID: p.AgentID, Capabilities: p.Capabilities}); err != nil {
		return err
	}
	// A returning agent may unblock pending work.
	s.orch.SchedulePass(ctx)
	return nil
}

func (s *Subscriber) handleAgentHeartbeat(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.AgentHeartbeatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	return s.registry.Heartbeat(ctx, p.AgentID)
}

func (s *Subscriber) handleVoteSubmit(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.VoteSubmitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	_, err := s.consensus.CastVote(ctx, p)
	return err
}

func (s *Subscriber) handleVoteDelegate(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.VoteDelegatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	return s.consensus.Delegate(ctx, p)
}

func (s *Subscriber) handleSessionOpen(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.SessionOpenPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	req := vote.OpenRequest{
		ID:          p.SessionID,
		Title:       p.Title,
		Description: p.Description,
		Options:     p.Options,
		Voters:      p.Voters,
		StartsAt:    p.StartsAt,
		Deadline:    p.Deadline,
	}
	if len(p.Config) > 0 {
		if err := json.Unmarshal(p.Config, &req.Config); err != nil {
			return err
		}
	}
	if req.Config.Algorithm == "" {
		req.Config.Algorithm = vote.Algorithm(p.Algorithm)
	}
	_, err := s.consensus.OpenSession(ctx, req)
	return err
}

func (s *Subscriber) handleSessionClose(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.SessionClosePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	_, err := s.consensus.CloseSession(ctx, p.SessionID)
	return err
}

// extractMessageID pulls the optional message_id field shared by all inbound
// schemas without committing to a specific payload type.
func extractMessageID(data []byte) string {
	var envelope struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	return envelope.MessageID
}
