package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/convoke-io/convoke/internal/adapter/otel"
	"github.com/convoke-io/convoke/internal/adapter/ws"
	"github.com/convoke-io/convoke/internal/config"
	"github.com/convoke-io/convoke/internal/domain"
	"github.com/convoke-io/convoke/internal/domain/vote"
	"github.com/convoke-io/convoke/internal/port/broadcast"
	"github.com/convoke-io/convoke/internal/port/database"
	"github.com/convoke-io/convoke/internal/port/messagequeue"
)

// sessionEntry pairs a session with its own lock. All vote operations on one
// session serialize on this lock, so a burst of concurrent casts from the same
// voter cannot all pass the already-voted check.
type sessionEntry struct {
	mu sync.Mutex
	s  *vote.Session
}

// ConsensusService owns voting session state. Sessions live in memory and are
// written behind to the store; the append-only audit trail is additionally
// persisted row by row.
type ConsensusService struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry

	store   database.Store
	mq      messagequeue.Queue
	hub     broadcast.Broadcaster
	dirty   *DirtySet
	metrics *otel.Metrics
	cfg     config.Consensus

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

// NewConsensusService creates a ConsensusService. metrics may be nil.
func NewConsensusService(
	store database.Store,
	mq messagequeue.Queue,
	hub broadcast.Broadcaster,
	dirty *DirtySet,
	metrics *otel.Metrics,
	cfg config.Consensus,
) *ConsensusService {
	return &ConsensusService{
		sessions: make(map[string]*sessionEntry),
		store:    store,
		mq:       mq,
		hub:      hub,
		dirty:    dirty,
		metrics:  metrics,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// OpenSession validates and registers a new session. A session with a future
// start time opens scheduled; otherwise it is immediately active. A missing
// deadline gets the configured default.
func (c *ConsensusService) OpenSession(ctx context.Context, req vote.OpenRequest) (vote.Session, error) {
	if err := req.Validate(); err != nil {
		return vote.Session{}, err
	}

	now := c.now()
	s := &vote.Session{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Options:     append([]string(nil), req.Options...),
		Config:      req.Config,
		Status:      vote.StatusActive,
		StartsAt:    req.StartsAt,
		Deadline:    req.Deadline,
		Voters:      make(map[string]float64, len(req.Voters)),
		Ballots:     make(map[string]*vote.Ballot),
		Delegations: make(map[string]string),
		CreatedAt:   now,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	for v, w := range req.Voters {
		s.Voters[v] = w
	}
	if !s.StartsAt.IsZero() && s.StartsAt.After(now) {
		s.Status = vote.StatusScheduled
	}
	if s.Deadline.IsZero() {
		s.Deadline = now.Add(c.cfg.DefaultDeadline)
	}
	entry := vote.AuditEntry{At: now, Action: vote.AuditOpened, Detail: string(s.Config.Algorithm)}
	s.Audit = append(s.Audit, entry)

	c.mu.Lock()
	if _, exists := c.sessions[s.ID]; exists {
		c.mu.Unlock()
		return vote.Session{}, fmt.Errorf("session %s: %w", s.ID, domain.ErrConflict)
	}
	c.sessions[s.ID] = &sessionEntry{s: s}
	c.mu.Unlock()

	cp := cloneSession(s)
	c.persistSession(ctx, cp)
	c.appendAudit(ctx, s.ID, entry)
	slog.Info("session opened", "session_id", s.ID, "algorithm", s.Config.Algorithm, "status", s.Status, "voters", len(s.Voters))
	return cp, nil
}

// CastVote records a voter's ballot. Recasting a ballot with an identical
// content hash is an idempotent no-op; a differing recast requires the session
// to allow vote changes. Returns whether an existing ballot was replaced.
func (c *ConsensusService) CastVote(ctx context.Context, req messagequeue.VoteSubmitPayload) (bool, error) {
	e, err := c.entry(req.SessionID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	c.syncLifecycle(ctx, e)
	s := e.s
	if s.Status == vote.StatusClosed {
		e.mu.Unlock()
		return false, fmt.Errorf("session %s: %w", s.ID, vote.ErrSessionClosed)
	}
	if s.Status != vote.StatusActive {
		e.mu.Unlock()
		return false, fmt.Errorf("session %s: %w", s.ID, vote.ErrSessionNotActive)
	}
	if !s.Eligible(req.VoterID) {
		e.mu.Unlock()
		return false, fmt.Errorf("voter %s: %w", req.VoterID, vote.ErrNotEligible)
	}

	b := &vote.Ballot{
		VoterID: req.VoterID,
		Choice:  req.Choice,
		Ranking: append([]string(nil), req.Ranking...),
		Weight:  s.Voters[req.VoterID],
	}
	if err := s.CheckShape(b); err != nil {
		e.mu.Unlock()
		return false, err
	}
	b.Hash = b.ComputeHash()

	prev, voted := s.Ballots[req.VoterID]
	if voted && prev.Hash == b.Hash {
		// Redelivered identical cast.
		e.mu.Unlock()
		return false, nil
	}
	if voted && !s.Config.AllowVoteChange {
		e.mu.Unlock()
		return false, fmt.Errorf("voter %s: %w", req.VoterID, vote.ErrAlreadyVoted)
	}

	b.CastAt = c.now()
	s.Ballots[req.VoterID] = b
	action := vote.AuditVoteCast
	if voted {
		action = vote.AuditVoteChanged
	}
	entry := vote.AuditEntry{At: b.CastAt, Action: action, VoterID: req.VoterID, Hash: b.Hash}
	s.Audit = append(s.Audit, entry)
	s.Version++
	cp := cloneSession(s)
	eventVoter := c.eventVoterID(s, req.VoterID)
	e.mu.Unlock()

	c.persistSession(ctx, cp)
	c.appendAudit(ctx, cp.ID, entry)
	c.publishEvent(ctx, messagequeue.SubjectVoteCast, messagequeue.VoteCastPayload{SessionID: cp.ID, VoterID: eventVoter})
	c.hub.BroadcastEvent(ctx, ws.EventVoteCast, ws.VoteCastEvent{SessionID: cp.ID, VoterID: eventVoter, Changed: voted})
	if c.metrics != nil {
		c.metrics.VotesCast.Add(ctx, 1)
	}
	return voted, nil
}

// Delegate adds a from→to delegation edge. Both ends must be eligible voters
// and the edge must not close a cycle. The delegator's weight flows to the
// delegate transitively at tally time unless the delegator casts independently.
func (c *ConsensusService) Delegate(ctx context.Context, req messagequeue.VoteDelegatePayload) error {
	e, err := c.entry(req.SessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	c.syncLifecycle(ctx, e)
	s := e.s
	if s.Status == vote.StatusClosed {
		e.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.ID, vote.ErrSessionClosed)
	}
	if s.Status != vote.StatusActive {
		e.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.ID, vote.ErrSessionNotActive)
	}
	if !s.Eligible(req.FromVoter) {
		e.mu.Unlock()
		return fmt.Errorf("voter %s: %w", req.FromVoter, vote.ErrNotEligible)
	}
	if !s.Eligible(req.ToVoter) {
		e.mu.Unlock()
		return fmt.Errorf("voter %s: %w", req.ToVoter, vote.ErrNotEligible)
	}
	if err := vote.AddDelegation(s.Delegations, req.FromVoter, req.ToVoter); err != nil {
		e.mu.Unlock()
		return err
	}

	entry := vote.AuditEntry{
		At:      c.now(),
		Action:  vote.AuditDelegated,
		VoterID: req.FromVoter,
		Detail:  req.FromVoter + " -> " + req.ToVoter,
	}
	s.Audit = append(s.Audit, entry)
	s.Version++
	cp := cloneSession(s)
	e.mu.Unlock()

	c.persistSession(ctx, cp)
	c.appendAudit(ctx, cp.ID, entry)
	return nil
}

// CloseSession tallies the final ballot set and closes the session. Closing an
// already-closed session returns the stored result unchanged.
func (c *ConsensusService) CloseSession(ctx context.Context, sessionID string) (vote.Result, error) {
	e, err := c.entry(sessionID)
	if err != nil {
		return vote.Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status == vote.StatusClosed {
		return *e.s.Result, nil
	}
	return c.closeLocked(ctx, e), nil
}

// closeLocked computes the result and transitions the session to closed. The
// entry lock must be held.
func (c *ConsensusService) closeLocked(ctx context.Context, e *sessionEntry) vote.Result {
	s := e.s
	ctx, span := otel.StartTallySpan(ctx, s.ID, string(s.Config.Algorithm))
	defer span.End()

	c.rngMu.Lock()
	res := vote.Compute(s, c.rng)
	c.rngMu.Unlock()

	now := c.now()
	s.Status = vote.StatusClosed
	s.ClosedAt = now
	s.Result = res
	entry := vote.AuditEntry{At: now, Action: vote.AuditClosed, Detail: "winner=" + res.Winner}
	s.Audit = append(s.Audit, entry)
	s.Version++
	cp := cloneSession(s)

	c.persistSession(ctx, cp)
	c.appendAudit(ctx, cp.ID, entry)
	if data, err := json.Marshal(res); err == nil {
		c.publishEvent(ctx, messagequeue.SubjectSessionClosed, messagequeue.SessionClosedPayload{SessionID: cp.ID, Result: data})
	}
	c.hub.BroadcastEvent(ctx, ws.EventSessionClosed, ws.SessionClosedEvent{
		SessionID: cp.ID,
		Winner:    res.Winner,
		Valid:     res.Valid,
		Tie:       res.Tie,
	})
	if c.metrics != nil {
		c.metrics.SessionsClosed.Add(ctx, 1)
	}
	slog.Info("session closed", "session_id", cp.ID, "winner", res.Winner, "valid", res.Valid, "ballots", res.TotalBallots)
	return *res
}

// Get returns a copy of the session, applying any lifecycle transition that
// became due since the last access.
func (c *ConsensusService) Get(ctx context.Context, sessionID string) (vote.Session, error) {
	e, err := c.entry(sessionID)
	if err != nil {
		return vote.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c.syncLifecycle(ctx, e)
	return cloneSession(e.s), nil
}

// Snapshot returns a copy of the session without touching its lifecycle. Used
// by the reconciliation sweep, which must observe rather than mutate.
func (c *ConsensusService) Snapshot(sessionID string) (vote.Session, error) {
	e, err := c.entry(sessionID)
	if err != nil {
		return vote.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSession(e.s), nil
}

// List returns copies of all sessions sorted by creation time, oldest first.
func (c *ConsensusService) List() []vote.Session {
	c.mu.Lock()
	entries := make([]*sessionEntry, 0, len(c.sessions))
	for _, e := range c.sessions {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	out := make([]vote.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, cloneSession(e.s))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetVotes returns the session's ballots, transformed per the configured
// anonymity: none returns true identities ordered by voter, output replaces
// identities with per-session pseudonyms, strict additionally randomizes the
// order on every read so nothing about submission order leaks.
func (c *ConsensusService) GetVotes(sessionID string) ([]vote.Ballot, error) {
	e, err := c.entry(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	s := e.s
	out := make([]vote.Ballot, 0, len(s.Ballots))
	for _, b := range s.Ballots {
		cp := *b
		cp.Ranking = append([]string(nil), b.Ranking...)
		if s.Config.Anonymity == vote.AnonymityOutput || s.Config.Anonymity == vote.AnonymityStrict {
			cp.VoterID = pseudonym(s.ID, b.VoterID)
		}
		out = append(out, cp)
	}
	anonymity := s.Config.Anonymity
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	if anonymity == vote.AnonymityStrict {
		c.rngMu.Lock()
		c.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		c.rngMu.Unlock()
	}
	return out, nil
}

// VerifyIntegrity recomputes every stored ballot's content hash and returns
// the voter ids whose recorded hash no longer matches. Detection is advisory;
// tampered ballots are reported, never repaired.
func (c *ConsensusService) VerifyIntegrity(sessionID string) ([]string, error) {
	e, err := c.entry(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	var tampered []string
	for voterID, b := range e.s.Ballots {
		if b.ComputeHash() != b.Hash {
			tampered = append(tampered, voterID)
		}
	}
	e.mu.Unlock()

	sort.Strings(tampered)
	return tampered, nil
}

// SweepDeadlines activates scheduled sessions whose start time arrived and
// closes active sessions past their deadline.
func (c *ConsensusService) SweepDeadlines(ctx context.Context) {
	c.mu.Lock()
	entries := make([]*sessionEntry, 0, len(c.sessions))
	for _, e := range c.sessions {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		c.syncLifecycle(ctx, e)
		e.mu.Unlock()
	}
}

// Run drives the periodic deadline sweep until ctx is cancelled.
func (c *ConsensusService) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepDeadlines(ctx)
		}
	}
}

// Recover rebuilds open sessions from the store after a restart. Closed
// sessions stay in cold storage; their results are immutable history.
func (c *ConsensusService) Recover(ctx context.Context) error {
	sessions, err := c.store.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	c.mu.Lock()
	for _, s := range sessions {
		cp := s
		c.sessions[cp.ID] = &sessionEntry{s: &cp}
	}
	c.mu.Unlock()

	slog.Info("sessions recovered", "sessions", len(sessions))
	return nil
}

// syncLifecycle applies any transition that became due: scheduled sessions
// whose start time passed go active, active sessions past their deadline are
// closed and tallied. The entry lock must be held.
func (c *ConsensusService) syncLifecycle(ctx context.Context, e *sessionEntry) {
	s := e.s
	now := c.now()
	if s.Status == vote.StatusScheduled && !s.StartsAt.After(now) {
		s.Status = vote.StatusActive
		s.Version++
		c.persistSession(ctx, cloneSession(s))
		slog.Info("session activated", "session_id", s.ID)
	}
	if s.Status == vote.StatusActive && !s.Deadline.IsZero() && now.After(s.Deadline) {
		slog.Info("session deadline expired", "session_id", s.ID)
		c.closeLocked(ctx, e)
	}
}

// entry looks up a session entry by id.
func (c *ConsensusService) entry(sessionID string) (*sessionEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return e, nil
}

// eventVoterID maps a voter identity to what events may carry: the real id,
// a pseudonym, or nothing under strict anonymity.
func (c *ConsensusService) eventVoterID(s *vote.Session, voterID string) string {
	switch s.Config.Anonymity {
	case vote.AnonymityOutput:
		return pseudonym(s.ID, voterID)
	case vote.AnonymityStrict:
		return ""
	default:
		return voterID
	}
}

// pseudonym derives a stable per-session voter alias with keyed blake2b, so
// the same voter is linkable within one session but not across sessions.
func pseudonym(sessionID, voterID string) string {
	key := []byte(sessionID)
	if len(key) > 64 {
		key = key[:64]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		sum := blake2b.Sum256([]byte(sessionID + "\x00" + voterID))
		return "voter-" + hex.EncodeToString(sum[:8])
	}
	h.Write([]byte(voterID))
	return "voter-" + hex.EncodeToString(h.Sum(nil)[:8])
}

// cloneSession deep-copies the session's maps and slices so callers can read
// the copy without holding the entry lock.
func cloneSession(s *vote.Session) vote.Session {
	cp := *s
	cp.Options = append([]string(nil), s.Options...)
	cp.Voters = make(map[string]float64, len(s.Voters))
	for k, v := range s.Voters {
		cp.Voters[k] = v
	}
	cp.Ballots = make(map[string]*vote.Ballot, len(s.Ballots))
	for k, b := range s.Ballots {
		bc := *b
		bc.Ranking = append([]string(nil), b.Ranking...)
		cp.Ballots[k] = &bc
	}
	cp.Delegations = make(map[string]string, len(s.Delegations))
	for k, v := range s.Delegations {
		cp.Delegations[k] = v
	}
	cp.Audit = append([]vote.AuditEntry(nil), s.Audit...)
	if s.Result != nil {
		rc := *s.Result
		cp.Result = &rc
	}
	return cp
}

// publishEvent marshals and publishes an event, logging rather than failing
// on error; events are best-effort relative to in-memory state.
func (c *ConsensusService) publishEvent(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("event marshal failed", "subject", subject, "error", err)
		return
	}
	if err := c.mq.Publish(ctx, subject, data); err != nil {
		slog.Error("event publish failed", "subject", subject, "error", err)
	}
}

// persistSession writes behind to the store; failures mark the session dirty
// for the reconciliation sweep.
func (c *ConsensusService) persistSession(ctx context.Context, s vote.Session) {
	if err := c.store.UpsertSession(ctx, s); err != nil {
		slog.Error("session persist failed, marked dirty", "session_id", s.ID, "error", err)
		c.dirty.MarkSession(s.ID)
	}
}

// appendAudit persists one audit row. The entry is already on the in-memory
// session, so a failed append is recovered by the next full session upsert.
func (c *ConsensusService) appendAudit(ctx context.Context, sessionID string, entry vote.AuditEntry) {
	if err := c.store.AppendAudit(ctx, sessionID, entry); err != nil {
		slog.Error("audit append failed", "session_id", sessionID, "action", entry.Action, "error", err)
		c.dirty.MarkSession(sessionID)
	}
}
