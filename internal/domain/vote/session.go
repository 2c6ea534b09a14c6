// Package vote defines voting sessions, ballots, the delegation graph, and
// the tally algorithms that compute session results.
package vote

import (
	"errors"
	"fmt"
	"time"

	"github.com/convoke-io/convoke/internal/domain"
)

// Sentinel errors surfaced as typed reason codes to callers.
var (
	ErrSessionClosed     = errors.New("session is closed")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrNotEligible       = errors.New("voter is not eligible for this session")
	ErrAlreadyVoted      = errors.New("voter has already cast a vote")
	ErrBallotShape       = errors.New("ballot shape does not match session algorithm")
	ErrUnknownOption     = errors.New("ballot references an unknown option")
	ErrDelegationCycle   = errors.New("delegation would create a cycle")
	ErrSelfDelegation    = errors.New("voter cannot delegate to themselves")
)

// Algorithm identifies the tally strategy of a session.
type Algorithm string

const (
	AlgorithmSimpleMajority Algorithm = "simple_majority"
	AlgorithmSupermajority  Algorithm = "supermajority"
	AlgorithmQuorum         Algorithm = "quorum"
	AlgorithmRankedChoice   Algorithm = "ranked_choice"
	AlgorithmCondorcet      Algorithm = "condorcet"
	AlgorithmWeighted       Algorithm = "weighted"
)

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmSimpleMajority, AlgorithmSupermajority, AlgorithmQuorum,
		AlgorithmRankedChoice, AlgorithmCondorcet, AlgorithmWeighted:
		return true
	}
	return false
}

// Ranked reports whether the algorithm consumes full rankings rather than a
// single choice.
func (a Algorithm) Ranked() bool {
	return a == AlgorithmRankedChoice || a == AlgorithmCondorcet
}

// TieBreak controls what happens on an exact tie.
type TieBreak string

const (
	TieBreakNone   TieBreak = "none"
	TieBreakRandom TieBreak = "random"
)

// Anonymity controls how much voter identity is stripped from read paths.
// Tallying always uses true identity internally; anonymization is an output
// transform, not a storage policy.
type Anonymity string

const (
	AnonymityNone   Anonymity = "none"
	AnonymityOutput Anonymity = "output"
	AnonymityStrict Anonymity = "strict"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusClosed    Status = "closed"
)

// Config holds the per-session tally configuration.
type Config struct {
	Algorithm              Algorithm `json:"algorithm"`
	SupermajorityThreshold float64   `json:"supermajority_threshold,omitempty"`
	QuorumMin              float64   `json:"quorum_min,omitempty"`
	QuorumByWeight         bool      `json:"quorum_by_weight,omitempty"`
	TieBreak               TieBreak  `json:"tie_break,omitempty"`
	AllowVoteChange        bool      `json:"allow_vote_change,omitempty"`
	Anonymity              Anonymity `json:"anonymity,omitempty"`
}

// Validate rejects malformed session configuration before any state exists.
func (c *Config) Validate() error {
	if !c.Algorithm.Valid() {
		return fmt.Errorf("%w: unknown algorithm %q", domain.ErrValidation, c.Algorithm)
	}
	if c.Algorithm == AlgorithmSupermajority {
		if c.SupermajorityThreshold <= 0.5 || c.SupermajorityThreshold > 1 {
			return fmt.Errorf("%w: supermajority threshold must be in (0.5, 1], got %v",
				domain.ErrValidation, c.SupermajorityThreshold)
		}
	}
	if c.Algorithm == AlgorithmQuorum && c.QuorumMin <= 0 {
		return fmt.Errorf("%w: quorum algorithm requires quorum_min > 0", domain.ErrValidation)
	}
	if c.QuorumMin < 0 {
		return fmt.Errorf("%w: quorum_min must be >= 0", domain.ErrValidation)
	}
	switch c.TieBreak {
	case "", TieBreakNone, TieBreakRandom:
	default:
		return fmt.Errorf("%w: unknown tie_break %q", domain.ErrValidation, c.TieBreak)
	}
	switch c.Anonymity {
	case "", AnonymityNone, AnonymityOutput, AnonymityStrict:
	default:
		return fmt.Errorf("%w: unknown anonymity %q", domain.ErrValidation, c.Anonymity)
	}
	return nil
}

// AuditAction identifies an audited session event.
type AuditAction string

const (
	AuditOpened      AuditAction = "opened"
	AuditVoteCast    AuditAction = "vote_cast"
	AuditVoteChanged AuditAction = "vote_changed"
	AuditDelegated   AuditAction = "delegated"
	AuditClosed      AuditAction = "closed"
)

// AuditEntry records one session action with the content hash at that moment.
type AuditEntry struct {
	At      time.Time   `json:"at"`
	Action  AuditAction `json:"action"`
	VoterID string      `json:"voter_id,omitempty"`
	Hash    string      `json:"hash,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

// Session is a voting session over a fixed proposal and option list.
// The Options slice order is significant: it is the stable insertion order
// used as the final tie-break in ranked-choice elimination.
type Session struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Options     []string           `json:"options"`
	Config      Config             `json:"config"`
	Status      Status             `json:"status"`
	StartsAt    time.Time          `json:"starts_at,omitempty"`
	Deadline    time.Time          `json:"deadline,omitempty"`
	Voters      map[string]float64 `json:"voters"`
	Ballots     map[string]*Ballot `json:"ballots"`
	Delegations map[string]string  `json:"delegations"`
	Audit       []AuditEntry       `json:"audit"`
	Result      *Result            `json:"result,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	ClosedAt    time.Time          `json:"closed_at,omitempty"`
	Version     int                `json:"version"`
}

// HasOption reports whether opt is one of the session's options.
func (s *Session) HasOption(opt string) bool {
	for _, o := range s.Options {
		if o == opt {
			return true
		}
	}
	return false
}

// Eligible reports whether voterID is in the eligible set.
func (s *Session) Eligible(voterID string) bool {
	_, ok := s.Voters[voterID]
	return ok
}

// OpenRequest holds the fields needed to open a session.
type OpenRequest struct {
	ID          string             `json:"id,omitempty"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Options     []string           `json:"options"`
	Config      Config             `json:"config"`
	Voters      map[string]float64 `json:"voters"`
	StartsAt    time.Time          `json:"starts_at,omitempty"`
	Deadline    time.Time          `json:"deadline,omitempty"`
}

// Validate rejects malformed open requests at the boundary.
func (r *OpenRequest) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	if len(r.Options) < 2 {
		return fmt.Errorf("%w: at least two options are required", domain.ErrValidation)
	}
	seen := make(map[string]bool, len(r.Options))
	for _, o := range r.Options {
		if o == "" {
			return fmt.Errorf("%w: empty option", domain.ErrValidation)
		}
		if seen[o] {
			return fmt.Errorf("%w: duplicate option %q", domain.ErrValidation, o)
		}
		seen[o] = true
	}
	if len(r.Voters) == 0 {
		return fmt.Errorf("%w: eligible voter set is empty", domain.ErrValidation)
	}
	for v, w := range r.Voters {
		if v == "" {
			return fmt.Errorf("%w: empty voter id", domain.ErrValidation)
		}
		if w < 0 {
			return fmt.Errorf("%w: negative weight for voter %s", domain.ErrValidation, v)
		}
	}
	return r.Config.Validate()
}
