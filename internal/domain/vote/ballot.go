package vote

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Ballot is a single voter's payload: either one choice or a full ranking,
// depending on the session algorithm. Weight is the voter's own weight
// snapshotted at cast time; delegated weight is resolved at tally time.
type Ballot struct {
	VoterID string    `json:"voter_id"`
	Choice  string    `json:"choice,omitempty"`
	Ranking []string  `json:"ranking,omitempty"`
	Weight  float64   `json:"weight"`
	Hash    string    `json:"hash"`
	CastAt  time.Time `json:"cast_at"`
}

// ComputeHash returns the content hash of the ballot payload. The hash is
// recorded at cast time and recomputed by integrity verification; it also
// detects redelivered identical casts.
func (b *Ballot) ComputeHash() string {
	var sb strings.Builder
	sb.WriteString(b.VoterID)
	sb.WriteByte(0)
	sb.WriteString(b.Choice)
	sb.WriteByte(0)
	sb.WriteString(strings.Join(b.Ranking, "\x1f"))
	sum := blake2b.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// CheckShape verifies the ballot payload matches the session's algorithm and
// references only known options.
func (s *Session) CheckShape(b *Ballot) error {
	if s.Config.Algorithm.Ranked() {
		if len(b.Ranking) == 0 || b.Choice != "" {
			return fmt.Errorf("%w: %s expects a ranking", ErrBallotShape, s.Config.Algorithm)
		}
		seen := make(map[string]bool, len(b.Ranking))
		for _, opt := range b.Ranking {
			if !s.HasOption(opt) {
				return fmt.Errorf("%w: %q", ErrUnknownOption, opt)
			}
			if seen[opt] {
				return fmt.Errorf("%w: option %q ranked twice", ErrBallotShape, opt)
			}
			seen[opt] = true
		}
		return nil
	}

	if b.Choice == "" || len(b.Ranking) != 0 {
		return fmt.Errorf("%w: %s expects a single choice", ErrBallotShape, s.Config.Algorithm)
	}
	if !s.HasOption(b.Choice) {
		return fmt.Errorf("%w: %q", ErrUnknownOption, b.Choice)
	}
	return nil
}
