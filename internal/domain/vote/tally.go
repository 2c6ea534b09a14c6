package vote

import (
	"math/rand"
	"sort"
)

// Result is the outcome of closing a session. Which fields are populated
// depends on the algorithm: Rounds/EliminationOrder for ranked-choice,
// Pairwise for Condorcet. An empty Winner with Tie set means the configured
// tie-break declined to pick one; an empty Winner on a Condorcet result means
// no Condorcet winner exists and callers may apply their own fallback over
// the exposed matrix.
type Result struct {
	Algorithm        Algorithm                 `json:"algorithm"`
	Winner           string                    `json:"winner,omitempty"`
	Tie              bool                      `json:"tie"`
	Valid            bool                      `json:"valid"`
	ConsensusReached bool                      `json:"consensus_reached"`
	Tally            map[string]float64        `json:"tally,omitempty"`
	Rounds           []Round                   `json:"rounds,omitempty"`
	EliminationOrder []string                  `json:"elimination_order,omitempty"`
	Pairwise         map[string]map[string]int `json:"pairwise,omitempty"`
	TotalBallots     int                       `json:"total_ballots"`
	TotalWeight      float64                   `json:"total_weight"`
}

// Round records one instant-runoff round for auditability.
type Round struct {
	Number     int            `json:"number"`
	Counts     map[string]int `json:"counts"`
	Eliminated string         `json:"eliminated,omitempty"`
}

// Compute tallies the session's final ballot set. It is deterministic given
// the ballots except for the explicit random tie-break, which draws from rng.
// The algorithm dispatch is a single switch so adding a strategy stays
// localized and exhaustiveness is checkable.
func Compute(s *Session, rng *rand.Rand) *Result {
	weights := EffectiveWeights(s)

	res := &Result{
		Algorithm:    s.Config.Algorithm,
		Valid:        true,
		TotalBallots: len(s.Ballots),
	}
	for _, w := range weights {
		res.TotalWeight += w
	}

	switch s.Config.Algorithm {
	case AlgorithmSimpleMajority, AlgorithmQuorum:
		res.Tally = countChoices(s, nil)
		res.Winner, res.Tie = pickWinner(res.Tally, s.Options, s.Config.TieBreak, rng)
		res.ConsensusReached = res.Winner != ""

	case AlgorithmWeighted:
		res.Tally = countChoices(s, weights)
		res.Winner, res.Tie = pickWinner(res.Tally, s.Options, s.Config.TieBreak, rng)
		res.ConsensusReached = res.Winner != ""

	case AlgorithmSupermajority:
		res.Tally = countChoices(s, nil)
		top, tie := pickWinner(res.Tally, s.Options, TieBreakNone, rng)
		if top != "" && !tie && res.TotalBallots > 0 &&
			res.Tally[top]/float64(res.TotalBallots) >= s.Config.SupermajorityThreshold {
			res.Winner = top
			res.ConsensusReached = true
		}

	case AlgorithmRankedChoice:
		tallyRankedChoice(s, res)
		res.ConsensusReached = res.Winner != ""

	case AlgorithmCondorcet:
		res.Pairwise = pairwiseMatrix(s)
		res.Winner = condorcetWinner(s.Options, res.Pairwise)
		res.ConsensusReached = res.Winner != ""
	}

	// Quorum gating is independent of the tally beneath it: below the
	// configured minimum the result is invalid and no winner is reported,
	// even if one option took every cast vote.
	if s.Config.QuorumMin > 0 {
		participation := float64(res.TotalBallots)
		if s.Config.QuorumByWeight {
			participation = res.TotalWeight
		}
		if participation < s.Config.QuorumMin {
			res.Valid = false
			res.Winner = ""
			res.Tie = false
			res.ConsensusReached = false
		}
	}

	return res
}

// countChoices sums per-option totals. With a nil weight map every ballot
// counts one; otherwise each ballot counts its effective weight.
func countChoices(s *Session, weights map[string]float64) map[string]float64 {
	tally := make(map[string]float64, len(s.Options))
	for _, opt := range s.Options {
		tally[opt] = 0
	}
	for voterID, b := range s.Ballots {
		w := 1.0
		if weights != nil {
			w = weights[voterID]
		}
		tally[b.Choice] += w
	}
	return tally
}

// pickWinner returns the option with the highest total. On an exact tie it
// applies the configured tie-break: random picks uniformly among the tied
// options, none reports no winner with tie set.
func pickWinner(tally map[string]float64, options []string, tb TieBreak, rng *rand.Rand) (string, bool) {
	var tied []string
	best := 0.0
	for _, opt := range options {
		v := tally[opt]
		switch {
		case len(tied) == 0 || v > best:
			tied = []string{opt}
			best = v
		case v == best:
			tied = append(tied, opt)
		}
	}
	if len(tied) == 0 || best == 0 {
		return "", false
	}
	if len(tied) == 1 {
		return tied[0], false
	}
	if tb == TieBreakRandom && rng != nil {
		return tied[rng.Intn(len(tied))], false
	}
	return "", true
}

// tallyRankedChoice runs instant-runoff: repeatedly tally first active
// preferences, stop when one option holds a strict majority of ballots that
// still express a preference, otherwise eliminate the weakest option and
// redistribute. Elimination ties break by fewest second preferences, then by
// stable option insertion order. Every round is recorded on the result.
func tallyRankedChoice(s *Session, res *Result) {
	active := make(map[string]bool, len(s.Options))
	for _, opt := range s.Options {
		active[opt] = true
	}

	ballots := make([][]string, 0, len(s.Ballots))
	for _, b := range s.Ballots {
		ballots = append(ballots, b.Ranking)
	}
	// Map iteration order must not influence the outcome.
	sort.Slice(ballots, func(i, j int) bool {
		return lessRanking(ballots[i], ballots[j])
	})

	for round := 1; len(active) > 0; round++ {
		counts := make(map[string]int, len(active))
		for opt := range active {
			counts[opt] = 0
		}
		remaining := 0
		for _, ranking := range ballots {
			if first := firstActive(ranking, active); first != "" {
				counts[first]++
				remaining++
			}
		}

		r := Round{Number: round, Counts: counts}

		if remaining == 0 {
			res.Rounds = append(res.Rounds, r)
			return
		}
		for opt, c := range counts {
			if c*2 > remaining {
				res.Rounds = append(res.Rounds, r)
				res.Winner = opt
				res.Tally = make(map[string]float64, len(counts))
				for o, n := range counts {
					res.Tally[o] = float64(n)
				}
				return
			}
		}

		loser := eliminationCandidate(s.Options, active, counts, ballots)
		r.Eliminated = loser
		res.Rounds = append(res.Rounds, r)
		res.EliminationOrder = append(res.EliminationOrder, loser)
		delete(active, loser)
	}
}

// eliminationCandidate picks the option to eliminate: fewest first
// preferences, then fewest second preferences, then earliest insertion order.
func eliminationCandidate(options []string, active map[string]bool, counts map[string]int, ballots [][]string) string {
	minCount := -1
	var lowest []string
	for _, opt := range options {
		if !active[opt] {
			continue
		}
		switch c := counts[opt]; {
		case minCount < 0 || c < minCount:
			minCount = c
			lowest = []string{opt}
		case c == minCount:
			lowest = append(lowest, opt)
		}
	}
	if len(lowest) == 1 {
		return lowest[0]
	}

	second := make(map[string]int, len(lowest))
	for _, ranking := range ballots {
		if opt := nthActive(ranking, active, 2); opt != "" {
			second[opt]++
		}
	}
	minSecond := -1
	var final []string
	for _, opt := range lowest {
		switch c := second[opt]; {
		case minSecond < 0 || c < minSecond:
			minSecond = c
			final = []string{opt}
		case c == minSecond:
			final = append(final, opt)
		}
	}
	// lowest and final preserve the options slice order, so the first entry
	// is the stable insertion-order tie-break.
	return final[0]
}

func firstActive(ranking []string, active map[string]bool) string {
	return nthActive(ranking, active, 1)
}

func nthActive(ranking []string, active map[string]bool, n int) string {
	for _, opt := range ranking {
		if active[opt] {
			n--
			if n == 0 {
				return opt
			}
		}
	}
	return ""
}

func lessRanking(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// pairwiseMatrix counts, for each ordered option pair (a, b), the ballots
// that rank a ahead of b. An option missing from a ranking loses to every
// ranked option on that ballot; two unranked options express no preference.
func pairwiseMatrix(s *Session) map[string]map[string]int {
	matrix := make(map[string]map[string]int, len(s.Options))
	for _, a := range s.Options {
		matrix[a] = make(map[string]int, len(s.Options)-1)
		for _, b := range s.Options {
			if a != b {
				matrix[a][b] = 0
			}
		}
	}

	for _, ballot := range s.Ballots {
		pos := make(map[string]int, len(ballot.Ranking))
		for i, opt := range ballot.Ranking {
			pos[opt] = i
		}
		for _, a := range s.Options {
			pa, rankedA := pos[a]
			for _, b := range s.Options {
				if a == b {
					continue
				}
				pb, rankedB := pos[b]
				if rankedA && (!rankedB || pa < pb) {
					matrix[a][b]++
				}
			}
		}
	}
	return matrix
}

// condorcetWinner returns the option that beats every other option
// head-to-head, or "" when pairwise preferences contain a cycle. No fallback
// is applied here; callers get the matrix and decide for themselves.
func condorcetWinner(options []string, matrix map[string]map[string]int) string {
	for _, a := range options {
		beatsAll := true
		for _, b := range options {
			if a == b {
				continue
			}
			if matrix[a][b] <= matrix[b][a] {
				beatsAll = false
				break
			}
		}
		if beatsAll {
			return a
		}
	}
	return ""
}
