package vote

import "fmt"

// AddDelegation inserts a from→to edge into the delegation map after checking
// that it keeps the graph a forest. The check walks the existing chain
// starting at to; since every voter has at most one outgoing edge, reaching
// from means the new edge would close a cycle. The walk is bounded by a
// visited set in case of a corrupted graph.
func AddDelegation(delegations map[string]string, from, to string) error {
	if from == to {
		return fmt.Errorf("%w: %s", ErrSelfDelegation, from)
	}

	visited := map[string]bool{from: true}
	cur := to
	for cur != "" {
		if visited[cur] {
			return fmt.Errorf("%w: %s -> %s", ErrDelegationCycle, from, to)
		}
		visited[cur] = true
		cur = delegations[cur]
	}

	delegations[from] = to
	return nil
}

// EffectiveWeights returns, for every voter who cast a ballot, their own
// weight plus the weight of every voter who directly or transitively
// delegated to them and did not cast independently. A delegator who voted
// anyway keeps their own weight and blocks further upstream flow-through.
func EffectiveWeights(s *Session) map[string]float64 {
	// Reverse adjacency: delegate -> delegators.
	inbound := make(map[string][]string, len(s.Delegations))
	for from, to := range s.Delegations {
		inbound[to] = append(inbound[to], from)
	}

	weights := make(map[string]float64, len(s.Ballots))
	for voterID := range s.Ballots {
		w := s.Voters[voterID]
		stack := append([]string(nil), inbound[voterID]...)
		for len(stack) > 0 {
			d := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, cast := s.Ballots[d]; cast {
				continue
			}
			w += s.Voters[d]
			stack = append(stack, inbound[d]...)
		}
		weights[voterID] = w
	}
	return weights
}
