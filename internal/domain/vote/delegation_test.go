package vote_test

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/convoke-io/convoke/internal/domain/vote"
)

func TestAddDelegationRejectsSelf(t *testing.T) {
	d := map[string]string{}
	if err := vote.AddDelegation(d, "x", "x"); !errors.Is(err, vote.ErrSelfDelegation) {
		t.Fatalf("expected self-delegation error, got %v", err)
	}
}

func TestAddDelegationRejectsDirectCycle(t *testing.T) {
	d := map[string]string{}
	if err := vote.AddDelegation(d, "x", "y"); err != nil {
		t.Fatalf("first edge: %v", err)
	}
	if err := vote.AddDelegation(d, "y", "x"); !errors.Is(err, vote.ErrDelegationCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestAddDelegationRejectsTransitiveCycle(t *testing.T) {
	d := map[string]string{}
	for _, e := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}} {
		if err := vote.AddDelegation(d, e[0], e[1]); err != nil {
			t.Fatalf("edge %v: %v", e, err)
		}
	}
	if err := vote.AddDelegation(d, "d", "a"); !errors.Is(err, vote.ErrDelegationCycle) {
		t.Fatalf("expected cycle error on d->a, got %v", err)
	}
	// The rejected edge must not have mutated the graph.
	if _, ok := d["d"]; ok {
		t.Fatal("rejected edge was inserted")
	}
}

func TestEffectiveWeightsTransitiveChain(t *testing.T) {
	s := newSession(vote.AlgorithmWeighted, []string{"yes", "no"},
		map[string]float64{"a": 1, "b": 2, "c": 4})
	s.Delegations["a"] = "b"
	s.Delegations["b"] = "c"
	castChoice(s, "c", "yes")

	w := vote.EffectiveWeights(s)
	if w["c"] != 7 {
		t.Fatalf("expected c to carry 4+2+1=7, got %v", w["c"])
	}
}

func TestEffectiveWeightsVotedDelegatorBlocksFlow(t *testing.T) {
	s := newSession(vote.AlgorithmWeighted, []string{"yes", "no"},
		map[string]float64{"a": 1, "b": 2, "c": 4})
	s.Delegations["a"] = "b"
	s.Delegations["b"] = "c"
	castChoice(s, "b", "no")
	castChoice(s, "c", "yes")

	w := vote.EffectiveWeights(s)
	if w["b"] != 3 {
		t.Fatalf("b keeps own weight plus a's, got %v", w["b"])
	}
	if w["c"] != 4 {
		t.Fatalf("b voting blocks upstream flow to c, got %v", w["c"])
	}
}

// TestDelegationGraphStaysAcyclic inserts random edge sequences and checks
// that any edge sequence filtered through AddDelegation leaves a graph where
// no walk returns to its start.
func TestDelegationGraphStaysAcyclic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		voters := make([]string, 8)
		for i := range voters {
			voters[i] = fmt.Sprintf("v%d", i)
		}
		d := map[string]string{}

		n := rapid.IntRange(0, 32).Draw(rt, "edges")
		for i := 0; i < n; i++ {
			from := rapid.SampledFrom(voters).Draw(rt, "from")
			to := rapid.SampledFrom(voters).Draw(rt, "to")
			// Rejected edges are the point of the test; ignore them.
			_ = vote.AddDelegation(d, from, to)
		}

		for start := range d {
			seen := map[string]bool{}
			for cur := start; cur != ""; cur = d[cur] {
				if seen[cur] {
					rt.Fatalf("cycle reachable from %s in %v", start, d)
				}
				seen[cur] = true
			}
		}
	})
}
