package vote_test

import (
	"errors"
	"testing"

	"github.com/convoke-io/convoke/internal/domain/vote"
)

func TestComputeHashStableAndPayloadSensitive(t *testing.T) {
	b := vote.Ballot{VoterID: "v1", Choice: "yes"}
	if b.ComputeHash() != b.ComputeHash() {
		t.Fatal("hash must be deterministic")
	}

	other := vote.Ballot{VoterID: "v1", Choice: "no"}
	if b.ComputeHash() == other.ComputeHash() {
		t.Fatal("different payloads must hash differently")
	}

	ranked := vote.Ballot{VoterID: "v1", Ranking: []string{"a", "b"}}
	reordered := vote.Ballot{VoterID: "v1", Ranking: []string{"b", "a"}}
	if ranked.ComputeHash() == reordered.ComputeHash() {
		t.Fatal("ranking order must affect the hash")
	}
}

func TestCheckShape(t *testing.T) {
	single := newSession(vote.AlgorithmSimpleMajority, []string{"yes", "no"}, map[string]float64{"v": 1})
	ranked := newSession(vote.AlgorithmRankedChoice, []string{"a", "b"}, map[string]float64{"v": 1})

	cases := []struct {
		name    string
		s       *vote.Session
		b       vote.Ballot
		wantErr error
	}{
		{"single ok", single, vote.Ballot{Choice: "yes"}, nil},
		{"single unknown option", single, vote.Ballot{Choice: "maybe"}, vote.ErrUnknownOption},
		{"ranking on single", single, vote.Ballot{Ranking: []string{"yes"}}, vote.ErrBallotShape},
		{"ranked ok", ranked, vote.Ballot{Ranking: []string{"a", "b"}}, nil},
		{"choice on ranked", ranked, vote.Ballot{Choice: "a"}, vote.ErrBallotShape},
		{"ranked unknown option", ranked, vote.Ballot{Ranking: []string{"a", "c"}}, vote.ErrUnknownOption},
		{"duplicate rank", ranked, vote.Ballot{Ranking: []string{"a", "a"}}, vote.ErrBallotShape},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.CheckShape(&tc.b)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestOpenRequestValidate(t *testing.T) {
	valid := vote.OpenRequest{
		Title:   "release",
		Options: []string{"yes", "no"},
		Voters:  map[string]float64{"v1": 1},
		Config:  vote.Config{Algorithm: vote.AlgorithmSimpleMajority},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*vote.OpenRequest)
	}{
		{"missing title", func(r *vote.OpenRequest) { r.Title = "" }},
		{"one option", func(r *vote.OpenRequest) { r.Options = []string{"yes"} }},
		{"duplicate option", func(r *vote.OpenRequest) { r.Options = []string{"yes", "yes"} }},
		{"no voters", func(r *vote.OpenRequest) { r.Voters = nil }},
		{"negative weight", func(r *vote.OpenRequest) { r.Voters = map[string]float64{"v1": -1} }},
		{"unknown algorithm", func(r *vote.OpenRequest) { r.Config.Algorithm = "plurality" }},
		{"bad supermajority threshold", func(r *vote.OpenRequest) {
			r.Config.Algorithm = vote.AlgorithmSupermajority
			r.Config.SupermajorityThreshold = 0.4
		}},
		{"quorum without minimum", func(r *vote.OpenRequest) { r.Config.Algorithm = vote.AlgorithmQuorum }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			r.Options = append([]string(nil), valid.Options...)
			r.Voters = map[string]float64{"v1": 1}
			tc.mutate(&r)
			if err := r.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
