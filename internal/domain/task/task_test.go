package task_test

import (
	"errors"
	"testing"

	"github.com/convoke-io/convoke/internal/domain"
	"github.com/convoke-io/convoke/internal/domain/task"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to task.Status
		want     bool
	}{
		{task.StatusPending, task.StatusAssigned, true},
		{task.StatusPending, task.StatusCancelled, true},
		{task.StatusPending, task.StatusInProgress, false},
		{task.StatusAssigned, task.StatusInProgress, true},
		{task.StatusAssigned, task.StatusPending, true},
		{task.StatusInProgress, task.StatusCompleted, true},
		{task.StatusInProgress, task.StatusFailed, true},
		{task.StatusInProgress, task.StatusTimeout, true},
		{task.StatusFailed, task.StatusPending, true},
		{task.StatusTimeout, task.StatusPending, true},
		{task.StatusCancelled, task.StatusPending, true},
		{task.StatusCompleted, task.StatusPending, false},
		{task.StatusCompleted, task.StatusAssigned, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusTimeout, task.StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []task.Status{task.StatusPending, task.StatusAssigned, task.StatusInProgress} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSubmitRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     task.SubmitRequest
		wantErr bool
	}{
		{"valid", task.SubmitRequest{Type: "build"}, false},
		{"missing type", task.SubmitRequest{}, true},
		{"empty dependency", task.SubmitRequest{Type: "build", DependsOn: []string{""}}, true},
		{"duplicate dependency", task.SubmitRequest{Type: "build", DependsOn: []string{"a", "a"}}, true},
		{"negative retries", task.SubmitRequest{Type: "build", MaxRetries: -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr && !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
