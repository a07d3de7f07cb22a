package commands

import (
	"testing"

	"github.com/felix5572/DeepTI/internal/events"
)

func TestFilterEvents(t *testing.T) {
	all := []events.Event{
		{ID: "1", Type: events.EventRunStarted},
		{ID: "2", Type: events.EventEvaluationComputed},
		{ID: "3", Type: events.EventJobSubmitted},
		{ID: "4", Type: events.EventEvaluationCached},
		{ID: "5", Type: events.EventEvaluationComputed},
	}

	tests := []struct {
		name  string
		types []string
		tail  int
		want  []string
	}{
		{"all", nil, 0, []string{"1", "2", "3", "4", "5"}},
		{"by type", []string{"evaluation.computed", "evaluation.cached"}, 0, []string{"2", "4", "5"}},
		{"tail", nil, 2, []string{"4", "5"}},
		{"type and tail", []string{"evaluation.computed"}, 1, []string{"5"}},
		{"tail larger than list", []string{"job.submitted"}, 10, []string{"3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterEvents(all, tt.types, tt.tail)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.ID != tt.want[i] {
					t.Errorf("event %d: got %s, want %s", i, e.ID, tt.want[i])
				}
			}
		})
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID: got %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID: got %q", got)
	}
}
