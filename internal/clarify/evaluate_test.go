package clarify

import (
	"strings"
	"testing"

	"casework/internal/api"
)

func TestEvaluateFiltersAndOrders(t *testing.T) {
	fields := []api.Field{
		{Name: "category", Value: "flooding", Confidence: 0.97},
		{Name: "location", Value: "near the river", Confidence: 0.41},
		{Name: "occurred_at", Value: "recently", Confidence: 0.55},
		{Name: "severity", Value: "moderate", Confidence: 0.9},
	}

	doubts := Evaluate(fields, 0.9)

	if len(doubts) != 2 {
		t.Fatalf("expected 2 doubts, got %d: %+v", len(doubts), doubts)
	}
	if doubts[0].Field != "location" || doubts[1].Field != "occurred_at" {
		t.Fatalf("doubts not ordered most-doubtful first: %+v", doubts)
	}
	for _, d := range doubts {
		if d.Question == "" {
			t.Fatalf("doubt %s has no question", d.Field)
		}
	}
}

func TestEvaluateThresholdIsInclusive(t *testing.T) {
	fields := []api.Field{{Name: "severity", Value: "minor", Confidence: 0.9}}
	if doubts := Evaluate(fields, 0.9); len(doubts) != 0 {
		t.Fatalf("a field exactly at the threshold needs no clarification, got %+v", doubts)
	}
}

func TestEvaluateTieBreaksOnFieldName(t *testing.T) {
	fields := []api.Field{
		{Name: "occurred_at", Value: "b", Confidence: 0.5},
		{Name: "location", Value: "a", Confidence: 0.5},
	}

	doubts := Evaluate(fields, 0.9)

	if len(doubts) != 2 || doubts[0].Field != "location" || doubts[1].Field != "occurred_at" {
		t.Fatalf("equal confidences should order by field name, got %+v", doubts)
	}
}

func TestEvaluateNothingDoubtful(t *testing.T) {
	if doubts := Evaluate(nil, 0.9); len(doubts) != 0 {
		t.Fatalf("no fields should mean no doubts, got %+v", doubts)
	}

	fields := []api.Field{
		{Name: "category", Value: "flooding", Confidence: 0.99},
		{Name: "location", Value: "Springfield, MA", Confidence: 0.95},
	}
	if doubts := Evaluate(fields, 0.9); len(doubts) != 0 {
		t.Fatalf("confident fields should mean no doubts, got %+v", doubts)
	}
}

func TestQuestionSelection(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value string
		want  string
	}{
		{"known field with guess", "location", "near the river", "Where exactly"},
		{"known field without guess", "occurred_at", "", "When did this happen"},
		{"unknown field with guess", "license_plate", "ABC-123", `The value "ABC-123" for license_plate`},
		{"unknown field without guess", "license_plate", "", "No reliable value was found for license_plate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := questionFor(tt.field, tt.value)
			if !strings.Contains(got, tt.want) {
				t.Fatalf("questionFor(%q, %q) = %q, want it to contain %q", tt.field, tt.value, got, tt.want)
			}
		})
	}
}

func TestQuestionIncludesBestGuess(t *testing.T) {
	got := questionFor("location", "near the river")
	if !strings.Contains(got, `"near the river"`) {
		t.Fatalf("question should echo the uncertain value, got %q", got)
	}
}
